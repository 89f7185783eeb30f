// Package types defines the shared data model for the tag reconciliation
// service: tag definitions, per-source assignments and schedule entries.
package types

import "time"

// TagType classifies a tag by the EVE entity it is derived from
type TagType string

const (
	TagTypeCorporation TagType = "corporation"
	TagTypeAlliance    TagType = "alliance"
)

// Tag is a tag definition, identified globally by its URN
type Tag struct {
	URN         string            `json:"tag_urn"`
	Type        TagType           `json:"tag_type"`
	DisplayName string            `json:"display_name"`
	EveID       int64             `json:"eve_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// TagInput is the payload for creating or updating a tag definition
type TagInput struct {
	URN         string            `json:"tag_urn" binding:"required"`
	Type        TagType           `json:"tag_type" binding:"required,oneof=corporation alliance"`
	DisplayName string            `json:"display_name" binding:"required"`
	EveID       int64             `json:"eve_id" binding:"required,min=1"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// TagAssignment records that one source asserts a tag for a subject.
// A (subject, tag) pair is visible while at least one assignment row exists.
type TagAssignment struct {
	ID             string    `json:"assignment_id"`
	SubjectID      string    `json:"root_subject_id"`
	TagURN         string    `json:"tag_urn"`
	SourceID       int64     `json:"source_id"`
	AssignedAt     time.Time `json:"assigned_at"`
	LastVerifiedAt time.Time `json:"last_verified_at"`
}

// TagWithSources is a tag definition together with the set of source ids
// currently asserting it for one subject
type TagWithSources struct {
	Tag     Tag     `json:"tag"`
	Sources []int64 `json:"sources"`
}

// ScheduleEntry is one subject's evaluation schedule row
type ScheduleEntry struct {
	SubjectID        string     `json:"subject_id"`
	NextEvaluationAt time.Time  `json:"next_evaluation_at"`
	LastEvaluatedAt  *time.Time `json:"last_evaluated_at,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Actor     string    `json:"actor"`
}
