// Package tags persists tag definitions and per-source tag assignments.
// A tag is visible to a subject while at least one source still asserts
// it; assignments are keyed by (subject, tag, source).
package tags

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/evetools/tagd/internal/fault"
	"github.com/evetools/tagd/pkg/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Repository provides tag and assignment persistence over one actor store
type Repository struct {
	db  *sql.DB
	now func() time.Time
	log *logrus.Entry
}

// NewRepository creates a repository over the actor's database handle
func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		db:  db,
		now: time.Now,
		log: logrus.WithField("component", "tags"),
	}
}

// UpsertTag creates the tag or, if the URN already exists, refreshes its
// display name and metadata. The URN is the identity; eve_id and type are
// derived from it and never change on update.
func (r *Repository) UpsertTag(ctx context.Context, in types.TagInput) (*types.Tag, error) {
	metadata, err := marshalMetadata(in.Metadata)
	if err != nil {
		return nil, err
	}

	now := r.now().Unix()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO tags (tag_urn, tag_type, display_name, eve_id, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tag_urn) DO UPDATE SET
		   display_name = excluded.display_name,
		   metadata = excluded.metadata,
		   updated_at = excluded.updated_at`,
		in.URN, string(in.Type), in.DisplayName, in.EveID, metadata, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert tag %s: %w", in.URN, err)
	}

	return r.GetTag(ctx, in.URN)
}

// GetTag returns the tag definition for a URN
func (r *Repository) GetTag(ctx context.Context, urn string) (*types.Tag, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT tag_urn, tag_type, display_name, eve_id, metadata, created_at, updated_at
		 FROM tags WHERE tag_urn = ?`, urn)

	tag, err := scanTag(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tag %s: %w", urn, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tag %s: %w", urn, err)
	}
	return tag, nil
}

// ListTags returns every tag definition, including orphaned ones that no
// subject currently carries
func (r *Repository) ListTags(ctx context.Context) ([]types.Tag, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tag_urn, tag_type, display_name, eve_id, metadata, created_at, updated_at
		 FROM tags ORDER BY tag_urn`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer r.closeRows(rows)

	tags := []types.Tag{}
	for rows.Next() {
		tag, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, *tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tags: %w", err)
	}
	return tags, nil
}

// Assign records that sourceID asserts tagURN for the subject. Re-asserting
// an existing assignment only refreshes last_verified_at.
func (r *Repository) Assign(ctx context.Context, subjectID, tagURN string, sourceID int64) error {
	now := r.now().Unix()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO user_tags (assignment_id, root_subject_id, tag_urn, source_id, assigned_at, last_verified_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(root_subject_id, tag_urn, source_id) DO UPDATE SET
		   last_verified_at = excluded.last_verified_at`,
		uuid.New().String(), subjectID, tagURN, sourceID, now, now)
	if err != nil {
		return fmt.Errorf("failed to assign tag %s to %s: %w", tagURN, subjectID, err)
	}
	return nil
}

// Unassign removes one source's assertion of a tag for a subject
func (r *Repository) Unassign(ctx context.Context, subjectID, tagURN string, sourceID int64) error {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM user_tags WHERE root_subject_id = ? AND tag_urn = ? AND source_id = ?",
		subjectID, tagURN, sourceID)
	if err != nil {
		return fmt.Errorf("failed to unassign tag %s from %s: %w", tagURN, subjectID, err)
	}
	return r.requireAffected(res, tagURN, subjectID)
}

// UnassignAll removes a tag from a subject across every asserting source
func (r *Repository) UnassignAll(ctx context.Context, subjectID, tagURN string) error {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM user_tags WHERE root_subject_id = ? AND tag_urn = ?",
		subjectID, tagURN)
	if err != nil {
		return fmt.Errorf("failed to unassign tag %s from %s: %w", tagURN, subjectID, err)
	}
	return r.requireAffected(res, tagURN, subjectID)
}

// RemoveSource deletes every assignment asserted by sourceID and returns
// the subjects that lost assignments, so callers can re-evaluate them.
func (r *Repository) RemoveSource(ctx context.Context, sourceID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT DISTINCT root_subject_id FROM user_tags WHERE source_id = ?", sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subjects for source %d: %w", sourceID, err)
	}

	var subjects []string
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			r.closeRows(rows)
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		subjects = append(subjects, subject)
	}
	iterErr := rows.Err()
	r.closeRows(rows)
	if iterErr != nil {
		return nil, fmt.Errorf("error iterating subjects: %w", iterErr)
	}

	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM user_tags WHERE source_id = ?", sourceID); err != nil {
		return nil, fmt.Errorf("failed to remove assignments for source %d: %w", sourceID, err)
	}

	if len(subjects) > 0 {
		r.log.WithFields(logrus.Fields{
			"source_id": sourceID,
			"subjects":  len(subjects),
		}).Info("Removed all assignments for source")
	}
	return subjects, nil
}

// SubjectTags returns the subject's visible tags, each with the set of
// source ids currently asserting it
func (r *Repository) SubjectTags(ctx context.Context, subjectID string) ([]types.TagWithSources, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT t.tag_urn, t.tag_type, t.display_name, t.eve_id, t.metadata, t.created_at, t.updated_at,
		        ut.source_id
		 FROM user_tags ut
		 JOIN tags t ON t.tag_urn = ut.tag_urn
		 WHERE ut.root_subject_id = ?
		 ORDER BY t.tag_urn, ut.source_id`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags for subject %s: %w", subjectID, err)
	}
	defer r.closeRows(rows)

	result := []types.TagWithSources{}
	for rows.Next() {
		var tag types.Tag
		var tagType, metadata sql.NullString
		var createdAt, updatedAt, sourceID int64

		if err := rows.Scan(&tag.URN, &tagType, &tag.DisplayName, &tag.EveID,
			&metadata, &createdAt, &updatedAt, &sourceID); err != nil {
			return nil, fmt.Errorf("failed to scan subject tag: %w", err)
		}
		tag.Type = types.TagType(tagType.String)
		tag.CreatedAt = time.Unix(createdAt, 0)
		tag.UpdatedAt = time.Unix(updatedAt, 0)
		if tag.Metadata, err = unmarshalMetadata(metadata); err != nil {
			return nil, err
		}

		if n := len(result); n > 0 && result[n-1].Tag.URN == tag.URN {
			result[n-1].Sources = append(result[n-1].Sources, sourceID)
			continue
		}
		result = append(result, types.TagWithSources{Tag: tag, Sources: []int64{sourceID}})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subject tags: %w", err)
	}
	return result, nil
}

// SubjectAssignments returns the raw assignment rows for a subject
func (r *Repository) SubjectAssignments(ctx context.Context, subjectID string) ([]types.TagAssignment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT assignment_id, root_subject_id, tag_urn, source_id, assigned_at, last_verified_at
		 FROM user_tags WHERE root_subject_id = ? ORDER BY tag_urn, source_id`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments for subject %s: %w", subjectID, err)
	}
	defer r.closeRows(rows)

	assignments := []types.TagAssignment{}
	for rows.Next() {
		var a types.TagAssignment
		var assignedAt, verifiedAt int64
		if err := rows.Scan(&a.ID, &a.SubjectID, &a.TagURN, &a.SourceID, &assignedAt, &verifiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		a.AssignedAt = time.Unix(assignedAt, 0)
		a.LastVerifiedAt = time.Unix(verifiedAt, 0)
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assignments: %w", err)
	}
	return assignments, nil
}

// SubjectsWithTag returns every subject currently carrying the tag
func (r *Repository) SubjectsWithTag(ctx context.Context, tagURN string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT DISTINCT root_subject_id FROM user_tags WHERE tag_urn = ? ORDER BY root_subject_id", tagURN)
	if err != nil {
		return nil, fmt.Errorf("failed to query subjects with tag %s: %w", tagURN, err)
	}
	defer r.closeRows(rows)

	subjects := []string{}
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		subjects = append(subjects, subject)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subjects: %w", err)
	}
	return subjects, nil
}

func (r *Repository) requireAffected(res sql.Result, tagURN, subjectID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("assignment of %s to %s: %w", tagURN, subjectID, fault.ErrNotFound)
	}
	return nil
}

func (r *Repository) closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		r.log.WithError(err).Warn("Failed to close database rows")
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTag(row rowScanner) (*types.Tag, error) {
	var tag types.Tag
	var tagType string
	var metadata sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(&tag.URN, &tagType, &tag.DisplayName, &tag.EveID,
		&metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	tag.Type = types.TagType(tagType)
	tag.CreatedAt = time.Unix(createdAt, 0)
	tag.UpdatedAt = time.Unix(updatedAt, 0)

	var err error
	if tag.Metadata, err = unmarshalMetadata(metadata); err != nil {
		return nil, err
	}
	return &tag, nil
}

func marshalMetadata(m map[string]string) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tag metadata: %w", err)
	}
	return string(raw), nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tag metadata: %w", err)
	}
	return m, nil
}
