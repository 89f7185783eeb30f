// Package schedule tracks when each subject is next due for evaluation.
// The table is a SQL-ORDER-BY-backed priority queue: batches are small and
// bounded per wake-up, so no in-memory heap is needed.
package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/evetools/tagd/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultInterval is the delay applied when a caller does not supply one
	DefaultInterval = time.Hour

	// DefaultBatchSize caps how many due subjects one wake-up processes
	DefaultBatchSize = 100
)

// Scheduler persists per-subject next-due timestamps in one actor store
type Scheduler struct {
	db       *sql.DB
	interval time.Duration
	now      func() time.Time
	log      *logrus.Entry
}

// NewScheduler creates a scheduler with the given default evaluation
// interval; interval <= 0 selects DefaultInterval.
func NewScheduler(db *sql.DB, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		db:       db,
		interval: interval,
		now:      time.Now,
		log:      logrus.WithField("component", "schedule"),
	}
}

// ScheduleEvaluation upserts the subject's schedule entry to now+delay and
// stamps last_evaluated_at. delay <= 0 selects the default interval.
func (s *Scheduler) ScheduleEvaluation(ctx context.Context, subjectID string, delay time.Duration) error {
	if delay <= 0 {
		delay = s.interval
	}
	now := s.now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evaluation_schedule (subject_id, next_evaluation_at, last_evaluated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(subject_id) DO UPDATE SET
		   next_evaluation_at = excluded.next_evaluation_at,
		   last_evaluated_at = excluded.last_evaluated_at`,
		subjectID, now.Add(delay).Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to schedule evaluation for %s: %w", subjectID, err)
	}
	return nil
}

// GetDue returns subjects whose next evaluation time has passed, oldest
// first, capped at limit. limit <= 0 selects DefaultBatchSize.
func (s *Scheduler) GetDue(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT subject_id FROM evaluation_schedule
		 WHERE next_evaluation_at <= ?
		 ORDER BY next_evaluation_at ASC
		 LIMIT ?`,
		s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due subjects: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.log.WithError(closeErr).Warn("Failed to close schedule rows")
		}
	}()

	subjects := []string{}
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, fmt.Errorf("failed to scan due subject: %w", err)
		}
		subjects = append(subjects, subject)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due subjects: %w", err)
	}
	return subjects, nil
}

// NextDue returns the minimum next_evaluation_at across all entries. The
// second return is false when the schedule is empty, which disarms the
// actor's timer.
func (s *Scheduler) NextDue(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MIN(next_evaluation_at) FROM evaluation_schedule").Scan(&next)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query next due time: %w", err)
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(next.Int64, 0), true, nil
}

// Entry returns the schedule row for one subject, or nil if none exists
func (s *Scheduler) Entry(ctx context.Context, subjectID string) (*types.ScheduleEntry, error) {
	var nextAt int64
	var lastAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT next_evaluation_at, last_evaluated_at FROM evaluation_schedule WHERE subject_id = ?",
		subjectID).Scan(&nextAt, &lastAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule entry for %s: %w", subjectID, err)
	}

	entry := &types.ScheduleEntry{
		SubjectID:        subjectID,
		NextEvaluationAt: time.Unix(nextAt, 0),
	}
	if lastAt.Valid {
		t := time.Unix(lastAt.Int64, 0)
		entry.LastEvaluatedAt = &t
	}
	return entry, nil
}

// Remove drops a subject's schedule entry. Called when a subject loses its
// last linked source and has nothing left to evaluate.
func (s *Scheduler) Remove(ctx context.Context, subjectID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM evaluation_schedule WHERE subject_id = ?", subjectID); err != nil {
		return fmt.Errorf("failed to remove schedule entry for %s: %w", subjectID, err)
	}
	return nil
}
