// Package migrate applies an ordered set of versioned, checksummed SQL
// migrations to one actor's store exactly once. A single lock row guards
// against overlapping runs; checksum verification of already-applied
// versions catches schema drift before any new SQL executes.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/evetools/tagd/internal/fault"
	"github.com/sirupsen/logrus"
)

// DefaultLockStaleness is how old a lock row must be before a new run may
// treat it as abandoned and take it over.
const DefaultLockStaleness = 30 * time.Second

const lockKey = "migrations"

const trackingDDL = `
CREATE TABLE IF NOT EXISTS _migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	execution_time_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS _migration_lock (
	key TEXT PRIMARY KEY,
	acquired_at INTEGER NOT NULL
);
`

// Migration is a versioned SQL script, immutable once applied
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Checksum returns the hex sha256 of the migration SQL
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.SQL))
	return hex.EncodeToString(sum[:])
}

// Applied is one recorded migration run
type Applied struct {
	Version       int       `json:"version"`
	Name          string    `json:"name"`
	AppliedAt     time.Time `json:"applied_at"`
	Checksum      string    `json:"checksum"`
	ExecutionTime int64     `json:"execution_time_ms"`
}

// StepError attaches the failing version to a migration error
type StepError struct {
	Version int   `json:"version"`
	Err     error `json:"error"`
}

func (e *StepError) Error() string {
	return fmt.Sprintf("migration v%d failed: %v", e.Version, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Result summarizes one migration run. When a step fails, migrations
// applied earlier in the run remain committed and Failed is set.
type Result struct {
	Applied   int        `json:"applied"`
	Versions  []int      `json:"versions"`
	TotalTime int64      `json:"total_time_ms"`
	Failed    *StepError `json:"failed,omitempty"`
}

// Status describes the store's schema relative to the supplied set
type Status struct {
	Applied        []Applied   `json:"applied"`
	Pending        []Migration `json:"pending"`
	CurrentVersion int         `json:"current_version"`
	LatestVersion  int         `json:"latest_version"`
	UpToDate       bool        `json:"up_to_date"`
}

// Runner applies a fixed migration set to one store
type Runner struct {
	db            *sql.DB
	migrations    []Migration
	lockStaleness time.Duration
	now           func() time.Time
	log           *logrus.Entry
}

// NewRunner creates a runner for the supplied migration set. The set is
// authored at build time; it is not discovered at runtime.
func NewRunner(db *sql.DB, migrations []Migration) *Runner {
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	return &Runner{
		db:            db,
		migrations:    sorted,
		lockStaleness: DefaultLockStaleness,
		now:           time.Now,
		log:           logrus.WithField("component", "migrate"),
	}
}

// Run applies all pending migrations in version order. Earlier steps of a
// partially failed run stay committed; the failing step is reported in the
// result and the returned error.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if err := r.validateSequence(); err != nil {
		return nil, err
	}

	if err := r.ensureTracking(ctx); err != nil {
		return nil, err
	}

	if err := r.acquireLock(ctx); err != nil {
		return nil, err
	}
	defer r.releaseLock()

	applied, err := r.loadApplied(ctx)
	if err != nil {
		return nil, err
	}

	if err := r.verifyChecksums(applied); err != nil {
		return nil, err
	}

	pending := r.pending(applied)
	result := &Result{Versions: []int{}}
	start := r.now()

	for _, m := range pending {
		stepStart := r.now()
		if err := r.applyOne(ctx, m); err != nil {
			result.Failed = &StepError{Version: m.Version, Err: err}
			result.TotalTime = r.now().Sub(start).Milliseconds()
			return result, result.Failed
		}

		elapsed := r.now().Sub(stepStart)
		r.log.WithFields(logrus.Fields{
			"version":           m.Version,
			"name":              m.Name,
			"execution_time_ms": elapsed.Milliseconds(),
		}).Info("Applied schema migration")

		result.Applied++
		result.Versions = append(result.Versions, m.Version)
	}

	result.TotalTime = r.now().Sub(start).Milliseconds()
	return result, nil
}

// Status reports applied and pending migrations without taking the lock
func (r *Runner) Status(ctx context.Context) (*Status, error) {
	if err := r.ensureTracking(ctx); err != nil {
		return nil, err
	}

	applied, err := r.loadApplied(ctx)
	if err != nil {
		return nil, err
	}

	status := &Status{
		Applied: applied,
		Pending: r.pending(applied),
	}
	for _, a := range applied {
		if a.Version > status.CurrentVersion {
			status.CurrentVersion = a.Version
		}
	}
	if n := len(r.migrations); n > 0 {
		status.LatestVersion = r.migrations[n-1].Version
	}
	status.UpToDate = len(status.Pending) == 0
	return status, nil
}

// validateSequence rejects any supplied set that is not exactly 1..N
func (r *Runner) validateSequence() error {
	for i, m := range r.migrations {
		want := i + 1
		if m.Version != want {
			return fmt.Errorf("%w: migration versions must be contiguous from 1, missing v%d",
				fault.ErrIntegrity, want)
		}
	}
	return nil
}

func (r *Runner) ensureTracking(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, trackingDDL); err != nil {
		return fmt.Errorf("failed to create migration tracking tables: %w", err)
	}
	return nil
}

// acquireLock takes the single lock row, overwriting it only when the
// current holder is older than the staleness window.
func (r *Runner) acquireLock(ctx context.Context) error {
	now := r.now()

	var acquiredAt int64
	err := r.db.QueryRowContext(ctx,
		"SELECT acquired_at FROM _migration_lock WHERE key = ?", lockKey).Scan(&acquiredAt)
	switch {
	case err == nil:
		age := now.Sub(time.Unix(acquiredAt, 0))
		if age < r.lockStaleness {
			return fmt.Errorf("%w: acquired %s ago", fault.ErrLockContention, age.Round(time.Millisecond))
		}
		r.log.WithField("lock_age", age.String()).Warn("Overwriting stale migration lock")
	case err != sql.ErrNoRows:
		return fmt.Errorf("failed to inspect migration lock: %w", err)
	}

	if _, err := r.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO _migration_lock (key, acquired_at) VALUES (?, ?)",
		lockKey, now.Unix()); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	return nil
}

func (r *Runner) releaseLock() {
	if _, err := r.db.Exec("DELETE FROM _migration_lock WHERE key = ?", lockKey); err != nil {
		r.log.WithError(err).Warn("Failed to release migration lock")
	}
}

func (r *Runner) loadApplied(ctx context.Context) ([]Applied, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT version, name, applied_at, checksum, execution_time_ms FROM _migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.log.WithError(closeErr).Warn("Failed to close migration rows")
		}
	}()

	var applied []Applied
	for rows.Next() {
		var a Applied
		var appliedAtUnix int64
		if err := rows.Scan(&a.Version, &a.Name, &appliedAtUnix, &a.Checksum, &a.ExecutionTime); err != nil {
			return nil, fmt.Errorf("failed to scan applied migration: %w", err)
		}
		a.AppliedAt = time.Unix(appliedAtUnix, 0)
		applied = append(applied, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating applied migrations: %w", err)
	}
	return applied, nil
}

// verifyChecksums compares every recorded checksum against the supplied
// set. Any divergence means the migration history no longer describes the
// store and the whole run aborts.
func (r *Runner) verifyChecksums(applied []Applied) error {
	byVersion := make(map[int]Migration, len(r.migrations))
	for _, m := range r.migrations {
		byVersion[m.Version] = m
	}

	for _, a := range applied {
		m, ok := byVersion[a.Version]
		if !ok {
			return fmt.Errorf("%w: applied migration v%d is absent from the supplied set",
				fault.ErrIntegrity, a.Version)
		}
		if sum := m.Checksum(); sum != a.Checksum {
			return fmt.Errorf("%w: checksum mismatch for v%d (recorded %s, supplied %s)",
				fault.ErrIntegrity, a.Version, a.Checksum, sum)
		}
	}
	return nil
}

func (r *Runner) pending(applied []Applied) []Migration {
	done := make(map[int]bool, len(applied))
	for _, a := range applied {
		done[a.Version] = true
	}

	var pending []Migration
	for _, m := range r.migrations {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending
}

// applyOne executes a migration and records it in the same transaction, so
// a step either lands fully or not at all.
func (r *Runner) applyOne(ctx context.Context, m Migration) error {
	start := r.now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				r.log.WithError(rollbackErr).Warn("Failed to rollback migration transaction")
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO _migrations (version, name, applied_at, checksum, execution_time_ms) VALUES (?, ?, ?, ?, ?)",
		m.Version, m.Name, r.now().Unix(), m.Checksum(), r.now().Sub(start).Milliseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	committed = true
	return nil
}
