// Package actor hosts one logically single-threaded tag actor: one
// embedded store, one evaluation schedule, one wake-up timer. A mutex
// serializes every RPC call and timer wake-up, so business data needs no
// further locking; the only other lock in the system is the migration
// lock, which guards against overlapping migration runs.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/evetools/tagd/internal/backup"
	"github.com/evetools/tagd/internal/fault"
	"github.com/evetools/tagd/internal/metrics"
	"github.com/evetools/tagd/internal/migrate"
	"github.com/evetools/tagd/internal/reconcile"
	"github.com/evetools/tagd/internal/schedule"
	"github.com/evetools/tagd/internal/sourcecache"
	"github.com/evetools/tagd/internal/storage"
	"github.com/evetools/tagd/internal/tags"
	"github.com/evetools/tagd/pkg/types"
	"github.com/sirupsen/logrus"
)

// Options configures an actor
type Options struct {
	Name               string
	EvaluationInterval time.Duration
	BatchSize          int
	Rules              []reconcile.Rule
	Metrics            *metrics.Metrics
	Backup             *backup.Uploader
	Cache              *sourcecache.CachingProvider
}

// Actor owns one tag store and its reconciliation loop
type Actor struct {
	mu sync.Mutex

	name      string
	store     *storage.Store
	runner    *migrate.Runner
	tags      *tags.Repository
	sched     *schedule.Scheduler
	engine    *reconcile.Engine
	backup    *backup.Uploader
	cache     *sourcecache.CachingProvider
	metrics   *metrics.Metrics
	batchSize int
	log       *logrus.Entry

	timerMu sync.Mutex
	timer   *time.Timer
	closed  bool
}

// New assembles an actor over an opened store. When opts.Cache is set it
// must already wrap provider; the actor only uses it for invalidation.
func New(store *storage.Store, provider reconcile.SourceProvider, opts Options) *Actor {
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = schedule.DefaultBatchSize
	}

	repo := tags.NewRepository(store.DB())
	sched := schedule.NewScheduler(store.DB(), opts.EvaluationInterval)

	effective := provider
	if opts.Cache != nil {
		effective = opts.Cache
	}

	return &Actor{
		name:      opts.Name,
		store:     store,
		runner:    migrate.NewRunner(store.DB(), storage.Migrations()),
		tags:      repo,
		sched:     sched,
		engine:    reconcile.NewEngine(effective, opts.Rules, repo, sched),
		backup:    opts.Backup,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		batchSize: opts.BatchSize,
		log:       logrus.WithField("actor", opts.Name),
	}
}

// Name returns the actor's name
func (a *Actor) Name() string { return a.name }

// Init brings the schema to the latest version and arms the timer from
// whatever schedule survived the last process run. Reconciliation is
// idempotent, so resuming a half-finished batch is always safe.
func (a *Actor) Init(ctx context.Context) error {
	if _, err := a.RunMigrations(ctx); err != nil {
		return fmt.Errorf("actor %s initialization: %w", a.name, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.rearmLocked(ctx)
	return nil
}

// RunMigrations applies pending schema migrations
func (a *Actor) RunMigrations(ctx context.Context) (*migrate.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	result, err := a.runner.Run(ctx)
	if result != nil && a.metrics != nil {
		a.metrics.MigrationsApplied.Add(float64(result.Applied))
	}
	if err != nil {
		return result, err
	}

	if result.Applied > 0 && a.backup != nil {
		if _, backupErr := a.backup.Backup(ctx); backupErr != nil {
			a.log.WithError(backupErr).Warn("Post-migration backup failed")
		}
	}
	return result, nil
}

// MigrationStatus reports applied and pending migrations
func (a *Actor) MigrationStatus(ctx context.Context) (*migrate.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runner.Status(ctx)
}

// UpsertTag creates or updates a tag definition
func (a *Actor) UpsertTag(ctx context.Context, in types.TagInput) (*types.Tag, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tags.UpsertTag(ctx, in)
}

// GetTag returns a tag definition by URN
func (a *Actor) GetTag(ctx context.Context, urn string) (*types.Tag, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tags.GetTag(ctx, urn)
}

// ListTags returns all tag definitions
func (a *Actor) ListTags(ctx context.Context) ([]types.Tag, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tags.ListTags(ctx)
}

// AssignTag explicitly asserts a tag for a subject from one source
func (a *Actor) AssignTag(ctx context.Context, subjectID, tagURN string, sourceID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.tags.GetTag(ctx, tagURN); err != nil {
		return err
	}
	return a.tags.Assign(ctx, subjectID, tagURN, sourceID)
}

// UnassignTag removes one source's assertion, or with sourceID 0 the tag
// across all sources
func (a *Actor) UnassignTag(ctx context.Context, subjectID, tagURN string, sourceID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sourceID == 0 {
		return a.tags.UnassignAll(ctx, subjectID, tagURN)
	}
	return a.tags.Unassign(ctx, subjectID, tagURN, sourceID)
}

// RemoveSource deletes every assignment a source asserts, for all subjects
func (a *Actor) RemoveSource(ctx context.Context, sourceID int64) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tags.RemoveSource(ctx, sourceID)
}

// UserTags returns a subject's visible tags with their asserting sources
func (a *Actor) UserTags(ctx context.Context, subjectID string) ([]types.TagWithSources, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tags.SubjectTags(ctx, subjectID)
}

// UserAssignments returns a subject's raw assignment rows
func (a *Actor) UserAssignments(ctx context.Context, subjectID string) ([]types.TagAssignment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tags.SubjectAssignments(ctx, subjectID)
}

// UsersWithTag returns the subjects currently carrying a tag
func (a *Actor) UsersWithTag(ctx context.Context, tagURN string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tags.SubjectsWithTag(ctx, tagURN)
}

// ScheduleEvaluation (re)schedules a subject and rearms the timer
func (a *Actor) ScheduleEvaluation(ctx context.Context, subjectID string, delay time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.sched.ScheduleEvaluation(ctx, subjectID, delay); err != nil {
		return err
	}
	a.rearmLocked(ctx)
	return nil
}

// EvaluateUser runs an on-demand reconciliation for one subject. The
// subject is rescheduled whether or not the upstream lookup succeeded, so
// a transient outage is retried on the next cycle. The timer is rearmed
// even on failure: the reschedule may have created the only entry.
func (a *Actor) EvaluateUser(ctx context.Context, subjectID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.evaluateLocked(ctx, subjectID)
	a.rearmLocked(ctx)
	return err
}

// OnboardSource seeds tags for a newly linked source and schedules the
// subject's first evaluation
func (a *Actor) OnboardSource(ctx context.Context, subjectID string, src reconcile.Source) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cache != nil {
		a.cache.Invalidate(subjectID)
	}
	if err := a.engine.OnboardSource(ctx, subjectID, src); err != nil {
		return err
	}
	a.rearmLocked(ctx)
	return nil
}

// UnlinkSource removes a source's assignments for the subject and forces
// an immediate re-evaluation
func (a *Actor) UnlinkSource(ctx context.Context, subjectID string, sourceID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cache != nil {
		a.cache.Invalidate(subjectID)
	}
	if err := a.engine.UnlinkSource(ctx, subjectID, sourceID); err != nil {
		return err
	}
	a.rearmLocked(ctx)
	return nil
}

// Alarm is the timer-driven wake-up entrypoint. It processes one batch of
// due subjects sequentially, isolating per-subject failures, reschedules
// each subject and rearms the timer to the new global minimum.
func (a *Actor) Alarm(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	due, err := a.sched.GetDue(ctx, a.batchSize)
	if err != nil {
		a.rearmLocked(ctx)
		return err
	}

	if a.metrics != nil {
		a.metrics.WakeupBatchSize.Observe(float64(len(due)))
	}
	if len(due) > 0 {
		a.log.WithField("due", len(due)).Info("Processing evaluation batch")
	}

	for _, subjectID := range due {
		if err := a.evaluateLocked(ctx, subjectID); err != nil {
			a.log.WithError(err).WithField("subject", subjectID).
				Warn("Subject evaluation failed, retrying next cycle")
		}
	}

	a.rearmLocked(ctx)
	return nil
}

// Backup snapshots the store and uploads it to object storage
func (a *Actor) Backup(ctx context.Context) (string, error) {
	if a.backup == nil {
		return "", fmt.Errorf("backup not configured: %w", fault.ErrNotFound)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backup.Backup(ctx)
}

// Close disarms the timer. The store is owned by the caller.
func (a *Actor) Close() {
	a.timerMu.Lock()
	defer a.timerMu.Unlock()

	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// evaluateLocked reconciles one subject and reschedules it. Callers hold
// a.mu.
func (a *Actor) evaluateLocked(ctx context.Context, subjectID string) error {
	outcome, evalErr := a.engine.EvaluateSubject(ctx, subjectID)

	if a.metrics != nil {
		if evalErr != nil {
			a.metrics.Evaluations.WithLabelValues("skipped").Inc()
		} else {
			a.metrics.Evaluations.WithLabelValues("ok").Inc()
			a.metrics.AssignmentsChanged.WithLabelValues("add").Add(float64(outcome.Added))
			a.metrics.AssignmentsChanged.WithLabelValues("remove").Add(float64(outcome.Removed))
			a.metrics.EvaluationDuration.Observe(outcome.Duration.Seconds())
		}
	}

	// Reschedule on success and on upstream outage alike; other errors
	// also retry next cycle, reconciliation is idempotent.
	if schedErr := a.sched.ScheduleEvaluation(ctx, subjectID, 0); schedErr != nil {
		return errors.Join(evalErr, schedErr)
	}
	return evalErr
}

// rearmLocked points the single wake-up timer at the earliest due entry,
// or disarms it when the schedule is empty. Callers hold a.mu.
func (a *Actor) rearmLocked(ctx context.Context) {
	next, ok, err := a.sched.NextDue(ctx)
	if err != nil {
		a.log.WithError(err).Error("Failed to compute next wake-up time")
		return
	}

	a.timerMu.Lock()
	defer a.timerMu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.closed {
		return
	}
	if !ok {
		a.log.Debug("Schedule empty, timer disarmed")
		return
	}

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	a.timer = time.AfterFunc(delay, a.onTimer)
	a.log.WithField("wake_in", delay.Round(time.Millisecond).String()).Debug("Timer armed")
}

func (a *Actor) onTimer() {
	a.timerMu.Lock()
	closed := a.closed
	a.timerMu.Unlock()
	if closed {
		return
	}

	if err := a.Alarm(context.Background()); err != nil {
		a.log.WithError(err).Error("Timer wake-up failed")
	}
}
