// Package reconcile recomputes each subject's desired tag set from ground
// truth and diffs it against stored assignments. Every run is a full
// declarative reconciliation, so drift from manual edits or partial
// failures is corrected on the next cycle.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evetools/tagd/internal/fault"
	"github.com/evetools/tagd/internal/schedule"
	"github.com/evetools/tagd/internal/tags"
	"github.com/evetools/tagd/pkg/types"
	"github.com/sirupsen/logrus"
)

// Outcome summarizes one subject evaluation
type Outcome struct {
	SubjectID string        `json:"subject_id"`
	Sources   int           `json:"sources"`
	Added     int           `json:"added"`
	Removed   int           `json:"removed"`
	Kept      int           `json:"kept"`
	Duration  time.Duration `json:"-"`
}

// Engine reconciles stored tag assignments against the source provider
type Engine struct {
	provider SourceProvider
	rules    []Rule
	tags     *tags.Repository
	sched    *schedule.Scheduler
	now      func() time.Time
	log      *logrus.Entry
}

// NewEngine creates a reconciliation engine. A nil rules slice selects
// DefaultRules.
func NewEngine(provider SourceProvider, rules []Rule, repo *tags.Repository, sched *schedule.Scheduler) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Engine{
		provider: provider,
		rules:    rules,
		tags:     repo,
		sched:    sched,
		now:      time.Now,
		log:      logrus.WithField("component", "reconcile"),
	}
}

// EvaluateSubject pulls the subject's sources, derives the expected tag
// set through the rules, and applies the minimal add/remove delta to the
// stored assignments. A failed source lookup aborts with
// fault.ErrUpstreamUnavailable before any mutation: "unknown" is not
// "empty", and deleting on an outage would spuriously strip valid tags.
func (e *Engine) EvaluateSubject(ctx context.Context, subjectID string) (*Outcome, error) {
	start := e.now()

	sources, err := e.provider.Sources(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("source lookup for subject %s: %w",
			subjectID, errors.Join(fault.ErrUpstreamUnavailable, err))
	}

	claims := e.applyRules(sources)
	if err := e.upsertClaimedTags(ctx, claims); err != nil {
		return nil, err
	}

	expected := expectedPairs(claims)

	current, err := e.tags.SubjectAssignments(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{SubjectID: subjectID, Sources: len(sources)}

	// Add pairs asserted now but not stored.
	stored := make(map[string]map[int64]bool, len(current))
	for _, a := range current {
		if stored[a.TagURN] == nil {
			stored[a.TagURN] = make(map[int64]bool)
		}
		stored[a.TagURN][a.SourceID] = true
	}
	for urn, srcs := range expected {
		for srcID := range srcs {
			if stored[urn][srcID] {
				outcome.Kept++
				continue
			}
			if err := e.tags.Assign(ctx, subjectID, urn, srcID); err != nil {
				return nil, err
			}
			outcome.Added++
		}
	}

	// Remove stored pairs no source asserts anymore.
	for _, a := range current {
		if expected[a.TagURN][a.SourceID] {
			continue
		}
		if err := e.tags.Unassign(ctx, subjectID, a.TagURN, a.SourceID); err != nil {
			return nil, err
		}
		outcome.Removed++
	}

	outcome.Duration = e.now().Sub(start)
	e.log.WithFields(logrus.Fields{
		"subject": subjectID,
		"sources": outcome.Sources,
		"added":   outcome.Added,
		"removed": outcome.Removed,
		"kept":    outcome.Kept,
	}).Debug("Evaluated subject tags")

	return outcome, nil
}

// OnboardSource seeds the derived tags for a freshly linked source and
// schedules the subject's first periodic evaluation.
func (e *Engine) OnboardSource(ctx context.Context, subjectID string, src Source) error {
	claims := e.applyRules([]Source{src})
	if err := e.upsertClaimedTags(ctx, claims); err != nil {
		return err
	}
	for _, c := range claims {
		if err := e.tags.Assign(ctx, subjectID, c.TagURN, c.SourceID); err != nil {
			return err
		}
	}

	if err := e.sched.ScheduleEvaluation(ctx, subjectID, 0); err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"subject":   subjectID,
		"source_id": src.ID,
		"tags":      len(claims),
	}).Info("Onboarded source")
	return nil
}

// UnlinkSource drops every assignment the source asserted for the subject
// and forces an immediate re-evaluation. An upstream outage during the
// re-evaluation is logged, not fatal: the subject stays scheduled and the
// next cycle retries.
func (e *Engine) UnlinkSource(ctx context.Context, subjectID string, sourceID int64) error {
	current, err := e.tags.SubjectAssignments(ctx, subjectID)
	if err != nil {
		return err
	}
	for _, a := range current {
		if a.SourceID != sourceID {
			continue
		}
		if err := e.tags.Unassign(ctx, subjectID, a.TagURN, a.SourceID); err != nil {
			return err
		}
	}

	outcome, err := e.EvaluateSubject(ctx, subjectID)
	if err != nil {
		if errors.Is(err, fault.ErrUpstreamUnavailable) {
			e.log.WithError(err).WithField("subject", subjectID).
				Warn("Re-evaluation after unlink skipped, retrying next cycle")
			return e.sched.ScheduleEvaluation(ctx, subjectID, 0)
		}
		return err
	}

	// A subject with no sources left has nothing to evaluate anymore.
	if outcome.Sources == 0 {
		return e.sched.Remove(ctx, subjectID)
	}
	return e.sched.ScheduleEvaluation(ctx, subjectID, 0)
}

func (e *Engine) applyRules(sources []Source) []Claim {
	var claims []Claim
	for _, src := range sources {
		for _, rule := range e.rules {
			derived := rule.Apply(src)
			if len(derived) > 0 {
				e.log.WithFields(logrus.Fields{
					"rule":      rule.Name(),
					"source_id": src.ID,
					"claims":    len(derived),
				}).Debug("Rule derived tag claims")
			}
			claims = append(claims, derived...)
		}
	}
	return claims
}

// upsertClaimedTags refreshes the tag definition for every distinct URN in
// the claim set before any assignment is written
func (e *Engine) upsertClaimedTags(ctx context.Context, claims []Claim) error {
	seen := make(map[string]bool, len(claims))
	for _, c := range claims {
		if seen[c.TagURN] {
			continue
		}
		seen[c.TagURN] = true

		if _, err := e.tags.UpsertTag(ctx, types.TagInput{
			URN:         c.TagURN,
			Type:        c.TagType,
			DisplayName: c.DisplayName,
			EveID:       c.EveID,
			Metadata:    c.Metadata,
		}); err != nil {
			return err
		}
	}
	return nil
}

// expectedPairs builds the desired (tag, source) relation from the claims
func expectedPairs(claims []Claim) map[string]map[int64]bool {
	expected := make(map[string]map[int64]bool)
	for _, c := range claims {
		if expected[c.TagURN] == nil {
			expected[c.TagURN] = make(map[int64]bool)
		}
		expected[c.TagURN][c.SourceID] = true
	}
	return expected
}
