package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evetools/tagd/internal/fault"
	"github.com/evetools/tagd/internal/migrate"
	"github.com/evetools/tagd/internal/schedule"
	"github.com/evetools/tagd/internal/storage"
	"github.com/evetools/tagd/internal/tags"
	"github.com/evetools/tagd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	sources map[string][]Source
	err     error
	calls   int
}

func (f *fakeProvider) Sources(ctx context.Context, subjectID string) ([]Source, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.sources[subjectID], nil
}

func testEngine(t *testing.T, provider SourceProvider) (*Engine, *tags.Repository, *schedule.Scheduler) {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close() // Ignore error in test
	})

	_, err = migrate.NewRunner(store.DB(), storage.Migrations()).Run(context.Background())
	require.NoError(t, err)

	repo := tags.NewRepository(store.DB())
	sched := schedule.NewScheduler(store.DB(), time.Hour)
	return NewEngine(provider, nil, repo, sched), repo, sched
}

func acmeSource(id int64) Source {
	return Source{
		ID:              id,
		Name:            "Pilot One",
		CorporationID:   98000001,
		CorporationName: "Acme",
	}
}

func pairs(t *testing.T, repo *tags.Repository, subjectID string) map[[2]interface{}]bool {
	t.Helper()
	assignments, err := repo.SubjectAssignments(context.Background(), subjectID)
	require.NoError(t, err)

	set := make(map[[2]interface{}]bool, len(assignments))
	for _, a := range assignments {
		set[[2]interface{}{a.TagURN, a.SourceID}] = true
	}
	return set
}

func TestEvaluateSubject_Convergence(t *testing.T) {
	provider := &fakeProvider{sources: map[string][]Source{
		"user-1": {
			{ID: 1, CorporationID: 98000001, CorporationName: "Acme"},
			{ID: 2, CorporationID: 98000002, CorporationName: "Globex"},
		},
	}}
	engine, repo, _ := testEngine(t, provider)
	ctx := context.Background()

	// Pre-seed drifted state: tagA asserted correctly, tagC stale.
	_, err := repo.UpsertTag(ctx, types.TagInput{
		URN: "urn:eve:corporation:98000001", Type: types.TagTypeCorporation,
		DisplayName: "Acme", EveID: 98000001,
	})
	require.NoError(t, err)
	_, err = repo.UpsertTag(ctx, types.TagInput{
		URN: "urn:eve:corporation:98000099", Type: types.TagTypeCorporation,
		DisplayName: "Stale Corp", EveID: 98000099,
	})
	require.NoError(t, err)
	require.NoError(t, repo.Assign(ctx, "user-1", "urn:eve:corporation:98000001", 1))
	require.NoError(t, repo.Assign(ctx, "user-1", "urn:eve:corporation:98000099", 1))

	outcome, err := engine.EvaluateSubject(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Added)   // Globex via source 2
	assert.Equal(t, 1, outcome.Removed) // stale corp
	assert.Equal(t, 1, outcome.Kept)    // Acme via source 1

	assert.Equal(t, map[[2]interface{}]bool{
		{"urn:eve:corporation:98000001", int64(1)}: true,
		{"urn:eve:corporation:98000002", int64(2)}: true,
	}, pairs(t, repo, "user-1"))
}

func TestEvaluateSubject_UpstreamFailureMutatesNothing(t *testing.T) {
	provider := &fakeProvider{err: errors.New("service down")}
	engine, repo, _ := testEngine(t, provider)
	ctx := context.Background()

	_, err := repo.UpsertTag(ctx, types.TagInput{
		URN: "urn:eve:corporation:98000001", Type: types.TagTypeCorporation,
		DisplayName: "Acme", EveID: 98000001,
	})
	require.NoError(t, err)
	require.NoError(t, repo.Assign(ctx, "user-1", "urn:eve:corporation:98000001", 1))

	_, err = engine.EvaluateSubject(ctx, "user-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrUpstreamUnavailable)

	// Unknown is not empty: existing assignments survive the outage.
	assignments, err := repo.SubjectAssignments(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, assignments, 1)
}

func TestEvaluateSubject_AllianceRule(t *testing.T) {
	provider := &fakeProvider{sources: map[string][]Source{
		"user-1": {{
			ID: 1, CorporationID: 98000001, CorporationName: "Acme",
			AllianceID: 99000001, AllianceName: "Big Bloc",
		}},
	}}
	engine, repo, _ := testEngine(t, provider)
	ctx := context.Background()

	outcome, err := engine.EvaluateSubject(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Added)

	allianceTag, err := repo.GetTag(ctx, "urn:eve:alliance:99000001")
	require.NoError(t, err)
	assert.Equal(t, types.TagTypeAlliance, allianceTag.Type)
	assert.Equal(t, "Big Bloc", allianceTag.DisplayName)
}

func TestEvaluateSubject_RefreshesTagDefinitions(t *testing.T) {
	provider := &fakeProvider{sources: map[string][]Source{
		"user-1": {{ID: 1, CorporationID: 98000001, CorporationName: "Acme Renamed"}},
	}}
	engine, repo, _ := testEngine(t, provider)
	ctx := context.Background()

	_, err := repo.UpsertTag(ctx, types.TagInput{
		URN: "urn:eve:corporation:98000001", Type: types.TagTypeCorporation,
		DisplayName: "Acme", EveID: 98000001,
	})
	require.NoError(t, err)

	_, err = engine.EvaluateSubject(ctx, "user-1")
	require.NoError(t, err)

	tag, err := repo.GetTag(ctx, "urn:eve:corporation:98000001")
	require.NoError(t, err)
	assert.Equal(t, "Acme Renamed", tag.DisplayName)
}

func TestOnboardSource(t *testing.T) {
	provider := &fakeProvider{}
	engine, repo, sched := testEngine(t, provider)
	ctx := context.Background()

	require.NoError(t, engine.OnboardSource(ctx, "user-1", acmeSource(1)))

	// Seeded without consulting the provider.
	assert.Equal(t, 0, provider.calls)

	withSources, err := repo.SubjectTags(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, withSources, 1)
	assert.Equal(t, "urn:eve:corporation:98000001", withSources[0].Tag.URN)
	assert.Equal(t, []int64{1}, withSources[0].Sources)

	entry, err := sched.Entry(ctx, "user-1")
	require.NoError(t, err)
	assert.NotNil(t, entry, "first evaluation must be scheduled")
}

func TestUnlinkSource_LastSource(t *testing.T) {
	provider := &fakeProvider{sources: map[string][]Source{}}
	engine, repo, sched := testEngine(t, provider)
	ctx := context.Background()

	require.NoError(t, engine.OnboardSource(ctx, "user-1", acmeSource(1)))
	require.NoError(t, engine.UnlinkSource(ctx, "user-1", 1))

	// All assignments gone and the schedule entry retired with them.
	assignments, err := repo.SubjectAssignments(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, assignments)

	entry, err := sched.Entry(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestUnlinkSource_OtherSourceKeepsTag(t *testing.T) {
	provider := &fakeProvider{sources: map[string][]Source{
		"user-1": {{ID: 2, CorporationID: 98000001, CorporationName: "Acme"}},
	}}
	engine, repo, sched := testEngine(t, provider)
	ctx := context.Background()

	require.NoError(t, engine.OnboardSource(ctx, "user-1", acmeSource(1)))
	require.NoError(t, engine.OnboardSource(ctx, "user-1", acmeSource(2)))

	require.NoError(t, engine.UnlinkSource(ctx, "user-1", 1))

	withSources, err := repo.SubjectTags(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, withSources, 1)
	assert.Equal(t, []int64{2}, withSources[0].Sources)

	entry, err := sched.Entry(ctx, "user-1")
	require.NoError(t, err)
	assert.NotNil(t, entry, "subject with remaining sources stays scheduled")
}

func TestUnlinkSource_UpstreamOutageStillReschedules(t *testing.T) {
	provider := &fakeProvider{err: errors.New("service down")}
	engine, repo, sched := testEngine(t, provider)
	ctx := context.Background()

	require.NoError(t, engine.OnboardSource(ctx, "user-1", acmeSource(1)))
	require.NoError(t, engine.UnlinkSource(ctx, "user-1", 1))

	// The unlinked source's assignments are gone even though the
	// re-evaluation was skipped.
	assignments, err := repo.SubjectAssignments(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, assignments)

	entry, err := sched.Entry(ctx, "user-1")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestRules_URNs(t *testing.T) {
	assert.Equal(t, "urn:eve:corporation:98000001", CorporationURN(98000001))
	assert.Equal(t, "urn:eve:alliance:99000001", AllianceURN(99000001))

	assert.Equal(t, "corporation", CorporationRule{}.Name())
	assert.Equal(t, "alliance", AllianceRule{}.Name())

	// No claims for sources without the relevant affiliation.
	assert.Empty(t, CorporationRule{}.Apply(Source{ID: 1}))
	assert.Empty(t, AllianceRule{}.Apply(Source{ID: 1, CorporationID: 98000001}))
}
