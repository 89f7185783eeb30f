package sourcecache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evetools/tagd/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	sources map[string][]reconcile.Source
	err     error
	calls   int
}

func (f *fakeUpstream) Sources(ctx context.Context, subjectID string) ([]reconcile.Source, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.sources[subjectID], nil
}

func pilot() []reconcile.Source {
	return []reconcile.Source{{ID: 1, Name: "Pilot One", CorporationID: 98000001, CorporationName: "Acme"}}
}

func TestSources_PositiveCaching(t *testing.T) {
	upstream := &fakeUpstream{sources: map[string][]reconcile.Source{"user-1": pilot()}}
	cache := New(upstream, 5*time.Minute, 30*time.Minute)
	ctx := context.Background()

	first, err := cache.Sources(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, first, 1)
	assert.Equal(t, 1, upstream.calls)

	// Served from cache while fresh.
	second, err := cache.Sources(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, upstream.calls)

	// Expired positive entry goes back to the upstream.
	cache.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	_, err = cache.Sources(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, upstream.calls)
}

func TestSources_NegativeCachingOutlivesPositiveTTL(t *testing.T) {
	upstream := &fakeUpstream{sources: map[string][]reconcile.Source{}}
	cache := New(upstream, 5*time.Minute, 30*time.Minute)
	ctx := context.Background()

	empty, err := cache.Sources(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, 1, upstream.calls)

	// Still negative well past the positive TTL.
	cache.now = func() time.Time { return time.Now().Add(20 * time.Minute) }
	empty, err = cache.Sources(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, 1, upstream.calls)

	// Past the negative TTL the upstream is consulted again.
	cache.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	_, err = cache.Sources(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, 2, upstream.calls)
}

func TestSources_SuccessClearsNegativeEntry(t *testing.T) {
	upstream := &fakeUpstream{sources: map[string][]reconcile.Source{}}
	cache := New(upstream, 5*time.Minute, 30*time.Minute)
	ctx := context.Background()

	_, err := cache.Sources(ctx, "user-1")
	require.NoError(t, err)

	// The subject gains a source; invalidate and look up again.
	upstream.sources["user-1"] = pilot()
	cache.Invalidate("user-1")

	found, err := cache.Sources(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, found, 1)

	// The fresh positive entry replaced the negative one.
	cached, err := cache.Sources(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, cached, 1)
	assert.Equal(t, 2, upstream.calls)
}

func TestSources_ErrorsAreNeverCached(t *testing.T) {
	upstream := &fakeUpstream{err: errors.New("service down")}
	cache := New(upstream, 5*time.Minute, 30*time.Minute)
	ctx := context.Background()

	_, err := cache.Sources(ctx, "user-1")
	require.Error(t, err)
	_, err = cache.Sources(ctx, "user-1")
	require.Error(t, err)
	assert.Equal(t, 2, upstream.calls)

	// Recovery is visible immediately.
	upstream.err = nil
	upstream.sources = map[string][]reconcile.Source{"user-1": pilot()}
	found, err := cache.Sources(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestSources_ReturnsCopy(t *testing.T) {
	upstream := &fakeUpstream{sources: map[string][]reconcile.Source{"user-1": pilot()}}
	cache := New(upstream, 5*time.Minute, 30*time.Minute)
	ctx := context.Background()

	first, err := cache.Sources(ctx, "user-1")
	require.NoError(t, err)
	first[0].CorporationID = 0

	second, err := cache.Sources(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(98000001), second[0].CorporationID)
}
