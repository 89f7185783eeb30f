// Package sourcecache wraps a SourceProvider with positive and negative
// result caching. Successful lookups are cached briefly; a subject proven
// to have no sources is cached longer under a distinct negative entry, so
// the reconciler does not hammer the upstream for subjects known to be
// empty. Lookup errors are never cached.
package sourcecache

import (
	"context"
	"sync"
	"time"

	"github.com/evetools/tagd/internal/reconcile"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPositiveTTL bounds how stale a cached source list may be
	DefaultPositiveTTL = 5 * time.Minute

	// DefaultNegativeTTL bounds how long a "no sources" verdict is trusted
	DefaultNegativeTTL = 30 * time.Minute
)

type entry struct {
	sources  []reconcile.Source
	negative bool
	expires  time.Time
}

// CachingProvider is a SourceProvider decorator with TTL caching
type CachingProvider struct {
	upstream    reconcile.SourceProvider
	positiveTTL time.Duration
	negativeTTL time.Duration

	mu      sync.Mutex
	entries map[string]entry

	now func() time.Time
	log *logrus.Entry
}

// New wraps upstream with caching. Non-positive TTLs select the defaults.
func New(upstream reconcile.SourceProvider, positiveTTL, negativeTTL time.Duration) *CachingProvider {
	if positiveTTL <= 0 {
		positiveTTL = DefaultPositiveTTL
	}
	if negativeTTL <= 0 {
		negativeTTL = DefaultNegativeTTL
	}
	return &CachingProvider{
		upstream:    upstream,
		positiveTTL: positiveTTL,
		negativeTTL: negativeTTL,
		entries:     make(map[string]entry),
		now:         time.Now,
		log:         logrus.WithField("component", "sourcecache"),
	}
}

// Sources returns the cached result while fresh, otherwise consults the
// upstream. A successful lookup always replaces whatever entry existed,
// clearing any negative verdict immediately.
func (c *CachingProvider) Sources(ctx context.Context, subjectID string) ([]reconcile.Source, error) {
	c.mu.Lock()
	cached, ok := c.entries[subjectID]
	c.mu.Unlock()

	if ok && c.now().Before(cached.expires) {
		if cached.negative {
			return []reconcile.Source{}, nil
		}
		out := make([]reconcile.Source, len(cached.sources))
		copy(out, cached.sources)
		return out, nil
	}

	sources, err := c.upstream.Sources(ctx, subjectID)
	if err != nil {
		// Unknown state, not a verdict. Leave any stale entry in place;
		// it is already expired and will not be served.
		return nil, err
	}

	e := entry{expires: c.now().Add(c.positiveTTL)}
	if len(sources) == 0 {
		e.negative = true
		e.expires = c.now().Add(c.negativeTTL)
	} else {
		e.sources = make([]reconcile.Source, len(sources))
		copy(e.sources, sources)
	}

	c.mu.Lock()
	c.entries[subjectID] = e
	c.mu.Unlock()

	return sources, nil
}

// Invalidate drops a subject's cache entry, forcing the next lookup to
// hit the upstream. Used by the onboarding and unlink hooks, which know
// the source set just changed.
func (c *CachingProvider) Invalidate(subjectID string) {
	c.mu.Lock()
	delete(c.entries, subjectID)
	c.mu.Unlock()
}
