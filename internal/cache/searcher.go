package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/otcheredev/ris-dicom-trolley/internal/adapters"
	"github.com/otcheredev/ris-dicom-trolley/internal/metrics"
	"github.com/otcheredev/ris-dicom-trolley/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long query results are served from cache unless configured otherwise
const DefaultTTL = 10 * time.Minute

// CachedSearcher decorates a Searcher with a time bounded result cache.
// Concurrent lookups of the same query share one backend call.
type CachedSearcher struct {
	searcher  adapters.Searcher
	store     Cache
	ttl       time.Duration
	now       Clock
	namespace string
	metrics   *metrics.Metrics
	group     singleflight.Group
}

// entry is what is stored per query signature
type entry struct {
	CreatedAt time.Time       `json:"created_at"`
	Studies   []*models.Study `json:"studies"`
}

// SearcherOption configures a CachedSearcher
type SearcherOption func(*CachedSearcher)

// WithClock sets the clock entries are aged with
func WithClock(now Clock) SearcherOption {
	return func(c *CachedSearcher) {
		c.now = now
	}
}

// WithNamespace separates the entries of different sources in a shared store
func WithNamespace(namespace string) SearcherOption {
	return func(c *CachedSearcher) {
		c.namespace = namespace
	}
}

// WithMetrics records cache lookups and backend queries
func WithMetrics(m *metrics.Metrics) SearcherOption {
	return func(c *CachedSearcher) {
		c.metrics = m
	}
}

// NewCachedSearcher wraps searcher. A ttl of zero or less disables caching.
func NewCachedSearcher(searcher adapters.Searcher, store Cache, ttl time.Duration, opts ...SearcherOption) *CachedSearcher {
	c := &CachedSearcher{
		searcher: searcher,
		store:    store,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FindStudies returns the cached result for query while it is younger than
// the TTL and asks the wrapped searcher otherwise
func (c *CachedSearcher) FindStudies(ctx context.Context, query models.Query) ([]*models.Study, error) {
	if c.ttl <= 0 || c.store == nil {
		c.metrics.CacheLookup("bypass")
		return c.query(ctx, query)
	}

	key := QueryKey(c.namespace, query.Signature())
	if studies, ok := c.lookup(ctx, key); ok {
		c.metrics.CacheLookup("hit")
		return studies, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// Detached so that one caller giving up does not fail the others
		ctx := context.WithoutCancel(ctx)

		// A flight that finished after our lookup may already have stored it
		if studies, ok := c.lookup(ctx, key); ok {
			c.metrics.CacheLookup("hit")
			return studies, nil
		}
		c.metrics.CacheLookup("miss")

		studies, err := c.query(ctx, query)
		if err != nil {
			return nil, err
		}
		c.save(ctx, key, studies)
		return studies, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.CacheLookup("shared")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]*models.Study), nil
	case <-ctx.Done():
		return nil, adapters.ClassifyError(ctx.Err())
	}
}

// Invalidate drops the entry for query
func (c *CachedSearcher) Invalidate(ctx context.Context, query models.Query) error {
	if c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, QueryKey(c.namespace, query.Signature()))
}

// Clear drops every entry of this searcher's namespace
func (c *CachedSearcher) Clear(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	return c.store.Clear(ctx, QueryKey(c.namespace, "*"))
}

func (c *CachedSearcher) query(ctx context.Context, query models.Query) ([]*models.Study, error) {
	start := time.Now()
	studies, err := c.searcher.FindStudies(ctx, query)
	c.metrics.ObserveQuery(time.Since(start), err)
	return studies, err
}

// lookup returns the live entry for key. Expired, unreadable and missing
// entries are all reported as absent.
func (c *CachedSearcher) lookup(ctx context.Context, key string) ([]*models.Study, bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			log.Warn().Err(err).Str("key", key).Msg("Query cache read failed")
		}
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Discarding unreadable query cache entry")
		return nil, false
	}
	if c.now().Sub(e.CreatedAt) >= c.ttl {
		return nil, false
	}
	return e.Studies, true
}

func (c *CachedSearcher) save(ctx context.Context, key string, studies []*models.Study) {
	data, err := json.Marshal(entry{CreatedAt: c.now(), Studies: studies})
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to encode query cache entry")
		return
	}
	// The store expiry only reclaims space; freshness is decided by lookup
	if err := c.store.Set(ctx, key, data, c.ttl); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Query cache write failed")
	}
}
