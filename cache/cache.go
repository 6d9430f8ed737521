// Package cache is the content-addressed result cache for generation
// requests. Entries are keyed by a request fingerprint and bounded to a
// fixed count with oldest-created-first eviction.
//
// The cache is best-effort: a failing store degrades to always-miss and
// never surfaces an error to callers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"thumbgen/logging"
)

// DefaultMaxEntries bounds the number of stored results.
const DefaultMaxEntries = 50

// ErrMiss is returned by a Store when no entry exists for a fingerprint.
var ErrMiss = errors.New("cache: miss")

// Entry is one stored result. Body is the JSON payload for Kind; callers
// decode it according to the kind that produced it.
type Entry struct {
	Fingerprint string          `json:"fingerprint"`
	Kind        string          `json:"kind"`
	Body        json.RawMessage `json:"body"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Meta is the subset of an entry the eviction pass needs.
type Meta struct {
	Fingerprint string
	CreatedAt   time.Time
}

// Store is the persistence collaborator behind the cache.
type Store interface {
	// Load returns the entry for fingerprint, or ErrMiss.
	Load(ctx context.Context, fingerprint string) (Entry, error)
	// Save writes e, replacing any entry with the same fingerprint.
	Save(ctx context.Context, e Entry) error
	// List returns metadata for every stored entry in any order.
	List(ctx context.Context) ([]Meta, error)
	// Delete removes the given fingerprints. Missing ones are ignored.
	Delete(ctx context.Context, fingerprints ...string) error
}

// PutResult reports what a Put did.
type PutResult struct {
	// Stored is false when the store rejected the write.
	Stored bool
	// Evicted is true when older entries were removed to respect the bound.
	Evicted bool
	// Removed is the number of entries evicted.
	Removed int
}

// Cache wraps a Store with fingerprint locking and the eviction policy.
type Cache struct {
	store  Store
	max    int
	logger *logging.Logger
	now    func() time.Time

	keys    keyLocks
	evictMu sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries overrides DefaultMaxEntries.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.max = n
		}
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger.Named("cache")
		}
	}
}

// WithClock replaces time.Now for CreatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache over store. A nil store yields a cache that always
// misses, which is how an unavailable backend degrades.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		max:    DefaultMaxEntries,
		logger: logging.NewNopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxEntries returns the configured bound.
func (c *Cache) MaxEntries() int {
	return c.max
}

// Get returns the entry for fingerprint. Store failures are logged and
// reported as a miss.
func (c *Cache) Get(ctx context.Context, fingerprint string) (Entry, bool) {
	if c.store == nil || fingerprint == "" {
		return Entry{}, false
	}

	e, err := c.store.Load(ctx, fingerprint)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Warn("cache read failed, treating as miss",
				zap.String("fingerprint", fingerprint),
				zap.Error(err))
		}
		return Entry{}, false
	}
	return e, true
}

// Put stores body under fingerprint and evicts the oldest entries beyond
// the bound. Concurrent puts of the same fingerprint are serialized. Put
// never fails from the caller's point of view.
func (c *Cache) Put(ctx context.Context, fingerprint, kind string, body json.RawMessage) PutResult {
	if c.store == nil || fingerprint == "" {
		return PutResult{}
	}

	unlock := c.keys.lock(fingerprint)
	err := c.store.Save(ctx, Entry{
		Fingerprint: fingerprint,
		Kind:        kind,
		Body:        body,
		CreatedAt:   c.now(),
	})
	unlock()
	if err != nil {
		c.logger.Warn("cache write failed, result not cached",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
		return PutResult{}
	}

	removed := c.evict(ctx)
	return PutResult{Stored: true, Evicted: removed > 0, Removed: removed}
}

// evict removes exactly enough of the oldest entries to restore the bound.
func (c *Cache) evict(ctx context.Context) int {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	metas, err := c.store.List(ctx)
	if err != nil {
		c.logger.Warn("cache eviction listing failed", zap.Error(err))
		return 0
	}
	excess := len(metas) - c.max
	if excess <= 0 {
		return 0
	}

	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].Fingerprint < metas[j].Fingerprint
		}
		return metas[i].CreatedAt.Before(metas[j].CreatedAt)
	})

	victims := make([]string, excess)
	for i := 0; i < excess; i++ {
		victims[i] = metas[i].Fingerprint
	}
	if err := c.store.Delete(ctx, victims...); err != nil {
		c.logger.Warn("cache eviction failed", zap.Int("victims", excess), zap.Error(err))
		return 0
	}

	c.logger.Info("evicted oldest cache entries",
		zap.Int("removed", excess),
		zap.Int("max_entries", c.max))
	return excess
}

// Len returns the number of stored entries, or 0 when the store fails.
func (c *Cache) Len(ctx context.Context) int {
	if c.store == nil {
		return 0
	}
	metas, err := c.store.List(ctx)
	if err != nil {
		return 0
	}
	return len(metas)
}

// keyLocks hands out one mutex per fingerprint and forgets it when the last
// holder releases it.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
