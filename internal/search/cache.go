package search

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"charactersearch/searchservice/internal/domain"
	"charactersearch/searchservice/internal/metrics"
)

const defaultBackendTimeout = 2 * time.Second

// CacheBackend is an optional durable layer behind the in-memory query cache.
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]domain.Character, bool, error)
	Set(ctx context.Context, key string, results []domain.Character) error
}

// QueryCache maps a normalized query to the results of its first successful
// fetch. Entries never expire and are never invalidated; a second Put for the
// same key overwrites silently. Returned slices are copies.
type QueryCache struct {
	mu             sync.RWMutex
	entries        map[string][]domain.Character
	backend        CacheBackend
	backendTimeout time.Duration
	logger         *slog.Logger
}

type CacheOption func(*QueryCache)

func WithCacheBackend(backend CacheBackend) CacheOption {
	return func(c *QueryCache) {
		c.backend = backend
	}
}

func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *QueryCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewQueryCache(opts ...CacheOption) *QueryCache {
	cache := &QueryCache{
		entries:        make(map[string][]domain.Character),
		backendTimeout: defaultBackendTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(cache)
	}
	return cache
}

func (c *QueryCache) Get(key string) ([]domain.Character, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false
	}

	c.mu.RLock()
	results, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		metrics.CacheHitsTotal.Inc()
		return domain.CloneCharacters(results), true
	}

	if c.backend != nil {
		if results, ok := c.lookupBackend(key); ok {
			metrics.CacheHitsTotal.Inc()
			c.storeMemory(key, results)
			return domain.CloneCharacters(results), true
		}
	}

	metrics.CacheMissesTotal.Inc()
	return nil, false
}

func (c *QueryCache) Put(key string, results []domain.Character) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	c.storeMemory(key, results)
	c.persist(key)
}

// remember stores results in memory only; persist must follow to reach the
// backend.
func (c *QueryCache) remember(key string, results []domain.Character) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	c.storeMemory(key, results)
}

func (c *QueryCache) persist(key string) {
	key = strings.TrimSpace(key)
	if key == "" || c.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.backendTimeout)
	defer cancel()
	if err := c.backend.Set(ctx, key, c.snapshot(key)); err != nil {
		metrics.CacheBackendErrorsTotal.WithLabelValues("set").Inc()
		c.logger.Warn("query cache backend write failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

func (c *QueryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *QueryCache) storeMemory(key string, results []domain.Character) {
	stored := domain.CloneCharacters(results)
	if stored == nil {
		stored = []domain.Character{}
	}
	c.mu.Lock()
	c.entries[key] = stored
	c.mu.Unlock()
}

func (c *QueryCache) snapshot(key string) []domain.Character {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return domain.CloneCharacters(c.entries[key])
}

func (c *QueryCache) lookupBackend(key string) ([]domain.Character, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.backendTimeout)
	defer cancel()

	results, found, err := c.backend.Get(ctx, key)
	if err != nil {
		metrics.CacheBackendErrorsTotal.WithLabelValues("get").Inc()
		c.logger.Warn("query cache backend read failed, treating as miss",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return results, found
}
