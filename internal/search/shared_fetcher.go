package search

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"charactersearch/searchservice/internal/domain"
)

const (
	defaultMaxConcurrentFetches = 8
	defaultSharedFetchTimeout   = 10 * time.Second
)

// SharedFetcher sits between every session's controller and the remote
// source. Identical queries in flight at the same time share one upstream
// call, concurrency is bounded and the upstream request rate is capped.
// It never retries and never caches.
type SharedFetcher struct {
	name    string
	next    Fetcher
	timeout time.Duration
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	group   singleflight.Group

	healthMu sync.Mutex
	health   fetcherHealth
}

type SharedFetcherOption func(*SharedFetcher)

func WithMaxConcurrentFetches(n int) SharedFetcherOption {
	return func(f *SharedFetcher) {
		if n > 0 {
			f.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithFetchRateLimit caps upstream calls. A non-positive rps disables it.
func WithFetchRateLimit(rps float64, burst int) SharedFetcherOption {
	return func(f *SharedFetcher) {
		if rps <= 0 {
			f.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithSharedFetchTimeout(timeout time.Duration) SharedFetcherOption {
	return func(f *SharedFetcher) {
		if timeout > 0 {
			f.timeout = timeout
		}
	}
}

func NewSharedFetcher(name string, next Fetcher, opts ...SharedFetcherOption) *SharedFetcher {
	f := &SharedFetcher{
		name:    name,
		next:    next,
		timeout: defaultSharedFetchTimeout,
		sem:     semaphore.NewWeighted(defaultMaxConcurrentFetches),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *SharedFetcher) Name() string {
	return f.name
}

// Fetch returns the results for query. The upstream call is detached from the
// caller's context because other callers may be waiting on it; a caller that
// gives up just stops waiting.
func (f *SharedFetcher) Fetch(ctx context.Context, query string) ([]domain.Character, error) {
	key := domain.NormalizeQuery(query)
	if key == "" {
		return []domain.Character{}, nil
	}

	leader := false
	ch := f.group.DoChan(key, func() (any, error) {
		leader = true
		return f.fetchUpstream(key)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if !leader {
			f.recordCoalesced()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		results, _ := res.Val.([]domain.Character)
		cloned := domain.CloneCharacters(results)
		if cloned == nil {
			cloned = []domain.Character{}
		}
		return cloned, nil
	}
}

func (f *SharedFetcher) fetchUpstream(key string) ([]domain.Character, error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, wrapFetchError(key, err)
	}
	defer f.sem.Release(1)

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, wrapFetchError(key, err)
		}
	}

	startedAt := time.Now()
	results, err := f.next.Fetch(ctx, key)
	latency := time.Since(startedAt)
	f.recordFetchResult(key, err, latency, time.Now())
	if err != nil {
		return nil, wrapFetchError(key, err)
	}
	if results == nil {
		results = []domain.Character{}
	}
	return results, nil
}

func wrapFetchError(key string, err error) error {
	var fetchErr *domain.FetchError
	if errors.As(err, &fetchErr) {
		return err
	}
	return &domain.FetchError{Query: key, Cause: err}
}
