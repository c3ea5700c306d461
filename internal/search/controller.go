package search

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"charactersearch/searchservice/internal/domain"
	"charactersearch/searchservice/internal/metrics"
)

const defaultFetchTimeout = 10 * time.Second

var ErrControllerClosed = errors.New("search controller is closed")

// Fetcher performs one remote lookup for a non-empty normalized query.
type Fetcher interface {
	Fetch(ctx context.Context, query string) ([]domain.Character, error)
}

type FetcherFunc func(ctx context.Context, query string) ([]domain.Character, error)

func (f FetcherFunc) Fetch(ctx context.Context, query string) ([]domain.Character, error) {
	return f(ctx, query)
}

// Controller orchestrates as-you-type search for one session: it debounces
// input, answers from the query cache when it can, otherwise fetches and
// publishes Loading/Success/Failure states.
//
// Every search claims a new seq before it consults the cache; a lookup or
// fetch only changes state if seq still matches when it settles, so a slow
// earlier search can never overwrite a newer one.
type Controller struct {
	fetcher      Fetcher
	cache        *QueryCache
	logger       *slog.Logger
	fetchTimeout time.Duration
	debounce     time.Duration
	debouncer    *Debouncer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    domain.SearchState
	input    string
	seq      uint64
	armed    uint64 // token of the pending debounce trigger, 0 when none
	inflight string
	closed   bool
	subs     map[uint64]chan domain.SearchState
	nextSub  uint64
}

type ControllerOption func(*Controller)

func WithLogger(logger *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithDebounceDelay(delay time.Duration) ControllerOption {
	return func(c *Controller) {
		if delay >= 0 {
			c.debounce = delay
		}
	}
}

func WithFetchTimeout(timeout time.Duration) ControllerOption {
	return func(c *Controller) {
		if timeout > 0 {
			c.fetchTimeout = timeout
		}
	}
}

// NewController builds a controller around fetcher. The cache is owned by the
// caller and may be shared between controllers; nil gets a private one.
func NewController(fetcher Fetcher, cache *QueryCache, opts ...ControllerOption) *Controller {
	if cache == nil {
		cache = NewQueryCache()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		fetcher:      fetcher,
		cache:        cache,
		logger:       slog.Default(),
		fetchTimeout: defaultFetchTimeout,
		debounce:     DefaultDebounceDelay,
		ctx:          ctx,
		cancel:       cancel,
		state:        domain.IdleState(),
		subs:         make(map[uint64]chan domain.SearchState),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.debouncer = NewDebouncer(c.debounce, c.trigger)
	return c
}

// OnQueryChange feeds raw input. An empty query resets to Idle immediately;
// anything else re-arms the debounce window.
func (c *Controller) OnQueryChange(text string) {
	key := domain.NormalizeQuery(text)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.input = text
	if key == "" {
		c.debouncer.Cancel()
		c.armed = 0
		c.resetLocked()
		return
	}
	c.armed = c.debouncer.Schedule(key)
}

// Submit starts a search right away, bypassing and cancelling the debounce.
func (c *Controller) Submit(query string) error {
	key := domain.NormalizeQuery(query)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	c.input = query
	c.debouncer.Cancel()
	c.armed = 0
	if key == "" {
		c.resetLocked()
		c.mu.Unlock()
		return nil
	}
	generation, ok := c.claimLocked(key)
	c.mu.Unlock()

	if ok {
		c.resolve(generation, key)
	}
	return nil
}

func (c *Controller) State() domain.SearchState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Input returns the latest raw text passed to OnQueryChange or Submit.
func (c *Controller) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// Subscribe returns a channel that always holds the newest state. A slow
// reader skips intermediate states but never blocks the controller. The
// current state is delivered immediately. The channel is closed by the
// returned cancel func or by Close.
func (c *Controller) Subscribe() (<-chan domain.SearchState, func()) {
	ch := make(chan domain.SearchState, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.state.Clone()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

// Close cancels the pending debounce, detaches any in-flight fetch and closes
// all subscriptions. It is safe to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.seq++
	c.armed = 0
	c.inflight = ""
	c.debouncer.Cancel()
	for id, sub := range c.subs {
		delete(c.subs, id)
		close(sub)
	}
	c.mu.Unlock()

	c.cancel()
}

func (c *Controller) trigger(key string, token uint64) {
	c.mu.Lock()
	if c.closed || token != c.armed {
		// Cancelled or re-armed after the timer had already fired.
		c.mu.Unlock()
		return
	}
	c.armed = 0
	generation, ok := c.claimLocked(key)
	c.mu.Unlock()

	if ok {
		c.logger.Debug("debounced search fired", slog.String("query", key))
		c.resolve(generation, key)
	}
}

// claimLocked reserves a new generation for key. It refuses when the same key
// is already loading.
func (c *Controller) claimLocked(key string) (uint64, bool) {
	if c.inflight == key && c.state.Status == domain.SearchStatusLoading {
		return 0, false
	}
	c.seq++
	c.inflight = ""
	return c.seq, true
}

// resolve answers a claimed search from the cache or starts its fetch.
func (c *Controller) resolve(generation uint64, key string) {
	cached, hit := c.cache.Get(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.seq != generation {
		// Superseded while the cache was consulted.
		return
	}
	if hit {
		c.logger.Debug("search served from cache", slog.String("query", key), slog.Int("results", len(cached)))
		c.setStateLocked(domain.SuccessState(key, cached, true))
		return
	}

	c.inflight = key
	c.setStateLocked(domain.LoadingState(key))
	go c.fetch(generation, key)
}

func (c *Controller) fetch(seq uint64, key string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.fetchTimeout)
	defer cancel()

	c.logger.Debug("search fetch started", slog.String("query", key))
	startedAt := time.Now()
	results, err := c.fetcher.Fetch(ctx, key)
	if err == nil && results == nil {
		results = []domain.Character{}
	}

	c.mu.Lock()
	closed := c.closed
	// A successful result is valid for its own key even when superseded.
	cacheable := err == nil && !closed
	if cacheable {
		c.cache.remember(key, results)
	}

	switch {
	case closed || seq != c.seq:
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		metrics.StaleResultsTotal.WithLabelValues(outcome).Inc()
		c.logger.Debug("discarding stale search result",
			slog.String("query", key),
			slog.String("outcome", outcome),
		)
	case err != nil:
		c.inflight = ""
		c.logger.Warn("character search failed",
			slog.String("query", key),
			slog.Duration("elapsed", time.Since(startedAt)),
			slog.String("error", err.Error()),
		)
		c.setStateLocked(domain.FailureState(key))
	default:
		c.inflight = ""
		c.setStateLocked(domain.SuccessState(key, results, false))
	}
	c.mu.Unlock()

	// The durable write happens after the state is published.
	if cacheable {
		c.cache.persist(key)
	}
}

func (c *Controller) resetLocked() {
	c.seq++
	c.inflight = ""
	if c.state.Status == domain.SearchStatusIdle {
		return
	}
	c.setStateLocked(domain.IdleState())
}

func (c *Controller) setStateLocked(state domain.SearchState) {
	c.state = state
	metrics.StateTransitionsTotal.WithLabelValues(string(state.Status)).Inc()
	for _, sub := range c.subs {
		select {
		case <-sub:
		default:
		}
		select {
		case sub <- state.Clone():
		default:
		}
	}
}
