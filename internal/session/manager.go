package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"charactersearch/searchservice/internal/metrics"
	"charactersearch/searchservice/internal/search"
)

const (
	defaultIdleTimeout   = 30 * time.Minute
	defaultMaxSessions   = 1000
	defaultSweepInterval = time.Minute
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrLimitReached = errors.New("session limit reached")
	ErrClosed       = errors.New("session manager is closed")
)

// Session is one search box: a controller with its own query cache.
type Session struct {
	ID         string
	CreatedAt  time.Time
	Controller *search.Controller

	cache    *search.QueryCache
	lastSeen atomic.Int64
}

func (s *Session) Cache() *search.QueryCache {
	return s.cache
}

func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

type Manager struct {
	fetcher        search.Fetcher
	backend        search.CacheBackend
	controllerOpts []search.ControllerOption
	logger         *slog.Logger
	idleTimeout    time.Duration
	maxSessions    int
	sweepInterval  time.Duration
	now            func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	janitorRun atomic.Bool
}

type Option func(*Manager)

func WithIdleTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.idleTimeout = timeout
		}
	}
}

func WithMaxSessions(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxSessions = n
		}
	}
}

func WithSweepInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.sweepInterval = interval
		}
	}
}

// WithCacheBackend puts a shared durable layer behind every session cache.
func WithCacheBackend(backend search.CacheBackend) Option {
	return func(m *Manager) {
		m.backend = backend
	}
}

func WithControllerOptions(opts ...search.ControllerOption) Option {
	return func(m *Manager) {
		m.controllerOpts = append(m.controllerOpts, opts...)
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewManager(fetcher search.Fetcher, opts ...Option) *Manager {
	m := &Manager{
		fetcher:       fetcher,
		logger:        slog.Default(),
		idleTimeout:   defaultIdleTimeout,
		maxSessions:   defaultMaxSessions,
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Create() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if len(m.sessions) >= m.maxSessions {
		return nil, ErrLimitReached
	}

	cacheOpts := []search.CacheOption{search.WithCacheLogger(m.logger)}
	if m.backend != nil {
		cacheOpts = append(cacheOpts, search.WithCacheBackend(m.backend))
	}
	cache := search.NewQueryCache(cacheOpts...)

	id := uuid.NewString()
	controllerOpts := append([]search.ControllerOption{
		search.WithLogger(m.logger.With(slog.String("session", id))),
	}, m.controllerOpts...)

	now := m.now()
	sess := &Session{
		ID:         id,
		CreatedAt:  now,
		Controller: search.NewController(m.fetcher, cache, controllerOpts...),
		cache:      cache,
	}
	sess.touch(now)
	m.sessions[id] = sess
	metrics.ActiveSessions.Set(float64(len(m.sessions)))

	m.logger.Debug("session created", slog.String("session", id))
	return sess, nil
}

// Get returns the session and marks it as recently used.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	sess.touch(m.now())
	return sess, nil
}

func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	sess.Controller.Close()
	m.logger.Debug("session closed", slog.String("session", id))
	return nil
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// IDs returns the live session ids in creation order.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	items := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		items = append(items, sess)
	}
	m.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	ids := make([]string, 0, len(items))
	for _, sess := range items {
		ids = append(ids, sess.ID)
	}
	return ids
}

// StartBackground runs the idle-session janitor until ctx is done.
func (m *Manager) StartBackground(ctx context.Context) {
	if m.janitorRun.CompareAndSwap(false, true) {
		go m.runJanitor(ctx)
	}
}

func (m *Manager) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := m.Sweep(m.now()); evicted > 0 {
				m.logger.Info("evicted idle sessions", slog.Int("count", evicted))
			}
		}
	}
}

// Sweep closes every session idle for longer than the idle timeout.
func (m *Manager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.idleTimeout)

	m.mu.Lock()
	var expired []*Session
	for id, sess := range m.sessions {
		if sess.LastSeen().Before(cutoff) {
			expired = append(expired, sess)
			delete(m.sessions, id)
		}
	}
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	for _, sess := range expired {
		sess.Controller.Close()
	}
	return len(expired)
}

// Close shuts every session down and rejects new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	metrics.ActiveSessions.Set(0)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Controller.Close()
	}
}
