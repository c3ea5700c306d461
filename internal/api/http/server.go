package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"charactersearch/searchservice/internal/domain"
	"charactersearch/searchservice/internal/search"
	"charactersearch/searchservice/internal/session"
)

type SessionStore interface {
	Create() (*session.Session, error)
	Get(id string) (*session.Session, error)
	Delete(id string) error
}

type FetcherDiagnostics interface {
	Diagnostics() domain.FetcherDiagnostics
}

// DependencyCheck reports whether an optional backing service is reachable.
type DependencyCheck func(ctx context.Context) error

type Server struct {
	sessions     SessionStore
	fetcher      FetcherDiagnostics
	logger       *slog.Logger
	imageHosts   []string
	rateRPS      float64
	rateBurst    int
	dependencies map[string]DependencyCheck
	wsHub        *wsHub
}

const (
	maxQueryLength        = 500
	defaultRateLimitRPS   = 50
	defaultRateLimitBurst = 100
	sseKeepAliveInterval  = 15 * time.Second
)

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithFetcherDiagnostics(fetcher FetcherDiagnostics) ServerOption {
	return func(s *Server) {
		s.fetcher = fetcher
	}
}

// WithImageProxyHosts restricts the image proxy to these hosts and their
// subdomains.
func WithImageProxyHosts(hosts []string) ServerOption {
	return func(s *Server) {
		s.imageHosts = normalizeHosts(hosts)
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 {
			s.rateRPS = rps
		}
		if burst > 0 {
			s.rateBurst = burst
		}
	}
}

func WithDependencyCheck(name string, check DependencyCheck) ServerOption {
	return func(s *Server) {
		name = strings.TrimSpace(name)
		if name == "" || check == nil {
			return
		}
		if s.dependencies == nil {
			s.dependencies = make(map[string]DependencyCheck)
		}
		s.dependencies[name] = check
	}
}

func NewServer(sessions SessionStore, options ...ServerOption) *Server {
	server := &Server{
		sessions:  sessions,
		logger:    slog.Default(),
		rateRPS:   defaultRateLimitRPS,
		rateBurst: defaultRateLimitBurst,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	server.wsHub = newWSHub(server.logger)
	go server.wsHub.run()
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/input", s.handleSessionInput)
	mux.HandleFunc("POST /sessions/{id}/submit", s.handleSessionSubmit)
	mux.HandleFunc("GET /sessions/{id}/stream", s.handleSessionStream)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /search/fetcher/health", s.handleFetcherHealth)
	mux.HandleFunc("GET /search/image", s.handleImageProxy)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "character-search",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	return recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateRPS, s.rateBurst, metricsMiddleware(traced)))
}

// Close disconnects every WebSocket client.
func (s *Server) Close() {
	s.wsHub.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	payload := map[string]any{
		"timestamp": time.Now().UTC(),
	}

	if len(s.dependencies) > 0 {
		names := make([]string, 0, len(s.dependencies))
		for name := range s.dependencies {
			names = append(names, name)
		}
		sort.Strings(names)

		deps := make(map[string]string, len(names))
		for _, name := range names {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := s.dependencies[name](ctx)
			cancel()
			if err != nil {
				deps[name] = err.Error()
				status = "degraded"
				continue
			}
			deps[name] = "ok"
		}
		payload["dependencies"] = deps
	}

	payload["status"] = status
	writeJSON(w, http.StatusOK, payload)
}

type sessionResponse struct {
	ID    string             `json:"id"`
	State domain.SearchState `json:"state"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "session store is not configured")
		return
	}
	sess, err := s.sessions.Create()
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.logger.Info("search session created", slog.String("session", sess.ID))
	writeJSON(w, http.StatusCreated, sessionResponse{ID: sess.ID, State: sess.Controller.State()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{ID: sess.ID, State: sess.Controller.State()})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "session store is not configured")
		return
	}
	id := r.PathValue("id")
	if err := s.sessions.Delete(id); err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionInput(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := decodeJSONBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(payload.Text) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return
	}

	sess.Controller.OnQueryChange(payload.Text)
	writeJSON(w, http.StatusAccepted, sessionResponse{ID: sess.ID, State: sess.Controller.State()})
}

func (s *Server) handleSessionSubmit(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	var payload struct {
		Query string `json:"query"`
	}
	if err := decodeJSONBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(payload.Query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return
	}

	if err := sess.Controller.Submit(payload.Query); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{ID: sess.ID, State: sess.Controller.State()})
}

func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming is not supported")
		return
	}

	updates, cancel := sess.Controller.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return // Client disconnected
		case state, ok := <-updates:
			if !ok {
				_ = writeSSEEvent(w, flusher, "done", map[string]any{"final": true})
				return
			}
			if err := writeSSEEvent(w, flusher, "state", state); err != nil {
				return // Client disconnected
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleFetcherHealth(w http.ResponseWriter, r *http.Request) {
	if s.fetcher == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "fetcher diagnostics are not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkedAt": time.Now().UTC(),
		"items":     []domain.FetcherDiagnostics{s.fetcher.Diagnostics()},
	})
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	if s.sessions == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "session store is not configured")
		return nil, false
	}
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeSessionError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, search.ErrControllerClosed):
		writeError(w, http.StatusNotFound, "not_found", "session not found")
	case errors.Is(err, session.ErrLimitReached):
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "server is shutting down")
	default:
		s.logger.Warn("session request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	seen := make(map[string]struct{}, len(hosts))
	for _, host := range hosts {
		value := strings.ToLower(strings.TrimSpace(host))
		value = strings.TrimPrefix(value, ".")
		if value == "" {
			continue
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func decodeJSONBody(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err // Client disconnected
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err // Client disconnected
	}
	flusher.Flush()
	return nil
}
