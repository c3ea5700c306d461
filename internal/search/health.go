package search

import (
	"context"
	"errors"
	"strings"
	"time"

	"charactersearch/searchservice/internal/domain"
	"charactersearch/searchservice/internal/metrics"
)

type fetcherHealth struct {
	consecutiveFailures int
	lastError           string
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
	lastLatency         time.Duration
	lastTimeout         bool
	lastQuery           string
	totalRequests       int64
	totalFailures       int64
	timeoutCount        int64
	coalescedRequests   int64
}

func (f *SharedFetcher) recordFetchResult(query string, err error, latency time.Duration, now time.Time) {
	f.healthMu.Lock()
	defer f.healthMu.Unlock()

	state := &f.health
	state.totalRequests++
	state.lastQuery = strings.TrimSpace(query)
	if latency > 0 {
		state.lastLatency = latency
		metrics.FetchRequestDuration.Observe(latency.Seconds())
	}
	state.lastTimeout = isTimeoutLikeError(err)
	if state.lastTimeout {
		state.timeoutCount++
	}

	if err == nil {
		state.consecutiveFailures = 0
		state.lastError = ""
		state.lastSuccessAt = now
		metrics.FetchRequestsTotal.WithLabelValues("ok").Inc()
		return
	}

	state.consecutiveFailures++
	state.totalFailures++
	state.lastFailureAt = now
	state.lastError = err.Error()

	status := "error"
	if state.lastTimeout {
		status = "timeout"
	}
	metrics.FetchRequestsTotal.WithLabelValues(status).Inc()
}

func (f *SharedFetcher) recordCoalesced() {
	f.healthMu.Lock()
	f.health.coalescedRequests++
	f.healthMu.Unlock()
	metrics.FetchCoalescedTotal.Inc()
}

func isTimeoutLikeError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "timeout") || strings.Contains(value, "deadline exceeded")
}

func (f *SharedFetcher) Diagnostics() domain.FetcherDiagnostics {
	f.healthMu.Lock()
	defer f.healthMu.Unlock()

	state := f.health
	item := domain.FetcherDiagnostics{
		Name:                f.name,
		ConsecutiveFailures: state.consecutiveFailures,
		LastError:           state.lastError,
		LastLatencyMS:       state.lastLatency.Milliseconds(),
		LastTimeout:         state.lastTimeout,
		LastQuery:           state.lastQuery,
		TotalRequests:       state.totalRequests,
		TotalFailures:       state.totalFailures,
		TimeoutCount:        state.timeoutCount,
		CoalescedRequests:   state.coalescedRequests,
	}
	if !state.lastSuccessAt.IsZero() {
		lastSuccessAt := state.lastSuccessAt
		item.LastSuccessAt = &lastSuccessAt
	}
	if !state.lastFailureAt.IsZero() {
		lastFailureAt := state.lastFailureAt
		item.LastFailureAt = &lastFailureAt
	}
	return item
}
