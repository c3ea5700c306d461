package domain

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Character is a normalized record returned by the character source.
// Every field is present; missing upstream values become empty strings.
type Character struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl"`
	Status   string `json:"status"`
	Species  string `json:"species"`
	Location string `json:"location"`
}

// FetchError reports a failed remote lookup: transport failure, non-2xx
// status or a malformed payload.
type FetchError struct {
	Query  string
	Status int
	Cause  error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Status != 0 {
		return fmt.Sprintf("fetch %q: HTTP %d: %v", e.Query, e.Status, e.Cause)
	}
	return fmt.Sprintf("fetch %q: %v", e.Query, e.Cause)
}

func (e *FetchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NormalizeQuery returns the cache key and fetch argument for raw input:
// NFC-normalized, whitespace runs collapsed to one space, trimmed.
func NormalizeQuery(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.Join(strings.Fields(norm.NFC.String(raw)), " ")
}

// CloneCharacters copies results so cached slices are never shared with callers.
// A nil input stays nil; an empty input stays empty but non-nil.
func CloneCharacters(items []Character) []Character {
	if items == nil {
		return nil
	}
	cloned := make([]Character, len(items))
	copy(cloned, items)
	return cloned
}

// FetcherDiagnostics is a snapshot of the shared fetcher's health counters.
type FetcherDiagnostics struct {
	Name                string     `json:"name"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastError           string     `json:"lastError,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	LastLatencyMS       int64      `json:"lastLatencyMs,omitempty"`
	LastTimeout         bool       `json:"lastTimeout,omitempty"`
	LastQuery           string     `json:"lastQuery,omitempty"`
	TotalRequests       int64      `json:"totalRequests"`
	TotalFailures       int64      `json:"totalFailures"`
	TimeoutCount        int64      `json:"timeoutCount"`
	CoalescedRequests   int64      `json:"coalescedRequests"`
}
