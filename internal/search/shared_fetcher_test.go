package search

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"charactersearch/searchservice/internal/domain"
)

func TestSharedFetcherCoalescesIdenticalQueries(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	upstream := FetcherFunc(func(ctx context.Context, query string) ([]domain.Character, error) {
		calls.Add(1)
		<-release
		return []domain.Character{{ID: "1", Name: "Rick Sanchez"}}, nil
	})
	f := NewSharedFetcher("rickmorty", upstream)

	const callers = 5
	var wg sync.WaitGroup
	results := make([][]domain.Character, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := f.Fetch(context.Background(), "Rick")
			if err != nil {
				t.Errorf("fetch: %v", err)
				return
			}
			results[i] = got
		}(i)
	}

	waitFor(t, time.Second, func() bool { return calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected 1 upstream call, got %d", got)
	}
	for i, r := range results {
		if len(r) != 1 {
			t.Fatalf("caller %d got %+v", i, r)
		}
	}
	results[0][0].Name = "mutated"
	if results[1][0].Name != "Rick Sanchez" {
		t.Fatal("callers must receive independent copies")
	}

	diag := f.Diagnostics()
	if diag.TotalRequests != 1 {
		t.Fatalf("expected 1 recorded request, got %d", diag.TotalRequests)
	}
	if diag.CoalescedRequests == 0 {
		t.Fatal("expected coalesced requests to be counted")
	}
}

func TestSharedFetcherDoesNotCacheOrRetry(t *testing.T) {
	var calls atomic.Int32
	upstream := FetcherFunc(func(ctx context.Context, query string) ([]domain.Character, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset")
		}
		return []domain.Character{}, nil
	})
	f := NewSharedFetcher("rickmorty", upstream)

	_, err := f.Fetch(context.Background(), "Rick")
	var fetchErr *domain.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fetchErr.Query != "Rick" {
		t.Fatalf("expected query on error, got %q", fetchErr.Query)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected no retry, got %d calls", got)
	}

	got, err := f.Fetch(context.Background(), "Rick")
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil results, got %#v", got)
	}

	_, _ = f.Fetch(context.Background(), "Rick")
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected every sequential fetch to reach upstream, got %d", got)
	}
}

func TestSharedFetcherKeepsFetchErrorStatus(t *testing.T) {
	upstream := FetcherFunc(func(ctx context.Context, query string) ([]domain.Character, error) {
		return nil, &domain.FetchError{Query: query, Status: 502, Cause: errors.New("bad gateway")}
	})
	f := NewSharedFetcher("rickmorty", upstream)

	_, err := f.Fetch(context.Background(), "Morty")
	var fetchErr *domain.FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Status != 502 {
		t.Fatalf("expected status 502 to survive, got %v", err)
	}
}

func TestSharedFetcherBoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	upstream := FetcherFunc(func(ctx context.Context, query string) ([]domain.Character, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	})
	f := NewSharedFetcher("rickmorty", upstream, WithMaxConcurrentFetches(2))

	var wg sync.WaitGroup
	for _, q := range []string{"a", "b", "c", "d", "e", "f"} {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			_, _ = f.Fetch(context.Background(), q)
		}(q)
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Fatalf("expected at most 2 concurrent upstream calls, got %d", got)
	}
}

func TestSharedFetcherRateLimit(t *testing.T) {
	upstream := FetcherFunc(func(ctx context.Context, query string) ([]domain.Character, error) {
		return []domain.Character{}, nil
	})
	f := NewSharedFetcher("rickmorty", upstream, WithFetchRateLimit(20, 1))

	start := time.Now()
	for _, q := range []string{"a", "b", "c"} {
		if _, err := f.Fetch(context.Background(), q); err != nil {
			t.Fatalf("fetch %q: %v", q, err)
		}
	}
	// Burst of 1 at 20/s: the 2nd and 3rd calls wait ~50ms each.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("rate limit not applied, elapsed %v", elapsed)
	}
}

func TestSharedFetcherCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	upstream := FetcherFunc(func(ctx context.Context, query string) ([]domain.Character, error) {
		<-release
		return nil, nil
	})
	f := NewSharedFetcher("rickmorty", upstream)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Fetch(ctx, "Rick")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSharedFetcherDiagnosticsTracksFailures(t *testing.T) {
	upstream := FetcherFunc(func(ctx context.Context, query string) ([]domain.Character, error) {
		if query == "bad" {
			return nil, context.DeadlineExceeded
		}
		return []domain.Character{}, nil
	})
	f := NewSharedFetcher("rickmorty", upstream)

	_, _ = f.Fetch(context.Background(), "bad")
	_, _ = f.Fetch(context.Background(), "bad")

	diag := f.Diagnostics()
	if diag.Name != "rickmorty" {
		t.Fatalf("unexpected name %q", diag.Name)
	}
	if diag.ConsecutiveFailures != 2 || diag.TotalFailures != 2 || diag.TimeoutCount != 2 {
		t.Fatalf("unexpected failure counters: %+v", diag)
	}
	if !diag.LastTimeout || diag.LastFailureAt == nil || diag.LastQuery != "bad" {
		t.Fatalf("unexpected last failure details: %+v", diag)
	}

	_, _ = f.Fetch(context.Background(), "good")
	diag = f.Diagnostics()
	if diag.ConsecutiveFailures != 0 || diag.LastError != "" || diag.LastSuccessAt == nil {
		t.Fatalf("success should reset failure streak: %+v", diag)
	}
	if diag.TotalRequests != 3 {
		t.Fatalf("expected 3 requests, got %d", diag.TotalRequests)
	}
}
