package search

import (
	"sync"
	"testing"
	"time"
)

type fireRecorder struct {
	mu    sync.Mutex
	fires []string
}

func (r *fireRecorder) record(query string, _ uint64) {
	r.mu.Lock()
	r.fires = append(r.fires, query)
	r.mu.Unlock()
}

func (r *fireRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fires...)
}

func TestDebouncerCollapsesBurst(t *testing.T) {
	rec := &fireRecorder{}
	d := NewDebouncer(40*time.Millisecond, rec.record)

	for _, q := range []string{"r", "ri", "ric", "rick"} {
		d.Schedule(q)
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) > 0 })
	time.Sleep(80 * time.Millisecond)

	fires := rec.snapshot()
	if len(fires) != 1 || fires[0] != "rick" {
		t.Fatalf("expected a single fire with the latest query, got %v", fires)
	}
	if d.Pending() {
		t.Fatal("nothing should be pending after firing")
	}
}

func TestDebouncerWaitsForQuietWindow(t *testing.T) {
	rec := &fireRecorder{}
	d := NewDebouncer(60*time.Millisecond, rec.record)

	d.Schedule("ri")
	time.Sleep(30 * time.Millisecond)
	d.Schedule("rick")
	time.Sleep(40 * time.Millisecond)

	// 70ms after the first call, but only 40ms after the second.
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("fired before the window elapsed: %v", got)
	}
	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 1 })
}

func TestDebouncerCancel(t *testing.T) {
	rec := &fireRecorder{}
	d := NewDebouncer(20*time.Millisecond, rec.record)

	d.Schedule("rick")
	if !d.Pending() {
		t.Fatal("expected pending trigger")
	}
	d.Cancel()
	if d.Pending() {
		t.Fatal("cancel should clear pending trigger")
	}

	time.Sleep(60 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("cancelled trigger fired: %v", got)
	}
}

func TestDebouncerSeparateWindowsFireSeparately(t *testing.T) {
	rec := &fireRecorder{}
	d := NewDebouncer(15*time.Millisecond, rec.record)

	d.Schedule("rick")
	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 1 })
	d.Schedule("morty")
	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 2 })

	fires := rec.snapshot()
	if fires[0] != "rick" || fires[1] != "morty" {
		t.Fatalf("unexpected fire order: %v", fires)
	}
}

func TestDebouncerPassesScheduleToken(t *testing.T) {
	tokens := make(chan uint64, 1)
	d := NewDebouncer(10*time.Millisecond, func(_ string, token uint64) { tokens <- token })

	first := d.Schedule("ri")
	second := d.Schedule("rick")
	if first == second {
		t.Fatalf("each schedule needs its own token, got %d twice", first)
	}

	select {
	case got := <-tokens:
		if got != second {
			t.Fatalf("expected token %d, got %d", second, got)
		}
	case <-time.After(time.Second):
		t.Fatal("trigger did not fire")
	}
}

func TestNewDebouncerClampsNegativeDelay(t *testing.T) {
	d := NewDebouncer(-time.Second, nil)
	if d.Delay() != 0 {
		t.Fatalf("expected zero delay, got %v", d.Delay())
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
