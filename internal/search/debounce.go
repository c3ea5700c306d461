package search

import (
	"sync"
	"time"

	"charactersearch/searchservice/internal/metrics"
)

// DefaultDebounceDelay is how long input must stay quiet before a search fires.
const DefaultDebounceDelay = 300 * time.Millisecond

// Debouncer holds at most one pending trigger. Every Schedule call replaces
// the pending query and restarts the delay window; the trigger runs once with
// the latest query after the window elapses. The trigger also receives the
// token returned by the Schedule call that armed it, so the owner can reject
// a callback that was already running when it cancelled.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	timer   *time.Timer
	seq     uint64 // invalidates timers that already fired but have not run yet
	pending bool
	query   string
	fire    func(query string, token uint64)
}

func NewDebouncer(delay time.Duration, fire func(query string, token uint64)) *Debouncer {
	if delay < 0 {
		delay = 0
	}
	return &Debouncer{
		delay: delay,
		fire:  fire,
	}
}

func (d *Debouncer) Schedule(query string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq++
	current := d.seq
	d.pending = true
	d.query = query

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if !d.pending || d.seq != current {
			d.mu.Unlock()
			return
		}
		d.pending = false
		d.timer = nil
		latest := d.query
		d.mu.Unlock()

		metrics.DebounceFiresTotal.Inc()
		if d.fire != nil {
			d.fire(latest, current)
		}
	})
	return current
}

// Cancel drops the pending trigger, if any.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	d.pending = false
	d.query = ""
}

func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer) Delay() time.Duration {
	return d.delay
}
