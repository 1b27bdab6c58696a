// Package debounce collapses bursts of calls into at most one call per cooldown.
package debounce

import (
	"sync"
	"time"

	"integrationcore/internal/clock"
)

// Debouncer runs fn immediately on the first Call, then ignores calls for the
// cooldown window except to remember that one more run was requested. When the
// window closes a single trailing run happens and opens a new window.
type Debouncer struct {
	mu       sync.Mutex
	clock    clock.Clock
	cooldown time.Duration
	fn       func()
	timer    clock.Timer
	pending  bool
	stopped  bool
}

// New creates a Debouncer. A zero cooldown disables debouncing.
func New(clk clock.Clock, cooldown time.Duration, fn func()) *Debouncer {
	return &Debouncer{
		clock:    clock.OrReal(clk),
		cooldown: cooldown,
		fn:       fn,
	}
}

// Call requests a run. The leading run happens on the caller's goroutine.
func (d *Debouncer) Call() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if d.cooldown <= 0 {
		d.mu.Unlock()
		d.fn()
		return
	}
	if d.timer != nil {
		d.pending = true
		d.mu.Unlock()
		return
	}
	d.timer = d.clock.AfterFunc(d.cooldown, d.cooldownElapsed)
	d.mu.Unlock()

	d.fn()
}

func (d *Debouncer) cooldownElapsed() {
	d.mu.Lock()
	d.timer = nil
	if !d.pending || d.stopped {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = d.clock.AfterFunc(d.cooldown, d.cooldownElapsed)
	d.mu.Unlock()

	d.fn()
}

// Pending reports whether a trailing run is waiting for the cooldown to end.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Stop cancels any trailing run and ignores future calls.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
