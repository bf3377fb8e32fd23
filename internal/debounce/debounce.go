// Package debounce coalesces bursts of triggers into one delayed call.
// The log view uses it to postpone remote body loads while scrolling and
// the watcher to reload once per burst of file system events.
package debounce

import (
	"sync"
	"time"
)

var afterFunc = time.AfterFunc

// Debouncer runs fn once delay has elapsed since the last Trigger. fn runs
// on the timer goroutine.
type Debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	fn    func()
	timer *time.Timer
	// seq invalidates callbacks of timers that were already replaced.
	seq uint64
}

func New(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{delay: delay, fn: fn}
}

// Ensure lazily creates *d. An existing debouncer keeps its delay and fn.
func Ensure(d **Debouncer, delay time.Duration, fn func()) *Debouncer {
	if *d == nil {
		*d = New(delay, fn)
	}
	return *d
}

// Trigger restarts the delay.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	seq := d.cancelLocked()
	d.timer = afterFunc(d.delay, func() { d.fire(seq) })
}

// Pending reports whether a trigger is waiting to fire.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Stop drops a pending trigger.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

func (d *Debouncer) cancelLocked() uint64 {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	return d.seq
}

func (d *Debouncer) fire(seq uint64) {
	d.mu.Lock()
	if seq != d.seq || d.timer == nil {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()
	d.fn()
}
