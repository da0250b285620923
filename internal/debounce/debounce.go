// Package debounce coalesces bursts of updates into a single trailing call.
package debounce

import (
	"sync"
	"time"
)

// Debouncer delivers the most recently scheduled value once the schedule has
// been quiet for the configured delay. Values are captured when scheduled, so
// later changes by the caller never leak into a delivery. Deliveries never
// overlap.
type Debouncer[T any] struct {
	delay time.Duration
	fn    func(T)

	fireMu sync.Mutex

	mu         sync.Mutex
	timer      *time.Timer
	pending    T
	hasPending bool
	closed     bool
}

// New returns a debouncer calling fn with the latest value after delay
func New[T any](delay time.Duration, fn func(T)) *Debouncer[T] {
	return &Debouncer[T]{delay: delay, fn: fn}
}

// Schedule replaces any pending value with v and restarts the quiet period.
// It is a no-op after Close.
func (d *Debouncer[T]) Schedule(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.pending = v
	d.hasPending = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

// Pending reports whether a value is waiting to be delivered
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasPending
}

// Cancel drops the pending value without delivering it
func (d *Debouncer[T]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

// Flush delivers the pending value now and returns once it has been handled
func (d *Debouncer[T]) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	d.fire()
}

// Close flushes the pending value and stops accepting new ones
func (d *Debouncer[T]) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.Flush()
}

func (d *Debouncer[T]) fire() {
	d.fireMu.Lock()
	defer d.fireMu.Unlock()

	d.mu.Lock()
	if !d.hasPending {
		d.mu.Unlock()
		return
	}
	v := d.pending
	var zero T
	d.pending = zero
	d.hasPending = false
	d.mu.Unlock()

	d.fn(v)
}

func (d *Debouncer[T]) stopLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	var zero T
	d.pending = zero
	d.hasPending = false
}
