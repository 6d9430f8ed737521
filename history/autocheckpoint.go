package history

import (
	"sync"
	"time"
)

// DefaultDebounce is the quiet period before a passive edit is recorded.
const DefaultDebounce = 500 * time.Millisecond

// AutoCheckpointer collapses bursts of passive edits into one checkpoint.
// Each Observe restarts the quiet period; when it expires the last observed
// state is pushed to the log unless it equals the current checkpoint.
//
// Usage:
//
//	auto := NewAutoCheckpointer(log, DefaultDebounce, func(c Checkpoint) {
//	    session.broadcast()
//	})
//	auto.Observe(checkpoint) // on every text drag
//	defer auto.Stop()
type AutoCheckpointer struct {
	log    *Log
	delay  time.Duration
	onPush func(Checkpoint)

	mu      sync.Mutex
	timer   *time.Timer
	pending *Checkpoint
	gen     uint64
	stopped bool
}

// NewAutoCheckpointer creates an AutoCheckpointer over log. onPush may be
// nil; it runs on the timer goroutine after a push.
func NewAutoCheckpointer(log *Log, delay time.Duration, onPush func(Checkpoint)) *AutoCheckpointer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &AutoCheckpointer{log: log, delay: delay, onPush: onPush}
}

// Observe records c as the latest passive state and restarts the quiet
// period.
func (a *AutoCheckpointer) Observe(c Checkpoint) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.pending = &c
	a.gen++
	gen := a.gen
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.delay, func() { a.fire(gen) })
}

func (a *AutoCheckpointer) fire(gen uint64) {
	a.mu.Lock()
	if gen != a.gen || a.pending == nil {
		a.mu.Unlock()
		return
	}
	c := *a.pending
	a.pending = nil
	a.timer = nil
	a.mu.Unlock()

	a.push(c)
}

func (a *AutoCheckpointer) push(c Checkpoint) bool {
	if !a.log.PushIfChanged(c) {
		return false
	}
	if a.onPush != nil {
		a.onPush(c)
	}
	return true
}

// Flush records the pending state now instead of waiting for the quiet
// period. It reports whether a checkpoint was pushed.
func (a *AutoCheckpointer) Flush() bool {
	a.mu.Lock()
	if a.pending == nil {
		a.mu.Unlock()
		return false
	}
	c := *a.pending
	a.cancelLocked()
	a.mu.Unlock()

	return a.push(c)
}

// Cancel drops the pending state without recording it.
func (a *AutoCheckpointer) Cancel() {
	a.mu.Lock()
	a.cancelLocked()
	a.mu.Unlock()
}

func (a *AutoCheckpointer) cancelLocked() {
	a.pending = nil
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Pending reports whether a passive edit is waiting for its quiet period.
func (a *AutoCheckpointer) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending != nil
}

// Stop cancels any pending state and ignores further Observe calls.
func (a *AutoCheckpointer) Stop() {
	a.mu.Lock()
	a.cancelLocked()
	a.stopped = true
	a.mu.Unlock()
}
