package sched

import (
	"fmt"
	"sync"
	"time"
)

// Scheduler is the timing contract the engines run against. Implementations
// deliver expiries back to the engines through whatever dispatch path they
// were constructed with.
type Scheduler interface {
	// Schedule arms a timer for id firing after delay. Scheduling an id
	// that is already pending is a contract violation and panics; the
	// engines must cancel (or consume) a timer before re-arming it.
	Schedule(id TimerID, delay time.Duration)

	// Cancel disarms a pending timer, reporting whether it was pending.
	// Cancelling an unknown id is a no-op.
	Cancel(id TimerID) bool
}

// Wheel is the production Scheduler. Expiries are delivered to the handler
// on timer goroutines; callers that need the engines' single-threaded
// execution model serialize inside the handler.
type Wheel struct {
	mu      sync.Mutex
	stopped bool
	pending map[TimerID]*time.Timer
	handler func(TimerID)
}

// NewWheel builds a Wheel delivering expiries to handler.
func NewWheel(handler func(TimerID)) *Wheel {
	if handler == nil {
		panic("sched: nil timer handler")
	}

	return &Wheel{
		pending: make(map[TimerID]*time.Timer),
		handler: handler,
	}
}

// Schedule implements Scheduler.
func (w *Wheel) Schedule(id TimerID, delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}

	if _, ok := w.pending[id]; ok {
		panic(fmt.Sprintf("sched: timer %s scheduled while already pending", id))
	}

	w.pending[id] = time.AfterFunc(delay, func() {
		w.fire(id)
	})
}

// Cancel implements Scheduler.
func (w *Wheel) Cancel(id TimerID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	timer, ok := w.pending[id]
	if !ok {
		return false
	}

	timer.Stop()
	delete(w.pending, id)

	return true
}

// Pending reports the number of armed timers.
func (w *Wheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.pending)
}

// Stop disarms every pending timer and rejects further scheduling. Expiries
// already racing with Stop are suppressed.
func (w *Wheel) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	for id, timer := range w.pending {
		timer.Stop()
		delete(w.pending, id)
	}
}

// fire removes the id before dispatching so the handler may re-arm it.
func (w *Wheel) fire(id TimerID) {
	w.mu.Lock()

	if w.stopped {
		w.mu.Unlock()

		return
	}

	if _, ok := w.pending[id]; !ok {
		// Lost the race against Cancel.
		w.mu.Unlock()

		return
	}

	delete(w.pending, id)
	w.mu.Unlock()

	w.handler(id)
}
