// Package timerq implements the "timer service" external collaborator:
// a single background sweep that fires callbacks once their deadline
// has passed, used by the engine for per-probe lookup and ping
// timeouts and by internal/proxy for its registration/get timeouts.
// Republication and expiry sweeps run on their own tickers instead.
//
// Grounded on the teacher's cache.go: one sweep goroutine walking a
// sync.Map of deadlined entries (cache.cleanup), rather than a
// goroutine-per-timer design — generalized here from "pending request
// TTL" to an arbitrary callback scheduler.
package timerq

import (
	"sync"
	"sync/atomic"
	"time"
)

// Handle identifies a scheduled callback so it can be cancelled.
type Handle uint64

type entry struct {
	deadline time.Time
	fn       func()
}

// Scheduler fires callbacks once their deadline elapses. It is safe
// for concurrent use.
type Scheduler struct {
	pending sync.Map // Handle -> *entry
	next    uint64
	quit    chan struct{}
	once    sync.Once
	tick    time.Duration
}

// New creates a Scheduler that checks for expired callbacks every
// resolution (the sweep cadence, not the precision of any one timer).
func New(resolution time.Duration) *Scheduler {
	s := &Scheduler{quit: make(chan struct{}), tick: resolution}
	go s.sweep()
	return s
}

// After schedules fn to run approximately d from now and returns a
// Handle that can be passed to Cancel.
func (s *Scheduler) After(d time.Duration, fn func()) Handle {
	h := Handle(atomic.AddUint64(&s.next, 1))
	s.pending.Store(h, &entry{deadline: time.Now().Add(d), fn: fn})
	return h
}

// Cancel prevents a scheduled callback from firing, if it has not
// already fired. Cancelling an unknown or already-fired handle is a
// no-op.
func (s *Scheduler) Cancel(h Handle) {
	s.pending.Delete(h)
}

// Close stops the sweep goroutine. Pending callbacks that have not
// yet fired are discarded.
func (s *Scheduler) Close() {
	s.once.Do(func() { close(s.quit) })
}

func (s *Scheduler) sweep() {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case now := <-ticker.C:
			s.pending.Range(func(key, value any) bool {
				e := value.(*entry)
				if now.After(e.deadline) {
					s.pending.Delete(key)
					e.fn()
				}
				return true
			})
		}
	}
}
