package syncprim

import (
	"sync"
	"time"

	"github.com/futoin/asyncsteps-go/reactor"
)

type limiterWaiter struct {
	granted func()
	live    bool
}

// semaphore is a FIFO counting semaphore used for Limiter's "concurrent"
// parameter, distinct from Mutex (which counts holders per sync root and
// refcounts recursive acquisition by the same root). The original
// BaseLimiter composes a mutex and a throttle; its Params.concurrent
// configures how many simultaneous holders are allowed. This small
// counting primitive counts every acquisition as one holder, with no
// per-root refcounting, and has no queue bound of its own (Limiter
// enforces MaxQueue itself).
type semaphore struct {
	mu      sync.Mutex
	limit   int
	held    int
	waiters []*limiterWaiter
}

func newSemaphore(limit int) *semaphore {
	if limit <= 0 {
		limit = 1
	}
	return &semaphore{limit: limit}
}

func (s *semaphore) acquire(step Step, onGranted func()) {
	s.mu.Lock()
	if s.held < s.limit {
		s.held++
		s.mu.Unlock()
		onGranted()
		return
	}
	w := &limiterWaiter{granted: onGranted, live: true}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()
	step.SetCancel(func() {
		s.mu.Lock()
		w.live = false
		s.mu.Unlock()
	})
}

func (s *semaphore) release() {
	s.mu.Lock()
	for len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		if !w.live {
			continue
		}
		granted := w.granted
		s.mu.Unlock()
		granted()
		return
	}
	s.held--
	s.mu.Unlock()
}

// Params mirrors BaseLimiter::Params from the reference implementation.
type Params struct {
	Concurrent int
	MaxQueue   int
	Rate       int
	Period     time.Duration
	Burst      int
}

// Limiter composes a concurrency cap with a token-bucket rate limit,
// grounded on original_source/include/futoin/ri/limiter.hpp: lock()
// acquires the concurrency slot first, then a rate token; unlock()
// releases in the reverse order (throttle, then concurrency slot).
type Limiter struct {
	sem      *semaphore
	throttle *Throttle
	maxQueue int

	mu     sync.Mutex
	queued int
}

// ErrQueueFull is returned by Lock when MaxQueue would be exceeded.
var ErrQueueFull = errQueueFull{}

type errQueueFull struct{}

func (errQueueFull) Error() string { return "syncprim: limiter queue full" }

// NewLimiter constructs a Limiter from Params, whose internal Throttle
// schedules its refills on r's reactor loop. Close must be called to
// stop those refills once the Limiter is no longer needed.
func NewLimiter(r *reactor.Reactor, p Params) *Limiter {
	return &Limiter{
		sem:      newSemaphore(p.Concurrent),
		throttle: NewThrottle(r, p.Rate, p.Period, p.Burst),
		maxQueue: p.MaxQueue,
	}
}

// Lock acquires a concurrency slot and then a rate-limit token, invoking
// onGranted once both are held. It returns ErrQueueFull without queuing
// step if MaxQueue would be exceeded.
func (l *Limiter) Lock(step Step, onGranted func()) error {
	if l.maxQueue > 0 {
		l.mu.Lock()
		if l.queued >= l.maxQueue {
			l.mu.Unlock()
			return ErrQueueFull
		}
		l.queued++
		l.mu.Unlock()
	}
	l.sem.acquire(step, func() {
		l.throttle.Lock(step, func() {
			if l.maxQueue > 0 {
				l.mu.Lock()
				l.queued--
				l.mu.Unlock()
			}
			onGranted()
		})
	})
	return nil
}

// Unlock releases the rate-limit token (a no-op, see Throttle.Unlock)
// then the concurrency slot, in that order.
func (l *Limiter) Unlock(step Step) error {
	if err := l.throttle.Unlock(step); err != nil {
		return err
	}
	l.sem.release()
	return nil
}

// Close stops the underlying Throttle's scheduled refills.
func (l *Limiter) Close() {
	l.throttle.Close()
}
