package syncprim

import (
	"sync"
	"time"

	"github.com/futoin/asyncsteps-go/reactor"
)

type throttleWaiter struct {
	granted func()
	live    bool
}

// Throttle is a token-bucket rate limiter: up to burst tokens available
// immediately, refilled at rate tokens per period. Grounded on spec §4.4's
// "the throttle schedules a deferred callback to refill the budget each
// period": refill runs as a self-rescheduling reactor.Deferred callback
// on the reactor's own goroutine, not a free-running goroutine, so
// granting a queued waiter never touches AsyncSteps state off the
// single-threaded-cooperative reactor thread (spec §5, I7).
type Throttle struct {
	mu       sync.Mutex
	r        *reactor.Reactor
	capacity float64
	tokens   float64
	rate     float64 // tokens added per period
	period   time.Duration
	waiters  []*throttleWaiter

	scheduled bool
	closed    bool
}

// NewThrottle creates a Throttle allowing burst tokens immediately and
// refilling rate tokens once every period thereafter, driven by r's
// reactor loop. Close stops future refills.
func NewThrottle(r *reactor.Reactor, rate int, period time.Duration, burst int) *Throttle {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	t := &Throttle{
		r:        r,
		capacity: float64(burst),
		tokens:   float64(burst),
		rate:     float64(rate),
		period:   period,
	}
	t.scheduleRefill()
	return t
}

func (t *Throttle) scheduleRefill() {
	t.mu.Lock()
	if t.closed || t.scheduled {
		t.mu.Unlock()
		return
	}
	t.scheduled = true
	t.mu.Unlock()
	t.r.Deferred(t.period, t.refill)
}

// refill runs once per period, on the reactor's goroutine: it tops up
// the bucket and grants as many queued waiters as the refreshed budget
// allows, then reschedules itself unless Close was called.
func (t *Throttle) refill() {
	t.mu.Lock()
	t.scheduled = false
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.tokens += t.rate
	if t.tokens > t.capacity {
		t.tokens = t.capacity
	}
	var granted []func()
	for t.tokens >= 1 && len(t.waiters) > 0 {
		w := t.waiters[0]
		t.waiters = t.waiters[1:]
		if !w.live {
			continue
		}
		t.tokens--
		granted = append(granted, w.granted)
	}
	t.mu.Unlock()
	for _, g := range granted {
		g()
	}
	t.scheduleRefill()
}

// Lock consumes one token on behalf of step, granting immediately if one
// is available and otherwise queuing step until a future refill (driven
// by the reactor, never off-thread) can satisfy it.
func (t *Throttle) Lock(step Step, onGranted func()) error {
	t.mu.Lock()
	if t.tokens >= 1 {
		t.tokens--
		t.mu.Unlock()
		onGranted()
		return nil
	}
	w := &throttleWaiter{granted: onGranted, live: true}
	t.waiters = append(t.waiters, w)
	t.mu.Unlock()
	step.SetCancel(func() {
		t.mu.Lock()
		w.live = false
		t.mu.Unlock()
	})
	return nil
}

// Unlock is a no-op: unlike Mutex, a consumed rate-limit token is never
// returned to the bucket early. It exists so Throttle satisfies the same
// lock/unlock shape Limiter composes over.
func (t *Throttle) Unlock(Step) error { return nil }

// Close stops future scheduled refills. Any waiters still queued are
// never granted; callers must not queue new Lock calls afterward.
func (t *Throttle) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}
