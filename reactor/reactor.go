package reactor

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"
)

var reactorIDCounter atomic.Int64

// Reactor is a single-threaded dispatch loop: an immediate FIFO queue, a
// deferred min-heap keyed by fire time, and a mutex-guarded cross-thread
// ingress queue. Only Submit and Stop are safe to call from a goroutine
// other than the one driving Run/Iterate; every other method assumes
// single-owner access, mirroring the original AsyncTool's is_same_thread
// contract.
type Reactor struct {
	id   int64
	st   fastState
	opts *options

	slots     []slot
	freeSlots []int
	nextCookie uint64

	immedQueue []int
	immedHead  int

	deferHeap *deferredHeap

	crossMu    sync.Mutex
	crossJobs  []func()
	crossSpare []func()

	wake    chan struct{}
	driving atomic.Bool
	stopReq atomic.Bool

	statsImmediateRun int64
	statsDeferredRun  int64
	statsCrossRun     int64
}

// New constructs a Reactor. It does not start dispatching; call Run or
// drive it manually with Iterate.
func New(opts ...Option) *Reactor {
	r := &Reactor{
		id:   reactorIDCounter.Add(1),
		opts: resolveOptions(opts),
		wake: make(chan struct{}, 1),
	}
	r.deferHeap = &deferredHeap{r: r}
	return r
}

// ID is a process-local identifier useful for correlating log entries.
func (r *Reactor) ID() int64 { return r.id }

// State returns the reactor's current lifecycle state.
func (r *Reactor) State() State { return r.st.load() }

func (r *Reactor) log(level LogLevel, category, msg string, h uint64, err error, fields map[string]any) {
	if !r.opts.logger.IsEnabled(level) {
		return
	}
	r.opts.logger.Log(LogEntry{
		Level:     level,
		Category:  category,
		ReactorID: r.id,
		HandleID:  h,
		Fields:    fields,
		Message:   msg,
		Err:       err,
		Timestamp: time.Now(),
	})
}

// minDeferredDelay is the floor below which a caller should have used
// Immediate instead; scheduling shorter than this is a programming error
// in the original implementation (it calls std::terminate).
const minDeferredDelay = 100 * time.Millisecond

// Immediate enqueues fn to run on the next dispatch pass, FIFO with
// respect to other immediate and drained cross-thread tasks.
func (r *Reactor) Immediate(fn func()) Handle {
	if fn == nil {
		panic(&FatalError{Op: "Immediate", Msg: "nil task"})
	}
	h := r.allocSlot(kindImmediate, fn, 0)
	r.pushImmediate(h.idx)
	r.poke()
	return h
}

// Deferred schedules fn to run no sooner than delay from now. delay must
// be at least 100ms; any shorter delay, zero included, is a programming
// error (use Immediate instead) and panics with *FatalError, matching the
// reference implementation's fatal check in AsyncTool::deferred().
func (r *Reactor) Deferred(delay time.Duration, fn func()) Handle {
	if fn == nil {
		panic(&FatalError{Op: "Deferred", Msg: "nil task"})
	}
	if delay < minDeferredDelay {
		fatalf("Deferred", "delay %s below minimum %s; use Immediate for short delays", delay, minDeferredDelay)
	}
	when := time.Now().Add(delay).UnixNano()
	h := r.allocSlot(kindDeferred, fn, when)
	heap.Push(r.deferHeap, h.idx)
	r.poke()
	return h
}

// Cancel prevents h from firing if it has not already. It returns false
// if h is stale, invalid, or already fired.
func (r *Reactor) Cancel(h Handle) bool {
	s, ok := r.lookup(h)
	if !ok || s.fired || s.canceled {
		return false
	}
	s.canceled = true
	r.log(LevelDebug, "cancel", "task canceled", h.cookie, nil, nil)
	return true
}

// IsValid reports whether h still refers to a pending, uncanceled task.
func (r *Reactor) IsValid(h Handle) bool {
	s, ok := r.lookup(h)
	return ok && !s.fired && !s.canceled
}

// Submit queues fn to run on the reactor's owning goroutine, waking it if
// it is asleep in Run. This is the only method safe to call from outside
// the owning goroutine.
func (r *Reactor) Submit(fn func()) {
	if fn == nil {
		return
	}
	r.crossMu.Lock()
	r.crossJobs = append(r.crossJobs, fn)
	r.crossMu.Unlock()
	r.poke()
}

func (r *Reactor) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
	if r.opts.pokeCallback != nil {
		r.opts.pokeCallback()
	}
}

// IsSameThread is a best-effort check of whether the caller is executing
// within this reactor's own dispatch pass. Go has no supported way to
// compare goroutine identity, so this reports whether the reactor is
// currently driving at all; called from the dispatching goroutine itself
// it is accurate, called from elsewhere while driving it is a false
// positive the caller must avoid by construction (same tradeoff the
// original C++ accepts via std::this_thread::get_id()).
func (r *Reactor) IsSameThread() bool {
	return r.driving.Load()
}

func (r *Reactor) pushImmediate(idx int) {
	r.immedQueue = append(r.immedQueue, idx)
}

func (r *Reactor) popImmediate() (int, bool) {
	if r.immedHead >= len(r.immedQueue) {
		return 0, false
	}
	idx := r.immedQueue[r.immedHead]
	r.immedHead++
	if r.immedHead > 64 && r.immedHead*2 > len(r.immedQueue) {
		copy(r.immedQueue, r.immedQueue[r.immedHead:])
		r.immedQueue = r.immedQueue[:len(r.immedQueue)-r.immedHead]
		r.immedHead = 0
	}
	return idx, true
}

func (r *Reactor) immediatePending() int {
	return len(r.immedQueue) - r.immedHead
}

// drainCross moves queued cross-thread jobs onto the immediate queue,
// using the batch-swap-under-lock pattern the teacher package uses for
// its auxJobs/auxJobsSpare drain (ingress.go), which keeps the lock held
// only long enough to swap two slice headers.
func (r *Reactor) drainCross() {
	r.crossMu.Lock()
	if len(r.crossJobs) == 0 {
		r.crossMu.Unlock()
		return
	}
	r.crossJobs, r.crossSpare = r.crossSpare, r.crossJobs
	r.crossMu.Unlock()

	for _, fn := range r.crossSpare {
		h := r.allocSlot(kindImmediate, fn, 0)
		r.pushImmediate(h.idx)
		r.statsCrossRun++
	}
	r.crossSpare = r.crossSpare[:0]
}

// promoteDue moves any deferred task whose fire time has arrived onto the
// immediate queue, in fire-time order.
func (r *Reactor) promoteDue() {
	now := time.Now().UnixNano()
	for r.deferHeap.Len() > 0 {
		idx := r.deferHeap.idxs[0]
		s := &r.slots[idx]
		if s.when > now {
			return
		}
		heap.Pop(r.deferHeap)
		if s.canceled {
			r.freeSlot(idx)
			continue
		}
		r.pushImmediate(idx)
	}
}

// runBurst processes up to the configured burst count of immediate queue
// entries, recovering task-body panics into a logged event (re-panicking
// *FatalError), matching the original's BURST_COUNT fairness knob and the
// teacher's safeExecute-style recovery. A canceled entry counts toward the
// burst but is only freed, not run.
func (r *Reactor) runBurst() (ran int) {
	for ran < r.opts.burstCount {
		idx, ok := r.popImmediate()
		if !ok {
			break
		}
		s := &r.slots[idx]
		if s.canceled {
			r.freeSlot(idx)
			ran++
			continue
		}
		fn := s.fn
		wasDeferred := s.kind == kindDeferred
		s.fired = true
		r.freeSlot(idx)
		r.safeExecute(fn)
		if wasDeferred {
			r.statsDeferredRun++
		} else {
			r.statsImmediateRun++
		}
		ran++
	}
	return ran
}

func (r *Reactor) safeExecute(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			if fe, ok := rec.(*FatalError); ok {
				panic(fe)
			}
			r.log(LevelError, "unhandled", "task panicked", 0, nil, map[string]any{"panic": rec})
		}
	}()
	fn()
}

// Next performs one dispatch pass: drain cross-thread jobs, promote due
// deferred tasks, and run up to one burst of immediate tasks. It returns
// true if any immediate queue entry was processed (run, or freed because
// it was canceled).
func (r *Reactor) Next() bool {
	r.driving.Store(true)
	defer r.driving.Store(false)
	r.st.store(StateRunning)
	r.drainCross()
	r.promoteDue()
	ran := r.runBurst()
	return ran > 0
}

// Iterate drives exactly one non-blocking dispatch pass and is intended
// for embedding inside an external event loop via WithPokeCallback,
// mirroring the original AsyncTool::iterate() external-drive mode.
func (r *Reactor) Iterate() bool {
	return r.Next()
}

// Run drives the reactor until ctx is done or Stop is called. It blocks
// (sleeping, not spinning) whenever there is no immediate work and the
// nearest deferred task has not yet come due.
func (r *Reactor) Run(ctx context.Context) error {
	if !r.st.cas(StateIdle, StateRunning) && !r.st.cas(StateTerminating, StateRunning) {
		if r.st.load() == StateTerminated {
			return ErrReactorClosed
		}
		return ErrReactorRunning
	}
	for {
		if err := ctx.Err(); err != nil {
			r.st.store(StateTerminated)
			return err
		}
		if r.stopReq.Load() {
			r.st.store(StateTerminated)
			return nil
		}
		if r.Next() {
			continue
		}

		r.st.store(StateSleeping)
		var timerC <-chan time.Time
		if r.deferHeap.Len() > 0 {
			d := time.Until(time.Unix(0, r.slots[r.deferHeap.idxs[0]].when))
			if d < 0 {
				d = 0
			}
			timer := time.NewTimer(d)
			timerC = timer.C
			select {
			case <-ctx.Done():
				timer.Stop()
				r.st.store(StateTerminated)
				return ctx.Err()
			case <-r.wake:
				timer.Stop()
			case <-timerC:
			}
			continue
		}
		select {
		case <-ctx.Done():
			r.st.store(StateTerminated)
			return ctx.Err()
		case <-r.wake:
		}
	}
}

// Stop requests that Run exit after finishing its current pass, and wakes
// it if it is sleeping.
func (r *Reactor) Stop() {
	r.stopReq.Store(true)
	r.poke()
}

// ReleaseMemory reclaims the free-handle slot list and shrinks backing
// slices, leaving in-use handles untouched. It is always safe to call,
// even while tasks remain scheduled; it simply reclaims less in that
// case (see DESIGN.md Open Question resolution #2).
//
// Trailing free slots (the tail of r.slots with no live handle pointing
// into it) are compacted away entirely rather than just cleared, so a
// reactor that grew its handle table for a burst and later drained it
// can actually give that backing array back. Free slots short of the
// trailing run stay in r.freeSlots for allocSlot to reuse; only a fully
// drained free list is discarded.
func (r *Reactor) ReleaseMemory() {
	slices.Sort(r.freeSlots)
	for len(r.freeSlots) > 0 && r.freeSlots[len(r.freeSlots)-1] == len(r.slots)-1 {
		r.slots = r.slots[:len(r.slots)-1]
		r.freeSlots = r.freeSlots[:len(r.freeSlots)-1]
	}
	// Only the trailing run just compacted away is gone; any remaining
	// (non-trailing) free slot indices must stay reachable so allocSlot
	// can still reuse them instead of growing r.slots further.
	if len(r.freeSlots) == 0 {
		r.freeSlots = nil
	}
	if cap(r.immedQueue) > 2*len(r.immedQueue) && r.immedHead == len(r.immedQueue) {
		r.immedQueue = nil
		r.immedHead = 0
	}
}

// Stats is a best-effort, eventually-consistent snapshot of queue depths,
// grounded on AsyncTool::stats() in the original implementation (which
// documents itself as "not safe", i.e. a lock-free diagnostic read).
type Stats struct {
	ImmediatePending int
	DeferredPending  int
	CrossQueued      int
	FreeSlots        int
	ImmediateRun     int64
	DeferredRun      int64
	CrossRun         int64
}

func (r *Reactor) Stats() Stats {
	r.crossMu.Lock()
	crossQueued := len(r.crossJobs)
	r.crossMu.Unlock()
	return Stats{
		ImmediatePending: r.immediatePending(),
		DeferredPending:  r.deferHeap.Len(),
		CrossQueued:      crossQueued,
		FreeSlots:        len(r.freeSlots),
		ImmediateRun:     r.statsImmediateRun,
		DeferredRun:      r.statsDeferredRun,
		CrossRun:         r.statsCrossRun,
	}
}
