package reactor

// Handle is an opaque, cookie-validated reference to a scheduled task.
// The zero Handle is never valid: cookies start at 1 and the allocator
// skips 0, mirroring AsyncTool::Impl::get_cookie in the reference
// implementation.
type Handle struct {
	idx    int
	cookie uint64
}

// Valid reports whether h was ever populated by Immediate or Deferred.
// It does not by itself confirm the task has not already fired or been
// canceled; use Reactor.IsValid for that.
func (h Handle) Valid() bool {
	return h.cookie != 0
}

// taskKind distinguishes immediate from deferred slots sharing one handle
// table, so Cancel/IsValid work uniformly across both queues.
type taskKind uint8

const (
	kindImmediate taskKind = iota
	kindDeferred
)

// slot is one entry in the handle table. Slots are reused via freeSlots;
// cookie equality (not index equality) is what makes a Handle safe to
// hold across reuse, exactly as the original UniversalHandle does.
type slot struct {
	cookie   uint64
	kind     taskKind
	fn       func()
	when     int64 // unix nano fire time, deferred only
	heapIdx  int   // index into the deferred heap, -1 if not in it
	canceled bool
	fired    bool
}

// allocSlot returns a free slot index, growing the table if needed, and
// assigns it a fresh cookie.
func (r *Reactor) allocSlot(kind taskKind, fn func(), when int64) Handle {
	r.nextCookie++
	if r.nextCookie == 0 {
		r.nextCookie = 1 // skip 0: reserved for "invalid"
	}
	cookie := r.nextCookie

	var idx int
	if n := len(r.freeSlots); n > 0 {
		idx = r.freeSlots[n-1]
		r.freeSlots = r.freeSlots[:n-1]
		s := &r.slots[idx]
		s.cookie = cookie
		s.kind = kind
		s.fn = fn
		s.when = when
		s.heapIdx = -1
		s.canceled = false
		s.fired = false
	} else {
		idx = len(r.slots)
		r.slots = append(r.slots, slot{cookie: cookie, kind: kind, fn: fn, when: when, heapIdx: -1})
	}
	return Handle{idx: idx, cookie: cookie}
}

// lookup returns the slot for h if its cookie is still current.
func (r *Reactor) lookup(h Handle) (*slot, bool) {
	if h.idx < 0 || h.idx >= len(r.slots) {
		return nil, false
	}
	s := &r.slots[h.idx]
	if s.cookie != h.cookie || s.cookie == 0 {
		return nil, false
	}
	return s, true
}

// freeSlot releases idx back to the free list. Called once a task has
// fired or been canceled and removed from whichever queue held it.
func (r *Reactor) freeSlot(idx int) {
	r.slots[idx] = slot{}
	r.freeSlots = append(r.freeSlots, idx)
}
