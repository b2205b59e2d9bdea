package asyncsteps

import "github.com/futoin/asyncsteps-go/reactor"

// NewFixed creates a root AsyncSteps whose queue, and every nested
// scope's queue (Loop iterations, Parallel branches, Sync bodies), is
// bounded to capacity entries. Exceeding it panics with a *FatalError
// instead of growing, grounded on spec §4.3 and on
// original_source/include/futoin/ri/nitrosteps.hpp's compile-time-sized
// storage: Go has no non-type template parameters, so the capacity is a
// constructor argument enforced at insert time rather than a type
// parameter enforced at compile time.
func NewFixed(r *reactor.Reactor, capacity int, opts ...Option) *AsyncSteps {
	if capacity <= 0 {
		fatalf("NewFixed", "capacity must be positive, got %d", capacity)
	}
	as := New(r, opts...)
	as.fixedCap = capacity
	as.queue = make([]*stepNode, 0, capacity)
	return as
}
