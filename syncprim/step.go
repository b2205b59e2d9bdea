// Package syncprim implements the Mutex, Throttle, and Limiter
// synchronization primitives from spec §4.4, grounded on
// original_source/include/futoin/ri/{mutex,throttle,limiter}.hpp.
//
// Every primitive operates on the lock(step)/unlock(step) contract: lock
// grants immediately (invoking onGranted synchronously), queues the step
// and registers a cancellation callback, or, when a bounded wait queue is
// full, returns an error without queuing, mirroring how the
// reference implementation's AsyncSteps-based lock() adds a pending
// sub-step rather than blocking a thread.
package syncprim

// Step is the minimal surface a step engine must expose for a
// synchronization primitive to queue and later resume it. Defined here
// rather than imported from the asyncsteps package so that syncprim does
// not depend on asyncsteps; *asyncsteps.AsyncSteps satisfies this
// interface (asyncsteps imports syncprim, not the other way round).
type Step interface {
	// SyncRootID identifies the outermost AsyncSteps instance a step
	// belongs to, used to refcount recursive acquisition by the same
	// logical caller rather than deadlocking against itself.
	SyncRootID() uint64
	// SetCancel registers fn to run if this step is canceled while
	// queued on a primitive, so the primitive can drop its waiter entry.
	SetCancel(fn func())
}
