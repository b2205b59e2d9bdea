// Package reactor implements the embeddable single-threaded dispatch loop
// (AsyncTool) that drives the asyncsteps step engine: an immediate FIFO
// queue, a deferred min-heap keyed by fire time, handle/cookie allocation
// for cancellation, and a mutex-guarded cross-thread ingress queue for
// submitting work from goroutines other than the one driving the loop.
package reactor
