// Package asyncsteps implements the structured-asynchronous step engine
// (AsyncSteps) described by spec §4.2/§4.3: a tree of steps executed
// depth-first on top of a reactor.Reactor, with sequential, parallel,
// loop, sync, and await extension forms, ancestor-search error
// propagation, and deepest-to-root cancellation.
//
// Grounded on original_source/src/asyncsteps.cpp (BaseAsyncSteps::Impl,
// Protector, ParallelStep); the flat std::deque-with-index-ranges queue
// discipline of the C++ original is expressed here as a tree of
// per-level queues with stable slice indices (spec §9's redesign note),
// which is simpler to express correctly in Go without losing the
// model's execution order guarantees.
package asyncsteps
