package reactor

import (
	"sync/atomic"
)

// State is the lifecycle state of a Reactor.
type State int32

const (
	// StateIdle is the state of a Reactor that has never run.
	StateIdle State = iota
	// StateRunning is set while Run or Iterate is actively dispatching.
	StateRunning
	// StateSleeping is set while Run is blocked waiting for work.
	StateSleeping
	// StateTerminating is accepted by Run as a starting state, but no
	// Reactor method sets it: Stop only records the request, and Run
	// moves straight to StateTerminated once it observes it.
	StateTerminating
	// StateTerminated is the terminal state; no further dispatch occurs.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// fastState is a CAS-guarded state machine, modeled on the teacher
// package's LoopState/FastState: plain atomic int32 transitions, no mutex.
type fastState struct {
	v atomic.Int32
}

func (s *fastState) load() State {
	return State(s.v.Load())
}

func (s *fastState) store(v State) {
	s.v.Store(int32(v))
}

func (s *fastState) cas(old, new State) bool {
	return s.v.CompareAndSwap(int32(old), int32(new))
}
