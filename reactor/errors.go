package reactor

import (
	"errors"
	"fmt"
)

// Sentinel errors, in the style of the teacher package's ErrLoop* family:
// expected runtime conditions that callers can test with errors.Is.
var (
	ErrReactorClosed    = errors.New("reactor: closed")
	ErrReactorRunning   = errors.New("reactor: already running")
	ErrInvalidHandle    = errors.New("reactor: invalid or already-fired handle")
	ErrDeferredTooShort = errors.New("reactor: deferred delay below minimum resolution")
	ErrQueueOverflow    = errors.New("reactor: cross-thread ingress queue overflow")
)

// FatalError indicates programmer misuse that the original C++
// implementation treats as unrecoverable (std::terminate). Go has no
// direct analogue, so these conditions panic with a FatalError instead of
// returning a sentinel error; embedders that want to survive them must
// recover at a boundary they control.
type FatalError struct {
	Op  string
	Msg string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("reactor: fatal: %s: %s", e.Op, e.Msg)
}

func fatalf(op, format string, args ...any) {
	panic(&FatalError{Op: op, Msg: fmt.Sprintf(format, args...)})
}
