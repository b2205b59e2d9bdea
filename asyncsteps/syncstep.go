package asyncsteps

import (
	"github.com/futoin/asyncsteps-go/syncprim"
)

// Locker is the shape common to syncprim.Mutex and syncprim.Throttle:
// queue-or-grant locking keyed by the calling step, used by Sync. Lock
// returns a non-nil error only when the caller is rejected synchronously
// (e.g. syncprim.ErrDefenseRejected on a full wait queue); onGranted is
// never invoked in that case.
type Locker interface {
	Lock(step syncprim.Step, onGranted func()) error
	Unlock(step syncprim.Step) error
}

// Sync adds a step that acquires l, runs body in a child scope while
// holding it, and releases l once that scope finishes (success, error,
// or cancellation), grounded on Protector::sync_handler/
// sync_lock_handler/sync_unlock_handler in the reference implementation:
// lock, body, unlock expand into this single conceptual step. The
// lock-holding child is tracked as outer's active child so that
// canceling outer (directly, or as part of an ancestor's cancellation)
// reaches in and releases l instead of leaving it held forever.
func (as *AsyncSteps) Sync(l Locker, body StepFunc, errHandler ...OnErrorFunc) *AsyncSteps {
	node := &stepNode{}
	if len(errHandler) > 0 {
		node.errHandler = errHandler[0]
	}
	node.fn = func(outer *AsyncSteps) {
		outer.WaitExternal()
		err := l.Lock(outer, func() {
			child := newChild(outer, node)
			outer.addActiveChild(child)
			child.onCancellation = func() {
				_ = l.Unlock(outer)
			}
			child.onBranchDone = func(se *StepError) {
				child.branchDone = true
				outer.removeActiveChild(child)
				if uerr := l.Unlock(outer); uerr != nil && se == nil {
					se = &StepError{Code: ErrCodeInvalidState, Message: uerr.Error()}
				}
				if outer.terminated {
					return
				}
				if se != nil {
					outer.propagate(se)
				} else {
					outer.Success()
				}
			}
			body(child)
			if !child.branchDone {
				child.advance()
			}
		})
		if err != nil {
			outer.Error(ErrCodeDefenseRejected, err.Error())
		}
	}
	as.insert(node)
	return as
}

// SyncLimiter is Sync specialized for *syncprim.Limiter, whose Lock can
// fail synchronously with ErrQueueFull instead of ever granting.
func (as *AsyncSteps) SyncLimiter(l *syncprim.Limiter, body StepFunc, errHandler ...OnErrorFunc) *AsyncSteps {
	node := &stepNode{}
	if len(errHandler) > 0 {
		node.errHandler = errHandler[0]
	}
	node.fn = func(outer *AsyncSteps) {
		outer.WaitExternal()
		err := l.Lock(outer, func() {
			child := newChild(outer, node)
			outer.addActiveChild(child)
			child.onCancellation = func() {
				_ = l.Unlock(outer)
			}
			child.onBranchDone = func(se *StepError) {
				child.branchDone = true
				outer.removeActiveChild(child)
				uerr := l.Unlock(outer)
				if se == nil && uerr != nil {
					se = &StepError{Code: ErrCodeInvalidState, Message: uerr.Error()}
				}
				if outer.terminated {
					return
				}
				if se != nil {
					outer.propagate(se)
				} else {
					outer.Success()
				}
			}
			body(child)
			if !child.branchDone {
				child.advance()
			}
		})
		if err != nil {
			outer.Error(ErrCodeLimitExceeded, err.Error())
		}
	}
	as.insert(node)
	return as
}
