package abi

import (
	"sync/atomic"
	"time"

	"github.com/futoin/asyncsteps-go/asyncsteps"
	"github.com/futoin/asyncsteps-go/reactor"
	"github.com/futoin/asyncsteps-go/syncprim"
)

func timeMillis(ms uint32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// requireAS enforces spec §7's "operations in parallel facade" fatal
// condition: every slot except Add/IsValid/Free expects a real AsyncSteps
// binding, not the restricted facade Table.Parallel hands back.
func requireAS(bsi *Binding, op string) {
	if bsi.AS == nil {
		asyncsteps.FatalMisuse(op, "operation not valid on a parallel facade binding")
	}
}

// ExecuteCallback is a foreign step body: bsi.Data carries whatever opaque
// value the caller attached when it registered the step.
type ExecuteCallback func(bsi *Binding, data any)

// ErrorCallback is a foreign on_error handler.
type ErrorCallback func(bsi *Binding, data any, code asyncsteps.ErrorCode)

// CancelCallback is a foreign set_cancel hook.
type CancelCallback func(bsi *Binding, data any)

// LoopCallback is a foreign loop body, called once per iteration.
type LoopCallback func(bsi *Binding, data any)

// RepeatCallback is a foreign repeat body, called once per index.
type RepeatCallback func(bsi *Binding, data any, i int)

// TimerCallback is a foreign reactor callback (sched_immediate/deferred).
type TimerCallback func(data any)

// StateAllocate lazily constructs a state() value on first access.
type StateAllocate func(data any) any

// StateCleanup destroys a state() value when its tree finishes.
type StateCleanup func(data any, value any)

// Table is the stable cross-ABI function-pointer surface from spec §6,
// in the slot order named there. A foreign caller holds one Table (by
// value or by pointer, as a C caller would hold a struct of function
// pointers) and drives every Binding it creates through it.
type Table struct {
	Add            func(bsi *Binding, data any, f ExecuteCallback, eh ErrorCallback)
	Parallel       func(bsi *Binding, data any, eh ErrorCallback) *Binding
	StateVariable  func(bsi *Binding, name string, allocate StateAllocate, cleanup StateCleanup, data any) any
	Stack          func(bsi *Binding, size uintptr, cleanup func(value any)) any
	Success        func(bsi *Binding, args ...any)
	HandleError    func(bsi *Binding, code asyncsteps.ErrorCode, info string)
	SetTimeout     func(bsi *Binding, timeoutMS uint32)
	SetCancel      func(bsi *Binding, data any, ch CancelCallback)
	WaitExternal   func(bsi *Binding)
	Loop           func(bsi *Binding, data any, f LoopCallback, label string)
	Repeat         func(bsi *Binding, data any, count int, f RepeatCallback, label string)
	BreakLoop      func(bsi *Binding, label string)
	ContinueLoop   func(bsi *Binding, label string)
	Execute        func(bsi *Binding, data any, unhandled ErrorCallback)
	Cancel         func(bsi *Binding)
	AddSync        func(bsi *Binding, sync *SyncTable, data any, f ExecuteCallback, eh ErrorCallback)
	RootID         func(bsi *Binding) uint64
	IsValid        func(bsi *Binding) bool
	NewInstance    func(bsi *Binding) *Binding
	Free           func(bsi *Binding)
	SchedImmediate func(bsi *Binding, data any, cb TimerCallback) reactor.Handle
	SchedDeferred  func(bsi *Binding, delayMS uint32, data any, cb TimerCallback) reactor.Handle
	SchedCancel    func(bsi *Binding, h *reactor.Handle)
	SchedIsValid   func(bsi *Binding, h *reactor.Handle) bool
	IsSameThread   func(bsi *Binding) bool
}

// SyncTable is the two-slot FutoInSyncAPI: lock and unlock, kept separate
// from Table because a sync primitive can cross the ABI boundary
// independently of any one Binding.
type SyncTable struct {
	Lock   func(bsi *Binding, data any, onGranted func())
	Unlock func(bsi *Binding, data any) error
}

// Binding is the per-tree handle a foreign caller holds: the analogue of
// original_source's FutoInAsyncSteps*, carrying a pointer back to the
// Table that vouches for it (bsi->api in the original) plus the
// before_call/after_call bookkeeping BinarySteps performs around every
// foreign step body.
type Binding struct {
	Table *Table
	AS    *asyncsteps.AsyncSteps

	// par is set instead of AS when this Binding represents the sub-engine
	// facade returned by Table.Parallel: spec §7's "operations in parallel
	// facade" are limited to adding branches, enforced by Table.Add routing
	// here instead of onto AS.
	par *asyncsteps.ParallelAsyncSteps

	succeeded atomic.Bool
	waiting   atomic.Bool
	lastErr   string
	lastInfo  string
}

func (b *Binding) beforeCall() {
	b.succeeded.Store(false)
	b.waiting.Store(false)
	b.lastErr = ""
	b.lastInfo = ""
}

// afterCall implements the bridging rule from spec §6: if an error was
// recorded during the call, raise it; otherwise resolve on a success flag,
// or mark the step as waiting for a later, possibly cross-thread,
// Success/HandleError call through the table.
func (b *Binding) afterCall() {
	if b.lastErr != "" {
		b.AS.Error(asyncsteps.ErrorCode(b.lastErr), b.lastInfo)
		return
	}
	if b.succeeded.Load() {
		b.AS.Success()
		return
	}
	b.waiting.Store(true)
}

func wrapExecute(bsi *Binding, f ExecuteCallback, data any) asyncsteps.StepFunc {
	return func(as *asyncsteps.AsyncSteps) {
		as.WaitExternal()
		bsi.beforeCall()
		f(bsi, data)
		bsi.afterCall()
	}
}

func wrapError(bsi *Binding, eh ErrorCallback, data any) asyncsteps.OnErrorFunc {
	if eh == nil {
		return nil
	}
	return func(as *asyncsteps.AsyncSteps, code asyncsteps.ErrorCode) {
		bsi.beforeCall()
		eh(bsi, data, code)
		bsi.afterCall()
	}
}

// lockerAdapter lets a *SyncTable stand in for asyncsteps.Locker, so
// AddSync can reuse AsyncSteps.Sync instead of reimplementing its
// lock/unlock/body sequencing.
type lockerAdapter struct {
	bsi  *Binding
	sync *SyncTable
	data any
}

// Lock always returns nil: SyncTable's Lock slot, like the original
// FutoInSyncAPI it bridges, has no synchronous-rejection return path of
// its own (a foreign lock implementation that wants to reject rather
// than grant simply never calls onGranted).
func (l *lockerAdapter) Lock(step syncprim.Step, onGranted func()) error {
	l.sync.Lock(l.bsi, l.data, onGranted)
	return nil
}

func (l *lockerAdapter) Unlock(step syncprim.Step) error {
	return l.sync.Unlock(l.bsi, l.data)
}

// NewNativeTable returns the one Table implementation bound to this
// module's own reactor/asyncsteps/syncprim packages — the Go analogue of
// original_source's single process-wide binary_steps_api instance.
func NewNativeTable() *Table {
	t := &Table{}

	t.Add = func(bsi *Binding, data any, f ExecuteCallback, eh ErrorCallback) {
		if bsi.par != nil {
			// ParallelAsyncSteps.Add takes no per-branch error handler: a
			// branch failure always propagates to the Parallel step's own
			// eh (registered via Table.Parallel), same limitation as the
			// core asyncsteps.ParallelAsyncSteps API this wraps.
			bsi.par.Add(func(child *asyncsteps.AsyncSteps) {
				cb := &Binding{Table: bsi.Table, AS: child}
				wrapExecute(cb, f, data)(child)
			})
			return
		}
		bsi.AS.Add(wrapExecute(bsi, f, data), wrapError(bsi, eh, data))
	}
	t.Parallel = func(bsi *Binding, data any, eh ErrorCallback) *Binding {
		requireAS(bsi, "parallel")
		p := bsi.AS.Parallel(wrapError(bsi, eh, data))
		return &Binding{Table: bsi.Table, par: p}
	}
	// cleanup is accepted for slot-shape fidelity but never invoked: engine
	// state (see AsyncSteps.State) lives until the whole tree is garbage
	// collected, per DESIGN.md's Open Question #3 resolution, so there is
	// no teardown point to call it from.
	t.StateVariable = func(bsi *Binding, name string, allocate StateAllocate, cleanup StateCleanup, data any) any {
		requireAS(bsi, "stateVariable")
		state := bsi.AS.State()
		if v, ok := state[name]; ok {
			return v
		}
		v := allocate(data)
		state[name] = v
		return v
	}
	t.Stack = func(bsi *Binding, size uintptr, cleanup func(value any)) any {
		requireAS(bsi, "stack")
		return bsi.AS.Stack(size, func() any { return make([]byte, size) }, cleanup)
	}
	t.Success = func(bsi *Binding, args ...any) {
		requireAS(bsi, "success")
		if !bsi.AS.Reactor().IsSameThread() {
			bsi.AS.Reactor().Submit(func() { t.Success(bsi, args...) })
			return
		}
		bsi.succeeded.Store(true)
		if bsi.waiting.Load() {
			bsi.AS.Success(args...)
		}
	}
	t.HandleError = func(bsi *Binding, code asyncsteps.ErrorCode, info string) {
		requireAS(bsi, "handle_error")
		if !bsi.AS.Reactor().IsSameThread() {
			bsi.AS.Reactor().Submit(func() { t.HandleError(bsi, code, info) })
			return
		}
		if bsi.waiting.Load() {
			bsi.AS.Error(code, info)
		} else {
			bsi.lastErr = string(code)
			bsi.lastInfo = info
		}
	}
	t.SetTimeout = func(bsi *Binding, timeoutMS uint32) {
		requireAS(bsi, "setTimeout")
		bsi.AS.SetTimeout(timeMillis(timeoutMS))
	}
	t.SetCancel = func(bsi *Binding, data any, ch CancelCallback) {
		requireAS(bsi, "setCancel")
		bsi.AS.SetCancel(func() { ch(bsi, data) })
	}
	t.WaitExternal = func(bsi *Binding) {
		requireAS(bsi, "waitExternal")
		bsi.AS.WaitExternal()
	}
	t.Loop = func(bsi *Binding, data any, f LoopCallback, label string) {
		requireAS(bsi, "loop")
		opts := []string{}
		if label != "" {
			opts = append(opts, label)
		}
		bsi.AS.Loop(func(child *asyncsteps.AsyncSteps) {
			cb := &Binding{Table: bsi.Table, AS: child}
			wrapExecute(cb, ExecuteCallback(f), data)(child)
		}, opts...)
	}
	t.Repeat = func(bsi *Binding, data any, count int, f RepeatCallback, label string) {
		requireAS(bsi, "repeat")
		bsi.AS.Repeat(count, func(child *asyncsteps.AsyncSteps, i int) {
			cb := &Binding{Table: bsi.Table, AS: child}
			wrapExecute(cb, func(cb *Binding, data any) { f(cb, data, i) }, data)(child)
		})
	}
	t.BreakLoop = func(bsi *Binding, label string) {
		requireAS(bsi, "breakLoop")
		if label != "" {
			bsi.AS.Break(label)
		} else {
			bsi.AS.Break()
		}
	}
	t.ContinueLoop = func(bsi *Binding, label string) {
		requireAS(bsi, "continueLoop")
		if label != "" {
			bsi.AS.Continue(label)
		} else {
			bsi.AS.Continue()
		}
	}
	t.Execute = func(bsi *Binding, data any, unhandled ErrorCallback) {
		requireAS(bsi, "execute")
		if unhandled != nil {
			bsi.AS.OnDone(func(err error) {
				if se, ok := err.(*asyncsteps.StepError); ok {
					unhandled(bsi, data, se.Code)
				}
			})
		}
		bsi.AS.Execute()
	}
	t.Cancel = func(bsi *Binding) {
		requireAS(bsi, "cancel")
		bsi.AS.Cancel()
	}
	t.AddSync = func(bsi *Binding, sync *SyncTable, data any, f ExecuteCallback, eh ErrorCallback) {
		requireAS(bsi, "addSync")
		locker := &lockerAdapter{bsi: bsi, sync: sync, data: data}
		// f runs against the fresh child scope Sync creates for the locked
		// body; eh, like Parallel's error handler, is invoked against the
		// outer scope that owns this step (see engine.go's propagate).
		bsi.AS.Sync(locker, func(child *asyncsteps.AsyncSteps) {
			cb := &Binding{Table: bsi.Table, AS: child}
			wrapExecute(cb, f, data)(child)
		}, wrapError(bsi, eh, data))
	}
	t.RootID = func(bsi *Binding) uint64 {
		requireAS(bsi, "rootId")
		return bsi.AS.SyncRootID()
	}
	t.IsValid = func(bsi *Binding) bool {
		return bsi.AS != nil || bsi.par != nil
	}
	t.NewInstance = func(bsi *Binding) *Binding {
		requireAS(bsi, "newInstance")
		return &Binding{Table: bsi.Table, AS: asyncsteps.New(bsi.AS.Reactor())}
	}
	t.Free = func(bsi *Binding) {
		bsi.AS = nil
	}
	t.SchedImmediate = func(bsi *Binding, data any, cb TimerCallback) reactor.Handle {
		requireAS(bsi, "sched_immediate")
		return bsi.AS.Reactor().Immediate(func() { cb(data) })
	}
	t.SchedDeferred = func(bsi *Binding, delayMS uint32, data any, cb TimerCallback) reactor.Handle {
		requireAS(bsi, "sched_deferred")
		return bsi.AS.Reactor().Deferred(timeMillis(delayMS), func() { cb(data) })
	}
	t.SchedCancel = func(bsi *Binding, h *reactor.Handle) {
		requireAS(bsi, "sched_cancel")
		bsi.AS.Reactor().Cancel(*h)
	}
	t.SchedIsValid = func(bsi *Binding, h *reactor.Handle) bool {
		requireAS(bsi, "sched_is_valid")
		return bsi.AS.Reactor().IsValid(*h)
	}
	t.IsSameThread = func(bsi *Binding) bool {
		requireAS(bsi, "is_same_thread")
		return bsi.AS.Reactor().IsSameThread()
	}

	return t
}

// Bind wraps an existing AsyncSteps tree as a Binding driven by t,
// the entry point a foreign caller uses to obtain its first bsi.
func (t *Table) Bind(as *asyncsteps.AsyncSteps) *Binding {
	return &Binding{Table: t, AS: as}
}

// NewSyncTable bridges an in-process asyncsteps.Locker (syncprim.Mutex,
// syncprim.Throttle, or syncprim.Limiter via its Lock/Unlock methods) out
// as a two-slot SyncTable, the inverse of lockerAdapter. SyncTable's Lock
// slot has no synchronous-rejection return path (mirroring
// FutoInSyncAPI), so an error from l.Lock (e.g. DefenseRejected) simply
// leaves onGranted uncalled rather than surfacing here; callers that
// need that rejection reported to the step should use AsyncSteps.Sync
// directly instead of crossing this bridge.
func NewSyncTable(l asyncsteps.Locker) *SyncTable {
	return &SyncTable{
		Lock: func(bsi *Binding, data any, onGranted func()) {
			_ = l.Lock(bsi.AS, onGranted)
		},
		Unlock: func(bsi *Binding, data any) error {
			return l.Unlock(bsi.AS)
		},
	}
}
