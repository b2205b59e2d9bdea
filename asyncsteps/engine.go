package asyncsteps

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"

	"github.com/futoin/asyncsteps-go/mempool"
	"github.com/futoin/asyncsteps-go/reactor"
)

// StepFunc is the body of a single step. It receives the same controller
// used to build the surrounding chain; calling Add/Loop/Parallel/... from
// within a StepFunc inserts new steps immediately after the current one,
// ahead of whatever was already queued (the "sub-queue" mechanic from the
// original C++ implementation's sub_queue_start/sub_queue_front indices).
type StepFunc func(as *AsyncSteps)

// OnErrorFunc handles an error raised at or below the step it is attached
// to. It may call as.Success to recover, or do nothing to let the error
// continue propagating to the next ancestor handler.
type OnErrorFunc func(as *AsyncSteps, code ErrorCode)

var syncRootCounter atomic.Uint64

// rootState is shared by every AsyncSteps controller in one tree: the
// reactor driving dispatch, the persistent state() map, the stack
// allocator, and the engine-wide sync root id used by syncprim to
// refcount recursive lock acquisition.
type rootState struct {
	r          *reactor.Reactor
	opts       *options
	syncRootID uint64
	mp         *mempool.Manager

	stateMu sync.Mutex
	state   map[string]any

	doneMu sync.Mutex
	done   bool
	doneFn func(err error)
}

func (rs *rootState) log(level reactor.LogLevel, category, msg string, err error, fields map[string]any) {
	if rs.opts.logger == nil || !rs.opts.logger.IsEnabled(level) {
		return
	}
	rs.opts.logger.Log(reactor.LogEntry{
		Level:     level,
		Category:  category,
		Message:   msg,
		Err:       err,
		Fields:    fields,
		Timestamp: time.Now(),
	})
}

// AsyncSteps is one nesting level's step queue controller: the object
// passed into every StepFunc in that level. Parallel branches, loop
// bodies, and sync-step bodies each get their own child AsyncSteps
// sharing the same rootState.
type AsyncSteps struct {
	root *rootState

	parentAS   *AsyncSteps // controller that owns parentNode, nil at the tree root
	parentNode *stepNode   // the node in parentAS's queue this controller's completion resolves

	queue  []*stepNode
	cursor int // index of the currently executing node, -1 before the first Advance

	currentArgs []any // set from the previous Success(args...) call, read via Args()
	nextArgs    []any // staged by Success, handed to currentArgs when the next node starts

	waitingExternal bool
	resolved        bool
	rethrown        bool
	cancelFn        func()
	executed        bool // set once Execute has run, guarding spec §4.2's "execute() twice" fatal condition

	timeoutHandle    reactor.Handle
	hasTimeoutHandle bool

	isLoop    bool
	loopLabel string
	loopEnded bool               // set once onLoopEnd has fired, guarding against a late advance()
	onLoopEnd func(loopEndSignal) // nil unless this controller is a loop-iteration scope

	// onBranchDone, when set, overrides the default "resolve my parent"
	// behavior on terminal success/error; used by Parallel branches and
	// Sync bodies, which must not advance their parent themselves (the
	// parallel/sync machinery decides when all of its children have
	// finished). nil error means success.
	onBranchDone func(se *StepError)
	branchDone   bool // set once onBranchDone has fired, guarding against a late advance()

	// activeChildren holds the child scope(s) this controller's currently
	// executing step has spawned and not yet resolved: a Parallel step's
	// live branches, a Loop step's in-flight iteration, or a Sync step's
	// lock-holding body. Cancel walks this deepest-first so a canceled
	// ancestor actually tears down whatever is running underneath it
	// instead of leaving it to hang forever.
	activeChildren []*AsyncSteps

	// onCancellation, when set, is the forced-termination counterpart of
	// onBranchDone/onLoopEnd: it fires when this scope is torn down by an
	// ancestor's Cancel rather than resolving on its own, so the
	// container that spawned it (Parallel/Sync) can account for it as
	// done instead of waiting on a callback that will never come.
	onCancellation func()

	// terminated is set once this scope has been forcibly ended by
	// Cancel, guarding every resolution path (Success, Error, a late
	// onBranchDone/onLoopEnd) against running again afterward.
	terminated bool

	// fixedCap, when non-zero, bounds how many entries this controller's
	// queue may ever hold (the compile-time-sized variant from spec
	// §4.3); exceeding it is a programmer error and panics.
	fixedCap int
}

// loopEndKind distinguishes why a loop iteration scope stopped.
type loopEndKind int

const (
	loopEndContinue loopEndKind = iota // iteration finished (naturally or via Continue): run the next one
	loopEndBreak                       // Break was called: the enclosing Loop/Repeat finishes successfully
	loopEndError                       // an unrecovered error reached the loop boundary: propagate further out
)

type loopEndSignal struct {
	kind loopEndKind
	err  *StepError
}

// stepNode is one entry in an AsyncSteps controller's flat queue: its
// body plus the error handler attached alongside it (via Add's variadic
// errHandler, or set directly by Parallel/Sync/Loop's own wiring). It is
// the Go stand-in for the reference implementation's per-step record in
// BaseAsyncSteps::Impl's deque.
type stepNode struct {
	fn         StepFunc
	errHandler OnErrorFunc

	// stackAllocs holds this node's scratch allocations from Stack, in
	// acquisition order; they are torn down LIFO when the node dies,
	// mirroring ProtectorData::stack_allocs_count in the reference
	// implementation, which pops exactly the entries a given queue node
	// pushed, in reverse, off the tree-wide stack_allocs_ vector.
	stackAllocs []stackAlloc
}

// stackAlloc is one Stack() allocation pending release: destroy runs the
// caller's destructor (if any) and returns the value to the underlying
// mempool.Allocator.
type stackAlloc struct {
	destroy func()
}

// New creates the root AsyncSteps of a new tree, driven by r.
func New(r *reactor.Reactor, opts ...Option) *AsyncSteps {
	rs := &rootState{
		r:          r,
		opts:       resolveOptions(opts),
		syncRootID: syncRootCounter.Add(1),
		state:      make(map[string]any),
	}
	return &AsyncSteps{root: rs, cursor: -1}
}

func newChild(parentAS *AsyncSteps, parentNode *stepNode) *AsyncSteps {
	return &AsyncSteps{
		root:       parentAS.root,
		parentAS:   parentAS,
		parentNode: parentNode,
		cursor:     -1,
		fixedCap:   parentAS.fixedCap,
	}
}

// Reactor returns the reactor driving this controller's tree, so that code
// bridging across an ABI boundary (see package abi) can tell whether it is
// already running on the reactor's own goroutine before calling back in.
func (as *AsyncSteps) Reactor() *reactor.Reactor { return as.root.r }

// SyncRootID identifies the tree this controller belongs to, used by
// syncprim to refcount recursive lock acquisition by the same caller
// instead of deadlocking against itself. It implements syncprim.Step.
func (as *AsyncSteps) SyncRootID() uint64 { return as.root.syncRootID }

// SetCancel registers fn to run if the currently executing step is
// canceled before it resolves. It implements syncprim.Step.
func (as *AsyncSteps) SetCancel(fn func()) {
	as.cancelFn = fn
}

// Add appends a step to this controller's queue. If called from within a
// StepFunc belonging to this same controller, the new step is inserted
// immediately after the one currently executing, ahead of anything
// already queued further out.
func (as *AsyncSteps) Add(fn StepFunc, errHandler ...OnErrorFunc) *AsyncSteps {
	n := &stepNode{fn: fn}
	if len(errHandler) > 0 {
		n.errHandler = errHandler[0]
	}
	as.insert(n)
	return as
}

func (as *AsyncSteps) insert(n *stepNode) {
	if as.fixedCap > 0 && len(as.queue) >= as.fixedCap {
		fatalf("Add", "fixed-storage capacity %d exceeded", as.fixedCap)
	}
	if as.cursor >= 0 && as.cursor < len(as.queue) {
		as.queue = slices.Insert(as.queue, as.cursor+1, n)
	} else {
		as.queue = append(as.queue, n)
	}
}

// Execute schedules this tree's dispatch to begin on the next reactor
// pass. It must be called exactly once, on the root AsyncSteps; a second
// call is one of spec §4.2's fatal conditions.
func (as *AsyncSteps) Execute() {
	if as.parentAS != nil {
		fatalf("Execute", "must be called on the root AsyncSteps, not a nested scope")
	}
	if as.executed {
		fatalf("Execute", "must be called exactly once per tree")
	}
	as.executed = true
	as.root.r.Immediate(func() { as.advance() })
}

// OnDone installs a callback invoked once, when the whole tree finishes:
// with a nil error on success, or the final unhandled *StepError.
func (as *AsyncSteps) OnDone(fn func(err error)) {
	if as.parentAS != nil {
		fatalf("OnDone", "must be called on the root AsyncSteps")
	}
	as.root.doneMu.Lock()
	as.root.doneFn = fn
	as.root.doneMu.Unlock()
}

// advance moves to the next node in this controller's queue and runs it,
// or, if the queue is exhausted, resolves this controller's scope as a
// success (propagating up to whatever spawned it: Execute's caller for
// the root, or the owning Parallel/Loop/Sync machinery otherwise).
func (as *AsyncSteps) advance() {
	as.cursor++
	if as.cursor >= len(as.queue) {
		as.resolveSuccess()
		return
	}
	as.runNode(as.queue[as.cursor])
}

func (as *AsyncSteps) runNode(n *stepNode) {
	as.waitingExternal = false
	as.resolved = false
	as.cancelFn = nil
	as.hasTimeoutHandle = false
	as.currentArgs = as.nextArgs
	as.nextArgs = nil

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				if fe, ok := rec.(*FatalError); ok {
					panic(fe)
				}
				if se, ok := rec.(*StepError); ok {
					as.Error(se.Code, se.Message)
					return
				}
				as.root.log(reactor.LevelError, "unhandled", "step body panicked", nil, map[string]any{"panic": rec})
				as.Error(ErrCodeUnhandled, "panic in step body")
			}
		}()
		n.fn(as)
	}()

	// loopEnded/branchDone: the body ended this scope itself (Continue,
	// Break, or an error handed to the owning Parallel/Sync), so the
	// scope's remaining queued nodes must not run.
	if as.waitingExternal || as.resolved || as.loopEnded || as.branchDone {
		return
	}
	as.Success()
}

// Success resolves the currently executing node and advances to the
// next one. It is called automatically when a StepFunc returns without
// requesting WaitExternal, and may also be called explicitly (including
// asynchronously, from a callback scheduled via the reactor) to resolve
// a step that called WaitExternal. args, if given, become the next
// node's Args() — the engine's sole data channel between sequential
// steps at the same level, mirroring the reference implementation's
// next_args/success(args...) convention.
func (as *AsyncSteps) Success(args ...any) {
	if as.terminated {
		return
	}
	as.clearTimeout()
	as.freeCurrentStack()
	as.resolved = true
	as.nextArgs = args
	as.advance()
}

// Args returns whatever was passed to the previous node's Success call
// at this level (including a Success called later after WaitExternal, or
// from an error handler), or nil for the first step in a queue and after
// a Success with no arguments, such as auto-success.
func (as *AsyncSteps) Args() []any {
	return as.currentArgs
}

// resolveSuccess finishes this controller's scope (its queue is
// exhausted) and reports success to whatever spawned it.
func (as *AsyncSteps) resolveSuccess() {
	if as.parentAS == nil {
		as.root.finish(nil)
		return
	}
	if as.isLoop {
		// A loop iteration scope finishing successfully just means "run
		// the next iteration"; onLoopEnd implements that.
		as.onLoopEnd(loopEndSignal{kind: loopEndContinue})
		return
	}
	if as.onBranchDone != nil {
		as.onBranchDone(nil)
		return
	}
	as.parentAS.Success()
}

// Error raises code at the currently executing step, searching upward
// through enclosing controllers for the nearest node with an attached
// OnErrorFunc. A handler that calls Success recovers; otherwise the
// error continues propagating outward.
func (as *AsyncSteps) Error(code ErrorCode, message ...string) {
	if as.terminated {
		return
	}
	msg := ""
	if len(message) > 0 {
		msg = message[0]
	}
	as.clearTimeout()
	as.freeCurrentStack()
	as.rethrown = true
	se := &StepError{Code: code, Message: msg}
	as.propagate(se)
}

func (as *AsyncSteps) propagate(se *StepError) {
	var child *AsyncSteps
	for scope := as; scope != nil; scope = scope.parentAS {
		var handler OnErrorFunc
		if child == nil {
			if scope.cursor >= 0 && scope.cursor < len(scope.queue) {
				handler = scope.queue[scope.cursor].errHandler
			}
		} else {
			handler = child.parentNode.errHandler
		}
		if handler != nil {
			scope.resolved = false
			scope.rethrown = false
			handler(scope, se.Code)
			if scope.resolved || scope.rethrown {
				// the handler called Success (which advanced) or Error
				// (which already routed a new propagation); either way
				// this error instance is fully handled.
				return
			}
		}
		if scope.parentAS == nil {
			scope.root.finish(se)
			return
		}
		if scope.isLoop {
			scope.onLoopEnd(loopEndSignal{kind: loopEndError, err: se})
			return
		}
		if scope.onBranchDone != nil {
			scope.onBranchDone(se)
			return
		}
		child = scope
	}
}

func (as *AsyncSteps) clearTimeout() {
	if as.hasTimeoutHandle {
		as.root.r.Cancel(as.timeoutHandle)
		as.hasTimeoutHandle = false
	}
}

// SetTimeout arranges for the currently executing step to fail with
// ErrCodeTimeout if it has not resolved (via Success/Error) within d.
// Intended for use alongside WaitExternal.
func (as *AsyncSteps) SetTimeout(d time.Duration) {
	as.timeoutHandle = as.root.r.Deferred(d, func() {
		as.Error(ErrCodeTimeout)
	})
	as.hasTimeoutHandle = true
}

// WaitExternal marks the currently executing step as not auto-resolving:
// the engine will not call Success when the StepFunc returns. The step
// remains pending until something calls Success or Error on as, which
// may happen later and from a different goroutine via reactor.Submit.
func (as *AsyncSteps) WaitExternal() {
	as.waitingExternal = true
}

// State returns the tree-wide persistent key/value store, shared by every
// controller in the tree and living until the tree finishes. Entries are
// never removed by the engine itself (see DESIGN.md Open Question #3).
func (as *AsyncSteps) State() map[string]any {
	as.root.stateMu.Lock()
	defer as.root.stateMu.Unlock()
	return as.root.state
}

// Stack returns step-scoped scratch memory: alloc is invoked (via a
// size-classed mempool.Allocator shared tree-wide, so the backing
// buffers themselves are reused across steps) if none is free to reuse,
// and destructor, if given, runs when the currently executing step
// dies — on success, error, or cancellation — before the value is
// returned to the pool. Grounded on Impl::stack_alloc/stack_dealloc and
// ProtectorData's stack_allocs_count in the reference implementation:
// there, scratch memory is scoped to one queue-node instance's lifetime,
// not shared indefinitely across the whole tree.
func (as *AsyncSteps) Stack(size uintptr, alloc func() any, destructor func(v any)) any {
	if as.cursor < 0 || as.cursor >= len(as.queue) {
		fatalf("Stack", "must be called from within a currently executing step")
	}
	if as.root.mp == nil {
		as.root.mp = mempool.NewManager()
	}
	a := as.root.mp.Stack(size, alloc)
	v := a.Get()
	node := as.queue[as.cursor]
	node.stackAllocs = append(node.stackAllocs, stackAlloc{
		destroy: func() {
			if destructor != nil {
				destructor(v)
			}
			a.Put(v)
		},
	})
	return v
}

// freeCurrentStack runs every destructor Stack registered for the
// currently executing node, LIFO, and clears them. Called from every one
// of a step's exit paths — Success, Error, and cancellation — so scratch
// memory is always released when the step dies, whichever way.
func (as *AsyncSteps) freeCurrentStack() {
	if as.cursor < 0 || as.cursor >= len(as.queue) {
		return
	}
	node := as.queue[as.cursor]
	for i := len(node.stackAllocs) - 1; i >= 0; i-- {
		node.stackAllocs[i].destroy()
	}
	node.stackAllocs = nil
}

// Cancel cancels the currently executing step, propagating deepest-first
// into any active child scope (parallel branches, loop iteration, sync
// body) before canceling this level's own registered cancel callback.
// The canceled scope is treated as terminated for aggregation purposes:
// whatever spawned it (Parallel, a Sync body, or Execute's own caller) is
// notified so the tree never hangs waiting on a resolution that will now
// never arrive naturally. A canceled Loop iteration notifies nothing; the
// Loop step is torn down by the same ancestor cancellation.
func (as *AsyncSteps) Cancel() {
	as.root.log(reactor.LevelDebug, "cancel", "cancel requested", nil, nil)
	as.cancelRecursive()
}

// addActiveChild registers child as a scope currently running beneath
// as's executing step, so that canceling as also cancels child.
func (as *AsyncSteps) addActiveChild(child *AsyncSteps) {
	as.activeChildren = append(as.activeChildren, child)
}

// removeActiveChild undoes addActiveChild once child has resolved on its
// own, so a later Cancel of as does not try to tear it down again.
func (as *AsyncSteps) removeActiveChild(child *AsyncSteps) {
	for i, c := range as.activeChildren {
		if c == child {
			as.activeChildren = slices.Delete(as.activeChildren, i, i+1)
			return
		}
	}
}

// cancelRecursive tears this scope down: it is marked terminated before
// anything else runs, so any onBranchDone/onLoopEnd callback that fires
// as a side effect of canceling a child (e.g. Parallel's finish once its
// last live branch is accounted for) sees this scope as already done and
// does not also try to resolve it normally.
func (as *AsyncSteps) cancelRecursive() {
	if as.terminated {
		return
	}
	as.terminated = true

	children := as.activeChildren
	as.activeChildren = nil
	for _, child := range children {
		child.cancelRecursive()
	}

	if fn := as.cancelFn; fn != nil {
		as.cancelFn = nil
		fn()
	}
	as.clearTimeout()
	as.freeCurrentStack()
	as.waitingExternal = false

	as.notifyCancellation()
}

// notifyCancellation tells whatever is waiting on this scope's
// resolution that it was canceled rather than resolving on its own.
func (as *AsyncSteps) notifyCancellation() {
	switch {
	case as.onCancellation != nil:
		as.onCancellation()
	case as.parentAS == nil:
		as.root.finish(&StepError{Code: ErrCodeCanceled, Message: "canceled"})
	}
}

func (rs *rootState) finish(se *StepError) {
	rs.doneMu.Lock()
	if rs.done {
		rs.doneMu.Unlock()
		return
	}
	rs.done = true
	fn := rs.doneFn
	rs.doneMu.Unlock()

	var err error
	if se != nil {
		err = se
		if rs.opts.unhandledHook != nil {
			rs.opts.unhandledHook(se)
		} else {
			rs.log(reactor.LevelWarn, "unhandled", "tree finished with unhandled error", se, nil)
		}
	}
	if fn != nil {
		fn(err)
	}
}
