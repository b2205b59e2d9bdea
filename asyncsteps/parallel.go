package asyncsteps

import "sync"

// ParallelAsyncSteps collects branches added via Add, each run in its own
// child scope. Grounded on BaseAsyncSteps::ParallelStep in the reference
// implementation: completion waits for every branch, the first error
// cancels the rest and propagates, translated here from its polymorphic
// process_cb/cancel_cb "dirty hack" functors into plain closures per
// spec §9's note on collapsing that dispatch.
type ParallelAsyncSteps struct {
	owner    *AsyncSteps
	node     *stepNode
	branches []StepFunc
}

// Parallel adds a step that runs each subsequently-Added branch in its
// own child scope, all starting on the same dispatch pass. The step
// succeeds once every branch succeeds, or fails with the first branch
// error encountered (canceling the remaining branches).
func (as *AsyncSteps) Parallel(errHandler ...OnErrorFunc) *ParallelAsyncSteps {
	node := &stepNode{}
	if len(errHandler) > 0 {
		node.errHandler = errHandler[0]
	}
	p := &ParallelAsyncSteps{owner: as, node: node}
	node.fn = func(outer *AsyncSteps) {
		outer.WaitExternal()
		p.run(outer)
	}
	as.insert(node)
	return p
}

// Add registers another branch to run concurrently with the others.
func (p *ParallelAsyncSteps) Add(fn StepFunc) *ParallelAsyncSteps {
	p.branches = append(p.branches, fn)
	return p
}

func (p *ParallelAsyncSteps) run(outer *AsyncSteps) {
	n := len(p.branches)
	if n == 0 {
		outer.Success()
		return
	}

	var mu sync.Mutex
	remaining := n
	var firstErr *StepError
	children := make([]*AsyncSteps, n)

	finish := func(child *AsyncSteps, se *StepError) {
		outer.removeActiveChild(child)
		mu.Lock()
		remaining--
		if se != nil && firstErr == nil {
			firstErr = se
		}
		done := remaining == 0
		err := firstErr
		mu.Unlock()
		if !done {
			if se != nil {
				// cancel siblings on first failure: this resolves them
				// (rather than leaving them to hang forever awaiting a
				// callback that will now never come) so remaining still
				// reaches zero once every branch is accounted for.
				for _, c := range children {
					if c != nil && c != child && !c.branchDone {
						c.Cancel()
					}
				}
			}
			return
		}
		if outer.terminated {
			// outer itself was canceled (directly, or as one of these
			// siblings' cancellations cascading back up); its own
			// cancelRecursive call owns notifying whatever is waiting on
			// outer, so this step must not also resolve it.
			return
		}
		if err != nil {
			outer.propagate(err)
		} else {
			outer.Success()
		}
	}

	// Every child is created and wired up before any branch body runs, so
	// a branch that fails synchronously can still reach (and cancel) a
	// sibling that hasn't started yet — not just ones already mid-flight.
	for i := range p.branches {
		child := newChild(outer, p.node)
		children[i] = child
		outer.addActiveChild(child)
		child.onBranchDone = func(se *StepError) {
			child.branchDone = true
			finish(child, se)
		}
		child.onCancellation = func() {
			if !child.branchDone {
				child.branchDone = true
				finish(child, nil)
			}
		}
	}

	for i, fn := range p.branches {
		child := children[i]
		if child.branchDone {
			// already resolved by a sibling's cancellation cascade before
			// its turn to start came up.
			continue
		}
		fn(child)
		if !child.branchDone {
			child.advance()
		}
	}
}
