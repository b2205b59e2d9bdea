package asyncsteps

// Loop adds a step that repeats body in a fresh child scope until Break
// is called, an unrecovered error propagates out of it, or the enclosing
// tree is canceled. label, if given, lets a nested Loop's body
// call Break/Continue targeting this specific loop instead of its own
// innermost one, grounded on the reference implementation's ExtStepState
// label matching for continue_loop.
func (as *AsyncSteps) Loop(body StepFunc, label ...string) *AsyncSteps {
	lbl := ""
	if len(label) > 0 {
		lbl = label[0]
	}
	node := &stepNode{}
	node.fn = func(outer *AsyncSteps) {
		outer.WaitExternal()
		var runIteration func()
		runIteration = func() {
			child := newChild(outer, node)
			child.isLoop = true
			child.loopLabel = lbl
			outer.addActiveChild(child)
			child.onLoopEnd = func(sig loopEndSignal) {
				child.loopEnded = true
				outer.removeActiveChild(child)
				switch sig.kind {
				case loopEndContinue:
					runIteration()
				case loopEndBreak:
					outer.Success()
				case loopEndError:
					outer.propagate(sig.err)
				}
			}
			body(child)
			if !child.loopEnded {
				child.advance()
			}
		}
		runIteration()
	}
	as.insert(node)
	return as
}

// Repeat adds a step that runs body exactly n times (indices 0..n-1) in
// successive child scopes, unless Break is called earlier.
func (as *AsyncSteps) Repeat(n int, body func(as *AsyncSteps, i int)) *AsyncSteps {
	i := 0
	return as.Loop(func(child *AsyncSteps) {
		if i >= n {
			child.Break()
			return
		}
		idx := i
		i++
		body(child, idx)
	})
}

// raiseLoopSignal routes a Continue/Break signal to the nearest enclosing
// loop scope whose label matches (or, if no label was given, to the
// innermost loop scope), mirroring the original's label-matched
// continue_loop search up the ancestor chain.
func (as *AsyncSteps) raiseLoopSignal(ls *loopSignal) {
	as.clearTimeout()
	for scope := as; scope != nil; scope = scope.parentAS {
		if scope.isLoop && (ls.label == "" || scope.loopLabel == ls.label) {
			if ls.code == ErrCodeLoopBreak {
				scope.onLoopEnd(loopEndSignal{kind: loopEndBreak})
			} else {
				scope.onLoopEnd(loopEndSignal{kind: loopEndContinue})
			}
			return
		}
	}
	fatalf("Continue/Break", "no enclosing loop matches label %q", ls.label)
}

// Continue ends the current loop iteration immediately and starts the
// next one, skipping any steps already queued for this iteration. If
// label is given, it targets that specific enclosing Loop instead of the
// innermost one.
func (as *AsyncSteps) Continue(label ...string) {
	lbl := ""
	if len(label) > 0 {
		lbl = label[0]
	}
	as.raiseLoopSignal(&loopSignal{code: ErrCodeLoopCont, label: lbl})
}

// Break ends the enclosing loop entirely, resolving it as a success. If
// label is given, it targets that specific enclosing Loop instead of the
// innermost one.
func (as *AsyncSteps) Break(label ...string) {
	lbl := ""
	if len(label) > 0 {
		lbl = label[0]
	}
	as.raiseLoopSignal(&loopSignal{code: ErrCodeLoopBreak, label: lbl})
}
