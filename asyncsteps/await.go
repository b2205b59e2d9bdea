package asyncsteps

import "time"

// Await installs a step that polls fn until it reports completion,
// grounded on Protector::await_impl/HandleAwaitBase in the reference
// implementation: poll is invoked once immediately and then again on
// every following reactor pass, with the time elapsed since the first
// call and whether this is that first call. poll may resolve the step
// itself, synchronously, by calling step.Success/step.Error; otherwise,
// once it returns true, Await resolves the step as a success with no
// result args. Returning false keeps the step pending and schedules
// another poll via the reactor — never a synchronous retry loop, so the
// reactor's other pending work still runs between attempts.
func (as *AsyncSteps) Await(poll func(step *AsyncSteps, elapsed time.Duration, firstCall bool) bool) *AsyncSteps {
	node := &stepNode{}
	node.fn = func(outer *AsyncSteps) {
		outer.WaitExternal()
		cursor := outer.cursor
		start := time.Now()
		firstCall := true

		var attempt func()
		attempt = func() {
			// outer.cursor only changes once this node resolves and
			// advance() moves past it; comparing against the cursor
			// captured above detects cancellation (terminated) and poll
			// having called Success itself. An Error from poll that no
			// handler recovers leaves the cursor in place, so it is
			// detected through outer.rethrown instead (this node has no
			// handler of its own, so propagate never clears it here).
			if outer.terminated || outer.cursor != cursor {
				return
			}
			outer.rethrown = false
			done := poll(outer, time.Since(start), firstCall)
			firstCall = false
			if outer.terminated || outer.cursor != cursor || outer.rethrown {
				return
			}
			if !done {
				outer.root.r.Immediate(attempt)
				return
			}
			outer.Success()
		}
		attempt()
	}
	as.insert(node)
	return as
}
