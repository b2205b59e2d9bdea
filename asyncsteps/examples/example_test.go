// Package examples holds runnable walkthroughs of the scenarios spec §8
// calls out as testable properties of the engine, grounded on the
// teacher corpus's convention (see eventloop's example_test.go) of
// shipping Example_* functions with `// Output:` assertions alongside a
// library instead of only unit tests.
package examples_test

import (
	"context"
	"fmt"
	"time"

	"github.com/futoin/asyncsteps-go/asyncsteps"
	"github.com/futoin/asyncsteps-go/reactor"
	"github.com/futoin/asyncsteps-go/syncprim"
)

// runToCompletion drives r until as's tree finishes or 2s pass, returning
// whatever error (if any) reached the root unhandled.
func runToCompletion(as *asyncsteps.AsyncSteps, r *reactor.Reactor) error {
	done := make(chan error, 1)
	as.OnDone(func(err error) { done <- err })
	as.Execute()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go r.Run(ctx)

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Example_linearSuccess demonstrates spec §8 scenario 1: a step's
// success(args...) becomes the next step's Args(), and the tree
// finishes cleanly with no residual queue.
func Example_linearSuccess() {
	r := reactor.New()
	as := asyncsteps.New(r)

	as.Add(func(as *asyncsteps.AsyncSteps) {
		as.Success(1, "a")
	}).Add(func(as *asyncsteps.AsyncSteps) {
		fmt.Println("received", as.Args())
	})

	if err := runToCompletion(as, r); err != nil {
		fmt.Println("unexpected error:", err)
		return
	}
	fmt.Println("done")

	// Output:
	// received [1 a]
	// done
}

// Example_errorThenRecovery demonstrates spec §8 scenario 2: an error
// raised by a step is caught by the error handler attached to that same
// step, which recovers by calling Success — the tree finishes without
// ever reaching an unhandled-error hook.
func Example_errorThenRecovery() {
	r := reactor.New()
	as := asyncsteps.New(r, asyncsteps.WithUnhandledErrorHook(func(err error) {
		fmt.Println("unhandled:", err)
	}))

	as.Add(func(as *asyncsteps.AsyncSteps) {
		as.Error("E1", "first attempt failed")
	}, func(as *asyncsteps.AsyncSteps, code asyncsteps.ErrorCode) {
		fmt.Println("recovering from", code)
		as.Success()
	})

	if err := runToCompletion(as, r); err != nil {
		fmt.Println("unexpected error:", err)
		return
	}
	fmt.Println("done")

	// Output:
	// recovering from E1
	// done
}

// Example_timeout demonstrates spec §8 scenario 3: a step that calls
// set_timeout/wait_external and never resolves on its own fails with
// ErrCodeTimeout once the deadline passes.
func Example_timeout() {
	r := reactor.New()
	as := asyncsteps.New(r)

	as.Add(func(as *asyncsteps.AsyncSteps) {
		as.SetTimeout(150 * time.Millisecond)
		as.WaitExternal()
	}, func(as *asyncsteps.AsyncSteps, code asyncsteps.ErrorCode) {
		fmt.Println("caught", code)
		as.Success()
	})

	if err := runToCompletion(as, r); err != nil {
		fmt.Println("unexpected error:", err)
		return
	}
	fmt.Println("done")

	// Output:
	// caught Timeout
	// done
}

// Example_parallelAggregation demonstrates spec §8 scenario 4: a
// parallel step with K branches succeeds once, after every branch has
// run exactly once, without the caller having to join them by hand.
func Example_parallelAggregation() {
	r := reactor.New()
	as := asyncsteps.New(r)

	var ran [3]bool
	p := as.Parallel(func(as *asyncsteps.AsyncSteps, code asyncsteps.ErrorCode) {
		fmt.Println("unexpected branch error:", code)
	})
	for i := 0; i < 3; i++ {
		idx := i
		p.Add(func(as *asyncsteps.AsyncSteps) {
			ran[idx] = true
		})
	}

	if err := runToCompletion(as, r); err != nil {
		fmt.Println("unexpected error:", err)
		return
	}
	fmt.Println("all branches ran:", ran[0] && ran[1] && ran[2])

	// Output:
	// all branches ran: true
}

// Example_loopWithBreak demonstrates spec §8 scenario 5: a labeled loop
// body that calls break_loop(label) after n iterations stops exactly at
// n, and the step that follows the loop still runs exactly once.
func Example_loopWithBreak() {
	r := reactor.New()
	as := asyncsteps.New(r)

	counter := 0
	as.Loop(func(as *asyncsteps.AsyncSteps) {
		counter++
		if counter == 5 {
			as.Break("L1")
		}
	}, "L1").Add(func(as *asyncsteps.AsyncSteps) {
		fmt.Println("after loop, counter =", counter)
	})

	if err := runToCompletion(as, r); err != nil {
		fmt.Println("unexpected error:", err)
		return
	}

	// Output:
	// after loop, counter = 5
}

// Example_mutexFairness demonstrates spec §8 scenario 6: ten steps each
// gated by sync(mutex, body) serialize through a mutex with max=1, so the
// shared counter ends at 10 and increments happen in add() order.
func Example_mutexFairness() {
	r := reactor.New()
	as := asyncsteps.New(r)
	mu := syncprim.NewMutex(1, -1)

	counter := 0
	var order []int
	for i := 0; i < 10; i++ {
		idx := i
		as.Sync(mu, func(as *asyncsteps.AsyncSteps) {
			counter++
			order = append(order, idx)
		})
	}

	if err := runToCompletion(as, r); err != nil {
		fmt.Println("unexpected error:", err)
		return
	}
	fmt.Println("counter:", counter)
	fmt.Println("order matches add order:", orderIsSequential(order))

	// Output:
	// counter: 10
	// order matches add order: true
}

func orderIsSequential(order []int) bool {
	for i, v := range order {
		if v != i {
			return false
		}
	}
	return true
}
