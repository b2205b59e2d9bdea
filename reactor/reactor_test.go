package reactor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImmediateFIFO(t *testing.T) {
	r := New()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		r.Immediate(func() { order = append(order, i) })
	}
	for r.Next() {
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDeferredOrdering(t *testing.T) {
	r := New()
	var order []int
	r.Deferred(300*time.Millisecond, func() { order = append(order, 2) })
	r.Deferred(100*time.Millisecond, func() { order = append(order, 0) })
	r.Deferred(200*time.Millisecond, func() { order = append(order, 1) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(400 * time.Millisecond)
	r.Stop()
	<-done
	require.Equal(t, []int{0, 1, 2}, order)
}

func TestCancelPreventsExecution(t *testing.T) {
	r := New()
	ran := false
	h := r.Immediate(func() { ran = true })
	require.True(t, r.IsValid(h))
	require.True(t, r.Cancel(h))
	require.False(t, r.IsValid(h))
	for r.Next() {
	}
	assert.False(t, ran)
	assert.False(t, r.Cancel(h), "double cancel must report false")
}

func TestDeferredBelowMinimumIsFatal(t *testing.T) {
	r := New()
	assert.Panics(t, func() {
		r.Deferred(10*time.Millisecond, func() {})
	})
}

func TestSubmitCrossThread(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	results := make(chan int, 10)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Submit(func() { results <- i })
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go func() { r.Run(ctx) }()

	seen := map[int]bool{}
	for i := 0; i < 10; i++ {
		select {
		case v := <-results:
			seen[v] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for cross-thread submissions")
		}
	}
	require.Len(t, seen, 10)
}

func TestHandleReuseDoesNotAliasCanceled(t *testing.T) {
	r := New()
	h1 := r.Immediate(func() {})
	require.True(t, r.Cancel(h1))
	for r.Next() {
	}
	// h1's slot may now be reused by a new allocation; h1 itself must
	// still read as invalid because its cookie no longer matches.
	r.Immediate(func() {})
	assert.False(t, r.IsValid(h1))
}

func TestStatsReflectsActivity(t *testing.T) {
	r := New()
	r.Immediate(func() {})
	r.Immediate(func() {})
	s := r.Stats()
	assert.Equal(t, 2, s.ImmediatePending)
	for r.Next() {
	}
	s = r.Stats()
	assert.Equal(t, int64(2), s.ImmediateRun)
	assert.Equal(t, 0, s.ImmediatePending)
}

func TestReleaseMemoryIsAlwaysSafe(t *testing.T) {
	r := New()
	r.Immediate(func() {})
	r.ReleaseMemory()
	ran := false
	r.Immediate(func() { ran = true })
	for r.Next() {
	}
	assert.True(t, ran)
}

func TestReleaseMemoryCompactsTrailingFreeSlots(t *testing.T) {
	r := New()
	var handles []Handle
	for i := 0; i < 5; i++ {
		handles = append(handles, r.Immediate(func() {}))
	}
	for _, h := range handles {
		require.True(t, r.Cancel(h))
	}
	for r.Next() {
	}
	require.Equal(t, 5, len(r.slots))

	r.ReleaseMemory()
	assert.Equal(t, 0, len(r.slots))
	assert.Equal(t, 0, len(r.freeSlots))
}

func TestReleaseMemoryKeepsNonTrailingFreeSlotsReusable(t *testing.T) {
	// burst=2 so the first Next() pass frees slots 0 and 1 but leaves slot
	// 2's task un-dispatched (still live), putting the free slots beneath
	// the still-occupied tail instead of trailing it.
	r := New(WithBurstCount(2))
	h0 := r.Immediate(func() {})
	h1 := r.Immediate(func() {})
	r.Immediate(func() {})
	require.True(t, r.Cancel(h1))
	_ = h0

	r.Next()
	require.Equal(t, 3, len(r.slots))
	require.ElementsMatch(t, []int{0, 1}, r.freeSlots, "slots 0 and 1 must already be free, ahead of the still-pending slot 2")

	r.ReleaseMemory()
	assert.Equal(t, 3, len(r.slots), "slot 2's task is still pending; nothing trailing can compact away")
	assert.ElementsMatch(t, []int{0, 1}, r.freeSlots, "non-trailing free slots must stay reusable, not be discarded")

	before := len(r.slots)
	r.Immediate(func() {})
	assert.Equal(t, before, len(r.slots), "allocSlot must reuse a surviving free slot instead of growing")
}
