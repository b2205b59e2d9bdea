package syncprim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/futoin/asyncsteps-go/reactor"
)

// fakeStep is a minimal Step for exercising syncprim in isolation.
type fakeStep struct {
	root   uint64
	mu     sync.Mutex
	cancel func()
}

func newFakeStep(root uint64) *fakeStep { return &fakeStep{root: root} }

func (f *fakeStep) SyncRootID() uint64 { return f.root }

func (f *fakeStep) SetCancel(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancel = fn
}

func (f *fakeStep) triggerCancel() {
	f.mu.Lock()
	fn := f.cancel
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func TestMutexExclusiveAcrossDistinctRoots(t *testing.T) {
	m := NewMutex(1, -1)
	a := newFakeStep(1)
	b := newFakeStep(2)

	aGranted := false
	require.NoError(t, m.Lock(a, func() { aGranted = true }))
	require.True(t, aGranted)

	bGranted := false
	require.NoError(t, m.Lock(b, func() { bGranted = true }))
	require.False(t, bGranted, "second distinct root must queue, not grant immediately")

	require.NoError(t, m.Unlock(a))
	require.True(t, bGranted, "unlock must hand off to the FIFO waiter")
}

func TestMutexRecursiveAcquisitionBySameRoot(t *testing.T) {
	m := NewMutex(1, -1)
	a := newFakeStep(7)

	granted := 0
	require.NoError(t, m.Lock(a, func() { granted++ }))
	require.NoError(t, m.Lock(a, func() { granted++ }))
	require.Equal(t, 2, granted, "same sync root must refcount, not deadlock")

	require.NoError(t, m.Unlock(a))
	// still held once more
	assert.Equal(t, ErrNotOwner, (func() error {
		b := newFakeStep(8)
		return m.Unlock(b)
	})())
	require.NoError(t, m.Unlock(a))
}

func TestMutexUnlockByNonOwnerFails(t *testing.T) {
	m := NewMutex(1, -1)
	a := newFakeStep(1)
	b := newFakeStep(2)
	require.NoError(t, m.Lock(a, func() {}))
	assert.ErrorIs(t, m.Unlock(b), ErrNotOwner)
}

func TestMutexCancelDropsWaiter(t *testing.T) {
	m := NewMutex(1, -1)
	a := newFakeStep(1)
	b := newFakeStep(2)
	require.NoError(t, m.Lock(a, func() {}))

	bGranted := false
	require.NoError(t, m.Lock(b, func() { bGranted = true }))
	b.triggerCancel()

	require.NoError(t, m.Unlock(a))
	assert.False(t, bGranted, "canceled waiter must not be granted on handoff")
}

func TestMutexAllowsUpToMaxConcurrentHolders(t *testing.T) {
	m := NewMutex(2, -1)
	a := newFakeStep(1)
	b := newFakeStep(2)
	c := newFakeStep(3)

	aGranted, bGranted, cGranted := false, false, false
	require.NoError(t, m.Lock(a, func() { aGranted = true }))
	require.NoError(t, m.Lock(b, func() { bGranted = true }))
	require.True(t, aGranted)
	require.True(t, bGranted, "max=2 must grant a second distinct holder immediately")

	require.NoError(t, m.Lock(c, func() { cGranted = true }))
	require.False(t, cGranted, "a third distinct holder beyond max must queue")

	require.NoError(t, m.Unlock(a))
	require.True(t, cGranted, "freeing a holder slot must hand off to the queued waiter")
}

func TestMutexQueueMaxRejectsWithDefenseRejected(t *testing.T) {
	m := NewMutex(1, 1)
	a := newFakeStep(1)
	b := newFakeStep(2)
	c := newFakeStep(3)

	require.NoError(t, m.Lock(a, func() {}))
	require.NoError(t, m.Lock(b, func() {}), "first queued waiter must be accepted (queue_max=1)")
	assert.ErrorIs(t, m.Lock(c, func() { t.Fatal("must not be granted") }), ErrDefenseRejected)
}

func TestThrottleAllowsBurstThenQueues(t *testing.T) {
	r := reactor.New()
	th := NewThrottle(r, 100, 100*time.Millisecond, 2)
	defer th.Close()

	granted := 0
	var mu sync.Mutex
	grant := func() { mu.Lock(); granted++; mu.Unlock() }

	s1, s2, s3 := newFakeStep(1), newFakeStep(2), newFakeStep(3)
	require.NoError(t, th.Lock(s1, grant))
	require.NoError(t, th.Lock(s2, grant))
	mu.Lock()
	require.Equal(t, 2, granted)
	mu.Unlock()

	require.NoError(t, th.Lock(s3, grant))
	mu.Lock()
	require.Equal(t, 2, granted, "third lock must queue until refill")
	mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go r.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return granted == 3
	}, 900*time.Millisecond, 5*time.Millisecond, "refill must run on the reactor's own loop, not a free goroutine")
}

func TestLimiterComposesSemaphoreAndThrottle(t *testing.T) {
	l := NewLimiter(reactor.New(), Params{Concurrent: 1, Rate: 1000, Period: time.Second, Burst: 10})
	defer l.Close()

	a := newFakeStep(1)
	b := newFakeStep(2)

	granted := false
	require.NoError(t, l.Lock(a, func() { granted = true }))
	require.True(t, granted)

	bGranted := false
	require.NoError(t, l.Lock(b, func() { bGranted = true }))
	require.False(t, bGranted, "concurrency cap of 1 must queue the second lock")

	require.NoError(t, l.Unlock(a))
	require.True(t, bGranted)
}

func TestLimiterQueueFull(t *testing.T) {
	l := NewLimiter(reactor.New(), Params{Concurrent: 1, MaxQueue: 1, Rate: 10, Period: time.Second, Burst: 10})
	defer l.Close()
	a := newFakeStep(1)
	require.NoError(t, l.Lock(a, func() {}))

	b := newFakeStep(2)
	require.NoError(t, l.Lock(b, func() {}), "first blocked waiter must queue, not error")

	c := newFakeStep(3)
	assert.Equal(t, ErrQueueFull, l.Lock(c, func() {}))
}
