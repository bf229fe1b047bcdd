package qsync

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/thetarby/qsync/internal/goid"
)

func hammerMutex(m *Mutex, numGoroutines, numIterations int) error {
	// Number of goroutines inside the critical section; must never
	// exceed 1.
	var active int32
	var g errgroup.Group
	for i := 0; i < numGoroutines; i++ {
		g.Go(func() error {
			for j := 0; j < numIterations; j++ {
				m.Lock()
				if n := atomic.AddInt32(&active, 1); n != 1 {
					m.Unlock()
					return assert.AnError
				}
				atomic.AddInt32(&active, -1)
				m.Unlock()
			}
			return nil
		})
	}
	return g.Wait()
}

func TestMutexHammer(t *testing.T) {
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(-1))
	n := 1000
	if testing.Short() {
		n = 50
	}
	for _, procs := range []int{1, 4, 10} {
		runtime.GOMAXPROCS(procs)
		require.NoError(t, hammerMutex(NewMutex(), 10, n))
		require.NoError(t, hammerMutex(NewFairMutex(), 10, n))
	}
}

func TestMutexRoundTrip(t *testing.T) {
	m := NewMutex()

	assert.False(t, m.IsLocked())
	assert.Equal(t, 0, m.HoldCount())

	m.Lock()
	assert.True(t, m.IsLocked())
	assert.True(t, m.IsHeldByCaller())
	assert.Equal(t, 1, m.HoldCount())

	m.Lock() // reentrant
	assert.Equal(t, 2, m.HoldCount())

	m.Unlock()
	assert.Equal(t, 1, m.HoldCount())
	assert.True(t, m.IsLocked())

	m.Unlock()
	assert.False(t, m.IsLocked())
	assert.Equal(t, 0, m.HoldCount())
}

func TestMutexReentrancyDepth(t *testing.T) {
	m := NewMutex()
	const depth = 50
	for i := 0; i < depth; i++ {
		m.Lock()
		require.Equal(t, i+1, m.HoldCount())
	}
	for i := depth; i > 0; i-- {
		require.Equal(t, i, m.HoldCount())
		m.Unlock()
	}
	assert.False(t, m.IsLocked())
}

func TestMutexTryLock(t *testing.T) {
	m := NewMutex()
	require.True(t, m.TryLock())
	require.True(t, m.TryLock()) // reentrant
	assert.Equal(t, 2, m.HoldCount())

	other := make(chan bool)
	go func() {
		other <- m.TryLock()
	}()
	assert.False(t, <-other)

	m.Unlock()
	m.Unlock()
}

func TestMutexTryLockTimeout(t *testing.T) {
	m := NewMutex()
	m.Lock()

	type result struct {
		ok      bool
		elapsed time.Duration
	}
	res := make(chan result)
	go func() {
		start := time.Now()
		ok := m.TryLockTimeout(100 * time.Millisecond)
		res <- result{ok, time.Since(start)}
	}()

	r := <-res
	assert.False(t, r.ok)
	assert.GreaterOrEqual(t, r.elapsed, 100*time.Millisecond)
	assert.Less(t, r.elapsed, 5*time.Second)
	// The failed attempt must not disturb the hold.
	assert.Equal(t, 1, m.HoldCount())

	m.Unlock()
	assert.True(t, m.TryLockTimeout(time.Second))
	m.Unlock()
}

func TestMutexLockContextCancelled(t *testing.T) {
	m := NewMutex()
	m.Lock()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error)
	gidc := make(chan int64, 1)
	go func() {
		gidc <- goid.Get()
		errc <- m.LockContext(ctx)
	}()
	gid := <-gidc

	// Wait for the goroutine to reach the queue, then cancel.
	require.Eventually(t, func() bool {
		return m.sync.IsQueued(gid)
	}, 5*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	// The cancelled waiter must not leak a node that would gate
	// future acquires.
	require.Eventually(t, func() bool {
		return !m.sync.IsQueued(gid) && m.QueueLength() == 0
	}, 5*time.Second, time.Millisecond)

	m.Unlock()
	require.NoError(t, m.LockContext(context.Background()))
	m.Unlock()
}

func TestMutexLockContextAlreadyCancelled(t *testing.T) {
	m := NewMutex()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.LockContext(ctx), context.Canceled)
	assert.False(t, m.IsLocked())
}

func TestFairMutexFIFO(t *testing.T) {
	m := NewFairMutex()
	m.Lock()

	const waiters = 4
	var order []int
	var mu = NewMutex()
	done := make(chan bool)
	for i := 0; i < waiters; i++ {
		i := i
		go func() {
			m.Lock()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			m.Unlock()
			done <- true
		}()
		// Let each waiter enqueue before starting the next so the
		// arrival order is deterministic.
		require.Eventually(t, func() bool {
			return m.QueueLength() == i+1
		}, 5*time.Second, time.Millisecond)
	}

	m.Unlock()
	for i := 0; i < waiters; i++ {
		<-done
	}

	require.Len(t, order, waiters)
	for i, got := range order {
		assert.Equal(t, i, got, "fair mutex granted out of arrival order: %v", order)
	}
}

func TestMutexUnlockNotHeldPanics(t *testing.T) {
	m := NewMutex()
	assert.Panics(t, func() { m.Unlock() })

	m.Lock()
	done := make(chan bool)
	go func() {
		defer close(done)
		assert.Panics(t, func() { m.Unlock() })
	}()
	<-done
	m.Unlock()
}

func TestMutexIntrospection(t *testing.T) {
	m := NewMutex()
	assert.False(t, m.HasQueued())
	assert.Equal(t, 0, m.QueueLength())
	assert.False(t, m.IsFair())
	assert.True(t, NewFairMutex().IsFair())

	m.Lock()
	released := make(chan bool)
	go func() {
		m.Lock()
		m.Unlock()
		released <- true
	}()
	require.Eventually(t, func() bool { return m.QueueLength() == 1 }, 5*time.Second, time.Millisecond)
	assert.True(t, m.HasQueued())

	m.Unlock()
	<-released
	require.Eventually(t, func() bool { return m.QueueLength() == 0 }, 5*time.Second, time.Millisecond)
}
