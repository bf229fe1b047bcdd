package qsync

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestConditionSignalWakes(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()
	ready := false

	woke := make(chan bool)
	go func() {
		m.Lock()
		for !ready {
			c.AwaitUninterruptibly()
		}
		m.Unlock()
		woke <- true
	}()

	// Wait until the goroutine is actually waiting before signalling,
	// then make sure the wakeup is not lost.
	require.Eventually(t, func() bool {
		m.Lock()
		defer m.Unlock()
		return c.HasWaiters()
	}, 5*time.Second, time.Millisecond)

	m.Lock()
	ready = true
	c.Signal()
	m.Unlock()

	select {
	case <-woke:
	case <-time.After(5 * time.Second):
		t.Fatal("signalled waiter never woke")
	}
}

func TestConditionReacquireInvariant(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()

	done := make(chan int)
	go func() {
		m.Lock()
		m.Lock() // hold count 2
		before := m.HoldCount()
		c.AwaitUninterruptibly()
		after := m.HoldCount()
		m.Unlock()
		m.Unlock()
		done <- before*100 + after
	}()

	require.Eventually(t, func() bool {
		m.Lock()
		defer m.Unlock()
		return c.HasWaiters()
	}, 5*time.Second, time.Millisecond)

	// While the goroutine waits, the lock is fully released.
	assert.False(t, m.IsLocked())

	m.Lock()
	c.Signal()
	m.Unlock()

	// Hold count after Await equals the count before it.
	assert.Equal(t, 2*100+2, <-done)
	assert.False(t, m.IsLocked())
}

func TestConditionSignalAll(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()
	const waiters = 6
	released := false

	var g errgroup.Group
	for i := 0; i < waiters; i++ {
		g.Go(func() error {
			m.Lock()
			defer m.Unlock()
			for !released {
				c.AwaitUninterruptibly()
			}
			return nil
		})
	}

	require.Eventually(t, func() bool {
		m.Lock()
		defer m.Unlock()
		return c.WaitQueueLength() == waiters
	}, 5*time.Second, time.Millisecond)

	m.Lock()
	released = true
	c.SignalAll()
	m.Unlock()

	require.NoError(t, g.Wait())
}

func TestConditionSignalFIFO(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()
	turn := -1

	var order []int
	done := make(chan bool)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			m.Lock()
			for turn != i {
				c.AwaitUninterruptibly()
			}
			order = append(order, i)
			turn = -1
			m.Unlock()
			done <- true
		}()
		require.Eventually(t, func() bool {
			m.Lock()
			defer m.Unlock()
			return c.WaitQueueLength() == i+1
		}, 5*time.Second, time.Millisecond)
	}

	// Wake waiters one at a time; Signal transfers the longest
	// waiter, so waiter 0 must get the first turn.
	for i := 0; i < 3; i++ {
		m.Lock()
		turn = i
		c.SignalAll() // all re-check, only waiter i proceeds
		m.Unlock()
		<-done
	}
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestConditionAwaitTimeout(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()

	m.Lock()
	start := time.Now()
	rem := c.AwaitTimeout(100 * time.Millisecond)
	elapsed := time.Since(start)

	assert.LessOrEqual(t, rem, time.Duration(0))
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	// The lock is held again after the timed-out wait.
	assert.True(t, m.IsHeldByCaller())
	assert.Equal(t, 1, m.HoldCount())
	m.Unlock()
}

func TestConditionAwaitUntil(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()

	m.Lock()
	signalled := c.AwaitUntil(time.Now().Add(50 * time.Millisecond))
	assert.False(t, signalled)
	assert.True(t, m.IsHeldByCaller())
	m.Unlock()

	woke := make(chan bool)
	go func() {
		m.Lock()
		ok := c.AwaitUntil(time.Now().Add(5 * time.Second))
		m.Unlock()
		woke <- ok
	}()
	require.Eventually(t, func() bool {
		m.Lock()
		defer m.Unlock()
		return c.HasWaiters()
	}, 5*time.Second, time.Millisecond)

	m.Lock()
	c.Signal()
	m.Unlock()
	assert.True(t, <-woke)
}

func TestConditionAwaitContextCancel(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()
	ctx, cancel := context.WithCancel(context.Background())

	res := make(chan error)
	go func() {
		m.Lock()
		err := c.Await(ctx)
		// Even on cancellation the lock was re-acquired before Await
		// returned.
		held := m.IsHeldByCaller()
		m.Unlock()
		if err != nil && !held {
			err = assert.AnError
		}
		res <- err
	}()

	require.Eventually(t, func() bool {
		m.Lock()
		defer m.Unlock()
		return c.HasWaiters()
	}, 5*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-res, context.Canceled)

	// The cancelled waiter left no debris: the lock still works and
	// the condition has no waiters.
	m.Lock()
	assert.False(t, c.HasWaiters())
	m.Unlock()
}

func TestConditionCancelSignalRace(t *testing.T) {
	// A signal and a cancellation racing for the same waiter must
	// never lose the wakeup or corrupt the lock.
	m := NewMutex()
	c := m.NewCondition()
	for i := 0; i < 100; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		res := make(chan error)
		go func() {
			m.Lock()
			err := c.Await(ctx)
			m.Unlock()
			res <- err
		}()
		require.Eventually(t, func() bool {
			m.Lock()
			defer m.Unlock()
			return c.HasWaiters()
		}, 5*time.Second, time.Millisecond)

		go cancel()
		m.Lock()
		c.Signal()
		m.Unlock()

		select {
		case <-res: // either outcome is fine
		case <-time.After(5 * time.Second):
			t.Fatal("waiter lost both the signal and the cancellation")
		}
		cancel()
	}
}

func TestConditionWithoutLockPanics(t *testing.T) {
	m := NewMutex()
	c := m.NewCondition()

	assert.Panics(t, func() { c.Signal() })
	assert.Panics(t, func() { c.SignalAll() })
	assert.Panics(t, func() { c.AwaitUninterruptibly() })
	assert.Panics(t, func() { c.HasWaiters() })

	// Holding the lock on another goroutine does not help the caller.
	m.Lock()
	done := make(chan bool)
	go func() {
		defer close(done)
		assert.Panics(t, func() { c.Signal() })
	}()
	<-done
	m.Unlock()
}

// boundedBuffer is the classic two-condition producer/consumer queue,
// exercising await/signal under sustained contention.
type boundedBuffer struct {
	mu       *Mutex
	notFull  *Condition
	notEmpty *Condition
	items    []int
	cap      int
}

func newBoundedBuffer(cap int) *boundedBuffer {
	mu := NewMutex()
	return &boundedBuffer{
		mu:       mu,
		notFull:  mu.NewCondition(),
		notEmpty: mu.NewCondition(),
		cap:      cap,
	}
}

func (b *boundedBuffer) put(v int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.items) == b.cap {
		b.notFull.AwaitUninterruptibly()
	}
	b.items = append(b.items, v)
	b.notEmpty.Signal()
}

func (b *boundedBuffer) take() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.items) == 0 {
		b.notEmpty.AwaitUninterruptibly()
	}
	v := b.items[0]
	b.items = b.items[1:]
	b.notFull.Signal()
	return v
}

func TestConditionProducerConsumer(t *testing.T) {
	const (
		producers = 4
		consumers = 4
		perWorker = 250
	)
	b := newBoundedBuffer(8)
	taken := make(chan int, producers*perWorker)

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		p := p
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				b.put(p*perWorker + i)
			}
			return nil
		})
	}
	for c := 0; c < consumers; c++ {
		g.Go(func() error {
			for i := 0; i < (producers*perWorker)/consumers; i++ {
				taken <- b.take()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(taken)

	var got []int
	for v := range taken {
		got = append(got, v)
	}
	require.Len(t, got, producers*perWorker)
	sort.Ints(got)
	for i, v := range got {
		require.Equal(t, i, v, "value lost or duplicated in transit")
	}
}
