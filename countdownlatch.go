package qsync

import (
	"context"
	"time"
)

// CountDownLatch lets goroutines wait until a set of operations
// completes. The synchronizer state is the remaining count: CountDown
// decrements it and every waiter is released once it reaches zero.
// The count cannot be reset; a latch is single-use.
type CountDownLatch struct {
	sync *latchSync
}

// NewCountDownLatch returns a latch that opens after count calls to
// CountDown. Panics if count is negative.
func NewCountDownLatch(count int32) *CountDownLatch {
	if count < 0 {
		panic("qsync: negative latch count")
	}
	s := &latchSync{}
	s.Synchronizer = New(s)
	s.SetState(count)
	return &CountDownLatch{sync: s}
}

// Await blocks until the count reaches zero.
func (l *CountDownLatch) Await() {
	l.sync.AcquireShared(1)
}

// AwaitContext blocks until the count reaches zero or ctx is done, in
// which case it returns ctx's error.
func (l *CountDownLatch) AwaitContext(ctx context.Context) error {
	return l.sync.AcquireSharedContext(ctx, 1)
}

// AwaitTimeout blocks until the count reaches zero, giving up after d.
// Reports whether the count reached zero.
func (l *CountDownLatch) AwaitTimeout(d time.Duration) bool {
	return l.sync.AcquireSharedTimeout(1, d)
}

// CountDown decrements the count, releasing all waiters when it
// reaches zero. Calling CountDown on an open latch does nothing.
func (l *CountDownLatch) CountDown() {
	l.sync.ReleaseShared(1)
}

// Count returns the current count.
func (l *CountDownLatch) Count() int32 {
	return l.sync.State()
}

// latchSync: shared acquire succeeds only at count zero, so the wake
// cascade on the last CountDown drains every waiter.
type latchSync struct {
	Base
	*Synchronizer
}

func (s *latchSync) TryAcquireShared(int32) int32 {
	if s.State() == 0 {
		return 1
	}
	return -1
}

func (s *latchSync) TryReleaseShared(int32) bool {
	for {
		c := s.State()
		if c == 0 {
			return false
		}
		next := c - 1
		if s.CompareAndSetState(c, next) {
			return next == 0
		}
	}
}
