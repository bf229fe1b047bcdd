package qsync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/thetarby/qsync/internal/goid"
)

// Mutex is a reentrant mutual-exclusion lock. The synchronizer state
// is the hold count: 0 means unlocked, n > 0 means the owner acquired
// n times and must unlock n times.
//
// The default policy allows barging: a goroutine arriving at an
// uncontended moment may acquire ahead of queued waiters, trading
// fairness for throughput. NewFairMutex forces strict arrival order.
//
// Mutex satisfies sync.Locker.
type Mutex struct {
	sync *mutexSync
}

// NewMutex returns a non-fair reentrant mutex.
func NewMutex() *Mutex {
	return &Mutex{sync: newMutexSync(false)}
}

// NewFairMutex returns a reentrant mutex that grants the lock in
// strict arrival order.
func NewFairMutex() *Mutex {
	return &Mutex{sync: newMutexSync(true)}
}

// Lock acquires the mutex, blocking until it is available. Reentrant:
// the owner may lock again, increasing the hold count.
func (m *Mutex) Lock() {
	m.sync.Acquire(1)
}

// LockContext acquires the mutex unless ctx is done first, in which
// case it returns ctx's error without holding the lock.
func (m *Mutex) LockContext(ctx context.Context) error {
	return m.sync.AcquireContext(ctx, 1)
}

// TryLock acquires the mutex only if it is free or already held by the
// caller. Barges regardless of fairness policy.
func (m *Mutex) TryLock() bool {
	return m.sync.tryBarge(1)
}

// TryLockTimeout acquires the mutex, giving up after d. Returns false
// on timeout with the hold count unaffected.
func (m *Mutex) TryLockTimeout(d time.Duration) bool {
	return m.sync.AcquireTimeout(1, d)
}

// Unlock decrements the hold count, releasing the mutex when it
// reaches zero. Panics if the caller does not hold the mutex.
func (m *Mutex) Unlock() {
	m.sync.Release(1)
}

// HoldCount returns the caller's hold count, or 0 if the caller does
// not hold the mutex.
func (m *Mutex) HoldCount() int {
	if !m.sync.IsHeldExclusively() {
		return 0
	}
	return int(m.sync.State())
}

// IsLocked reports whether any goroutine holds the mutex.
func (m *Mutex) IsLocked() bool {
	return m.sync.State() != 0
}

// IsHeldByCaller reports whether the calling goroutine holds the
// mutex.
func (m *Mutex) IsHeldByCaller() bool {
	return m.sync.IsHeldExclusively()
}

// IsFair reports whether this mutex grants the lock in arrival order.
func (m *Mutex) IsFair() bool {
	return m.sync.fair
}

// HasQueued reports whether any goroutine is waiting for this mutex.
// Best-effort.
func (m *Mutex) HasQueued() bool {
	return m.sync.HasQueued()
}

// QueueLength returns a best-effort count of goroutines waiting for
// this mutex.
func (m *Mutex) QueueLength() int {
	return m.sync.QueueLength()
}

// NewCondition returns a condition variable bound to this mutex.
func (m *Mutex) NewCondition() *Condition {
	return m.sync.NewCondition()
}

// mutexSync interprets the synchronizer state as a reentrant hold
// count and tracks the owning goroutine.
type mutexSync struct {
	Base
	*Synchronizer
	fair  bool
	owner int64 // gid of the exclusive holder, 0 when free
}

func newMutexSync(fair bool) *mutexSync {
	s := &mutexSync{fair: fair}
	s.Synchronizer = New(s)
	return s
}

func (s *mutexSync) ownerLoad() int64   { return atomic.LoadInt64(&s.owner) }
func (s *mutexSync) setOwner(gid int64) { atomic.StoreInt64(&s.owner, gid) }

func (s *mutexSync) TryAcquire(acquires int32) bool {
	gid := goid.Get()
	c := s.State()
	if c == 0 {
		if s.fair && s.HasQueuedPredecessors() {
			return false
		}
		if s.CompareAndSetState(0, acquires) {
			s.setOwner(gid)
			return true
		}
		return false
	}
	if s.ownerLoad() == gid {
		next := c + acquires
		if next < 0 {
			panic("qsync: maximum lock count exceeded")
		}
		s.SetState(next)
		return true
	}
	return false
}

// tryBarge is TryAcquire minus the fairness check, used by TryLock.
func (s *mutexSync) tryBarge(acquires int32) bool {
	gid := goid.Get()
	c := s.State()
	if c == 0 {
		if s.CompareAndSetState(0, acquires) {
			s.setOwner(gid)
			return true
		}
		return false
	}
	if s.ownerLoad() == gid {
		next := c + acquires
		if next < 0 {
			panic("qsync: maximum lock count exceeded")
		}
		s.SetState(next)
		return true
	}
	return false
}

func (s *mutexSync) TryRelease(releases int32) bool {
	if s.ownerLoad() != goid.Get() {
		panic("qsync: unlock of mutex not held by caller")
	}
	c := s.State() - releases
	free := c == 0
	if free {
		s.setOwner(0)
	}
	s.SetState(c)
	return free
}

func (s *mutexSync) IsHeldExclusively() bool {
	return s.ownerLoad() == goid.Get()
}
