package qsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/thetarby/qsync/internal/goid"
)

// State layout for the read/write lock: the low 16 bits hold the
// writer's reentrant hold count, the high 16 bits the number of read
// holds across all goroutines.
const (
	sharedShift   = 16
	sharedUnit    = 1 << sharedShift
	maxHoldCount  = sharedUnit - 1
	exclusiveMask = sharedUnit - 1
)

func sharedCount(c int32) int32    { return int32(uint32(c) >> sharedShift) }
func exclusiveCount(c int32) int32 { return c & exclusiveMask }

// RWMutex is a reentrant read/write lock. Any number of goroutines may
// hold the read lock while no goroutine holds the write lock; the
// write lock is exclusive and reentrant. The writer may take the read
// lock and then release the write lock (downgrade); upgrading a read
// hold to a write hold is never allowed and simply fails to acquire.
//
// The default policy barges. A non-fair reader still blocks when the
// goroutine at the head of the queue apparently waits for the write
// lock, so queued writers are not starved by a stream of new readers;
// this is a heuristic, not a strict guarantee. NewFairRWMutex makes
// both sides queue in strict arrival order.
type RWMutex struct {
	sync *rwSync
}

// NewRWMutex returns a non-fair reentrant read/write lock.
func NewRWMutex() *RWMutex {
	return &RWMutex{sync: newRWSync(false)}
}

// NewFairRWMutex returns a read/write lock granting both modes in
// strict arrival order.
func NewFairRWMutex() *RWMutex {
	return &RWMutex{sync: newRWSync(true)}
}

// Lock acquires the write lock, blocking while any other goroutine
// holds the lock in either mode.
func (rw *RWMutex) Lock() {
	rw.sync.Acquire(1)
}

// LockContext acquires the write lock unless ctx is done first.
func (rw *RWMutex) LockContext(ctx context.Context) error {
	return rw.sync.AcquireContext(ctx, 1)
}

// TryLock acquires the write lock only if no other goroutine holds the
// lock in either mode. Barges regardless of fairness policy.
func (rw *RWMutex) TryLock() bool {
	return rw.sync.tryWriteBarge()
}

// TryLockTimeout acquires the write lock, giving up after d.
func (rw *RWMutex) TryLockTimeout(d time.Duration) bool {
	return rw.sync.AcquireTimeout(1, d)
}

// Unlock releases one write hold, freeing the lock when the write hold
// count reaches zero. Panics if the caller does not hold the write
// lock.
func (rw *RWMutex) Unlock() {
	rw.sync.Release(1)
}

// RLock acquires the read lock, blocking while another goroutine holds
// the write lock.
func (rw *RWMutex) RLock() {
	rw.sync.AcquireShared(1)
}

// RLockContext acquires the read lock unless ctx is done first.
func (rw *RWMutex) RLockContext(ctx context.Context) error {
	return rw.sync.AcquireSharedContext(ctx, 1)
}

// TryRLock acquires the read lock only if the write lock is not held
// by another goroutine. Barges regardless of fairness policy.
func (rw *RWMutex) TryRLock() bool {
	return rw.sync.tryReadBarge()
}

// TryRLockTimeout acquires the read lock, giving up after d.
func (rw *RWMutex) TryRLockTimeout(d time.Duration) bool {
	return rw.sync.AcquireSharedTimeout(1, d)
}

// RUnlock releases one read hold. Panics if the caller holds no read
// lock.
func (rw *RWMutex) RUnlock() {
	rw.sync.ReleaseShared(1)
}

// RLocker returns a sync.Locker that implements Lock and Unlock by
// calling rw.RLock and rw.RUnlock.
func (rw *RWMutex) RLocker() sync.Locker {
	return (*rlocker)(rw)
}

type rlocker RWMutex

func (r *rlocker) Lock()   { (*RWMutex)(r).RLock() }
func (r *rlocker) Unlock() { (*RWMutex)(r).RUnlock() }

// NewCondition returns a condition variable bound to the write lock.
func (rw *RWMutex) NewCondition() *Condition {
	return rw.sync.NewCondition()
}

// ReadCount returns the total number of read holds across all
// goroutines.
func (rw *RWMutex) ReadCount() int {
	return int(sharedCount(rw.sync.State()))
}

// ReadHoldCount returns the calling goroutine's read hold count.
func (rw *RWMutex) ReadHoldCount() int {
	return rw.sync.readHoldCount(goid.Get())
}

// WriteHoldCount returns the caller's write hold count, or 0 if the
// caller does not hold the write lock.
func (rw *RWMutex) WriteHoldCount() int {
	if !rw.sync.IsHeldExclusively() {
		return 0
	}
	return int(exclusiveCount(rw.sync.State()))
}

// IsWriteLocked reports whether any goroutine holds the write lock.
func (rw *RWMutex) IsWriteLocked() bool {
	return exclusiveCount(rw.sync.State()) != 0
}

// IsWriteLockedByCaller reports whether the calling goroutine holds
// the write lock.
func (rw *RWMutex) IsWriteLockedByCaller() bool {
	return rw.sync.IsHeldExclusively()
}

// IsFair reports whether this lock grants both modes in arrival order.
func (rw *RWMutex) IsFair() bool {
	return rw.sync.fair
}

// HasQueued reports whether any goroutine is waiting for either mode.
// Best-effort.
func (rw *RWMutex) HasQueued() bool {
	return rw.sync.HasQueued()
}

// QueueLength returns a best-effort count of goroutines waiting for
// either mode.
func (rw *RWMutex) QueueLength() int {
	return rw.sync.QueueLength()
}

// holdCounter tracks one goroutine's read holds. The count is only
// ever touched by the owning goroutine; cross-goroutine visibility of
// the pointer goes through the map or the atomic cache slot.
type holdCounter struct {
	gid   int64
	count int32
}

// rwSync interprets the synchronizer state as the packed read/write
// counts. Per-goroutine read holds are tracked with a first-reader
// fast path, a cached-last-reader fast path and a concurrent map as
// the fallback; this is an optimization over a single global counter,
// not required for mutual exclusion.
type rwSync struct {
	*Synchronizer
	fair  bool
	owner int64 // gid of the write holder, 0 when free

	// firstReader is the goroutine that last took the shared count
	// from 0 to 1 and has not fully released since. Its hold count
	// lives outside the map so an uncontended single reader never
	// touches the map.
	firstReader     int64
	firstReaderHold int32 // only touched by the firstReader goroutine

	cachedHold unsafe.Pointer // *holdCounter of the last reader to acquire
	readHolds  sync.Map       // gid -> *holdCounter
}

func newRWSync(fair bool) *rwSync {
	s := &rwSync{fair: fair}
	s.Synchronizer = New(s)
	return s
}

func (s *rwSync) ownerLoad() int64   { return atomic.LoadInt64(&s.owner) }
func (s *rwSync) setOwner(gid int64) { atomic.StoreInt64(&s.owner, gid) }

func (s *rwSync) firstReaderLoad() int64   { return atomic.LoadInt64(&s.firstReader) }
func (s *rwSync) setFirstReader(gid int64) { atomic.StoreInt64(&s.firstReader, gid) }

func (s *rwSync) cachedLoad() *holdCounter {
	return (*holdCounter)(atomic.LoadPointer(&s.cachedHold))
}

func (s *rwSync) cacheStore(h *holdCounter) {
	atomic.StorePointer(&s.cachedHold, unsafe.Pointer(h))
}

// readHold returns the caller's counter, creating and registering one
// if needed.
func (s *rwSync) readHold(gid int64) *holdCounter {
	if v, ok := s.readHolds.Load(gid); ok {
		return v.(*holdCounter)
	}
	v, _ := s.readHolds.LoadOrStore(gid, &holdCounter{gid: gid})
	return v.(*holdCounter)
}

// peekReadHold returns the caller's counter or nil, without creating.
func (s *rwSync) peekReadHold(gid int64) *holdCounter {
	if v, ok := s.readHolds.Load(gid); ok {
		return v.(*holdCounter)
	}
	return nil
}

func (s *rwSync) readHoldCount(gid int64) int {
	if s.firstReaderLoad() == gid {
		return int(s.firstReaderHold)
	}
	if rh := s.cachedLoad(); rh != nil && rh.gid == gid {
		return int(rh.count)
	}
	if rh := s.peekReadHold(gid); rh != nil {
		return int(rh.count)
	}
	return 0
}

func (s *rwSync) readerShouldBlock() bool {
	if s.fair {
		return s.HasQueuedPredecessors()
	}
	return s.apparentlyFirstQueuedIsExclusive()
}

func (s *rwSync) writerShouldBlock() bool {
	if s.fair {
		return s.HasQueuedPredecessors()
	}
	return false
}

func (s *rwSync) TryAcquire(acquires int32) bool {
	gid := goid.Get()
	c := s.State()
	w := exclusiveCount(c)
	if c != 0 {
		// Readers hold the lock, or a writer does. Only a reentrant
		// write acquire by the owner may proceed; in particular a
		// goroutine holding only read locks can never upgrade.
		if w == 0 || s.ownerLoad() != gid {
			return false
		}
		if w+acquires > maxHoldCount {
			panic("qsync: maximum write lock count exceeded")
		}
		s.SetState(c + acquires)
		return true
	}
	if s.writerShouldBlock() || !s.CompareAndSetState(c, c+acquires) {
		return false
	}
	s.setOwner(gid)
	return true
}

func (s *rwSync) TryRelease(releases int32) bool {
	if s.ownerLoad() != goid.Get() {
		panic("qsync: write unlock of rwmutex not write-held by caller")
	}
	next := s.State() - releases
	free := exclusiveCount(next) == 0
	if free {
		s.setOwner(0)
	}
	s.SetState(next)
	return free
}

func (s *rwSync) TryAcquireShared(int32) int32 {
	gid := goid.Get()
	c := s.State()
	if exclusiveCount(c) != 0 && s.ownerLoad() != gid {
		return -1
	}
	r := sharedCount(c)
	if !s.readerShouldBlock() && r < maxHoldCount &&
		s.CompareAndSetState(c, c+sharedUnit) {
		s.noteReadAcquire(gid, r)
		return 1
	}
	return s.fullTryAcquireShared(gid)
}

// fullTryAcquireShared is the slow path handling CAS misses and the
// reader-should-block heuristic, which must not fail a reentrant read:
// the caller already holds read locks, and failing it would deadlock
// against the very writer the heuristic favors.
func (s *rwSync) fullTryAcquireShared(gid int64) int32 {
	var rh *holdCounter
	for {
		c := s.State()
		if exclusiveCount(c) != 0 {
			if s.ownerLoad() != gid {
				return -1
			}
		} else if s.readerShouldBlock() {
			if s.firstReaderLoad() != gid {
				if rh == nil {
					rh = s.cachedLoad()
					if rh == nil || rh.gid != gid {
						rh = s.peekReadHold(gid)
					}
				}
				if rh == nil || rh.count == 0 {
					return -1
				}
			}
		}
		if sharedCount(c) == maxHoldCount {
			panic("qsync: maximum read lock count exceeded")
		}
		if s.CompareAndSetState(c, c+sharedUnit) {
			s.noteReadAcquire(gid, sharedCount(c))
			return 1
		}
	}
}

// noteReadAcquire records one read hold for gid; r is the shared count
// observed just before the successful CAS.
func (s *rwSync) noteReadAcquire(gid int64, r int32) {
	if r == 0 {
		s.setFirstReader(gid)
		s.firstReaderHold = 1
		return
	}
	if s.firstReaderLoad() == gid {
		s.firstReaderHold++
		return
	}
	rh := s.cachedLoad()
	if rh == nil || rh.gid != gid {
		rh = s.readHold(gid)
		s.cacheStore(rh)
	} else if rh.count == 0 {
		// A fully released counter was dropped from the map but is
		// still cached; put it back before counting against it.
		s.readHolds.Store(gid, rh)
	}
	rh.count++
}

func (s *rwSync) TryReleaseShared(int32) bool {
	gid := goid.Get()
	if s.firstReaderLoad() == gid {
		if s.firstReaderHold == 1 {
			s.setFirstReader(0)
		} else {
			s.firstReaderHold--
		}
	} else {
		rh := s.cachedLoad()
		if rh == nil || rh.gid != gid {
			rh = s.peekReadHold(gid)
		}
		if rh == nil || rh.count <= 0 {
			panic("qsync: read unlock of rwmutex not read-held by caller")
		}
		rh.count--
		if rh.count == 0 {
			s.readHolds.Delete(gid)
		}
	}
	for {
		c := s.State()
		next := c - sharedUnit
		if s.CompareAndSetState(c, next) {
			// Releasing a read hold has no effect on other readers; a
			// fully free lock must wake a waiting writer.
			return next == 0
		}
	}
}

func (s *rwSync) IsHeldExclusively() bool {
	return s.ownerLoad() == goid.Get()
}

// tryWriteBarge acquires the write lock if immediately available,
// ignoring both the queue and the fairness policy.
func (s *rwSync) tryWriteBarge() bool {
	gid := goid.Get()
	c := s.State()
	if c != 0 {
		w := exclusiveCount(c)
		if w == 0 || s.ownerLoad() != gid {
			return false
		}
		if w == maxHoldCount {
			panic("qsync: maximum write lock count exceeded")
		}
	}
	if !s.CompareAndSetState(c, c+1) {
		return false
	}
	s.setOwner(gid)
	return true
}

// tryReadBarge acquires the read lock if the write lock is free or
// held by the caller, ignoring the queue and the fairness policy.
func (s *rwSync) tryReadBarge() bool {
	gid := goid.Get()
	for {
		c := s.State()
		if exclusiveCount(c) != 0 && s.ownerLoad() != gid {
			return false
		}
		r := sharedCount(c)
		if r == maxHoldCount {
			panic("qsync: maximum read lock count exceeded")
		}
		if s.CompareAndSetState(c, c+sharedUnit) {
			s.noteReadAcquire(gid, r)
			return true
		}
	}
}
