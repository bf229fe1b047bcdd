package qsync

import (
	"context"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/thetarby/qsync/internal/goid"
)

// Impl supplies the lock-specific state interpretation to a
// Synchronizer. These five methods are the only customization points:
// the queueing and blocking machinery is never duplicated per lock.
//
// TryAcquireShared returns a tri-state: negative means failure, zero
// means success with no room for further shared acquires, positive
// means success and subsequent shared waiters may also succeed.
type Impl interface {
	TryAcquire(arg int32) bool
	TryRelease(arg int32) bool
	TryAcquireShared(arg int32) int32
	TryReleaseShared(arg int32) bool
	IsHeldExclusively() bool
}

// Base provides panicking defaults for the Impl methods so a lock only
// implements the mode it supports. Embed it and shadow what you need.
type Base struct{}

func (Base) TryAcquire(int32) bool        { panic("qsync: exclusive mode not supported") }
func (Base) TryRelease(int32) bool        { panic("qsync: exclusive mode not supported") }
func (Base) TryAcquireShared(int32) int32 { panic("qsync: shared mode not supported") }
func (Base) TryReleaseShared(int32) bool  { panic("qsync: shared mode not supported") }
func (Base) IsHeldExclusively() bool      { panic("qsync: exclusive mode not supported") }

// Below roughly this much remaining time it is cheaper to spin on the
// acquire check than to arm a timer.
const spinTimeout = time.Microsecond

// Synchronizer is a blocking-synchronization framework: a single
// atomically updated int32 of state, a FIFO queue of blocked
// goroutines, and the generic acquire/release protocol connecting the
// two. Exclusive and shared modes are supported, each in plain,
// context-interruptible and timed variants.
//
// Concrete locks embed a *Synchronizer and hand it an Impl that gives
// the state integer its meaning.
type Synchronizer struct {
	impl Impl

	state int32

	// head and tail of the wait queue. Lazily initialized with a
	// dummy node on first contention; head is only replaced by the
	// goroutine that just acquired, tail only grows via CAS.
	head unsafe.Pointer // *node
	tail unsafe.Pointer // *node
}

// New returns a Synchronizer whose state is interpreted by impl.
func New(impl Impl) *Synchronizer {
	return &Synchronizer{impl: impl}
}

// State returns the current synchronizer state.
func (s *Synchronizer) State() int32 {
	return atomic.LoadInt32(&s.state)
}

// SetState stores the state unconditionally. Legal only while the
// caller holds the resource exclusively (reentrant count updates).
func (s *Synchronizer) SetState(v int32) {
	atomic.StoreInt32(&s.state, v)
}

// CompareAndSetState is the one way to transition state under
// contention.
func (s *Synchronizer) CompareAndSetState(old, v int32) bool {
	return atomic.CompareAndSwapInt32(&s.state, old, v)
}

func (s *Synchronizer) headNode() *node { return (*node)(atomic.LoadPointer(&s.head)) }
func (s *Synchronizer) tailNode() *node { return (*node)(atomic.LoadPointer(&s.tail)) }

func (s *Synchronizer) casHead(old, n *node) bool {
	return atomic.CompareAndSwapPointer(&s.head, unsafe.Pointer(old), unsafe.Pointer(n))
}

func (s *Synchronizer) casTail(old, n *node) bool {
	return atomic.CompareAndSwapPointer(&s.tail, unsafe.Pointer(old), unsafe.Pointer(n))
}

// enq appends n via CAS loop, creating the dummy head on first use.
// Returns n's predecessor.
func (s *Synchronizer) enq(n *node) *node {
	for {
		t := s.tailNode()
		if t == nil {
			// First contention: install the dummy.
			dummy := &node{}
			if s.casHead(nil, dummy) {
				atomic.StorePointer(&s.tail, unsafe.Pointer(dummy))
			}
			continue
		}
		n.setPrev(t)
		if s.casTail(t, n) {
			t.setNext(n)
			return t
		}
	}
}

// addWaiter creates and enqueues a node for the calling goroutine.
func (s *Synchronizer) addWaiter(shared bool) *node {
	n := newNode(goid.Get(), shared)
	// Fast path: try a single CAS on the current tail before falling
	// back to the full enq loop.
	if t := s.tailNode(); t != nil {
		n.setPrev(t)
		if s.casTail(t, n) {
			t.setNext(n)
			return n
		}
	}
	s.enq(n)
	return n
}

// setHead promotes n to dummy head after its goroutine acquired.
func (s *Synchronizer) setHead(n *node) {
	atomic.StorePointer(&s.head, unsafe.Pointer(n))
	n.clearGid()
	n.setPrev(nil)
}

// unparkSuccessor wakes the nearest non-cancelled successor of n.
// The next link may be stale or nil, in which case the true successor
// is found by scanning backward from the tail.
func (s *Synchronizer) unparkSuccessor(n *node) {
	if ws := n.statusLoad(); ws < 0 {
		n.statusCAS(ws, 0)
	}
	succ := n.nextNode()
	if succ == nil || succ.statusLoad() > 0 {
		succ = nil
		for t := s.tailNode(); t != nil && t != n; t = t.prevNode() {
			if t.statusLoad() <= 0 {
				succ = t
			}
		}
	}
	if succ != nil {
		succ.unpark()
	}
}

// doReleaseShared signals the head's successor and keeps the release
// propagating while new heads keep appearing. The statusPropagate CAS
// records a release that found no one to signal yet, so a later
// setHeadAndPropagate still sees it.
func (s *Synchronizer) doReleaseShared() {
	for {
		h := s.headNode()
		if h != nil && h != s.tailNode() {
			switch ws := h.statusLoad(); {
			case ws == statusSignal:
				if !h.statusCAS(statusSignal, 0) {
					continue // recheck
				}
				s.unparkSuccessor(h)
			case ws == 0 && !h.statusCAS(0, statusPropagate):
				continue
			}
		}
		if h == s.headNode() {
			return
		}
	}
}

// setHeadAndPropagate installs n as head after a shared acquire and,
// if propagation was requested or recorded, wakes the next shared
// waiter so readers drain in a cascade rather than one per release.
func (s *Synchronizer) setHeadAndPropagate(n *node, propagate int32) {
	h := s.headNode()
	s.setHead(n)
	if propagate > 0 || h == nil || h.statusLoad() < 0 {
		if next := n.nextNode(); next == nil || next.shared {
			s.doReleaseShared()
		}
		return
	}
	// The head changed under us; recheck the new one.
	if h2 := s.headNode(); h2 == nil || h2.statusLoad() < 0 {
		if next := n.nextNode(); next == nil || next.shared {
			s.doReleaseShared()
		}
	}
}

// cancelAcquire unlinks n after a failed acquire (timeout or context
// cancellation). Safe to run concurrently with enqueues and other
// cancellations; whenever the splice might have raced, the successor
// is woken explicitly so progress is never lost.
func (s *Synchronizer) cancelAcquire(n *node) {
	if n == nil {
		return
	}
	n.clearGid()

	// Skip over already-cancelled predecessors.
	pred := n.prevNode()
	for pred.statusLoad() > 0 {
		pred = pred.prevNode()
		n.setPrev(pred)
	}
	predNext := pred.nextNode()

	n.statusStore(statusCancelled)

	if n == s.tailNode() && s.casTail(n, pred) {
		pred.casNext(predNext, nil)
		return
	}
	// Not the tail: either hand the wakeup duty to the predecessor by
	// relinking it past us, or wake the successor ourselves.
	ws := pred.statusLoad()
	if pred != s.headNode() && pred.gidLoad() != 0 &&
		(ws == statusSignal || (ws <= 0 && pred.statusCAS(ws, statusSignal))) {
		if next := n.nextNode(); next != nil && next.statusLoad() <= 0 {
			pred.casNext(predNext, next)
		}
	} else {
		s.unparkSuccessor(n)
	}
	n.setNext(n) // self-link so stale traversals terminate
}

// shouldPark decides whether a failed acquire may park, ensuring the
// predecessor will signal us first. Returns false when the caller must
// retry the acquire (status was just repaired or cancelled nodes were
// skipped).
func (s *Synchronizer) shouldPark(pred, n *node) bool {
	ws := pred.statusLoad()
	if ws == statusSignal {
		return true
	}
	if ws > 0 {
		// Predecessor cancelled; splice past it and retry.
		for ws > 0 {
			pred = pred.prevNode()
			ws = pred.statusLoad()
		}
		n.setPrev(pred)
		pred.setNext(n)
		return false
	}
	// 0 or statusPropagate: request a signal, then retry once to make
	// sure the acquire really fails before parking.
	pred.statusCAS(ws, statusSignal)
	return false
}

// Acquire acquires in exclusive mode, blocking until TryAcquire
// succeeds. Never unwinds.
func (s *Synchronizer) Acquire(arg int32) {
	if s.impl.TryAcquire(arg) {
		return
	}
	s.acquireQueued(s.addWaiter(false), arg)
}

func (s *Synchronizer) acquireQueued(n *node, arg int32) {
	failed := true
	defer func() {
		if failed {
			s.cancelAcquire(n)
		}
	}()
	for {
		pred := n.prevNode()
		if pred == s.headNode() && s.impl.TryAcquire(arg) {
			s.setHead(n)
			pred.setNext(nil)
			failed = false
			return
		}
		if s.shouldPark(pred, n) {
			n.park()
		}
	}
}

// AcquireContext acquires in exclusive mode, unwinding with ctx.Err()
// if ctx is done first. On unwind the node is cancelled and spliced
// out; the error is reported exactly once.
func (s *Synchronizer) AcquireContext(ctx context.Context, arg int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.impl.TryAcquire(arg) {
		return nil
	}
	return s.doAcquireContext(ctx, arg)
}

func (s *Synchronizer) doAcquireContext(ctx context.Context, arg int32) error {
	n := s.addWaiter(false)
	failed := true
	defer func() {
		if failed {
			s.cancelAcquire(n)
		}
	}()
	for {
		pred := n.prevNode()
		if pred == s.headNode() && s.impl.TryAcquire(arg) {
			s.setHead(n)
			pred.setNext(nil)
			failed = false
			return nil
		}
		if s.shouldPark(pred, n) {
			if !n.parkContext(ctx) {
				return ctx.Err()
			}
		}
	}
}

// AcquireTimeout acquires in exclusive mode, giving up after d.
// Timeout is an expected outcome and reported as false, not an error.
func (s *Synchronizer) AcquireTimeout(arg int32, d time.Duration) bool {
	if s.impl.TryAcquire(arg) {
		return true
	}
	return s.doAcquireTimeout(arg, d)
}

func (s *Synchronizer) doAcquireTimeout(arg int32, d time.Duration) bool {
	deadline := time.Now().Add(d)
	n := s.addWaiter(false)
	failed := true
	defer func() {
		if failed {
			s.cancelAcquire(n)
		}
	}()
	for {
		pred := n.prevNode()
		if pred == s.headNode() && s.impl.TryAcquire(arg) {
			s.setHead(n)
			pred.setNext(nil)
			failed = false
			return true
		}
		rem := time.Until(deadline)
		if rem <= 0 {
			return false
		}
		if s.shouldPark(pred, n) && rem > spinTimeout {
			n.parkTimeout(rem)
		}
	}
}

// Release releases in exclusive mode. If TryRelease reports the
// resource fully free, the head's successor is woken.
func (s *Synchronizer) Release(arg int32) bool {
	if !s.impl.TryRelease(arg) {
		return false
	}
	if h := s.headNode(); h != nil && h.statusLoad() != 0 {
		s.unparkSuccessor(h)
	}
	return true
}

// AcquireShared acquires in shared mode, blocking until
// TryAcquireShared succeeds.
func (s *Synchronizer) AcquireShared(arg int32) {
	if s.impl.TryAcquireShared(arg) < 0 {
		s.doAcquireShared(arg)
	}
}

func (s *Synchronizer) doAcquireShared(arg int32) {
	n := s.addWaiter(true)
	failed := true
	defer func() {
		if failed {
			s.cancelAcquire(n)
		}
	}()
	for {
		pred := n.prevNode()
		if pred == s.headNode() {
			if r := s.impl.TryAcquireShared(arg); r >= 0 {
				s.setHeadAndPropagate(n, r)
				pred.setNext(nil)
				failed = false
				return
			}
		}
		if s.shouldPark(pred, n) {
			n.park()
		}
	}
}

// AcquireSharedContext is the context-interruptible shared acquire.
func (s *Synchronizer) AcquireSharedContext(ctx context.Context, arg int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.impl.TryAcquireShared(arg) >= 0 {
		return nil
	}
	return s.doAcquireSharedContext(ctx, arg)
}

func (s *Synchronizer) doAcquireSharedContext(ctx context.Context, arg int32) error {
	n := s.addWaiter(true)
	failed := true
	defer func() {
		if failed {
			s.cancelAcquire(n)
		}
	}()
	for {
		pred := n.prevNode()
		if pred == s.headNode() {
			if r := s.impl.TryAcquireShared(arg); r >= 0 {
				s.setHeadAndPropagate(n, r)
				pred.setNext(nil)
				failed = false
				return nil
			}
		}
		if s.shouldPark(pred, n) {
			if !n.parkContext(ctx) {
				return ctx.Err()
			}
		}
	}
}

// AcquireSharedTimeout acquires in shared mode, giving up after d.
func (s *Synchronizer) AcquireSharedTimeout(arg int32, d time.Duration) bool {
	if s.impl.TryAcquireShared(arg) >= 0 {
		return true
	}
	return s.doAcquireSharedTimeout(arg, d)
}

func (s *Synchronizer) doAcquireSharedTimeout(arg int32, d time.Duration) bool {
	deadline := time.Now().Add(d)
	n := s.addWaiter(true)
	failed := true
	defer func() {
		if failed {
			s.cancelAcquire(n)
		}
	}()
	for {
		pred := n.prevNode()
		if pred == s.headNode() {
			if r := s.impl.TryAcquireShared(arg); r >= 0 {
				s.setHeadAndPropagate(n, r)
				pred.setNext(nil)
				failed = false
				return true
			}
		}
		rem := time.Until(deadline)
		if rem <= 0 {
			return false
		}
		if s.shouldPark(pred, n) && rem > spinTimeout {
			n.parkTimeout(rem)
		}
	}
}

// ReleaseShared releases in shared mode, propagating the release
// through queued shared waiters.
func (s *Synchronizer) ReleaseShared(arg int32) bool {
	if !s.impl.TryReleaseShared(arg) {
		return false
	}
	s.doReleaseShared()
	return true
}

// HasQueued reports whether any goroutine is waiting to acquire.
// Best-effort: the answer can be stale by the time it is returned.
func (s *Synchronizer) HasQueued() bool {
	return s.headNode() != s.tailNode()
}

// HasQueuedPredecessors reports whether any goroutine other than the
// caller has been waiting longer. Fair lock policies fail their
// tryAcquire when this is true, forcing strict arrival order.
func (s *Synchronizer) HasQueuedPredecessors() bool {
	h := s.headNode()
	if h == s.tailNode() {
		return false
	}
	first := h.nextNode()
	return first == nil || first.gidLoad() != goid.Get()
}

// apparentlyFirstQueuedIsExclusive reports whether the first queued
// waiter, if any, waits in exclusive mode. A heuristic only: used by
// the non-fair read lock to avoid starving an already-queued writer,
// with no strict guarantee intended.
func (s *Synchronizer) apparentlyFirstQueuedIsExclusive() bool {
	h := s.headNode()
	if h == nil {
		return false
	}
	first := h.nextNode()
	return first != nil && !first.shared && first.gidLoad() != 0
}

// QueueLength returns a best-effort count of queued goroutines.
func (s *Synchronizer) QueueLength() int {
	n := 0
	for p := s.tailNode(); p != nil; p = p.prevNode() {
		if p.gidLoad() != 0 {
			n++
		}
	}
	return n
}

// IsQueued reports whether the goroutine with the given ID is on the
// wait queue. Best-effort, for monitoring and tests.
func (s *Synchronizer) IsQueued(gid int64) bool {
	for p := s.tailNode(); p != nil; p = p.prevNode() {
		if p.gidLoad() == gid {
			return true
		}
	}
	return false
}

// FirstQueued returns the goroutine ID of the longest-waiting queued
// goroutine, or 0 if the queue is empty. Best-effort.
func (s *Synchronizer) FirstQueued() int64 {
	h := s.headNode()
	if h == nil || h == s.tailNode() {
		return 0
	}
	if first := h.nextNode(); first != nil {
		if gid := first.gidLoad(); gid != 0 {
			return gid
		}
	}
	// next link stale; scan from the tail.
	var gid int64
	for p := s.tailNode(); p != nil && p != h; p = p.prevNode() {
		if g := p.gidLoad(); g != 0 {
			gid = g
		}
	}
	return gid
}
