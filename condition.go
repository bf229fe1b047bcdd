package qsync

import (
	"context"
	"runtime"
	"time"

	"github.com/thetarby/qsync/internal/goid"
)

// Condition is a wait list bound to a Synchronizer held in exclusive
// mode. Await atomically releases the full hold and blocks; Signal
// moves the longest waiter over to the sync queue so the normal
// release path wakes it. The hold count saved on entry is restored
// before any Await variant returns, including on cancellation.
//
// Wakeups can be spurious: callers must re-check their predicate in a
// loop around every Await.
type Condition struct {
	s *Synchronizer

	// Private wait list, disjoint from the sync queue. Only touched
	// while the synchronizer is held exclusively.
	firstWaiter *node
	lastWaiter  *node
}

// NewCondition returns a Condition bound to s. The synchronizer's Impl
// must support exclusive mode.
func (s *Synchronizer) NewCondition() *Condition {
	return &Condition{s: s}
}

func (c *Condition) checkOwner() {
	if !c.s.impl.IsHeldExclusively() {
		panic("qsync: condition used without holding the lock")
	}
}

// addWaiter appends a new condition node for the caller, pruning
// cancelled waiters from the tail first if needed.
func (c *Condition) addWaiter() *node {
	t := c.lastWaiter
	if t != nil && t.statusLoad() != statusCondition {
		c.unlinkCancelledWaiters()
		t = c.lastWaiter
	}
	n := newNode(goid.Get(), false)
	n.statusStore(statusCondition)
	if t == nil {
		c.firstWaiter = n
	} else {
		t.nextWaiter = n
	}
	c.lastWaiter = n
	return n
}

// unlinkCancelledWaiters sweeps the wait list, dropping nodes no
// longer in condition state. Called only while holding the lock.
func (c *Condition) unlinkCancelledWaiters() {
	var trail *node
	t := c.firstWaiter
	for t != nil {
		next := t.nextWaiter
		if t.statusLoad() != statusCondition {
			t.nextWaiter = nil
			if trail == nil {
				c.firstWaiter = next
			} else {
				trail.nextWaiter = next
			}
			if next == nil {
				c.lastWaiter = trail
			}
		} else {
			trail = t
		}
		t = next
	}
}

// Await blocks until signalled or ctx is done, releasing the lock
// while waiting. The lock is re-acquired with the saved hold count
// before Await returns, even when it returns ctx's error.
func (c *Condition) Await(ctx context.Context) error {
	c.checkOwner()
	if err := ctx.Err(); err != nil {
		return err
	}
	n := c.addWaiter()
	saved := c.s.fullyRelease(n)
	var err error
	for !c.s.isOnSyncQueue(n) {
		if n.parkContext(ctx) {
			continue
		}
		// ctx fired. Race the cancellation against a concurrent
		// signal; either way the node ends up on the sync queue and
		// the lock below is re-acquired before reporting.
		c.s.transferAfterCancelledWait(n)
		err = ctx.Err()
		break
	}
	c.s.acquireQueued(n, saved)
	if n.nextWaiter != nil {
		c.unlinkCancelledWaiters()
	}
	return err
}

// AwaitUninterruptibly blocks until signalled, releasing the lock
// while waiting.
func (c *Condition) AwaitUninterruptibly() {
	c.checkOwner()
	n := c.addWaiter()
	saved := c.s.fullyRelease(n)
	for !c.s.isOnSyncQueue(n) {
		n.park()
	}
	c.s.acquireQueued(n, saved)
}

// AwaitTimeout blocks until signalled or d elapses and returns the
// time remaining; zero or negative means the wait timed out.
func (c *Condition) AwaitTimeout(d time.Duration) time.Duration {
	deadline := time.Now().Add(d)
	c.awaitDeadline(deadline)
	return time.Until(deadline)
}

// AwaitUntil blocks until signalled or the deadline passes. Reports
// whether the wait was signalled (false means the deadline elapsed
// first).
func (c *Condition) AwaitUntil(deadline time.Time) bool {
	return c.awaitDeadline(deadline)
}

// awaitDeadline is the shared timed wait. Reports whether the node was
// signalled rather than timed out.
func (c *Condition) awaitDeadline(deadline time.Time) bool {
	c.checkOwner()
	n := c.addWaiter()
	saved := c.s.fullyRelease(n)
	signalled := true
	for !c.s.isOnSyncQueue(n) {
		rem := time.Until(deadline)
		if rem <= 0 {
			// transferAfterCancelledWait reports true when the
			// timeout won the race against a signal.
			signalled = !c.s.transferAfterCancelledWait(n)
			break
		}
		if rem > spinTimeout {
			n.parkTimeout(rem)
		}
	}
	c.s.acquireQueued(n, saved)
	if n.nextWaiter != nil {
		c.unlinkCancelledWaiters()
	}
	return signalled
}

// Signal moves the longest-waiting node to the sync queue. The caller
// must hold the lock exclusively.
func (c *Condition) Signal() {
	c.checkOwner()
	if first := c.firstWaiter; first != nil {
		c.doSignal(first)
	}
}

// SignalAll transfers every waiting node to the sync queue.
func (c *Condition) SignalAll() {
	c.checkOwner()
	if first := c.firstWaiter; first != nil {
		c.doSignalAll(first)
	}
}

func (c *Condition) doSignal(first *node) {
	for first != nil {
		c.firstWaiter = first.nextWaiter
		if c.firstWaiter == nil {
			c.lastWaiter = nil
		}
		first.nextWaiter = nil
		if c.s.transferForSignal(first) {
			return
		}
		first = c.firstWaiter
	}
}

func (c *Condition) doSignalAll(first *node) {
	c.firstWaiter = nil
	c.lastWaiter = nil
	for first != nil {
		next := first.nextWaiter
		first.nextWaiter = nil
		c.s.transferForSignal(first)
		first = next
	}
}

// HasWaiters reports whether any goroutine is waiting on this
// condition. The caller must hold the lock exclusively.
func (c *Condition) HasWaiters() bool {
	c.checkOwner()
	for w := c.firstWaiter; w != nil; w = w.nextWaiter {
		if w.statusLoad() == statusCondition {
			return true
		}
	}
	return false
}

// WaitQueueLength returns the number of goroutines waiting on this
// condition. The caller must hold the lock exclusively.
func (c *Condition) WaitQueueLength() int {
	c.checkOwner()
	n := 0
	for w := c.firstWaiter; w != nil; w = w.nextWaiter {
		if w.statusLoad() == statusCondition {
			n++
		}
	}
	return n
}

// fullyRelease drops the entire saved hold so the waiter can block,
// returning the count to restore on reacquire.
func (s *Synchronizer) fullyRelease(n *node) int32 {
	saved := s.State()
	if s.Release(saved) {
		return saved
	}
	n.statusStore(statusCancelled)
	panic("qsync: condition used without holding the lock")
}

// isOnSyncQueue reports whether a node signalled off a condition has
// made it onto the sync queue.
func (s *Synchronizer) isOnSyncQueue(n *node) bool {
	if n.statusLoad() == statusCondition || n.prevNode() == nil {
		return false
	}
	if n.nextNode() != nil {
		return true
	}
	// prev is set but the enqueue CAS may not have completed; confirm
	// by scanning from the tail.
	return s.findNodeFromTail(n)
}

func (s *Synchronizer) findNodeFromTail(n *node) bool {
	for t := s.tailNode(); t != nil; t = t.prevNode() {
		if t == n {
			return true
		}
	}
	return false
}

// transferForSignal moves a condition node to the sync queue. Returns
// false if the node was already cancelled by a racing timeout or
// context cancellation.
func (s *Synchronizer) transferForSignal(n *node) bool {
	if !n.statusCAS(statusCondition, 0) {
		return false
	}
	pred := s.enq(n)
	ws := pred.statusLoad()
	if ws > 0 || !pred.statusCAS(ws, statusSignal) {
		// Predecessor cancelled or the status repair lost a race;
		// wake the waiter so it resynchronizes on the queue itself.
		n.unpark()
	}
	return true
}

// transferAfterCancelledWait enqueues a node whose wait was cancelled.
// Returns true if the cancellation beat any signal; false means a
// signal already took the node, in which case this spins briefly until
// the signal's enqueue completes.
func (s *Synchronizer) transferAfterCancelledWait(n *node) bool {
	if n.statusCAS(statusCondition, 0) {
		s.enq(n)
		return true
	}
	for !s.isOnSyncQueue(n) {
		runtime.Gosched()
	}
	return false
}
