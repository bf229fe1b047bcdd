package qsync

import (
	"context"
	"sync/atomic"
	"time"
	"unsafe"
)

// Node wait statuses. A node's status only ever moves forward along
// 0 -> signal/propagate or -> cancelled; condition nodes start at
// statusCondition and are reset to 0 when transferred to the sync queue.
const (
	// statusCancelled means the waiter gave up (timeout or context
	// cancellation). Terminal; the node is spliced out lazily.
	statusCancelled int32 = 1
	// statusSignal means the successor is (or soon will be) parked, so
	// the current node must wake it when it releases or cancels.
	statusSignal int32 = -1
	// statusCondition marks a node sitting on a condition's private
	// wait list rather than on the sync queue.
	statusCondition int32 = -2
	// statusPropagate records, on the head, that a shared release must
	// propagate to further shared waiters even if no one needs a
	// signal right now.
	statusPropagate int32 = -3
)

// node is one blocked (or about to block) goroutine in the wait queue.
//
// prev is valid from the moment the node is linked in; next is an
// optimistic hint that may lag behind, so consumers needing the true
// successor must be prepared to scan backward from the tail. The
// dummy head created on first contention carries gid 0 and never parks.
type node struct {
	status int32

	prev unsafe.Pointer // *node
	next unsafe.Pointer // *node

	// gid identifies the goroutine to wake. Cleared when the node
	// becomes head or is cancelled.
	gid int64

	// shared distinguishes shared-mode waiters from exclusive ones.
	// Immutable after creation.
	shared bool

	// parker holds at most one wakeup token. An unpark delivered
	// before the park simply leaves the token for the next park to
	// consume, so the wakeup is never lost.
	parker chan struct{}

	// nextWaiter links nodes on a condition's singly-linked wait
	// list. Only touched while holding the associated lock.
	nextWaiter *node
}

func newNode(gid int64, shared bool) *node {
	return &node{gid: gid, shared: shared, parker: make(chan struct{}, 1)}
}

func (n *node) statusLoad() int32   { return atomic.LoadInt32(&n.status) }
func (n *node) statusStore(v int32) { atomic.StoreInt32(&n.status, v) }
func (n *node) statusCAS(old, v int32) bool {
	return atomic.CompareAndSwapInt32(&n.status, old, v)
}

func (n *node) prevNode() *node { return (*node)(atomic.LoadPointer(&n.prev)) }
func (n *node) setPrev(p *node) { atomic.StorePointer(&n.prev, unsafe.Pointer(p)) }
func (n *node) nextNode() *node { return (*node)(atomic.LoadPointer(&n.next)) }
func (n *node) setNext(p *node) { atomic.StorePointer(&n.next, unsafe.Pointer(p)) }
func (n *node) casNext(old, p *node) bool {
	return atomic.CompareAndSwapPointer(&n.next, unsafe.Pointer(old), unsafe.Pointer(p))
}

func (n *node) gidLoad() int64 { return atomic.LoadInt64(&n.gid) }
func (n *node) clearGid()      { atomic.StoreInt64(&n.gid, 0) }

// unpark hands the node's goroutine a wakeup token. Dropping the token
// when one is already pending is fine: park consumes a single token no
// matter how many unparks raced in.
func (n *node) unpark() {
	select {
	case n.parker <- struct{}{}:
	default:
	}
}

// park blocks until an unpark token arrives.
func (n *node) park() {
	<-n.parker
}

// parkContext blocks until an unpark token arrives or ctx is done.
// Reports whether a token was consumed.
func (n *node) parkContext(ctx context.Context) bool {
	select {
	case <-n.parker:
		return true
	case <-ctx.Done():
		return false
	}
}

// parkTimeout blocks for at most d. Reports whether a token was
// consumed; false means the timer fired first.
func (n *node) parkTimeout(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-n.parker:
		return true
	case <-t.C:
		return false
	}
}
