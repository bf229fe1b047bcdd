// Package qsync is a queued-synchronizer framework: reentrant locks,
// read/write locks, condition variables and latches built on one
// generic blocking protocol.
//
// The core is the Synchronizer: an atomically updated int32 of state
// plus a lock-free FIFO queue of blocked goroutines. Concrete locks
// supply only the state interpretation (the Impl methods); the
// queueing, parking and cancellation machinery is shared. Exclusive
// and shared acquisition each come in blocking, context-interruptible
// and timed variants, with fair (strict arrival order) and non-fair
// (barging) policies selected at construction.
//
// Misuse such as unlocking a lock the caller does not hold panics;
// context cancellation is returned as an error; timeouts are reported
// as plain booleans since they are expected outcomes.
package qsync
