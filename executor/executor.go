// Package executor provides a single-goroutine serial executor in the
// style of a network event loop: tasks submitted from any goroutine
// run one at a time, in submission order, on one dedicated goroutine.
// It doubles as the in-repo consumer of the qsync lock framework; the
// task queue is guarded by a qsync.Mutex and both the worker wakeup
// and termination handshake go through qsync conditions.
package executor

import (
	"errors"
	"time"

	"github.com/thetarby/qsync"
)

// ErrShutdown is returned by Execute after Shutdown has been called.
var ErrShutdown = errors.New("executor: shut down")

// Task is a unit of work submitted to an executor.
type Task func()

// SerialExecutor runs tasks one at a time on a dedicated goroutine.
// Execution order matches submission order. After Shutdown the
// executor drains already-queued tasks, then terminates.
type SerialExecutor struct {
	mu         *qsync.Mutex
	notEmpty   *qsync.Condition
	terminated *qsync.Condition

	// All guarded by mu.
	tasks        []Task
	shutdown     bool
	isTerminated bool
}

// New returns a started SerialExecutor.
func New() *SerialExecutor {
	mu := qsync.NewMutex()
	e := &SerialExecutor{
		mu:         mu,
		notEmpty:   mu.NewCondition(),
		terminated: mu.NewCondition(),
	}
	go e.run()
	return e
}

// Execute enqueues t for serial execution. Returns ErrShutdown if the
// executor no longer accepts work.
func (e *SerialExecutor) Execute(t Task) error {
	if t == nil {
		panic("executor: nil task")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return ErrShutdown
	}
	e.tasks = append(e.tasks, t)
	e.notEmpty.Signal()
	return nil
}

// Shutdown stops accepting new tasks. Previously submitted tasks still
// run; use AwaitTermination to wait for them.
func (e *SerialExecutor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return
	}
	e.shutdown = true
	e.notEmpty.Signal()
}

// AwaitTermination blocks until the executor has terminated or d
// elapses. Reports whether termination happened in time.
func (e *SerialExecutor) AwaitTermination(d time.Duration) bool {
	deadline := time.Now().Add(d)
	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.isTerminated {
		if !e.terminated.AwaitUntil(deadline) {
			return e.isTerminated
		}
	}
	return true
}

// IsShutdown reports whether Shutdown has been called.
func (e *SerialExecutor) IsShutdown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shutdown
}

// IsTerminated reports whether all tasks have finished after a
// shutdown.
func (e *SerialExecutor) IsTerminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isTerminated
}

// Pending returns the number of queued, not yet started tasks.
func (e *SerialExecutor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

func (e *SerialExecutor) run() {
	for {
		e.mu.Lock()
		for len(e.tasks) == 0 && !e.shutdown {
			e.notEmpty.AwaitUninterruptibly()
		}
		if len(e.tasks) == 0 {
			// Shut down and drained.
			e.isTerminated = true
			e.terminated.SignalAll()
			e.mu.Unlock()
			return
		}
		t := e.tasks[0]
		e.tasks[0] = nil
		e.tasks = e.tasks[1:]
		e.mu.Unlock()

		runTask(t)
	}
}

// runTask isolates a task panic so it cannot kill the loop; remaining
// tasks still run.
func runTask(t Task) {
	defer func() { recover() }()
	t()
}
