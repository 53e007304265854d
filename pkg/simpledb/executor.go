package simpledb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/dittosdb/internal/logger"
)

// ErrExecutorClosed is returned by Dispatch once an executor has been closed.
var ErrExecutorClosed = errors.New("simpledb: executor closed")

// Executor runs tasks one at a time, in submission order, on a single
// dedicated goroutine.
//
// The mailbox is unbounded so that Dispatch never blocks: the control and
// I/O executors post to each other, and a bounded queue on either side could
// deadlock the pair.
type Executor struct {
	name string

	mu      sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

// NewExecutor starts an executor goroutine.
func NewExecutor(name string) *Executor {
	e := &Executor{
		name:    name,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go e.run()
	return e
}

// Name returns the name the executor was created with.
func (e *Executor) Name() string {
	return e.name
}

// Dispatch queues task for execution. It never blocks.
func (e *Executor) Dispatch(task func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExecutorClosed, e.name)
	}
	e.queue = append(e.queue, task)
	select {
	case e.wake <- struct{}{}:
	default:
	}
	e.mu.Unlock()
	return nil
}

// Call runs task on the executor and waits for it to return.
// It must not be called from a task running on the same executor.
func (e *Executor) Call(task func()) error {
	done := make(chan struct{})
	if err := e.Dispatch(func() {
		defer close(done)
		task()
	}); err != nil {
		return err
	}
	<-done
	return nil
}

// Close stops accepting tasks, runs whatever is already queued, and waits
// for the executor goroutine to exit. Tasks queued by the drained tasks
// themselves are rejected.
func (e *Executor) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.wake)
	}
	e.mu.Unlock()

	<-e.stopped
}

func (e *Executor) run() {
	defer close(e.stopped)

	for {
		_, open := <-e.wake

		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			task := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.mu.Unlock()

			e.runTask(task)
		}

		if !open {
			return
		}
	}
}

func (e *Executor) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Executor task panicked", logger.KeyComponent, e.name, "panic", r)
			panic(r)
		}
	}()
	task()
}
