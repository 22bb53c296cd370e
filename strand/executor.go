// Package strand provides serialized execution contexts on top of a shared
// worker pool. Work posted to one Strand never runs concurrently with other
// work on the same Strand, while many strands share a small set of workers.
package strand

import (
	"errors"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrExecutorClosed is returned by Submit after Close.
var ErrExecutorClosed = errors.New("executor closed")

// tasksPerWorker sizes the submission buffer.
const tasksPerWorker = 256

// Executor is a fixed pool of worker goroutines. Submit never blocks: when
// the pool is saturated the task runs on a goroutine of its own.
type Executor struct {
	tasks   chan func()
	workers int

	mu     sync.RWMutex
	closed bool

	group errgroup.Group
	once  sync.Once
}

// NewExecutor starts a pool of workers. A non-positive count selects
// runtime.NumCPU().
//
// Parameters:
//   - workers: Number of worker goroutines
//
// Returns:
//   - A running Executor; call Close to stop it
func NewExecutor(workers int) *Executor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	e := &Executor{
		tasks:   make(chan func(), workers*tasksPerWorker),
		workers: workers,
	}

	for i := 0; i < workers; i++ {
		e.group.Go(func() error {
			for task := range e.tasks {
				task()
			}

			return nil
		})
	}

	return e
}

// Workers returns the size of the pool.
func (e *Executor) Workers() int {
	return e.workers
}

// Submit schedules task for execution.
//
// Returns:
//   - ErrExecutorClosed if Close has been called
func (e *Executor) Submit(task func()) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return ErrExecutorClosed
	}

	select {
	case e.tasks <- task:
	default:
		go task()
	}

	return nil
}

// Close stops accepting tasks, lets the workers finish what was already
// submitted and waits for them to exit. It must not be called from a task
// running on this executor. Calling Close more than once is safe.
func (e *Executor) Close() error {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.tasks)
		e.mu.Unlock()
	})

	return e.group.Wait()
}
