package strand

import (
	"sync"

	"github.com/eapache/queue"
)

// drainBatch bounds how many tasks one drain runs before yielding its worker.
const drainBatch = 64

// Strand runs posted functions one at a time in post order. A Strand with a
// nil or closed Executor drains on goroutines of its own, so callbacks posted
// during shutdown still run.
type Strand struct {
	exec *Executor

	mu      sync.Mutex
	pending *queue.Queue
	running bool
}

// New returns a Strand scheduled on exec.
func New(exec *Executor) *Strand {
	return &Strand{
		exec:    exec,
		pending: queue.New(),
	}
}

// Post enqueues fn. It never blocks and never runs fn inline.
func (s *Strand) Post(fn func()) {
	s.mu.Lock()
	s.pending.Add(fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.schedule()
}

// Call posts fn and waits for it to return. Calling it from a function
// already running on s deadlocks.
func (s *Strand) Call(fn func()) {
	done := make(chan struct{})
	s.Post(func() {
		defer close(done)
		fn()
	})
	<-done
}

// Pending returns the number of queued functions that have not started.
func (s *Strand) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Length()
}

func (s *Strand) schedule() {
	if s.exec != nil && s.exec.Submit(s.drain) == nil {
		return
	}

	go s.drain()
}

func (s *Strand) drain() {
	for i := 0; i < drainBatch; i++ {
		s.mu.Lock()
		if s.pending.Length() == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		fn := s.pending.Remove().(func())
		s.mu.Unlock()

		fn()
	}

	s.schedule()
}
