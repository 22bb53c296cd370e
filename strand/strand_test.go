package strand

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, workers int) *Executor {
	t.Helper()

	e := NewExecutor(workers)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestExecutor(t *testing.T) {
	t.Run("default worker count", func(t *testing.T) {
		e := newTestExecutor(t, 0)
		assert.Equal(t, runtime.NumCPU(), e.Workers())
	})

	t.Run("runs submitted tasks", func(t *testing.T) {
		e := newTestExecutor(t, 2)

		var wg sync.WaitGroup
		var ran atomic.Int32
		for i := 0; i < 100; i++ {
			wg.Add(1)
			require.NoError(t, e.Submit(func() {
				defer wg.Done()
				ran.Add(1)
			}))
		}
		wg.Wait()
		assert.Equal(t, int32(100), ran.Load())
	})

	t.Run("submit never blocks when saturated", func(t *testing.T) {
		e := newTestExecutor(t, 1)
		block := make(chan struct{})
		defer close(block)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < tasksPerWorker*4; i++ {
				_ = e.Submit(func() { <-block })
			}
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("submit blocked")
		}
	})

	t.Run("close drains and rejects", func(t *testing.T) {
		e := NewExecutor(2)

		var ran atomic.Int32
		for i := 0; i < 10; i++ {
			require.NoError(t, e.Submit(func() { ran.Add(1) }))
		}

		require.NoError(t, e.Close())
		assert.Equal(t, int32(10), ran.Load())
		assert.ErrorIs(t, e.Submit(func() {}), ErrExecutorClosed)
		assert.NoError(t, e.Close())
	})
}

func TestStrand_order(t *testing.T) {
	s := New(newTestExecutor(t, 4))

	const n = 1000
	var got []int
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		s.Post(func() {
			defer wg.Done()
			got = append(got, i)
		})
	}
	wg.Wait()

	require.Len(t, got, n)
	for i := range got {
		require.Equal(t, i, got[i])
	}
}

func TestStrand_mutualExclusion(t *testing.T) {
	s := New(newTestExecutor(t, 8))

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go s.Post(func() {
				defer wg.Done()
				cur := inFlight.Add(1)
				for {
					p := peak.Load()
					if cur <= p || peak.CompareAndSwap(p, cur) {
						break
					}
				}
				runtime.Gosched()
				inFlight.Add(-1)
			})
		}
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
}

func TestStrand_independentStrandsRunConcurrently(t *testing.T) {
	e := newTestExecutor(t, 2)
	a, b := New(e), New(e)

	aStarted := make(chan struct{})
	release := make(chan struct{})
	a.Post(func() {
		close(aStarted)
		<-release
	})
	<-aStarted

	done := make(chan struct{})
	b.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("strand b was blocked by strand a")
	}
	close(release)
}

func TestStrand_Call(t *testing.T) {
	s := New(newTestExecutor(t, 1))

	value := 0
	s.Call(func() { value = 42 })
	assert.Equal(t, 42, value)
	assert.Equal(t, 0, s.Pending())
}

func TestStrand_postFromInsideStrand(t *testing.T) {
	s := New(newTestExecutor(t, 1))

	var order []string
	done := make(chan struct{})
	s.Post(func() {
		order = append(order, "outer")
		s.Post(func() {
			order = append(order, "inner")
			close(done)
		})
		order = append(order, "outer-end")
	})

	<-done
	assert.Equal(t, []string{"outer", "outer-end", "inner"}, order)
}

func TestStrand_closedExecutor(t *testing.T) {
	e := NewExecutor(1)
	require.NoError(t, e.Close())

	s := New(e)
	done := make(chan struct{})
	s.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("strand did not run after executor close")
	}

	orphan := New(nil)
	called := false
	orphan.Call(func() { called = true })
	assert.True(t, called)
}
