package registry

import (
	"io"
	"net"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-msgnet/connection"
	"github.com/cyberinferno/go-msgnet/strand"
)

func newTestExecutor(t *testing.T) *strand.Executor {
	t.Helper()

	e := strand.NewExecutor(4)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// startedFactory builds and starts a connection per socket and keeps it
// reachable until the test ends.
type startedFactory struct {
	exec *strand.Executor

	mu    sync.Mutex
	ids   []uint32
	conns []*connection.Connection
}

func (f *startedFactory) build(conn net.Conn, id uint32) *connection.Connection {
	c := connection.New(id, conn, f.exec, nil, connection.DefaultConfig())
	if err := c.Start(); err != nil {
		return nil
	}

	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.conns = append(f.conns, c)
	f.mu.Unlock()

	return c
}

func pipe(t *testing.T) (local, remote net.Conn) {
	t.Helper()

	local, remote = net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	return local, remote
}

func TestRegistry_ids(t *testing.T) {
	exec := newTestExecutor(t)
	f := &startedFactory{exec: exec}
	r := New(f.build, DefaultConfig())

	assert.Equal(t, uint32(10000), r.NextID())

	enter := r.Enter()
	for i := 0; i < 3; i++ {
		local, _ := pipe(t)
		enter(local)
	}

	assert.Equal(t, []uint32{10000, 10001, 10002}, f.ids)
	assert.Equal(t, 3, r.Count())
	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, uint32(10003), r.NextID())

	c, ok := r.Lookup(10001)
	require.True(t, ok)
	assert.Equal(t, uint32(10001), c.ID())

	_, ok = r.Lookup(1)
	assert.False(t, ok)
}

func TestRegistry_customBase(t *testing.T) {
	exec := newTestExecutor(t)
	f := &startedFactory{exec: exec}
	r := New(f.build, Config{BaseID: 500})

	local, _ := pipe(t)
	r.Enter()(local)
	assert.Equal(t, []uint32{500}, f.ids)
}

func TestRegistry_refusedSocketIsClosed(t *testing.T) {
	r := New(func(net.Conn, uint32) *connection.Connection { return nil }, DefaultConfig())

	local, remote := pipe(t)
	r.Enter()(local)

	_ = remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := remote.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_invalidSessionsArePurged(t *testing.T) {
	exec := newTestExecutor(t)
	f := &startedFactory{exec: exec}
	r := New(f.build, DefaultConfig())

	enter := r.Enter()
	for i := 0; i < 4; i++ {
		local, _ := pipe(t)
		enter(local)
	}
	require.Equal(t, 4, r.Count())

	f.conns[1].Disconnect(true, true, true)
	<-f.conns[1].Done()

	assert.Equal(t, 3, r.Count())
	_, ok := r.Lookup(f.ids[1])
	assert.False(t, ok)
}

func TestRegistry_collectedSessionsArePurged(t *testing.T) {
	exec := newTestExecutor(t)
	r := New(func(conn net.Conn, id uint32) *connection.Connection {
		// never started: nothing but the registry's weak handle refers to it
		return connection.New(id, conn, exec, nil, connection.DefaultConfig())
	}, DefaultConfig())

	local, remote := pipe(t)
	r.Enter()(local)

	require.Eventually(t, func() bool {
		runtime.GC()
		return r.Count() == 0
	}, 5*time.Second, 10*time.Millisecond)

	_ = remote.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := remote.Read(make([]byte, 1))
	assert.Error(t, err, "an abandoned socket is closed once collected")
}

func TestRegistry_ForEach(t *testing.T) {
	exec := newTestExecutor(t)
	f := &startedFactory{exec: exec}
	r := New(f.build, DefaultConfig())

	enter := r.Enter()
	for i := 0; i < 3; i++ {
		local, _ := pipe(t)
		enter(local)
	}

	f.conns[0].Disconnect(true, true, true)
	<-f.conns[0].Done()

	sessions := make(chan uint32, 8)
	done := make(chan struct{})
	r.ForEachSession(func(c *connection.Connection) { sessions <- c.ID() })
	r.ForEachHandle(func(uint32, Handle) {})
	r.strand.Post(func() { close(done) })
	<-done
	close(sessions)

	var ids []int
	for id := range sessions {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	assert.Equal(t, []int{10001, 10002}, ids)
	assert.Len(t, r.Sessions(), 2)
}

func TestRegistry_lateJoinerMissesEarlierWork(t *testing.T) {
	exec := newTestExecutor(t)
	f := &startedFactory{exec: exec}
	r := New(f.build, DefaultConfig())
	enter := r.Enter()

	first, _ := pipe(t)
	enter(first)

	var ids []uint32
	r.ForEachHandle(func(id uint32, _ Handle) { ids = append(ids, id) })

	second, _ := pipe(t)
	enter(second)

	require.Equal(t, 2, r.Count())
	assert.Equal(t, []uint32{10000}, ids)
}

func TestRegistry_Shutdown(t *testing.T) {
	exec := newTestExecutor(t)
	f := &startedFactory{exec: exec}
	r := New(f.build, DefaultConfig())

	enter := r.Enter()
	for i := 0; i < 3; i++ {
		local, _ := pipe(t)
		enter(local)
	}

	sessions := r.Shutdown()
	require.Len(t, sessions, 3)
	for _, c := range sessions {
		select {
		case <-c.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("session not torn down")
		}
	}

	assert.Equal(t, 0, r.Count())
}

func TestRegistry_queriesFromBusyWorker(t *testing.T) {
	exec := strand.NewExecutor(1)
	t.Cleanup(func() { _ = exec.Close() })

	f := &startedFactory{exec: exec}
	r := New(f.build, DefaultConfig())
	local, _ := pipe(t)
	r.Enter()(local)

	// The only worker blocks on the registry until it answers.
	counted := make(chan int, 1)
	require.NoError(t, exec.Submit(func() {
		_, _ = r.Lookup(10000)
		counted <- r.Count()
	}))

	select {
	case n := <-counted:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("registry query waited for an executor worker")
	}
	assert.Equal(t, 0, r.Pending())
}
