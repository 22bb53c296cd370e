package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-msgnet/connection"
	"github.com/cyberinferno/go-msgnet/message"
	"github.com/cyberinferno/go-msgnet/metrics"
	"github.com/cyberinferno/go-msgnet/registry"
)

// echoHandler sends every SendText message back to its sender.
func echoHandler() Handler {
	return HandlerFuncs{
		HandlerFuncs: connection.HandlerFuncs{
			Message: func(c *connection.Connection, msg *message.Message) error {
				if msg.Header.ID == message.SendText {
					return c.Send(msg)
				}
				return nil
			},
		},
	}
}

func startServer(t *testing.T, handler Handler, config Config, addrs ...string) *Server {
	t.Helper()

	if len(addrs) == 0 {
		addrs = []string{"127.0.0.1:0"}
	}

	s := New(handler, config)
	require.NoError(t, s.Start(context.Background(), addrs...))
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func addrOf(t *testing.T, s *Server) string {
	t.Helper()

	addrs := s.Addrs()
	require.NotEmpty(t, addrs)
	return addrs[0].String()
}

// dial connects a raw client and reads the greeting frame.
func dial(t *testing.T, addr string) (net.Conn, uint32) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	msg := readFrame(t, conn)
	require.Equal(t, message.ServerAccept, msg.Header.ID)

	id, err := message.Get[uint32](msg)
	require.NoError(t, err)

	return conn, id
}

func readFrame(t *testing.T, conn net.Conn) *message.Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := message.ReadMessage(conn, 0)
	require.NoError(t, err)

	return msg
}

func writeFrame(t *testing.T, conn net.Conn, msg *message.Message) {
	t.Helper()

	_, err := msg.WriteTo(conn)
	require.NoError(t, err)
}

func waitCount(t *testing.T, s *Server, n int) {
	t.Helper()

	require.Eventually(t, func() bool { return s.Count() == n }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_Greeting(t *testing.T) {
	s := startServer(t, nil, DefaultConfig())
	addr := addrOf(t, s)

	_, first := dial(t, addr)
	_, second := dial(t, addr)

	assert.Equal(t, uint32(registry.DefaultBaseID), first)
	assert.Equal(t, uint32(registry.DefaultBaseID+1), second)
	waitCount(t, s, 2)
}

func TestServer_Echo(t *testing.T) {
	s := startServer(t, echoHandler(), DefaultConfig())
	conn, _ := dial(t, addrOf(t, s))

	writeFrame(t, conn, message.NewText(message.SendText, "hello"))

	reply := readFrame(t, conn)
	assert.Equal(t, message.SendText, reply.Header.ID)

	texts, err := reply.TextFragments()
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, texts)
}

func TestServer_OnConnectSendsAfterGreeting(t *testing.T) {
	handler := HandlerFuncs{
		Connect: func(c *connection.Connection) {
			_ = c.Send(message.NewText(message.ServerMessage, "welcome"))
		},
	}
	s := startServer(t, handler, DefaultConfig())

	conn, _ := dial(t, addrOf(t, s))
	welcome := readFrame(t, conn)
	assert.Equal(t, message.ServerMessage, welcome.Header.ID)
}

func TestServer_BroadcastLargeFrame(t *testing.T) {
	const clients = 50

	s := startServer(t, nil, DefaultConfig())
	addr := addrOf(t, s)

	conns := make([]net.Conn, clients)
	for i := range conns {
		conns[i], _ = dial(t, addr)
	}
	waitCount(t, s, clients)

	payload := bytes.Repeat([]byte{0xAB}, 100000)
	msg := message.New(message.MessageAll)
	msg.SetBody(payload)
	require.NoError(t, s.Broadcast(msg))

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn net.Conn) {
			defer wg.Done()

			if !assert.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second))) {
				return
			}
			got, err := message.ReadMessage(conn, 0)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, message.MessageAll, got.Header.ID)
			assert.Equal(t, payload, got.Body())
		}(conn)
	}
	wg.Wait()
}

func TestServer_LateJoinerMissesEarlierBroadcast(t *testing.T) {
	s := startServer(t, nil, DefaultConfig())
	addr := addrOf(t, s)

	early, _ := dial(t, addr)
	waitCount(t, s, 1)

	require.NoError(t, s.Broadcast(message.NewText(message.MessageAll, "first")))

	late, _ := dial(t, addr)
	waitCount(t, s, 2)

	require.NoError(t, s.Broadcast(message.NewText(message.MessageAll, "second")))

	for _, want := range []string{"first", "second"} {
		texts, err := readFrame(t, early).TextFragments()
		require.NoError(t, err)
		assert.Equal(t, []string{want}, texts)
	}

	texts, err := readFrame(t, late).TextFragments()
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, texts)
}

func TestServer_Deny(t *testing.T) {
	config := DefaultConfig()
	config.Metrics = metrics.New()
	config.Admit = func(net.Conn, uint32) bool { return false }
	s := startServer(t, nil, config)

	conn, err := net.Dial("tcp", addrOf(t, s))
	require.NoError(t, err)
	defer conn.Close()

	deny := readFrame(t, conn)
	assert.Equal(t, message.ServerDeny, deny.Header.ID)

	id, err := message.Get[uint32](deny)
	require.NoError(t, err)
	assert.Equal(t, uint32(registry.DefaultBaseID), id)

	_, err = message.ReadMessage(conn, 0)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, s.Count())
}

func TestServer_SendTo(t *testing.T) {
	s := startServer(t, nil, DefaultConfig())
	conn, id := dial(t, addrOf(t, s))
	waitCount(t, s, 1)

	assert.True(t, s.SendTo(id, message.NewText(message.ServerMessage1, "direct")))
	assert.False(t, s.SendTo(id+100, message.New(message.ServerMessage1)))

	got := readFrame(t, conn)
	assert.Equal(t, message.ServerMessage1, got.Header.ID)
}

func TestServer_HandlerQueriesRegistryOnSingleWorker(t *testing.T) {
	config := DefaultConfig()
	config.Workers = 1

	var s *Server
	handler := HandlerFuncs{
		HandlerFuncs: connection.HandlerFuncs{
			Message: func(c *connection.Connection, msg *message.Message) error {
				if msg.Header.ID != message.SendText {
					return nil
				}

				reply := message.New(message.ServerMessage)
				if err := message.Put(reply, uint32(s.Count())); err != nil {
					return err
				}
				if !s.SendTo(c.ID(), reply) {
					return errors.New("own session not found")
				}
				return nil
			},
		},
	}
	s = New(handler, config)
	require.NoError(t, s.Start(context.Background(), "127.0.0.1:0"))
	t.Cleanup(func() { _ = s.Stop() })

	conn, _ := dial(t, addrOf(t, s))
	for i := 0; i < 3; i++ {
		writeFrame(t, conn, message.NewText(message.SendText, "count"))

		reply := readFrame(t, conn)
		require.Equal(t, message.ServerMessage, reply.Header.ID)
		n, err := message.Get[uint32](reply)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), n)
	}

	assert.Len(t, s.Sessions(), 1)
	require.NoError(t, s.Stop())
}

func TestServer_ZeroConfigBoundsFrameSize(t *testing.T) {
	disconnected := make(chan struct{}, 1)
	handler := HandlerFuncs{
		HandlerFuncs: connection.HandlerFuncs{
			Disconnect: func(*connection.Connection) { disconnected <- struct{}{} },
		},
	}
	s := startServer(t, handler, Config{})

	conn, _ := dial(t, addrOf(t, s))
	waitCount(t, s, 1)

	_, err := conn.Write(message.AppendHeader(nil, message.Header{ID: message.SendText, Size: 0xFFFFFFF0}))
	require.NoError(t, err)

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("oversize frame did not end the session")
	}
	waitCount(t, s, 0)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = message.ReadMessage(conn, 0)
	assert.Error(t, err)
}

func TestServer_MultipleEndpointsShareRegistry(t *testing.T) {
	s := startServer(t, nil, DefaultConfig(), "127.0.0.1:0", "127.0.0.1:0")

	addrs := s.Addrs()
	require.Len(t, addrs, 2)

	_, a := dial(t, addrs[0].String())
	_, b := dial(t, addrs[1].String())

	assert.NotEqual(t, a, b)
	waitCount(t, s, 2)
}

func TestServer_StopDisconnectsSessions(t *testing.T) {
	disconnected := make(chan uint32, 4)
	handler := HandlerFuncs{
		HandlerFuncs: connection.HandlerFuncs{
			Disconnect: func(c *connection.Connection) { disconnected <- c.ID() },
		},
	}

	s := New(handler, DefaultConfig())
	require.NoError(t, s.Start(context.Background(), "127.0.0.1:0"))
	addr := addrOf(t, s)

	conn, id := dial(t, addr)
	waitCount(t, s, 1)

	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
	assert.Empty(t, s.Addrs())
	assert.Nil(t, s.Registry())

	select {
	case got := <-disconnected:
		assert.Equal(t, id, got)
	case <-time.After(5 * time.Second):
		t.Fatal("OnDisconnect not called")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := message.ReadMessage(conn, 0)
	assert.Error(t, err)

	assert.ErrorIs(t, s.Stop(), ErrNotRunning)
	assert.ErrorIs(t, s.Broadcast(message.New(message.MessageAll)), ErrNotRunning)

	// Restart on the same address.
	require.NoError(t, s.Start(context.Background(), addr))
	defer s.Stop()
	_, id = dial(t, addr)
	assert.Equal(t, uint32(registry.DefaultBaseID), id)
	assert.Equal(t, uint32(registry.DefaultBaseID+1), s.NextID())
}

func TestServer_StartErrors(t *testing.T) {
	s := startServer(t, nil, DefaultConfig())

	assert.ErrorIs(t, s.Start(context.Background(), "127.0.0.1:0"), ErrAlreadyRunning)
	assert.ErrorIs(t, New(nil, DefaultConfig()).Start(context.Background()), ErrNoAddresses)

	other := New(nil, DefaultConfig())
	err := other.Start(context.Background(), "127.0.0.1:0", addrOf(t, s))
	assert.Error(t, err)
	assert.False(t, other.Running())
	assert.Empty(t, other.Addrs())
}

func TestServer_Metrics(t *testing.T) {
	m := metrics.New()
	config := DefaultConfig()
	config.Metrics = m
	s := startServer(t, nil, config)

	dial(t, addrOf(t, s))
	waitCount(t, s, 1)
	require.NoError(t, s.Broadcast(message.New(message.MessageAll)))

	families, err := m.Gatherer().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["msgnet_sessions_accepted_total"])
	assert.True(t, names["msgnet_broadcasts_total"])
}
