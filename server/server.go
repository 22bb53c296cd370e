// Package server runs a msgnet server: any number of listeners feeding one
// session registry, a greeting handshake on every admitted socket, and
// broadcast to all live sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cyberinferno/go-msgnet/connection"
	"github.com/cyberinferno/go-msgnet/listener"
	"github.com/cyberinferno/go-msgnet/logger"
	"github.com/cyberinferno/go-msgnet/message"
	"github.com/cyberinferno/go-msgnet/registry"
	"github.com/cyberinferno/go-msgnet/safemap"
	"github.com/cyberinferno/go-msgnet/strand"
)

const tracerName = "github.com/cyberinferno/go-msgnet/server"

var (
	// ErrAlreadyRunning is returned by Start on a running server.
	ErrAlreadyRunning = errors.New("server already running")
	// ErrNotRunning is returned when an operation needs a running server.
	ErrNotRunning = errors.New("server not running")
	// ErrNoAddresses is returned by Start when no address is given.
	ErrNoAddresses = errors.New("no listen addresses")
)

// instance is the state of one Start/Stop cycle.
type instance struct {
	exec     *strand.Executor
	ownsExec bool
	registry *registry.Registry
}

// Server accepts sessions on one or more endpoints.
type Server struct {
	config  Config
	handler Handler
	log     logger.Logger
	tracer  trace.Tracer

	mu        sync.Mutex // serializes Start and Stop
	current   atomic.Pointer[instance]
	listeners *safemap.SafeMap[string, *listener.Listener]
}

// New creates a stopped server.
//
// Parameters:
//   - handler: Receives session events; nil ignores them
//   - config: Server settings
//
// Returns:
//   - A new Server
func New(handler Handler, config Config) *Server {
	if handler == nil {
		handler = HandlerFuncs{}
	}

	config = config.withDefaults()
	return &Server{
		config:    config,
		handler:   handler,
		log:       config.Logger,
		tracer:    otel.Tracer(tracerName),
		listeners: safemap.NewSafeMap[string, *listener.Listener](),
	}
}

// Start binds every address and begins accepting. All endpoints share one
// registry, so session ids are unique across them. If any address fails to
// bind, the endpoints already bound are released and the error is returned.
//
// Parameters:
//   - ctx: Governs binding only
//   - addrs: host:port pairs; port 0 picks an ephemeral port
//
// Returns:
//   - ErrAlreadyRunning, ErrNoAddresses, or the bind error
func (s *Server) Start(ctx context.Context, addrs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.Load() != nil {
		return ErrAlreadyRunning
	}
	if len(addrs) == 0 {
		return ErrNoAddresses
	}

	inst := &instance{exec: s.config.Executor}
	if inst.exec == nil {
		inst.exec = strand.NewExecutor(s.config.Workers)
		inst.ownsExec = true
	}

	factory := s.config.Factory
	if factory == nil {
		factory = func(conn net.Conn, id uint32) *connection.Connection {
			return s.admit(inst, conn, id)
		}
	}
	inst.registry = registry.New(factory, s.config.Registry)

	bound := make([]*listener.Listener, 0, len(addrs))
	for _, addr := range addrs {
		l, err := listener.Listen(ctx, addr, inst.registry.Enter(), s.config.Listener)
		if err != nil {
			for _, b := range bound {
				_ = b.Stop()
			}
			if inst.ownsExec {
				_ = inst.exec.Close()
			}

			return fmt.Errorf("start %s: %w", addr, err)
		}

		bound = append(bound, l)
	}

	for _, l := range bound {
		s.listeners.Store(l.Addr().String(), l)
		if err := l.Start(); err != nil {
			s.log.Warn("failed to start listener", logger.F("addr", l.Addr().String()), logger.Err(err))
		}
	}

	s.current.Store(inst)
	s.log.Info("server started", logger.F("addrs", s.addrStrings()), logger.F("workers", inst.exec.Workers()))

	return nil
}

// admit is the default session factory. It runs on the accept goroutine.
func (s *Server) admit(inst *instance, conn net.Conn, id uint32) *connection.Connection {
	_, span := s.tracer.Start(context.Background(), "msgnet.session.accept",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.Int64("msgnet.session_id", int64(id)),
			attribute.String("net.peer.addr", conn.RemoteAddr().String()),
			attribute.String("net.host.addr", conn.LocalAddr().String()),
		),
	)
	defer span.End()

	if s.config.Admit != nil && !s.config.Admit(conn, id) {
		s.deny(conn, id)
		s.config.Metrics.SessionDenied()
		span.SetStatus(codes.Error, "denied")
		return nil
	}

	c := connection.New(id, conn, inst.exec, s.handler, s.config.Connection)
	c.MarkConnecting()

	accept := message.New(message.ServerAccept)
	if err := message.Put(accept, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil
	}
	_ = c.Send(accept)

	if err := s.connected(c); err != nil {
		s.log.Error("connect handler failed", logger.F("session_id", id), logger.Err(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil
	}

	if err := c.Start(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil
	}

	s.config.Metrics.SessionAccepted()
	c.Logger().Info("session accepted")
	span.SetStatus(codes.Ok, "")

	return c
}

// connected runs OnConnect before the read loop starts, so it precedes every
// OnMessage of the session.
func (s *Server) connected(c *connection.Connection) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", connection.ErrHandlerPanic, r)
		}
	}()

	s.handler.OnConnect(c)
	return nil
}

// deny writes a ServerDeny frame carrying id directly to the socket. The
// registry closes the socket afterwards.
func (s *Server) deny(conn net.Conn, id uint32) {
	msg := message.New(message.ServerDeny)
	if err := message.Put(msg, id); err != nil {
		return
	}

	if _, err := msg.WriteTo(conn); err != nil {
		s.log.Debug("failed to write deny", logger.F("session_id", id), logger.Err(err))
	}
}

// Stop closes every endpoint, disconnects every session and waits up to
// ShutdownTimeout for them to finish tearing down. The server may be started
// again afterwards.
//
// Returns:
//   - ErrNotRunning if the server is not running
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst := s.current.Load()
	if inst == nil {
		return ErrNotRunning
	}

	endpoints := s.listeners.Len()
	for _, addr := range s.addrStrings() {
		if l, ok := s.listeners.LoadAndDelete(addr); ok {
			_ = l.Stop()
			<-l.Done()
		}
	}

	sessions := inst.registry.Shutdown()

	timer := time.NewTimer(s.config.ShutdownTimeout)
	defer timer.Stop()

wait:
	for _, c := range sessions {
		select {
		case <-c.Done():
		case <-timer.C:
			s.log.Warn("shutdown timed out", logger.F("sessions", len(sessions)))
			break wait
		}
	}

	s.current.Store(nil)
	if inst.ownsExec {
		_ = inst.exec.Close()
	}

	s.log.Info("server stopped", logger.F("endpoints", endpoints), logger.F("sessions", len(sessions)))
	return nil
}

// Running reports whether the server has been started and not stopped.
func (s *Server) Running() bool {
	return s.current.Load() != nil
}

// Broadcast sends msg to every session registered when the broadcast runs on
// the registry strand. Sessions admitted after Broadcast returns do not
// receive it. Successive broadcasts reach each session in call order.
//
// Returns:
//   - ErrNotRunning if the server is not running
func (s *Server) Broadcast(msg *message.Message) error {
	inst := s.current.Load()
	if inst == nil {
		return ErrNotRunning
	}

	s.config.Metrics.Broadcast()
	inst.registry.ForEachHandle(func(_ uint32, h registry.Handle) {
		c := h.Value()
		if c == nil || c.IsInvalid() {
			return
		}

		_ = c.Send(msg)
	})

	return nil
}

// SendTo sends msg to the session with the given id.
//
// Returns:
//   - true if the session was live and the frame was queued
func (s *Server) SendTo(id uint32, msg *message.Message) bool {
	inst := s.current.Load()
	if inst == nil {
		return false
	}

	c, ok := inst.registry.Lookup(id)
	if !ok {
		return false
	}

	return c.Send(msg) == nil
}

// Count returns the number of live sessions, or 0 when stopped.
func (s *Server) Count() int {
	inst := s.current.Load()
	if inst == nil {
		return 0
	}

	return inst.registry.Count()
}

// Sessions returns a snapshot of the live sessions, or nil when stopped.
func (s *Server) Sessions() []*connection.Connection {
	inst := s.current.Load()
	if inst == nil {
		return nil
	}

	return inst.registry.Sessions()
}

// NextID returns the id the next admitted session will receive, or 0 when
// stopped.
func (s *Server) NextID() uint32 {
	inst := s.current.Load()
	if inst == nil {
		return 0
	}

	return inst.registry.NextID()
}

// Pending returns the number of registry operations waiting to run, or 0
// when stopped.
func (s *Server) Pending() int {
	inst := s.current.Load()
	if inst == nil {
		return 0
	}

	return inst.registry.Pending()
}

// Registry returns the registry of the running server, or nil when stopped.
func (s *Server) Registry() *registry.Registry {
	inst := s.current.Load()
	if inst == nil {
		return nil
	}

	return inst.registry
}

// Addrs returns the bound endpoint addresses, ordered by their string form.
func (s *Server) Addrs() []net.Addr {
	ls := s.listeners.Values()
	sort.Slice(ls, func(i, j int) bool {
		return ls[i].Addr().String() < ls[j].Addr().String()
	})

	addrs := make([]net.Addr, 0, len(ls))
	for _, l := range ls {
		addrs = append(addrs, l.Addr())
	}

	return addrs
}

func (s *Server) addrStrings() []string {
	addrs := s.Addrs()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}

	return out
}
