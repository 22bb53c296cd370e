// Package client connects to a msgnet server. Connect returns as soon as the
// attempt is scheduled; resolution and dialing run in the background and
// their outcome is reported through the handler. The client never reconnects
// on its own.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cyberinferno/go-msgnet/connection"
	"github.com/cyberinferno/go-msgnet/logger"
	"github.com/cyberinferno/go-msgnet/message"
	"github.com/cyberinferno/go-msgnet/resolver"
	"github.com/cyberinferno/go-msgnet/strand"
)

const tracerName = "github.com/cyberinferno/go-msgnet/client"

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client is closed")
	// ErrAlreadyConnected is returned by Connect while connecting or connected.
	ErrAlreadyConnected = errors.New("already connected or connecting")
	// ErrNotConnected is returned by Send without an established session.
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidPort is returned by Connect for ports outside 1-65535.
	ErrInvalidPort = errors.New("invalid port")
)

// invalidator is implemented by resolvers that cache results, such as
// resolver.CachingResolver.
type invalidator interface {
	Invalidate(ctx context.Context, host string) error
}

// Client owns at most one session at a time.
type Client struct {
	config   Config
	handler  Handler
	log      logger.Logger
	tracer   trace.Tracer
	exec     *strand.Executor
	ownsExec bool
	events   *strand.Strand

	mu      sync.Mutex
	state   ConnectionState
	address string
	conn    *connection.Connection
	attempt uint64             // incremented by every Connect
	cancel  context.CancelFunc // aborts the attempt in progress
}

// New creates a disconnected client.
//
// Parameters:
//   - handler: Receives session events; nil ignores them
//   - config: Client settings (e.g. from DefaultConfig)
//
// Returns:
//   - A new Client; call Close when done to release resources
func New(handler Handler, config Config) *Client {
	if handler == nil {
		handler = HandlerFuncs{}
	}

	config = config.withDefaults()
	c := &Client{
		config:  config,
		handler: handler,
		log:     config.Logger,
		tracer:  otel.Tracer(tracerName),
		exec:    config.Executor,
		state:   Disconnected,
	}

	if c.exec == nil {
		c.exec = strand.NewExecutor(config.Workers)
		c.ownsExec = true
	}
	c.events = strand.New(c.exec)

	return c
}

// Connect starts connecting to host:port. It only validates preconditions;
// the outcome is reported through OnConnect or OnConnectError.
//
// Parameters:
//   - ctx: Bounds resolution and dialing; it does not affect the session
//     once established
//   - host: Host name or IP literal
//   - port: TCP port
//
// Returns:
//   - ErrClosed, ErrAlreadyConnected, ErrInvalidPort, or nil once the
//     attempt is scheduled
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}

	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return ErrClosed
	case Connecting, Connected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	c.attempt++
	attempt := c.attempt
	c.cancel = cancel
	c.address = net.JoinHostPort(host, strconv.Itoa(port))
	c.setStateLocked(Connecting, nil)
	c.mu.Unlock()

	go c.connect(ctx, cancel, attempt, host, port)
	return nil
}

// current reports whether attempt is still the one in progress. c.mu must be
// held.
func (c *Client) current(attempt uint64) bool {
	return c.attempt == attempt && c.state == Connecting
}

func (c *Client) connect(ctx context.Context, cancel context.CancelFunc, attempt uint64, host string, port int) {
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "msgnet.client.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("net.peer.name", host),
			attribute.Int("net.peer.port", port),
		),
	)
	defer span.End()

	if c.config.ConnectionTimeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, c.config.ConnectionTimeout)
		defer stop()
	}

	conn, err := c.dial(ctx, host, port)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.failed(attempt, err)
		return
	}

	span.SetAttributes(attribute.String("net.peer.addr", conn.RemoteAddr().String()))

	c.mu.Lock()
	if !c.current(attempt) {
		c.mu.Unlock()
		_ = conn.Close()
		span.SetStatus(codes.Error, "abandoned")
		return
	}

	sess := connection.New(0, conn, c.exec, session{client: c}, c.config.Connection)
	c.conn = sess
	c.cancel = nil
	c.setStateLocked(Connected, nil)
	c.mu.Unlock()

	sess.MarkConnecting()
	if err := c.connected(sess); err != nil {
		sess.Logger().Error("connect handler failed", logger.Err(err))
		sess.Disconnect(true, true, true)
	}

	if err := sess.Start(); err != nil {
		sess.Logger().Debug("session not started", logger.Err(err))
		span.SetStatus(codes.Error, err.Error())
		return
	}

	sess.Logger().Info("connected")
	span.SetStatus(codes.Ok, "")
}

// dial resolves host and tries each address in order. When every address
// fails, a cached resolution is dropped so the next attempt resolves again.
func (c *Client) dial(ctx context.Context, host string, port int) (net.Conn, error) {
	addrs, err := c.config.Resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: %w", host, resolver.ErrNoAddresses)
	}

	var (
		dialer net.Dialer
		errs   []error
	)
	for _, addr := range addrs {
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
		if err == nil {
			return conn, nil
		}

		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}

	if inv, ok := c.config.Resolver.(invalidator); ok {
		if err := inv.Invalidate(context.WithoutCancel(ctx), host); err != nil {
			c.log.Debug("failed to drop cached resolution", logger.F("host", host), logger.Err(err))
		}
	}

	return nil, errors.Join(errs...)
}

// connected runs OnConnect, converting a panic into an error.
func (c *Client) connected(sess *connection.Connection) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", connection.ErrHandlerPanic, r)
		}
	}()

	c.handler.OnConnect(sess)
	return nil
}

// failed ends an unsuccessful attempt. Attempts abandoned by Disconnect or
// Close are not reported.
func (c *Client) failed(attempt uint64, err error) {
	c.mu.Lock()
	if !c.current(attempt) {
		c.mu.Unlock()
		return
	}

	c.cancel = nil
	c.setStateLocked(Disconnected, err)
	address := c.address
	c.mu.Unlock()

	c.log.Warn("connect failed", logger.F("addr", address), logger.Err(err))

	if h, ok := c.handler.(ConnectErrorHandler); ok {
		c.events.Post(func() { h.OnConnectError(c, err) })
	}
}

// lost is called from the session's OnDisconnect.
func (c *Client) lost(sess *connection.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != sess {
		return
	}

	c.conn = nil
	if c.state == Connected {
		c.setStateLocked(Disconnected, nil)
	}
}

// Disconnect aborts the attempt in progress or tears down the session. It
// does not close the client; Connect may be called again. Safe to call when
// already disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Connecting:
		c.cancel()
		c.cancel = nil
		c.setStateLocked(Disconnected, nil)
	case Connected:
		c.conn.Disconnect(true, true, true)
		c.conn = nil
		c.setStateLocked(Disconnected, nil)
	}
}

// Close disconnects and moves the client to Closed. Idempotent. An executor
// created by the client is released.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		c.conn.Disconnect(true, true, true)
		c.conn = nil
	}
	c.setStateLocked(Closed, nil)
	c.mu.Unlock()

	if c.ownsExec {
		return c.exec.Close()
	}

	return nil
}

// Send queues msg on the session.
//
// Returns:
//   - ErrNotConnected without a session, or the connection's error
func (c *Client) Send(msg *message.Message) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	return conn.Send(msg)
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// IsConnected reports whether the client is in the Connected state.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Connection returns the current session, or nil.
func (c *Client) Connection() *connection.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn
}

// ID returns the id the server assigned to the current session, or 0.
func (c *Client) ID() uint32 {
	if conn := c.Connection(); conn != nil {
		return conn.ID()
	}

	return 0
}

// setStateLocked records the new state and queues a StateEvent. c.mu must
// be held.
func (c *Client) setStateLocked(state ConnectionState, err error) {
	c.state = state

	h, ok := c.handler.(StateHandler)
	if !ok {
		return
	}

	event := StateEvent{
		State:     state,
		Address:   c.address,
		Timestamp: time.Now(),
		Error:     err,
	}
	c.events.Post(func() { h.OnStateChange(event) })
}
