// Package connection implements one framed TCP session: a single outstanding
// read, a FIFO of outbound frames drained by a single writer, and an
// idempotent teardown. All mutable state is owned by a strand; socket I/O
// runs on dedicated goroutines that post their completions back to it.
package connection

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/cyberinferno/go-msgnet/logger"
	"github.com/cyberinferno/go-msgnet/message"
	"github.com/cyberinferno/go-msgnet/metrics"
	"github.com/cyberinferno/go-msgnet/strand"
)

var (
	// ErrInvalid is returned when operating on a connection that has failed
	// or been disconnected.
	ErrInvalid = errors.New("connection is invalid")
	// ErrAlreadyStarted is returned by Start on a connection past the
	// handshake phase.
	ErrAlreadyStarted = errors.New("connection already started")
	// ErrHandlerPanic wraps a value recovered from a panicking handler.
	ErrHandlerPanic = errors.New("handler panicked")
)

// halfCloser is implemented by *net.TCPConn and *net.UnixConn.
type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

// Connection is one session over a net.Conn.
type Connection struct {
	id      atomic.Uint32
	conn    net.Conn
	strand  *strand.Strand
	handler Handler
	config  Config
	log     logger.Logger

	state    atomic.Int32
	invalid  atomic.Bool
	latched  atomic.Bool
	backlog  atomic.Int64
	outbound *queue.Queue // owned by strand; front is in flight

	writes  chan *message.Message
	done    chan struct{}
	cleanup runtime.Cleanup
}

// New wraps conn. The connection does no I/O until Start. If it is dropped
// without ever being started, the socket is closed when the Connection is
// garbage collected.
//
// Parameters:
//   - id: Session identifier (assigned by the registry on the server side)
//   - conn: The connected socket
//   - exec: Executor on which the connection's strand runs
//   - handler: Event receiver; nil ignores every event
//   - config: Per-connection settings
//
// Returns:
//   - A Connection in StateIdle
func New(id uint32, conn net.Conn, exec *strand.Executor, handler Handler, config Config) *Connection {
	if handler == nil {
		handler = HandlerFuncs{}
	}

	config = config.withDefaults()
	c := &Connection{
		conn:     conn,
		strand:   strand.New(exec),
		handler:  handler,
		config:   config,
		log:      config.Logger.With(logger.F("remote_addr", addrString(conn.RemoteAddr()))),
		outbound: queue.New(),
		writes:   make(chan *message.Message, 1),
		done:     make(chan struct{}),
	}
	c.id.Store(id)
	c.cleanup = runtime.AddCleanup(c, func(conn net.Conn) { _ = conn.Close() }, conn)

	return c
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}

	return a.String()
}

// ID returns the session identifier.
func (c *Connection) ID() uint32 {
	return c.id.Load()
}

// SetID replaces the session identifier. Clients use it to adopt the id
// announced by the server.
func (c *Connection) SetID(id uint32) {
	c.id.Store(id)
}

// State returns the current lifecycle phase.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// IsInvalid reports whether the connection has failed or been disconnected.
// Once true it stays true.
func (c *Connection) IsInvalid() bool {
	return c.invalid.Load()
}

// Backlog returns the number of queued outbound frames, including the one in
// flight. It is zero for an invalid connection.
func (c *Connection) Backlog() int {
	if c.IsInvalid() {
		return 0
	}

	return int(c.backlog.Load())
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local socket address.
func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Done is closed once teardown has completed and OnDisconnect has returned.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Logger returns the connection's logger, carrying session_id and
// remote_addr fields.
func (c *Connection) Logger() logger.Logger {
	return c.log.With(logger.F("session_id", c.ID()))
}

// MarkConnecting moves an idle connection into the handshake phase.
//
// Returns:
//   - true if the transition happened
func (c *Connection) MarkConnecting() bool {
	return c.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting))
}

// Start activates the connection: it applies socket options and starts the
// read loop and the writer.
//
// Returns:
//   - ErrInvalid if the connection was already disconnected
//   - ErrAlreadyStarted if it is past the handshake phase
func (c *Connection) Start() error {
	if c.IsInvalid() {
		return ErrInvalid
	}

	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateActive)) &&
		!c.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		return fmt.Errorf("%w: state %s", ErrAlreadyStarted, c.State())
	}

	c.cleanup.Stop()

	if tcp, ok := c.conn.(interface{ SetNoDelay(bool) error }); ok && c.config.NoDelay {
		if err := tcp.SetNoDelay(true); err != nil {
			c.Logger().Warn("failed to set TCP_NODELAY", logger.Err(err))
		}
	}

	c.config.Metrics.ConnectionOpened(c.config.Side)
	c.Logger().Debug("connection started")

	go c.readLoop()
	go c.writeLoop()

	return nil
}

// Send queues msg for transmission. Frames are written whole, one at a time,
// in the order Send was called. msg must not be mutated afterwards.
//
// Returns:
//   - ErrInvalid if the connection is already invalid; the frame is dropped
func (c *Connection) Send(msg *message.Message) error {
	if c.IsInvalid() {
		return ErrInvalid
	}

	c.strand.Post(func() { c.enqueue(msg) })
	return nil
}

// Disconnect tears the connection down. Only the first call has any effect;
// later calls are absorbed.
//
// Parameters:
//   - cancel: Abort pending reads and writes
//   - shutdown: Half-close both directions
//   - closeSocket: Close the socket
func (c *Connection) Disconnect(cancel, shutdown, closeSocket bool) {
	c.strand.Post(func() { c.teardown(cancel, shutdown, closeSocket, metrics.ReasonLocal) })
}

// Close is Disconnect(true, true, true).
func (c *Connection) Close() error {
	c.Disconnect(true, true, true)
	return nil
}

// fail marks the connection invalid and schedules a full teardown.
func (c *Connection) fail(reason string) {
	c.invalid.Store(true)
	c.strand.Post(func() { c.teardown(true, true, true, reason) })
}

// enqueue runs on the strand. A write cycle is started only when the queue
// goes from empty to one element; otherwise one is already in progress.
func (c *Connection) enqueue(msg *message.Message) {
	if c.IsInvalid() {
		return
	}

	c.outbound.Add(msg)
	n := c.backlog.Add(1)
	c.config.Metrics.Backlog(c.config.Side, int(n))

	if c.outbound.Length() == 1 {
		c.writes <- msg
	}
}

// written runs on the strand when the writer finishes the front frame.
func (c *Connection) written(msg *message.Message, err error) {
	if c.IsInvalid() {
		return
	}

	if err != nil {
		c.Logger().Warn("write failed", logger.Err(err), logger.F("msg", msg.String()))
		c.invalid.Store(true)
		c.teardown(true, true, true, metrics.ReasonWrite)
		return
	}

	c.outbound.Remove()
	c.backlog.Add(-1)
	c.config.Metrics.FrameSent(c.config.Side, msg)

	if err := c.invoke(func() error {
		c.handler.OnMessageSent(c, msg)
		return nil
	}); err != nil {
		c.Logger().Error("message sent handler failed", logger.Err(err))
		c.invalid.Store(true)
		c.teardown(true, true, true, metrics.ReasonPanic)
		return
	}

	if c.outbound.Length() > 0 {
		c.writes <- c.outbound.Peek().(*message.Message)
	}
}

// deliver runs on the strand for each inbound frame.
//
// Returns:
//   - false if the read loop must stop
func (c *Connection) deliver(msg *message.Message) bool {
	if c.IsInvalid() {
		return false
	}

	err := c.invoke(func() error { return c.handler.OnMessage(c, msg) })
	if err == nil {
		return true
	}

	reason := metrics.ReasonHandler
	if errors.Is(err, ErrHandlerPanic) {
		reason = metrics.ReasonPanic
	}

	c.Logger().Warn("dropping peer after message handler error", logger.Err(err), logger.F("msg", msg.String()))
	c.invalid.Store(true)
	c.teardown(true, true, true, reason)
	return false
}

// teardown runs on the strand. The outbound queue is cleared on every call;
// the socket operations and OnDisconnect run once.
func (c *Connection) teardown(cancel, shutdown, closeSocket bool, reason string) {
	c.clearOutbound()
	c.invalid.Store(true)

	if !c.latched.CompareAndSwap(false, true) {
		return
	}

	c.state.Store(int32(StateDisconnecting))
	log := c.Logger()

	if cancel {
		if err := c.conn.SetDeadline(time.Now()); err != nil {
			log.Debug("cancel failed", logger.Err(err))
		}
	}

	if shutdown {
		if hc, ok := c.conn.(halfCloser); ok {
			if err := errors.Join(hc.CloseRead(), hc.CloseWrite()); err != nil {
				log.Debug("shutdown failed", logger.Err(err))
			}
		}
	}

	if closeSocket {
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Warn("close failed", logger.Err(err))
		}
	}

	c.cleanup.Stop()
	c.config.Metrics.Disconnected(c.config.Side, reason)
	c.config.Metrics.ConnectionClosed(c.config.Side)

	if err := c.invoke(func() error {
		c.handler.OnDisconnect(c)
		return nil
	}); err != nil {
		log.Error("disconnect handler failed", logger.Err(err))
	}

	c.state.Store(int32(StateClosed))
	log.Info("disconnected", logger.F("reason", reason))
	close(c.done)
}

func (c *Connection) clearOutbound() {
	for c.outbound.Length() > 0 {
		c.outbound.Remove()
	}

	c.backlog.Store(0)
}

// invoke calls a handler, converting a panic into an error.
func (c *Connection) invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	return fn()
}

func (c *Connection) readLoop() {
	r := bufio.NewReaderSize(c.conn, c.config.ReadBufferSize)
	delivered := make(chan bool, 1)

	for {
		msg, err := message.ReadMessage(r, c.config.MaxBodySize)
		if err != nil {
			c.readFailed(err)
			return
		}

		c.config.Metrics.FrameReceived(c.config.Side, msg, msg.Latency(time.Now()))

		c.strand.Post(func() { delivered <- c.deliver(msg) })
		if !<-delivered {
			return
		}
	}
}

func (c *Connection) readFailed(err error) {
	log := c.Logger()

	switch {
	case c.latched.Load() || c.IsInvalid():
		if !isCancellation(err) {
			log.Debug("read ended during disconnect", logger.Err(err))
		}
		return
	case errors.Is(err, message.ErrFrameTooLarge):
		log.Warn("peer sent oversize frame", logger.Err(err))
		c.fail(metrics.ReasonOversize)
	case errors.Is(err, io.EOF):
		log.Info("peer closed connection")
		c.fail(metrics.ReasonReadError)
	default:
		log.Warn("read failed", logger.Err(err))
		c.fail(metrics.ReasonReadError)
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.writes:
			if c.config.WriteTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			}

			_, err := msg.WriteTo(c.conn)
			if err != nil && c.latched.Load() && isCancellation(err) {
				c.Logger().Debug("write cancelled", logger.Err(err))
			}

			c.strand.Post(func() { c.written(msg, err) })
		}
	}
}

// isCancellation reports whether err is the result of our own cancel or close.
func isCancellation(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded)
}
