// Package listener runs the accept loop for one endpoint and hands every
// accepted socket to an Action.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-msgnet/logger"
)

// ErrStopped is returned by Start on a stopped listener.
var ErrStopped = errors.New("listener stopped")

// Action receives each accepted socket on the accept goroutine. It owns the
// socket from then on.
type Action func(conn net.Conn)

// DefaultUserTimeout bounds how long data sent on an accepted socket may
// stay unacknowledged before the kernel drops the connection.
const DefaultUserTimeout = 30 * time.Second

// Config holds listener settings. Socket options apply on Linux only.
type Config struct {
	// ReusePort sets SO_REUSEPORT before binding, so several listeners or
	// processes can share one endpoint.
	ReusePort bool
	// UserTimeout sets TCP_USER_TIMEOUT on every accepted socket, so a peer
	// that stops acknowledging ends the session's read loop. Zero leaves
	// the kernel default.
	UserTimeout time.Duration
	// Logger receives accept events. Nil discards them.
	Logger logger.Logger
}

// DefaultConfig returns a Config with UserTimeout 30s and ReusePort off.
func DefaultConfig() Config {
	return Config{
		UserTimeout: DefaultUserTimeout,
	}
}

// Listener accepts connections on one bound endpoint.
type Listener struct {
	ln     net.Listener
	action Action
	config Config
	log    logger.Logger

	started  atomic.Bool
	stopped  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once

	mu  sync.Mutex
	err error
}

// Listen binds a TCP endpoint. No connection is accepted before Start.
//
// Parameters:
//   - ctx: Bounds the bind operation only
//   - addr: "host:port" to bind; port 0 selects a free port
//   - action: Receives every accepted socket
//   - config: Socket options and logger
//
// Returns:
//   - The bound Listener, or the bind error
func Listen(ctx context.Context, addr string, action Action, config Config) (*Listener, error) {
	if action == nil {
		return nil, errors.New("listener: nil action")
	}

	lc := net.ListenConfig{Control: control(config)}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	return &Listener{
		ln:     ln,
		action: action,
		config: config,
		log:    logger.OrNop(config.Logger).With(logger.F("listen_addr", ln.Addr().String())),
		done:   make(chan struct{}),
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Start launches the accept loop. Calling it again is a no-op.
//
// Returns:
//   - ErrStopped if Stop has already been called
func (l *Listener) Start() error {
	if l.stopped.Load() {
		return ErrStopped
	}

	if !l.started.CompareAndSwap(false, true) {
		return nil
	}

	l.log.Info("accepting connections")
	go l.acceptLoop()
	return nil
}

// Stop closes the listening socket. Already accepted connections are not
// affected. It is safe to call more than once.
func (l *Listener) Stop() error {
	if !l.stopped.CompareAndSwap(false, true) {
		return nil
	}

	err := l.ln.Close()
	if !l.started.Load() {
		l.finish()
	}

	l.log.Info("listener stopped")
	return err
}

// Done is closed when the accept loop has exited, or on Stop if the loop
// never ran.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Err returns the accept error that ended the loop, or nil if it ended
// because of Stop.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Listener) finish() {
	l.doneOnce.Do(func() { close(l.done) })
}

// acceptLoop hands each socket to the action and re-arms. Any accept error
// ends the loop: silently after Stop, logged otherwise.
func (l *Listener) acceptLoop() {
	defer l.finish()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.stopped.Load() {
				return
			}

			l.mu.Lock()
			l.err = err
			l.mu.Unlock()

			l.log.Error("accept failed, no longer accepting", logger.Err(err))
			return
		}

		if err := tune(conn, l.config); err != nil {
			l.log.Warn("failed to set socket options", logger.F("remote_addr", conn.RemoteAddr().String()), logger.Err(err))
		}

		l.log.Debug("accepted connection", logger.F("remote_addr", conn.RemoteAddr().String()))
		l.action(conn)
	}
}
