// Package registry tracks the live sessions of a server. Its session map is
// owned by a strand that drains on goroutines of its own, never on a session
// executor, so handlers may query it without tying up a worker; entries hold
// weak references so the registry never keeps a torn-down connection alive.
package registry

import (
	"net"
	"weak"

	"github.com/cyberinferno/go-msgnet/connection"
	"github.com/cyberinferno/go-msgnet/idgenerator"
	"github.com/cyberinferno/go-msgnet/listener"
	"github.com/cyberinferno/go-msgnet/logger"
	"github.com/cyberinferno/go-msgnet/metrics"
	"github.com/cyberinferno/go-msgnet/strand"
)

// DefaultBaseID is the first session id handed out.
const DefaultBaseID = 10000

// Factory builds the session for an accepted socket. Returning nil refuses
// the socket; the registry then closes it.
type Factory func(conn net.Conn, id uint32) *connection.Connection

// Handle is a weak reference to a registered session.
type Handle = weak.Pointer[connection.Connection]

// Config holds registry settings.
type Config struct {
	// BaseID is the first session id. Zero selects DefaultBaseID.
	BaseID uint32
	// Logger receives registry events. Nil discards them.
	Logger logger.Logger
	// Metrics records the session count. Nil disables it.
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with BaseID 10000.
func DefaultConfig() Config {
	return Config{BaseID: DefaultBaseID}
}

// Registry is the session manager shared by every listener of a server.
type Registry struct {
	strand   *strand.Strand
	factory  Factory
	ids      *idgenerator.IdGenerator
	log      logger.Logger
	metrics  *metrics.Metrics
	sessions map[uint32]Handle // owned by strand
}

// New creates an empty registry.
//
// Parameters:
//   - factory: Builds a session for each accepted socket
//   - config: Id base, logger and metrics
//
// Returns:
//   - A new Registry
func New(factory Factory, config Config) *Registry {
	if config.BaseID == 0 {
		config.BaseID = DefaultBaseID
	}

	return &Registry{
		strand:   strand.New(nil),
		factory:  factory,
		ids:      idgenerator.NewIdGenerator(config.BaseID),
		log:      logger.OrNop(config.Logger),
		metrics:  config.Metrics,
		sessions: make(map[uint32]Handle),
	}
}

// Enter returns the listener action that admits sockets into the registry.
// The factory runs on the accept goroutine; the insertion is posted to the
// registry strand, so work posted before it never sees the new session.
func (r *Registry) Enter() listener.Action {
	return func(conn net.Conn) {
		id := r.ids.Id()

		c := r.factory(conn, id)
		if c == nil {
			r.log.Info("session refused", logger.F("session_id", id), logger.F("remote_addr", conn.RemoteAddr().String()))
			_ = conn.Close()
			return
		}

		handle := weak.Make(c)
		r.strand.Post(func() {
			r.sessions[id] = handle
			r.collect()
		})
	}
}

// collect runs on the strand and drops entries whose session has been
// garbage collected or has become invalid.
func (r *Registry) collect() {
	for id, h := range r.sessions {
		if c := h.Value(); c == nil || c.IsInvalid() {
			delete(r.sessions, id)
		}
	}

	r.metrics.SetSessions(len(r.sessions))
}

// ForEachHandle posts op to the registry strand, where it is called with
// every entry, live or not. It returns without waiting.
func (r *Registry) ForEachHandle(op func(id uint32, h Handle)) {
	r.strand.Post(func() {
		for id, h := range r.sessions {
			op(id, h)
		}
	})
}

// ForEachSession posts op to the registry strand, where it is called with
// every live, valid session. It returns without waiting.
func (r *Registry) ForEachSession(op func(c *connection.Connection)) {
	r.strand.Post(func() {
		r.eachLive(op)
	})
}

func (r *Registry) eachLive(op func(c *connection.Connection)) {
	for _, h := range r.sessions {
		if c := h.Value(); c != nil && !c.IsInvalid() {
			op(c)
		}
	}
}

// Count collects dead entries and returns the number of live sessions. It
// blocks until the registry strand has run.
func (r *Registry) Count() int {
	var n int
	r.strand.Call(func() {
		r.collect()
		n = len(r.sessions)
	})

	return n
}

// Lookup returns the live session with the given id.
func (r *Registry) Lookup(id uint32) (*connection.Connection, bool) {
	var c *connection.Connection
	r.strand.Call(func() {
		if h, ok := r.sessions[id]; ok {
			c = h.Value()
		}
	})

	if c == nil || c.IsInvalid() {
		return nil, false
	}

	return c, true
}

// Sessions returns a snapshot of the live sessions.
func (r *Registry) Sessions() []*connection.Connection {
	var out []*connection.Connection
	r.strand.Call(func() {
		r.eachLive(func(c *connection.Connection) {
			out = append(out, c)
		})
	})

	return out
}

// Shutdown disconnects every live session and returns them so the caller
// can wait on their Done channels.
func (r *Registry) Shutdown() []*connection.Connection {
	sessions := r.Sessions()
	for _, c := range sessions {
		c.Disconnect(true, true, true)
	}

	r.log.Info("registry shut down", logger.F("sessions", len(sessions)))
	return sessions
}

// NextID returns the id the next admitted socket will receive.
func (r *Registry) NextID() uint32 {
	return r.ids.Peek()
}

// Pending returns the number of registry operations queued behind the one
// running.
func (r *Registry) Pending() int {
	return r.strand.Pending()
}
