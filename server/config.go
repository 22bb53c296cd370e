package server

import (
	"net"
	"time"

	"github.com/cyberinferno/go-msgnet/connection"
	"github.com/cyberinferno/go-msgnet/listener"
	"github.com/cyberinferno/go-msgnet/logger"
	"github.com/cyberinferno/go-msgnet/metrics"
	"github.com/cyberinferno/go-msgnet/registry"
	"github.com/cyberinferno/go-msgnet/strand"
)

// AdmitFunc decides whether an accepted socket becomes a session.
type AdmitFunc func(conn net.Conn, id uint32) bool

// Config holds server settings.
type Config struct {
	// Name identifies the server in logs.
	Name string
	// Connection is applied to every session.
	Connection connection.Config
	// Registry configures the session manager.
	Registry registry.Config
	// Listener is applied to every endpoint.
	Listener listener.Config
	// Workers sizes the executor the server creates when Executor is nil.
	Workers int
	// Executor, when set, is shared and not closed by Stop.
	Executor *strand.Executor
	// Factory replaces the default session factory.
	Factory registry.Factory
	// Admit, when set, is consulted before each session is built. Refused
	// sockets receive a ServerDeny frame and are closed.
	Admit AdmitFunc
	// ShutdownTimeout bounds how long Stop waits for sessions to tear down.
	ShutdownTimeout time.Duration
	// Logger receives server events. Nil discards them.
	Logger logger.Logger
	// Metrics records server statistics. Nil disables them.
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with defaults: name "msgnet", default
// connection, registry and listener settings, one worker per CPU and a
// 5 second shutdown timeout.
func DefaultConfig() Config {
	return Config{
		Name:            "msgnet",
		Connection:      connection.DefaultConfig(),
		Registry:        registry.DefaultConfig(),
		Listener:        listener.DefaultConfig(),
		ShutdownTimeout: 5 * time.Second,
	}
}

// withDefaults propagates the server logger and metrics into the nested
// configurations that leave them unset.
func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "msgnet"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}

	c.Logger = logger.OrNop(c.Logger).With(logger.F("server", c.Name))

	if c.Connection.Logger == nil {
		c.Connection.Logger = c.Logger
	}
	if c.Connection.Metrics == nil {
		c.Connection.Metrics = c.Metrics
	}
	c.Connection.Side = metrics.SideServer

	if c.Registry.Logger == nil {
		c.Registry.Logger = c.Logger
	}
	if c.Registry.Metrics == nil {
		c.Registry.Metrics = c.Metrics
	}

	if c.Listener.Logger == nil {
		c.Listener.Logger = c.Logger
	}

	return c
}
