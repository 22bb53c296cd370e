package client

import (
	"time"

	"github.com/cyberinferno/go-msgnet/connection"
	"github.com/cyberinferno/go-msgnet/logger"
	"github.com/cyberinferno/go-msgnet/metrics"
	"github.com/cyberinferno/go-msgnet/resolver"
	"github.com/cyberinferno/go-msgnet/strand"
)

// Config holds client settings.
type Config struct {
	// ConnectionTimeout bounds resolution plus dialing; 0 means no timeout.
	ConnectionTimeout time.Duration
	// Connection is applied to the session.
	Connection connection.Config
	// Resolver turns host names into addresses. Nil selects the system
	// resolver.
	Resolver resolver.Resolver
	// Workers sizes the executor the client creates when Executor is nil.
	Workers int
	// Executor, when set, is shared and not closed by Close. Many clients
	// in one process should share one.
	Executor *strand.Executor
	// Logger receives client events. Nil discards them.
	Logger logger.Logger
	// Metrics records client statistics. Nil disables them.
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with defaults: 10 second connection
// timeout, default connection settings, system resolver, one worker.
func DefaultConfig() Config {
	return Config{
		ConnectionTimeout: 10 * time.Second,
		Connection:        connection.DefaultConfig(),
		Workers:           1,
	}
}

func (c Config) withDefaults() Config {
	if c.Resolver == nil {
		c.Resolver = resolver.Default()
	}

	c.Logger = logger.OrNop(c.Logger)
	if c.Connection.Logger == nil {
		c.Connection.Logger = c.Logger
	}
	if c.Connection.Metrics == nil {
		c.Connection.Metrics = c.Metrics
	}
	c.Connection.Side = metrics.SideClient

	return c
}
