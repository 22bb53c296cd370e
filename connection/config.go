package connection

import (
	"math"
	"time"

	"github.com/cyberinferno/go-msgnet/logger"
	"github.com/cyberinferno/go-msgnet/metrics"
)

const (
	// DefaultMaxBodySize is the largest frame body accepted by default (16 MiB).
	DefaultMaxBodySize = 16 * 1024 * 1024
	// NoBodyLimit accepts any declared body size.
	NoBodyLimit = math.MaxUint32
)

// Config holds the per-connection settings.
type Config struct {
	// MaxBodySize bounds the declared body size of inbound frames. Larger
	// frames disconnect the peer. Zero selects DefaultMaxBodySize; use
	// NoBodyLimit to accept any size.
	MaxBodySize uint32
	// NoDelay disables Nagle's algorithm on TCP sockets when started.
	NoDelay bool
	// ReadBufferSize is the size of the buffered reader in front of the socket.
	ReadBufferSize int
	// WriteTimeout bounds each frame write; 0 means no timeout.
	WriteTimeout time.Duration
	// Side labels metrics samples (metrics.SideServer or metrics.SideClient).
	Side string
	// Logger receives connection events. Nil discards them.
	Logger logger.Logger
	// Metrics records frame and teardown statistics. Nil disables them.
	Metrics *metrics.Metrics
}

// DefaultConfig returns a Config with defaults: MaxBodySize 16 MiB, NoDelay
// on, ReadBufferSize 64 KiB, no write timeout, server side.
func DefaultConfig() Config {
	return Config{
		MaxBodySize:    DefaultMaxBodySize,
		NoDelay:        true,
		ReadBufferSize: 64 * 1024,
		Side:           metrics.SideServer,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxBodySize == 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}

	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 64 * 1024
	}

	if c.Side == "" {
		c.Side = metrics.SideServer
	}

	c.Logger = logger.OrNop(c.Logger)
	return c
}
