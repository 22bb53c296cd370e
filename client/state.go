package client

import "time"

// ConnectionState represents the current state of the client.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota // Not connected and not attempting to connect
	Connecting                          // Resolution or dial in progress
	Connected                           // Session established
	Closed                              // Client has been closed and cannot connect again
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// StateEvent describes a state change. It is passed to StateHandler
// implementations.
type StateEvent struct {
	State     ConnectionState // The new state
	Address   string          // The remote "host:port" of the current attempt
	Timestamp time.Time       // When the change occurred
	Error     error           // Non-nil if the change was caused by an error
}
