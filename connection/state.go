package connection

// State is the lifecycle phase of a Connection. Transitions only move
// forward: Idle → Connecting → Active → Disconnecting → Closed, where
// Connecting is optional and any phase may jump to Disconnecting.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateDisconnecting
	StateClosed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateActive:
		return "Active"
	case StateDisconnecting:
		return "Disconnecting"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
