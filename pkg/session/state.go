package session

// State is the connection lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether the state owns a live session.
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected || s == StateDisconnecting
}
