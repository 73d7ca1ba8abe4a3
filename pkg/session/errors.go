package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyActive indicates a connect was requested while a session
	// is already connecting or connected.
	ErrAlreadyActive = errors.New("a VPN session is already active")

	// ErrHostLocked indicates another orchestrator instance on this host
	// holds the session lock.
	ErrHostLocked = errors.New("another VPN session holds the host lock")

	// ErrNotConnected indicates a disconnect was requested with no
	// session to tear down.
	ErrNotConnected = errors.New("no active VPN session")
)

// ExhaustedError is returned when every attempted endpoint failed and the
// retry budget ran out.
type ExhaustedError struct {
	Attempts     int
	LastEndpoint string
	LastOutput   string
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("failed to connect after %d attempts", e.Attempts)
	if e.LastEndpoint != "" {
		msg += fmt.Sprintf(", last endpoint %s", e.LastEndpoint)
	}
	if e.LastOutput != "" {
		msg += fmt.Sprintf(": %s", e.LastOutput)
	}
	return msg
}
