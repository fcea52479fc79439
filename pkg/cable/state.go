package cable

import (
	"errors"
	"fmt"
)

// ConnectionState is the externally observable state of the connection.
type ConnectionState int

// Connection states.
const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Errored
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Errored:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is delivered to status handlers on every transition.
type Status struct {
	Err     error
	State   ConnectionState
	Attempt int
}

var (
	// ErrMissingCredential means no token was available.
	ErrMissingCredential = errors.New("authentication token not found")
	// ErrMissingTenant means no restaurant id was given.
	ErrMissingTenant = errors.New("restaurant id is required")
	// ErrMaxAttempts means the allowed reconnect attempts are used up.
	ErrMaxAttempts = errors.New("max reconnection attempts reached")
	// ErrHeartbeat means the liveness check found the connection dead.
	ErrHeartbeat = errors.New("heartbeat check failed")
	// ErrOffline means the host reported the network as offline.
	ErrOffline = errors.New("network offline")
	// ErrNotOpen is returned by a socket asked to send while not open.
	ErrNotOpen = errors.New("socket is not open")
)

// PreconditionError is a connect failure that is not retried automatically.
// The caller must call Initialize again once the cause is fixed.
type PreconditionError struct {
	Err error
}

func (e *PreconditionError) Error() string {
	return "connect precondition failed: " + e.Err.Error()
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// IsTerminal reports whether err ends automatic reconnection.
func IsTerminal(err error) bool {
	var pe *PreconditionError
	return errors.Is(err, ErrMaxAttempts) || errors.As(err, &pe)
}
