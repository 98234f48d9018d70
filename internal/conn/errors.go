package conn

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrAuth marks a rejected credential. It is terminal: no retry follows.
	ErrAuth = errors.New("authentication rejected")
)

// AuthError is a handshake or session rejection by the server.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth rejected: %s: %v", e.Reason, e.Err)
	}
	return "auth rejected: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// TransportError wraps a socket level failure. It triggers reconnection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
