package delivery

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyMessage is returned for a blank body.
	ErrEmptyMessage = errors.New("message body is required")
	// ErrEmptyThread is returned for a blank thread id.
	ErrEmptyThread = errors.New("thread id is required")
	// ErrNoOutbox is returned by SendOrQueue when no outbox is configured.
	ErrNoOutbox = errors.New("no outbox configured")
	// ErrNoPersister fails the durable path when no persistence service is
	// configured.
	ErrNoPersister = errors.New("no persistence service configured")
)

// PersistenceError reports that the durable path of a message failed. The
// transient broadcast may still have reached the room.
type PersistenceError struct {
	CorrelationID string
	ThreadID      string
	Err           error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist message %s in thread %s: %v", e.CorrelationID, e.ThreadID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
