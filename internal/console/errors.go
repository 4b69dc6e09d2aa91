package console

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOperation is returned for requests the multiplexer refuses
	// outright, such as detaching the local session.
	ErrInvalidOperation = errors.New("console: invalid operation")
	// ErrClosed is returned when attaching to a closed multiplexer.
	ErrClosed = errors.New("console: multiplexer closed")
)

// SessionIOError records a failed read or write on one session. It only
// ever causes that session to be detached.
type SessionIOError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *SessionIOError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *SessionIOError) Unwrap() error { return e.Err }
