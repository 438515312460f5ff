package session

import (
	"errors"
	"fmt"
)

// ErrNotRunning is returned when input is sent to a session that already
// reached a terminal state.
var ErrNotRunning = errors.New("session is not running")

// FatalError wraps an unrecoverable failure that ends the session. Tool
// failures are not fatal; they feed back to the planner as error results.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal session error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
