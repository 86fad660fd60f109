package realtime

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized = errors.New("not an active member of this pot")
	ErrNoDocument   = errors.New("pot has no checkpoint and no initial value")
	ErrClosed       = errors.New("sync handle is closed")
)

// TransportError wraps a publish, subscribe or catch-up failure. The handle keeps working
// offline and retries.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// CheckpointError wraps a snapshot read or write failure. It only affects history size.
type CheckpointError struct {
	Op  string
	Err error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("failed to %s checkpoint: %v", e.Op, e.Err)
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}
