package potdoc

import (
	"errors"
	"fmt"
)

var (
	ErrMissingID       = errors.New("id can't be empty")
	ErrInvalidAmount   = errors.New("amount must not be negative")
	ErrMemberExists    = errors.New("member already exists")
	ErrMemberNotFound  = errors.New("member not found")
	ErrExpenseExists   = errors.New("expense already exists")
	ErrExpenseNotFound = errors.New("expense not found")
	ErrExpenseDeleted  = errors.New("expense has been deleted")
	ErrInvalidStatus   = errors.New("unknown member status")
)

// DecodeError reports a change payload that could not be decoded. Index is the position of the
// offending payload in the batch.
type DecodeError struct {
	Index int
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode change %d: %v", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
