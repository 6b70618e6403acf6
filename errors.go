package audit

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownEventType is returned when an event discriminator matches neither variant.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrAccessDenied is returned when the caller may not perform an action.
	// No side effects have taken place when it is returned.
	ErrAccessDenied = errors.New("access denied")
)

// ValidationError reports rejected user input. It is never retried.
type ValidationError struct {
	Messages []string
}

// NewValidationError returns a ValidationError carrying msgs.
func NewValidationError(msgs ...string) *ValidationError {
	return &ValidationError{Messages: msgs}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Messages, "; ")
}

// ParsingError reports an inbound payload that could not be decoded.
// It is fatal for the message that produced it.
type ParsingError struct {
	Err error
}

func (e *ParsingError) Error() string {
	return fmt.Sprintf("parse audit event: %v", e.Err)
}

func (e *ParsingError) Unwrap() error { return e.Err }

// IsPermanent reports whether redelivering the message that produced err
// could never succeed. Transports acknowledge and drop such messages.
func IsPermanent(err error) bool {
	var pe *ParsingError
	return errors.As(err, &pe)
}

// InsertResult is the outcome of an idempotent insert.
type InsertResult int

const (
	// Inserted means the event was written by this call.
	Inserted InsertResult = iota + 1
	// AlreadyExists means an event with the same id was already stored.
	AlreadyExists
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	}
	return "unknown"
}
