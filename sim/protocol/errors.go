package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrReaderFaulted is returned by a Reader that already rejected a message.
	ErrReaderFaulted = errors.New("protocol reader is faulted")

	// ErrUnexpectedEvent is returned by handlers for event types that may not
	// travel in the direction they arrived from.
	ErrUnexpectedEvent = errors.New("unexpected event type for this direction")
)

// ProtocolError reports a malformed message: bad shape, unknown event type,
// unparsable or non-monotonic timestamps.
// Index is the offending event index, or -1 for message-level faults.
type ProtocolError struct {
	Index  int
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol violation"
	if e.Index >= 0 {
		msg = fmt.Sprintf("protocol violation in event %d", e.Index)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ValidationError reports a well-formed event that the current simulation
// state does not allow, such as rejecting a job that is not submitted.
type ValidationError struct {
	Index int
	Type  EventType
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s event %d: %v", e.Type, e.Index, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func protocolErrorf(index int, format string, args ...any) *ProtocolError {
	return &ProtocolError{Index: index, Reason: fmt.Sprintf(format, args...)}
}
