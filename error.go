package pcanrs

import (
	"errors"
	"fmt"
)

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable wraps an error in `unrecoverableError` struct
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable checks if error is an instance of `unrecoverableError`
func IsRecoverable(err error) bool {
	var ue unrecoverableError
	return !errors.As(err, &ue)
}

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrDeviceNak       = errors.New("command rejected by adapter")
	ErrTimeout         = errors.New("timeout waiting for adapter reply")
	ErrTransport       = errors.New("transport failure")
	ErrMalformed       = errors.New("malformed frame")
	ErrUnexpectedReply = errors.New("unexpected reply")
	ErrOutOfRange      = errors.New("value out of range")
	ErrLengthMismatch  = errors.New("payload length does not match data length")
	ErrDriverClosed    = errors.New("driver closed")
	ErrDroppedFrame    = errors.New("frame sink full, frame dropped")
)

// CommandError reports an Error reply for one command. Command is the
// command that failed, which for wrapped commands may be the close or
// reopen step rather than the command the caller issued.
type CommandError struct {
	Command CommandKind
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func transportFailure(op string, err error) error {
	return Unrecoverable(fmt.Errorf("%w: %s: %v", ErrTransport, op, err))
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
