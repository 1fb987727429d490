package system

import (
	"errors"
	"fmt"
)

// Status errors returned by the link layer. None of them is fatal.
var (
	ErrInvalidState      = errors.New("command not allowed in current state")
	ErrInvalidParams     = errors.New("invalid parameters")
	ErrLinkNotFound      = errors.New("link not found")
	ErrQueueNotFound     = errors.New("queue not found")
	ErrAlreadyRegistered = errors.New("link already registered")
	ErrMailboxFull       = errors.New("command mailbox full")
	ErrStopped           = errors.New("link task stopped")
	ErrUnsupported       = errors.New("command not supported")
)

// LinkError reports a failed command on a named link.
type LinkError struct {
	Code    string
	Link    string
	Message string
	Cause   error
}

func (e *LinkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Code, e.Link, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Link, e.Message)
}

func (e *LinkError) Unwrap() error {
	return e.Cause
}

// Error codes
const (
	ErrCodeCreateFailed  = "CREATE_FAILED"
	ErrCodeStartFailed   = "START_FAILED"
	ErrCodeStopFailed    = "STOP_FAILED"
	ErrCodeDeleteFailed  = "DELETE_FAILED"
	ErrCodeCommandFailed = "COMMAND_FAILED"
	ErrCodeConfigError   = "CONFIG_ERROR"
)

// NewLinkError creates a new link error
func NewLinkError(code, link, message string, cause error) *LinkError {
	return &LinkError{
		Code:    code,
		Link:    link,
		Message: message,
		Cause:   cause,
	}
}

// ProtocolViolation is the panic value raised when a caller breaks the buffer
// exchange protocol. It signals a programming error and is never recovered.
type ProtocolViolation struct {
	Msg string
}

func (v *ProtocolViolation) Error() string {
	return "protocol violation: " + v.Msg
}

// Violationf panics with a *ProtocolViolation.
func Violationf(format string, args ...any) {
	panic(&ProtocolViolation{Msg: fmt.Sprintf(format, args...)})
}
