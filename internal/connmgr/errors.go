package connmgr

import (
	"errors"
	"fmt"
)

// Kind classifies Manager failures.
type Kind int

const (
	KindInternal Kind = iota
	KindCapabilityUnavailable
	KindCapabilityDisabled
	KindConnectionFailed
	KindNotConnected
	KindWriteFailed
)

// Code is the short tag reported to callers across the bridge.
func (k Kind) Code() string {
	switch k {
	case KindCapabilityUnavailable:
		return "BLUETOOTH_NOT_AVAILABLE"
	case KindCapabilityDisabled:
		return "BLUETOOTH_DISABLED"
	case KindConnectionFailed:
		return "CONNECTION_FAILED"
	case KindNotConnected:
		return "NOT_CONNECTED"
	case KindWriteFailed:
		return "PRINT_FAILED"
	}
	return "ERROR"
}

func (k Kind) String() string {
	switch k {
	case KindCapabilityUnavailable:
		return "capability unavailable"
	case KindCapabilityDisabled:
		return "capability disabled"
	case KindConnectionFailed:
		return "connection failed"
	case KindNotConnected:
		return "not connected"
	case KindWriteFailed:
		return "write failed"
	}
	return "internal"
}

// Error is returned by Manager operations. Err holds the underlying cause,
// if any.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connmgr: %s: %v", e.Message, e.Err)
	}
	return "connmgr: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrCapabilityUnavailable = &Error{Kind: KindCapabilityUnavailable, Message: "bluetooth is not available on this device"}
	ErrCapabilityDisabled    = &Error{Kind: KindCapabilityDisabled, Message: "bluetooth is disabled"}
	ErrConnectionFailed      = &Error{Kind: KindConnectionFailed, Message: "failed to connect"}
	ErrNotConnected          = &Error{Kind: KindNotConnected, Message: "device is not connected"}
	ErrWriteFailed           = &Error{Kind: KindWriteFailed, Message: "failed to write"}
)

// KindOf returns the Kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}
