package utils

import (
	"errors"
	"fmt"
)

// NewError creates a new error with a message
func NewError(msg string) error {
	return fmt.Errorf("%s", msg)
}

// WrapError wraps an error with additional context
func WrapError(err error, msg string) error {
	if err == nil {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// TimeoutError creates a timeout error
func TimeoutError(operation string) error {
	return fmt.Errorf("%s: operation timed out", operation)
}

// Sentinel error kinds, checkable with errors.Is after being wrapped by
// WrapError. Subsystems wrap one of these with operation-specific context
// rather than minting ad-hoc errors.
var (
	ErrBorrowFailed                = errors.New("borrow failed: owner no longer alive")
	ErrURLMalformed                = errors.New("malformed endpoint url")
	ErrCannotResolveHost           = errors.New("cannot resolve host")
	ErrConnectionFailed            = errors.New("connection failed")
	ErrConnectionClosed            = errors.New("connection closed")
	ErrMessageSending              = errors.New("message sending failed")
	ErrMessagePayloadInvalid       = errors.New("message payload invalid")
	ErrNoSuchEndpoint              = errors.New("no such endpoint")
	ErrServiceEndpointDisconnected = errors.New("service endpoint disconnected")
	ErrNoCallableServiceFound      = errors.New("no callable service found")
	ErrCallFailed                  = errors.New("service call failed")
)
