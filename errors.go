package chatsdk

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Every error returned by an operation of this package
// matches exactly one of them with errors.Is.
var (
	// ErrAuthMissing: no token or user id; the operation was aborted before
	// any network call.
	ErrAuthMissing = errors.New("auth missing")
	// ErrNetworkFailure: the request was rejected or answered with a non-2xx
	// status.
	ErrNetworkFailure = errors.New("network failure")
	// ErrInvalidTarget: edit or delete aimed at a message that cannot be
	// targeted (provisional, unknown, or not sent by the local user).
	ErrInvalidTarget = errors.New("invalid target")
	// ErrCorruptCache: the persisted snapshot could not be parsed.
	ErrCorruptCache = errors.New("corrupt cache")
)

// Error describes a failed operation.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// APIError is a non-2xx answer from the chat backend.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}
