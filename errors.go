package chatsync

import (
	"errors"
	"fmt"
)

// Failure kinds. Every one of them is recovered locally; none is fatal.
var (
	ErrAuthQuery      = errors.New("auth query failed")
	ErrAuthSignOut    = errors.New("sign-out failed")
	ErrStoreRead      = errors.New("store read failed")
	ErrStoreWrite     = errors.New("store write failed")
	ErrChannelConnect = errors.New("channel connect failed")
)

// Usage errors returned by the Controller.
var (
	ErrNoSession        = errors.New("no active session")
	ErrNotActive        = errors.New("not signed in")
	ErrNotJoined        = errors.New("not joined")
	ErrEmptyMessage     = errors.New("message text is empty")
	ErrEmptyDisplayName = errors.New("display name is empty")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrUserExists       = errors.New("user already exists")
)

var errSessionChanged = errors.New("session changed")

// OpError records the operation and failure kind of an error.
// errors.Is matches both the kind and the underlying cause.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op string, kind, err error) error {
	return &OpError{Op: op, Kind: kind, Err: err}
}

func errInvalidMessage(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, reason)
}

// APIError represents an error body returned by the REST backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.Status, e.Code, e.Message)
}
