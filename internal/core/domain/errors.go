package domain

import (
	"errors"
	"fmt"
)

var (
	ErrChannelUnavailable = errors.New("signaling channel unavailable")
	ErrMediaUnavailable   = errors.New("local media unavailable")
	ErrSessionBusy        = errors.New("session busy")
	ErrTransportFailure   = errors.New("transport failure")
	ErrNoPendingCall      = errors.New("no pending call")
	ErrUnknownIdentity    = errors.New("unknown identity")
	ErrInvalidMessage     = errors.New("invalid control message")
	ErrNotStarted         = errors.New("not started")
	ErrClosed             = errors.New("closed")
)

// CallError records the operation and the remote party an error belongs to.
type CallError struct {
	Op     string
	Remote Identity
	Err    error
}

func NewCallError(op string, remote Identity, err error) *CallError {
	return &CallError{Op: op, Remote: remote, Err: err}
}

func (e *CallError) Error() string {
	if e.Remote.IsZero() {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Remote, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}
