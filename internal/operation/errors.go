package operation

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized = errors.New("unauthorized: administrator role required")
	ErrUnknownKind  = errors.New("unknown operation kind")
	ErrStartPending = errors.New("a start of this kind is already pending")
	ErrNotFound     = errors.New("operation not found")
	ErrNotTerminal  = errors.New("operation has not finished")
)

// TransportError is a network, timeout or open-circuit failure talking to the job service.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectedError carries a structured refusal from the job service.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected by job service (status %d): %s", e.StatusCode, e.Message)
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
