package order

import (
	"errors"
	"fmt"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrInvalidTransition     = errors.New("invalid order state transition")
	ErrBrokerRejected        = errors.New("order rejected by broker")
	ErrTransport             = errors.New("broker transport failure")
	ErrSubmissionUnconfirmed = errors.New("could not confirm submission; reconcile before resubmitting")
	ErrNotFound              = errors.New("not found")
	ErrConstraint            = errors.New("constraint violation")
	ErrStaleStatus           = errors.New("order status changed concurrently")
)

// ValidationError describes bad caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransitionError is returned when an operation's precondition on the
// order status does not hold.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid order state transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// RejectionError carries the broker's return code and its message verbatim.
type RejectionError struct {
	Code    int
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order rejected by broker (code %d): %s", e.Code, e.Message)
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrBrokerRejected
}
