package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

var (
	ErrInsufficientBalance       = errors.New("insufficient item balance")
	ErrDuplicateClearanceRequest = errors.New("an outstanding clearance request already exists for this requester")
	ErrUnsupportedEvent          = errors.New("no template builder registered for event kind")
)

// ValidationError marks a malformed loan/return payload. It aborts the
// current unit of work and surfaces to the caller as a 4xx.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientDeliveryError wraps a notification transport failure that is worth
// retrying (connection refused, timeout, 4xx SMTP greeting). Anything not
// wrapped in this type is treated as permanent by the retry policy.
type TransientDeliveryError struct {
	Err error
}

func (e *TransientDeliveryError) Error() string {
	return "transient delivery failure: " + e.Err.Error()
}

func (e *TransientDeliveryError) Unwrap() error {
	return e.Err
}

func NewTransientDeliveryError(err error) error {
	if err == nil {
		return nil
	}
	return &TransientDeliveryError{Err: err}
}

func IsTransientDeliveryError(err error) bool {
	var te *TransientDeliveryError
	return errors.As(err, &te)
}

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
