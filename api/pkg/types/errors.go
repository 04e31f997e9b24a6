package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies control plane failures so the HTTP layer can map
// them onto status codes without string matching.
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindNotFound   ErrorKind = "not_found"
	ErrorKindConflict   ErrorKind = "conflict"
	ErrorKindExhausted  ErrorKind = "exhausted"
	ErrorKindDriver     ErrorKind = "driver"
	ErrorKindGone       ErrorKind = "gone"
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindInternal   ErrorKind = "internal"
)

type ControlError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ControlError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	return e.Message
}

func (e *ControlError) Unwrap() error {
	return e.Err
}

func NewValidationError(format string, args ...any) *ControlError {
	return &ControlError{Kind: ErrorKindValidation, Message: fmt.Sprintf(format, args...)}
}

func NewNotFoundError(format string, args ...any) *ControlError {
	return &ControlError{Kind: ErrorKindNotFound, Message: fmt.Sprintf(format, args...)}
}

func NewConflictError(format string, args ...any) *ControlError {
	return &ControlError{Kind: ErrorKindConflict, Message: fmt.Sprintf(format, args...)}
}

func NewExhaustedError(format string, args ...any) *ControlError {
	return &ControlError{Kind: ErrorKindExhausted, Message: fmt.Sprintf(format, args...)}
}

func NewDriverError(message string, err error) *ControlError {
	return &ControlError{Kind: ErrorKindDriver, Message: message, Err: err}
}

func NewGoneError(format string, args ...any) *ControlError {
	return &ControlError{Kind: ErrorKindGone, Message: fmt.Sprintf(format, args...)}
}

func NewTimeoutError(message string, err error) *ControlError {
	return &ControlError{Kind: ErrorKindTimeout, Message: message, Err: err}
}

func NewInternalError(message string, err error) *ControlError {
	return &ControlError{Kind: ErrorKindInternal, Message: message, Err: err}
}

// KindOf returns the classification of err, defaulting to internal for
// anything that is not a ControlError.
func KindOf(err error) ErrorKind {
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrorKindInternal
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
