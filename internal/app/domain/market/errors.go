package market

import (
	"errors"
	"fmt"
)

// Code classifies domain errors so callers can branch without string
// matching.
type Code string

const (
	CodeInvalidConfig Code = "INVALID_CONFIG"
	CodeNotFound      Code = "NOT_FOUND"
	CodeProvider      Code = "PROVIDER_ERROR"
	CodeUnavailable   Code = "UNAVAILABLE"
	CodeStore         Code = "STORE_ERROR"
)

// Error is the domain error type carried across component boundaries.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a domain error with the given code.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a domain error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps an underlying error with a domain code.
func WrapError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// IsCode reports whether err carries the given domain code anywhere in its
// chain.
func IsCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

func IsNotFound(err error) bool    { return IsCode(err, CodeNotFound) }
func IsUnavailable(err error) bool { return IsCode(err, CodeUnavailable) }
