package ember

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of driver errors
type ErrorType int

const (
	// ErrorTypeUnknown represents an unknown error
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeInterface represents transport-level failures (unexpected HTTP
	// status, malformed response envelope)
	ErrorTypeInterface
	// ErrorTypeAuthentication represents token acquisition or refresh failures
	ErrorTypeAuthentication
	// ErrorTypeAccountNotFound is returned when the account name cannot be resolved
	ErrorTypeAccountNotFound
	// ErrorTypeEngineNotFound is returned when no engine with the requested name exists
	ErrorTypeEngineNotFound
	// ErrorTypeEngineNotRunning is returned when the target engine is not in the
	// Running state
	ErrorTypeEngineNotRunning
	// ErrorTypeDatabaseNotFound is returned when the configured database does not exist
	ErrorTypeDatabaseNotFound
	// ErrorTypeOperational represents server-side execution failures
	ErrorTypeOperational
	// ErrorTypeProgramming represents client misuse (bad placeholders, 403 with
	// no clearer cause)
	ErrorTypeProgramming
	// ErrorTypeInvalidParameter is returned when a SET statement value is
	// rejected by validation
	ErrorTypeInvalidParameter
	// ErrorTypeNoData is returned when a fetch is attempted with no pending row data
	ErrorTypeNoData
	// ErrorTypeClosed is returned for any operation on a closed connection or cursor
	ErrorTypeClosed
	// ErrorTypeDecode is returned when a row value cannot be coerced to its
	// declared column type
	ErrorTypeDecode
)

// Error represents a structured driver error with type information
type Error struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Cause      error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsType checks if the error is of a specific type
func (e *Error) IsType(errorType ErrorType) bool {
	return e.Type == errorType
}

// NewError creates a new Error with the specified type and message
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error with the specified type, message, and
// underlying cause
func NewErrorWithCause(errorType ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewOperationalError creates a server-side execution error
func NewOperationalError(message string) *Error {
	return NewError(ErrorTypeOperational, message)
}

// NewProgrammingError creates a client-misuse error
func NewProgrammingError(message string) *Error {
	return NewError(ErrorTypeProgramming, message)
}

// NewInterfaceError creates a transport-level error carrying the HTTP status code
func NewInterfaceError(message string, statusCode int) *Error {
	return &Error{
		Type:       ErrorTypeInterface,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewAuthenticationError creates an authentication-related error
func NewAuthenticationError(message string) *Error {
	return NewError(ErrorTypeAuthentication, message)
}

// errorIsType reports whether err (or any error it wraps) is an *Error of the
// given type.
func errorIsType(err error, errorType ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.IsType(errorType)
	}
	return false
}

// IsAccountNotFoundError checks if an error reports an unresolvable account name
func IsAccountNotFoundError(err error) bool {
	return errorIsType(err, ErrorTypeAccountNotFound)
}

// IsEngineNotFoundError checks if an error reports a missing engine
func IsEngineNotFoundError(err error) bool {
	return errorIsType(err, ErrorTypeEngineNotFound)
}

// IsEngineNotRunningError checks if an error reports a stopped engine
func IsEngineNotRunningError(err error) bool {
	return errorIsType(err, ErrorTypeEngineNotRunning)
}

// IsDatabaseNotFoundError checks if an error reports a missing database
func IsDatabaseNotFoundError(err error) bool {
	return errorIsType(err, ErrorTypeDatabaseNotFound)
}

// IsOperationalError checks if an error is a server-side execution failure
func IsOperationalError(err error) bool {
	return errorIsType(err, ErrorTypeOperational)
}

// IsProgrammingError checks if an error is a client-misuse error
func IsProgrammingError(err error) bool {
	return errorIsType(err, ErrorTypeProgramming)
}

// IsInvalidParameterError checks if an error reports a rejected SET parameter
func IsInvalidParameterError(err error) bool {
	return errorIsType(err, ErrorTypeInvalidParameter)
}

// IsNoDataError checks if an error reports a fetch with no pending row data
func IsNoDataError(err error) bool {
	return errorIsType(err, ErrorTypeNoData)
}

// IsClosedError checks if an error reports an operation on a closed handle
func IsClosedError(err error) bool {
	return errorIsType(err, ErrorTypeClosed)
}

// IsDecodeError checks if an error reports a value that could not be coerced
// to its declared column type
func IsDecodeError(err error) bool {
	return errorIsType(err, ErrorTypeDecode)
}

// IsInterfaceError checks if an error is a transport-level failure
func IsInterfaceError(err error) bool {
	return errorIsType(err, ErrorTypeInterface)
}

// IsAuthenticationError checks if an error is authentication-related
func IsAuthenticationError(err error) bool {
	return errorIsType(err, ErrorTypeAuthentication)
}
