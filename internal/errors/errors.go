// FilePath: internal/errors/errors.go
package errors

import (
	"fmt"
)

// ErrorType represents the kind of client error
type ErrorType string

const (
	// Error types
	ErrorTypeNetwork         ErrorType = "network_unavailable"
	ErrorTypeServer          ErrorType = "server"
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeAuthExpired     ErrorType = "auth_expired"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeInvalidArgument ErrorType = "invalid_argument"
	ErrorTypeLookup          ErrorType = "lookup"
)

// ClientError is the structured error returned by every service-layer call,
// so callers can distinguish kinds without string matching.
type ClientError struct {
	Type    ErrorType         `json:"type"`
	Message string            `json:"message"`
	Code    int               `json:"code,omitempty"`   // server envelope code, when one was received
	Fields  map[string]string `json:"fields,omitempty"` // per-field validation messages
	err     error             // internal error for logging
}

// Error implements the error interface
func (e *ClientError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s (internal: %v)", e.Type, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the internal error to errors.Is/As chains
func (e *ClientError) Unwrap() error {
	return e.err
}

// WithCode attaches the server envelope code to the error
func (e *ClientError) WithCode(code int) *ClientError {
	e.Code = code
	return e
}

// WithFields attaches per-field validation messages to the error
func (e *ClientError) WithFields(fields map[string]string) *ClientError {
	e.Fields = fields
	return e
}

// NewNetworkError creates an error for requests that got no response
func NewNetworkError(msg string, err error) *ClientError {
	return &ClientError{
		Type:    ErrorTypeNetwork,
		Message: msg,
		err:     err,
	}
}

// NewServerError creates an error for 5xx responses and malformed envelopes
func NewServerError(msg string, err error) *ClientError {
	return &ClientError{
		Type:    ErrorTypeServer,
		Message: msg,
		err:     err,
	}
}

// NewValidationError creates an error carrying field-level messages
func NewValidationError(msg string, err error) *ClientError {
	return &ClientError{
		Type:    ErrorTypeValidation,
		Message: msg,
		err:     err,
	}
}

// NewAuthExpiredError creates an error for 401 responses
func NewAuthExpiredError(msg string, err error) *ClientError {
	return &ClientError{
		Type:    ErrorTypeAuthExpired,
		Message: msg,
		err:     err,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(msg string, err error) *ClientError {
	return &ClientError{
		Type:    ErrorTypeNotFound,
		Message: msg,
		err:     err,
	}
}

// NewInvalidArgumentError creates an error for calls rejected before any request is made
func NewInvalidArgumentError(msg string) *ClientError {
	return &ClientError{
		Type:    ErrorTypeInvalidArgument,
		Message: msg,
	}
}

// NewLookupError wraps a failed code resolution
func NewLookupError(msg string, err error) *ClientError {
	return &ClientError{
		Type:    ErrorTypeLookup,
		Message: msg,
		err:     err,
	}
}

// IsNetwork checks if an error is a NetworkUnavailable error
func IsNetwork(err error) bool {
	return isType(err, ErrorTypeNetwork)
}

// IsServer checks if an error is a ServerError
func IsServer(err error) bool {
	return isType(err, ErrorTypeServer)
}

// IsValidation checks if an error is a Validation error
func IsValidation(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsAuthExpired checks if an error is an AuthExpired error
func IsAuthExpired(err error) bool {
	return isType(err, ErrorTypeAuthExpired)
}

// IsNotFound checks if an error is a NotFound error
func IsNotFound(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

// IsInvalidArgument checks if an error is an InvalidArgument error
func IsInvalidArgument(err error) bool {
	return isType(err, ErrorTypeInvalidArgument)
}

// IsLookup checks if an error is a Lookup error
func IsLookup(err error) bool {
	return isType(err, ErrorTypeLookup)
}

func isType(err error, t ErrorType) bool {
	if cerr, ok := err.(*ClientError); ok {
		return cerr.Type == t
	}
	return false
}
