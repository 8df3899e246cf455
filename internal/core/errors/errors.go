package errors

import (
	stderrors "errors"
	"fmt"
)

const (
	HttpInternalError      = "internal_error"
	HttpInvalidJsonError   = "invalid_json"
	HttpInvalidQueryError  = "invalid_query"
	HttpConfigurationError = "configuration_error"
	HttpUnknownAggregation = "aggregation_not_found"
	HttpInvalidEventError  = "invalid_event"
)

// Error categories. Every error produced by the aggregation core wraps exactly
// one of these so callers can branch with errors.Is.
var (
	// ErrConfiguration marks problems detected while compiling a query or
	// loading a definition: missing within/per, unknown granularity, bad ladder.
	ErrConfiguration = stderrors.New("configuration error")

	// ErrRuntime marks failures of a single retrieval or ingestion call, such as
	// a within expression that evaluates to nil. State is left untouched.
	ErrRuntime = stderrors.New("runtime error")

	// ErrInvalidQuery marks malformed query requests at the HTTP boundary.
	ErrInvalidQuery = stderrors.New("invalid query")
)

// Configurationf returns a configuration error with a formatted message.
func Configurationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Runtimef returns a runtime error with a formatted message. A trailing error
// argument formatted with %w stays reachable through errors.Is/As.
func Runtimef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrRuntime}, args...)...)
}

// InvalidQueryf returns an invalid-query error with a formatted message.
func InvalidQueryf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidQuery, fmt.Sprintf(format, args...))
}

// ErrorResponse is the error response body returned by the HTTP handlers.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}
