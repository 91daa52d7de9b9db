// Package httperr defines the error types the gateway surfaces to its HTTP host.
package httperr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPQueryError is a per-request error carrying the HTTP status and headers
// the host transport must translate it into. It never crashes the process;
// the pipeline propagates it unmodified to the HTTP boundary.
type HTTPQueryError struct {
	StatusCode     int
	Message        string
	IsGraphQLError bool
	Headers        http.Header
}

// Error implements the error interface.
func (e *HTTPQueryError) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// New creates an HTTPQueryError with the given status and message.
func New(statusCode int, message string) *HTTPQueryError {
	return &HTTPQueryError{
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewGraphQL creates an HTTPQueryError whose body is written in the
// GraphQL errors envelope.
func NewGraphQL(statusCode int, message string) *HTTPQueryError {
	return &HTTPQueryError{
		StatusCode:     statusCode,
		Message:        message,
		IsGraphQLError: true,
	}
}

// WithHeader returns the error with an additional response header set.
func (e *HTTPQueryError) WithHeader(key, value string) *HTTPQueryError {
	if e.Headers == nil {
		e.Headers = make(http.Header)
	}
	e.Headers.Set(key, value)
	return e
}

// graphqlErrorBody mirrors the GraphQL response error envelope.
type graphqlErrorBody struct {
	Errors []graphqlError `json:"errors"`
}

type graphqlError struct {
	Message string `json:"message"`
}

// Write translates the error into a protocol-level response: status line,
// carried headers, and a JSON body.
func (e *HTTPQueryError) Write(w http.ResponseWriter) {
	for k, vals := range e.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)

	if e.IsGraphQLError {
		json.NewEncoder(w).Encode(graphqlErrorBody{
			Errors: []graphqlError{{Message: e.Message}},
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"error": e.Message})
}

// ConfigurationError reports invalid configuration at construction time.
// It is fatal and raised synchronously before any request is accepted.
type ConfigurationError struct {
	Reason string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Reason
}

// NewConfiguration creates a ConfigurationError.
func NewConfiguration(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}
