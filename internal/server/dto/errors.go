// Package dto defines the HTTP API contract: request types with path/json
// struct tags for parameter binding, response envelopes, and structured
// errors carrying HTTP status codes.
//
// Every success response carries success=true alongside its payload fields;
// every failure is an ErrorResponse with success=false, a short error
// string, and an optional underlying message. Handlers return errors as
// ErrorWithStatus values so the wrapper can map them to status codes in one
// place.
package dto

import (
	"fmt"
	"net/http"
)

// ErrorResponse is the uniform failure envelope.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Path    string `json:"path,omitempty"`
}

// ErrorWithStatus is an error that knows its HTTP status code.
type ErrorWithStatus interface {
	Error() string
	StatusCode() int
	// Public returns the short error string exposed in the envelope.
	Public() string
}

// APIError is the concrete error type handlers return.
type APIError struct {
	statusCode int
	message    string
	wrappedErr error
}

// NewAPIError creates an APIError with the given status code and public
// message.
func NewAPIError(statusCode int, message string) *APIError {
	return &APIError{statusCode: statusCode, message: message}
}

// Wrap attaches an underlying cause, surfaced in the envelope's message
// field.
func (e *APIError) Wrap(err error) *APIError {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Public returns the short message without the wrapped cause.
func (e *APIError) Public() string {
	return e.message
}

// StatusCode returns the HTTP status code.
func (e *APIError) StatusCode() int {
	return e.statusCode
}

// Unwrap returns the wrapped error if any.
func (e *APIError) Unwrap() error {
	return e.wrappedErr
}

// NotFound creates a 404 error.
func NotFound(message string) *APIError {
	return NewAPIError(http.StatusNotFound, message)
}

// BadRequest creates a 400 error.
func BadRequest(message string) *APIError {
	return NewAPIError(http.StatusBadRequest, message)
}

// PayloadTooLarge creates a 413 error.
func PayloadTooLarge(message string) *APIError {
	return NewAPIError(http.StatusRequestEntityTooLarge, message)
}

// Internal creates a 500 error.
func Internal(message string) *APIError {
	return NewAPIError(http.StatusInternalServerError, message)
}

// InternalWithError creates a 500 error wrapping an underlying cause.
func InternalWithError(message string, err error) *APIError {
	return Internal(message).Wrap(err)
}
