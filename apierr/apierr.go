// Package apierr defines the caller-visible error taxonomy shared by every
// HTTP handler: a fixed set of error kinds, their HTTP status codes, and the
// {error:{code,message,details?}} response shape.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a caller-visible error kind. Codes are stable API surface —
// never renamed once shipped.
type Code string

const (
	CodeUnauthenticated       Code = "unauthenticated"
	CodeForbidden             Code = "forbidden"
	CodeRateLimited           Code = "rate_limited"
	CodeQuotaExceeded         Code = "quota_exceeded"
	CodePayloadInvalid        Code = "payload_invalid"
	CodeNotFound              Code = "not_found"
	CodeDownstreamUnavailable Code = "downstream_unavailable"
	CodeInternal              Code = "internal"
)

var statusByCode = map[Code]int{
	CodeUnauthenticated:       http.StatusUnauthorized,
	CodeForbidden:             http.StatusForbidden,
	CodeRateLimited:           http.StatusTooManyRequests,
	CodeQuotaExceeded:         http.StatusTooManyRequests,
	CodePayloadInvalid:        http.StatusBadRequest,
	CodeNotFound:              http.StatusNotFound,
	CodeDownstreamUnavailable: http.StatusServiceUnavailable,
	CodeInternal:              http.StatusInternalServerError,
}

// Error is a caller-visible API error: a stable code, a human message, and
// optional structured details (e.g. a per-event validation diagnostic list).
type Error struct {
	Code    Code
	Message string
	Details interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code for this error's kind.
func (e *Error) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error with no details.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error carrying a downstream cause for logging (the cause is
// never included in the wire response).
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails attaches structured details (e.g. per-event diagnostics) to an Error.
func (e *Error) WithDetails(details interface{}) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: details, cause: e.cause}
}

// As reports whether err (or something it wraps) is an *Error, and returns it.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

type wireError struct {
	Code    Code        `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type wireResponse struct {
	Error wireError `json:"error"`
}

// Write serializes err to the caller in the standard {error:{...}} shape. If
// err isn't an *Error, it is treated as an unexpected internal failure and
// its details are not leaked to the caller.
func Write(w http.ResponseWriter, err error) {
	apiErr, ok := As(err)
	if !ok {
		apiErr = New(CodeInternal, "internal error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status())
	_ = json.NewEncoder(w).Encode(wireResponse{
		Error: wireError{Code: apiErr.Code, Message: apiErr.Message, Details: apiErr.Details},
	})
}
