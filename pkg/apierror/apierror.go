// Package apierror provides the JSON error bodies the gateway returns.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Code represents an error code.
type Code string

const (
	CodeForbidden          Code = "FORBIDDEN"
	CodeAccessBlocked      Code = "ACCESS_BLOCKED"
	CodeRateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CodeRequestTooLarge    Code = "REQUEST_TOO_LARGE"
	CodeBadGateway         Code = "BAD_GATEWAY"
	CodeGatewayTimeout     Code = "TIMEOUT"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeInternalError      Code = "INTERNAL_ERROR"
)

// Error represents a gateway error response.
type Error struct {
	// HTTP status code
	Status int

	// Machine-readable error code
	Code Code

	// Human-readable message, safe to show to clients
	Message string

	// RetryAfter is sent as retry_after and the Retry-After header when positive
	RetryAfter time.Duration

	// Internal error (not exposed to client)
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Response is the JSON body written to clients.
type Response struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter *int   `json:"retry_after,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (e *Error) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// ToResponse converts the error to a response body.
func (e *Error) ToResponse() Response {
	resp := Response{
		Error:   string(e.Code),
		Message: e.Message,
	}
	if secs := e.RetryAfterSeconds(); secs > 0 {
		resp.RetryAfter = &secs
	}
	return resp
}

// WriteJSON writes the error as JSON to the response writer.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	e.write(w, e.ToResponse())
}

// WriteJSONWithRequestID writes the error as JSON with request ID.
func (e *Error) WriteJSONWithRequestID(w http.ResponseWriter, requestID string) {
	resp := e.ToResponse()
	resp.RequestID = requestID
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	e.write(w, resp)
}

func (e *Error) write(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if resp.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.Itoa(*resp.RetryAfter))
	}
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(resp)
}

// New creates a new API error.
func New(status int, code Code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// WithError adds an internal error.
func (e *Error) WithError(err error) *Error {
	e.Err = err
	return e
}

// Forbidden is returned when the admission filter denies a client.
func Forbidden(message string) *Error {
	if message == "" {
		message = "Access denied"
	}
	return New(http.StatusForbidden, CodeForbidden, message)
}

// AccessBlocked is returned for a Block decision.
func AccessBlocked(message string) *Error {
	if message == "" {
		message = "Request blocked"
	}
	return New(http.StatusForbidden, CodeAccessBlocked, message)
}

// RateLimitExceeded is returned for a Throttle decision.
func RateLimitExceeded(message string, retryAfter time.Duration) *Error {
	if message == "" {
		message = "Too many requests, please try again later"
	}
	e := New(http.StatusTooManyRequests, CodeRateLimitExceeded, message)
	e.RetryAfter = retryAfter
	return e
}

// RequestTooLarge is returned when a body exceeds the configured limit.
func RequestTooLarge() *Error {
	return New(http.StatusRequestEntityTooLarge, CodeRequestTooLarge, "Request body too large")
}

// BadGateway is returned when the upstream cannot be reached.
func BadGateway() *Error {
	return New(http.StatusBadGateway, CodeBadGateway, "Upstream service unavailable")
}

// GatewayTimeout is returned when the upstream does not answer within the request timeout.
func GatewayTimeout() *Error {
	return New(http.StatusGatewayTimeout, CodeGatewayTimeout, "Request timeout")
}

// ServiceUnavailable is returned when a dependency is not ready.
func ServiceUnavailable(message string) *Error {
	return New(http.StatusServiceUnavailable, CodeServiceUnavailable, message)
}

// InternalServerError is returned by recovery middleware outside the admission pipeline.
func InternalServerError(message string) *Error {
	return New(http.StatusInternalServerError, CodeInternalError, message)
}

// FromError extracts an *Error from err, or wraps it as an internal error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return InternalServerError("An unexpected error occurred").WithError(err)
}
