package utils

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrorCode classifies failures so callers know whether a retry can help.
// Retriable: ResourceExhausted (after backoff), Unavailable.
// Terminal: InvalidArgument, PermissionDenied, FailedPrecondition, NotFound, Internal.
type ErrorCode string

const (
	ErrorCodeInvalidArgument    ErrorCode = "INVALID_ARGUMENT"
	ErrorCodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	ErrorCodeFailedPrecondition ErrorCode = "FAILED_PRECONDITION"
	ErrorCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrorCodeResourceExhausted  ErrorCode = "RESOURCE_EXHAUSTED"
	ErrorCodeUnavailable        ErrorCode = "UNAVAILABLE"
	ErrorCodeInternal           ErrorCode = "INTERNAL"
)

// Reason codes surfaced to the client so it can render actionable guidance
// instead of a generic error.
const (
	ReasonGeofence   = "geofence"
	ReasonAccuracy   = "accuracy"
	ReasonAssignment = "assignment"
	ReasonNetwork    = "network"
)

// ApiError is the error shape returned by the mutation gateway and the sweeper.
type ApiError struct {
	Code   ErrorCode `json:"code"`
	Reason string    `json:"reason,omitempty"`
	Msg    string    `json:"message"`
}

func (e *ApiError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.Reason, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func NewApiError(code ErrorCode, msg string) *ApiError {
	return &ApiError{Code: code, Msg: msg}
}

func NewApiErrorWithReason(code ErrorCode, reason string, msg string) *ApiError {
	return &ApiError{Code: code, Reason: reason, Msg: msg}
}

func InvalidArgument(format string, args ...interface{}) *ApiError {
	return &ApiError{Code: ErrorCodeInvalidArgument, Msg: fmt.Sprintf(format, args...)}
}

func PermissionDenied(format string, args ...interface{}) *ApiError {
	return &ApiError{Code: ErrorCodePermissionDenied, Msg: fmt.Sprintf(format, args...)}
}

func FailedPrecondition(reason string, format string, args ...interface{}) *ApiError {
	return &ApiError{Code: ErrorCodeFailedPrecondition, Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...interface{}) *ApiError {
	return &ApiError{Code: ErrorCodeNotFound, Msg: fmt.Sprintf(format, args...)}
}

func ResourceExhausted(format string, args ...interface{}) *ApiError {
	return &ApiError{Code: ErrorCodeResourceExhausted, Msg: fmt.Sprintf(format, args...)}
}

func Unavailable(format string, args ...interface{}) *ApiError {
	return &ApiError{Code: ErrorCodeUnavailable, Msg: fmt.Sprintf(format, args...)}
}

// AsApiError unwraps err into an *ApiError; unknown errors map to Internal so
// storage/driver details never leak to clients.
func AsApiError(err error) *ApiError {
	if err == nil {
		return nil
	}
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &ApiError{Code: ErrorCodeInternal, Msg: "internal error"}
}

// IsRetriable reports whether the caller (the sync driver) should retry.
// Business-rule violations are terminal: retrying cannot change the outcome.
func IsRetriable(err error) bool {
	var apiErr *ApiError
	if !errors.As(err, &apiErr) {
		// Unknown errors are transient storage/network failures until proven otherwise.
		return true
	}
	switch apiErr.Code {
	case ErrorCodeResourceExhausted, ErrorCodeUnavailable:
		return true
	default:
		return false
	}
}

func (e *ApiError) HTTPStatus() int {
	switch e.Code {
	case ErrorCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrorCodePermissionDenied:
		return http.StatusForbidden
	case ErrorCodeFailedPrecondition:
		return http.StatusConflict
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeResourceExhausted:
		return http.StatusTooManyRequests
	case ErrorCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
