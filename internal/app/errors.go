package app

import (
	"fmt"
	"net/http"
)

// Error is an API-visible failure: a stable machine code, a human
// message, and optional field details. Anything else escaping the app
// layer renders as 500 internal_error.
type Error struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func apiError(status int, code, message string, details map[string]any) *Error {
	return &Error{Status: status, Code: code, Message: message, Details: details}
}

func Unauthorized() *Error {
	return apiError(http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
}

func Forbidden() *Error {
	return apiError(http.StatusForbidden, "forbidden", "You do not have permission for this action", nil)
}

func NotFound() *Error {
	return apiError(http.StatusNotFound, "not_found", "Resource not found", nil)
}

func BadRequest(code, message string) *Error {
	return apiError(http.StatusBadRequest, code, message, nil)
}

func Validation(code, message string, details map[string]any) *Error {
	return apiError(http.StatusUnprocessableEntity, code, message, details)
}

func Conflict(code, message string) *Error {
	return apiError(http.StatusConflict, code, message, nil)
}

func Gone(code, message string) *Error {
	return apiError(http.StatusGone, code, message, nil)
}

func RateLimited(message string) *Error {
	return apiError(http.StatusTooManyRequests, "rate_limited", message, nil)
}

func Internal() *Error {
	return apiError(http.StatusInternalServerError, "internal_error", "Internal server error", nil)
}
