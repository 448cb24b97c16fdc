package errors

import (
	"encoding/json"
	"net/http"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

const (
	ErrCodeInvalidParam  = "invalid_param"
	ErrCodeInvalidJSON   = "invalid_json"
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeNotFound      = "not_found"
	ErrCodeLimitExceeded = "limit_exceeded"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeInternal      = "internal_error"
)

// Error is a caller-facing failure with the HTTP status it maps to.
type Error struct {
	Status  int
	Code    string
	Message string
	Field   string
}

func (e *Error) Error() string {
	return e.Message
}

func InvalidParam(field, message string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: ErrCodeInvalidParam, Message: message, Field: field}
}

func NotFound(message string) *Error {
	return &Error{Status: http.StatusNotFound, Code: ErrCodeNotFound, Message: message}
}

func WriteError(w http.ResponseWriter, status int, code, message, field string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Field:   field,
		},
	})
}

// Write renders e using its own status and code.
func Write(w http.ResponseWriter, e *Error) {
	WriteError(w, e.Status, e.Code, e.Message, e.Field)
}
