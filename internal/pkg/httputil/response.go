package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ignite/mailrice/internal/pkg/logger"
)

// MaxBodyBytes bounds request bodies read by Decode.
const MaxBodyBytes = 1 << 20

// Error codes carried in ErrorResponse.Code.
const (
	CodeValidation   = "validation"
	CodeConflict     = "conflict"
	CodeNotFound     = "not_found"
	CodeUnauthorized = "unauthorized"
	CodeRetry        = "retry"
	CodeBadRequest   = "bad_request"
	CodeInternal     = "internal"
)

// ErrorResponse is the error envelope of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// JSON writes data with the given status. Encoding failures can only be
// logged because the status line is already sent.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("JSON encode failed", "status", status, "error", err)
	}
}

// OK writes a 200 response.
func OK(w http.ResponseWriter, data any) { JSON(w, http.StatusOK, data) }

// Created writes a 201 response.
func Created(w http.ResponseWriter, data any) { JSON(w, http.StatusCreated, data) }

// NoContent writes a 204 response with no body.
func NoContent(w http.ResponseWriter) { w.WriteHeader(http.StatusNoContent) }

// Error writes the error envelope.
func Error(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// Invalid writes a 400 carrying per-field problems.
func Invalid(w http.ResponseWriter, message string, fields any) {
	Error(w, http.StatusBadRequest, CodeValidation, message, fields)
}

// BadRequest writes a 400 for a malformed request.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, CodeBadRequest, message, nil)
}

// NotFound writes a 404.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, CodeNotFound, message, nil)
}

// Unauthorized writes a 401.
func Unauthorized(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnauthorized, CodeUnauthorized, message, nil)
}

// Conflict writes a 409.
func Conflict(w http.ResponseWriter, message string, details any) {
	Error(w, http.StatusConflict, CodeConflict, message, details)
}

// Unavailable writes a 503 with a Retry-After hint in seconds.
func Unavailable(w http.ResponseWriter, message string, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	Error(w, http.StatusServiceUnavailable, CodeRetry, message, nil)
}

// InternalError logs err and writes a generic 500. The cause never reaches
// the client.
func InternalError(w http.ResponseWriter, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, CodeInternal, "internal server error", nil)
}

// Decode reads one JSON object from the body into dst, rejecting unknown
// fields and bodies over MaxBodyBytes. On failure it writes a 400 and
// returns false.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, io.EOF):
		BadRequest(w, "request body is required")
	case errors.As(err, &tooLarge):
		Error(w, http.StatusRequestEntityTooLarge, CodeBadRequest, "request body too large", nil)
	default:
		BadRequest(w, "invalid JSON: "+err.Error())
	}
	return false
}
