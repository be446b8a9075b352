package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var out ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		code   string
	}{
		{"invalid", func(w http.ResponseWriter) { Invalid(w, "bad", []string{"name"}) }, http.StatusBadRequest, CodeValidation},
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "bad") }, http.StatusBadRequest, CodeBadRequest},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "missing") }, http.StatusNotFound, CodeNotFound},
		{"unauthorized", func(w http.ResponseWriter) { Unauthorized(w, "no key") }, http.StatusUnauthorized, CodeUnauthorized},
		{"conflict", func(w http.ResponseWriter) { Conflict(w, "exists", nil) }, http.StatusConflict, CodeConflict},
		{"unavailable", func(w http.ResponseWriter) { Unavailable(w, "busy", 2) }, http.StatusServiceUnavailable, CodeRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestUnavailableSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	Unavailable(rec, "busy", 2)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestInternalErrorHidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	InternalError(rec, assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "internal server error", body.Error)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestDecode(t *testing.T) {
	type payload struct {
		Domain string `json:"domain"`
	}
	tests := []struct {
		name   string
		body   string
		ok     bool
		status int
	}{
		{name: "valid", body: `{"domain":"example.com"}`, ok: true},
		{name: "empty", body: ``, status: http.StatusBadRequest},
		{name: "unknown field", body: `{"domain":"example.com","extra":1}`, status: http.StatusBadRequest},
		{name: "malformed", body: `{"domain":`, status: http.StatusBadRequest},
		{name: "too large", body: `{"domain":"` + strings.Repeat("a", MaxBodyBytes) + `"}`, status: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst payload
			ok := Decode(rec, req, &dst)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, "example.com", dst.Domain)
				return
			}
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
