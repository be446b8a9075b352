package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ignite/mailrice/internal/domain"
	"github.com/ignite/mailrice/internal/pkg/httputil"
	"github.com/ignite/mailrice/internal/pkg/logger"
	"github.com/ignite/mailrice/internal/service/apikey"
)

const apiKeyHeader = "X-API-Key"

type ctxKey int

const apiKeyCtxKey ctxKey = 0

// APIKeyFromContext returns the key that authenticated the request.
func APIKeyFromContext(ctx context.Context) (*domain.APIKey, bool) {
	k, ok := ctx.Value(apiKeyCtxKey).(*domain.APIKey)
	return k, ok
}

// presentedKey reads the key from X-API-Key or an Authorization bearer token.
func presentedKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get(apiKeyHeader)); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func requireAPIKey(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			plaintext := presentedKey(r)
			if plaintext == "" {
				httputil.Unauthorized(w, "missing API key")
				return
			}
			key, err := auth.Authenticate(r.Context(), plaintext)
			if err != nil {
				if errors.Is(err, apikey.ErrInvalidKey) || errors.Is(err, apikey.ErrRevoked) {
					httputil.Unauthorized(w, "invalid API key")
					return
				}
				httputil.InternalError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), apiKeyCtxKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestLogger logs one structured line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
