package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	accessKeyKey contextKey = "access_key"
	requestIDKey contextKey = "request_id"
)

// RequestID tags every request with a uuid, exposed as X-Request-ID and
// through GetRequestID. An incoming X-Request-ID is kept.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}

// NewMiddleware requires an "Authorization: Bearer <EA access key>" header
// and stores the key in the request context. The key is only forwarded to
// the metering API or compared against a stored hash, never persisted.
func NewMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract Authorization header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized: missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}
			key := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
			if key == "" {
				http.Error(w, "Unauthorized: empty access key", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAccessKey(r.Context(), key)))
		})
	}
}

// Helpers to extract from context
func GetAccessKey(ctx context.Context) string {
	if key, ok := ctx.Value(accessKeyKey).(string); ok {
		return key
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Context setters, used by RequestID and NewMiddleware and by handler tests.
func WithAccessKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, accessKeyKey, key)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
