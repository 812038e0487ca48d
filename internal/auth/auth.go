package auth

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

const (
	TenantHeader    = "X-Tenant-ID"
	RequestIDHeader = "X-Request-ID"
)

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	tenantIDKey  contextKey = "tenant_id"
	requestIDKey contextKey = "request_id"
)

// NewMiddleware attaches the calling tenant and a request id to the context. Requests
// without a well-formed tenant header are rejected.
func NewMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := r.Header.Get(RequestIDHeader)
			if _, err := uuid.Parse(requestID); err != nil {
				requestID = uuid.New().String()
			}
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set(RequestIDHeader, requestID)

			tenantID := r.Header.Get(TenantHeader)
			if !tenantPattern.MatchString(tenantID) {
				http.Error(w, "Unauthorized: missing or invalid X-Tenant-ID header", http.StatusUnauthorized)
				return
			}

			ctx = context.WithValue(ctx, tenantIDKey, tenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Helpers to extract from context
func GetTenantID(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
