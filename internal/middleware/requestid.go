// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// RequestIDHeader is the HTTP header carrying the request ID.
const RequestIDHeader = "X-Request-ID"

// Request IDs end up in log lines and response headers, so only a bounded
// token alphabet is accepted from callers.
var validRequestID = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)

// RequestID attaches a request ID to the context and echoes it on the
// response. A well-formed caller-supplied X-Request-ID is honored so clients
// can correlate an admitted audit event with their own logs; malformed or
// missing IDs are replaced with a fresh UUID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID.MatchString(id) {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request ID from context, or "" when absent.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
