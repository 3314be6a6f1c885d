package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/quenby/porter/internal/core/constants"
	"github.com/quenby/porter/internal/logger"
	"github.com/quenby/porter/internal/util"
)

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
)

// IsProxyRequest reports whether a path belongs to the proxy surface rather
// than the internal endpoints. Proxy requests log their own lifecycle, so the
// middleware demotes them to debug to avoid double logging.
func IsProxyRequest(path string) bool {
	return strings.HasPrefix(path, constants.DefaultProxyPathPrefix)
}

// responseWriter wraps http.ResponseWriter to capture response size and status
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += int64(size)
	return size, err
}

func (rw *responseWriter) WriteHeader(s int) {
	rw.status = s
	rw.ResponseWriter.WriteHeader(s)
}

// Flush forwards to the underlying writer so streamed responses are sent
// immediately instead of sitting in a buffer.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// RequestLogging assigns every request an ID, stamps it on the response, and
// logs start/completion with sizes and latency.
func RequestLogging(styledLogger *logger.StyledLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(constants.HeaderXRequestID)
			if requestID == "" {
				requestID = util.GenerateRequestID()
			}

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			w.Header().Set(constants.HeaderRequestID, requestID)

			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			rlog := styledLogger.WithRequestID(requestID)
			startFields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"request_bytes", requestSize,
			}
			if IsProxyRequest(r.URL.Path) {
				rlog.Debug("HTTP request started", startFields...)
			} else {
				rlog.Info("Request started", startFields...)
			}

			next.ServeHTTP(wrapped, r.WithContext(ctx))

			duration := time.Since(start)
			completionFields := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration_ms", duration.Milliseconds(),
				"request_bytes", requestSize,
				"response_bytes", wrapped.size,
			}
			if IsProxyRequest(r.URL.Path) {
				rlog.Debug("HTTP request completed", completionFields...)
			} else {
				rlog.Info("Request completed", completionFields...)
			}
		})
	}
}
