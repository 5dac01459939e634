// Request logging, panic recovery, and client IP extraction.

package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/maruel/ksid"
)

// clientIP extracts the client IP from an HTTP request,
// checking X-Forwarded-For and X-Real-IP headers for proxied requests.
func clientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs: "client, proxy1, proxy2".
	// The leftmost IP is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, found := strings.Cut(xff, ","); found {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	// Fall back to RemoteAddr, stripping port if present.
	addr := r.RemoteAddr
	// Handle IPv6 addresses like [::1]:8080
	if strings.HasPrefix(addr, "[") {
		if host, _, found := strings.Cut(addr, "]:"); found {
			return host[1:]
		}
		return strings.Trim(addr, "[]")
	}
	if host, _, found := strings.Cut(addr, ":"); found {
		return host
	}
	return addr
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(statusCode int) {
	if sr.status == 0 {
		sr.status = statusCode
	}
	sr.ResponseWriter.WriteHeader(statusCode)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter for middleware that needs it.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// WithLogging wraps a handler with per-request structured logging and panic
// recovery. Panics are logged and answered with the failure envelope instead
// of tearing down the connection.
func WithLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := ksid.NewID()
		sr := &statusRecorder{ResponseWriter: w}

		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("Panic in handler", "reqID", reqID.String(), "method", r.Method, "path", r.URL.Path, "panic", rec)
				if sr.status == 0 {
					writeErrorResponse(sr, http.StatusInternalServerError, "Internal server error", "", "")
				}
				return
			}
			slog.Info("Request",
				"reqID", reqID.String(),
				"method", r.Method,
				"path", r.URL.Path,
				"status", sr.status,
				"ip", clientIP(r),
				"dur", time.Since(start).Round(time.Microsecond))
		}()

		next.ServeHTTP(sr, r)
	})
}
