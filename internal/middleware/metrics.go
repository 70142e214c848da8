package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/chatguard/chatguard/internal/metrics"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack is required for the WebSocket upgrade on /ws.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Metrics returns a middleware that records Prometheus metrics.
func Metrics() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)

			metrics.ActiveConnections.Inc()
			defer metrics.ActiveConnections.Dec()

			next.ServeHTTP(rw, r)

			duration := time.Since(start)
			path := normalizePath(r.URL.Path)
			metrics.RecordRequest(r.Method, path, rw.statusCode, duration)
		})
	}
}

// normalizePath normalizes the URL path for metrics labels.
// This prevents high cardinality from unknown or probing paths.
func normalizePath(path string) string {
	switch {
	case path == "/health" || path == "/ready" || path == "/metrics" || path == "/ws":
		return path
	case strings.HasPrefix(path, "/api/v1/messages/"):
		if _, ok := messageRoutes[path]; ok {
			return path
		}
		return "/api/v1/messages/{other}"
	case strings.HasPrefix(path, "/admin/ratelimit/"):
		return "/admin/ratelimit/" + firstSegment(strings.TrimPrefix(path, "/admin/ratelimit/"))
	default:
		return "/other"
	}
}

var messageRoutes = map[string]struct{}{
	"/api/v1/messages/validate": {},
	"/api/v1/messages/format":   {},
	"/api/v1/messages/urls":     {},
}

var adminRoutes = map[string]struct{}{
	"stats": {}, "status": {}, "whitelist": {}, "blacklist": {},
	"export": {}, "import": {}, "snapshot": {}, "restore": {},
}

func firstSegment(rest string) string {
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if _, ok := adminRoutes[rest]; ok {
		return rest
	}
	return "{other}"
}
