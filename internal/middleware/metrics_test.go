package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResponseWriter(t *testing.T) {
	t.Run("defaults to 200 OK", func(t *testing.T) {
		rec := httptest.NewRecorder()
		rw := newResponseWriter(rec)

		assert.Equal(t, http.StatusOK, rw.statusCode)
	})

	t.Run("captures written status code", func(t *testing.T) {
		rec := httptest.NewRecorder()
		rw := newResponseWriter(rec)

		rw.WriteHeader(http.StatusNotFound)

		assert.Equal(t, http.StatusNotFound, rw.statusCode)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("hijack fails when underlying writer cannot", func(t *testing.T) {
		rw := newResponseWriter(httptest.NewRecorder())

		_, _, err := rw.Hijack()

		assert.Error(t, err)
		assert.Equal(t, http.StatusOK, rw.statusCode)
	})
}

func TestMetrics(t *testing.T) {
	t.Run("wraps handler and records metrics", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})

		middleware := Metrics()
		wrapped := middleware(handler)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()

		wrapped.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "OK", rec.Body.String())
	})

	t.Run("records correct status code for errors", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})

		middleware := Metrics()
		wrapped := middleware(handler)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/messages/validate", nil)
		rec := httptest.NewRecorder()

		wrapped.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{"health endpoint", "/health", "/health"},
		{"ready endpoint", "/ready", "/ready"},
		{"metrics endpoint", "/metrics", "/metrics"},
		{"websocket endpoint", "/ws", "/ws"},
		{"validate endpoint", "/api/v1/messages/validate", "/api/v1/messages/validate"},
		{"urls endpoint", "/api/v1/messages/urls", "/api/v1/messages/urls"},
		{"unknown message route", "/api/v1/messages/xyz123", "/api/v1/messages/{other}"},
		{"admin stats", "/admin/ratelimit/stats", "/admin/ratelimit/stats"},
		{"admin with trailing segment", "/admin/ratelimit/whitelist/extra", "/admin/ratelimit/whitelist"},
		{"unknown admin route", "/admin/ratelimit/../../etc", "/admin/ratelimit/{other}"},
		{"unknown path", "/some/random/path", "/other"},
		{"root", "/", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := normalizePath(tt.path)
			assert.Equal(t, tt.expected, result)
		})
	}
}
