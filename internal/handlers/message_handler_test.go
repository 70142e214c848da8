package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatguard/chatguard/internal/ratelimit"
	"github.com/chatguard/chatguard/internal/security"
)

func newMessagesLimiter(t *testing.T, max int) *ratelimit.Limiter {
	t.Helper()
	cfg, err := ratelimit.Profile(ratelimit.ProfileMessages)
	require.NoError(t, err)
	cfg.MaxRequests = max
	now := time.Date(2024, time.June, 23, 10, 15, 0, 0, time.UTC)
	l := ratelimit.New(cfg, ratelimit.WithClock(func() time.Time { return now }))
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) security.ValidationResult {
	t.Helper()
	var result security.ValidationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	return result
}

func TestMessageHandler_Validate(t *testing.T) {
	v := security.NewMessageValidator(security.DefaultConfig(), nil)
	h := NewMessageHandler(v, "X-User-ID")

	tests := []struct {
		name          string
		body          ValidateRequest
		wantValid     bool
		wantSanitized string
		wantErrors    []string
		wantWarnings  []string
	}{
		{
			name:          "plain message",
			body:          ValidateRequest{Content: "Hello there", UserID: "u1"},
			wantValid:     true,
			wantSanitized: "Hello there",
			wantErrors:    []string{},
			wantWarnings:  []string{},
		},
		{
			name:          "script is stripped",
			body:          ValidateRequest{Content: "hi <script>alert(1)</script>", UserID: "u1"},
			wantValid:     true,
			wantSanitized: "hi ",
			wantErrors:    []string{},
			wantWarnings:  []string{security.MsgSanitized},
		},
		{
			name:          "empty",
			body:          ValidateRequest{Content: "", UserID: "u1"},
			wantValid:     false,
			wantSanitized: "",
			wantErrors:    []string{security.MsgEmpty},
			wantWarnings:  []string{},
		},
		{
			name: "per request max length",
			body: ValidateRequest{
				Content: "hello world",
				Options: &ValidateOptions{MaxLength: intPtr(5)},
			},
			wantValid:     false,
			wantSanitized: "hello world",
			wantErrors:    []string{"Message exceeds maximum length of 5 characters"},
			wantWarnings:  []string{},
		},
		{
			name: "html allowed",
			body: ValidateRequest{
				Content: "<b>bold</b><iframe src=x>",
				Options: &ValidateOptions{AllowHTML: boolPtr(true)},
			},
			wantValid:     true,
			wantSanitized: "<b>bold</b><iframe src=x>",
			wantErrors:    []string{},
			wantWarnings:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, h.Validate, "/api/v1/messages/validate", tt.body)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			result := decodeResult(t, rec)
			assert.Equal(t, tt.wantValid, result.IsValid)
			assert.Equal(t, tt.wantSanitized, result.SanitizedContent)
			assert.Equal(t, tt.wantErrors, result.Errors)
			assert.Equal(t, tt.wantWarnings, result.Warnings)
		})
	}
}

func TestMessageHandler_Validate_InvalidBody(t *testing.T) {
	h := NewMessageHandler(security.NewMessageValidator(security.DefaultConfig(), nil), "")

	for _, body := range []string{"", "{not json", `{"content":"a"}{"content":"b"}`} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/messages/validate", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.Validate(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "INVALID_REQUEST", resp.Code)
	}
}

func TestMessageHandler_Validate_RateLimited(t *testing.T) {
	limiter := newMessagesLimiter(t, 2)
	v := security.NewMessageValidator(security.DefaultConfig(), LimiterRateCheck(limiter))
	h := NewMessageHandler(v, "X-User-ID")

	send := func(userID string) security.ValidationResult {
		buf, _ := json.Marshal(ValidateRequest{Content: "hello"})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/messages/validate", bytes.NewReader(buf))
		req.Header.Set("X-User-ID", userID)
		rec := httptest.NewRecorder()
		h.Validate(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		return decodeResult(t, rec)
	}

	assert.True(t, send("alice").IsValid)
	assert.True(t, send("alice").IsValid)

	third := send("alice")
	assert.False(t, third.IsValid)
	assert.Equal(t, []string{security.MsgRateLimited}, third.Errors)

	assert.True(t, send("bob").IsValid, "budgets are per user")

	info, ok := limiter.Status("user:alice")
	require.True(t, ok)
	assert.Equal(t, 3, info.TotalHits)
}

func TestMessageHandler_Validate_HeaderIdentity(t *testing.T) {
	limiter := newMessagesLimiter(t, 2)
	v := security.NewMessageValidator(security.DefaultConfig(), LimiterRateCheck(limiter))
	h := NewMessageHandler(v, "X-User-ID")

	send := func(header, bodyUser string) security.ValidationResult {
		buf, _ := json.Marshal(ValidateRequest{Content: "hello", UserID: bodyUser})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/messages/validate", bytes.NewReader(buf))
		if header != "" {
			req.Header.Set("X-User-ID", header)
		}
		rec := httptest.NewRecorder()
		h.Validate(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		return decodeResult(t, rec)
	}

	assert.True(t, send("heidi", "someone-else").IsValid)
	assert.True(t, send("heidi", "another").IsValid)
	assert.False(t, send("heidi", "yet-another").IsValid, "body user ids do not reset the budget")

	_, ok := limiter.Status("user:someone-else")
	assert.False(t, ok)

	assert.True(t, send("", "ivan").IsValid, "body user id is used without the header")
	_, ok = limiter.Status("user:ivan")
	assert.True(t, ok)
}

func TestMessageHandler_Validate_RateCheckDisabled(t *testing.T) {
	limiter := newMessagesLimiter(t, 1)
	h := NewMessageHandler(security.NewMessageValidator(security.DefaultConfig(), LimiterRateCheck(limiter)), "")

	for i := 0; i < 3; i++ {
		rec := postJSON(t, h.Validate, "/", ValidateRequest{
			Content: "hello",
			UserID:  "carol",
			Options: &ValidateOptions{RateLimitCheck: boolPtr(false)},
		})
		assert.True(t, decodeResult(t, rec).IsValid)
	}
	assert.Equal(t, 0, limiter.Len())
}

func TestLimiterRateCheck_Nil(t *testing.T) {
	assert.Nil(t, LimiterRateCheck(nil))
}

func TestMessageHandler_Format(t *testing.T) {
	h := NewMessageHandler(security.NewMessageValidator(security.DefaultConfig(), nil), "")

	tests := []struct {
		name      string
		body      FormatRequest
		wantType  security.MessageType
		wantValid bool
	}{
		{"text", FormatRequest{Content: "hi", Type: "text"}, security.TypeText, true},
		{"default type is text", FormatRequest{Content: "   "}, security.TypeText, false},
		{"image", FormatRequest{Content: "cat.PNG", Type: "image"}, security.TypeImage, true},
		{"image without extension", FormatRequest{Content: "cat", Type: "image"}, security.TypeImage, false},
		{"file", FormatRequest{Content: "report.pdf", Type: "file"}, security.TypeFile, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, h.Format, "/api/v1/messages/format", tt.body)
			require.Equal(t, http.StatusOK, rec.Code)

			var resp FormatResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantType, resp.Type)
			assert.Equal(t, tt.wantValid, resp.Valid)
		})
	}

	t.Run("unknown type", func(t *testing.T) {
		rec := postJSON(t, h.Format, "/api/v1/messages/format", FormatRequest{Content: "x", Type: "video"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "INVALID_TYPE", resp.Code)
	})
}

func TestMessageHandler_URLs(t *testing.T) {
	h := NewMessageHandler(security.NewMessageValidator(security.DefaultConfig(), nil), "")

	rec := postJSON(t, h.URLs, "/api/v1/messages/urls", URLsRequest{
		Content: "see https://example.com/docs and http://bad|host",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var report security.URLReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, []string{"https://example.com/docs"}, report.Valid)
	assert.Equal(t, []string{"http://bad|host"}, report.Invalid)
}

func intPtr(n int) *int { return &n }

func boolPtr(b bool) *bool { return &b }
