package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/chatguard/chatguard/internal/metrics"
	"github.com/chatguard/chatguard/internal/ratelimit"
	"github.com/chatguard/chatguard/pkg/logger"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRateLimitWindow    = "X-RateLimit-Window"
	HeaderRetryAfter         = "Retry-After"
)

// resetTimeLayout is ISO-8601 with millisecond precision in UTC.
const resetTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// maxIdentifierBody bounds how much of a request body is buffered to find
// the identifier field.
const maxIdentifierBody = 64 << 10

// Decider is the part of a rate limiter the middleware needs.
type Decider interface {
	Name() string
	Decide(req ratelimit.Request) *ratelimit.Decision
}

// RateLimitConfig holds configuration for the rate limit middleware.
type RateLimitConfig struct {
	UserIDHeader    string   // Header carrying the authenticated user id (e.g., "X-User-ID")
	IdentifierField string   // JSON body field used as the login identifier
	TrustProxy      bool     // Trust X-Forwarded-For header
	TrustedProxies  []string // List of trusted proxy IPs
	Logger          *logger.Logger
}

// RateLimitResponse is the JSON response for rate limited requests.
type RateLimitResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// RateLimit returns a middleware that admits or rejects requests with the
// given limiter. Admitted requests are reported back to the limiter with the
// response status so skip-on-outcome settings can hand the hit back.
func RateLimit(limiter Decider, cfg RateLimitConfig) Middleware {
	trustedSet := make(map[string]bool)
	for _, ip := range cfg.TrustedProxies {
		trustedSet[ip] = true
	}
	profile := limiter.Name()
	log := cfg.Logger.With("component", "ratelimit_middleware", "profile", profile)
	warn := &rate.Sometimes{First: 1, Interval: 10 * time.Second}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := ratelimit.Request{
				IP: getClientIPForRateLimit(r, cfg.TrustProxy, trustedSet),
			}
			if cfg.UserIDHeader != "" {
				req.UserID = r.Header.Get(cfg.UserIDHeader)
			}
			if cfg.IdentifierField != "" {
				req.Identifier = readIdentifier(r, cfg.IdentifierField)
			}

			d := limiter.Decide(req)
			RecordDecision(profile, d)

			if d.Info != nil {
				setRateLimitHeaders(w, d.Info)
			}

			if !d.Allowed {
				warn.Do(func() {
					log.Warn("rate limit reached",
						"key", d.Key,
						"reason", d.Reason,
						"request_id", GetRequestID(r.Context()),
					)
				})
				writeRateLimitResponse(w, d)
				return
			}

			rw := newResponseWriter(w)
			defer func() {
				if p := recover(); p != nil {
					d.Complete(false)
					panic(p)
				}
			}()
			next.ServeHTTP(rw, r)
			d.Complete(rw.statusCode < http.StatusBadRequest)
		})
	}
}

// getClientIPForRateLimit prefers the IP stored by the ClientIP middleware.
func getClientIPForRateLimit(r *http.Request, trustProxy bool, trustedProxies map[string]bool) string {
	if ip := GetClientIP(r.Context()); ip != "" {
		return ip
	}
	return extractClientIP(r, trustProxy, trustedProxies)
}

// readIdentifier peeks at a JSON body for a string field and restores the
// body for the next handler.
func readIdentifier(r *http.Request, field string) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxIdentifierBody))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil {
		return ""
	}

	var fields map[string]any
	if err := json.Unmarshal(buf, &fields); err != nil {
		return ""
	}
	value, _ := fields[field].(string)
	return value
}

// RecordDecision records the metrics for one limiter decision.
func RecordDecision(profile string, d *ratelimit.Decision) {
	if d.Escalated {
		metrics.RecordProgressiveBlock(profile)
	}

	outcome := metrics.OutcomeAllowed
	switch {
	case d.FailOpen:
		outcome = metrics.OutcomeFailOpen
	case d.Whitelisted:
		outcome = metrics.OutcomeWhitelisted
	case d.Allowed:
	case d.Reason == ratelimit.ReasonBlacklisted:
		outcome = metrics.OutcomeBlacklisted
	case d.Reason == ratelimit.ReasonTemporarilyBlocked:
		outcome = metrics.OutcomeBlocked
	default:
		outcome = metrics.OutcomeLimited
	}
	metrics.RecordDecision(profile, outcome)
}

// setRateLimitHeaders sets the informational rate limit headers.
func setRateLimitHeaders(w http.ResponseWriter, info *ratelimit.Info) {
	w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(info.Limit))
	w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(info.Remaining))
	w.Header().Set(HeaderRateLimitReset, info.ResetAt.UTC().Format(resetTimeLayout))
	w.Header().Set(HeaderRateLimitWindow, strconv.FormatInt(info.Window.Milliseconds(), 10))
}

// writeRateLimitResponse writes the 429 response.
func writeRateLimitResponse(w http.ResponseWriter, d *ratelimit.Decision) {
	retrySeconds := 1
	if d.Info != nil && d.Info.RetryAfterSeconds() > 1 {
		retrySeconds = d.Info.RetryAfterSeconds()
	}

	w.Header().Set(HeaderRetryAfter, strconv.Itoa(retrySeconds))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	resp := RateLimitResponse{
		Error:      "Too Many Requests",
		Message:    d.Reason,
		RetryAfter: retrySeconds,
	}

	json.NewEncoder(w).Encode(resp)
}
