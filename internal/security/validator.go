package security

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Validation messages surfaced to end users.
const (
	MsgEmpty       = "Message cannot be empty"
	MsgHarmful     = "Message contains potentially harmful content"
	MsgRateLimited = "Rate limit exceeded. Please wait before sending another message"
	MsgSanitized   = "HTML content has been sanitized for security"
	MsgSpam        = "Message flagged as potential spam"

	msgTooLongFormat = "Message exceeds maximum length of %d characters"
)

// Config holds validator defaults. Every field can be overridden per call.
type Config struct {
	MaxLength      int  // in characters (code points)
	MinLength      int  // after trimming surrounding whitespace
	AllowHTML      bool // skip markup sanitization
	AllowLinks     bool // advisory; links are never rejected
	RateLimitCheck bool // consult the RateCheckFunc
}

// DefaultConfig returns the default validator configuration.
func DefaultConfig() Config {
	return Config{
		MaxLength:      5000,
		MinLength:      1,
		AllowHTML:      false,
		AllowLinks:     true,
		RateLimitCheck: true,
	}
}

// Option overrides one Config field for a single Validate call.
type Option func(*Config)

// WithMaxLength overrides the maximum length.
func WithMaxLength(n int) Option { return func(c *Config) { c.MaxLength = n } }

// WithMinLength overrides the minimum length.
func WithMinLength(n int) Option { return func(c *Config) { c.MinLength = n } }

// WithAllowHTML overrides markup sanitization.
func WithAllowHTML(allow bool) Option { return func(c *Config) { c.AllowHTML = allow } }

// WithAllowLinks overrides the advisory link setting.
func WithAllowLinks(allow bool) Option { return func(c *Config) { c.AllowLinks = allow } }

// WithRateLimitCheck overrides whether the rate check runs.
func WithRateLimitCheck(check bool) Option { return func(c *Config) { c.RateLimitCheck = check } }

// RateCheckFunc reports whether userID has exceeded its message budget.
type RateCheckFunc func(userID string) bool

// ValidationResult is the outcome of validating one message. Callers must
// store and broadcast SanitizedContent, never the raw input.
type ValidationResult struct {
	IsValid          bool     `json:"isValid"`
	SanitizedContent string   `json:"sanitizedContent"`
	Errors           []string `json:"errors"`
	Warnings         []string `json:"warnings"`
}

// MessageValidator checks free-text chat messages. It holds no per-call
// state and is safe for concurrent use.
type MessageValidator struct {
	config    Config
	rateCheck RateCheckFunc
}

// NewMessageValidator creates a validator. A nil rateCheck never reports a
// user as over the limit.
func NewMessageValidator(cfg Config, rateCheck RateCheckFunc) *MessageValidator {
	if rateCheck == nil {
		rateCheck = func(string) bool { return false }
	}
	return &MessageValidator{
		config:    cfg,
		rateCheck: rateCheck,
	}
}

// Config returns the validator defaults.
func (v *MessageValidator) Config() Config {
	return v.config
}

// Validate checks content on behalf of userID. Errors make the message
// invalid; warnings are advisory.
func (v *MessageValidator) Validate(content, userID string, opts ...Option) *ValidationResult {
	cfg := v.config
	for _, opt := range opts {
		opt(&cfg)
	}

	result := &ValidationResult{
		SanitizedContent: content,
		Errors:           []string{},
		Warnings:         []string{},
	}

	if content == "" || utf8.RuneCountInString(strings.TrimSpace(content)) < cfg.MinLength {
		result.Errors = append(result.Errors, MsgEmpty)
	}

	if utf8.RuneCountInString(content) > cfg.MaxLength {
		result.Errors = append(result.Errors, fmt.Sprintf(msgTooLongFormat, cfg.MaxLength))
	}

	if !cfg.AllowHTML {
		sanitized, changed := SanitizeMarkup(content)
		result.SanitizedContent = sanitized
		if changed {
			result.Warnings = append(result.Warnings, MsgSanitized)
		}
	}

	if LooksLikeInjection(content) {
		result.Errors = append(result.Errors, MsgHarmful)
	}

	if LooksLikeSpam(content) {
		result.Warnings = append(result.Warnings, MsgSpam)
	}

	if cfg.RateLimitCheck && v.rateCheck(userID) {
		result.Errors = append(result.Errors, MsgRateLimited)
	}

	result.IsValid = len(result.Errors) == 0
	return result
}
