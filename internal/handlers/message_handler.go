package handlers

import (
	"net/http"
	"strings"

	"github.com/chatguard/chatguard/internal/metrics"
	"github.com/chatguard/chatguard/internal/middleware"
	"github.com/chatguard/chatguard/internal/ratelimit"
	"github.com/chatguard/chatguard/internal/security"
)

// ValidateRequest is the body of POST /api/v1/messages/validate.
type ValidateRequest struct {
	Content string           `json:"content"`
	UserID  string           `json:"userId"`
	Options *ValidateOptions `json:"options,omitempty"`
}

// ValidateOptions overrides validator defaults for one request. Unset fields
// keep the configured default.
type ValidateOptions struct {
	MaxLength      *int  `json:"maxLength,omitempty"`
	MinLength      *int  `json:"minLength,omitempty"`
	AllowHTML      *bool `json:"allowHtml,omitempty"`
	AllowLinks     *bool `json:"allowLinks,omitempty"`
	RateLimitCheck *bool `json:"rateLimitCheck,omitempty"`
}

// FormatRequest is the body of POST /api/v1/messages/format.
type FormatRequest struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

// FormatResponse reports whether content matches its declared type.
type FormatResponse struct {
	Type  security.MessageType `json:"type"`
	Valid bool                 `json:"valid"`
}

// URLsRequest is the body of POST /api/v1/messages/urls.
type URLsRequest struct {
	Content string `json:"content"`
}

// MessageHandler exposes the message validator over HTTP.
type MessageHandler struct {
	validator    *security.MessageValidator
	userIDHeader string
}

// NewMessageHandler creates a MessageHandler. The user named in userIDHeader
// takes precedence over the body's userId, which is only used for requests
// without that header.
func NewMessageHandler(v *security.MessageValidator, userIDHeader string) *MessageHandler {
	return &MessageHandler{validator: v, userIDHeader: userIDHeader}
}

// LimiterRateCheck adapts a limiter keyed by user into a validator rate
// check. Each call is charged as one message.
func LimiterRateCheck(l *ratelimit.Limiter) security.RateCheckFunc {
	if l == nil {
		return nil
	}
	return func(userID string) bool {
		d := l.Decide(ratelimit.Request{UserID: userID})
		middleware.RecordDecision(l.Name(), d)
		return !d.Allowed
	}
}

// Validate handles POST /api/v1/messages/validate. Rejected messages are
// still answered with 200; the verdict is in the body.
func (h *MessageHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	userID := headerUser(r, h.userIDHeader)
	if userID == "" {
		userID = req.UserID
	}

	result := h.validator.Validate(req.Content, userID, req.Options.toOptions()...)
	recordValidation(result)

	writeJSON(w, http.StatusOK, result)
}

// Format handles POST /api/v1/messages/format.
func (h *MessageHandler) Format(w http.ResponseWriter, r *http.Request) {
	var req FormatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	t, err := security.ParseMessageType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_TYPE")
		return
	}

	writeJSON(w, http.StatusOK, FormatResponse{
		Type:  t,
		Valid: h.validator.ValidateFormat(req.Content, t),
	})
}

// URLs handles POST /api/v1/messages/urls.
func (h *MessageHandler) URLs(w http.ResponseWriter, r *http.Request) {
	var req URLsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeInvalidBody(w)
		return
	}

	writeJSON(w, http.StatusOK, h.validator.ExtractURLs(req.Content))
}

// headerUser returns the identity set by the gateway, if any.
func headerUser(r *http.Request, header string) string {
	if header == "" {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(header))
}

func (o *ValidateOptions) toOptions() []security.Option {
	if o == nil {
		return nil
	}
	var opts []security.Option
	if o.MaxLength != nil {
		opts = append(opts, security.WithMaxLength(*o.MaxLength))
	}
	if o.MinLength != nil {
		opts = append(opts, security.WithMinLength(*o.MinLength))
	}
	if o.AllowHTML != nil {
		opts = append(opts, security.WithAllowHTML(*o.AllowHTML))
	}
	if o.AllowLinks != nil {
		opts = append(opts, security.WithAllowLinks(*o.AllowLinks))
	}
	if o.RateLimitCheck != nil {
		opts = append(opts, security.WithRateLimitCheck(*o.RateLimitCheck))
	}
	return opts
}

func recordValidation(result *security.ValidationResult) {
	var sanitized, spam bool
	for _, w := range result.Warnings {
		switch w {
		case security.MsgSanitized:
			sanitized = true
		case security.MsgSpam:
			spam = true
		}
	}
	metrics.RecordValidation(result.IsValid, sanitized, spam)
}
