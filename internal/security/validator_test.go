package security

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageValidator_Validate(t *testing.T) {
	v := NewMessageValidator(DefaultConfig(), nil)

	t.Run("accepts ordinary text", func(t *testing.T) {
		result := v.Validate("Hello there", "u1")

		assert.True(t, result.IsValid)
		assert.Equal(t, "Hello there", result.SanitizedContent)
		assert.Empty(t, result.Errors)
		assert.Empty(t, result.Warnings)
	})

	t.Run("rejects empty content", func(t *testing.T) {
		result := v.Validate("", "u1")

		assert.False(t, result.IsValid)
		assert.Equal(t, []string{MsgEmpty}, result.Errors)
	})

	t.Run("rejects whitespace only", func(t *testing.T) {
		result := v.Validate("   \n\t", "u1")

		assert.False(t, result.IsValid)
		assert.Equal(t, []string{MsgEmpty}, result.Errors)
	})

	t.Run("rejects content over max length", func(t *testing.T) {
		result := v.Validate(strings.Repeat("a", 5001), "u1")

		assert.False(t, result.IsValid)
		assert.Equal(t, []string{"Message exceeds maximum length of 5000 characters"}, result.Errors)
	})

	t.Run("counts characters not bytes", func(t *testing.T) {
		result := v.Validate(strings.Repeat("é", 5000), "u1")

		assert.True(t, result.IsValid)
	})

	t.Run("per call max length", func(t *testing.T) {
		result := v.Validate("hello world!", "u1", WithMaxLength(10))

		assert.Equal(t, []string{"Message exceeds maximum length of 10 characters"}, result.Errors)
		assert.Equal(t, 5000, v.Config().MaxLength)
	})

	t.Run("per call min length", func(t *testing.T) {
		result := v.Validate("  hi  ", "u1", WithMinLength(3))

		assert.Equal(t, []string{MsgEmpty}, result.Errors)
	})

	t.Run("sanitizes markup with a warning", func(t *testing.T) {
		result := v.Validate("hi <script>alert(1)</script>", "u1")

		assert.True(t, result.IsValid)
		assert.Equal(t, "hi ", result.SanitizedContent)
		assert.Equal(t, []string{MsgSanitized}, result.Warnings)
	})

	t.Run("leaves markup alone when html is allowed", func(t *testing.T) {
		input := "hi <script>alert(1)</script>"
		result := v.Validate(input, "u1", WithAllowHTML(true))

		assert.Equal(t, input, result.SanitizedContent)
		assert.Empty(t, result.Warnings)
	})

	t.Run("rejects sql injection", func(t *testing.T) {
		result := v.Validate("'; DROP TABLE users; --", "u1")

		assert.False(t, result.IsValid)
		assert.Equal(t, []string{MsgHarmful}, result.Errors)
	})

	t.Run("flags spam without rejecting", func(t *testing.T) {
		result := v.Validate("buy buy buy buy buy buy", "u1")

		assert.True(t, result.IsValid)
		assert.Equal(t, []string{MsgSpam}, result.Warnings)
	})

	t.Run("nil rate check never limits", func(t *testing.T) {
		result := v.Validate("hi", "flooder")

		assert.True(t, result.IsValid)
	})
}

func TestMessageValidator_RateCheck(t *testing.T) {
	var seen []string
	v := NewMessageValidator(DefaultConfig(), func(userID string) bool {
		seen = append(seen, userID)
		return userID == "flooder"
	})

	t.Run("limited user", func(t *testing.T) {
		result := v.Validate("hi", "flooder")

		assert.False(t, result.IsValid)
		assert.Equal(t, []string{MsgRateLimited}, result.Errors)
	})

	t.Run("other user", func(t *testing.T) {
		result := v.Validate("hi", "friend")

		assert.True(t, result.IsValid)
	})

	t.Run("check disabled per call", func(t *testing.T) {
		seen = nil
		result := v.Validate("hi", "flooder", WithRateLimitCheck(false))

		assert.True(t, result.IsValid)
		assert.Empty(t, seen)
	})

	t.Run("errors accumulate in order", func(t *testing.T) {
		result := v.Validate("", "flooder")

		assert.Equal(t, []string{MsgEmpty, MsgRateLimited}, result.Errors)
	})
}

func TestMessageValidator_AdversarialInput(t *testing.T) {
	v := NewMessageValidator(DefaultConfig(), nil)
	input := strings.Repeat("<script '=' on OR", 300)
	input = string([]rune(input)[:5000])

	start := time.Now()
	result := v.Validate(input, "u1")
	elapsed := time.Since(start)

	require.NotNil(t, result)
	assert.Less(t, elapsed, 100*time.Millisecond)
}

func TestMessageValidator_ValidateFormat(t *testing.T) {
	v := NewMessageValidator(DefaultConfig(), nil)

	tests := []struct {
		desc    string
		content string
		typ     MessageType
		want    bool
	}{
		{"text", "hello", TypeText, true},
		{"blank text", "   ", TypeText, false},
		{"image png", "photo.PNG", TypeImage, true},
		{"image webp", "cat.webp", TypeImage, true},
		{"image wrong extension", "doc.pdf", TypeImage, false},
		{"image no extension", "photo", TypeImage, false},
		{"file", "doc.pdf", TypeFile, true},
		{"image name is a valid file", "photo.png", TypeFile, true},
		{"file without dot", "README", TypeFile, false},
		{"empty file", "", TypeFile, false},
		{"unknown type", "hello", MessageType("video"), false},
	}

	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, v.ValidateFormat(tc.content, tc.typ))
		})
	}
}

func TestParseMessageType(t *testing.T) {
	for input, want := range map[string]MessageType{
		"":       TypeText,
		"TEXT":   TypeText,
		"image":  TypeImage,
		" file ": TypeFile,
	} {
		got, err := ParseMessageType(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseMessageType("video")
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestMessageValidator_ExtractURLs(t *testing.T) {
	v := NewMessageValidator(DefaultConfig(), nil)

	t.Run("ignores non http schemes", func(t *testing.T) {
		report := v.ExtractURLs("See https://example.com and ftp://bad")

		assert.Equal(t, []string{"https://example.com"}, report.Valid)
		assert.Empty(t, report.Invalid)
	})

	t.Run("keeps path and query", func(t *testing.T) {
		report := v.ExtractURLs("docs at http://example.com/path?q=1 ok")

		assert.Equal(t, []string{"http://example.com/path?q=1"}, report.Valid)
	})

	t.Run("splits malformed candidates", func(t *testing.T) {
		report := v.ExtractURLs("try http://:8080/x or https://[::1 or http://exa<mple.com")

		assert.Empty(t, report.Valid)
		assert.Equal(t, []string{"http://:8080/x", "https://[::1", "http://exa<mple.com"}, report.Invalid)
	})

	t.Run("no urls", func(t *testing.T) {
		report := v.ExtractURLs("nothing to see")

		assert.NotNil(t, report.Valid)
		assert.Empty(t, report.Valid)
		assert.Empty(t, report.Invalid)
	})
}
