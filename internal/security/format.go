package security

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// MessageType is the kind of payload a chat message carries.
type MessageType string

// Message types.
const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeFile  MessageType = "file"
)

// ErrUnknownMessageType is returned by ParseMessageType.
var ErrUnknownMessageType = errors.New("unknown message type")

var (
	imageNamePattern = regexp.MustCompile(`(?i)\.(?:jpg|jpeg|png|gif|webp)$`)
	urlPattern       = regexp.MustCompile(`https?://\S+`)
)

// ParseMessageType parses a message type name. Empty means text.
func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(strings.ToLower(strings.TrimSpace(s))) {
	case "", TypeText:
		return TypeText, nil
	case TypeImage:
		return TypeImage, nil
	case TypeFile:
		return TypeFile, nil
	default:
		return "", ErrUnknownMessageType
	}
}

// ValidateFormat checks that content fits the message type. Text needs
// non-blank content, image needs an image file extension, and file accepts
// any name containing a dot, so image names pass the file check too.
func (v *MessageValidator) ValidateFormat(content string, t MessageType) bool {
	switch t {
	case TypeText:
		return strings.TrimSpace(content) != ""
	case TypeImage:
		return imageNamePattern.MatchString(content)
	case TypeFile:
		return len(content) > 0 && strings.Contains(content, ".")
	default:
		return false
	}
}

// URLReport splits the URLs found in a message by whether they parse.
type URLReport struct {
	Valid   []string `json:"valid"`
	Invalid []string `json:"invalid"`
}

// ExtractURLs finds http(s) URLs in content. The scan is greedy up to the
// next whitespace, so candidates with trailing junk usually land in Invalid.
func (v *MessageValidator) ExtractURLs(content string) URLReport {
	report := URLReport{Valid: []string{}, Invalid: []string{}}
	for _, candidate := range urlPattern.FindAllString(content, -1) {
		if isStrictURL(candidate) {
			report.Valid = append(report.Valid, candidate)
		} else {
			report.Invalid = append(report.Invalid, candidate)
		}
	}
	return report
}

// forbiddenHostChars may not appear in a host name.
const forbiddenHostChars = "<>\\^|%\"`{}"

func isStrictURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	return host != "" && !strings.ContainsAny(host, forbiddenHostChars)
}
