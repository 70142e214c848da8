package ratelimit

import (
	"errors"
	"strings"
)

// Key derivation errors.
var (
	ErrNoClientIP = errors.New("client ip unavailable")
	ErrNoUserID   = errors.New("user id unavailable")
)

// KeyByIP keys requests by client IP.
func KeyByIP(req Request) (string, error) {
	ip := strings.TrimSpace(req.IP)
	if ip == "" {
		return "", ErrNoClientIP
	}
	return ip, nil
}

// KeyByUser keys requests by authenticated user.
func KeyByUser(req Request) (string, error) {
	id := strings.TrimSpace(req.UserID)
	if id == "" {
		return "", ErrNoUserID
	}
	return "user:" + id, nil
}

// KeyByIPAndIdentifier keys requests by client IP and the submitted login
// identifier, so one address cannot spray attempts across accounts unnoticed.
func KeyByIPAndIdentifier(req Request) (string, error) {
	ip, err := KeyByIP(req)
	if err != nil {
		return "", err
	}
	identifier := strings.ToLower(strings.TrimSpace(req.Identifier))
	if identifier == "" {
		identifier = "unknown"
	}
	return ip + ":" + identifier, nil
}

// KeyByIPAndUser keys requests by client IP and authenticated user.
func KeyByIPAndUser(req Request) (string, error) {
	ip, err := KeyByIP(req)
	if err != nil {
		return "", err
	}
	user := strings.TrimSpace(req.UserID)
	if user == "" {
		user = "anonymous"
	}
	return ip + ":" + user, nil
}
