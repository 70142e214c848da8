package ratelimit

import (
	"errors"
	"sort"
	"time"
)

// Named limiter profiles.
const (
	ProfileAuth      = "auth"
	ProfileAPI       = "api"
	ProfileStatic    = "static"
	ProfileSensitive = "sensitive"
	ProfileMessages  = "messages"
)

// ErrUnknownProfile is returned for a profile name with no definition.
var ErrUnknownProfile = errors.New("unknown rate limit profile")

var profiles = map[string]Config{
	// Login and registration: keyed per address and submitted account.
	ProfileAuth: {
		Window:      15 * time.Minute,
		MaxRequests: 5,
		KeyFunc:     KeyByIPAndIdentifier,
	},
	// General API traffic. Failed requests are not charged.
	ProfileAPI: {
		Window:             time.Minute,
		MaxRequests:        100,
		SkipFailedRequests: true,
	},
	// Static assets. Only failures count against the budget.
	ProfileStatic: {
		Window:                 time.Minute,
		MaxRequests:            1000,
		SkipSuccessfulRequests: true,
	},
	// Account and admin operations.
	ProfileSensitive: {
		Window:      time.Hour,
		MaxRequests: 10,
		KeyFunc:     KeyByIPAndUser,
	},
	// Per-user chat message budget.
	ProfileMessages: {
		Window:      time.Minute,
		MaxRequests: 30,
		KeyFunc:     KeyByUser,
	},
}

// Profile returns the configuration registered under name.
func Profile(name string) (Config, error) {
	cfg, ok := profiles[name]
	if !ok {
		return Config{}, ErrUnknownProfile
	}
	cfg.Name = name
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = KeyByIP
	}
	cfg.CleanupInterval = DefaultConfig().CleanupInterval
	return cfg, nil
}

// ProfileNames lists the defined profiles in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
