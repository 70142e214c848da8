// Package ratelimit provides fixed-window admission control with progressive
// blocking for repeat offenders.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Block reasons reported on denied decisions.
const (
	ReasonBlacklisted        = "IP blacklisted"
	ReasonLimitExceeded      = "Too many requests, please try again later."
	ReasonTemporarilyBlocked = "Too many requests. Temporarily blocked due to repeated violations."
)

// Request carries the attributes a KeyFunc may derive a key from.
type Request struct {
	IP         string // client address
	UserID     string // authenticated user, empty when anonymous
	Identifier string // submitted login identifier (email, username)
}

// KeyFunc derives the accounting key for a request. Returning an error makes
// the limiter fail open for that request.
type KeyFunc func(req Request) (string, error)

// LimitHandler is notified whenever a request is denied because its key is
// over the limit or under a progressive block.
type LimitHandler func(req Request, key string, info Info)

// Config holds limiter configuration. It is fixed for the lifetime of a
// Limiter except for the whitelist and blacklist, which are copied into
// mutable sets.
type Config struct {
	Name                   string
	Window                 time.Duration
	MaxRequests            int
	KeyFunc                KeyFunc
	Whitelist              []string
	Blacklist              []string
	SkipSuccessfulRequests bool
	SkipFailedRequests     bool
	OnLimitReached         LimitHandler
	CleanupInterval        time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Name:            "default",
		Window:          time.Minute,
		MaxRequests:     100,
		KeyFunc:         KeyByIP,
		CleanupInterval: time.Minute,
	}
}

// Info is the caller-facing view of a key's accounting state. Blocked is
// true while a progressive block is active or the count has reached the
// limit. On a decision the counts include the request being decided, but
// Blocked reflects the state before it was counted, so it is false on every
// allowed decision.
type Info struct {
	Limit      int
	Window     time.Duration
	TotalHits  int
	Remaining  int
	ResetAfter time.Duration // until window reset, or until block expiry when blocked
	ResetAt    time.Time
	Blocked    bool
}

// RetryAfterSeconds returns ResetAfter rounded up to whole seconds.
func (i Info) RetryAfterSeconds() int {
	if i.ResetAfter <= 0 {
		return 0
	}
	return int(math.Ceil(i.ResetAfter.Seconds()))
}

// Decision is the outcome of Limiter.Decide.
type Decision struct {
	Allowed     bool
	Key         string
	Reason      string // set when denied
	Info        *Info  // nil for whitelisted and fail-open decisions
	Whitelisted bool
	FailOpen    bool
	Escalated   bool // this decision started a progressive block

	limiter    *Limiter
	adjustable bool
	once       sync.Once
}

// Complete reports the outcome of the work the decision admitted. Depending
// on the limiter's skip settings the hit is handed back. Only the first call
// has any effect.
func (d *Decision) Complete(success bool) {
	if d == nil || !d.adjustable {
		return
	}
	d.once.Do(func() {
		d.limiter.complete(d.Key, success)
	})
}

// EntrySnapshot is the exported form of one tracked key.
type EntrySnapshot struct {
	Count        int        `json:"count"`
	ResetAt      time.Time  `json:"resetTime"`
	Blocked      bool       `json:"blocked"`
	BlockedUntil *time.Time `json:"blockedUntil,omitempty"`
}

// State is a full copy of a limiter's tracked keys.
type State map[string]EntrySnapshot

// Requester is one row of Stats.TopRequesters.
type Requester struct {
	Key      string `json:"key"`
	Requests int    `json:"requests"`
}

// Stats summarizes a limiter's tracked keys.
type Stats struct {
	TotalActiveKeys       int         `json:"totalActiveKeys"`
	TotalBlockedKeys      int         `json:"totalBlockedKeys"`
	AverageRequestsPerKey float64     `json:"averageRequestsPerKey"`
	TopRequesters         []Requester `json:"topRequesters"`
}

// topRequesterCount bounds Stats.TopRequesters.
const topRequesterCount = 10
