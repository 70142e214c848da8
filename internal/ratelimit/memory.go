package ratelimit

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chatguard/chatguard/pkg/logger"
)

// Limiter is an in-memory fixed-window limiter. Keys that reach twice the
// limit inside one window are blocked for two windows.
type Limiter struct {
	cfg Config
	now func() time.Time
	log *logger.Logger

	mu        sync.Mutex
	entries   map[string]*entry
	whitelist map[string]struct{}
	blacklist map[string]struct{}

	// For cleanup
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// entry is the accounting state of a single key.
type entry struct {
	count        int
	resetAt      time.Time
	blocked      bool
	blockedUntil time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now as the limiter's time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger used for fail-open and callback failures.
func WithLogger(log *logger.Logger) Option {
	return func(l *Limiter) {
		l.log = log
	}
}

// New creates a limiter and starts its sweep goroutine. Zero values in cfg
// fall back to DefaultConfig. Close must be called to stop the sweep.
func New(cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = def.KeyFunc
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	l := &Limiter{
		cfg:       cfg,
		now:       time.Now,
		entries:   make(map[string]*entry),
		whitelist: toSet(cfg.Whitelist),
		blacklist: toSet(cfg.Blacklist),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With("component", "ratelimit", "limiter", cfg.Name)

	l.wg.Add(1)
	go l.cleanupLoop()

	return l
}

// Name returns the configured limiter name.
func (l *Limiter) Name() string {
	return l.cfg.Name
}

// MaxRequests returns the per-window request limit.
func (l *Limiter) MaxRequests() int {
	return l.cfg.MaxRequests
}

// Window returns the window length.
func (l *Limiter) Window() time.Duration {
	return l.cfg.Window
}

// Decide admits or denies a request. It never fails: when the key cannot be
// derived the request is allowed and the failure logged.
func (l *Limiter) Decide(req Request) *Decision {
	key, err := l.deriveKey(req)
	if err != nil {
		l.log.Warn("rate limit key derivation failed, allowing request", "error", err)
		return &Decision{Allowed: true, FailOpen: true}
	}

	now := l.now()

	l.mu.Lock()
	if _, ok := l.whitelist[key]; ok {
		l.mu.Unlock()
		return &Decision{Allowed: true, Key: key, Whitelisted: true}
	}

	if _, ok := l.blacklist[key]; ok {
		info := Info{
			Limit:      l.cfg.MaxRequests,
			Window:     l.cfg.Window,
			ResetAfter: l.cfg.Window,
			ResetAt:    now.Add(l.cfg.Window),
			Blocked:    true,
		}
		l.mu.Unlock()
		return &Decision{Key: key, Reason: ReasonBlacklisted, Info: &info}
	}

	e, ok := l.entries[key]
	if !ok {
		e = &entry{resetAt: now.Add(l.cfg.Window)}
		l.entries[key] = e
	}
	l.refresh(e, now)

	underBlock := e.blocked && now.Before(e.blockedUntil)
	overLimit := e.count >= l.cfg.MaxRequests

	e.count++
	escalated := l.escalate(key, e, now)
	info := l.info(e, now)
	l.mu.Unlock()

	d := &Decision{Key: key, Info: &info, Escalated: escalated, limiter: l}
	switch {
	case underBlock:
		d.Reason = ReasonTemporarilyBlocked
	case overLimit:
		d.Reason = ReasonLimitExceeded
	default:
		d.Allowed = true
		d.adjustable = true
		// The key was under its limit when this request was admitted.
		d.Info.Blocked = false
		return d
	}

	l.notifyLimitReached(req, key, info)
	return d
}

// deriveKey runs the configured KeyFunc, converting a panic into an error.
func (l *Limiter) deriveKey(req Request) (key string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("key function panicked: %v", r)
		}
	}()
	key, err = l.cfg.KeyFunc(req)
	if err == nil && key == "" {
		err = fmt.Errorf("key function returned an empty key")
	}
	return key, err
}

// notifyLimitReached runs OnLimitReached. A failing callback must not keep the
// denial from reaching the client, so panics are logged and dropped.
func (l *Limiter) notifyLimitReached(req Request, key string, info Info) {
	if l.cfg.OnLimitReached == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("limit reached callback panicked", "key", key, "panic", fmt.Sprint(r))
		}
	}()
	l.cfg.OnLimitReached(req, key, info)
}

// complete hands back a hit according to the skip settings.
func (l *Limiter) complete(key string, success bool) {
	skip := (success && l.cfg.SkipSuccessfulRequests) || (!success && l.cfg.SkipFailedRequests)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return
	}
	if skip && e.count > 0 {
		e.count--
	}
	l.escalate(key, e, l.now())
}

// refresh applies window rollover and block expiry. Caller holds l.mu.
func (l *Limiter) refresh(e *entry, now time.Time) {
	if !now.Before(e.resetAt) {
		e.count = 0
		e.resetAt = now.Add(l.cfg.Window)
	}
	if e.blocked && !now.Before(e.blockedUntil) {
		e.blocked = false
		e.blockedUntil = time.Time{}
		e.count = 0
	}
}

// escalate starts a progressive block once a key reaches twice the limit
// inside the current window and reports whether it did. Caller holds l.mu.
func (l *Limiter) escalate(key string, e *entry, now time.Time) bool {
	if e.blocked || e.count < 2*l.cfg.MaxRequests {
		return false
	}
	e.blocked = true
	e.blockedUntil = now.Add(2 * l.cfg.Window)
	l.log.Warn("key progressively blocked", "key", key, "until", e.blockedUntil.UTC().Format(time.RFC3339))
	return true
}

// info builds the caller view of e. Caller holds l.mu.
func (l *Limiter) info(e *entry, now time.Time) Info {
	info := Info{
		Limit:      l.cfg.MaxRequests,
		Window:     l.cfg.Window,
		TotalHits:  e.count,
		Remaining:  l.cfg.MaxRequests - e.count,
		ResetAt:    e.resetAt,
		ResetAfter: e.resetAt.Sub(now),
		Blocked:    e.count >= l.cfg.MaxRequests,
	}
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	if e.blocked && now.Before(e.blockedUntil) {
		info.Blocked = true
		info.ResetAt = e.blockedUntil
		info.ResetAfter = e.blockedUntil.Sub(now)
	}
	if info.ResetAfter < 0 {
		info.ResetAfter = 0
	}
	return info
}

// Status returns the current view of key without changing it.
func (l *Limiter) Status(key string) (*Info, bool) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return nil, false
	}
	view := *e
	l.refresh(&view, now)
	info := l.info(&view, now)
	return &info, true
}

// Reset forgets key. It reports whether the key was tracked.
func (l *Limiter) Reset(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.entries[key]
	delete(l.entries, key)
	return ok
}

// AddToWhitelist exempts key from accounting.
func (l *Limiter) AddToWhitelist(key string) {
	l.mu.Lock()
	l.whitelist[key] = struct{}{}
	l.mu.Unlock()
}

// RemoveFromWhitelist removes key from the whitelist.
func (l *Limiter) RemoveFromWhitelist(key string) {
	l.mu.Lock()
	delete(l.whitelist, key)
	l.mu.Unlock()
}

// AddToBlacklist denies every request for key.
func (l *Limiter) AddToBlacklist(key string) {
	l.mu.Lock()
	l.blacklist[key] = struct{}{}
	l.mu.Unlock()
}

// RemoveFromBlacklist removes key from the blacklist.
func (l *Limiter) RemoveFromBlacklist(key string) {
	l.mu.Lock()
	delete(l.blacklist, key)
	l.mu.Unlock()
}

// Whitelist returns the whitelisted keys in sorted order.
func (l *Limiter) Whitelist() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sortedKeys(l.whitelist)
}

// Blacklist returns the blacklisted keys in sorted order.
func (l *Limiter) Blacklist() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return sortedKeys(l.blacklist)
}

// Statistics summarizes the tracked keys.
func (l *Limiter) Statistics() Stats {
	now := l.now()

	l.mu.Lock()
	n := len(l.entries)
	requesters := make([]Requester, 0, n)
	total := 0
	blocked := 0
	for key, e := range l.entries {
		total += e.count
		if e.blocked && now.Before(e.blockedUntil) {
			blocked++
		}
		requesters = append(requesters, Requester{Key: key, Requests: e.count})
	}
	l.mu.Unlock()

	sort.Slice(requesters, func(i, j int) bool {
		if requesters[i].Requests != requesters[j].Requests {
			return requesters[i].Requests > requesters[j].Requests
		}
		return requesters[i].Key < requesters[j].Key
	})
	if len(requesters) > topRequesterCount {
		requesters = requesters[:topRequesterCount]
	}

	stats := Stats{
		TotalActiveKeys:  n,
		TotalBlockedKeys: blocked,
		TopRequesters:    requesters,
	}
	if n > 0 {
		stats.AverageRequestsPerKey = float64(total) / float64(n)
	}
	return stats
}

// ExportState copies every tracked key.
func (l *Limiter) ExportState() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := make(State, len(l.entries))
	for key, e := range l.entries {
		snap := EntrySnapshot{
			Count:   e.count,
			ResetAt: e.resetAt,
			Blocked: e.blocked,
		}
		if e.blocked {
			until := e.blockedUntil
			snap.BlockedUntil = &until
		}
		state[key] = snap
	}
	return state
}

// ImportState replaces every tracked key with the contents of state.
func (l *Limiter) ImportState(state State) {
	entries := make(map[string]*entry, len(state))
	for key, snap := range state {
		e := &entry{
			count:   snap.Count,
			resetAt: snap.ResetAt,
		}
		if e.count < 0 {
			e.count = 0
		}
		if snap.Blocked && snap.BlockedUntil != nil {
			e.blocked = true
			e.blockedUntil = *snap.BlockedUntil
		}
		entries[key] = e
	}

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close stops the sweep and drops all tracked keys. It is safe to call more
// than once.
func (l *Limiter) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()

		l.mu.Lock()
		l.entries = make(map[string]*entry)
		l.mu.Unlock()
	})
	return nil
}

// cleanupLoop periodically removes stale entries.
func (l *Limiter) cleanupLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep removes entries whose window expired without an active block and
// entries whose block expired.
func (l *Limiter) sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.entries {
		expired := !now.Before(e.resetAt) && !e.blocked
		unblocked := e.blocked && !now.Before(e.blockedUntil)
		if expired || unblocked {
			delete(l.entries, key)
			removed++
		}
	}
	if removed > 0 {
		l.log.Debug("swept rate limit entries", "removed", removed, "remaining", len(l.entries))
	}
	return removed
}

func toSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
