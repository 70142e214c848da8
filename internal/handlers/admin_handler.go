package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/chatguard/chatguard/internal/ratelimit"
	"github.com/chatguard/chatguard/internal/snapshot"
	"github.com/chatguard/chatguard/pkg/logger"
)

// Snapshotter persists and restores limiter state on demand.
type Snapshotter interface {
	SaveAll(ctx context.Context) (snapshot.Result, error)
	RestoreAll(ctx context.Context) (snapshot.Result, error)
}

// ProfileStats is one limiter's entry in the stats response.
type ProfileStats struct {
	ratelimit.Stats
	Limit     int      `json:"limit"`
	WindowMs  int64    `json:"windowMs"`
	Whitelist []string `json:"whitelist"`
	Blacklist []string `json:"blacklist"`
}

// StatusResponse describes one tracked key.
type StatusResponse struct {
	Profile    string `json:"profile"`
	Key        string `json:"key"`
	Limit      int    `json:"limit"`
	WindowMs   int64  `json:"windowMs"`
	TotalHits  int    `json:"totalHits"`
	Remaining  int    `json:"remaining"`
	ResetTime  string `json:"resetTime"`
	RetryAfter int    `json:"retryAfter"`
	Blocked    bool   `json:"blocked"`
}

// ListRequest adds or removes a key from a whitelist or blacklist. An empty
// profile applies the change to every profile.
type ListRequest struct {
	Profile string `json:"profile"`
	Key     string `json:"key"`
}

// ListResponse reports which profiles a list change was applied to.
type ListResponse struct {
	Key      string   `json:"key"`
	Profiles []string `json:"profiles"`
}

// ImportResponse reports the outcome of a state import.
type ImportResponse struct {
	Imported []string `json:"imported"`
	Unknown  []string `json:"unknown"`
}

// AdminHandler exposes limiter inspection and control. Every route requires
// the configured bearer token.
type AdminHandler struct {
	token     string
	registry  *ratelimit.Registry
	snapshots Snapshotter
	log       *logger.Logger
}

// NewAdminHandler creates an AdminHandler. snapshots may be nil when no
// snapshot backend is configured.
func NewAdminHandler(token string, registry *ratelimit.Registry, snapshots Snapshotter, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		token:     token,
		registry:  registry,
		snapshots: snapshots,
		log:       log.With("component", "admin"),
	}
}

// Authorize rejects requests without a matching bearer token.
func (h *AdminHandler) Authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || h.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", "UNAUTHORIZED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(auth[len(prefix):]), true
}

// Stats handles GET /admin/ratelimit/stats.
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]ProfileStats)
	for _, name := range h.registry.Names() {
		l, ok := h.registry.Get(name)
		if !ok {
			continue
		}
		out[name] = ProfileStats{
			Stats:     l.Statistics(),
			Limit:     l.MaxRequests(),
			WindowMs:  l.Window().Milliseconds(),
			Whitelist: l.Whitelist(),
			Blacklist: l.Blacklist(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// Status handles GET /admin/ratelimit/status?profile=&key=.
func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	l, key, ok := h.lookup(w, r)
	if !ok {
		return
	}

	info, tracked := l.Status(key)
	if !tracked {
		writeError(w, http.StatusNotFound, "key not tracked", "NOT_FOUND")
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Profile:    l.Name(),
		Key:        key,
		Limit:      info.Limit,
		WindowMs:   info.Window.Milliseconds(),
		TotalHits:  info.TotalHits,
		Remaining:  info.Remaining,
		ResetTime:  info.ResetAt.UTC().Format(time.RFC3339Nano),
		RetryAfter: info.RetryAfterSeconds(),
		Blocked:    info.Blocked,
	})
}

// ResetKey handles DELETE /admin/ratelimit/status?profile=&key=.
func (h *AdminHandler) ResetKey(w http.ResponseWriter, r *http.Request) {
	l, key, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if !l.Reset(key) {
		writeError(w, http.StatusNotFound, "key not tracked", "NOT_FOUND")
		return
	}
	h.log.Info("rate limit key reset", "profile", l.Name(), "key", key)
	w.WriteHeader(http.StatusNoContent)
}

// lookup resolves the profile and key query parameters.
func (h *AdminHandler) lookup(w http.ResponseWriter, r *http.Request) (*ratelimit.Limiter, string, bool) {
	profile := r.URL.Query().Get("profile")
	key := r.URL.Query().Get("key")
	if profile == "" || key == "" {
		writeError(w, http.StatusBadRequest, "profile and key are required", "MISSING_PARAMETER")
		return nil, "", false
	}
	l, ok := h.registry.Get(profile)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown profile", "UNKNOWN_PROFILE")
		return nil, "", false
	}
	return l, key, true
}

// AddWhitelist handles POST /admin/ratelimit/whitelist.
func (h *AdminHandler) AddWhitelist(w http.ResponseWriter, r *http.Request) {
	h.updateList(w, r, "whitelist_add", (*ratelimit.Limiter).AddToWhitelist)
}

// RemoveWhitelist handles DELETE /admin/ratelimit/whitelist.
func (h *AdminHandler) RemoveWhitelist(w http.ResponseWriter, r *http.Request) {
	h.updateList(w, r, "whitelist_remove", (*ratelimit.Limiter).RemoveFromWhitelist)
}

// AddBlacklist handles POST /admin/ratelimit/blacklist.
func (h *AdminHandler) AddBlacklist(w http.ResponseWriter, r *http.Request) {
	h.updateList(w, r, "blacklist_add", (*ratelimit.Limiter).AddToBlacklist)
}

// RemoveBlacklist handles DELETE /admin/ratelimit/blacklist.
func (h *AdminHandler) RemoveBlacklist(w http.ResponseWriter, r *http.Request) {
	h.updateList(w, r, "blacklist_remove", (*ratelimit.Limiter).RemoveFromBlacklist)
}

func (h *AdminHandler) updateList(w http.ResponseWriter, r *http.Request, action string, apply func(*ratelimit.Limiter, string)) {
	var req ListRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeInvalidBody(w)
		return
	}
	req.Key = strings.TrimSpace(req.Key)
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required", "MISSING_PARAMETER")
		return
	}

	names := h.registry.Names()
	if req.Profile != "" {
		if _, ok := h.registry.Get(req.Profile); !ok {
			writeError(w, http.StatusNotFound, "unknown profile", "UNKNOWN_PROFILE")
			return
		}
		names = []string{req.Profile}
	}

	applied := make([]string, 0, len(names))
	for _, name := range names {
		if l, ok := h.registry.Get(name); ok {
			apply(l, req.Key)
			applied = append(applied, name)
		}
	}

	h.log.Info("rate limit list updated", "action", action, "key", req.Key, "profiles", strings.Join(applied, ","))
	writeJSON(w, http.StatusOK, ListResponse{Key: req.Key, Profiles: applied})
}

// Export handles GET /admin/ratelimit/export.
func (h *AdminHandler) Export(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.ExportAll())
}

// Import handles POST /admin/ratelimit/import. The body has the shape
// Export produces; each named profile's state is replaced.
func (h *AdminHandler) Import(w http.ResponseWriter, r *http.Request) {
	var states map[string]ratelimit.State
	if err := decodeJSON(w, r, &states); err != nil {
		writeInvalidBody(w)
		return
	}

	unknown := h.registry.ImportAll(states)
	skipped := make(map[string]bool, len(unknown))
	for _, name := range unknown {
		skipped[name] = true
	}

	resp := ImportResponse{Imported: []string{}, Unknown: []string{}}
	for _, name := range h.registry.Names() {
		if _, ok := states[name]; ok && !skipped[name] {
			resp.Imported = append(resp.Imported, name)
		}
	}
	resp.Unknown = append(resp.Unknown, unknown...)

	h.log.Info("rate limit state imported", "profiles", len(resp.Imported), "unknown", len(resp.Unknown))
	writeJSON(w, http.StatusOK, resp)
}

// Snapshot handles POST /admin/ratelimit/snapshot.
func (h *AdminHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	h.runSnapshot(w, r, func(ctx context.Context) (snapshot.Result, error) {
		return h.snapshots.SaveAll(ctx)
	})
}

// Restore handles POST /admin/ratelimit/restore.
func (h *AdminHandler) Restore(w http.ResponseWriter, r *http.Request) {
	h.runSnapshot(w, r, func(ctx context.Context) (snapshot.Result, error) {
		return h.snapshots.RestoreAll(ctx)
	})
}

func (h *AdminHandler) runSnapshot(w http.ResponseWriter, r *http.Request, op func(context.Context) (snapshot.Result, error)) {
	if h.snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot backend not configured", "SNAPSHOT_DISABLED")
		return
	}

	res, err := op(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "snapshot backend error", "SNAPSHOT_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
