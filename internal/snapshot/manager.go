package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatguard/chatguard/internal/metrics"
	"github.com/chatguard/chatguard/internal/ratelimit"
	"github.com/chatguard/chatguard/pkg/logger"
)

// Result summarizes a SaveAll or RestoreAll run.
type Result struct {
	Profiles []string `json:"profiles"`
	Keys     int      `json:"keys"`
	Missing  []string `json:"missing,omitempty"`
}

// Manager snapshots every limiter in a registry.
type Manager struct {
	store    Store
	registry *ratelimit.Registry
	timeout  time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// NewManager creates a Manager. A non-positive timeout means no per-call
// deadline beyond the caller's context.
func NewManager(store Store, registry *ratelimit.Registry, timeout time.Duration, log *logger.Logger) *Manager {
	return &Manager{
		store:    store,
		registry: registry,
		timeout:  timeout,
		log:      log.With("component", "snapshot"),
		now:      time.Now,
	}
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// SaveAll stores the current state of every registered limiter. It stops at
// the first failure.
func (m *Manager) SaveAll(ctx context.Context) (Result, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	res := Result{Profiles: []string{}}
	for _, name := range m.registry.Names() {
		limiter, ok := m.registry.Get(name)
		if !ok {
			continue
		}
		snap := Snapshot{Name: name, SavedAt: m.now().UTC(), State: limiter.ExportState()}

		start := time.Now()
		err := m.store.Save(ctx, snap)
		metrics.RecordSnapshot("save", err, time.Since(start))
		if err != nil {
			m.log.Error("snapshot save failed", "profile", name, "error", err)
			return res, fmt.Errorf("saving %s: %w", name, err)
		}

		res.Profiles = append(res.Profiles, name)
		res.Keys += len(snap.State)
	}

	m.log.Info("snapshot saved", "profiles", len(res.Profiles), "keys", res.Keys)
	return res, nil
}

// RestoreAll replaces each registered limiter's state with its stored
// snapshot. Limiters without a snapshot are left untouched and reported in
// Result.Missing.
func (m *Manager) RestoreAll(ctx context.Context) (Result, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	res := Result{Profiles: []string{}}
	for _, name := range m.registry.Names() {
		limiter, ok := m.registry.Get(name)
		if !ok {
			continue
		}

		start := time.Now()
		snap, err := m.store.Load(ctx, name)
		if errors.Is(err, ErrNotFound) {
			metrics.RecordSnapshot("load", nil, time.Since(start))
			res.Missing = append(res.Missing, name)
			continue
		}
		metrics.RecordSnapshot("load", err, time.Since(start))
		if err != nil {
			m.log.Error("snapshot load failed", "profile", name, "error", err)
			return res, fmt.Errorf("restoring %s: %w", name, err)
		}

		limiter.ImportState(snap.State)
		res.Profiles = append(res.Profiles, name)
		res.Keys += len(snap.State)
	}

	m.log.Info("snapshot restored", "profiles", len(res.Profiles), "keys", res.Keys, "missing", len(res.Missing))
	return res, nil
}

// Ping checks the backing store.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}
