package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry holds one limiter per name so they can be looked up by the admin
// surface, snapshotted together, and closed together.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// NewProfileRegistry builds a limiter for each named profile. adjust, when
// non-nil, may modify each profile's configuration before construction.
func NewProfileRegistry(names []string, adjust func(*Config), opts ...Option) (*Registry, error) {
	r := NewRegistry()
	for _, name := range names {
		cfg, err := Profile(name)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("%w: %q", err, name)
		}
		if adjust != nil {
			adjust(&cfg)
		}
		r.Register(New(cfg, opts...))
	}
	return r, nil
}

// Register adds l under its name, closing any limiter it replaces.
func (r *Registry) Register(l *Limiter) {
	r.mu.Lock()
	old := r.limiters[l.Name()]
	r.limiters[l.Name()] = l
	r.mu.Unlock()

	if old != nil && old != l {
		_ = old.Close()
	}
}

// Get returns the limiter registered under name.
func (r *Registry) Get(name string) (*Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[name]
	return l, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.limiters))
	for name := range r.limiters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExportAll exports every registered limiter keyed by name.
func (r *Registry) ExportAll() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.limiters))
	for name, l := range r.limiters {
		out[name] = l.ExportState()
	}
	return out
}

// ImportAll replaces the state of every limiter named in states. Names with
// no registered limiter are reported and skipped.
func (r *Registry) ImportAll(states map[string]State) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var unknown []string
	for name, state := range states {
		l, ok := r.limiters[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		l.ImportState(state)
	}
	sort.Strings(unknown)
	return unknown
}

// Close closes every registered limiter.
func (r *Registry) Close() error {
	r.mu.Lock()
	limiters := r.limiters
	r.limiters = make(map[string]*Limiter)
	r.mu.Unlock()

	var errs []error
	for _, l := range limiters {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
