// Package snapshot saves and restores rate limiter state on request.
//
// Limiter state is in-memory only. A snapshot is taken when an operator asks
// for one (admin API, or save-on-shutdown) and loaded the same way; nothing
// is written on the request path.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatguard/chatguard/internal/config"
	"github.com/chatguard/chatguard/internal/database"
	"github.com/chatguard/chatguard/internal/ratelimit"
)

// Common errors
var (
	ErrNotFound = errors.New("snapshot not found")
	ErrDisabled = errors.New("snapshot backend disabled")
)

// Snapshot is the saved state of one named limiter.
type Snapshot struct {
	Name    string          `json:"name"`
	SavedAt time.Time       `json:"savedAt"`
	State   ratelimit.State `json:"state"`
}

// Store persists snapshots by limiter name.
type Store interface {
	// Save stores snap, replacing any earlier snapshot with the same name.
	Save(ctx context.Context, snap Snapshot) error

	// Load returns the snapshot for name, or ErrNotFound.
	Load(ctx context.Context, name string) (Snapshot, error)

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}

// NewStore opens the backend selected by cfg.Snapshot.Backend. It returns
// ErrDisabled when no backend is configured.
func NewStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Snapshot.Backend {
	case config.SnapshotRedis:
		return NewRedisStore(ctx, &cfg.Redis, cfg.Snapshot.KeyPrefix)
	case config.SnapshotPostgres:
		pool, err := database.NewPool(ctx, &cfg.Database)
		if err != nil {
			return nil, err
		}
		store := NewPostgresStore(pool)
		store.ownsPool = true
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	case "", config.SnapshotNone:
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Snapshot.Backend)
	}
}
