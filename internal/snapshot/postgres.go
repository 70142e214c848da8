package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/chatguard/chatguard/internal/database"
	"github.com/chatguard/chatguard/internal/ratelimit"
)

// PostgresStore keeps snapshots in the ratelimit_snapshots table.
type PostgresStore struct {
	pool     *database.Pool
	ownsPool bool
}

// NewPostgresStore creates a store on an existing pool. The caller keeps
// ownership of the pool.
func NewPostgresStore(pool *database.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema applies pending schema migrations.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := database.Migrate(ctx, s.pool); err != nil {
		return fmt.Errorf("snapshot schema migration failed: %w", err)
	}
	return nil
}

// Save upserts snap.
func (s *PostgresStore) Save(ctx context.Context, snap Snapshot) error {
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("snapshot marshal failed: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO ratelimit_snapshots (name, state, key_count, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET state = EXCLUDED.state, key_count = EXCLUDED.key_count, saved_at = EXCLUDED.saved_at
	`, snap.Name, state, len(snap.State), snap.SavedAt)
	if err != nil {
		return fmt.Errorf("snapshot save failed: %w", err)
	}
	return nil
}

// Load returns the snapshot stored for name.
func (s *PostgresStore) Load(ctx context.Context, name string) (Snapshot, error) {
	snap := Snapshot{Name: name}
	var state []byte

	err := s.pool.QueryRow(ctx,
		`SELECT state, saved_at FROM ratelimit_snapshots WHERE name = $1`,
		name,
	).Scan(&state, &snap.SavedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("snapshot load failed: %w", err)
	}

	snap.State = ratelimit.State{}
	if err := json.Unmarshal(state, &snap.State); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %q is corrupt: %w", name, err)
	}
	return snap, nil
}

// Ping checks if the database is healthy.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.HealthCheck(ctx)
}

// Close closes the pool if the store opened it.
func (s *PostgresStore) Close() error {
	if s.ownsPool {
		s.pool.Close()
	}
	return nil
}
