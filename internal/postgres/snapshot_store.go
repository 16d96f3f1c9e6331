package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
	"github.com/devlikebear/aiapps-sub000/internal/postgres/migrations"
	"github.com/devlikebear/aiapps-sub000/internal/store"
)

// SnapshotStore keeps one row per queue in job_queue_snapshots.
type SnapshotStore struct {
	pool  *pgxpool.Pool
	queue string
}

var _ store.Store = (*SnapshotStore)(nil)

// NewSnapshotStore wraps a pgxpool for the named queue.
func NewSnapshotStore(pool *pgxpool.Pool, queue string) *SnapshotStore {
	return &SnapshotStore{pool: pool, queue: queue}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema files in order.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	applied := make([]string, 0, len(migrations.Files))
	for _, f := range migrations.Files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return applied, fmt.Errorf("execute migration %s: %w", f, err)
		}
		applied = append(applied, f)
	}
	return applied, nil
}

func (s *SnapshotStore) Load(ctx context.Context) (domain.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `
		SELECT snapshot
		FROM job_queue_snapshots
		WHERE queue_name = $1
	`, s.queue).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Snapshot{}, nil
		}
		return domain.Snapshot{}, fmt.Errorf("load snapshot %s: %w", s.queue, err)
	}
	return store.Decode("postgres:"+s.queue, data)
}

func (s *SnapshotStore) Save(ctx context.Context, snap domain.Snapshot) error {
	data, err := store.Encode(snap)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_queue_snapshots (queue_name, snapshot, last_updated, saved_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (queue_name) DO UPDATE
		SET snapshot = EXCLUDED.snapshot,
		    last_updated = EXCLUDED.last_updated,
		    saved_at = EXCLUDED.saved_at
	`, s.queue, data, snap.LastUpdated)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", s.queue, err)
	}
	return nil
}
