package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
	"github.com/devlikebear/aiapps-sub000/internal/store"
)

const schema = `CREATE TABLE IF NOT EXISTS job_queue_snapshots (
	queue_name   TEXT PRIMARY KEY,
	snapshot     TEXT NOT NULL,
	last_updated INTEGER NOT NULL
);`

// SnapshotStore keeps one row per queue in an embedded SQLite database.
type SnapshotStore struct {
	db    *sqlx.DB
	queue string
}

var _ store.Store = (*SnapshotStore)(nil)

// Open connects to the database at path in WAL mode and creates the schema.
func Open(ctx context.Context, path string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite serialises writers anyway; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return db, nil
}

// NewSnapshotStore wraps an open database for the named queue.
func NewSnapshotStore(db *sqlx.DB, queue string) *SnapshotStore {
	return &SnapshotStore{db: db, queue: queue}
}

func (s *SnapshotStore) Load(ctx context.Context) (domain.Snapshot, error) {
	var data string
	err := s.db.GetContext(ctx, &data,
		`SELECT snapshot FROM job_queue_snapshots WHERE queue_name = ?`, s.queue)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Snapshot{}, nil
		}
		return domain.Snapshot{}, fmt.Errorf("load snapshot %s: %w", s.queue, err)
	}
	return store.Decode("sqlite:"+s.queue, []byte(data))
}

func (s *SnapshotStore) Save(ctx context.Context, snap domain.Snapshot) error {
	data, err := store.Encode(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_queue_snapshots (queue_name, snapshot, last_updated)
		VALUES (?, ?, ?)
		ON CONFLICT (queue_name) DO UPDATE
		SET snapshot = excluded.snapshot, last_updated = excluded.last_updated
	`, s.queue, string(data), snap.LastUpdated.UnixMilli())
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", s.queue, err)
	}
	return nil
}
