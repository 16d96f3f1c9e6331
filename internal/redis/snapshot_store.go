package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
	"github.com/devlikebear/aiapps-sub000/internal/store"
)

func snapshotKey(queue string) string { return "jobqueue:snapshot:" + queue }

// SnapshotStore keeps the queue snapshot under a single Redis key.
// SET replaces the value atomically.
type SnapshotStore struct {
	client *redis.Client
	key    string
}

var _ store.Store = (*SnapshotStore)(nil)

// NewSnapshotStore creates a Redis-backed store for the named queue.
func NewSnapshotStore(client *redis.Client, queue string) *SnapshotStore {
	return &SnapshotStore{client: client, key: snapshotKey(queue)}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *SnapshotStore) Load(ctx context.Context) (domain.Snapshot, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Snapshot{}, nil
		}
		return domain.Snapshot{}, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	return store.Decode("redis:"+s.key, data)
}

func (s *SnapshotStore) Save(ctx context.Context, snap domain.Snapshot) error {
	data, err := store.Encode(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}
