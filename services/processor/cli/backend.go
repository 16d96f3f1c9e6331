package cli

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
	"github.com/devlikebear/aiapps-sub000/internal/mongo"
	"github.com/devlikebear/aiapps-sub000/internal/postgres"
	redisstore "github.com/devlikebear/aiapps-sub000/internal/redis"
	"github.com/devlikebear/aiapps-sub000/internal/sqlite"
	"github.com/devlikebear/aiapps-sub000/internal/store"
	"github.com/devlikebear/aiapps-sub000/services/processor/config"
)

// backend owns the snapshot store selected by store_driver and the
// connections behind it.
type backend struct {
	store   store.Store
	redis   *goredis.Client
	closers []func()
}

func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	b := &backend{}

	switch cfg.StoreDriver {
	case config.DriverMemory:
		b.store = store.NewMemory()

	case config.DriverFile:
		b.store = store.NewFile(cfg.StorePath)

	case config.DriverRedis:
		b.store = redisstore.NewSnapshotStore(b.redisClient(cfg.RedisAddr), cfg.QueueName)

	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		b.store = postgres.NewSnapshotStore(pool, cfg.QueueName)

	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = db.Close() })
		b.store = sqlite.NewSnapshotStore(db, cfg.QueueName)

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = client.Disconnect(context.Background()) })
		b.store = mongo.NewSnapshotStore(client, cfg.MongoDatabase, cfg.QueueName)

	default:
		return nil, fmt.Errorf("unknown store_driver %q", cfg.StoreDriver)
	}

	return b, nil
}

// redisClient returns the shared Redis client, connecting on first use.
func (b *backend) redisClient(addr string) *goredis.Client {
	if b.redis == nil {
		b.redis = redisstore.NewClient(addr)
		b.closers = append(b.closers, func() { _ = b.redis.Close() })
	}
	return b.redis
}

// Ready reports whether the store can be read. A corrupt snapshot counts as
// ready: the queue starts empty and the next save overwrites it.
func (b *backend) Ready(ctx context.Context) error {
	_, err := b.store.Load(ctx)
	var corrupt *domain.CorruptSnapshotError
	if errors.As(err, &corrupt) {
		return nil
	}
	return err
}

// Close releases connections in reverse order of opening.
func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}
