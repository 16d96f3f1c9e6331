package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
	"github.com/devlikebear/aiapps-sub000/internal/store"
)

const collectionName = "job_queue_snapshots"

// snapshotDoc holds the encoded snapshot as a string so unknown job fields
// round-trip byte for byte instead of through BSON.
type snapshotDoc struct {
	Queue       string    `bson:"_id"`
	Snapshot    string    `bson:"snapshot"`
	LastUpdated time.Time `bson:"lastUpdated"`
}

// SnapshotStore keeps one document per queue.
type SnapshotStore struct {
	coll  *mongo.Collection
	queue string
}

var _ store.Store = (*SnapshotStore)(nil)

// Connect establishes a connection to MongoDB and verifies it with a ping.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// NewSnapshotStore returns a store backed by database.job_queue_snapshots.
func NewSnapshotStore(client *mongo.Client, database, queue string) *SnapshotStore {
	return &SnapshotStore{
		coll:  client.Database(database).Collection(collectionName),
		queue: queue,
	}
}

func (s *SnapshotStore) Load(ctx context.Context) (domain.Snapshot, error) {
	raw, err := s.coll.FindOne(ctx, bson.M{"_id": s.queue}).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Snapshot{}, nil
		}
		return domain.Snapshot{}, fmt.Errorf("mongo find snapshot %s: %w", s.queue, err)
	}

	// A document that exists but has no string snapshot field is corrupt,
	// not unreadable.
	source := "mongo:" + s.queue
	val := raw.Lookup("snapshot")
	data, ok := val.StringValueOK()
	if !ok {
		return domain.Snapshot{}, &domain.CorruptSnapshotError{
			Source: source,
			Err:    fmt.Errorf("snapshot field has BSON type %s, want string", val.Type),
		}
	}
	return store.Decode(source, []byte(data))
}

// Save replaces the queue's document in one write.
func (s *SnapshotStore) Save(ctx context.Context, snap domain.Snapshot) error {
	data, err := store.Encode(snap)
	if err != nil {
		return err
	}
	doc := snapshotDoc{Queue: s.queue, Snapshot: string(data), LastUpdated: snap.LastUpdated}
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": s.queue}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo replace snapshot %s: %w", s.queue, err)
	}
	return nil
}
