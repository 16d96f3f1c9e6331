package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
)

// Store persists the whole queue snapshot.
//
// Load returns an empty snapshot and a nil error when nothing has been saved
// yet, and a *domain.CorruptSnapshotError when the saved value cannot be
// decoded. Save replaces the stored value in a single atomic write. Stores do
// not arbitrate between writers: callers keep one active writer per key.
type Store interface {
	Load(ctx context.Context) (domain.Snapshot, error)
	Save(ctx context.Context, snap domain.Snapshot) error
}

// Encode serialises a snapshot to its persisted JSON form.
func Encode(snap domain.Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// Decode parses a persisted snapshot. source names the backend in errors.
func Decode(source string, data []byte) (domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.Snapshot{}, &domain.CorruptSnapshotError{Source: source, Err: err}
	}
	return snap, nil
}
