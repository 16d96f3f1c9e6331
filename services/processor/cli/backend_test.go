package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlikebear/aiapps-sub000/internal/store"
	"github.com/devlikebear/aiapps-sub000/services/processor/config"
)

func TestOpenBackend_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	b, err := openBackend(context.Background(), config.Config{StoreDriver: config.DriverFile, StorePath: path})
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &store.File{}, b.store)
	assert.NoError(t, b.Ready(context.Background()))
}

func TestOpenBackend_SQLite(t *testing.T) {
	cfg := config.Config{
		StoreDriver: config.DriverSQLite,
		SQLitePath:  filepath.Join(t.TempDir(), "queue.db"),
		QueueName:   "default",
	}
	b, err := openBackend(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()

	assert.NoError(t, b.Ready(context.Background()))
}

func TestBackend_CorruptSnapshotIsReady(t *testing.T) {
	mem := store.NewMemory()
	mem.SetRaw([]byte("{not json"))

	b := &backend{store: mem}
	assert.NoError(t, b.Ready(context.Background()))
}

func TestOpenBackend_UnknownDriver(t *testing.T) {
	_, err := openBackend(context.Background(), config.Config{StoreDriver: "etcd"})
	require.Error(t, err)
}

func TestBuildLogger_Levels(t *testing.T) {
	logger := buildLogger("debug", "console", "jobqueue")
	assert.True(t, logger.Enabled(context.Background(), -4))

	logger = buildLogger("bogus", "json", "jobqueue")
	assert.False(t, logger.Enabled(context.Background(), -4))
}
