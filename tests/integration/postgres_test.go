//go:build integration

package integration

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devlikebear/aiapps-sub000/internal/domain"
	"github.com/devlikebear/aiapps-sub000/internal/postgres"
)

func newPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	pool, err := postgres.NewPool(context.Background(), testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(context.Background(), "TRUNCATE job_queue_snapshots") //nolint:errcheck
		pool.Close()
	})
	return pool
}

func TestPostgres_SnapshotStore_RoundTrip(t *testing.T) {
	st := postgres.NewSnapshotStore(newPool(t), "default")
	ctx := context.Background()

	snap, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Jobs)

	want := sampleSnapshot()
	require.NoError(t, st.Save(ctx, want))

	// Second save exercises the upsert path.
	want.Jobs[0].Status = domain.StatusProcessing
	require.NoError(t, st.Save(ctx, want))

	got, err := st.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, domain.StatusProcessing, got.Jobs[0].Status)
	assert.JSONEq(t, `{"topic":"launch"}`, string(got.Jobs[0].Params))
}

func TestPostgres_SnapshotStore_QueuesAreIsolated(t *testing.T) {
	pool := newPool(t)
	ctx := context.Background()

	require.NoError(t, postgres.NewSnapshotStore(pool, "a").Save(ctx, sampleSnapshot()))

	got, err := postgres.NewSnapshotStore(pool, "b").Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got.Jobs)
}

func TestPostgres_SnapshotStore_Corrupt(t *testing.T) {
	pool := newPool(t)
	ctx := context.Background()
	_, err := pool.Exec(ctx, `
		INSERT INTO job_queue_snapshots (queue_name, snapshot, last_updated)
		VALUES ('broken', '{"jobs":"not-a-list"}', NOW())
	`)
	require.NoError(t, err)

	_, err = postgres.NewSnapshotStore(pool, "broken").Load(ctx)

	var corrupt *domain.CorruptSnapshotError
	require.ErrorAs(t, err, &corrupt)
}

func TestPostgres_Migrate_IsIdempotent(t *testing.T) {
	applied, err := postgres.Migrate(context.Background(), newPool(t))
	require.NoError(t, err)
	assert.NotEmpty(t, applied)
}
