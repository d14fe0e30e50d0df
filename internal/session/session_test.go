package session

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/config"
	"github.com/roach88/tally/internal/mutation"
	"github.com/roach88/tally/internal/payload"
	"github.com/roach88/tally/internal/remote"
	"github.com/roach88/tally/internal/testutil"
)

type fixture struct {
	session *Session
	remote  *remote.Memory
	clock   *testutil.FakeClock
}

func openSession(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Database = filepath.Join(t.TempDir(), "test.db")
	cfg.Owner = "u1"
	cfg.Sync.Debounce = 10 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	mem := remote.NewMemory()
	clock := testutil.NewFakeClock()
	s, err := Open(context.Background(), cfg,
		WithRemote(mem),
		WithClock(clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &fixture{session: s, remote: mem, clock: clock}
}

func TestOpen_BuildsOneCollectionPerEntityType(t *testing.T) {
	f := openSession(t, nil)

	for _, et := range mutation.EntityTypes() {
		c, err := f.session.Collection(et)
		require.NoError(t, err, et)
		assert.Equal(t, et, c.EntityType())
	}
	_, err := f.session.Collection("invoices")
	assert.Error(t, err)
	assert.Equal(t, "u1", f.session.Owner())
	assert.True(t, f.session.Online())
}

func TestOpen_UnknownRemoteKind(t *testing.T) {
	cfg := config.Default()
	cfg.Database = filepath.Join(t.TempDir(), "test.db")
	cfg.Remote.Kind = "dynamo"

	_, err := Open(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dynamo")
}

func TestOpen_OfflineFromConfig(t *testing.T) {
	f := openSession(t, func(c *config.Config) { c.Offline = true })
	assert.False(t, f.session.Online())
}

func TestRead_CachesUntilTTL(t *testing.T) {
	f := openSession(t, nil)
	ctx := context.Background()

	rows, err := f.session.Read(ctx, mutation.EntityBanks)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = f.remote.Insert(ctx, mutation.EntityBanks, "u1", payload.Object{"id": "b1", "name": "Checking"})
	require.NoError(t, err)

	rows, err = f.session.Read(ctx, mutation.EntityBanks)
	require.NoError(t, err)
	assert.Empty(t, rows, "served from cache")

	f.clock.Advance(30 * time.Second)
	rows, err = f.session.Read(ctx, mutation.EntityBanks)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b1", rows[0].ID())
}

func TestRead_LocalWriteInvalidatesEntity(t *testing.T) {
	f := openSession(t, nil)
	ctx := context.Background()

	_, err := f.session.Read(ctx, mutation.EntityBanks)
	require.NoError(t, err)
	_, err = f.session.Read(ctx, mutation.EntityGoals)
	require.NoError(t, err)
	require.Equal(t, 2, f.session.Cache().Len())

	banks, err := f.session.Collection(mutation.EntityBanks)
	require.NoError(t, err)
	_, err = banks.Add(ctx, payload.Object{"name": "Checking"})
	require.NoError(t, err)

	assert.Equal(t, 1, f.session.Cache().Len(), "only the banks entry is dropped")
}

func TestSyncNow_InvalidatesAndReadSeesRow(t *testing.T) {
	f := openSession(t, nil)
	ctx := context.Background()

	banks, err := f.session.Collection(mutation.EntityBanks)
	require.NoError(t, err)
	row, err := banks.Add(ctx, payload.Object{"name": "Checking"})
	require.NoError(t, err)

	rows, err := f.session.Read(ctx, mutation.EntityBanks)
	require.NoError(t, err)
	assert.Empty(t, rows)

	res, err := f.session.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	rows, err = f.session.Read(ctx, mutation.EntityBanks)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, row.ID(), rows[0].ID())

	stats, err := f.session.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, mutation.Stats{Synced: 1}, stats)
}

func TestSwitchOwner_ReloadsCollectionsAndClearsCache(t *testing.T) {
	f := openSession(t, func(c *config.Config) { c.Offline = true })
	ctx := context.Background()

	banks, err := f.session.Collection(mutation.EntityBanks)
	require.NoError(t, err)
	_, err = banks.Add(ctx, payload.Object{"name": "Checking"})
	require.NoError(t, err)
	_, err = f.session.Read(ctx, mutation.EntityGoals)
	require.NoError(t, err)

	require.NoError(t, f.session.SwitchOwner(ctx, "u2"))
	assert.Equal(t, "u2", f.session.Owner())
	assert.Empty(t, banks.Items())
	assert.Zero(t, f.session.Cache().Len())

	records, err := f.session.Records(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, records, "u1's records are not visible to u2")

	require.NoError(t, f.session.SwitchOwner(ctx, "u1"))
	assert.Len(t, banks.Items(), 1)
}

func TestSignOut(t *testing.T) {
	f := openSession(t, nil)
	ctx := context.Background()

	require.NoError(t, f.session.SignOut(ctx))
	assert.Empty(t, f.session.Owner())

	_, err := f.session.Read(ctx, mutation.EntityBanks)
	assert.True(t, mutation.IsAuthError(err))
	_, err = f.session.Records(ctx, mutation.StatusPending)
	assert.True(t, mutation.IsAuthError(err))

	banks, err := f.session.Collection(mutation.EntityBanks)
	require.NoError(t, err)
	_, err = banks.Add(ctx, payload.Object{"name": "Checking"})
	assert.True(t, mutation.IsAuthError(err))
}

func TestStart_DrainsOnReconnect(t *testing.T) {
	f := openSession(t, func(c *config.Config) { c.Offline = true })
	ctx := context.Background()

	require.NoError(t, f.session.Start(ctx))
	assert.ErrorIs(t, f.session.Start(ctx), ErrAlreadyStarted)

	banks, err := f.session.Collection(mutation.EntityBanks)
	require.NoError(t, err)
	_, err = banks.Add(ctx, payload.Object{"name": "Checking"})
	require.NoError(t, err)
	assert.Empty(t, f.remote.Rows(mutation.EntityBanks))

	assert.True(t, f.session.SetOnline(true))
	require.Eventually(t, func() bool {
		return len(f.remote.Rows(mutation.EntityBanks)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPrune(t *testing.T) {
	f := openSession(t, nil)
	ctx := context.Background()

	banks, err := f.session.Collection(mutation.EntityBanks)
	require.NoError(t, err)
	_, err = banks.Add(ctx, payload.Object{"name": "Checking"})
	require.NoError(t, err)
	_, err = f.session.SyncNow(ctx)
	require.NoError(t, err)

	n, err := f.session.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "record is younger than the window")

	f.clock.Advance(2 * time.Hour)
	n, err = f.session.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClose_Idempotent(t *testing.T) {
	f := openSession(t, nil)
	require.NoError(t, f.session.Start(context.Background()))

	require.NoError(t, f.session.Close())
	require.NoError(t, f.session.Close())
	assert.Error(t, f.session.Start(context.Background()))
}
