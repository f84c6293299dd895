package txsync_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/txcore/internal/config"
	"github.com/fyrsmithlabs/txcore/internal/journal"
	"github.com/fyrsmithlabs/txcore/internal/services"
	"github.com/fyrsmithlabs/txcore/internal/txmanager"
	"github.com/fyrsmithlabs/txcore/internal/txsync"
)

func startRegistry(t *testing.T) *services.Registry {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Journal.Kind = config.JournalNull
	cfg.Journal.LogPart1Filename = filepath.Join(t.TempDir(), "unused1.tlog")

	r := services.New(services.WithConfiguration(cfg))
	tm := r.TransactionManager()
	require.NoError(t, tm.Start(context.Background()))
	t.Cleanup(func() { _ = tm.Shutdown(context.Background()) })
	return r
}

func TestRegistry_OutsideTransaction(t *testing.T) {
	tsr := txsync.New()
	ctx := context.Background()

	assert.Nil(t, tsr.TransactionKey(ctx))

	_, err := tsr.TransactionStatus(ctx)
	assert.ErrorIs(t, err, txsync.ErrNoTransaction)
	assert.ErrorIs(t, tsr.PutResource(ctx, "k", "v"), txsync.ErrNoTransaction)
	_, err = tsr.GetResource(ctx, "k")
	assert.ErrorIs(t, err, txsync.ErrNoTransaction)
	assert.ErrorIs(t, tsr.SetRollbackOnly(ctx), txsync.ErrNoTransaction)
	_, err = tsr.RollbackOnly(ctx)
	assert.ErrorIs(t, err, txsync.ErrNoTransaction)
	assert.ErrorIs(t, tsr.RegisterInterposedSynchronization(ctx, txmanager.SynchronizationFuncs{}), txsync.ErrNoTransaction)
}

func TestRegistry_InsideTransaction(t *testing.T) {
	r := startRegistry(t)
	tsr := r.TransactionSynchronizationRegistry()

	ctx, tx, err := r.TransactionManager().Begin(context.Background())
	require.NoError(t, err)

	assert.Equal(t, tx.Gtrid(), tsr.TransactionKey(ctx))

	status, err := tsr.TransactionStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusActive, status)

	require.NoError(t, tsr.PutResource(ctx, "session", 42))
	v, err := tsr.GetResource(ctx, "session")
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 42, tx.GetResource("session"))

	var after journal.Status
	require.NoError(t, tsr.RegisterInterposedSynchronization(ctx, txmanager.SynchronizationFuncs{
		After: func(_ context.Context, s journal.Status) { after = s },
	}))

	rollbackOnly, err := tsr.RollbackOnly(ctx)
	require.NoError(t, err)
	assert.False(t, rollbackOnly)

	require.NoError(t, tsr.SetRollbackOnly(ctx))
	rollbackOnly, err = tsr.RollbackOnly(ctx)
	require.NoError(t, err)
	assert.True(t, rollbackOnly)

	assert.ErrorIs(t, tx.Commit(ctx), txmanager.ErrRolledBack)
	assert.Equal(t, journal.StatusRolledBack, after)

	status, err = tsr.TransactionStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusRolledBack, status)
}

func TestRegistry_DistinctInstances(t *testing.T) {
	assert.NotSame(t, txsync.New(), txsync.New())
}
