package recovery

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/txcore/internal/config"
	"github.com/fyrsmithlabs/txcore/internal/journal"
	"github.com/fyrsmithlabs/txcore/internal/logging"
	"github.com/fyrsmithlabs/txcore/internal/management"
	"github.com/fyrsmithlabs/txcore/internal/resource"
)

type fakeServices struct {
	journal    journal.Journal
	journalErr error
	loader     *resource.Loader
	inFlight   []string
}

func (f *fakeServices) Journal() (journal.Journal, error) { return f.journal, f.journalErr }
func (f *fakeServices) ResourceLoader() *resource.Loader { return f.loader }
func (f *fakeServices) InFlightGtrids() []string { return f.inFlight }

func newFakeServices(t *testing.T) *fakeServices {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewDefaultConfig()
	cfg.Journal.LogPart1Filename = filepath.Join(dir, "a.tlog")
	cfg.Journal.LogPart2Filename = filepath.Join(dir, "b.tlog")

	j := journal.NewDiskJournal(cfg, nil)
	require.NoError(t, j.Open())
	t.Cleanup(j.Shutdown)

	return &fakeServices{journal: j, loader: resource.NewLoader(nil, nil)}
}

func TestRecoverer_CommitsDanglingAndRollsBackOrphans(t *testing.T) {
	ctx := context.Background()
	svc := newFakeServices(t)

	db := resource.NewMemoryResource("db")
	queue := resource.NewMemoryResource("queue")
	require.NoError(t, svc.loader.Register(ctx, db))
	require.NoError(t, svc.loader.Register(ctx, queue))

	// tx-commit reached the commit decision, tx-orphan did not.
	require.NoError(t, svc.journal.Log(journal.StatusCommitting, "tx-commit", []string{"db", "queue"}))
	db.MarkInDoubt("tx-commit")
	queue.MarkInDoubt("tx-commit")
	db.MarkInDoubt("tx-orphan")

	r := New(svc)
	require.NoError(t, r.Run(ctx))

	assert.Equal(t, []string{"tx-commit"}, db.Committed())
	assert.Equal(t, []string{"tx-commit"}, queue.Committed())
	assert.Equal(t, []string{"tx-orphan"}, db.RolledBack())

	assert.Equal(t, 1, r.ExecutionsCount())
	assert.Equal(t, 2, r.CommittedCount())
	assert.Equal(t, 1, r.RolledbackCount())
	assert.NoError(t, r.LastError())
	assert.False(t, r.LastRunTime().IsZero())

	dangling, err := svc.journal.CollectDanglingRecords()
	require.NoError(t, err)
	assert.Empty(t, dangling, "recovered transaction must be journaled COMMITTED")
}

func TestRecoverer_LeavesInFlightTransactionsAlone(t *testing.T) {
	ctx := context.Background()
	svc := newFakeServices(t)
	tl := logging.NewTestLogger()

	db := resource.NewMemoryResource("db")
	queue := resource.NewMemoryResource("queue")
	require.NoError(t, svc.loader.Register(ctx, db))
	require.NoError(t, svc.loader.Register(ctx, queue))

	// tx-preparing is between prepare and the COMMITTING record, tx-committing
	// is between the COMMITTING record and its resource commits.
	db.MarkInDoubt("tx-preparing")
	db.MarkInDoubt("tx-committing")
	queue.MarkInDoubt("tx-committing")
	require.NoError(t, svc.journal.Log(journal.StatusCommitting, "tx-committing", []string{"db", "queue"}))
	svc.inFlight = []string{"tx-preparing", "tx-committing"}

	r := New(svc, WithLogger(tl.Logger))
	require.NoError(t, r.Run(ctx))

	assert.Empty(t, db.Committed())
	assert.Empty(t, db.RolledBack())
	assert.Empty(t, queue.Committed())
	assert.Empty(t, queue.RolledBack())
	assert.Zero(t, r.CommittedCount())
	assert.Zero(t, r.RolledbackCount())

	dangling, err := svc.journal.CollectDanglingRecords()
	require.NoError(t, err)
	assert.Contains(t, dangling, "tx-committing", "in-flight COMMITTING record must stay open")
	tl.AssertLogged(t, zapcore.DebugLevel, "skipping in-flight transaction")

	// Once the transaction manager forgets them they are in doubt again.
	svc.inFlight = nil
	require.NoError(t, r.Run(ctx))
	assert.Equal(t, []string{"tx-committing"}, db.Committed())
	assert.Equal(t, []string{"tx-preparing"}, db.RolledBack())
	assert.Equal(t, []string{"tx-committing"}, queue.Committed())
}

// completingResource finishes a transaction right after its first listing,
// as a commit racing with recovery would.
type completingResource struct {
	*resource.MemoryResource
	gtrid string
	once  sync.Once
}

func (c *completingResource) Recover(ctx context.Context) ([]string, error) {
	listed, err := c.MemoryResource.Recover(ctx)
	c.once.Do(func() { _ = c.MemoryResource.Commit(ctx, c.gtrid, false) })
	return listed, err
}

func TestRecoverer_TransactionCompletedDuringListingIsNotRolledBack(t *testing.T) {
	ctx := context.Background()
	svc := newFakeServices(t)

	db := &completingResource{MemoryResource: resource.NewMemoryResource("db"), gtrid: "tx-racing"}
	require.NoError(t, svc.loader.Register(ctx, db))
	db.MarkInDoubt("tx-racing")
	db.MarkInDoubt("tx-orphan")

	r := New(svc)
	require.NoError(t, r.Run(ctx))

	assert.Equal(t, []string{"tx-racing"}, db.Committed())
	assert.Equal(t, []string{"tx-orphan"}, db.RolledBack())
}

func TestRecoverer_FailedCommitKeepsRecordDangling(t *testing.T) {
	ctx := context.Background()
	svc := newFakeServices(t)

	db := resource.NewMemoryResource("db")
	require.NoError(t, svc.loader.Register(ctx, db))
	require.NoError(t, svc.journal.Log(journal.StatusCommitting, "tx-1", []string{"db"}))
	db.MarkInDoubt("tx-1")
	db.FailCommit(errors.New("database unreachable"))

	r := New(svc)
	err := r.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unreachable")
	assert.Equal(t, err, r.LastError())

	dangling, derr := svc.journal.CollectDanglingRecords()
	require.NoError(t, derr)
	assert.Contains(t, dangling, "tx-1")

	// The next run succeeds once the resource is back.
	db.FailCommit(nil)
	require.NoError(t, r.Run(ctx))
	assert.NoError(t, r.LastError())
	dangling, derr = svc.journal.CollectDanglingRecords()
	require.NoError(t, derr)
	assert.Empty(t, dangling)
}

func TestRecoverer_UnknownResourceKeepsRecordDangling(t *testing.T) {
	ctx := context.Background()
	svc := newFakeServices(t)
	tl := logging.NewTestLogger()

	require.NoError(t, svc.journal.Log(journal.StatusCommitting, "tx-1", []string{"gone"}))

	r := New(svc, WithLogger(tl.Logger))
	require.NoError(t, r.Run(ctx))

	dangling, err := svc.journal.CollectDanglingRecords()
	require.NoError(t, err)
	assert.Contains(t, dangling, "tx-1")
	tl.AssertLogged(t, zapcore.WarnLevel, "unknown resources")
}

func TestRecoverer_JournalUnavailable(t *testing.T) {
	svc := &fakeServices{journalErr: errors.New("bad journal"), loader: resource.NewLoader(nil, nil)}
	r := New(svc)
	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad journal")
	assert.Equal(t, 1, r.ExecutionsCount())
}

// blockingResource blocks in Recover until released.
type blockingResource struct {
	*resource.MemoryResource
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingResource) Recover(ctx context.Context) ([]string, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.MemoryResource.Recover(ctx)
}

func TestRecoverer_ConcurrentRunIsSkipped(t *testing.T) {
	ctx := context.Background()
	svc := newFakeServices(t)
	blocker := &blockingResource{
		MemoryResource: resource.NewMemoryResource("slow"),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	require.NoError(t, svc.loader.Register(ctx, blocker))

	r := New(svc)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	<-blocker.entered
	assert.True(t, r.IsRunning())
	assert.ErrorIs(t, r.Run(ctx), ErrInProgress)

	close(blocker.release)
	require.NoError(t, <-done)
	assert.False(t, r.IsRunning())
	assert.Equal(t, 1, r.ExecutionsCount())
}

func TestRecoverer_PublishedAsCollector(t *testing.T) {
	ctx := context.Background()
	svc := newFakeServices(t)
	db := resource.NewMemoryResource("db")
	require.NoError(t, svc.loader.Register(ctx, db))
	db.MarkInDoubt("tx-orphan")

	reg := prometheus.NewRegistry()
	registrar := management.NewRegistrar(nil, management.NewPrometheusBackend(reg), nil)

	r := New(svc, WithRegistrar(registrar))
	r.Publish()
	require.NoError(t, r.Run(ctx))

	expected := `
# HELP txcore_recovery_rolledback_total Orphan branches rolled back by recovery.
# TYPE txcore_recovery_rolledback_total counter
txcore_recovery_rolledback_total{domain="txcore",type="Recoverer"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "txcore_recovery_rolledback_total"))

	r.Unpublish()
	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRecoverer_NewHasNoSideEffects(t *testing.T) {
	svc := &fakeServices{journalErr: errors.New("must not be called")}
	r := New(svc)
	assert.Zero(t, r.ExecutionsCount())
	assert.False(t, r.IsRunning())
}
