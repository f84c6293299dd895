package services

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
	"github.com/fyrsmithlabs/txcore/internal/twopc"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewDefaultConfig()
	cfg.Node.ServerID = "test-node"
	cfg.Journal.LogPart1Filename = filepath.Join(dir, "txcore1.tlog")
	cfg.Journal.LogPart2Filename = filepath.Join(dir, "txcore2.tlog")
	return cfg
}

// sameUnderContention calls get from many goroutines at once and checks
// every caller saw the same value.
func sameUnderContention[T any](t *testing.T, get func() T) T {
	t.Helper()
	const callers = 32
	results := make([]T, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = get()
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.True(t, any(results[0]) == any(results[i]), "caller %d saw a different instance", i)
	}
	return results[0]
}

func TestRegistry_ConcurrentFirstAccessSharesInstance(t *testing.T) {
	r := New(WithConfiguration(testConfig(t)))
	t.Cleanup(func() { _ = r.TaskScheduler().Shutdown(context.Background()) })

	tm := sameUnderContention(t, r.TransactionManager)
	tsr := sameUnderContention(t, r.TransactionSynchronizationRegistry)
	cfg := sameUnderContention(t, r.Configuration)
	sched := sameUnderContention(t, r.TaskScheduler)
	loader := sameUnderContention(t, r.ResourceLoader)
	rec := sameUnderContention(t, r.Recoverer)
	exec := sameUnderContention(t, r.Executor)
	j := sameUnderContention(t, func() journal.Journal {
		j, err := r.Journal()
		assert.NoError(t, err)
		return j
	})

	// Pointer identity, not just equality.
	assert.Same(t, tm, r.TransactionManager())
	assert.Same(t, tsr, r.TransactionSynchronizationRegistry())
	assert.Same(t, cfg, r.Configuration())
	assert.Same(t, sched, r.TaskScheduler())
	assert.Same(t, loader, r.ResourceLoader())
	assert.Same(t, rec, r.Recoverer())
	assert.True(t, exec == r.Executor())
	again, err := r.Journal()
	require.NoError(t, err)
	assert.True(t, j == again)
}

func TestRegistry_JournalKinds(t *testing.T) {
	tests := []struct {
		kind string
		want any
	}{
		{config.JournalDisk, &journal.DiskJournal{}},
		{config.JournalNull, &journal.NullJournal{}},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Journal.Kind = tt.kind
			r := New(WithConfiguration(cfg))

			j, err := r.Journal()
			require.NoError(t, err)
			assert.IsType(t, tt.want, j)
		})
	}
}

func TestRegistry_UnknownJournalIsNotCached(t *testing.T) {
	kind := "does-not-exist"
	r := New(WithConfigurationFactory(func() *config.Config {
		cfg := config.NewDefaultConfig()
		cfg.Journal.Kind = kind
		return cfg
	}))

	_, err := r.Journal()
	require.Error(t, err)

	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "journal", resErr.Slot)
	assert.Equal(t, "does-not-exist", resErr.Identifier)
	assert.ErrorIs(t, err, ErrUnknownImplementation)
	assert.Equal(t, "invalid journal implementation 'does-not-exist': no implementation registered for key", err.Error())

	// Correct the configuration; the journal slot retries from scratch. The
	// configuration slot is already filled, so fix the snapshot in place.
	r.Configuration().Journal.Kind = config.JournalNull
	j, err := r.Journal()
	require.NoError(t, err)
	assert.IsType(t, &journal.NullJournal{}, j)
}

func TestRegistry_ExtensionJournal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Kind = "memory"

	var builds int
	custom := journal.NewNullJournal()
	r := New(
		WithConfiguration(cfg),
		WithJournal("memory", func(got *config.Config, _ *logging.Logger) (journal.Journal, error) {
			builds++
			assert.Equal(t, "memory", got.Journal.Kind)
			return custom, nil
		}),
	)

	j, err := r.Journal()
	require.NoError(t, err)
	assert.Same(t, custom, j)
	_, err = r.Journal()
	require.NoError(t, err)
	assert.Equal(t, 1, builds)
}

func TestRegistry_ExtensionJournalFailures(t *testing.T) {
	boom := errors.New("cannot build")
	tests := []struct {
		name    string
		factory JournalFactory
		wantErr error
	}{
		{
			name:    "factory error",
			factory: func(*config.Config, *logging.Logger) (journal.Journal, error) { return nil, boom },
			wantErr: boom,
		},
		{
			name:    "nil instance",
			factory: func(*config.Config, *logging.Logger) (journal.Journal, error) { return nil, nil },
			wantErr: ErrContractViolation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Journal.Kind = "broken"
			r := New(WithConfiguration(cfg), WithJournal("broken", tt.factory))

			_, err := r.Journal()
			var resErr *ResolutionError
			require.ErrorAs(t, err, &resErr)
			assert.Equal(t, "broken", resErr.Identifier)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRegistry_BuiltinJournalKeysCannotBeReplaced(t *testing.T) {
	tl := logging.NewTestLogger()
	cfg := testConfig(t)
	cfg.Journal.Kind = config.JournalNull

	r := New(
		WithLogger(tl.Logger),
		WithConfiguration(cfg),
		WithJournal(config.JournalNull, func(*config.Config, *logging.Logger) (journal.Journal, error) {
			return nil, errors.New("should never run")
		}),
	)

	j, err := r.Journal()
	require.NoError(t, err)
	assert.IsType(t, &journal.NullJournal{}, j)
	tl.AssertLogged(t, zapcore.WarnLevel, "built-in key")
}

func TestRegistry_ExecutorSelection(t *testing.T) {
	async := false
	r := New(WithConfigurationFactory(func() *config.Config {
		cfg := config.NewDefaultConfig()
		cfg.TwoPC.Asynchronous = async
		return cfg
	}))

	first := r.Executor()
	assert.IsType(t, &twopc.SyncExecutor{}, first)

	// Later configuration changes do not affect the filled slot.
	r.Configuration().TwoPC.Asynchronous = true
	async = true
	assert.Same(t, first, r.Executor())

	r.Clear()
	second := r.Executor()
	assert.IsType(t, &twopc.AsyncExecutor{}, second)
	require.NoError(t, second.Shutdown(context.Background()))
}

func TestRegistry_TaskSchedulerIsAlwaysActive(t *testing.T) {
	r := New()
	assert.False(t, r.IsTaskSchedulerRunning())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, r.TaskScheduler().IsActive())
		}()
	}
	wg.Wait()

	assert.True(t, r.IsTaskSchedulerRunning())
	require.NoError(t, r.TaskScheduler().Shutdown(context.Background()))
}

func TestRegistry_LivenessQueriesDoNotBuild(t *testing.T) {
	r := New()
	assert.False(t, r.IsTransactionManagerRunning())
	assert.False(t, r.IsTaskSchedulerRunning())
	assert.False(t, r.IsTransactionManagerRunning())
	assert.False(t, r.transactionManager.filled())
	assert.False(t, r.taskScheduler.filled())

	r.TransactionManager()
	assert.True(t, r.IsTransactionManagerRunning())
	assert.False(t, r.IsTaskSchedulerRunning(), "building the transaction manager must not start the scheduler")
}

func TestRegistry_ClearGivesNewInstances(t *testing.T) {
	r := New(WithConfiguration(testConfig(t)))

	tm := r.TransactionManager()
	tsr := r.TransactionSynchronizationRegistry()
	cfg := r.Configuration()
	sched := r.TaskScheduler()
	loader := r.ResourceLoader()
	rec := r.Recoverer()
	exec := r.Executor()
	j, err := r.Journal()
	require.NoError(t, err)

	require.NoError(t, sched.Shutdown(context.Background()))
	r.Clear()

	assert.False(t, r.IsTransactionManagerRunning())
	assert.False(t, r.IsTaskSchedulerRunning())

	assert.NotSame(t, tm, r.TransactionManager())
	assert.NotSame(t, tsr, r.TransactionSynchronizationRegistry())
	assert.NotSame(t, cfg, r.Configuration())
	newSched := r.TaskScheduler()
	assert.NotSame(t, sched, newSched)
	assert.True(t, newSched.IsActive())
	assert.NotSame(t, loader, r.ResourceLoader())
	assert.NotSame(t, rec, r.Recoverer())
	assert.NotSame(t, exec.(*twopc.SyncExecutor), r.Executor().(*twopc.SyncExecutor))
	j2, err := r.Journal()
	require.NoError(t, err)
	assert.NotSame(t, j.(*journal.DiskJournal), j2.(*journal.DiskJournal))

	require.NoError(t, newSched.Shutdown(context.Background()))
}

func TestRegistry_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	assert.NotSame(t, a.TransactionManager(), b.TransactionManager())
	assert.NotSame(t, a.Configuration(), b.Configuration())
}

func TestRegistry_TransactionManagerLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	registrar := management.NewRegistrar(nil, management.NewPrometheusBackend(reg), nil)

	r := New(WithConfiguration(testConfig(t)), WithRegistrar(registrar))

	db := resource.NewMemoryResource("db")
	queue := resource.NewMemoryResource("queue")
	require.NoError(t, r.ResourceLoader().Register(ctx, db))
	require.NoError(t, r.ResourceLoader().Register(ctx, queue))

	tm := r.TransactionManager()
	require.NoError(t, tm.Start(ctx))
	assert.True(t, r.IsTaskSchedulerRunning())

	txCtx, tx, err := tm.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Enlist(db))
	require.NoError(t, tx.Enlist(queue))

	status, err := r.TransactionSynchronizationRegistry().TransactionStatus(txCtx)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusActive, status)

	require.NoError(t, tx.Commit(txCtx))
	assert.Equal(t, []string{tx.Gtrid()}, db.Committed())

	expected := `
# HELP txcore_transactions_committed_total Transactions committed.
# TYPE txcore_transactions_committed_total counter
txcore_transactions_committed_total{domain="txcore",type="TransactionManager"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "txcore_transactions_committed_total"))

	require.NoError(t, tm.Shutdown(ctx))
	assert.False(t, r.IsTransactionManagerRunning())
	assert.False(t, r.IsTaskSchedulerRunning())
	assert.NotSame(t, tm, r.TransactionManager())

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Zero(t, count, "everything is unpublished on shutdown")
}
