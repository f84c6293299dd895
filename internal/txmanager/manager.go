// Package txmanager coordinates transactions across the registered resources.
//
// A TransactionManager is built by the service registry without side
// effects. Start opens the journal, initialises resources, runs recovery and
// schedules background recovery; Shutdown undoes all of that and clears the
// registry so the next Start begins from fresh instances.
package txmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/txcore/internal/config"
	"github.com/fyrsmithlabs/txcore/internal/journal"
	"github.com/fyrsmithlabs/txcore/internal/logging"
	"github.com/fyrsmithlabs/txcore/internal/management"
	"github.com/fyrsmithlabs/txcore/internal/recovery"
	"github.com/fyrsmithlabs/txcore/internal/resource"
	"github.com/fyrsmithlabs/txcore/internal/timer"
	"github.com/fyrsmithlabs/txcore/internal/twopc"
)

// ObjectName is the management name of the transaction manager.
const ObjectName = "txcore:type=TransactionManager"

const shutdownPollInterval = 10 * time.Millisecond

// Errors returned by the transaction manager.
var (
	ErrNotRunning         = errors.New("transaction manager is not running")
	ErrShuttingDown       = errors.New("transaction manager is shutting down")
	ErrNestedTransaction  = errors.New("nested transactions are not supported")
	ErrNoTransaction      = errors.New("no transaction in context")
	ErrTransactionInvalid = errors.New("transaction is not active")
	ErrRolledBack         = errors.New("transaction rolled back")
	ErrHeuristic          = errors.New("transaction outcome is heuristic")
)

// Services is what the transaction manager needs from the service registry.
type Services interface {
	Configuration() *config.Config
	Journal() (journal.Journal, error)
	TaskScheduler() *timer.TaskScheduler
	ResourceLoader() *resource.Loader
	Recoverer() *recovery.Recoverer
	Executor() twopc.Executor
	Clear()
}

// Option configures a TransactionManager.
type Option func(*TransactionManager)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(tm *TransactionManager) { tm.logger = logging.OrNop(logger).Named("txmanager") }
}

// WithRegistrar sets the management facade.
func WithRegistrar(registrar *management.Registrar) Option {
	return func(tm *TransactionManager) { tm.registrar = registrar }
}

// TransactionManager begins and completes transactions.
type TransactionManager struct {
	services  Services
	logger    *logging.Logger
	registrar *management.Registrar

	mu           sync.Mutex
	running      bool
	shuttingDown bool
	timeout      time.Duration

	// flightMu guards inFlight. Lock order: mu, then flightMu. Recovery
	// reads inFlight while Start holds mu.
	flightMu sync.Mutex
	inFlight map[string]*Transaction

	begun      prometheus.Counter
	committed  prometheus.Counter
	rolledBack prometheus.Counter
	inFlightG  prometheus.GaugeFunc
}

// New creates a transaction manager. Nothing is opened or scheduled.
func New(services Services, opts ...Option) *TransactionManager {
	tm := &TransactionManager{
		services: services,
		logger:   logging.NewNop(),
		inFlight: make(map[string]*Transaction),
		begun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txcore_transactions_begun_total",
			Help: "Transactions begun.",
		}),
		committed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txcore_transactions_committed_total",
			Help: "Transactions committed.",
		}),
		rolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txcore_transactions_rolledback_total",
			Help: "Transactions rolled back.",
		}),
	}
	tm.inFlightG = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "txcore_transactions_in_flight",
		Help: "Transactions begun and not yet completed.",
	}, func() float64 { return float64(tm.InFlightCount()) })

	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

// Start brings the transaction manager up. Resource initialisation and
// recovery failures are logged; recovery is retried in the background.
func (tm *TransactionManager) Start(ctx context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.running {
		return nil
	}
	if tm.shuttingDown {
		return ErrShuttingDown
	}

	cfg := tm.services.Configuration()
	ctx = logging.WithServerID(ctx, cfg.Node.ServerID)

	j, err := tm.services.Journal()
	if err != nil {
		return fmt.Errorf("cannot start transaction manager: %w", err)
	}
	if err := j.Open(); err != nil {
		return fmt.Errorf("cannot open journal: %w", err)
	}

	if err := tm.services.ResourceLoader().Init(ctx); err != nil {
		tm.logger.Warn(ctx, "some resources failed to initialise", zap.Error(err))
	}

	rec := tm.services.Recoverer()
	rec.Publish()
	if err := rec.Run(ctx); err != nil {
		tm.logger.Error(ctx, "startup recovery failed, will retry in background", zap.Error(err))
	}

	interval := cfg.Timer.BackgroundRecoveryInterval.Duration()
	if err := tm.services.TaskScheduler().ScheduleRecovery(interval, func() {
		_ = rec.Run(context.Background())
	}); err != nil {
		return fmt.Errorf("cannot schedule background recovery: %w", err)
	}

	tm.registrar.Register(ObjectName, tm)
	tm.running = true

	tm.logger.Info(ctx, "transaction manager started",
		zap.String("journal", fmt.Sprint(j)),
		zap.Bool("async_2pc", cfg.TwoPC.Asynchronous),
		zap.Duration("recovery_interval", interval))
	return nil
}

// IsRunning reports whether Start completed and Shutdown has not begun.
func (tm *TransactionManager) IsRunning() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.running && !tm.shuttingDown
}

// SetTransactionTimeout sets the timeout of transactions begun afterwards.
// Zero restores the configured default.
func (tm *TransactionManager) SetTransactionTimeout(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("transaction timeout cannot be negative: %s", d)
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.timeout = d
	return nil
}

// Begin starts a transaction and returns a context carrying it.
func (tm *TransactionManager) Begin(ctx context.Context) (context.Context, *Transaction, error) {
	if existing := FromContext(ctx); existing != nil && !existing.Completed() {
		return ctx, nil, ErrNestedTransaction
	}

	tm.mu.Lock()
	if !tm.running {
		tm.mu.Unlock()
		return ctx, nil, ErrNotRunning
	}
	if tm.shuttingDown {
		tm.mu.Unlock()
		return ctx, nil, ErrShuttingDown
	}
	cfg := tm.services.Configuration()
	timeout := tm.timeout
	if timeout == 0 {
		timeout = cfg.Timer.DefaultTransactionTimeout.Duration()
	}

	j, err := tm.services.Journal()
	if err != nil {
		tm.mu.Unlock()
		return ctx, nil, err
	}

	gtrid := cfg.Node.ServerID + "-" + uuid.NewString()
	tx := &Transaction{
		tm:        tm,
		gtrid:     gtrid,
		deadline:  time.Now().Add(timeout),
		journal:   j,
		executor:  tm.services.Executor(),
		scheduler: tm.services.TaskScheduler(),
		warnEmpty: cfg.TwoPC.WarnAboutZeroResourceTransaction,
		status:    journal.StatusActive,
		resources: make(map[any]any),
	}
	tm.flightMu.Lock()
	tm.inFlight[gtrid] = tx
	tm.flightMu.Unlock()
	tm.mu.Unlock()

	if err := tx.scheduler.ScheduleTransactionTimeout(gtrid, tx.deadline, tx.timedOut); err != nil {
		tm.forget(tx)
		return ctx, nil, fmt.Errorf("cannot schedule transaction timeout: %w", err)
	}

	tm.begun.Inc()
	ctx = logging.WithGtrid(withTransaction(ctx, tx), gtrid)
	tm.logger.Debug(ctx, "transaction begun", zap.Duration("timeout", timeout))
	return ctx, tx, nil
}

// forget removes a completed transaction from the in-flight set.
func (tm *TransactionManager) forget(tx *Transaction) {
	tm.flightMu.Lock()
	delete(tm.inFlight, tx.gtrid)
	tm.flightMu.Unlock()
	tx.scheduler.CancelTransactionTimeout(tx.gtrid)
}

// InFlightCount returns the number of transactions begun and not completed.
func (tm *TransactionManager) InFlightCount() int {
	tm.flightMu.Lock()
	defer tm.flightMu.Unlock()
	return len(tm.inFlight)
}

// InFlightGtrids returns the gtrids of the transactions begun and not
// completed, in no particular order.
func (tm *TransactionManager) InFlightGtrids() []string {
	tm.flightMu.Lock()
	defer tm.flightMu.Unlock()
	out := make([]string, 0, len(tm.inFlight))
	for gtrid := range tm.inFlight {
		out = append(out, gtrid)
	}
	return out
}

// Stats is a point-in-time view of the transaction counters.
type Stats struct {
	Begun      uint64
	Committed  uint64
	RolledBack uint64
	InFlight   int
}

// Stats returns the counters since the transaction manager was built.
func (tm *TransactionManager) Stats() Stats {
	return Stats{
		Begun:      counterValue(tm.begun),
		Committed:  counterValue(tm.committed),
		RolledBack: counterValue(tm.rolledBack),
		InFlight:   tm.InFlightCount(),
	}
}

func counterValue(c prometheus.Counter) uint64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return uint64(m.GetCounter().GetValue())
}

// Shutdown waits up to the graceful shutdown interval for in-flight
// transactions, stops every subsystem and clears the service registry.
func (tm *TransactionManager) Shutdown(ctx context.Context) error {
	tm.mu.Lock()
	if !tm.running || tm.shuttingDown {
		tm.mu.Unlock()
		return nil
	}
	tm.shuttingDown = true
	tm.mu.Unlock()

	cfg := tm.services.Configuration()
	tm.logger.Info(ctx, "shutting down transaction manager")
	tm.awaitInFlight(ctx, cfg.Timer.GracefulShutdownInterval.Duration())

	var err error
	err = multierr.Append(err, tm.services.TaskScheduler().Shutdown(ctx))
	err = multierr.Append(err, tm.services.Executor().Shutdown(ctx))
	err = multierr.Append(err, tm.services.ResourceLoader().Shutdown(ctx))
	if j, jerr := tm.services.Journal(); jerr == nil {
		j.Shutdown()
	}
	tm.services.Recoverer().Unpublish()
	tm.registrar.Unregister(ObjectName)

	tm.mu.Lock()
	tm.running = false
	tm.shuttingDown = false
	tm.mu.Unlock()

	tm.services.Clear()

	if err != nil {
		tm.logger.Error(ctx, "transaction manager shut down with errors", zap.Error(err))
		return err
	}
	tm.logger.Info(ctx, "transaction manager shut down")
	return nil
}

func (tm *TransactionManager) awaitInFlight(ctx context.Context, grace time.Duration) {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()

	for {
		n := tm.InFlightCount()
		if n == 0 {
			return
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			tm.logger.Warn(ctx, "shutting down with in-flight transactions", zap.Int("in_flight", tm.InFlightCount()))
			return
		case <-ctx.Done():
			tm.logger.Warn(ctx, "shutdown context ended with in-flight transactions", zap.Int("in_flight", tm.InFlightCount()))
			return
		}
	}
}

func (tm *TransactionManager) String() string {
	return fmt.Sprintf("a TransactionManager with %d in-flight transaction(s)", tm.InFlightCount())
}

// Describe implements prometheus.Collector.
func (tm *TransactionManager) Describe(ch chan<- *prometheus.Desc) {
	tm.begun.Describe(ch)
	tm.committed.Describe(ch)
	tm.rolledBack.Describe(ch)
	tm.inFlightG.Describe(ch)
}

// Collect implements prometheus.Collector.
func (tm *TransactionManager) Collect(ch chan<- prometheus.Metric) {
	tm.begun.Collect(ch)
	tm.committed.Collect(ch)
	tm.rolledBack.Collect(ch)
	tm.inFlightG.Collect(ch)
}
