package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/txcore/internal/config"
	"github.com/fyrsmithlabs/txcore/internal/journal"
	"github.com/fyrsmithlabs/txcore/internal/logging"
	"github.com/fyrsmithlabs/txcore/internal/management"
	"github.com/fyrsmithlabs/txcore/internal/recovery"
	"github.com/fyrsmithlabs/txcore/internal/resource"
	"github.com/fyrsmithlabs/txcore/internal/timer"
	"github.com/fyrsmithlabs/txcore/internal/twopc"
	"github.com/fyrsmithlabs/txcore/internal/txmanager"
	"github.com/fyrsmithlabs/txcore/internal/txsync"
)

var (
	_ txmanager.Services = (*Registry)(nil)
	_ recovery.Services  = (*Registry)(nil)
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger handed to every service the registry builds.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) { r.baseLogger = logging.OrNop(logger) }
}

// WithConfigurationFactory sets how the configuration slot is filled.
func WithConfigurationFactory(factory func() *config.Config) Option {
	return func(r *Registry) { r.configFactory = factory }
}

// WithConfiguration fills the configuration slot with copies of cfg.
func WithConfiguration(cfg *config.Config) Option {
	return func(r *Registry) {
		r.configFactory = func() *config.Config { return cfg.Clone() }
	}
}

// WithJournal registers a journal factory under key. The built-in keys
// "disk" and "null" cannot be replaced.
func WithJournal(key string, factory JournalFactory) Option {
	return func(r *Registry) { r.journals[key] = factory }
}

// WithRegistrar sets the management facade handed to the transaction
// manager, resource loader and recoverer.
func WithRegistrar(registrar *management.Registrar) Option {
	return func(r *Registry) { r.registrar = registrar }
}

// Registry lazily builds and holds the transaction runtime's services.
type Registry struct {
	baseLogger    *logging.Logger
	logger        *logging.Logger
	registrar     *management.Registrar
	configFactory func() *config.Config
	journals      map[string]JournalFactory

	transactionManager slot[*txmanager.TransactionManager]
	syncRegistry       slot[*txsync.Registry]
	configuration      slot[*config.Config]
	journal            slot[journal.Journal]
	taskScheduler      slot[*timer.TaskScheduler]
	resourceLoader     slot[*resource.Loader]
	recoverer          slot[*recovery.Recoverer]
	executor           slot[twopc.Executor]
}

// New creates an empty registry. Nothing is built until first access.
func New(opts ...Option) *Registry {
	r := &Registry{
		baseLogger:    logging.NewNop(),
		configFactory: config.NewDefaultConfig,
		journals:      make(map[string]JournalFactory),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.baseLogger.Named("services")
	for key := range r.journals {
		if isBuiltinJournal(key) {
			r.logger.Warn(context.Background(), "ignoring journal factory registered for built-in key", zap.String("key", key))
			delete(r.journals, key)
		}
	}
	return r
}

// TransactionManager returns the transaction manager. Building it has no
// side effects; call Start on it to bring the runtime up.
func (r *Registry) TransactionManager() *txmanager.TransactionManager {
	return r.transactionManager.mustGet(func() *txmanager.TransactionManager {
		return txmanager.New(r,
			txmanager.WithLogger(r.baseLogger),
			txmanager.WithRegistrar(r.registrar))
	})
}

// TransactionSynchronizationRegistry returns the synchronization registry.
func (r *Registry) TransactionSynchronizationRegistry() *txsync.Registry {
	return r.syncRegistry.mustGet(func() *txsync.Registry {
		return txsync.New(txsync.WithLogger(r.baseLogger))
	})
}

// Configuration returns the configuration snapshot.
func (r *Registry) Configuration() *config.Config {
	return r.configuration.mustGet(r.configFactory)
}

// Journal returns the journal selected by the configured journal kind. A
// resolution failure is returned as a *ResolutionError and is not
// remembered: the next call resolves again.
func (r *Registry) Journal() (journal.Journal, error) {
	return r.journal.get(func() (journal.Journal, error) {
		cfg := r.Configuration()
		j, err := r.resolveJournal(cfg)
		if err != nil {
			return nil, err
		}
		r.logger.Debug(context.Background(), "using journal",
			zap.String("key", cfg.Journal.Kind),
			zap.String("journal", fmt.Sprint(j)))
		return j, nil
	})
}

// TaskScheduler returns the task scheduler, always already started.
func (r *Registry) TaskScheduler() *timer.TaskScheduler {
	return r.taskScheduler.mustGet(func() *timer.TaskScheduler {
		s := timer.New(r.baseLogger)
		s.Start()
		return s
	})
}

// ResourceLoader returns the resource loader.
func (r *Registry) ResourceLoader() *resource.Loader {
	return r.resourceLoader.mustGet(func() *resource.Loader {
		return resource.NewLoader(r.registrar, r.baseLogger)
	})
}

// Recoverer returns the recoverer.
func (r *Registry) Recoverer() *recovery.Recoverer {
	return r.recoverer.mustGet(func() *recovery.Recoverer {
		return recovery.New(r,
			recovery.WithLogger(r.baseLogger),
			recovery.WithRegistrar(r.registrar))
	})
}

// Executor returns the two-phase-commit executor: asynchronous when
// twopc.asynchronous is set, synchronous otherwise. The choice holds until
// Clear.
func (r *Registry) Executor() twopc.Executor {
	return r.executor.mustGet(func() twopc.Executor {
		if r.Configuration().TwoPC.Asynchronous {
			return twopc.NewAsyncExecutor(r.baseLogger)
		}
		return twopc.NewSyncExecutor()
	})
}

// IsTransactionManagerRunning reports whether the transaction manager slot
// is filled. It never builds anything.
func (r *Registry) IsTransactionManagerRunning() bool {
	return r.transactionManager.filled()
}

// InFlightGtrids returns the gtrids the transaction manager has begun and
// not completed. It never builds the transaction manager.
func (r *Registry) InFlightGtrids() []string {
	tm, ok := r.transactionManager.peek()
	if !ok {
		return nil
	}
	return tm.InFlightGtrids()
}

// IsTaskSchedulerRunning reports whether the task scheduler slot is filled.
// It never builds anything.
func (r *Registry) IsTaskSchedulerRunning() bool {
	return r.taskScheduler.filled()
}

// Clear empties every slot. The discarded services are not shut down:
// callers must have stopped them first, which is what
// TransactionManager.Shutdown does before calling Clear.
func (r *Registry) Clear() {
	r.transactionManager.reset()
	r.syncRegistry.reset()
	r.configuration.reset()
	r.journal.reset()
	r.taskScheduler.reset()
	r.resourceLoader.reset()
	r.recoverer.reset()
	r.executor.reset()
	r.logger.Debug(context.Background(), "service registry cleared")
}
