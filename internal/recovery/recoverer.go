// Package recovery completes transactions left in doubt by a crash.
//
// A run crosses the journal's dangling records (transactions whose last
// record is COMMITTING) with the in-doubt transactions each recoverable
// resource reports. In-doubt transactions with a dangling record are
// committed; the others never reached the commit decision and are rolled
// back. Once every resource of a dangling record is committed, the record is
// closed with COMMITTED.
//
// Transactions the local transaction manager still has in flight are left
// alone: they are between prepare and completion, not in doubt.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/txcore/internal/journal"
	"github.com/fyrsmithlabs/txcore/internal/logging"
	"github.com/fyrsmithlabs/txcore/internal/management"
	"github.com/fyrsmithlabs/txcore/internal/resource"
)

// ObjectName is the management name of the recoverer.
const ObjectName = "txcore:type=Recoverer"

// ErrInProgress is returned by Run when another run is still going.
var ErrInProgress = errors.New("recovery already in progress")

// Services is what the recoverer needs from the service registry.
type Services interface {
	Journal() (journal.Journal, error)
	ResourceLoader() *resource.Loader
	// InFlightGtrids lists the transactions begun and not yet completed
	// by the local transaction manager.
	InFlightGtrids() []string
}

// Option configures a Recoverer.
type Option func(*Recoverer)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Recoverer) { r.logger = logging.OrNop(logger).Named("recovery") }
}

// WithRegistrar sets the management facade the recoverer publishes itself to.
func WithRegistrar(registrar *management.Registrar) Option {
	return func(r *Recoverer) { r.registrar = registrar }
}

// Recoverer runs recovery. Building one has no side effects.
type Recoverer struct {
	services  Services
	logger    *logging.Logger
	registrar *management.Registrar

	running atomic.Bool

	mu          sync.Mutex
	executions  int
	committed   int
	rolledBack  int
	lastError   error
	lastRunTime time.Time
}

// New creates a recoverer.
func New(services Services, opts ...Option) *Recoverer {
	r := &Recoverer{
		services: services,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish registers the recoverer with the management facade.
func (r *Recoverer) Publish() {
	r.registrar.Register(ObjectName, r)
}

// Unpublish removes the recoverer from the management facade.
func (r *Recoverer) Unpublish() {
	r.registrar.Unregister(ObjectName)
}

// Run performs one recovery pass. Concurrent calls return ErrInProgress
// without doing anything.
func (r *Recoverer) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Debug(ctx, "recovery already in progress, skipping run")
		return ErrInProgress
	}
	defer r.running.Store(false)

	start := time.Now()
	committed, rolledBack, err := r.recover(ctx)

	r.mu.Lock()
	r.executions++
	r.committed += committed
	r.rolledBack += rolledBack
	r.lastError = err
	r.lastRunTime = start
	r.mu.Unlock()

	fields := []zap.Field{
		zap.Int("committed", committed),
		zap.Int("rolled_back", rolledBack),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		r.logger.Error(ctx, "recovery completed with errors", append(fields, zap.Error(err))...)
		return err
	}
	if committed > 0 || rolledBack > 0 {
		r.logger.Info(ctx, "recovery completed", fields...)
	} else {
		r.logger.Debug(ctx, "recovery completed", fields...)
	}
	return nil
}

func (r *Recoverer) recover(ctx context.Context) (committed, rolledBack int, err error) {
	j, err := r.services.Journal()
	if err != nil {
		return 0, 0, fmt.Errorf("recovery needs a journal: %w", err)
	}
	dangling, err := j.CollectDanglingRecords()
	if err != nil {
		return 0, 0, fmt.Errorf("collect dangling records: %w", err)
	}

	loader := r.services.ResourceLoader()
	failed := make(map[string]bool)
	live := make(map[string]bool)

	for _, res := range loader.Recoverables() {
		name := res.UniqueName()
		inDoubt, rerr := r.inDoubt(ctx, res, live)
		if rerr != nil {
			err = multierr.Append(err, fmt.Errorf("recover resource %s: %w", name, rerr))
			for gtrid, rec := range dangling {
				if contains(rec.UniqueNames, name) {
					failed[gtrid] = true
				}
			}
			continue
		}

		for _, gtrid := range inDoubt {
			gctx := logging.WithGtrid(ctx, gtrid)
			if _, ok := dangling[gtrid]; ok {
				if cerr := res.Commit(gctx, gtrid, false); cerr != nil {
					failed[gtrid] = true
					err = multierr.Append(err, fmt.Errorf("commit %s on %s: %w", gtrid, name, cerr))
					continue
				}
				committed++
				r.logger.Debug(gctx, "committed in-doubt transaction", zap.String("resource", name))
				continue
			}
			if rberr := res.Rollback(gctx, gtrid); rberr != nil {
				err = multierr.Append(err, fmt.Errorf("rollback %s on %s: %w", gtrid, name, rberr))
				continue
			}
			rolledBack++
			r.logger.Debug(gctx, "rolled back orphan transaction", zap.String("resource", name))
		}
	}

	r.markLive(live)
	for gtrid, rec := range dangling {
		if failed[gtrid] {
			continue
		}
		if live[gtrid] {
			r.logger.Debug(logging.WithGtrid(ctx, gtrid), "dangling record belongs to an in-flight transaction, leaving it open")
			continue
		}
		if missing := missingResources(loader, rec.UniqueNames); len(missing) > 0 {
			r.logger.Warn(logging.WithGtrid(ctx, gtrid), "dangling transaction references unknown resources, leaving it open",
				zap.Strings("missing", missing))
			continue
		}
		if lerr := j.Log(journal.StatusCommitted, gtrid, rec.UniqueNames); lerr != nil {
			err = multierr.Append(err, fmt.Errorf("journal COMMITTED for %s: %w", gtrid, lerr))
		}
	}
	if len(dangling) > 0 {
		if ferr := j.Force(); ferr != nil {
			err = multierr.Append(err, fmt.Errorf("force journal: %w", ferr))
		}
	}
	return committed, rolledBack, err
}

// inDoubt returns the transactions res reports as in doubt that are not in
// flight locally. The resource is listed on both sides of the in-flight
// snapshot: a transaction begun after the snapshot is missing from the first
// listing, and one completed before it is missing from the second.
func (r *Recoverer) inDoubt(ctx context.Context, res resource.Recoverable, live map[string]bool) ([]string, error) {
	before, err := res.Recover(ctx)
	if err != nil {
		return nil, err
	}
	if len(before) == 0 {
		return nil, nil
	}
	r.markLive(live)
	after, err := res.Recover(ctx)
	if err != nil {
		return nil, err
	}

	still := make(map[string]bool, len(after))
	for _, gtrid := range after {
		still[gtrid] = true
	}
	out := make([]string, 0, len(before))
	for _, gtrid := range before {
		switch {
		case live[gtrid]:
			r.logger.Debug(logging.WithGtrid(ctx, gtrid), "skipping in-flight transaction",
				zap.String("resource", res.UniqueName()))
		case still[gtrid]:
			out = append(out, gtrid)
		}
	}
	return out, nil
}

// markLive adds the locally in-flight transactions to live.
func (r *Recoverer) markLive(live map[string]bool) {
	for _, gtrid := range r.services.InFlightGtrids() {
		live[gtrid] = true
	}
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func missingResources(loader *resource.Loader, names []string) []string {
	var missing []string
	for _, name := range names {
		if _, ok := loader.Get(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// IsRunning reports whether a run is in progress.
func (r *Recoverer) IsRunning() bool { return r.running.Load() }

// ExecutionsCount returns the number of completed runs.
func (r *Recoverer) ExecutionsCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executions
}

// CommittedCount returns the number of in-doubt branches committed so far.
func (r *Recoverer) CommittedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

// RolledbackCount returns the number of orphan branches rolled back so far.
func (r *Recoverer) RolledbackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rolledBack
}

// LastError returns the error of the most recent run, or nil.
func (r *Recoverer) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

// LastRunTime returns when the most recent run started.
func (r *Recoverer) LastRunTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRunTime
}

func (*Recoverer) String() string { return "a Recoverer" }

var (
	executionsDesc = prometheus.NewDesc("txcore_recovery_executions_total", "Completed recovery runs.", nil, nil)
	committedDesc  = prometheus.NewDesc("txcore_recovery_committed_total", "In-doubt branches committed by recovery.", nil, nil)
	rolledBackDesc = prometheus.NewDesc("txcore_recovery_rolledback_total", "Orphan branches rolled back by recovery.", nil, nil)
	lastErrorDesc  = prometheus.NewDesc("txcore_recovery_last_run_failed", "1 if the last recovery run failed.", nil, nil)
	runningDesc    = prometheus.NewDesc("txcore_recovery_in_progress", "1 while a recovery run is in progress.", nil, nil)
)

// Describe implements prometheus.Collector.
func (r *Recoverer) Describe(ch chan<- *prometheus.Desc) {
	ch <- executionsDesc
	ch <- committedDesc
	ch <- rolledBackDesc
	ch <- lastErrorDesc
	ch <- runningDesc
}

// Collect implements prometheus.Collector.
func (r *Recoverer) Collect(ch chan<- prometheus.Metric) {
	r.mu.Lock()
	executions, committed, rolledBack := r.executions, r.committed, r.rolledBack
	failed := r.lastError != nil
	r.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(executionsDesc, prometheus.CounterValue, float64(executions))
	ch <- prometheus.MustNewConstMetric(committedDesc, prometheus.CounterValue, float64(committed))
	ch <- prometheus.MustNewConstMetric(rolledBackDesc, prometheus.CounterValue, float64(rolledBack))
	ch <- prometheus.MustNewConstMetric(lastErrorDesc, prometheus.GaugeValue, boolToFloat(failed))
	ch <- prometheus.MustNewConstMetric(runningDesc, prometheus.GaugeValue, boolToFloat(r.running.Load()))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
