package txmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/txcore/internal/journal"
	"github.com/fyrsmithlabs/txcore/internal/logging"
	"github.com/fyrsmithlabs/txcore/internal/resource"
	"github.com/fyrsmithlabs/txcore/internal/timer"
	"github.com/fyrsmithlabs/txcore/internal/twopc"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/txcore/internal/txmanager")

// Synchronization is notified around the completion of a transaction.
type Synchronization interface {
	// BeforeCompletion runs before commit starts. An error rolls the
	// transaction back.
	BeforeCompletion(ctx context.Context) error
	// AfterCompletion runs once the outcome is known.
	AfterCompletion(ctx context.Context, status journal.Status)
}

// SynchronizationFuncs adapts plain functions to Synchronization. Either
// function may be nil.
type SynchronizationFuncs struct {
	Before func(ctx context.Context) error
	After  func(ctx context.Context, status journal.Status)
}

func (s SynchronizationFuncs) BeforeCompletion(ctx context.Context) error {
	if s.Before == nil {
		return nil
	}
	return s.Before(ctx)
}

func (s SynchronizationFuncs) AfterCompletion(ctx context.Context, status journal.Status) {
	if s.After != nil {
		s.After(ctx, status)
	}
}

// Transaction is a single global transaction.
type Transaction struct {
	tm        *TransactionManager
	gtrid     string
	deadline  time.Time
	journal   journal.Journal
	executor  twopc.Executor
	scheduler *timer.TaskScheduler
	warnEmpty bool

	mu           sync.Mutex
	status       journal.Status
	completing   bool
	completed    bool
	rollbackOnly bool
	timedOutFlag bool
	participants []resource.Participant
	syncs        []Synchronization
	interposed   []Synchronization
	resources    map[any]any
}

// Gtrid returns the global transaction id.
func (t *Transaction) Gtrid() string { return t.gtrid }

// Deadline returns when the transaction times out.
func (t *Transaction) Deadline() time.Time { return t.deadline }

// Status returns the current status.
func (t *Transaction) Status() journal.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Completed reports whether commit or rollback has finished.
func (t *Transaction) Completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// RollbackOnly reports whether the only possible outcome is rollback.
func (t *Transaction) RollbackOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbackOnly
}

// TimedOut reports whether the transaction timeout fired before completion.
func (t *Transaction) TimedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timedOutFlag
}

// SetRollbackOnly forces the transaction to roll back.
func (t *Transaction) SetRollbackOnly() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed {
		return ErrTransactionInvalid
	}
	t.rollbackOnly = true
	return nil
}

// Enlist adds a participant. Enlisting the same unique name twice is a no-op.
func (t *Transaction) Enlist(p resource.Participant) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completing || t.completed {
		return ErrTransactionInvalid
	}
	for _, existing := range t.participants {
		if existing.UniqueName() == p.UniqueName() {
			return nil
		}
	}
	t.participants = append(t.participants, p)
	return nil
}

// Participants returns the unique names of the enlisted participants.
func (t *Transaction) Participants() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uniqueNames(t.participants)
}

// RegisterSynchronization adds a synchronization.
func (t *Transaction) RegisterSynchronization(s Synchronization) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed {
		return ErrTransactionInvalid
	}
	t.syncs = append(t.syncs, s)
	return nil
}

// RegisterInterposedSynchronization adds a synchronization that runs after
// the regular ones before completion and before them after completion.
func (t *Transaction) RegisterInterposedSynchronization(s Synchronization) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed {
		return ErrTransactionInvalid
	}
	t.interposed = append(t.interposed, s)
	return nil
}

// PutResource stores a value for the lifetime of the transaction.
func (t *Transaction) PutResource(key, value any) error {
	if key == nil {
		return errors.New("resource key cannot be nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed {
		return ErrTransactionInvalid
	}
	t.resources[key] = value
	return nil
}

// GetResource returns the value stored under key, or nil.
func (t *Transaction) GetResource(key any) any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resources[key]
}

// Commit completes the transaction. Before-completion synchronizations run
// first; a single participant is committed in one phase, several go through
// prepare, the COMMITTING journal record and commit.
func (t *Transaction) Commit(ctx context.Context) (err error) {
	ctx, span := t.startSpan(ctx, "txcore.transaction.commit")
	defer func() { t.endSpan(span, err) }()
	return t.commit(ctx)
}

func (t *Transaction) commit(ctx context.Context) error {
	if err := t.beginCompletion(); err != nil {
		return err
	}
	ctx = logging.WithGtrid(ctx, t.gtrid)
	t.scheduler.CancelTransactionTimeout(t.gtrid)

	if err := t.beforeCompletion(ctx); err != nil {
		return t.rollbackAndFinish(ctx, fmt.Errorf("%w: before completion failed: %w", ErrRolledBack, err))
	}

	t.mu.Lock()
	timedOut, rollbackOnly := t.timedOutFlag, t.rollbackOnly
	participants := append([]resource.Participant(nil), t.participants...)
	t.mu.Unlock()

	switch {
	case timedOut:
		return t.rollbackAndFinish(ctx, fmt.Errorf("%w: timed out at %s", ErrRolledBack, t.deadline.Format(time.RFC3339)))
	case rollbackOnly:
		return t.rollbackAndFinish(ctx, fmt.Errorf("%w: marked rollback only", ErrRolledBack))
	}

	switch len(participants) {
	case 0:
		if t.warnEmpty {
			t.tm.logger.Warn(ctx, "executing transaction with 0 enlisted resource")
		}
	case 1:
		t.setStatus(journal.StatusCommitting)
		if err := participants[0].Commit(ctx, t.gtrid, true); err != nil {
			t.finish(ctx, journal.StatusRolledBack)
			return fmt.Errorf("%w: one-phase commit on %s failed: %w", ErrRolledBack, participants[0].UniqueName(), err)
		}
	default:
		if err := t.twoPhaseCommit(ctx, participants); err != nil {
			return err
		}
	}

	t.finish(ctx, journal.StatusCommitted)
	return nil
}

func (t *Transaction) twoPhaseCommit(ctx context.Context, participants []resource.Participant) error {
	names := uniqueNames(participants)

	t.setStatus(journal.StatusPreparing)
	if err := twopc.Phase(t.executor, participants, func(p resource.Participant) error {
		return p.Prepare(ctx, t.gtrid)
	}); err != nil {
		return t.rollbackAndFinish(ctx, fmt.Errorf("%w: prepare failed: %w", ErrRolledBack, err))
	}
	t.setStatus(journal.StatusPrepared)

	if err := t.journal.Log(journal.StatusCommitting, t.gtrid, names); err != nil {
		return t.rollbackAndFinish(ctx, fmt.Errorf("%w: cannot journal commit decision: %w", ErrRolledBack, err))
	}
	if err := t.journal.Force(); err != nil {
		return t.rollbackAndFinish(ctx, fmt.Errorf("%w: cannot force journal: %w", ErrRolledBack, err))
	}

	t.setStatus(journal.StatusCommitting)
	if err := twopc.Phase(t.executor, participants, func(p resource.Participant) error {
		return p.Commit(ctx, t.gtrid, false)
	}); err != nil {
		// The COMMITTING record stays dangling; recovery finishes the job.
		t.tm.logger.Error(ctx, "commit phase failed, leaving transaction to recovery", zap.Error(err))
		t.finish(ctx, journal.StatusUnknown)
		return fmt.Errorf("%w: %w", ErrHeuristic, err)
	}

	if err := t.journal.Log(journal.StatusCommitted, t.gtrid, names); err != nil {
		t.tm.logger.Warn(ctx, "cannot journal COMMITTED, recovery will close the record", zap.Error(err))
	}
	return nil
}

// Rollback rolls the transaction back.
func (t *Transaction) Rollback(ctx context.Context) (err error) {
	ctx, span := t.startSpan(ctx, "txcore.transaction.rollback")
	defer func() { t.endSpan(span, err) }()

	if err := t.beginCompletion(); err != nil {
		return err
	}
	ctx = logging.WithGtrid(ctx, t.gtrid)
	t.scheduler.CancelTransactionTimeout(t.gtrid)
	return t.rollbackAndFinish(ctx, nil)
}

func (t *Transaction) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("txcore.gtrid", t.gtrid)))
}

func (t *Transaction) endSpan(span trace.Span, err error) {
	span.SetAttributes(
		attribute.String("txcore.status", t.Status().String()),
		attribute.Int("txcore.participants", len(t.Participants())),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *Transaction) beginCompletion() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completing || t.completed {
		return ErrTransactionInvalid
	}
	t.completing = true
	return nil
}

func (t *Transaction) beforeCompletion(ctx context.Context) error {
	t.mu.Lock()
	syncs := append(append([]Synchronization(nil), t.syncs...), t.interposed...)
	t.mu.Unlock()

	for _, s := range syncs {
		if err := s.BeforeCompletion(ctx); err != nil {
			return err
		}
	}
	return nil
}

// rollbackAndFinish rolls back every participant and completes the
// transaction. It returns cause combined with any rollback failure.
func (t *Transaction) rollbackAndFinish(ctx context.Context, cause error) error {
	t.setStatus(journal.StatusRollingBack)

	t.mu.Lock()
	participants := append([]resource.Participant(nil), t.participants...)
	t.mu.Unlock()

	err := twopc.Phase(t.executor, participants, func(p resource.Participant) error {
		return p.Rollback(ctx, t.gtrid)
	})
	if err != nil {
		t.tm.logger.Error(ctx, "rollback failed on some participants", zap.Error(err))
	}

	t.finish(ctx, journal.StatusRolledBack)
	return multierr.Append(cause, err)
}

func (t *Transaction) setStatus(s journal.Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// finish records the outcome, runs after-completion synchronizations
// (interposed first) and releases the transaction.
func (t *Transaction) finish(ctx context.Context, status journal.Status) {
	t.mu.Lock()
	t.status = status
	t.completed = true
	syncs := append(append([]Synchronization(nil), t.interposed...), t.syncs...)
	t.mu.Unlock()

	for _, s := range syncs {
		s.AfterCompletion(ctx, status)
	}

	t.tm.forget(t)
	switch status {
	case journal.StatusCommitted:
		t.tm.committed.Inc()
	case journal.StatusRolledBack:
		t.tm.rolledBack.Inc()
	}
	t.tm.logger.Debug(ctx, "transaction completed", zap.Stringer("status", status))
}

// timedOut is called by the scheduler when the deadline passes.
func (t *Transaction) timedOut() {
	t.mu.Lock()
	if t.completing || t.completed {
		t.mu.Unlock()
		return
	}
	t.timedOutFlag = true
	t.rollbackOnly = true
	t.mu.Unlock()

	t.tm.logger.Warn(logging.WithGtrid(context.Background(), t.gtrid), "transaction timed out, marked rollback only",
		zap.Time("deadline", t.deadline))
}

func (t *Transaction) String() string {
	return fmt.Sprintf("a Transaction with GTRID [%s], status=%s, %d resource(s) enlisted",
		t.gtrid, t.Status(), len(t.Participants()))
}

func uniqueNames(participants []resource.Participant) []string {
	names := make([]string, len(participants))
	for i, p := range participants {
		names[i] = p.UniqueName()
	}
	return names
}

type ctxKey struct{}

func withTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, ctxKey{}, tx)
}

// FromContext returns the transaction carried by ctx, or nil.
func FromContext(ctx context.Context) *Transaction {
	if ctx == nil {
		return nil
	}
	tx, _ := ctx.Value(ctxKey{}).(*Transaction)
	return tx
}

// Current returns the transaction carried by ctx or ErrNoTransaction.
func Current(ctx context.Context) (*Transaction, error) {
	if tx := FromContext(ctx); tx != nil {
		return tx, nil
	}
	return nil, ErrNoTransaction
}
