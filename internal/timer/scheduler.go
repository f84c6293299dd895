// Package timer schedules the background work of the transaction manager:
// periodic recovery and per-transaction timeouts.
package timer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/txcore/internal/logging"
)

// ErrNotActive is returned when scheduling on a scheduler that is not running.
var ErrNotActive = errors.New("task scheduler is not active")

// TaskScheduler runs recovery on a fixed interval and fires transaction
// timeouts. It must be started before anything can be scheduled.
type TaskScheduler struct {
	logger *logging.Logger

	mu          sync.Mutex
	cron        *cron.Cron
	active      bool
	recoveryID  cron.EntryID
	hasRecovery bool
	timeouts    map[string]*time.Timer
}

// New creates a stopped scheduler.
func New(logger *logging.Logger) *TaskScheduler {
	l := logging.OrNop(logger).Named("timer")
	return &TaskScheduler{
		logger: l,
		cron: cron.New(
			cron.WithLogger(cronLogger{l}),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{l})),
		),
		timeouts: make(map[string]*time.Timer),
	}
}

// Start begins running scheduled tasks. Starting twice is a no-op.
func (s *TaskScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}
	s.cron.Start()
	s.active = true
	s.logger.Debug(context.Background(), "task scheduler started")
}

// IsActive reports whether the scheduler was started and not shut down.
func (s *TaskScheduler) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ScheduleRecovery runs fn every interval, replacing any previous recovery
// task. A run still in progress when the next one is due is skipped.
func (s *TaskScheduler) ScheduleRecovery(interval time.Duration, fn func()) error {
	if interval <= 0 {
		return errors.New("recovery interval must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNotActive
	}
	if s.hasRecovery {
		s.cron.Remove(s.recoveryID)
	}
	s.recoveryID = s.cron.Schedule(cron.Every(interval), cron.FuncJob(fn))
	s.hasRecovery = true
	s.logger.Debug(context.Background(), "scheduled background recovery", zap.Duration("interval", interval))
	return nil
}

// CancelRecovery removes the recovery task, if any.
func (s *TaskScheduler) CancelRecovery() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasRecovery {
		s.cron.Remove(s.recoveryID)
		s.hasRecovery = false
	}
}

// NextRecovery returns when recovery runs next, or the zero time.
func (s *TaskScheduler) NextRecovery() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasRecovery {
		return time.Time{}
	}
	return s.cron.Entry(s.recoveryID).Next
}

// ScheduleTransactionTimeout arranges for fn to run at deadline unless the
// timeout is cancelled first. Scheduling again for the same gtrid replaces
// the previous timeout.
func (s *TaskScheduler) ScheduleTransactionTimeout(gtrid string, deadline time.Time, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNotActive
	}
	if t, ok := s.timeouts[gtrid]; ok {
		t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(time.Until(deadline), func() {
		s.mu.Lock()
		current := s.timeouts[gtrid] == t
		if current {
			delete(s.timeouts, gtrid)
		}
		s.mu.Unlock()
		if !current {
			return
		}
		s.logger.Debug(logging.WithGtrid(context.Background(), gtrid), "transaction timed out")
		fn()
	})
	s.timeouts[gtrid] = t
	return nil
}

// CancelTransactionTimeout stops the timeout of gtrid. It reports whether a
// pending timeout was removed.
func (s *TaskScheduler) CancelTransactionTimeout(gtrid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timeouts[gtrid]
	if !ok {
		return false
	}
	delete(s.timeouts, gtrid)
	return t.Stop()
}

// CountQueuedTasks returns the number of pending tasks.
func (s *TaskScheduler) CountQueuedTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.timeouts)
	if s.hasRecovery {
		n++
	}
	return n
}

// Shutdown cancels every pending task and waits, bounded by ctx, for a
// running recovery to finish.
func (s *TaskScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	for gtrid, t := range s.timeouts {
		t.Stop()
		delete(s.timeouts, gtrid)
	}
	s.hasRecovery = false
	stopped := s.cron.Stop()
	s.mu.Unlock()

	select {
	case <-stopped.Done():
		s.logger.Debug(ctx, "task scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn(ctx, "task scheduler shutdown timed out while a task was running")
		return ctx.Err()
	}
}

func (*TaskScheduler) String() string { return "a TaskScheduler" }

// cronLogger adapts the logger to cron.Logger.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Trace(context.Background(), "cron: "+msg, zap.Any("details", keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(context.Background(), "cron: "+msg, zap.Error(err), zap.Any("details", keysAndValues))
}
