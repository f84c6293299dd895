// Package twopc runs the jobs of a two-phase commit, either inline on the
// calling goroutine or concurrently.
package twopc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/txcore/internal/logging"
)

// ErrShutdown is returned by jobs submitted after Shutdown.
var ErrShutdown = errors.New("executor is shut down")

// Job is one unit of work in a commit phase, typically a single participant's
// prepare, commit or rollback.
type Job func() error

// Result is the outcome of a submitted job.
type Result struct {
	done chan struct{}
	err  error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

func completed(err error) *Result {
	r := newResult()
	r.finish(err)
	return r
}

func (r *Result) finish(err error) {
	r.err = err
	close(r.done)
}

// Wait blocks until the job has run and returns its error.
func (r *Result) Wait() error {
	<-r.done
	return r.err
}

// Done is closed once the job has run.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Executor runs jobs.
type Executor interface {
	// Submit schedules job and returns a handle on its outcome.
	Submit(job Job) *Result
	// Shutdown stops accepting jobs and waits for running ones, bounded by ctx.
	Shutdown(ctx context.Context) error
	// IsUsable reports whether Submit will still run jobs.
	IsUsable() bool
}

// run executes job, turning a panic into an error.
func run(job Job) error {
	var err error
	var catcher panics.Catcher
	catcher.Try(func() { err = job() })
	if recovered := catcher.Recovered(); recovered != nil {
		return recovered.AsError()
	}
	return err
}

// SyncExecutor runs every job on the submitting goroutine.
type SyncExecutor struct {
	shut atomic.Bool
}

// NewSyncExecutor returns an executor that runs jobs inline.
func NewSyncExecutor() *SyncExecutor {
	return &SyncExecutor{}
}

func (e *SyncExecutor) Submit(job Job) *Result {
	if e.shut.Load() {
		return completed(ErrShutdown)
	}
	return completed(run(job))
}

func (e *SyncExecutor) Shutdown(context.Context) error {
	e.shut.Store(true)
	return nil
}

func (e *SyncExecutor) IsUsable() bool { return !e.shut.Load() }

func (*SyncExecutor) String() string { return "a SyncExecutor" }

// AsyncExecutor runs every job on its own goroutine.
type AsyncExecutor struct {
	logger *logging.Logger

	mu   sync.RWMutex
	shut bool
	wg   conc.WaitGroup

	submitted atomic.Int64
}

// NewAsyncExecutor returns an executor that runs jobs concurrently.
func NewAsyncExecutor(logger *logging.Logger) *AsyncExecutor {
	return &AsyncExecutor{logger: logging.OrNop(logger).Named("twopc")}
}

func (e *AsyncExecutor) Submit(job Job) *Result {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.shut {
		return completed(ErrShutdown)
	}

	e.submitted.Add(1)
	r := newResult()
	e.wg.Go(func() {
		r.finish(run(job))
	})
	return r
}

// Shutdown stops accepting jobs and waits for the running ones. If ctx ends
// first the remaining jobs keep running detached and ctx's error is returned.
func (e *AsyncExecutor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.shut {
		e.mu.Unlock()
		return nil
	}
	e.shut = true
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		e.logger.Debug(ctx, "executor drained", zap.Int64("jobs_run", e.submitted.Load()))
		return nil
	case <-ctx.Done():
		e.logger.Warn(ctx, "executor shutdown timed out with jobs still running")
		return ctx.Err()
	}
}

func (e *AsyncExecutor) IsUsable() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.shut
}

func (*AsyncExecutor) String() string { return "an AsyncExecutor" }

// Phase submits fn for every item and waits for all of them, combining the
// errors. All jobs run even when some fail.
func Phase[T any](exec Executor, items []T, fn func(T) error) error {
	results := make([]*Result, len(items))
	for i, item := range items {
		results[i] = exec.Submit(func() error { return fn(item) })
	}

	var err error
	for _, r := range results {
		err = multierr.Append(err, r.Wait())
	}
	return err
}
