package resource

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryResource is an in-process recoverable resource. It keeps the set of
// prepared but uncompleted transactions, which is what it reports as in
// doubt, and records every call it receives. Failures can be injected per
// operation.
type MemoryResource struct {
	name string

	mu          sync.Mutex
	open        bool
	prepared    map[string]struct{}
	committed   []string
	rolledBack  []string
	failPrepare error
	failCommit  error
	failInit    error
}

// NewMemoryResource creates a resource with the given unique name.
func NewMemoryResource(name string) *MemoryResource {
	return &MemoryResource{name: name, prepared: make(map[string]struct{})}
}

func (r *MemoryResource) UniqueName() string { return r.name }

func (r *MemoryResource) Init(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failInit != nil {
		return r.failInit
	}
	r.open = true
	return nil
}

func (r *MemoryResource) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = false
	return nil
}

func (r *MemoryResource) Prepare(_ context.Context, gtrid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failPrepare != nil {
		return r.failPrepare
	}
	r.prepared[gtrid] = struct{}{}
	return nil
}

func (r *MemoryResource) Commit(_ context.Context, gtrid string, onePhase bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCommit != nil {
		return r.failCommit
	}
	if _, ok := r.prepared[gtrid]; !ok && !onePhase {
		return fmt.Errorf("%s: commit of unprepared transaction %s", r.name, gtrid)
	}
	delete(r.prepared, gtrid)
	r.committed = append(r.committed, gtrid)
	return nil
}

func (r *MemoryResource) Rollback(_ context.Context, gtrid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.prepared, gtrid)
	r.rolledBack = append(r.rolledBack, gtrid)
	return nil
}

// Recover returns the prepared transactions in sorted order.
func (r *MemoryResource) Recover(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.prepared))
	for gtrid := range r.prepared {
		out = append(out, gtrid)
	}
	sort.Strings(out)
	return out, nil
}

// MarkInDoubt records gtrid as prepared, as if a crash happened right after
// the prepare phase.
func (r *MemoryResource) MarkInDoubt(gtrid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepared[gtrid] = struct{}{}
}

// FailPrepare makes every following Prepare return err (nil to clear).
func (r *MemoryResource) FailPrepare(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failPrepare = err
}

// FailCommit makes every following Commit return err (nil to clear).
func (r *MemoryResource) FailCommit(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failCommit = err
}

// FailInit makes every following Init return err (nil to clear).
func (r *MemoryResource) FailInit(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failInit = err
}

// IsOpen reports whether Init succeeded more recently than Close.
func (r *MemoryResource) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// Committed returns the committed gtrids in order.
func (r *MemoryResource) Committed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.committed...)
}

// RolledBack returns the rolled back gtrids in order.
func (r *MemoryResource) RolledBack() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.rolledBack...)
}
