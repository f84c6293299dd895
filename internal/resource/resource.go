// Package resource manages the transactional resources a transaction manager
// coordinates.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/txcore/internal/logging"
	"github.com/fyrsmithlabs/txcore/internal/management"
)

// Errors returned by the Loader.
var (
	ErrDuplicateName = errors.New("resource unique name already registered")
	ErrEmptyName     = errors.New("resource unique name is empty")
)

// Participant takes part in two-phase commit.
type Participant interface {
	UniqueName() string
	Prepare(ctx context.Context, gtrid string) error
	Commit(ctx context.Context, gtrid string, onePhase bool) error
	Rollback(ctx context.Context, gtrid string) error
}

// Producer is a resource the loader owns: it is initialised on start and
// closed on shutdown.
type Producer interface {
	UniqueName() string
	Init(ctx context.Context) error
	Close(ctx context.Context) error
}

// Recoverable is a participant that can list its in-doubt transactions after
// a crash.
type Recoverable interface {
	Participant
	Recover(ctx context.Context) ([]string, error)
}

type entry struct {
	producer    Producer
	initialized bool
}

// Loader keeps the registered producers in registration order.
type Loader struct {
	logger    *logging.Logger
	registrar *management.Registrar

	mu          sync.RWMutex
	entries     map[string]*entry
	order       []string
	initialized bool
}

// NewLoader creates an empty loader. registrar may be nil.
func NewLoader(registrar *management.Registrar, logger *logging.Logger) *Loader {
	return &Loader{
		logger:    logging.OrNop(logger).Named("resource"),
		registrar: registrar,
		entries:   make(map[string]*entry),
	}
}

// ObjectName is the management name a resource is published under.
func ObjectName(uniqueName string) string {
	return "txcore:type=Resource,name=" + management.MakeValidName(uniqueName)
}

// Register adds a producer. Once the loader is initialised, newly registered
// producers are initialised immediately.
func (l *Loader) Register(ctx context.Context, p Producer) error {
	name := p.UniqueName()
	if name == "" {
		return ErrEmptyName
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	e := &entry{producer: p}
	l.entries[name] = e
	l.order = append(l.order, name)

	if l.initialized {
		return l.initEntry(ctx, e)
	}
	return nil
}

// Get returns the producer registered under name.
func (l *Loader) Get(name string) (Producer, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[name]
	if !ok {
		return nil, false
	}
	return e.producer, true
}

// Resources returns the producers in registration order.
func (l *Loader) Resources() []Producer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Producer, 0, len(l.order))
	for _, name := range l.order {
		out = append(out, l.entries[name].producer)
	}
	return out
}

// Recoverables returns the producers that support recovery.
func (l *Loader) Recoverables() []Recoverable {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Recoverable
	for _, name := range l.order {
		if r, ok := l.entries[name].producer.(Recoverable); ok {
			out = append(out, r)
		}
	}
	return out
}

// Init initialises every producer not yet initialised and publishes it to
// the management facade. A failing producer does not stop the others.
func (l *Loader) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	for _, name := range l.order {
		e := l.entries[name]
		if e.initialized {
			continue
		}
		err = multierr.Append(err, l.initEntry(ctx, e))
	}
	l.initialized = true
	return err
}

// initEntry initialises a single producer. Caller holds l.mu.
func (l *Loader) initEntry(ctx context.Context, e *entry) error {
	name := e.producer.UniqueName()
	if err := e.producer.Init(ctx); err != nil {
		l.logger.Error(ctx, "resource failed to initialise", zap.String("resource", name), zap.Error(err))
		return fmt.Errorf("init resource %s: %w", name, err)
	}
	e.initialized = true
	l.registrar.Register(ObjectName(name), newInfoCollector(e.producer))
	l.logger.Debug(ctx, "resource initialised", zap.String("resource", name))
	return nil
}

// Shutdown closes the initialised producers in reverse registration order and
// unpublishes them. The loader can be initialised again afterwards.
func (l *Loader) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	for i := len(l.order) - 1; i >= 0; i-- {
		name := l.order[i]
		e := l.entries[name]
		if !e.initialized {
			continue
		}
		l.registrar.Unregister(ObjectName(name))
		if cerr := e.producer.Close(ctx); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close resource %s: %w", name, cerr))
		}
		e.initialized = false
	}
	l.initialized = false
	return err
}

func (l *Loader) String() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fmt.Sprintf("a ResourceLoader with %d resource(s)", len(l.order))
}

var infoDesc = prometheus.NewDesc(
	"txcore_resource_info",
	"Registered transactional resource; 1 if it supports recovery, 0 otherwise.",
	[]string{"kind"}, nil,
)

// infoCollector publishes a registered resource.
type infoCollector struct {
	kind        string
	recoverable bool
}

func newInfoCollector(p Producer) *infoCollector {
	_, recoverable := p.(Recoverable)
	return &infoCollector{kind: fmt.Sprintf("%T", p), recoverable: recoverable}
}

func (c *infoCollector) Describe(ch chan<- *prometheus.Desc) { ch <- infoDesc }

func (c *infoCollector) Collect(ch chan<- prometheus.Metric) {
	v := 0.0
	if c.recoverable {
		v = 1
	}
	ch <- prometheus.MustNewConstMetric(infoDesc, prometheus.GaugeValue, v, c.kind)
}
