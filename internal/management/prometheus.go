package management

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Errors returned by PrometheusBackend. The Registrar logs and drops them.
var (
	ErrMalformedName     = errors.New("malformed object name")
	ErrNotCollector      = errors.New("object is not a prometheus collector")
	ErrAlreadyRegistered = errors.New("object name already registered")
	ErrNotRegistered     = errors.New("object name not registered")
)

var labelNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PrometheusBackend publishes prometheus.Collectors.
//
// Names use the object-name form "domain:key=value[,key=value...]". The
// domain and every key/value pair become constant labels on the collector's
// metrics, so two resources exporting the same metric family stay distinct.
type PrometheusBackend struct {
	registerer prometheus.Registerer

	mu      sync.Mutex
	entries map[string]registration
}

type registration struct {
	registerer prometheus.Registerer
	collector  prometheus.Collector
}

// NewPrometheusBackend wraps a prometheus registerer.
func NewPrometheusBackend(registerer prometheus.Registerer) *PrometheusBackend {
	return &PrometheusBackend{
		registerer: registerer,
		entries:    make(map[string]registration),
	}
}

// Register implements Backend.
func (b *PrometheusBackend) Register(name string, obj any) error {
	collector, ok := obj.(prometheus.Collector)
	if !ok || collector == nil {
		return fmt.Errorf("%w: %T", ErrNotCollector, obj)
	}
	labels, err := ParseObjectName(name)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}

	wrapped := prometheus.WrapRegistererWith(labels, b.registerer)
	if err := wrapped.Register(collector); err != nil {
		return fmt.Errorf("registering %s: %w", name, err)
	}
	b.entries[name] = registration{registerer: wrapped, collector: collector}
	return nil
}

// Unregister implements Backend.
func (b *PrometheusBackend) Unregister(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	delete(b.entries, name)
	if !entry.registerer.Unregister(entry.collector) {
		return fmt.Errorf("%w: %s (collector already gone)", ErrNotRegistered, name)
	}
	return nil
}

// Names returns the currently published object names.
func (b *PrometheusBackend) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.entries))
	for name := range b.entries {
		names = append(names, name)
	}
	return names
}

// ParseObjectName splits "domain:key=value,key=value" into labels.
// The domain is stored under the "domain" label.
func ParseObjectName(name string) (prometheus.Labels, error) {
	domain, props, found := strings.Cut(name, ":")
	if !found || domain == "" || props == "" {
		return nil, fmt.Errorf("%w: %q (want domain:key=value)", ErrMalformedName, name)
	}

	labels := prometheus.Labels{"domain": domain}
	for _, pair := range strings.Split(props, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || value == "" {
			return nil, fmt.Errorf("%w: %q has a bad property %q", ErrMalformedName, name, pair)
		}
		if !labelNamePattern.MatchString(key) {
			return nil, fmt.Errorf("%w: %q has an invalid key %q", ErrMalformedName, name, key)
		}
		if _, dup := labels[key]; dup {
			return nil, fmt.Errorf("%w: %q repeats key %q", ErrMalformedName, name, key)
		}
		labels[key] = value
	}
	return labels, nil
}
