// Package management publishes long-lived txcore subsystems to a monitoring
// namespace.
//
// The Registrar is strictly best-effort: if no backend is bound every call is
// a no-op, and if the backend fails the failure is logged at warn level and
// dropped. Nothing here can fail a caller.
package management

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/txcore/internal/logging"
)

// Backend is a monitoring namespace objects can be published into.
type Backend interface {
	Register(name string, obj any) error
	Unregister(name string) error
}

// Registrar is the facade subsystems use to publish themselves.
//
// The backend binding is decided once, at first use, from the disabled
// callback; after that it never changes. A nil *Registrar is a valid no-op.
type Registrar struct {
	disabled  func() bool
	candidate Backend
	logger    *logging.Logger

	once    sync.Once
	backend Backend
}

// NewRegistrar creates a registrar. disabled is consulted exactly once, the
// first time Register or Unregister is called; a nil disabled means enabled.
// A nil backend makes the registrar permanently inert.
func NewRegistrar(disabled func() bool, backend Backend, logger *logging.Logger) *Registrar {
	return &Registrar{
		disabled:  disabled,
		candidate: backend,
		logger:    logging.OrNop(logger).Named("management"),
	}
}

// bound resolves the backend binding on first use.
func (r *Registrar) bound() Backend {
	r.once.Do(func() {
		if r.candidate == nil {
			return
		}
		if r.disabled != nil && r.disabled() {
			r.logger.Debug(context.Background(), "management disabled, registrar is inert")
			return
		}
		r.backend = r.candidate
	})
	return r.backend
}

// Enabled reports whether a backend is bound. It resolves the binding if
// that has not happened yet.
func (r *Registrar) Enabled() bool {
	if r == nil {
		return false
	}
	return r.bound() != nil
}

// Register publishes obj under name. Callers are expected to sanitize name
// components with MakeValidName first.
func (r *Registrar) Register(name string, obj any) {
	if r == nil {
		return
	}
	backend := r.bound()
	if backend == nil {
		return
	}
	if err := guard(func() error { return backend.Register(name, obj) }); err != nil {
		r.logger.Warn(context.Background(), "cannot register object with name "+name,
			zap.String("name", name), zap.Error(err))
	}
}

// Unregister removes the object published under name.
func (r *Registrar) Unregister(name string) {
	if r == nil {
		return
	}
	backend := r.bound()
	if backend == nil {
		return
	}
	if err := guard(func() error { return backend.Unregister(name) }); err != nil {
		r.logger.Warn(context.Background(), "cannot unregister object with name "+name,
			zap.String("name", name), zap.Error(err))
	}
}

// guard turns a backend panic into an error.
func guard(fn func() error) error {
	var err error
	if rec := panics.Try(func() { err = fn() }); rec != nil {
		return fmt.Errorf("management backend: %w", rec.AsError())
	}
	return err
}

var nameReplacer = strings.NewReplacer(":", "_", ",", "_", "=", "_", ".", "_")

// MakeValidName replaces the characters that carry meaning in an object name
// (':', ',', '=', '.') with '_'.
func MakeValidName(name string) string {
	return nameReplacer.Replace(name)
}

// NopBackend accepts and forgets everything.
type NopBackend struct{}

func (NopBackend) Register(string, any) error { return nil }
func (NopBackend) Unregister(string) error    { return nil }
