// Package txsync gives frameworks access to the transaction carried by a
// context without depending on the transaction manager itself.
package txsync

import (
	"context"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/txcore/internal/journal"
	"github.com/fyrsmithlabs/txcore/internal/logging"
	"github.com/fyrsmithlabs/txcore/internal/txmanager"
)

// ErrNoTransaction is returned when the context carries no transaction.
var ErrNoTransaction = txmanager.ErrNoTransaction

// Registry is the transaction synchronization registry.
type Registry struct {
	logger *logging.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrNop(logger).Named("txsync") }
}

// New creates a registry.
func New(opts ...Option) *Registry {
	r := &Registry{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TransactionKey returns an opaque key identifying the current transaction,
// or nil when there is none. Keys are comparable.
func (r *Registry) TransactionKey(ctx context.Context) any {
	tx := txmanager.FromContext(ctx)
	if tx == nil {
		return nil
	}
	return tx.Gtrid()
}

// TransactionStatus returns the status of the current transaction.
func (r *Registry) TransactionStatus(ctx context.Context) (journal.Status, error) {
	tx, err := txmanager.Current(ctx)
	if err != nil {
		return journal.StatusUnknown, err
	}
	return tx.Status(), nil
}

// PutResource stores value under key in the current transaction.
func (r *Registry) PutResource(ctx context.Context, key, value any) error {
	tx, err := txmanager.Current(ctx)
	if err != nil {
		return err
	}
	return tx.PutResource(key, value)
}

// GetResource returns the value stored under key in the current transaction.
func (r *Registry) GetResource(ctx context.Context, key any) (any, error) {
	tx, err := txmanager.Current(ctx)
	if err != nil {
		return nil, err
	}
	return tx.GetResource(key), nil
}

// RegisterInterposedSynchronization registers s on the current transaction.
func (r *Registry) RegisterInterposedSynchronization(ctx context.Context, s txmanager.Synchronization) error {
	tx, err := txmanager.Current(ctx)
	if err != nil {
		return err
	}
	return tx.RegisterInterposedSynchronization(s)
}

// SetRollbackOnly marks the current transaction for rollback.
func (r *Registry) SetRollbackOnly(ctx context.Context) error {
	tx, err := txmanager.Current(ctx)
	if err != nil {
		return err
	}
	r.logger.Debug(ctx, "transaction marked rollback only", zap.String("gtrid", tx.Gtrid()))
	return tx.SetRollbackOnly()
}

// RollbackOnly reports whether the current transaction is marked for rollback.
func (r *Registry) RollbackOnly(ctx context.Context) (bool, error) {
	tx, err := txmanager.Current(ctx)
	if err != nil {
		return false, err
	}
	return tx.RollbackOnly(), nil
}

func (*Registry) String() string { return "a TransactionSynchronizationRegistry" }
