package services

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/txcore/internal/config"
	"github.com/fyrsmithlabs/txcore/internal/journal"
	"github.com/fyrsmithlabs/txcore/internal/logging"
)

// Resolution failure causes.
var (
	ErrUnknownImplementation = errors.New("no implementation registered for key")
	ErrContractViolation     = errors.New("factory returned no instance")
)

// ResolutionError reports that a configured implementation key could not be
// turned into a working instance.
type ResolutionError struct {
	Slot       string
	Identifier string
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("invalid %s implementation '%s': %v", e.Slot, e.Identifier, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// JournalFactory builds a journal from the configuration snapshot. It must
// not do I/O; the journal is opened by the transaction manager.
type JournalFactory func(cfg *config.Config, logger *logging.Logger) (journal.Journal, error)

var builtinJournals = map[string]JournalFactory{
	config.JournalDisk: func(cfg *config.Config, logger *logging.Logger) (journal.Journal, error) {
		return journal.NewDiskJournal(cfg, logger), nil
	},
	config.JournalNull: func(*config.Config, *logging.Logger) (journal.Journal, error) {
		return journal.NewNullJournal(), nil
	},
}

func isBuiltinJournal(key string) bool {
	_, ok := builtinJournals[key]
	return ok
}

// resolveJournal maps key to a journal: built-in keys first, then the
// factories registered at start-up.
func (r *Registry) resolveJournal(cfg *config.Config) (journal.Journal, error) {
	key := cfg.Journal.Kind

	factory, ok := builtinJournals[key]
	if !ok {
		factory, ok = r.journals[key]
	}
	if !ok {
		return nil, &ResolutionError{Slot: "journal", Identifier: key, Err: ErrUnknownImplementation}
	}

	j, err := factory(cfg, r.baseLogger)
	if err != nil {
		return nil, &ResolutionError{Slot: "journal", Identifier: key, Err: err}
	}
	if j == nil {
		return nil, &ResolutionError{Slot: "journal", Identifier: key, Err: ErrContractViolation}
	}
	return j, nil
}
