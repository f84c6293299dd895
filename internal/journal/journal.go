// Package journal records transaction outcomes so that in-doubt transactions
// can be completed after a crash.
//
// Three implementations ship with txcore: DiskJournal (durable, two rolling
// part files), NullJournal (no-op, for tests and non-recoverable setups) and
// NATSJournal (JetStream-backed). Any other implementation only has to satisfy
// Journal.
package journal

import (
	"errors"
	"fmt"
	"time"
)

// Status is the transaction status recorded in the journal.
type Status int

// Statuses that may be journaled.
const (
	StatusActive Status = iota
	StatusPreparing
	StatusPrepared
	StatusCommitting
	StatusCommitted
	StatusRollingBack
	StatusRolledBack
	StatusUnknown
)

var statusNames = map[Status]string{
	StatusActive:      "ACTIVE",
	StatusPreparing:   "PREPARING",
	StatusPrepared:    "PREPARED",
	StatusCommitting:  "COMMITTING",
	StatusCommitted:   "COMMITTED",
	StatusRollingBack: "ROLLING_BACK",
	StatusRolledBack:  "ROLLED_BACK",
	StatusUnknown:     "UNKNOWN",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown journal status %q", text)
}

// Terminal reports whether no further record is expected after s.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

// Errors returned by journals.
var (
	ErrNotOpen = errors.New("journal is not open")
	ErrClosed  = errors.New("journal is closed")
)

// Record is a single journal entry.
type Record struct {
	Status      Status    `json:"status"`
	Gtrid       string    `json:"gtrid"`
	UniqueNames []string  `json:"unique_names"`
	Time        time.Time `json:"time"`
	Sequence    uint64    `json:"seq"`
}

// Journal is the capability every journal implementation provides.
type Journal interface {
	// Open prepares the journal for writing. Opening an open journal is a no-op.
	Open() error
	// Close flushes and releases the journal. It can be reopened.
	Close() error
	// Log appends a record for gtrid involving the named resources.
	Log(status Status, gtrid string, uniqueNames []string) error
	// Force makes every logged record durable.
	Force() error
	// CollectDanglingRecords returns, by gtrid, the transactions whose last
	// record is COMMITTING.
	CollectDanglingRecords() (map[string]Record, error)
	// Shutdown closes the journal, logging instead of returning errors.
	Shutdown()
}

// danglingFrom folds records in order and keeps the ones left in COMMITTING.
func danglingFrom(records []Record) map[string]Record {
	last := make(map[string]Record)
	for _, rec := range records {
		last[rec.Gtrid] = rec
	}
	dangling := make(map[string]Record)
	for gtrid, rec := range last {
		if rec.Status == StatusCommitting {
			dangling[gtrid] = rec
		}
	}
	return dangling
}
