package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/txcore/internal/config"
	"github.com/fyrsmithlabs/txcore/internal/logging"
)

// DiskJournal appends JSON-lines records to one of two part files. When the
// active part would grow past the size limit, the dangling records are
// copied into the other part, which then becomes active.
type DiskJournal struct {
	part1       string
	part2       string
	maxSize     int64
	forcedWrite bool
	logger      *logging.Logger

	mu         sync.Mutex
	active     *os.File
	activePath string
	size       int64
	seq        uint64
}

// NewDiskJournal builds a disk journal from the configuration. No file is
// touched until Open.
func NewDiskJournal(cfg *config.Config, logger *logging.Logger) *DiskJournal {
	return &DiskJournal{
		part1:       cfg.Journal.LogPart1Filename,
		part2:       cfg.Journal.LogPart2Filename,
		maxSize:     int64(cfg.Journal.MaxLogSizeMB) * 1024 * 1024,
		forcedWrite: cfg.Journal.ForcedWrite,
		logger:      logging.OrNop(logger).Named("journal.disk"),
	}
}

// Open implements Journal.
func (j *DiskJournal) Open() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.active != nil {
		return nil
	}

	path, records, seq, err := j.pickActivePart()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open journal part %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat journal part %s: %w", path, err)
	}
	j.seq = seq

	j.active = f
	j.activePath = path
	j.size = info.Size()

	j.logger.Debug(context.Background(), "journal opened",
		zap.String("part", path),
		zap.Int64("size", j.size),
		zap.Int("records", len(records)))
	return nil
}

// pickActivePart returns the part holding the highest sequence number along
// with its records and that sequence. Parts without records fall back to
// modification time, then part1.
func (j *DiskJournal) pickActivePart() (string, []Record, uint64, error) {
	records1, err := j.readRecords(j.part1)
	if err != nil {
		return "", nil, 0, err
	}
	records2, err := j.readRecords(j.part2)
	if err != nil {
		return "", nil, 0, err
	}

	seq1, seq2 := maxSequence(records1), maxSequence(records2)
	seq := max(seq1, seq2)
	switch {
	case seq1 > seq2:
		return j.part1, records1, seq, nil
	case seq2 > seq1:
		return j.part2, records2, seq, nil
	case j.part2ModifiedLater():
		return j.part2, records2, seq, nil
	default:
		return j.part1, records1, seq, nil
	}
}

func (j *DiskJournal) part2ModifiedLater() bool {
	info1, err1 := os.Stat(j.part1)
	info2, err2 := os.Stat(j.part2)
	switch {
	case err2 != nil:
		return false
	case err1 != nil:
		return true
	default:
		return info2.ModTime().After(info1.ModTime())
	}
}

func maxSequence(records []Record) uint64 {
	var seq uint64
	for _, rec := range records {
		seq = max(seq, rec.Sequence)
	}
	return seq
}

// Log implements Journal.
func (j *DiskJournal) Log(status Status, gtrid string, uniqueNames []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.active == nil {
		return ErrNotOpen
	}

	j.seq++
	rec := Record{
		Status:      status,
		Gtrid:       gtrid,
		UniqueNames: uniqueNames,
		Time:        time.Now().UTC(),
		Sequence:    j.seq,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode journal record: %w", err)
	}
	line = append(line, '\n')

	if j.size+int64(len(line)) > j.maxSize {
		if err := j.swapParts(); err != nil {
			return err
		}
	}

	n, err := j.active.Write(line)
	j.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write journal record: %w", err)
	}

	j.logger.Trace(logging.WithGtrid(context.Background(), gtrid), "journaled",
		zap.Stringer("status", status),
		zap.Strings("resources", uniqueNames))
	return nil
}

// swapParts compacts dangling records into the inactive part and switches
// to it. Caller holds j.mu.
func (j *DiskJournal) swapParts() error {
	records, err := j.readRecords(j.activePath)
	if err != nil {
		return err
	}
	dangling := danglingFrom(records)

	next := j.part2
	if j.activePath == j.part2 {
		next = j.part1
	}

	f, err := os.OpenFile(next, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open journal part %s: %w", next, err)
	}

	var size int64
	for _, rec := range dangling {
		line, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to encode journal record: %w", err)
		}
		n, err := f.Write(append(line, '\n'))
		size += int64(n)
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to copy dangling record: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync journal part %s: %w", next, err)
	}

	if err := j.active.Close(); err != nil {
		j.logger.Warn(context.Background(), "failed to close previous journal part",
			zap.String("part", j.activePath), zap.Error(err))
	}

	j.logger.Info(context.Background(), "journal parts swapped",
		zap.String("from", j.activePath),
		zap.String("to", next),
		zap.Int("dangling_copied", len(dangling)))

	j.active = f
	j.activePath = next
	j.size = size
	return nil
}

// Force implements Journal.
func (j *DiskJournal) Force() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.active == nil {
		return ErrNotOpen
	}
	if !j.forcedWrite {
		return nil
	}
	if err := j.active.Sync(); err != nil {
		return fmt.Errorf("failed to force journal: %w", err)
	}
	return nil
}

// CollectDanglingRecords implements Journal.
func (j *DiskJournal) CollectDanglingRecords() (map[string]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.active == nil {
		return nil, ErrNotOpen
	}
	records, err := j.readRecords(j.activePath)
	if err != nil {
		return nil, err
	}
	return danglingFrom(records), nil
}

// readRecords decodes every record of a part file. Lines that do not decode
// (a torn write at the tail, usually) are skipped with a warning.
func (j *DiskJournal) readRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal part %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			j.logger.Warn(context.Background(), "skipping corrupted journal record",
				zap.String("part", path), zap.Int("line", line), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan journal part %s: %w", path, err)
	}
	return records, nil
}

// Close implements Journal.
func (j *DiskJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.active == nil {
		return nil
	}
	f := j.active
	j.active = nil

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync journal on close: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close journal: %w", err)
	}
	return nil
}

// Shutdown implements Journal.
func (j *DiskJournal) Shutdown() {
	if err := j.Close(); err != nil {
		j.logger.Error(context.Background(), "error shutting down disk journal", zap.Error(err))
	}
}

// ActivePart returns the path of the part currently written to, or "".
func (j *DiskJournal) ActivePart() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.activePath
}

func (j *DiskJournal) String() string {
	return fmt.Sprintf("a DiskJournal on %s and %s", j.part1, j.part2)
}
