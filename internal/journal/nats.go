package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/txcore/internal/config"
	"github.com/fyrsmithlabs/txcore/internal/logging"
)

// NATSKey is the implementation key NATSJournal is registered under.
const NATSKey = "nats"

const natsCollectTimeout = 5 * time.Second

var subjectReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// NATSJournal stores records in a JetStream stream. Each node publishes to
// its own subject, "<stream>.<server_id>", so one stream can be shared by a
// cluster of transaction managers.
type NATSJournal struct {
	url      string
	stream   string
	subject  string
	token    config.Secret
	serverID string
	logger   *logging.Logger

	mu  sync.Mutex
	nc  *nats.Conn
	js  nats.JetStreamContext
	seq uint64
}

// NewNATSJournal builds a JetStream journal. The connection is made in Open.
func NewNATSJournal(cfg *config.Config, logger *logging.Logger) *NATSJournal {
	return &NATSJournal{
		url:      cfg.Journal.NATSURL,
		stream:   cfg.Journal.NATSStream,
		subject:  cfg.Journal.NATSStream + "." + subjectReplacer.Replace(cfg.Node.ServerID),
		token:    cfg.Journal.NATSToken,
		serverID: cfg.Node.ServerID,
		logger:   logging.OrNop(logger).Named("journal.nats"),
	}
}

// NATSFactory adapts NewNATSJournal to the service registry's journal
// factory signature.
func NATSFactory(cfg *config.Config, logger *logging.Logger) (Journal, error) {
	if cfg.Journal.NATSURL == "" {
		return nil, errors.New("nats journal requires journal.nats_url")
	}
	if cfg.Journal.NATSStream == "" {
		return nil, errors.New("nats journal requires journal.nats_stream")
	}
	return NewNATSJournal(cfg, logger), nil
}

// Open implements Journal.
func (j *NATSJournal) Open() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.nc != nil {
		return nil
	}

	opts := []nats.Option{nats.Name("txcore-" + j.serverID)}
	if j.token.IsSet() {
		opts = append(opts, nats.Token(j.token.Value()))
	}
	nc, err := nats.Connect(j.url, opts...)
	if err != nil {
		return fmt.Errorf("connect to nats %s: %w", j.url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(j.stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			nc.Close()
			return fmt.Errorf("stream info %s: %w", j.stream, err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     j.stream,
			Subjects: []string{j.stream + ".>"},
			Storage:  nats.FileStorage,
		})
		if err != nil {
			nc.Close()
			return fmt.Errorf("create stream %s: %w", j.stream, err)
		}
		j.logger.Info(context.Background(), "created journal stream", zap.String("stream", j.stream))
	}

	j.nc = nc
	j.js = js
	return nil
}

// Log implements Journal. Publishing waits for the JetStream ack, so every
// logged record is already stored when Log returns.
func (j *NATSJournal) Log(status Status, gtrid string, uniqueNames []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.js == nil {
		return ErrNotOpen
	}

	j.seq++
	data, err := json.Marshal(Record{
		Status:      status,
		Gtrid:       gtrid,
		UniqueNames: uniqueNames,
		Time:        time.Now().UTC(),
		Sequence:    j.seq,
	})
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}

	if _, err := j.js.Publish(j.subject, data); err != nil {
		return fmt.Errorf("publish journal record: %w", err)
	}
	return nil
}

// Force implements Journal.
func (j *NATSJournal) Force() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.nc == nil {
		return ErrNotOpen
	}
	return j.nc.Flush()
}

// CollectDanglingRecords implements Journal. It replays this node's subject
// up to the last stored message.
func (j *NATSJournal) CollectDanglingRecords() (map[string]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.js == nil {
		return nil, ErrNotOpen
	}

	last, err := j.js.GetLastMsg(j.stream, j.subject)
	if err != nil {
		if errors.Is(err, nats.ErrMsgNotFound) {
			return map[string]Record{}, nil
		}
		return nil, fmt.Errorf("last journal message: %w", err)
	}

	sub, err := j.js.SubscribeSync(j.subject, nats.OrderedConsumer(), nats.DeliverAll())
	if err != nil {
		return nil, fmt.Errorf("subscribe to journal: %w", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			j.logger.Debug(context.Background(), "journal replay unsubscribe failed", zap.Error(err))
		}
	}()

	var records []Record
	for {
		msg, err := sub.NextMsg(natsCollectTimeout)
		if err != nil {
			return nil, fmt.Errorf("replay journal: %w", err)
		}
		meta, err := msg.Metadata()
		if err != nil {
			return nil, fmt.Errorf("journal message metadata: %w", err)
		}

		var rec Record
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			j.logger.Warn(context.Background(), "skipping corrupted journal record",
				zap.Uint64("stream_seq", meta.Sequence.Stream), zap.Error(err))
		} else {
			records = append(records, rec)
			if rec.Sequence > j.seq {
				j.seq = rec.Sequence
			}
		}

		if meta.Sequence.Stream >= last.Sequence {
			break
		}
	}
	return danglingFrom(records), nil
}

// Close implements Journal.
func (j *NATSJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.nc == nil {
		return nil
	}
	nc := j.nc
	j.nc = nil
	j.js = nil

	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

// Shutdown implements Journal.
func (j *NATSJournal) Shutdown() {
	if err := j.Close(); err != nil {
		j.logger.Error(context.Background(), "error shutting down nats journal", zap.Error(err))
	}
}

// Subject returns the subject this node journals to.
func (j *NATSJournal) Subject() string { return j.subject }

func (j *NATSJournal) String() string {
	return fmt.Sprintf("a NATSJournal on %s (stream %s)", j.url, j.stream)
}
