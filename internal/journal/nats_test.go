package journal

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/txcore/internal/config"
)

// startTestNATSServer starts an embedded JetStream-enabled NATS server.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func natsConfig(url, serverID string) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Node.ServerID = serverID
	cfg.Journal.Kind = NATSKey
	cfg.Journal.NATSURL = url
	cfg.Journal.NATSStream = "TXCORE_TEST"
	return cfg
}

func TestNATSFactory_Validates(t *testing.T) {
	cfg := natsConfig("", "node1")
	_, err := NATSFactory(cfg, nil)
	assert.Error(t, err)

	cfg = natsConfig("nats://127.0.0.1:1", "node1")
	cfg.Journal.NATSStream = ""
	_, err = NATSFactory(cfg, nil)
	assert.Error(t, err)
}

func TestNATSJournal_NotOpen(t *testing.T) {
	j := NewNATSJournal(natsConfig("nats://127.0.0.1:1", "node1"), nil)
	assert.ErrorIs(t, j.Log(StatusCommitting, "tx-1", nil), ErrNotOpen)
	assert.ErrorIs(t, j.Force(), ErrNotOpen)
	_, err := j.CollectDanglingRecords()
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.NoError(t, j.Close())
}

func TestNATSJournal_SubjectIsSanitized(t *testing.T) {
	j := NewNATSJournal(natsConfig("nats://127.0.0.1:1", "host.example.com"), nil)
	assert.Equal(t, "TXCORE_TEST.host_example_com", j.Subject())
}

func TestNATSJournal_EmptyStream(t *testing.T) {
	server := startTestNATSServer(t)

	j := NewNATSJournal(natsConfig(server.ClientURL(), "node1"), nil)
	require.NoError(t, j.Open())
	defer j.Shutdown()

	dangling, err := j.CollectDanglingRecords()
	require.NoError(t, err)
	assert.Empty(t, dangling)
}

func TestNATSJournal_DanglingRecords(t *testing.T) {
	server := startTestNATSServer(t)
	cfg := natsConfig(server.ClientURL(), "node1")

	j, err := NATSFactory(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, j.Open())

	require.NoError(t, j.Log(StatusCommitting, "tx-done", []string{"db"}))
	require.NoError(t, j.Log(StatusCommitted, "tx-done", []string{"db"}))
	require.NoError(t, j.Log(StatusCommitting, "tx-dangling", []string{"db", "queue"}))
	require.NoError(t, j.Force())

	dangling, err := j.CollectDanglingRecords()
	require.NoError(t, err)
	require.Len(t, dangling, 1)
	assert.Equal(t, []string{"db", "queue"}, dangling["tx-dangling"].UniqueNames)
	j.Shutdown()

	// A fresh journal for the same node sees the same state.
	again := NewNATSJournal(cfg, nil)
	require.NoError(t, again.Open())
	defer again.Shutdown()

	dangling, err = again.CollectDanglingRecords()
	require.NoError(t, err)
	assert.Contains(t, dangling, "tx-dangling")

	// Other nodes sharing the stream are isolated.
	other := NewNATSJournal(natsConfig(server.ClientURL(), "node2"), nil)
	require.NoError(t, other.Open())
	defer other.Shutdown()

	dangling, err = other.CollectDanglingRecords()
	require.NoError(t, err)
	assert.Empty(t, dangling)
}
