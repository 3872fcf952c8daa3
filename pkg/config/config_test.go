package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_MissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
logger:
  level: info
  json: true
node:
  id: 2
  address: http://10.0.0.2:8080
replication:
  retry_timeout: 3s
  throttle_capacity: 1000
log:
  dir: /var/lib/raftcore
  compression: zstd
raft:
  peers:
    - id: 1
      address: http://10.0.0.1:8080
    - id: 2
      address: http://10.0.0.2:8080
  tick_interval: 50ms
leader_source:
  kind: zookeeper
  zk_servers: ["zk1:2181", "zk2:2181"]
session:
  store: memory
  path: /var/lib/raftcore/sessions.db
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Logger.JSON)
	assert.Equal(t, slog.LevelInfo, cfg.Logger.SlogLevel())
	assert.Equal(t, uint64(2), cfg.Node.ID)
	assert.Equal(t, 3*time.Second, cfg.Replication.RetryTimeout)
	assert.Equal(t, int64(1000), cfg.Replication.ThrottleCapacity)
	// untouched keys keep their defaults
	assert.Equal(t, Default().Replication.LeaderAwaitTimeout, cfg.Replication.LeaderAwaitTimeout)
	assert.Equal(t, "zstd", cfg.Log.Compression)
	assert.Len(t, cfg.Raft.Peers, 2)
	assert.Equal(t, 50*time.Millisecond, cfg.Raft.TickInterval)
	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, cfg.LeaderSource.ZKServers)
	assert.Equal(t, "/raftcore", cfg.LeaderSource.ZKRoot)
	assert.Equal(t, SessionStoreMemory, cfg.Session.Store)
	assert.Equal(t, "/var/lib/raftcore/sessions.db", cfg.Session.Path)
}

func TestLoad_RejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  id: 7\nlog:\n  compression: lz4\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.compression")
	assert.Contains(t, err.Error(), "node 7 is not a peer")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad level", func(c *Config) { c.Logger.Level = "TRACE" }, "logger.level"},
		{"zero node", func(c *Config) { c.Node.ID = 0 }, "node.id"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "http-server.port"},
		{"ticks", func(c *Config) { c.Raft.ElectionTick = 1 }, "election_tick"},
		{"duplicate peers", func(c *Config) {
			c.Raft.Peers = append(c.Raft.Peers, RaftPeerConfig{ID: 1, Address: "x"})
		}, "duplicate peer id 1"},
		{"zookeeper servers", func(c *Config) { c.LeaderSource.Kind = LeaderSourceZookeeper }, "zk_servers"},
		{"leader source", func(c *Config) { c.LeaderSource.Kind = "etcd" }, "leader_source.kind"},
		{"session store", func(c *Config) { c.Session.Store = "redis" }, "session.store"},
		{"bolt path", func(c *Config) {
			c.Session.Store = SessionStoreBolt
			c.Session.Path = ""
		}, "session.path"},
		{"bolt with in-memory state machine", func(c *Config) {
			c.Session.Store = SessionStoreBolt
		}, "durable state machine"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
