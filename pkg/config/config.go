package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

const (
	LeaderSourceRaft      = "raft"
	LeaderSourceZookeeper = "zookeeper"

	SessionStoreMemory = "memory"
	SessionStoreBolt   = "bolt"
)

// Config - корневая структура конфигурации ноды
type Config struct {
	Logger       LoggerConfig       `yaml:"logger"`
	Node         NodeConfig         `yaml:"node"`
	Server       ServerConfig       `yaml:"http-server"`
	Replication  ReplicationConfig  `yaml:"replication"`
	Log          LogConfig          `yaml:"log"`
	Raft         RaftConfig         `yaml:"raft"`
	LeaderSource LeaderSourceConfig `yaml:"leader_source"`
	Session      SessionConfig      `yaml:"session"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// NodeConfig identifies this member. The raft id doubles as the member id.
type NodeConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type ReplicationConfig struct {
	ThrottleCapacity   int64         `yaml:"throttle_capacity"`
	RetryTimeout       time.Duration `yaml:"retry_timeout"`
	LeaderAwaitTimeout time.Duration `yaml:"leader_await_timeout"`
	CommitBuffer       int           `yaml:"commit_buffer"`
}

type LogConfig struct {
	Dir             string `yaml:"dir"`
	BaseName        string `yaml:"base_name"`
	RotateAtSize    int64  `yaml:"rotate_at_size"`
	OffsetCacheSize int    `yaml:"offset_cache_size"`
	Compression     string `yaml:"compression"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

type RaftConfig struct {
	Peers                     []RaftPeerConfig `yaml:"peers"`
	ElectionTick              int              `yaml:"election_tick"`
	HeartbeatTick             int              `yaml:"heartbeat_tick"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
	TickInterval              time.Duration    `yaml:"tick_interval"`
}

type LeaderSourceConfig struct {
	Kind           string        `yaml:"kind"`
	ZKServers      []string      `yaml:"zk_servers"`
	ZKRoot         string        `yaml:"zk_root"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// SessionConfig selects the session dedup store. The bolt store keeps dedup state across
// restarts, so it only fits a state machine that is durable as well: raft re-applies the
// committed entries on start and a persistent store would drop them as duplicates. The kv
// state machine of this binary lives in memory, so Validate rejects bolt.
type SessionConfig struct {
	Store string `yaml:"store"`
	Path  string `yaml:"path"`
}

// Default returns a baseline single-node development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Node: NodeConfig{
			ID:      1,
			Address: "http://127.0.0.1:8080",
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Replication: ReplicationConfig{
			ThrottleCapacity:   16 << 20,
			RetryTimeout:       10 * time.Second,
			LeaderAwaitTimeout: 10 * time.Second,
			CommitBuffer:       128,
		},
		Log: LogConfig{
			Dir:             "./data/raft",
			BaseName:        "raft.log",
			RotateAtSize:    64 << 20,
			OffsetCacheSize: 1024,
			Compression:     "none",
		},
		Raft: RaftConfig{
			Peers:                     []RaftPeerConfig{{ID: 1, Address: "http://127.0.0.1:8080"}},
			ElectionTick:              10,
			HeartbeatTick:             1,
			MaxSizePerMsg:             1 << 20,
			MaxCommittedSizePerReady:  4 << 20,
			MaxUncommittedEntriesSize: 1 << 30,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   true,
			TickInterval:              100 * time.Millisecond,
		},
		LeaderSource: LeaderSourceConfig{
			Kind:           LeaderSourceRaft,
			ZKRoot:         "/raftcore",
			SessionTimeout: 5 * time.Second,
		},
		Session: SessionConfig{
			Store: SessionStoreMemory,
			Path:  "./data/sessions.db",
		},
	}
}

// Load reads a yaml config on top of Default. A missing file yields Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports every invalid value at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("logger.level: unknown level %q", c.Logger.Level))
	}

	check(c.Node.ID != 0, "node.id: must be non-zero")
	check(c.Server.Port >= 1 && c.Server.Port <= 65535, "http-server.port: %d out of range", c.Server.Port)
	check(c.Replication.ThrottleCapacity > 0, "replication.throttle_capacity: must be positive")
	check(c.Replication.RetryTimeout > 0, "replication.retry_timeout: must be positive")
	check(c.Replication.LeaderAwaitTimeout > 0, "replication.leader_await_timeout: must be positive")
	check(c.Log.Dir != "", "log.dir: required")
	check(c.Log.RotateAtSize > 0, "log.rotate_at_size: must be positive")
	check(c.Log.OffsetCacheSize >= 0, "log.offset_cache_size: must not be negative")

	switch c.Log.Compression {
	case "", "none", "gzip", "zstd":
	default:
		errs = append(errs, fmt.Errorf("log.compression: unknown algorithm %q", c.Log.Compression))
	}

	check(c.Raft.ElectionTick > c.Raft.HeartbeatTick && c.Raft.HeartbeatTick > 0,
		"raft: election_tick (%d) must exceed heartbeat_tick (%d) > 0", c.Raft.ElectionTick, c.Raft.HeartbeatTick)
	check(c.Raft.TickInterval > 0, "raft.tick_interval: must be positive")
	self := false
	seen := make(map[uint64]bool, len(c.Raft.Peers))
	for _, p := range c.Raft.Peers {
		check(!seen[p.ID], "raft.peers: duplicate peer id %d", p.ID)
		seen[p.ID] = true
		self = self || p.ID == c.Node.ID
	}
	check(self, "raft.peers: node %d is not a peer", c.Node.ID)

	switch c.LeaderSource.Kind {
	case LeaderSourceRaft:
	case LeaderSourceZookeeper:
		check(len(c.LeaderSource.ZKServers) > 0, "leader_source.zk_servers: required for zookeeper")
		check(strings.HasPrefix(c.LeaderSource.ZKRoot, "/"), "leader_source.zk_root: must be absolute")
	default:
		errs = append(errs, fmt.Errorf("leader_source.kind: unknown kind %q", c.LeaderSource.Kind))
	}

	switch c.Session.Store {
	case SessionStoreMemory:
	case SessionStoreBolt:
		check(c.Session.Path != "", "session.path: required for bolt")
		errs = append(errs, errors.New("session.store: bolt needs a durable state machine, the kv state machine is in memory"))
	default:
		errs = append(errs, fmt.Errorf("session.store: unknown store %q", c.Session.Store))
	}

	return errors.Join(errs...)
}

// SlogLevel maps logger.level onto slog.
func (c LoggerConfig) SlogLevel() slog.Level {
	switch strings.ToUpper(c.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
