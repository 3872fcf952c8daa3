package raftadapter

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"go.etcd.io/etcd/raft/v3"
)

func TestToRaftConfig(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	cfg := singleNodeConfig()
	cfg.PreVote = true
	storage := raft.NewMemoryStorage()
	rc := toRaftConfig(3, cfg, storage)

	if rc.ID != 3 || rc.Storage != storage {
		t.Fatalf("id or storage not set: %+v", rc)
	}
	if rc.ElectionTick != cfg.ElectionTick || rc.HeartbeatTick != cfg.HeartbeatTick || !rc.PreVote {
		t.Fatalf("ticks or pre-vote not copied: %+v", rc)
	}

	// внутренние логи raft идут в slog с пометкой компонента
	rc.Logger.Infof("became leader at term %d", 5)
	out := buf.String()
	if !strings.Contains(out, "became leader at term 5") || !strings.Contains(out, "component=raft") {
		t.Fatalf("raft log line not routed to slog: %q", out)
	}
}
