package raftadapter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"raftcore/pkg/raftlog"
	"raftcore/pkg/replication"
	"raftcore/pkg/session"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

func TestBoltHardStateStore_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raft-state.db")
	store, err := NewBoltHardStateStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	if _, ok, err := store.Load(); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}

	want := raftpb.HardState{Term: 4, Vote: 2, Commit: 17}
	if err := store.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// переоткрываем: состояние должно пережить закрытие
	store, err = NewBoltHardStateStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	got, ok, err := store.Load()
	if err != nil || !ok {
		t.Fatalf("load after reopen: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestNode_RestartKeepsVote(t *testing.T) {
	dir := t.TempDir()
	journal, err := raftlog.Open(dir, raftlog.Options{})
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer journal.Close()
	store, err := NewBoltHardStateStore(filepath.Join(dir, "raft-state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	pub := newRecordingPublisher()
	n, err := NewNode(1, singleNodeConfig(), Deps{
		Journal:   journal,
		Commits:   pub,
		Transport: &mockTransport{},
		HardState: store,
	})
	if err != nil {
		t.Fatalf("failed to create node: %v", err)
	}
	stop := runNode(t, n)
	waitLeaderKnown(t, n, 5*time.Second)

	op := replication.Operation{
		Content:     []byte("vote"),
		Session:     session.NewGlobalSession("1"),
		OperationID: session.LocalOperationID{LocalSessionID: 0, SequenceNumber: 0},
	}
	if err := n.Propose(context.Background(), op); err != nil {
		t.Fatalf("propose failed: %v", err)
	}
	committed := pub.next(t, 5*time.Second)
	stop()

	saved, ok, err := store.Load()
	if err != nil || !ok {
		t.Fatalf("hard state not saved: ok=%v err=%v", ok, err)
	}
	if saved.Vote != 1 || saved.Term == 0 || saved.Commit < committed.Index {
		t.Fatalf("unexpected saved hard state %+v (committed index %d)", saved, committed.Index)
	}

	// после рестарта голос и терм берутся из хранилища, а не из журнала
	n2, err := NewNode(1, singleNodeConfig(), Deps{
		Journal:   journal,
		Commits:   newRecordingPublisher(),
		Transport: &mockTransport{},
		HardState: store,
	})
	if err != nil {
		t.Fatalf("failed to restart node: %v", err)
	}
	defer n2.Stop()

	restored, _, err := n2.jr.InitialState()
	if err != nil {
		t.Fatalf("initial state: %v", err)
	}
	if restored.Vote != saved.Vote || restored.Term != saved.Term || restored.Commit != saved.Commit {
		t.Fatalf("expected %+v after restart, got %+v", saved, restored)
	}
}
