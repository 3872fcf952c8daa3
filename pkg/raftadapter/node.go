package raftadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"raftcore/pkg/config"
	"raftcore/pkg/raftlog"
	"raftcore/pkg/replication"
	"raftcore/pkg/rpc"
	"raftcore/pkg/types"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

var ErrNodeStopped = errors.New("raft node stopped")

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// Journal is the durable copy of the raft log. *raftlog.PhysicalRaftLog implements it.
type Journal interface {
	Append(entries ...raftlog.Entry) (uint64, error)
	Truncate(fromIndex uint64) error
	Prune(safeIndex uint64) (uint64, error)
	AppendIndex() uint64
	PrevIndex() uint64
	ReadEntryTerm(index uint64) (uint64, error)
	GetEntriesFrom(index uint64) (*raftlog.EntryCursor, error)
}

// Publisher receives committed operations in log order.
type Publisher interface {
	Publish(ctx context.Context, c replication.CommittedOperation) error
}

// Deps are optional collaborators of a Node.
type Deps struct {
	Journal   Journal
	Commits   Publisher
	Transport iTransport
	// HardState persists term, vote and commit. Without it they are rebuilt from the journal.
	HardState HardStateStore
	// OnLeaderChange is called from the raft loop whenever the known leader changes.
	OnLeaderChange func(leader types.MemberID)
}

// Node runs an etcd raft node. It is the leader locator of the replication core, the
// target of NewEntry requests and the source of committed operations.
type Node struct {
	ID           uint64
	Peers        map[uint64]string
	underlying   raft.Node
	jr           *raft.MemoryStorage
	journal      Journal
	hardState    HardStateStore
	commits      Publisher
	conf         *raftpb.ConfState
	tickInterval time.Duration
	transport    iTransport

	onLeaderChange func(types.MemberID)
	lead           uint64
	applied        atomic.Uint64

	ctx      context.Context
	stop     context.CancelFunc
	stopOnce sync.Once
}

func NewNode(id uint64, cfg *config.RaftConfig, deps Deps) (*Node, error) {
	storage := raft.NewMemoryStorage()
	rcfg := toRaftConfig(id, cfg, storage)

	var (
		confState raftpb.ConfState
		peers     = make(map[uint64]string, len(cfg.Peers))
		raftPeers = make([]raft.Peer, 0, len(cfg.Peers))
	)
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
		confState.Voters = append(confState.Voters, p.ID)
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}
	if _, ok := peers[id]; !ok {
		return nil, fmt.Errorf("node %d is not in the peer list", id)
	}

	if deps.Transport == nil {
		deps.Transport = rpc.NewRaftTransport(peers)
	}
	if deps.OnLeaderChange == nil {
		deps.OnLeaderChange = func(types.MemberID) {}
	}

	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}

	n := &Node{
		ID:             id,
		Peers:          peers,
		conf:           &confState,
		jr:             storage,
		journal:        deps.Journal,
		hardState:      deps.HardState,
		commits:        deps.Commits,
		tickInterval:   tick,
		transport:      deps.Transport,
		onLeaderChange: deps.OnLeaderChange,
	}

	restored, err := n.restore(len(raftPeers))
	if err != nil {
		return nil, err
	}
	if restored {
		n.underlying = raft.RestartNode(rcfg)
	} else {
		n.underlying = raft.StartNode(rcfg, raftPeers)
	}

	n.ctx, n.stop = context.WithCancel(context.Background())
	return n, nil
}

// restore loads the journaled entries into the in-memory raft storage. The hard state comes
// from the HardStateStore; without one the commit index is rebuilt from what is known to be
// committed: the pruned prefix and the bootstrap configuration entries.
func (n *Node) restore(bootstrapEntries int) (bool, error) {
	if n.journal == nil || n.journal.AppendIndex() == 0 {
		return false, nil
	}

	prevIndex := n.journal.PrevIndex()
	if prevIndex > 0 {
		prevTerm, err := n.journal.ReadEntryTerm(prevIndex)
		if err != nil {
			return false, fmt.Errorf("read term of %d: %w", prevIndex, err)
		}
		snap := raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{
			Index:     prevIndex,
			Term:      prevTerm,
			ConfState: *n.conf,
		}}
		if err := n.jr.ApplySnapshot(snap); err != nil {
			return false, fmt.Errorf("restore snapshot: %w", err)
		}
	}

	var (
		ents     []raftpb.Entry
		lastTerm uint64
	)
	if prevIndex >= n.journal.AppendIndex() {
		return n.restoreHardState(prevIndex, lastTerm, 0)
	}

	cursor, err := n.journal.GetEntriesFrom(prevIndex + 1)
	if err != nil {
		return false, fmt.Errorf("open journal: %w", err)
	}
	defer cursor.Close()

	for cursor.Next() {
		e := cursor.Entry()
		data, ok := e.Content.([]byte)
		if !ok {
			return false, fmt.Errorf("journal entry %d: unexpected content %T", e.Index, e.Content)
		}
		var ent raftpb.Entry
		if err := ent.Unmarshal(data); err != nil {
			return false, fmt.Errorf("journal entry %d: %w", e.Index, err)
		}
		ents = append(ents, ent)
		lastTerm = ent.Term
	}
	if err := cursor.Err(); err != nil {
		return false, fmt.Errorf("read journal: %w", err)
	}
	if err := n.jr.Append(ents); err != nil {
		return false, fmt.Errorf("restore entries: %w", err)
	}
	return n.restoreHardState(prevIndex, lastTerm, bootstrapEntries)
}

func (n *Node) restoreHardState(prevIndex, lastTerm uint64, bootstrapEntries int) (bool, error) {
	if lastTerm == 0 && prevIndex > 0 {
		t, err := n.journal.ReadEntryTerm(prevIndex)
		if err != nil {
			return false, fmt.Errorf("read term of %d: %w", prevIndex, err)
		}
		lastTerm = t
	}

	commit := prevIndex
	if commit == 0 {
		commit = min(uint64(bootstrapEntries), n.journal.AppendIndex())
	}
	hs := raftpb.HardState{Term: lastTerm, Commit: commit}

	if n.hardState != nil {
		saved, ok, err := n.hardState.Load()
		if err != nil {
			return false, err
		}
		if ok {
			// the journal may have lost a tail the saved commit still points into
			hs.Term = max(saved.Term, lastTerm)
			if saved.Term >= lastTerm {
				hs.Vote = saved.Vote
			}
			hs.Commit = min(max(saved.Commit, commit), n.journal.AppendIndex())
		}
	}
	commit = hs.Commit

	if err := n.jr.SetHardState(hs); err != nil {
		return false, fmt.Errorf("restore hard state: %w", err)
	}

	slog.Info("raft log restored from journal",
		"id", n.ID, "prev_index", prevIndex, "last_index", n.journal.AppendIndex(), "commit", commit)
	return true, nil
}

func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if rd.SoftState != nil && rd.SoftState.Lead != n.lead {
		n.lead = rd.SoftState.Lead
		leader := types.MemberFromRaftID(n.lead)
		slog.Info("raft leader changed", "id", n.ID, "leader", leader)
		n.onLeaderChange(leader)
	}

	if err := n.journalEntries(rd.Entries); err != nil {
		return fmt.Errorf("journal entries: %w", err)
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		if n.hardState != nil {
			if err := n.hardState.Save(rd.HardState); err != nil {
				return fmt.Errorf("save hard state: %w", err)
			}
		}
		if err := n.jr.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
	}
	if err := n.jr.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if err := n.applyEntry(entry); err != nil {
			slog.Error("critical: failed to apply entry", "error", err)
			return fmt.Errorf("apply entry: %w", err)
		}

		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
		n.applied.Store(entry.Index)
	}

	n.underlying.Advance()
	return nil
}

// journalEntries writes new entries to the journal before they are acknowledged. Entries that
// overwrite the tail of the journal truncate it first.
func (n *Node) journalEntries(ents []raftpb.Entry) error {
	if n.journal == nil || len(ents) == 0 {
		return nil
	}

	first := ents[0].Index
	if first <= n.journal.AppendIndex() {
		slog.Warn("raft log conflict, truncating journal", "id", n.ID, "from", first)
		if err := n.journal.Truncate(first); err != nil {
			return err
		}
	}

	batch := make([]raftlog.Entry, 0, len(ents))
	for _, e := range ents {
		data, err := e.Marshal()
		if err != nil {
			return fmt.Errorf("marshal entry %d: %w", e.Index, err)
		}
		batch = append(batch, raftlog.Entry{Index: e.Index, Term: e.Term, Content: data})
	}
	_, err := n.journal.Append(batch...)
	return err
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	// Обновляем транспорт
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		// адрес из Context
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.AddPeer(cc.NodeID, peerAddr)
		slog.Info("added peer", "id", cc.NodeID, "addr", peerAddr)

	case raftpb.ConfChangeRemoveNode:
		delete(n.Peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.UpdatePeer(cc.NodeID, peerAddr)
		slog.Info("updated peer", "id", cc.NodeID, "addr", peerAddr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				slog.Error("failed to send raft message",
					"from", m.From,
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
		}(msg)
	}
}

func (n *Node) applyEntry(entry raftpb.Entry) error {
	if entry.Type != raftpb.EntryNormal || len(entry.Data) == 0 || n.commits == nil {
		return nil
	}

	op, err := replication.DecodeOperation(entry.Data)
	if err != nil {
		return err
	}
	return n.commits.Publish(n.ctx, replication.CommittedOperation{Operation: op, Index: entry.Index})
}

// GetLeader returns the leader known to this node.
func (n *Node) GetLeader() (types.MemberID, error) {
	lead := n.underlying.Status().Lead
	if lead == raft.None {
		return types.NoMember, replication.ErrNoLeaderFound
	}
	return types.MemberFromRaftID(lead), nil
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) LeaderID() uint64 {
	return n.underlying.Status().Lead
}

// AppliedIndex is the index of the last committed entry handed to the commit publisher.
func (n *Node) AppliedIndex() uint64 {
	return n.applied.Load()
}

// Propose appends an operation to the raft log. Followers forward the proposal to the leader.
func (n *Node) Propose(ctx context.Context, op replication.Operation) error {
	select {
	case <-n.ctx.Done():
		return ErrNodeStopped
	default:
	}

	data, err := replication.EncodeOperation(op)
	if err != nil {
		return err
	}
	if err := n.underlying.Propose(ctx, data); err != nil {
		return fmt.Errorf("propose: %w", err)
	}
	return nil
}

// PruneJournal drops journal segments that only hold entries up to safeIndex. The index is
// clamped to the applied index.
func (n *Node) PruneJournal(safeIndex uint64) (uint64, error) {
	if n.journal == nil {
		return 0, nil
	}
	return n.journal.Prune(min(safeIndex, n.AppliedIndex()))
}

// JournalEntry is a decoded journal record.
type JournalEntry struct {
	Index     uint64                 `json:"index"`
	Term      uint64                 `json:"term"`
	Type      string                 `json:"type"`
	Operation *replication.Operation `json:"operation,omitempty"`
}

// ReadJournal returns up to limit journaled entries starting at from.
func (n *Node) ReadJournal(from uint64, limit int) ([]JournalEntry, error) {
	if n.journal == nil {
		return nil, nil
	}
	cursor, err := n.journal.GetEntriesFrom(from)
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var out []JournalEntry
	for len(out) < limit && cursor.Next() {
		e := cursor.Entry()
		data, ok := e.Content.([]byte)
		if !ok {
			return nil, fmt.Errorf("journal entry %d: unexpected content %T", e.Index, e.Content)
		}
		var ent raftpb.Entry
		if err := ent.Unmarshal(data); err != nil {
			return nil, fmt.Errorf("journal entry %d: %w", e.Index, err)
		}

		je := JournalEntry{Index: e.Index, Term: e.Term, Type: ent.Type.String()}
		if ent.Type == raftpb.EntryNormal && len(ent.Data) > 0 {
			op, err := replication.DecodeOperation(ent.Data)
			if err != nil {
				return nil, fmt.Errorf("journal entry %d: %w", e.Index, err)
			}
			je.Operation = &op
		}
		out = append(out, je)
	}
	return out, cursor.Err()
}

// Handle обрабатывает входящие Raft-сообщения от других нод
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		slog.Info("stopping raft node", "id", n.ID)
		n.underlying.Stop()
		n.stop()
		slog.Info("raft node stopped", "id", n.ID)
	})
	return nil
}
