package rpc

import (
	"context"
	"fmt"
	"sync"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

const RaftEndpoint = "/api/internal/raft"

// RaftTransport delivers raft messages to peers as JSON over HTTP.
type RaftTransport struct {
	peersMu sync.RWMutex
	peers   map[uint64]string
	poster  poster
}

func NewRaftTransport(peers map[uint64]string) *RaftTransport {
	cp := make(map[uint64]string, len(peers))
	for id, addr := range peers {
		cp[id] = addr
	}
	return &RaftTransport{
		peers:  cp,
		poster: newPoster(defaultTimeout),
	}
}

func (t *RaftTransport) AddPeer(nodeID uint64, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[nodeID] = addr
}

func (t *RaftTransport) RemovePeer(nodeID uint64) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	delete(t.peers, nodeID)
}

func (t *RaftTransport) UpdatePeer(nodeID uint64, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[nodeID] = addr
}

func (t *RaftTransport) Send(msg raftpb.Message) error {
	t.peersMu.RLock()
	addr, ok := t.peers[msg.To]
	t.peersMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, msg.To)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout*maxRetries)
	defer cancel()
	return t.poster.postJSON(ctx, addr+RaftEndpoint, msg)
}
