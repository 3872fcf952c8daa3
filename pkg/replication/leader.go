package replication

import (
	"context"
	"sync"

	"raftcore/pkg/types"
)

type leaderGeneration struct {
	ready  chan struct{}
	leader types.MemberID
}

// LeaderProvider holds the latest known leader and lets callers wait for one.
type LeaderProvider struct {
	mu      sync.Mutex
	leader  types.MemberID
	waiting *leaderGeneration

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

func NewLeaderProvider() *LeaderProvider {
	return &LeaderProvider{
		waiting:  &leaderGeneration{ready: make(chan struct{})},
		shutdown: make(chan struct{}),
	}
}

// SetLeader records the current leader. types.NoMember means the leader is unknown.
func (p *LeaderProvider) SetLeader(leader types.MemberID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.leader = leader
	if leader.IsNone() {
		return
	}
	g := p.waiting
	g.leader = leader
	close(g.ready)
	p.waiting = &leaderGeneration{ready: make(chan struct{})}
}

func (p *LeaderProvider) CurrentLeader() (types.MemberID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leader, !p.leader.IsNone()
}

// AwaitLeader returns the current leader, blocking until one is set, ctx is done or the
// provider is shut down.
func (p *LeaderProvider) AwaitLeader(ctx context.Context) (types.MemberID, error) {
	select {
	case <-p.shutdown:
		return types.NoMember, ErrLeaderProviderShutdown
	default:
	}

	p.mu.Lock()
	if !p.leader.IsNone() {
		leader := p.leader
		p.mu.Unlock()
		return leader, nil
	}
	g := p.waiting
	p.mu.Unlock()

	select {
	case <-g.ready:
		return g.leader, nil
	case <-p.shutdown:
		return types.NoMember, ErrLeaderProviderShutdown
	case <-ctx.Done():
		return types.NoMember, ctx.Err()
	}
}

// Shutdown releases every waiter; later waits fail immediately.
func (p *LeaderProvider) Shutdown() {
	p.shutdownOnce.Do(func() { close(p.shutdown) })
}
