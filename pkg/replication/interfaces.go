package replication

import (
	"context"

	"raftcore/pkg/types"
)

// Outbound delivers replication requests to another member.
type Outbound interface {
	Send(ctx context.Context, to types.MemberID, msg NewEntryRequest, block bool) error
}

// OutboundFunc adapts a function to Outbound.
type OutboundFunc func(ctx context.Context, to types.MemberID, msg NewEntryRequest, block bool) error

func (f OutboundFunc) Send(ctx context.Context, to types.MemberID, msg NewEntryRequest, block bool) error {
	return f(ctx, to, msg, block)
}

// LeaderLocator is the leader election subsystem. GetLeader fails with ErrNoLeaderFound
// while no leader is known.
type LeaderLocator interface {
	GetLeader() (types.MemberID, error)
}

// StateMachine applies committed commands. The callback receives the outcome and may be
// invoked asynchronously.
type StateMachine interface {
	ApplyCommand(content []byte, index uint64, callback func(Result))
}
