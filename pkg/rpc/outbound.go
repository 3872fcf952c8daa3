package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"raftcore/pkg/replication"
	"raftcore/pkg/types"
)

const ReplicateEndpoint = "/api/internal/replicate"

// HTTPOutbound sends NewEntry requests to the members' internal replicate endpoint.
type HTTPOutbound struct {
	mu      sync.RWMutex
	members map[types.MemberID]string
	poster  poster
}

func NewHTTPOutbound(members map[types.MemberID]string, timeout time.Duration) *HTTPOutbound {
	cp := make(map[types.MemberID]string, len(members))
	for id, addr := range members {
		cp[id] = addr
	}
	return &HTTPOutbound{
		members: cp,
		poster:  newPoster(timeout),
	}
}

// SetAddress registers or replaces the address of a member.
func (o *HTTPOutbound) SetAddress(member types.MemberID, addr string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.members[member] = addr
}

// Send posts msg to the member. Without block the request is sent in the background and
// delivery errors are only logged.
func (o *HTTPOutbound) Send(ctx context.Context, to types.MemberID, msg replication.NewEntryRequest, block bool) error {
	o.mu.RLock()
	addr, ok := o.members[to]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}

	url := addr + ReplicateEndpoint
	if block {
		return o.poster.postJSON(ctx, url, msg)
	}

	go func() {
		if err := o.poster.postJSON(context.WithoutCancel(ctx), url, msg); err != nil {
			slog.Warn("failed to send new entry request", "to", to, "operation", msg.Operation.OperationID, "error", err)
		}
	}()
	return nil
}
