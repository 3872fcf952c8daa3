package replication

import (
	"context"
	"sync"
	"time"
)

// WakeReason tells a waiter why AwaitReplication returned.
type WakeReason int

const (
	WakeReplicated WakeReason = iota
	WakeTimeout
	// WakeEvent means somebody asked every waiter to re-check its condition. It is not a
	// success signal.
	WakeEvent
	WakeStopped
	WakeCancelled
)

func (r WakeReason) String() string {
	switch r {
	case WakeReplicated:
		return "replicated"
	case WakeTimeout:
		return "timeout"
	case WakeEvent:
		return "event"
	case WakeStopped:
		return "stopped"
	case WakeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Progress is the handle for one operation in flight.
type Progress struct {
	mu           sync.Mutex
	replicated   bool
	replicatedCh chan struct{}
	// closed and replaced on every replication event
	events chan struct{}

	result *Future[Result]
}

func newProgress() *Progress {
	return &Progress{
		replicatedCh: make(chan struct{}),
		events:       make(chan struct{}),
		result:       NewFuture[Result](),
	}
}

func (p *Progress) IsReplicated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replicated
}

// Result is completed once the state machine applied the operation.
func (p *Progress) Result() *Future[Result] {
	return p.result
}

func (p *Progress) setReplicated() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.replicated {
		p.replicated = true
		close(p.replicatedCh)
	}
}

func (p *Progress) triggerReplicationEvent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.events)
	p.events = make(chan struct{})
}

// AwaitReplication blocks for at most timeout. It returns early when the operation gets
// replicated, on a replication event, when stop is closed or when ctx is done.
func (p *Progress) AwaitReplication(ctx context.Context, timeout time.Duration, stop <-chan struct{}) WakeReason {
	p.mu.Lock()
	if p.replicated {
		p.mu.Unlock()
		return WakeReplicated
	}
	events := p.events
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.replicatedCh:
		return WakeReplicated
	case <-events:
		if p.IsReplicated() {
			return WakeReplicated
		}
		return WakeEvent
	case <-timer.C:
		if p.IsReplicated() {
			return WakeReplicated
		}
		return WakeTimeout
	case <-stop:
		return WakeStopped
	case <-ctx.Done():
		return WakeCancelled
	}
}
