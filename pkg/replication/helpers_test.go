package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"raftcore/pkg/metrics"
	"raftcore/pkg/session"
	"raftcore/pkg/types"
)

// scriptedLocator returns leaders[i] on the i-th call, repeating the last one.
type scriptedLocator struct {
	mu      sync.Mutex
	leaders []types.MemberID
	calls   int
}

func (l *scriptedLocator) GetLeader() (types.MemberID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.leaders) == 0 {
		l.calls++
		return types.NoMember, ErrNoLeaderFound
	}
	i := min(l.calls, len(l.leaders)-1)
	l.calls++
	if l.leaders[i].IsNone() {
		return types.NoMember, ErrNoLeaderFound
	}
	return l.leaders[i], nil
}

type sentRequest struct {
	to  types.MemberID
	req NewEntryRequest
}

// fakeOutbound records every request and optionally reacts to it.
type fakeOutbound struct {
	mu     sync.Mutex
	sent   []sentRequest
	onSend func(to types.MemberID, req NewEntryRequest)
}

func (o *fakeOutbound) Send(_ context.Context, to types.MemberID, req NewEntryRequest, _ bool) error {
	o.mu.Lock()
	o.sent = append(o.sent, sentRequest{to: to, req: req})
	onSend := o.onSend
	o.mu.Unlock()
	if onSend != nil {
		onSend(to, req)
	}
	return nil
}

func (o *fakeOutbound) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent)
}

func (o *fakeOutbound) requests() []sentRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]sentRequest(nil), o.sent...)
}

// recordingStateMachine echoes the content back as the result.
type recordingStateMachine struct {
	mu      sync.Mutex
	applied [][]byte
	indexes []uint64
}

func (s *recordingStateMachine) ApplyCommand(content []byte, index uint64, callback func(Result)) {
	s.mu.Lock()
	s.applied = append(s.applied, content)
	s.indexes = append(s.indexes, index)
	s.mu.Unlock()
	callback(Result{Value: append([]byte("applied:"), content...)})
}

func (s *recordingStateMachine) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

type testHarness struct {
	replicator *Replicator
	tracker    *ProgressTracker
	leaders    *LeaderProvider
	guard      *LifecycleGuard
	metrics    *metrics.Registry
}

func newHarness(t *testing.T, locator LeaderLocator, outbound Outbound, retry time.Duration) *testHarness {
	t.Helper()
	global := session.NewGlobalSession("me")
	h := &testHarness{
		tracker: NewProgressTracker(global),
		leaders: NewLeaderProvider(),
		guard:   NewLifecycleGuard(),
		metrics: metrics.NewRegistry(),
	}
	h.replicator = NewReplicator(Config{
		Me:                 "me",
		RetryTimeout:       retry,
		LeaderAwaitTimeout: 100 * time.Millisecond,
	}, Deps{
		Outbound:  outbound,
		Locator:   locator,
		Leaders:   h.leaders,
		Sessions:  session.NewLocalSessionPool(global),
		Tracker:   h.tracker,
		Throttler: NewThrottler(1 << 20),
		Guard:     h.guard,
		Metrics:   h.metrics,
	})
	t.Cleanup(func() { h.guard.Shutdown(nil) })
	return h
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
