package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"raftcore/pkg/metrics"
	"raftcore/pkg/session"
	"raftcore/pkg/types"
)

const (
	metricNew     = "replication_new_total"
	metricAttempt = "replication_attempt_total"
	metricSuccess = "replication_success_total"
	metricFail    = "replication_fail_total"

	defaultRetryTimeout       = 10 * time.Second
	defaultLeaderAwaitTimeout = 10 * time.Second
)

type Config struct {
	// Me is put into every NewEntryRequest as the sender.
	Me types.MemberID
	// RetryTimeout bounds one send attempt; an unacknowledged operation is resent after it.
	RetryTimeout time.Duration
	// LeaderAwaitTimeout bounds the wait for a leader before failing with ErrNoLeader.
	LeaderAwaitTimeout time.Duration
}

// Deps are the collaborators of a Replicator. Guard and Metrics are optional.
type Deps struct {
	Outbound  Outbound
	Locator   LeaderLocator
	Leaders   *LeaderProvider
	Sessions  *session.LocalSessionPool
	Tracker   *ProgressTracker
	Throttler *Throttler
	Guard     AvailabilityGuard
	Metrics   metrics.Collector
}

// Replicator gets operations acknowledged by the leader, resending them until they are
// replicated, the leader changes or the guard shuts the process down.
type Replicator struct {
	me                 types.MemberID
	retryTimeout       time.Duration
	leaderAwaitTimeout time.Duration

	outbound  Outbound
	locator   LeaderLocator
	leaders   *LeaderProvider
	sessions  *session.LocalSessionPool
	tracker   *ProgressTracker
	throttler *Throttler
	guard     AvailabilityGuard
	metrics   metrics.Collector
}

func NewReplicator(cfg Config, deps Deps) *Replicator {
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = defaultRetryTimeout
	}
	if cfg.LeaderAwaitTimeout <= 0 {
		cfg.LeaderAwaitTimeout = defaultLeaderAwaitTimeout
	}
	if deps.Guard == nil {
		deps.Guard = NewLifecycleGuard()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Leaders == nil {
		deps.Leaders = NewLeaderProvider()
	}

	return &Replicator{
		me:                 cfg.Me,
		retryTimeout:       cfg.RetryTimeout,
		leaderAwaitTimeout: cfg.LeaderAwaitTimeout,
		outbound:           deps.Outbound,
		locator:            deps.Locator,
		leaders:            deps.Leaders,
		sessions:           deps.Sessions,
		tracker:            deps.Tracker,
		throttler:          deps.Throttler,
		guard:              deps.Guard,
		metrics:            deps.Metrics,
	}
}

// Replicate replicates content and, if trackResult is set, waits for the state machine's result.
func (r *Replicator) Replicate(ctx context.Context, content []byte, trackResult bool) (Result, error) {
	r.metrics.IncCounter(metricNew, nil, 1)

	leader, err := r.resolveLeader(ctx)
	if err != nil {
		return Result{}, r.fail(err)
	}

	var res Result
	err = r.throttler.Invoke(ctx, int64(len(content)), func() error {
		var err error
		res, err = r.replicate(ctx, leader, content, trackResult)
		return err
	})
	if err != nil {
		return Result{}, r.fail(err)
	}

	r.metrics.IncCounter(metricSuccess, nil, 1)
	return res, nil
}

// OnLeaderSwitch records a new leader and makes in-flight operations re-check theirs.
func (r *Replicator) OnLeaderSwitch(leader types.MemberID) {
	r.leaders.SetLeader(leader)
	r.tracker.TriggerReplicationEvent()
}

func (r *Replicator) replicate(ctx context.Context, leader types.MemberID, content []byte, trackResult bool) (Result, error) {
	opCtx := r.sessions.Acquire()
	defer r.sessions.Release(opCtx)

	op := Operation{
		Content:     content,
		Session:     opCtx.GlobalSession,
		OperationID: opCtx.OperationID,
	}
	progress := r.tracker.Start(op)
	req := NewEntryRequest{From: r.me, Operation: op}

	resend := true
	for !progress.IsReplicated() {
		if !r.guard.IsAvailable() {
			r.tracker.Abort(op)
			return Result{}, unavailable(r.guard.Cause())
		}

		if resend {
			r.metrics.IncCounter(metricAttempt, nil, 1)
			sendCtx, cancel := r.guardedContext(ctx)
			err := r.outbound.Send(sendCtx, leader, req, true)
			cancel()
			if err != nil {
				slog.Debug("failed to send replication request",
					"leader", leader,
					"operation", op.OperationID,
					"error", err)
			}
		}

		switch progress.AwaitReplication(ctx, r.retryTimeout, r.guard.Unavailable()) {
		case WakeReplicated:
		case WakeTimeout:
			current, err := r.locator.GetLeader()
			if err != nil || current.IsNone() {
				// nobody to resend to right now; wait for the next round
				resend = false
				continue
			}
			if current != leader {
				r.tracker.Abort(op)
				slog.Info("leader switch detected", "original", leader, "current", current, "operation", op.OperationID)
				return Result{}, failure(ErrLeaderSwitch)
			}
			slog.Debug("resending operation", "leader", leader, "operation", op.OperationID)
			resend = true
		case WakeEvent:
			if current, ok := r.leaders.CurrentLeader(); ok && current != leader {
				r.tracker.Abort(op)
				slog.Info("leader switch detected", "original", leader, "current", current, "operation", op.OperationID)
				return Result{}, failure(ErrLeaderSwitch)
			}
			resend = false
		case WakeStopped:
			r.tracker.Abort(op)
			return Result{}, unavailable(r.guard.Cause())
		case WakeCancelled:
			r.tracker.Abort(op)
			return Result{}, failure(ctx.Err())
		}
	}

	if !trackResult {
		r.tracker.Abort(op)
		return Result{}, nil
	}

	select {
	case <-progress.Result().Done():
		return progress.Result().Await(ctx)
	case <-r.guard.Unavailable():
		r.tracker.Abort(op)
		return Result{}, unavailable(r.guard.Cause())
	case <-ctx.Done():
		r.tracker.Abort(op)
		return Result{}, failure(ctx.Err())
	}
}

func (r *Replicator) resolveLeader(ctx context.Context) (types.MemberID, error) {
	leader, err := r.locator.GetLeader()
	if err == nil && !leader.IsNone() {
		r.leaders.SetLeader(leader)
		return leader, nil
	}
	locateErr := err
	if locateErr == nil {
		locateErr = ErrNoLeaderFound
	}

	if !r.guard.IsAvailable() {
		return types.NoMember, unavailable(r.guard.Cause())
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.leaderAwaitTimeout)
	defer cancel()
	waitCtx, stop := r.guardedContext(timeoutCtx)
	defer stop()

	leader, err = r.leaders.AwaitLeader(waitCtx)
	switch {
	case err == nil:
		return leader, nil
	case !r.guard.IsAvailable():
		return types.NoMember, unavailable(r.guard.Cause())
	case errors.Is(err, ErrLeaderProviderShutdown):
		return types.NoMember, unavailable(err)
	case ctx.Err() != nil:
		return types.NoMember, ctx.Err()
	default:
		return types.NoMember, fmt.Errorf("%w: %w", ErrNoLeader, locateErr)
	}
}

// guardedContext derives a context that is also cancelled once the guard reports unavailable.
func (r *Replicator) guardedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	gctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-r.guard.Unavailable():
			cancel()
		case <-gctx.Done():
		}
	}()
	return gctx, cancel
}

func (r *Replicator) fail(err error) error {
	reason := "other"
	switch {
	case errors.Is(err, ErrNoLeader):
		reason = "no_leader"
	case errors.Is(err, ErrLeaderSwitch):
		reason = "leader_switch"
	case errors.Is(err, ErrUnavailable):
		reason = "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		reason = "cancelled"
	}
	r.metrics.IncCounter(metricFail, map[string]string{"reason": reason}, 1)

	err = failure(err)
	slog.Debug("replication failed", "reason", reason, "error", err)
	return err
}
