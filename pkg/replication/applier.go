package replication

import (
	"context"
	"fmt"
	"log/slog"

	"raftcore/pkg/listener"
	"raftcore/pkg/session"
)

// Applier is the seam through which committed entries reach the replication protocol.
type Applier struct {
	tracker  *ProgressTracker
	sessions session.Tracker
	sm       StateMachine
}

func NewApplier(tracker *ProgressTracker, sessions session.Tracker, sm StateMachine) *Applier {
	return &Applier{tracker: tracker, sessions: sessions, sm: sm}
}

// Apply handles one committed operation at index. Operations that were already applied
// (a resend committed twice) are marked replicated but not applied again.
func (a *Applier) Apply(op Operation, index uint64) error {
	a.tracker.TrackReplication(op)

	ok, err := a.sessions.ValidateOperation(op.Session, op.OperationID)
	if err != nil {
		return fmt.Errorf("validate operation %s: %w", op.OperationID, err)
	}
	if !ok {
		slog.Debug("skipping duplicate operation", "operation", op.OperationID, "index", index)
		return nil
	}

	a.sm.ApplyCommand(op.Content, index, func(res Result) {
		a.tracker.TrackResult(op, res)
	})

	if err := a.sessions.Update(op.Session, op.OperationID, index); err != nil {
		return fmt.Errorf("update session state at %d: %w", index, err)
	}
	return nil
}

// CommittedOperation is an operation together with the log index it was committed at.
type CommittedOperation struct {
	Operation Operation
	Index     uint64
}

// CommitFeed applies committed operations in order on a background listener.
type CommitFeed struct {
	*listener.Listener[CommittedOperation]

	in chan CommittedOperation
}

func NewCommitFeed(applier *Applier, buffer int) *CommitFeed {
	in := make(chan CommittedOperation, buffer)
	return &CommitFeed{
		Listener: listener.New(in, func(c CommittedOperation) error {
			return applier.Apply(c.Operation, c.Index)
		}),
		in: in,
	}
}

// Publish queues a committed operation, blocking while the feed is full.
func (f *CommitFeed) Publish(ctx context.Context, c CommittedOperation) error {
	select {
	case f.in <- c:
		return nil
	case <-f.Done():
		if err := f.Err(); err != nil {
			return err
		}
		return fmt.Errorf("commit feed stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}
