package replication

import (
	"context"
	"testing"
	"time"

	"raftcore/pkg/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOperation(pool *session.LocalSessionPool, content string) Operation {
	opCtx := pool.Acquire()
	defer pool.Release(opCtx)
	return Operation{Content: []byte(content), Session: opCtx.GlobalSession, OperationID: opCtx.OperationID}
}

func TestProgressTracker_OperationsAreIndependent(t *testing.T) {
	global := session.NewGlobalSession("me")
	pool := session.NewLocalSessionPool(global)
	tracker := NewProgressTracker(global)

	op1 := newOperation(pool, "a")
	op2 := newOperation(pool, "b")
	p1 := tracker.Start(op1)
	p2 := tracker.Start(op2)
	assert.Equal(t, 2, tracker.InProgressCount())

	tracker.TrackReplication(op1)
	assert.True(t, p1.IsReplicated())
	assert.False(t, p2.IsReplicated())

	tracker.TrackResult(op1, Result{Value: []byte("r1")})
	res, err := p1.Result().Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("r1"), res.Value)
	assert.False(t, p2.Result().IsDone())
	assert.Equal(t, 1, tracker.InProgressCount())
}

func TestProgressTracker_StartTwiceReturnsSameProgress(t *testing.T) {
	global := session.NewGlobalSession("me")
	tracker := NewProgressTracker(global)
	op := newOperation(session.NewLocalSessionPool(global), "a")

	assert.Same(t, tracker.Start(op), tracker.Start(op))
	assert.Equal(t, 1, tracker.InProgressCount())
}

func TestProgressTracker_IgnoresForeignSession(t *testing.T) {
	mine := session.NewGlobalSession("me")
	theirs := session.NewGlobalSession("other")
	tracker := NewProgressTracker(mine)

	op := newOperation(session.NewLocalSessionPool(mine), "a")
	progress := tracker.Start(op)

	// same local operation id, different global session
	alias := op
	alias.Session = theirs
	tracker.TrackReplication(alias)
	tracker.TrackResult(alias, Result{Value: []byte("wrong")})
	tracker.Abort(alias)

	assert.False(t, progress.IsReplicated())
	assert.False(t, progress.Result().IsDone())
	assert.Equal(t, 1, tracker.InProgressCount())
}

func TestProgressTracker_Abort(t *testing.T) {
	global := session.NewGlobalSession("me")
	tracker := NewProgressTracker(global)
	op := newOperation(session.NewLocalSessionPool(global), "a")
	progress := tracker.Start(op)

	tracker.Abort(op)
	assert.Equal(t, 0, tracker.InProgressCount())

	// a late commit of an aborted operation is a no-op
	tracker.TrackReplication(op)
	tracker.TrackResult(op, Result{})
	assert.False(t, progress.IsReplicated())
	assert.False(t, progress.Result().IsDone())
}

func TestProgress_AwaitReplication(t *testing.T) {
	global := session.NewGlobalSession("me")
	pool := session.NewLocalSessionPool(global)
	tracker := NewProgressTracker(global)
	ctx := context.Background()

	t.Run("timeout", func(t *testing.T) {
		p := tracker.Start(newOperation(pool, "timeout"))
		assert.Equal(t, WakeTimeout, p.AwaitReplication(ctx, 10*time.Millisecond, nil))
	})

	t.Run("event is not success", func(t *testing.T) {
		p := tracker.Start(newOperation(pool, "event"))
		go func() {
			time.Sleep(10 * time.Millisecond)
			tracker.TriggerReplicationEvent()
		}()
		assert.Equal(t, WakeEvent, p.AwaitReplication(ctx, time.Second, nil))
		assert.False(t, p.IsReplicated())
	})

	t.Run("replicated", func(t *testing.T) {
		op := newOperation(pool, "replicated")
		p := tracker.Start(op)
		go func() {
			time.Sleep(10 * time.Millisecond)
			tracker.TrackReplication(op)
		}()
		assert.Equal(t, WakeReplicated, p.AwaitReplication(ctx, time.Second, nil))
		// already replicated returns immediately
		assert.Equal(t, WakeReplicated, p.AwaitReplication(ctx, time.Hour, nil))
	})

	t.Run("stopped", func(t *testing.T) {
		p := tracker.Start(newOperation(pool, "stopped"))
		stop := make(chan struct{})
		close(stop)
		assert.Equal(t, WakeStopped, p.AwaitReplication(ctx, time.Second, stop))
	})

	t.Run("cancelled", func(t *testing.T) {
		p := tracker.Start(newOperation(pool, "cancelled"))
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.Equal(t, WakeCancelled, p.AwaitReplication(cctx, time.Second, nil))
	})
}

func TestFuture_FirstCompleteWins(t *testing.T) {
	f := NewFuture[int]()
	assert.False(t, f.IsDone())

	assert.True(t, f.Complete(1))
	assert.False(t, f.Complete(2))

	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFuture_AwaitHonoursContext(t *testing.T) {
	f := NewFuture[string]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
