package replication

import (
	"raftcore/pkg/session"

	"github.com/zhangyunhao116/skipmap"
)

type progressMap = skipmap.FuncMap[session.LocalOperationID, *Progress]

// ProgressTracker keeps the Progress of every operation this process has in flight.
// Operations of other global sessions are never touched.
type ProgressTracker struct {
	session session.GlobalSession
	tracked *progressMap
}

func NewProgressTracker(global session.GlobalSession) *ProgressTracker {
	return &ProgressTracker{
		session: global,
		tracked: skipmap.NewFunc[session.LocalOperationID, *Progress](func(a, b session.LocalOperationID) bool {
			return a.Less(b)
		}),
	}
}

// Start registers op and returns its Progress. Starting the same operation twice returns the
// same handle.
func (t *ProgressTracker) Start(op Operation) *Progress {
	p, _ := t.tracked.LoadOrStore(op.OperationID, newProgress())
	return p
}

func (t *ProgressTracker) TrackReplication(op Operation) {
	if op.Session != t.session {
		return
	}
	if p, ok := t.tracked.Load(op.OperationID); ok {
		p.setReplicated()
	}
}

// TrackResult completes the operation's result and stops tracking it.
func (t *ProgressTracker) TrackResult(op Operation, result Result) {
	if op.Session != t.session {
		return
	}
	if p, ok := t.tracked.LoadAndDelete(op.OperationID); ok {
		p.setReplicated()
		p.result.Complete(result)
	}
}

// Abort stops tracking op without marking it replicated.
func (t *ProgressTracker) Abort(op Operation) {
	if op.Session != t.session {
		return
	}
	t.tracked.Delete(op.OperationID)
}

// TriggerReplicationEvent wakes every waiter so it re-checks its own condition.
func (t *ProgressTracker) TriggerReplicationEvent() {
	t.tracked.Range(func(_ session.LocalOperationID, p *Progress) bool {
		p.triggerReplicationEvent()
		return true
	})
}

func (t *ProgressTracker) InProgressCount() int {
	return t.tracked.Len()
}

func (t *ProgressTracker) Session() session.GlobalSession {
	return t.session
}
