package session

import (
	"sync"

	"raftcore/pkg/types"

	"github.com/google/uuid"
)

// Tracker remembers, on the applying side, the last operation applied per local session so
// that an operation committed more than once (after a resend) is applied only once.
type Tracker interface {
	// ValidateOperation reports whether the operation has not been applied yet.
	ValidateOperation(global GlobalSession, id LocalOperationID) (bool, error)
	// Update records id as applied at logIndex.
	Update(global GlobalSession, id LocalOperationID, logIndex uint64) error
	// LastAppliedIndex is the highest log index passed to Update.
	LastAppliedIndex() (uint64, error)
}

type ownerState struct {
	global  uuid.UUID
	lastSeq map[uint64]uint64
}

// MemoryTracker is a Tracker that forgets everything on restart.
type MemoryTracker struct {
	mu        sync.Mutex
	owners    map[types.MemberID]*ownerState
	lastIndex uint64
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{owners: make(map[types.MemberID]*ownerState)}
}

func (t *MemoryTracker) ValidateOperation(global GlobalSession, id LocalOperationID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.owners[global.Owner]
	if !ok || st.global != global.ID {
		// a new global session for this owner replaces the old one
		return true, nil
	}
	last, ok := st.lastSeq[id.LocalSessionID]
	if !ok {
		return true, nil
	}
	return id.SequenceNumber > last, nil
}

func (t *MemoryTracker) Update(global GlobalSession, id LocalOperationID, logIndex uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.owners[global.Owner]
	if !ok || st.global != global.ID {
		st = &ownerState{global: global.ID, lastSeq: make(map[uint64]uint64)}
		t.owners[global.Owner] = st
	}
	if last, ok := st.lastSeq[id.LocalSessionID]; !ok || id.SequenceNumber > last {
		st.lastSeq[id.LocalSessionID] = id.SequenceNumber
	}
	if logIndex > t.lastIndex {
		t.lastIndex = logIndex
	}
	return nil
}

func (t *MemoryTracker) LastAppliedIndex() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastIndex, nil
}
