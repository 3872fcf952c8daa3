package session

import (
	"fmt"
	"sync"

	"raftcore/pkg/types"

	"github.com/google/uuid"
)

// GlobalSession identifies one replication session for the lifetime of a process.
type GlobalSession struct {
	ID    uuid.UUID      `json:"id"`
	Owner types.MemberID `json:"owner"`
}

// NewGlobalSession creates a session with a fresh random id.
func NewGlobalSession(owner types.MemberID) GlobalSession {
	return GlobalSession{ID: uuid.New(), Owner: owner}
}

func (g GlobalSession) String() string {
	return fmt.Sprintf("GlobalSession{id=%s, owner=%s}", g.ID, g.Owner)
}

// LocalOperationID is the idempotency key of an operation inside a GlobalSession.
type LocalOperationID struct {
	LocalSessionID uint64 `json:"local_session_id"`
	SequenceNumber uint64 `json:"sequence_number"`
}

// Less orders ids by local session first, then by sequence number.
func (id LocalOperationID) Less(other LocalOperationID) bool {
	if id.LocalSessionID != other.LocalSessionID {
		return id.LocalSessionID < other.LocalSessionID
	}
	return id.SequenceNumber < other.SequenceNumber
}

func (id LocalOperationID) String() string {
	return fmt.Sprintf("%d/%d", id.LocalSessionID, id.SequenceNumber)
}

// LocalSession hands out strictly increasing sequence numbers. It is owned by one caller at a time.
type LocalSession struct {
	id      uint64
	nextSeq uint64
}

func (s *LocalSession) ID() uint64 {
	return s.id
}

func (s *LocalSession) nextOperationID() LocalOperationID {
	id := LocalOperationID{LocalSessionID: s.id, SequenceNumber: s.nextSeq}
	s.nextSeq++
	return id
}

// OperationContext is what a caller holds while its operation is in flight.
type OperationContext struct {
	GlobalSession GlobalSession
	OperationID   LocalOperationID

	local *LocalSession
}

// LocalSessionPool keeps idle local sessions for reuse so that the number of
// local sessions stays bounded by the peak number of concurrent operations.
type LocalSessionPool struct {
	global GlobalSession

	mu          sync.Mutex
	idle        []*LocalSession
	nextLocalID uint64
	open        int
}

func NewLocalSessionPool(global GlobalSession) *LocalSessionPool {
	return &LocalSessionPool{global: global}
}

func (p *LocalSessionPool) GlobalSession() GlobalSession {
	return p.global
}

// Acquire takes an idle local session (or creates one) and mints the next operation id on it.
func (p *LocalSessionPool) Acquire() OperationContext {
	p.mu.Lock()
	var ls *LocalSession
	if n := len(p.idle); n > 0 {
		ls = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		ls = &LocalSession{id: p.nextLocalID}
		p.nextLocalID++
		p.open++
	}
	p.mu.Unlock()

	return OperationContext{
		GlobalSession: p.global,
		OperationID:   ls.nextOperationID(),
		local:         ls,
	}
}

// Release returns the local session of ctx to the pool. Releasing twice is a no-op.
func (p *LocalSessionPool) Release(ctx OperationContext) {
	if ctx.local == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ls := range p.idle {
		if ls == ctx.local {
			return
		}
	}
	p.idle = append(p.idle, ctx.local)
}

// OpenSessionCount is the number of local sessions ever created by this pool.
func (p *LocalSessionPool) OpenSessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}
