package replication

import (
	"errors"
	"fmt"
)

var (
	ErrNoLeader               = errors.New("no leader")
	ErrLeaderSwitch           = errors.New("leader switch detected")
	ErrUnavailable            = errors.New("database unavailable")
	ErrShutdown               = errors.New("shutting down")
	ErrNoLeaderFound          = errors.New("no leader found")
	ErrLeaderProviderShutdown = errors.New("leader provider shut down")
)

// ReplicationFailure is returned by Replicator.Replicate when an operation could not be
// replicated. The core never retries past one of these.
type ReplicationFailure struct {
	Err error
}

func (e *ReplicationFailure) Error() string {
	return "replication failure: " + e.Err.Error()
}

func (e *ReplicationFailure) Unwrap() error {
	return e.Err
}

func failure(err error) error {
	var rf *ReplicationFailure
	if errors.As(err, &rf) {
		return err
	}
	return &ReplicationFailure{Err: err}
}

func unavailable(cause error) error {
	if cause == nil || errors.Is(cause, ErrUnavailable) {
		return failure(ErrUnavailable)
	}
	return failure(fmt.Errorf("%w: %w", ErrUnavailable, cause))
}
