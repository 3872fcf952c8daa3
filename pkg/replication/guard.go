package replication

import "sync"

// AvailabilityGuard gates the retry loop of the replicator.
type AvailabilityGuard interface {
	IsAvailable() bool
	// Unavailable is closed once the guard stops being available.
	Unavailable() <-chan struct{}
	// Cause explains why the guard became unavailable.
	Cause() error
}

// LifecycleGuard is available from creation until Shutdown.
type LifecycleGuard struct {
	once  sync.Once
	down  chan struct{}
	mu    sync.Mutex
	cause error
}

func NewLifecycleGuard() *LifecycleGuard {
	return &LifecycleGuard{down: make(chan struct{})}
}

func (g *LifecycleGuard) IsAvailable() bool {
	select {
	case <-g.down:
		return false
	default:
		return true
	}
}

func (g *LifecycleGuard) Unavailable() <-chan struct{} {
	return g.down
}

func (g *LifecycleGuard) Cause() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cause
}

// Shutdown makes the guard unavailable. Only the first cause is kept.
func (g *LifecycleGuard) Shutdown(cause error) {
	g.once.Do(func() {
		if cause == nil {
			cause = ErrShutdown
		}
		g.mu.Lock()
		g.cause = cause
		g.mu.Unlock()
		close(g.down)
	})
}
