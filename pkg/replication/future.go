package replication

import (
	"context"
	"sync"
)

// Future is a single-assignment value. The first Complete wins.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Complete assigns v and reports whether this call was the one that did it.
func (f *Future[T]) Complete(v T) bool {
	completed := false
	f.once.Do(func() {
		f.val = v
		close(f.done)
		completed = true
	})
	return completed
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the value is assigned or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
