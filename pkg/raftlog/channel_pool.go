package raftlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// StoreChannel is a read handle on a segment file, owned by whoever acquired it.
type StoreChannel struct {
	*os.File
}

// StoreChannelPool reuses read handles of one segment file. Disposal is two-phase: after
// MarkForDisposal no handle can be acquired, and once every handle is back they are all closed
// and the disposal callback runs.
type StoreChannelPool struct {
	path string

	mu         sync.Mutex
	idle       []*StoreChannel
	checkedOut int
	disposing  bool
	disposed   bool
	onDisposal func()
}

func NewStoreChannelPool(path string) *StoreChannelPool {
	return &StoreChannelPool{path: path}
}

// Acquire returns a handle positioned at offset.
func (p *StoreChannelPool) Acquire(offset int64) (*StoreChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disposing {
		return nil, fmt.Errorf("%w: %s", ErrDisposed, p.path)
	}

	var ch *StoreChannel
	if n := len(p.idle); n > 0 {
		ch = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		f, err := os.Open(p.path)
		if err != nil {
			return nil, fmt.Errorf("failed to open segment %s: %w", p.path, err)
		}
		ch = &StoreChannel{File: f}
	}

	if _, err := ch.Seek(offset, io.SeekStart); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to seek segment %s to %d: %w", p.path, offset, err)
	}

	p.checkedOut++
	return ch, nil
}

// Release gives a handle back. The last release after MarkForDisposal completes the disposal.
func (p *StoreChannelPool) Release(ch *StoreChannel) {
	p.mu.Lock()
	p.checkedOut--
	if !p.disposing {
		p.idle = append(p.idle, ch)
		p.mu.Unlock()
		return
	}
	closeChannel(ch)
	onDisposal := p.completeDisposalLocked()
	p.mu.Unlock()

	onDisposal()
}

// MarkForDisposal stops new acquisitions. onDisposal runs exactly once, after every
// checked-out handle has been released. Later calls are ignored.
func (p *StoreChannelPool) MarkForDisposal(onDisposal func()) {
	p.mu.Lock()
	if p.disposing {
		p.mu.Unlock()
		return
	}
	p.disposing = true
	if onDisposal == nil {
		onDisposal = func() {}
	}
	p.onDisposal = onDisposal
	run := p.completeDisposalLocked()
	p.mu.Unlock()

	run()
}

func (p *StoreChannelPool) IsDisposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

// Close closes the idle handles without disposing the pool.
func (p *StoreChannelPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.idle {
		closeChannel(ch)
	}
	p.idle = nil
}

func (p *StoreChannelPool) completeDisposalLocked() func() {
	if p.checkedOut > 0 || p.disposed {
		return func() {}
	}
	p.disposed = true
	for _, ch := range p.idle {
		closeChannel(ch)
	}
	p.idle = nil
	return p.onDisposal
}

func closeChannel(ch *StoreChannel) {
	if err := ch.Close(); err != nil {
		slog.Warn("failed to close segment channel", "file", ch.Name(), "error", err)
	}
}
