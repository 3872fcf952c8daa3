package raftlog

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPoolFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segment")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestStoreChannelPool_AcquireAtOffset(t *testing.T) {
	pool := NewStoreChannelPool(newPoolFile(t, "0123456789"))
	defer pool.Close()

	ch, err := pool.Acquire(4)
	require.NoError(t, err)
	buf := make([]byte, 3)
	_, err = io.ReadFull(ch, buf)
	require.NoError(t, err)
	assert.Equal(t, "456", string(buf))
	pool.Release(ch)

	// the released handle is reused and repositioned
	again, err := pool.Acquire(1)
	require.NoError(t, err)
	assert.Same(t, ch, again)
	_, err = io.ReadFull(again, buf)
	require.NoError(t, err)
	assert.Equal(t, "123", string(buf))
	pool.Release(again)
}

func TestStoreChannelPool_DisposalWaitsForCheckedOutChannels(t *testing.T) {
	pool := NewStoreChannelPool(newPoolFile(t, "data"))

	first, err := pool.Acquire(0)
	require.NoError(t, err)
	second, err := pool.Acquire(0)
	require.NoError(t, err)

	disposals := 0
	pool.MarkForDisposal(func() { disposals++ })
	pool.MarkForDisposal(func() { disposals += 100 })
	assert.Equal(t, 0, disposals)

	_, err = pool.Acquire(0)
	assert.ErrorIs(t, err, ErrDisposed)

	// a checked-out channel keeps working until released
	buf := make([]byte, 4)
	_, err = io.ReadFull(first, buf)
	require.NoError(t, err)

	pool.Release(first)
	assert.Equal(t, 0, disposals)
	assert.False(t, pool.IsDisposed())

	pool.Release(second)
	assert.Equal(t, 1, disposals)
	assert.True(t, pool.IsDisposed())

	_, err = first.Read(buf)
	assert.Error(t, err, "channel closed on disposal")
}

func TestStoreChannelPool_IdleDisposalIsImmediate(t *testing.T) {
	pool := NewStoreChannelPool(newPoolFile(t, "data"))
	ch, err := pool.Acquire(0)
	require.NoError(t, err)
	pool.Release(ch)

	disposed := false
	pool.MarkForDisposal(func() { disposed = true })
	assert.True(t, disposed)
	assert.True(t, pool.IsDisposed())
}

func TestStoreChannelPool_MissingFile(t *testing.T) {
	pool := NewStoreChannelPool(filepath.Join(t.TempDir(), "missing"))
	_, err := pool.Acquire(0)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
