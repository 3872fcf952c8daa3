package raftlog

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecovery_EmptyDirectoryCreatesFirstSegment(t *testing.T) {
	dir := t.TempDir()
	files := NewPhysicalRaftLogFiles(dir, "raft.log", RawCodec{})

	state, err := NewRecovery(files, RawCodec{}).Run()
	require.NoError(t, err)

	assert.Equal(t, uint64(0), state.CurrentVersion)
	assert.Equal(t, uint64(0), state.AppendIndex)
	assert.Equal(t, uint64(0), state.PrevIndex)
	assert.Equal(t, int64(HeaderSize+continuationSize), state.SegmentSize)
	assert.True(t, files.Exists(0))
}

func TestRecovery_ReadsOnlyHeadersOfSealedSegments(t *testing.T) {
	const prev = 100
	dir := t.TempDir()
	files := NewPhysicalRaftLogFiles(dir, "raft.log", RawCodec{})
	writeSegment(t, files, prev-20, 4, 10, 4)
	writeSegment(t, files, prev-10, 4, 10, 5)
	writeSegment(t, files, prev, 5, 5, 6)

	// a scan of the sealed bodies would fail on these
	corruptBody(t, files, 0)
	corruptBody(t, files, 1)

	state, err := NewRecovery(NewPhysicalRaftLogFiles(dir, "raft.log", RawCodec{}), RawCodec{}).Run()
	require.NoError(t, err)

	assert.Equal(t, uint64(prev+5), state.AppendIndex)
	assert.Equal(t, uint64(6), state.AppendTerm)
	assert.Equal(t, uint64(2), state.CurrentVersion)
	assert.Equal(t, uint64(prev-20), state.PrevIndex)
	assert.Equal(t, uint64(4), state.PrevTerm)
	assert.Len(t, state.Ranges, 3)
}

func TestRecovery_CurrentSegmentWithoutEntries(t *testing.T) {
	dir := t.TempDir()
	files := NewPhysicalRaftLogFiles(dir, "raft.log", RawCodec{})
	writeSegment(t, files, 0, 0, 10, 1)
	writeSegment(t, files, 10, 1, 0, 1)

	state, err := NewRecovery(NewPhysicalRaftLogFiles(dir, "raft.log", RawCodec{}), RawCodec{}).Run()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), state.AppendIndex)
	assert.Equal(t, uint64(1), state.AppendTerm)
}

func TestRecovery_TruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	files := NewPhysicalRaftLogFiles(dir, "raft.log", RawCodec{})
	writeSegment(t, files, 0, 0, 3, 1)

	path := files.FileForVersion(0)
	intact, err := os.Stat(path)
	require.NoError(t, err)

	torn, err := encodeAppend(Entry{Index: 4, Term: 1, Content: content(4)}, RawCodec{})
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.Write(torn[:len(torn)-3])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	state, err := NewRecovery(NewPhysicalRaftLogFiles(dir, "raft.log", RawCodec{}), RawCodec{}).Run()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), state.AppendIndex)
	assert.Equal(t, intact.Size(), state.SegmentSize)

	repaired, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, intact.Size(), repaired.Size())
}

func TestRecovery_TruncatesZeroFilledTail(t *testing.T) {
	dir := t.TempDir()
	files := NewPhysicalRaftLogFiles(dir, "raft.log", RawCodec{})
	writeSegment(t, files, 0, 0, 3, 1)

	path := files.FileForVersion(0)
	intact, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, intact.Size()+4096))

	state, err := NewRecovery(NewPhysicalRaftLogFiles(dir, "raft.log", RawCodec{}), RawCodec{}).Run()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), state.AppendIndex)
	assert.Equal(t, intact.Size(), state.SegmentSize)

	repaired, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, intact.Size(), repaired.Size())
}

func TestRecovery_UnknownRecordInCurrentSegmentIsFatal(t *testing.T) {
	dir := t.TempDir()
	files := NewPhysicalRaftLogFiles(dir, "raft.log", RawCodec{})
	writeSegment(t, files, 0, 0, 3, 1)
	corruptBody(t, files, 0)

	_, err := NewRecovery(NewPhysicalRaftLogFiles(dir, "raft.log", RawCodec{}), RawCodec{}).Run()
	assert.ErrorIs(t, err, ErrUnknownRecordType)
}
