package raftlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLog(t *testing.T, dir string, opts Options) *PhysicalRaftLog {
	t.Helper()
	l, err := Open(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLog_AppendAndRead(t *testing.T) {
	l := openLog(t, t.TempDir(), Options{})

	appendIndex, err := l.Append(
		Entry{Index: 1, Term: 1, Content: content(1)},
		Entry{Index: 2, Term: 1, Content: content(2)},
		Entry{Index: 3, Term: 2, Content: content(3)},
	)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), appendIndex)

	cursor, err := l.GetEntriesFrom(1)
	require.NoError(t, err)
	assert.Equal(t, indexRange(1, 3), collect(t, cursor))

	term, err := l.ReadEntryTerm(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), term)
	term, err = l.ReadEntryTerm(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), term)

	_, err = l.ReadEntryTerm(4)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestLog_AppendValidatesWholeBatch(t *testing.T) {
	l := openLog(t, t.TempDir(), Options{})
	appendEntries(t, l, 1, 2, 2)

	_, err := l.Append(Entry{Index: 3, Term: 2}, Entry{Index: 5, Term: 2})
	assert.ErrorIs(t, err, ErrIndexMismatch)
	assert.Equal(t, uint64(2), l.AppendIndex())

	_, err = l.Append(Entry{Index: 3, Term: 1})
	assert.ErrorIs(t, err, ErrTermRegression)

	// nothing of the rejected batches reached the segment
	appendEntries(t, l, 3, 4, 2)
	cursor, err := l.GetEntriesFrom(1)
	require.NoError(t, err)
	assert.Equal(t, indexRange(1, 4), collect(t, cursor))
}

func TestLog_GetEntriesFromBridgesSegments(t *testing.T) {
	l := openLog(t, t.TempDir(), Options{})
	appendEntries(t, l, 1, 10, 1)
	forceRotate(t, l)
	appendEntries(t, l, 11, 20, 1)
	forceRotate(t, l)
	appendEntries(t, l, 21, 30, 2)

	assert.Equal(t, []VersionIndexRange{
		{Version: 0, PrevIndex: 0, LastIndex: 10},
		{Version: 1, PrevIndex: 10, LastIndex: 20},
		{Version: 2, PrevIndex: 20, LastIndex: OpenEnded},
	}, l.Ranges())

	cursor, err := l.GetEntriesFrom(15)
	require.NoError(t, err)
	assert.Equal(t, indexRange(15, 30), collect(t, cursor))

	cursor, err = l.GetEntriesFrom(1)
	require.NoError(t, err)
	assert.Equal(t, indexRange(1, 30), collect(t, cursor))
}

func TestLog_RotatesBySize(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, Options{RotateAtSize: 128})
	appendEntries(t, l, 1, 40, 1)

	ranges := l.Ranges()
	require.Greater(t, len(ranges), 2)
	for i := 1; i < len(ranges); i++ {
		assert.Equal(t, ranges[i-1].LastIndex, ranges[i].PrevIndex)
	}

	cursor, err := l.GetEntriesFrom(1)
	require.NoError(t, err)
	assert.Equal(t, indexRange(1, 40), collect(t, cursor))

	require.NoError(t, l.Close())
	reopened := openLog(t, dir, Options{RotateAtSize: 128})
	assert.Equal(t, uint64(40), reopened.AppendIndex())
	assert.Equal(t, ranges, reopened.Ranges())
}

func TestLog_Truncate(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, Options{})
	appendEntries(t, l, 1, 10, 1)
	forceRotate(t, l)
	appendEntries(t, l, 11, 20, 2)

	require.NoError(t, l.Truncate(15))
	assert.Equal(t, uint64(14), l.AppendIndex())

	// appending continues at the truncation point with a newer term
	appendEntries(t, l, 15, 18, 3)
	term, err := l.ReadEntryTerm(16)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), term)
	term, err = l.ReadEntryTerm(14)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), term)

	cursor, err := l.GetEntriesFrom(9)
	require.NoError(t, err)
	assert.Equal(t, indexRange(9, 18), collect(t, cursor))

	// the truncation survives a restart
	require.NoError(t, l.Close())
	reopened := openLog(t, dir, Options{})
	assert.Equal(t, uint64(18), reopened.AppendIndex())
	term, err = reopened.ReadEntryTerm(15)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), term)

	// truncating past the end is a no-op
	require.NoError(t, reopened.Truncate(100))
	assert.Equal(t, uint64(18), reopened.AppendIndex())
}

func TestLog_Prune(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, Options{})
	for segment := uint64(0); segment < 3; segment++ {
		appendEntries(t, l, segment*10+1, segment*10+10, 1)
		forceRotate(t, l)
	}
	appendEntries(t, l, 31, 35, 1)

	// entry 15 is still needed, so only version 0 can go
	prevIndex, err := l.Prune(15)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), prevIndex)
	assert.Equal(t, uint64(10), l.PrevIndex())

	_, err = l.GetEntriesFrom(5)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	cursor, err := l.GetEntriesFrom(11)
	require.NoError(t, err)
	assert.Equal(t, indexRange(11, 35), collect(t, cursor))

	// the current segment is never pruned
	prevIndex, err = l.Prune(1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), prevIndex)
	assert.Len(t, l.Ranges(), 1)
	term, err := l.ReadEntryTerm(30)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), term)

	require.NoError(t, l.Close())
	reopened := openLog(t, dir, Options{})
	assert.Equal(t, uint64(30), reopened.PrevIndex())
	assert.Equal(t, uint64(35), reopened.AppendIndex())
}

func TestLog_PruneRemovesTruncatedSegments(t *testing.T) {
	l := openLog(t, t.TempDir(), Options{})
	appendEntries(t, l, 1, 10, 1)
	forceRotate(t, l)
	appendEntries(t, l, 11, 20, 1)
	forceRotate(t, l)
	appendEntries(t, l, 21, 25, 1)
	require.NoError(t, l.Truncate(15))
	forceRotate(t, l)
	appendEntries(t, l, 15, 20, 2)

	_, err := l.Prune(14)
	require.NoError(t, err)

	versions := l.files.Versions()
	lowest, ok := l.files.Ranges().Lowest()
	require.True(t, ok)
	assert.Equal(t, lowest.Version, versions[0], "no file below the lowest live range")
	assert.Equal(t, uint64(14), l.PrevIndex())
}

func TestLog_OffsetCacheServesReads(t *testing.T) {
	l := openLog(t, t.TempDir(), Options{OffsetCacheSize: 16})
	appendEntries(t, l, 1, 40, 1)

	hint, ok := l.cache.Get(35)
	require.True(t, ok)
	assert.Greater(t, hint.offset, int64(HeaderSize))
	assert.Equal(t, 16, l.cache.Len())

	cursor, err := l.GetEntriesFrom(35)
	require.NoError(t, err)
	assert.Equal(t, indexRange(35, 40), collect(t, cursor))

	// an evicted index falls back to a scan from the segment start
	_, ok = l.cache.Get(2)
	require.False(t, ok)
	cursor, err = l.GetEntriesFrom(2)
	require.NoError(t, err)
	assert.Equal(t, indexRange(2, 40), collect(t, cursor))
}

func TestLog_ClosedLogRejectsWrites(t *testing.T) {
	l := openLog(t, t.TempDir(), Options{})
	require.NoError(t, l.Close())

	_, err := l.Append(Entry{Index: 1, Term: 1})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.Truncate(1), ErrClosed)
}

func TestOffsetCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newOffsetCache(2)
	c.Put(1, offsetHint{version: 0, offset: 10})
	c.Put(2, offsetHint{version: 0, offset: 20})
	_, _ = c.Get(1)
	c.Put(3, offsetHint{version: 0, offset: 30})

	_, ok := c.Get(2)
	assert.False(t, ok)
	hint, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, int64(10), hint.offset)
	assert.Equal(t, 2, c.Len())
}
