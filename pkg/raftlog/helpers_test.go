package raftlog

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func content(index uint64) []byte {
	return []byte(fmt.Sprintf("entry-%d", index))
}

// writeSegment registers the next version after prevIndex and fills it with count entries.
func writeSegment(t *testing.T, files *PhysicalRaftLogFiles, prevIndex, prevTerm uint64, count int, term uint64) uint64 {
	t.Helper()
	version, file, err := files.RegisterNextVersion(prevIndex, prevTerm)
	require.NoError(t, err)
	defer file.Close()

	for i := 1; i <= count; i++ {
		index := prevIndex + uint64(i)
		buf, err := encodeAppend(Entry{Index: index, Term: term, Content: content(index)}, RawCodec{})
		require.NoError(t, err)
		_, err = file.Write(buf)
		require.NoError(t, err)
	}
	return version
}

// corruptBody overwrites everything after the header of a segment with an unknown record tag.
func corruptBody(t *testing.T, files *PhysicalRaftLogFiles, version uint64) {
	t.Helper()
	path := files.FileForVersion(version)
	info, err := os.Stat(path)
	require.NoError(t, err)

	garbage := make([]byte, info.Size()-HeaderSize)
	for i := range garbage {
		garbage[i] = 0xee
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0600)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteAt(garbage, HeaderSize)
	require.NoError(t, err)
}

func appendEntries(t *testing.T, l *PhysicalRaftLog, from, to, term uint64) {
	t.Helper()
	for i := from; i <= to; i++ {
		_, err := l.Append(Entry{Index: i, Term: term, Content: content(i)})
		require.NoError(t, err)
	}
}

func forceRotate(t *testing.T, l *PhysicalRaftLog) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.NoError(t, l.rotate(l.appendIndex.Load(), l.appendTerm))
}

func collect(t *testing.T, cursor *EntryCursor) []uint64 {
	t.Helper()
	defer cursor.Close()
	var indexes []uint64
	for cursor.Next() {
		e := cursor.Entry()
		require.Equal(t, content(e.Index), e.Content)
		indexes = append(indexes, e.Index)
	}
	require.NoError(t, cursor.Err())
	return indexes
}

func indexRange(from, to uint64) []uint64 {
	var out []uint64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}
