package raftlog

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

const (
	DefaultBaseName        = "raft.log"
	DefaultRotateAtSize    = 64 << 20
	DefaultOffsetCacheSize = 1024
)

type Options struct {
	// BaseName is the segment file prefix; segments are named <BaseName>.<version>.
	BaseName string
	// RotateAtSize is the segment size after which appends go to a new segment.
	RotateAtSize int64
	// OffsetCacheSize is the number of index offsets remembered for reads. Zero disables it.
	OffsetCacheSize int
	Codec           ContentCodec
}

func (o Options) withDefaults() Options {
	if o.BaseName == "" {
		o.BaseName = DefaultBaseName
	}
	if o.RotateAtSize <= 0 {
		o.RotateAtSize = DefaultRotateAtSize
	}
	if o.OffsetCacheSize < 0 {
		o.OffsetCacheSize = 0
	}
	if o.Codec == nil {
		o.Codec = RawCodec{}
	}
	return o
}

// PhysicalRaftLog is an append-only raft log stored in version-rotated segment files.
// Appends, rotation, truncation and pruning are serialized; readers run concurrently and only
// see entries up to the append index at the time they started.
type PhysicalRaftLog struct {
	opts  Options
	files *PhysicalRaftLogFiles
	store *VersionBridgingRaftEntryStore
	cache *offsetCache

	mu             sync.Mutex
	file           *os.File
	writer         *bufio.Writer
	size           int64
	currentVersion uint64
	appendTerm     uint64
	closed         bool

	appendIndex atomic.Uint64
	prevIndex   atomic.Uint64
	prevTerm    atomic.Uint64
}

// Open recovers the log in dir, creating it if needed.
func Open(dir string, opts Options) (*PhysicalRaftLog, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty raft log dir")
	}
	opts = opts.withDefaults()

	files := NewPhysicalRaftLogFiles(dir, opts.BaseName, opts.Codec)
	state, err := NewRecovery(files, opts.Codec).Run()
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(files.FileForVersion(state.CurrentVersion), os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open current segment: %w", err)
	}

	cache := newOffsetCache(opts.OffsetCacheSize)
	l := &PhysicalRaftLog{
		opts:           opts,
		files:          files,
		store:          NewVersionBridgingRaftEntryStore(files, cache, opts.Codec),
		cache:          cache,
		file:           file,
		writer:         bufio.NewWriter(file),
		size:           state.SegmentSize,
		currentVersion: state.CurrentVersion,
		appendTerm:     state.AppendTerm,
	}
	l.appendIndex.Store(state.AppendIndex)
	l.prevIndex.Store(state.PrevIndex)
	l.prevTerm.Store(state.PrevTerm)

	return l, nil
}

// Append writes entries and syncs them to disk. The first entry must follow the append index.
func (l *PhysicalRaftLog) Append(entries ...Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}

	appendIndex, appendTerm := l.appendIndex.Load(), l.appendTerm
	records := make([][]byte, len(entries))
	for i, e := range entries {
		if e.Index != appendIndex+1 {
			return l.appendIndex.Load(), fmt.Errorf("%w: got %d, append index %d", ErrIndexMismatch, e.Index, appendIndex)
		}
		if e.Term < appendTerm {
			return l.appendIndex.Load(), fmt.Errorf("%w: entry %d has term %d after %d", ErrTermRegression, e.Index, e.Term, appendTerm)
		}
		buf, err := encodeAppend(e, l.opts.Codec)
		if err != nil {
			return l.appendIndex.Load(), err
		}
		records[i] = buf
		appendIndex, appendTerm = e.Index, e.Term
	}

	prevIndex, prevTerm := l.appendIndex.Load(), l.appendTerm
	for i, e := range entries {
		if l.size >= l.opts.RotateAtSize {
			if err := l.rotate(prevIndex, prevTerm); err != nil {
				return l.appendIndex.Load(), err
			}
		}
		if _, err := l.writer.Write(records[i]); err != nil {
			return l.appendIndex.Load(), fmt.Errorf("failed to write entry %d: %w", e.Index, err)
		}
		l.cache.Put(e.Index, offsetHint{version: l.currentVersion, offset: l.size})
		l.size += int64(len(records[i]))
		prevIndex, prevTerm = e.Index, e.Term
	}

	if err := l.sync(); err != nil {
		return l.appendIndex.Load(), err
	}
	l.appendTerm = appendTerm
	l.appendIndex.Store(appendIndex)
	return appendIndex, nil
}

// Truncate removes the entries from fromIndex on. The removed entries stay in their segments
// until pruned but are no longer reachable.
func (l *PhysicalRaftLog) Truncate(fromIndex uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	appendIndex := l.appendIndex.Load()
	if fromIndex > appendIndex {
		return nil
	}
	if fromIndex <= l.prevIndex.Load() {
		return fmt.Errorf("%w: cannot truncate from %d, log starts after %d", ErrIndexOutOfRange, fromIndex, l.prevIndex.Load())
	}

	newAppendIndex := fromIndex - 1
	term, err := l.readEntryTerm(newAppendIndex)
	if err != nil {
		return err
	}
	if err := l.rotate(newAppendIndex, term); err != nil {
		return err
	}

	l.appendTerm = term
	l.appendIndex.Store(newAppendIndex)
	slog.Info("truncated raft log", "from_index", fromIndex, "previous_append_index", appendIndex, "version", l.currentVersion)
	return nil
}

// Prune deletes the segments holding only entries at or below safeIndex, never the current one.
// It returns the new prev index of the log.
func (l *PhysicalRaftLog) Prune(safeIndex uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}

	// everything below the first range that must stay goes, including segments whose entries
	// were all truncated away
	upper := l.currentVersion
	for _, r := range l.files.Ranges().Ranges() {
		if r.Version == l.currentVersion || r.IsOpen() || r.LastIndex > safeIndex {
			upper = r.Version
			break
		}
	}
	if lowestFile, ok := l.files.LowestVersion(); !ok || upper <= lowestFile {
		return l.prevIndex.Load(), nil
	}

	if _, err := l.files.PruneUpTo(upper); err != nil {
		return l.prevIndex.Load(), err
	}

	lowest, _ := l.files.LowestVersion()
	h, ok := l.files.Header(lowest)
	if !ok {
		return l.prevIndex.Load(), fmt.Errorf("%w: no header for version %d", ErrCorruptHeader, lowest)
	}
	l.prevIndex.Store(h.PrevIndex)
	l.prevTerm.Store(h.PrevTerm)
	return h.PrevIndex, nil
}

// ReadEntryTerm returns the term of the entry at index. The prev index of the log has the term
// recorded in the first segment header.
func (l *PhysicalRaftLog) ReadEntryTerm(index uint64) (uint64, error) {
	return l.readEntryTerm(index)
}

func (l *PhysicalRaftLog) readEntryTerm(index uint64) (uint64, error) {
	if index == l.prevIndex.Load() {
		return l.prevTerm.Load(), nil
	}
	if index < l.prevIndex.Load() || index > l.appendIndex.Load() {
		return 0, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}

	cursor := l.store.GetEntriesFrom(index, index)
	defer cursor.Close()
	if !cursor.Next() {
		if err := cursor.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	return cursor.Entry().Term, nil
}

// GetEntriesFrom returns a cursor over the entries from index up to the current append index.
func (l *PhysicalRaftLog) GetEntriesFrom(index uint64) (*EntryCursor, error) {
	if index <= l.prevIndex.Load() {
		return nil, fmt.Errorf("%w: %d is at or before prev index %d", ErrIndexOutOfRange, index, l.prevIndex.Load())
	}
	return l.store.GetEntriesFrom(index, l.appendIndex.Load()), nil
}

func (l *PhysicalRaftLog) AppendIndex() uint64 {
	return l.appendIndex.Load()
}

func (l *PhysicalRaftLog) PrevIndex() uint64 {
	return l.prevIndex.Load()
}

// Ranges returns the current index range table.
func (l *PhysicalRaftLog) Ranges() []VersionIndexRange {
	return l.files.Ranges().Ranges()
}

func (l *PhysicalRaftLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	defer l.files.Close()
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush raft log on close: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close raft log segment: %w", err)
	}
	return nil
}

// rotate seals the current segment and continues in a new one after (prevIndex, prevTerm).
// A prevIndex below the append index truncates.
func (l *PhysicalRaftLog) rotate(prevIndex, prevTerm uint64) error {
	if err := l.sync(); err != nil {
		return err
	}

	version, file, err := l.files.RegisterNextVersion(prevIndex, prevTerm)
	if err != nil {
		return fmt.Errorf("failed to rotate raft log: %w", err)
	}
	if err := l.file.Close(); err != nil {
		slog.Warn("failed to close sealed segment", "version", l.currentVersion, "error", err)
	}

	slog.Info("rotated raft log",
		"sealed_version", l.currentVersion,
		"version", version,
		"prev_index", prevIndex,
		"prev_term", prevTerm)

	l.file = file
	l.writer = bufio.NewWriter(file)
	l.size = HeaderSize + continuationSize
	l.currentVersion = version
	return nil
}

func (l *PhysicalRaftLog) sync() error {
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush raft log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync raft log: %w", err)
	}
	return nil
}
