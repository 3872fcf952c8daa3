package raftlog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// PhysicalRaftLogFiles owns the set of segment files of one log: their names, headers, read
// handle pools and the index range table.
type PhysicalRaftLogFiles struct {
	dir   string
	base  string
	codec ContentCodec

	ranges *VersionIndexRanges

	mu       sync.Mutex
	versions []uint64
	headers  map[uint64]Header
	pools    map[uint64]*StoreChannelPool
}

func NewPhysicalRaftLogFiles(dir, base string, codec ContentCodec) *PhysicalRaftLogFiles {
	return &PhysicalRaftLogFiles{
		dir:     filepath.Clean(dir),
		base:    base,
		codec:   codec,
		ranges:  NewVersionIndexRanges(),
		headers: make(map[uint64]Header),
		pools:   make(map[uint64]*StoreChannelPool),
	}
}

// Init scans the directory for segments, repairs missing headers and seeds the range table.
func (f *PhysicalRaftLogFiles) Init() error {
	if err := os.MkdirAll(f.dir, 0750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	versions, err := f.listVersions()
	if err != nil {
		return err
	}
	versions, err = f.dropPrunedPrefix(versions)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.ranges = NewVersionIndexRanges()
	f.headers = make(map[uint64]Header)

	var prev Header
	for i, v := range versions {
		h, err := f.ReadHeader(v)
		if err != nil {
			if !errors.Is(err, ErrCorruptHeader) {
				return err
			}
			var prevVersion *uint64
			if i > 0 {
				prevVersion = &versions[i-1]
			}
			if h, err = f.repairHeader(v, prevVersion, prev); err != nil {
				return err
			}
		}
		if h.Version != v {
			return fmt.Errorf("%w: file %s carries version %d", ErrCorruptHeader, f.FileForVersion(v), h.Version)
		}
		if err := f.ranges.Add(v, h.PrevIndex); err != nil {
			return err
		}
		f.headers[v] = h
		prev = h
	}
	f.versions = versions

	slog.Debug("raft log files initialized", "dir", f.dir, "versions", len(versions), "ranges", f.ranges.Ranges())
	return nil
}

func (f *PhysicalRaftLogFiles) FileForVersion(version uint64) string {
	return filepath.Join(f.dir, f.base+"."+strconv.FormatUint(version, 10))
}

func (f *PhysicalRaftLogFiles) Exists(version uint64) bool {
	_, err := os.Stat(f.FileForVersion(version))
	return err == nil
}

// IsEmpty reports whether the segment holds no Append records.
func (f *PhysicalRaftLogFiles) IsEmpty(version uint64) (bool, error) {
	file, err := os.Open(f.FileForVersion(version))
	if err != nil {
		return false, fmt.Errorf("failed to open segment %d: %w", version, err)
	}
	defer closeFile(file)

	if _, err := file.Seek(HeaderSize, 0); err != nil {
		return false, fmt.Errorf("failed to seek segment %d: %w", version, err)
	}
	found, err := NewRaftAppendRecordCursor(file, HeaderSize, f.codec).Next()
	if err != nil && !errors.Is(err, ErrTornRecord) {
		return false, err
	}
	return !found, nil
}

// ReadHeader reads the header of a segment from disk.
func (f *PhysicalRaftLogFiles) ReadHeader(version uint64) (Header, error) {
	file, err := os.Open(f.FileForVersion(version))
	if err != nil {
		return Header{}, fmt.Errorf("failed to open segment %d: %w", version, err)
	}
	defer closeFile(file)
	return ReadHeader(file)
}

// Header returns the header read or written for version since Init.
func (f *PhysicalRaftLogFiles) Header(version uint64) (Header, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.headers[version]
	return h, ok
}

func (f *PhysicalRaftLogFiles) HighestVersion() (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.versions) == 0 {
		return 0, false
	}
	return f.versions[len(f.versions)-1], true
}

func (f *PhysicalRaftLogFiles) LowestVersion() (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.versions) == 0 {
		return 0, false
	}
	return f.versions[0], true
}

// Versions lists the segment versions on disk, oldest first.
func (f *PhysicalRaftLogFiles) Versions() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.versions)
}

func (f *PhysicalRaftLogFiles) Ranges() *VersionIndexRanges {
	return f.ranges
}

// RegisterNextVersion creates the next segment, starting after (prevIndex, prevTerm), and
// returns it opened for writing and positioned after its Continuation record.
func (f *PhysicalRaftLogFiles) RegisterNextVersion(prevIndex, prevTerm uint64) (uint64, *os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var version uint64
	if n := len(f.versions); n > 0 {
		version = f.versions[n-1] + 1
	}

	path := f.FileForVersion(version)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create segment %d: %w", version, err)
	}

	h := NewHeader(version, prevIndex, prevTerm)
	if err := writeSegmentStart(file, h); err != nil {
		closeFile(file)
		return 0, nil, fmt.Errorf("failed to initialize segment %d: %w", version, err)
	}
	if err := syncDir(f.dir); err != nil {
		closeFile(file)
		return 0, nil, err
	}

	if err := f.ranges.Add(version, prevIndex); err != nil {
		closeFile(file)
		return 0, nil, err
	}
	f.versions = append(f.versions, version)
	f.headers[version] = h

	return version, file, nil
}

// Pool returns the read handle pool of version.
func (f *PhysicalRaftLogFiles) Pool(version uint64) (*StoreChannelPool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := slices.BinarySearch(f.versions, version); !ok {
		return nil, fmt.Errorf("%w: version %d", ErrDisposed, version)
	}
	pool, ok := f.pools[version]
	if !ok {
		pool = NewStoreChannelPool(f.FileForVersion(version))
		f.pools[version] = pool
	}
	return pool, nil
}

// PruneUpTo deletes segments with a version below upper, oldest first. The current segment is
// never deleted. A file still being read is removed once its last reader is done.
func (f *PhysicalRaftLogFiles) PruneUpTo(upper uint64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pruned := 0
	for len(f.versions) > 1 && f.versions[0] < upper {
		version := f.versions[0]
		if lowest, ok := f.ranges.Lowest(); ok && version > lowest.Version {
			return pruned, fmt.Errorf("%w: pruning version %d past lowest tracked version %d",
				ErrCorruptSegment, version, lowest.Version)
		}

		pool, ok := f.pools[version]
		if !ok {
			pool = NewStoreChannelPool(f.FileForVersion(version))
		}
		delete(f.pools, version)
		delete(f.headers, version)

		f.ranges.PruneVersion(version)
		f.versions = f.versions[1:]

		path := f.FileForVersion(version)
		pool.MarkForDisposal(func() {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Error("failed to delete pruned segment", "file", path, "error", err)
				return
			}
			slog.Debug("deleted pruned segment", "file", path)
		})
		pruned++
	}

	if pruned > 0 {
		slog.Info("pruned raft log segments", "count", pruned, "upper", upper)
	}
	return pruned, nil
}

// Close releases every idle read handle.
func (f *PhysicalRaftLogFiles) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pool := range f.pools {
		pool.Close()
	}
}

func (f *PhysicalRaftLogFiles) listVersions() ([]uint64, error) {
	dirEntries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list log directory: %w", err)
	}

	var versions []uint64
	for _, e := range dirEntries {
		if e.IsDir() {
			continue
		}
		suffix, ok := strings.CutPrefix(e.Name(), f.base+".")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(suffix, 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	slices.Sort(versions)
	return versions, nil
}

// dropPrunedPrefix deletes segments below a hole in the version sequence. A hole can only be
// left by a prune that was interrupted before it reached the older files.
func (f *PhysicalRaftLogFiles) dropPrunedPrefix(versions []uint64) ([]uint64, error) {
	for i := len(versions) - 1; i > 0; i-- {
		if versions[i] == versions[i-1]+1 {
			continue
		}
		for _, v := range versions[:i] {
			path := f.FileForVersion(v)
			slog.Warn("deleting segment left behind by an interrupted prune", "file", path)
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("failed to delete segment %d: %w", v, err)
			}
		}
		return versions[i:], nil
	}
	return versions, nil
}

// repairHeader writes the header of a segment that was created but never got one, chaining
// it to the last entry of the previous segment.
func (f *PhysicalRaftLogFiles) repairHeader(version uint64, prevVersion *uint64, prev Header) (Header, error) {
	path := f.FileForVersion(version)
	info, err := os.Stat(path)
	if err != nil {
		return Header{}, fmt.Errorf("failed to stat segment %d: %w", version, err)
	}
	if info.Size() >= HeaderSize {
		// the header was written and is damaged; that is not a crash artifact
		_, err := f.ReadHeader(version)
		return Header{}, fmt.Errorf("segment %d: %w", version, err)
	}

	h := NewHeader(version, 0, 0)
	if prevVersion != nil {
		h.PrevIndex, h.PrevTerm = prev.PrevIndex, prev.PrevTerm
		last, ok, err := f.lastEntry(*prevVersion)
		if err != nil {
			return Header{}, err
		}
		if ok {
			h.PrevIndex, h.PrevTerm = last.Index, last.Term
		}
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return Header{}, fmt.Errorf("failed to open segment %d for repair: %w", version, err)
	}
	defer closeFile(file)
	if err := writeSegmentStart(file, h); err != nil {
		return Header{}, fmt.Errorf("failed to repair segment %d: %w", version, err)
	}

	slog.Warn("synthesized missing segment header",
		"file", path,
		"prev_index", h.PrevIndex,
		"prev_term", h.PrevTerm)
	return h, nil
}

// lastEntry scans a whole segment for its last Append record.
func (f *PhysicalRaftLogFiles) lastEntry(version uint64) (Entry, bool, error) {
	file, err := os.Open(f.FileForVersion(version))
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to open segment %d: %w", version, err)
	}
	defer closeFile(file)

	if _, err := file.Seek(HeaderSize, 0); err != nil {
		return Entry{}, false, fmt.Errorf("failed to seek segment %d: %w", version, err)
	}
	cursor := NewRaftAppendRecordCursor(file, HeaderSize, f.codec)

	var (
		last  Entry
		found bool
	)
	for {
		ok, err := cursor.Next()
		if err != nil {
			return Entry{}, false, fmt.Errorf("segment %d: %w", version, err)
		}
		if !ok {
			return last, found, nil
		}
		last, found = cursor.Get(), true
	}
}

func writeSegmentStart(file *os.File, h Header) error {
	buf := append(h.encode(), encodeContinuation(ContinuationRecord{PrevIndex: h.PrevIndex, PrevTerm: h.PrevTerm})...)
	if _, err := file.Write(buf); err != nil {
		return err
	}
	return file.Sync()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open log directory: %w", err)
	}
	defer closeFile(d)
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync log directory: %w", err)
	}
	return nil
}

func closeFile(file *os.File) {
	if err := file.Close(); err != nil {
		slog.Warn("failed to close file", "file", file.Name(), "error", err)
	}
}
