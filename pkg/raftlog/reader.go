package raftlog

import (
	"fmt"
)

// SingleVersionReader iterates the entries of one segment from a starting index up to a limit.
type SingleVersionReader struct {
	version uint64
	from    uint64
	limit   uint64

	pool    *StoreChannelPool
	channel *StoreChannel
	cursor  *RaftAppendRecordCursor
	cache   *offsetCache

	last    uint64
	current Entry
}

func openSingleVersionReader(files *PhysicalRaftLogFiles, cache *offsetCache, codec ContentCodec,
	r VersionIndexRange, from, limit uint64) (*SingleVersionReader, error) {
	pool, err := files.Pool(r.Version)
	if err != nil {
		return nil, err
	}

	offset := int64(HeaderSize)
	if hint, ok := cache.Get(from); ok && hint.version == r.Version {
		offset = hint.offset
	}

	ch, err := pool.Acquire(offset)
	if err != nil {
		return nil, err
	}

	return &SingleVersionReader{
		version: r.Version,
		from:    from,
		limit:   limit,
		pool:    pool,
		channel: ch,
		cursor:  NewRaftAppendRecordCursor(ch, offset, codec),
		cache:   cache,
		last:    r.PrevIndex,
	}, nil
}

// Next moves to the next entry at or after the starting index. Records past the limit are never
// decoded, so a reader of the current segment does not run into an append in progress.
func (r *SingleVersionReader) Next() (bool, error) {
	for r.last < r.limit {
		ok, err := r.cursor.Next()
		if err != nil {
			return false, fmt.Errorf("failed to read version %d: %w", r.version, err)
		}
		if !ok {
			return false, nil
		}

		e := r.cursor.Get()
		r.last = e.Index
		if e.Index > r.limit {
			return false, nil
		}
		r.cache.Put(e.Index, offsetHint{version: r.version, offset: r.cursor.Offset()})
		if e.Index < r.from {
			continue
		}
		r.current = e
		return true, nil
	}
	return false, nil
}

func (r *SingleVersionReader) Entry() Entry {
	return r.current
}

func (r *SingleVersionReader) Close() {
	if r.channel != nil {
		r.pool.Release(r.channel)
		r.channel = nil
	}
}

// VersionBridgingRaftEntryStore reads entries across segment boundaries.
type VersionBridgingRaftEntryStore struct {
	files *PhysicalRaftLogFiles
	cache *offsetCache
	codec ContentCodec
}

func NewVersionBridgingRaftEntryStore(files *PhysicalRaftLogFiles, cache *offsetCache, codec ContentCodec) *VersionBridgingRaftEntryStore {
	return &VersionBridgingRaftEntryStore{files: files, cache: cache, codec: codec}
}

// GetEntriesFrom returns a cursor over the entries from..upTo.
func (s *VersionBridgingRaftEntryStore) GetEntriesFrom(from, upTo uint64) *EntryCursor {
	return &EntryCursor{store: s, next: from, upTo: upTo}
}

// EntryCursor yields consecutive entries. Close must be called when done.
type EntryCursor struct {
	store *VersionBridgingRaftEntryStore
	next  uint64
	upTo  uint64

	reader   *SingleVersionReader
	openedAt uint64
	current  Entry
	err      error
	closed   bool
}

func (c *EntryCursor) Next() bool {
	if c.err != nil || c.closed {
		return false
	}

	for c.next <= c.upTo {
		if c.reader == nil {
			r, ok := c.store.files.Ranges().RangeForIndex(c.next)
			if !ok {
				c.err = fmt.Errorf("%w: %d", ErrIndexOutOfRange, c.next)
				return false
			}
			reader, err := openSingleVersionReader(c.store.files, c.store.cache, c.store.codec, r, c.next, min(r.LastIndex, c.upTo))
			if err != nil {
				c.err = err
				return false
			}
			c.reader, c.openedAt = reader, c.next
		}

		ok, err := c.reader.Next()
		if err != nil {
			c.err = err
			return false
		}
		if ok {
			e := c.reader.Entry()
			if e.Index != c.next {
				c.err = fmt.Errorf("%w: version %d has entry %d where %d was expected",
					ErrCorruptSegment, c.reader.version, e.Index, c.next)
				return false
			}
			c.current = e
			c.next++
			return true
		}

		// the segment is exhausted; continue in the one holding the next index
		version := c.reader.version
		c.reader.Close()
		c.reader = nil
		if c.next == c.openedAt {
			c.err = fmt.Errorf("%w: entry %d missing from version %d", ErrCorruptSegment, c.next, version)
			return false
		}
	}
	return false
}

func (c *EntryCursor) Entry() Entry {
	return c.current
}

func (c *EntryCursor) Err() error {
	return c.err
}

func (c *EntryCursor) Close() {
	if c.reader != nil {
		c.reader.Close()
		c.reader = nil
	}
	c.closed = true
}
