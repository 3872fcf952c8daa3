package raftlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// RaftAppendRecordCursor reads the Append records of one segment in order, skipping
// Continuation records.
type RaftAppendRecordCursor struct {
	reader *bufio.Reader
	codec  ContentCodec

	// offset of the record under the cursor and of the byte after it
	start int64
	end   int64

	current      Entry
	continuation *ContinuationRecord
	exhausted    bool
}

// NewRaftAppendRecordCursor reads records from r, which is positioned at byte offset in the segment.
func NewRaftAppendRecordCursor(r io.Reader, offset int64, codec ContentCodec) *RaftAppendRecordCursor {
	return &RaftAppendRecordCursor{
		reader: bufio.NewReader(r),
		codec:  codec,
		start:  offset,
		end:    offset,
	}
}

// Next moves to the next Append record. It returns false once the segment is exhausted.
func (c *RaftAppendRecordCursor) Next() (bool, error) {
	if c.exhausted {
		return false, nil
	}

	for {
		rec, size, err := readRecord(c.reader, c.codec)
		if errors.Is(err, io.EOF) {
			c.exhausted = true
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("record at offset %d: %w", c.end, err)
		}

		c.start = c.end
		c.end += size

		switch rec.Type {
		case TypeContinuation:
			cont := rec.Continuation
			c.continuation = &cont
		case TypeAppend:
			c.current = rec.Entry
			return true, nil
		}
	}
}

// Get returns the entry the cursor is on.
func (c *RaftAppendRecordCursor) Get() Entry {
	return c.current
}

// Offset is the byte offset of the current record.
func (c *RaftAppendRecordCursor) Offset() int64 {
	return c.start
}

// Position is the byte offset right after the last complete record read.
func (c *RaftAppendRecordCursor) Position() int64 {
	return c.end
}

// Continuation returns the last Continuation record passed, if any.
func (c *RaftAppendRecordCursor) Continuation() (ContinuationRecord, bool) {
	if c.continuation == nil {
		return ContinuationRecord{}, false
	}
	return *c.continuation, true
}
