package raftlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
)

type RecordType uint8

const (
	TypeAppend       RecordType = 1
	TypeContinuation RecordType = 2

	appendHeaderSize = 1 + 8 + 8 + 4 + 4
	continuationSize = 1 + 8 + 8
)

func (t RecordType) String() string {
	switch t {
	case TypeAppend:
		return "append"
	case TypeContinuation:
		return "continuation"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Entry is one raft log entry.
type Entry struct {
	Index   uint64
	Term    uint64
	Content any
}

// ContinuationRecord opens every segment and names the entry preceding it.
type ContinuationRecord struct {
	PrevIndex uint64
	PrevTerm  uint64
}

// Record is either an Append (Entry set) or a Continuation record.
type Record struct {
	Type         RecordType
	Entry        Entry
	Continuation ContinuationRecord
}

func encodeAppend(e Entry, codec ContentCodec) ([]byte, error) {
	payload, err := codec.Marshal(e.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry %d: %w", e.Index, err)
	}
	if len(payload) > math.MaxUint32 {
		return nil, fmt.Errorf("entry %d too large: %d", e.Index, len(payload))
	}

	buf := make([]byte, 0, appendHeaderSize+len(payload))
	buf = append(buf, byte(TypeAppend))
	buf = binary.LittleEndian.AppendUint64(buf, e.Index)
	buf = binary.LittleEndian.AppendUint64(buf, e.Term)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = binary.LittleEndian.AppendUint32(buf, appendChecksum(buf[1:21], payload))
	return append(buf, payload...), nil
}

// appendChecksum covers index, term, length and payload of an Append record.
func appendChecksum(head, payload []byte) uint32 {
	return crc32.Update(crc32.ChecksumIEEE(head), crc32.IEEETable, payload)
}

func encodeContinuation(c ContinuationRecord) []byte {
	buf := make([]byte, 0, continuationSize)
	buf = append(buf, byte(TypeContinuation))
	buf = binary.LittleEndian.AppendUint64(buf, c.PrevIndex)
	return binary.LittleEndian.AppendUint64(buf, c.PrevTerm)
}

// readRecord decodes the next record and returns it with its encoded size. A clean end of
// stream is io.EOF. A record cut short, a bad checksum on the last record and a zero-filled
// tail are ErrTornRecord.
func readRecord(r *bufio.Reader, codec ContentCodec) (Record, int64, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return Record{}, 0, err
	}

	switch RecordType(tag) {
	case TypeAppend:
		var head [appendHeaderSize - 1]byte
		if _, err := io.ReadFull(r, head[:]); err != nil {
			return Record{}, 0, torn(err)
		}
		entry := Entry{
			Index: binary.LittleEndian.Uint64(head[0:8]),
			Term:  binary.LittleEndian.Uint64(head[8:16]),
		}
		size := binary.LittleEndian.Uint32(head[16:20])
		sum := binary.LittleEndian.Uint32(head[20:24])

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Record{}, 0, torn(err)
		}
		if appendChecksum(head[:20], payload) != sum {
			if _, err := r.Peek(1); errors.Is(err, io.EOF) {
				return Record{}, 0, fmt.Errorf("%w: checksum mismatch on entry %d", ErrTornRecord, entry.Index)
			}
			return Record{}, 0, fmt.Errorf("%w: entry %d", ErrChecksumMismatch, entry.Index)
		}
		if entry.Content, err = codec.Unmarshal(payload); err != nil {
			return Record{}, 0, fmt.Errorf("failed to unmarshal entry %d: %w", entry.Index, err)
		}
		return Record{Type: TypeAppend, Entry: entry}, int64(appendHeaderSize) + int64(size), nil

	case TypeContinuation:
		var body [continuationSize - 1]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return Record{}, 0, torn(err)
		}
		c := ContinuationRecord{
			PrevIndex: binary.LittleEndian.Uint64(body[0:8]),
			PrevTerm:  binary.LittleEndian.Uint64(body[8:16]),
		}
		return Record{Type: TypeContinuation, Continuation: c}, continuationSize, nil

	case 0:
		zero, err := zeroTail(r)
		if err != nil {
			return Record{}, 0, err
		}
		if zero {
			return Record{}, 0, fmt.Errorf("%w: zero-filled tail", ErrTornRecord)
		}
		return Record{}, 0, fmt.Errorf("%w: %d", ErrUnknownRecordType, tag)

	default:
		return Record{}, 0, fmt.Errorf("%w: %d", ErrUnknownRecordType, tag)
	}
}

// zeroTail drains r and reports whether everything left in it is zero.
func zeroTail(r *bufio.Reader) (bool, error) {
	zero := true
	for {
		b, err := r.ReadByte()
		if errors.Is(err, io.EOF) {
			return zero, nil
		}
		if err != nil {
			return false, err
		}
		if b != 0 {
			zero = false
		}
	}
}

func torn(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrTornRecord, io.ErrUnexpectedEOF)
	}
	return err
}
