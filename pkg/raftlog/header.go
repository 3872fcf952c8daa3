package raftlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	headerMagic   uint32 = 0x52414654 // "RAFT"
	formatVersion uint8  = 1

	// HeaderSize is the fixed size of the header at the start of every segment.
	HeaderSize = 4 + 1 + 8 + 8 + 8 + 4
)

// Header links a segment to the entry preceding its first record.
type Header struct {
	FormatVersion uint8
	Version       uint64
	PrevIndex     uint64
	PrevTerm      uint64
}

func NewHeader(version, prevIndex, prevTerm uint64) Header {
	return Header{
		FormatVersion: formatVersion,
		Version:       version,
		PrevIndex:     prevIndex,
		PrevTerm:      prevTerm,
	}
}

func (h Header) encode() []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = binary.LittleEndian.AppendUint32(buf, headerMagic)
	buf = append(buf, h.FormatVersion)
	buf = binary.LittleEndian.AppendUint64(buf, h.Version)
	buf = binary.LittleEndian.AppendUint64(buf, h.PrevIndex)
	buf = binary.LittleEndian.AppendUint64(buf, h.PrevTerm)
	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

// WriteTo writes the header at the current position of w.
func (h Header) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(h.encode())
	return int64(n), err
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrCorruptHeader, len(buf))
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != headerMagic {
		return Header{}, fmt.Errorf("%w: bad magic %#x", ErrCorruptHeader, magic)
	}
	if sum := binary.LittleEndian.Uint32(buf[29:33]); sum != crc32.ChecksumIEEE(buf[:29]) {
		return Header{}, fmt.Errorf("%w: checksum mismatch", ErrCorruptHeader)
	}

	h := Header{
		FormatVersion: buf[4],
		Version:       binary.LittleEndian.Uint64(buf[5:13]),
		PrevIndex:     binary.LittleEndian.Uint64(buf[13:21]),
		PrevTerm:      binary.LittleEndian.Uint64(buf[21:29]),
	}
	if h.FormatVersion != formatVersion {
		return Header{}, fmt.Errorf("%w: unsupported format %d", ErrCorruptHeader, h.FormatVersion)
	}
	return h, nil
}

// ReadHeader reads the header from the start of r.
func ReadHeader(r io.ReaderAt) (Header, error) {
	buf := make([]byte, HeaderSize)
	n, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return Header{}, fmt.Errorf("failed to read segment header: %w", err)
	}
	return decodeHeader(buf[:n])
}
