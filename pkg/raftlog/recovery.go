package raftlog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// LogState is what Recovery learns about a log on startup.
type LogState struct {
	CurrentVersion uint64
	PrevIndex      uint64
	PrevTerm       uint64
	AppendIndex    uint64
	AppendTerm     uint64
	Ranges         []VersionIndexRange
	// SegmentSize is the byte size of the current segment, where the next record goes.
	SegmentSize int64
}

// Recovery rebuilds the log state from disk. Sealed segments contribute their headers only;
// the current segment is scanned in full.
type Recovery struct {
	files *PhysicalRaftLogFiles
	codec ContentCodec
}

func NewRecovery(files *PhysicalRaftLogFiles, codec ContentCodec) *Recovery {
	return &Recovery{files: files, codec: codec}
}

func (r *Recovery) Run() (LogState, error) {
	if err := r.files.Init(); err != nil {
		return LogState{}, fmt.Errorf("failed to initialize log files: %w", err)
	}

	current, ok := r.files.HighestVersion()
	if !ok {
		version, file, err := r.files.RegisterNextVersion(0, 0)
		if err != nil {
			return LogState{}, err
		}
		closeFile(file)
		slog.Info("created new raft log", "dir", r.files.dir, "version", version)
		return LogState{
			CurrentVersion: version,
			Ranges:         r.files.Ranges().Ranges(),
			SegmentSize:    HeaderSize + continuationSize,
		}, nil
	}

	lowest, ok := r.files.Ranges().Lowest()
	if !ok {
		return LogState{}, fmt.Errorf("%w: no index ranges after init", ErrCorruptSegment)
	}
	first, _ := r.files.Header(lowest.Version)
	header, _ := r.files.Header(current)

	appendIndex, appendTerm, size, err := r.scanCurrent(current, header)
	if err != nil {
		return LogState{}, err
	}

	state := LogState{
		CurrentVersion: current,
		PrevIndex:      first.PrevIndex,
		PrevTerm:       first.PrevTerm,
		AppendIndex:    appendIndex,
		AppendTerm:     appendTerm,
		Ranges:         r.files.Ranges().Ranges(),
		SegmentSize:    size,
	}
	slog.Info("recovered raft log",
		"dir", r.files.dir,
		"current_version", state.CurrentVersion,
		"prev_index", state.PrevIndex,
		"append_index", state.AppendIndex,
		"segments", len(state.Ranges))
	return state, nil
}

func (r *Recovery) scanCurrent(version uint64, header Header) (uint64, uint64, int64, error) {
	path := r.files.FileForVersion(version)
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to open current segment: %w", err)
	}
	defer closeFile(file)

	if _, err := file.Seek(HeaderSize, 0); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to seek current segment: %w", err)
	}
	cursor := NewRaftAppendRecordCursor(file, HeaderSize, r.codec)

	appendIndex, appendTerm := header.PrevIndex, header.PrevTerm
	for {
		ok, err := cursor.Next()
		if errors.Is(err, ErrTornRecord) {
			if err := truncateTornTail(path, cursor.Position()); err != nil {
				return 0, 0, 0, err
			}
			break
		}
		if err != nil {
			return 0, 0, 0, fmt.Errorf("failed to scan current segment %d: %w", version, err)
		}
		if !ok {
			break
		}

		e := cursor.Get()
		if e.Index != appendIndex+1 {
			return 0, 0, 0, fmt.Errorf("%w: segment %d has entry %d after %d",
				ErrCorruptSegment, version, e.Index, appendIndex)
		}
		appendIndex, appendTerm = e.Index, e.Term
	}

	return appendIndex, appendTerm, cursor.Position(), nil
}

func truncateTornTail(path string, size int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat current segment: %w", err)
	}
	slog.Warn("truncating torn record at the end of the current segment",
		"file", path,
		"offset", size,
		"dropped_bytes", info.Size()-size)

	file, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open current segment for repair: %w", err)
	}
	defer closeFile(file)
	if err := file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate torn record: %w", err)
	}
	return file.Sync()
}
