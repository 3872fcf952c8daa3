package raftlog

import "errors"

var (
	ErrDisposed             = errors.New("store channel pool disposed")
	ErrUnknownRecordType    = errors.New("unknown record type")
	ErrCorruptHeader        = errors.New("corrupt segment header")
	ErrTornRecord           = errors.New("torn record")
	ErrChecksumMismatch     = errors.New("record checksum mismatch")
	ErrIndexOutOfRange      = errors.New("index out of range")
	ErrNonIncreasingVersion = errors.New("version must be strictly increasing")
	ErrInvalidRange         = errors.New("invalid index range")
	ErrIndexMismatch        = errors.New("entry index does not follow append index")
	ErrTermRegression       = errors.New("entry term lower than previous term")
	ErrClosed               = errors.New("raft log closed")
	ErrCorruptSegment       = errors.New("corrupt segment")
)
