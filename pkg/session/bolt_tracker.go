package session

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	// Bucket names
	sessionsBucket = []byte("sessions")
	metadataBucket = []byte("metadata")

	// Metadata keys
	lastAppliedKey = []byte("lastAppliedIndex")
)

// value layout: global session id (16) | sequence number (8) | log index (8)
const sessionValueSize = 16 + 8 + 8

// BoltTracker is a Tracker persisted in a bbolt database, so dedup state survives restarts.
type BoltTracker struct {
	conn *bbolt.DB
}

// NewBoltTracker opens (or creates) the tracker database at path.
func NewBoltTracker(path string) (*BoltTracker, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionsBucket); err != nil {
			return fmt.Errorf("failed to create sessions bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltTracker{conn: db}, nil
}

func (b *BoltTracker) ValidateOperation(global GlobalSession, id LocalOperationID) (bool, error) {
	valid := true
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get(sessionKey(global, id.LocalSessionID))
		if data == nil {
			return nil
		}
		storedGlobal, seq, _, err := decodeSessionValue(data)
		if err != nil {
			return err
		}
		if storedGlobal != global.ID {
			return nil
		}
		valid = id.SequenceNumber > seq
		return nil
	})
	return valid, err
}

func (b *BoltTracker) Update(global GlobalSession, id LocalOperationID, logIndex uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(sessionsBucket)

		// Drop state of a previous global session of the same owner
		prefix := ownerPrefix(global)
		c := bucket.Cursor()
		var stale [][]byte
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			storedGlobal, _, _, err := decodeSessionValue(v)
			if err != nil {
				return err
			}
			if storedGlobal != global.ID {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}

		key := sessionKey(global, id.LocalSessionID)
		if data := bucket.Get(key); data != nil {
			storedGlobal, seq, _, err := decodeSessionValue(data)
			if err != nil {
				return err
			}
			if storedGlobal == global.ID && seq >= id.SequenceNumber {
				return putLastApplied(tx, logIndex)
			}
		}
		if err := bucket.Put(key, encodeSessionValue(global.ID, id.SequenceNumber, logIndex)); err != nil {
			return err
		}
		return putLastApplied(tx, logIndex)
	})
}

func (b *BoltTracker) LastAppliedIndex() (uint64, error) {
	var idx uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(lastAppliedKey)
		if data != nil {
			idx = bytesToUint64(data)
		}
		return nil
	})
	return idx, err
}

// Close closes the storage connection
func (b *BoltTracker) Close() error {
	return b.conn.Close()
}

func putLastApplied(tx *bbolt.Tx, logIndex uint64) error {
	bucket := tx.Bucket(metadataBucket)
	if data := bucket.Get(lastAppliedKey); data != nil && bytesToUint64(data) >= logIndex {
		return nil
	}
	return bucket.Put(lastAppliedKey, uint64ToBytes(logIndex))
}

func ownerPrefix(global GlobalSession) []byte {
	return append([]byte(global.Owner), 0)
}

func sessionKey(global GlobalSession, localSessionID uint64) []byte {
	return append(ownerPrefix(global), uint64ToBytes(localSessionID)...)
}

func encodeSessionValue(global uuid.UUID, seq, logIndex uint64) []byte {
	v := make([]byte, sessionValueSize)
	copy(v, global[:])
	binary.BigEndian.PutUint64(v[16:], seq)
	binary.BigEndian.PutUint64(v[24:], logIndex)
	return v
}

func decodeSessionValue(v []byte) (uuid.UUID, uint64, uint64, error) {
	if len(v) != sessionValueSize {
		return uuid.Nil, 0, 0, fmt.Errorf("corrupt session value of %d bytes", len(v))
	}
	var id uuid.UUID
	copy(id[:], v[:16])
	return id, binary.BigEndian.Uint64(v[16:]), binary.BigEndian.Uint64(v[24:]), nil
}

// Helper functions for uint64 <-> []byte conversion
func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
