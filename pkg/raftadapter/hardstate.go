package raftadapter

import (
	"fmt"

	"go.etcd.io/bbolt"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

var (
	stateBucket  = []byte("raft")
	hardStateKey = []byte("hardState")
)

// HardStateStore keeps the raft term, vote and commit index across restarts.
type HardStateStore interface {
	Load() (raftpb.HardState, bool, error)
	Save(hs raftpb.HardState) error
}

// BoltHardStateStore is a HardStateStore in a bbolt database.
type BoltHardStateStore struct {
	conn *bbolt.DB
}

func NewBoltHardStateStore(path string) (*BoltHardStateStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open raft state db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create raft state bucket: %w", err)
	}
	return &BoltHardStateStore{conn: db}, nil
}

func (s *BoltHardStateStore) Load() (raftpb.HardState, bool, error) {
	var (
		hs    raftpb.HardState
		found bool
	)
	err := s.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(stateBucket).Get(hardStateKey)
		if data == nil {
			return nil
		}
		found = true
		return hs.Unmarshal(data)
	})
	if err != nil {
		return raftpb.HardState{}, false, fmt.Errorf("failed to load hard state: %w", err)
	}
	return hs, found, nil
}

func (s *BoltHardStateStore) Save(hs raftpb.HardState) error {
	data, err := hs.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal hard state: %w", err)
	}
	return s.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(stateBucket).Put(hardStateKey, data)
	})
}

func (s *BoltHardStateStore) Close() error {
	return s.conn.Close()
}
