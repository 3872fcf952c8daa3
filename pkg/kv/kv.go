package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"raftcore/pkg/replication"
)

type Op string

const (
	PutOp    Op = "put"
	DeleteOp Op = "delete"
)

var (
	ErrUnknownOp  = errors.New("unknown command operation")
	ErrInvalidCmd = errors.New("invalid command")
)

// Command is the content of a replicated operation.
type Command struct {
	Op    Op     `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

func (c Command) Validate() error {
	switch c.Op {
	case PutOp:
		if c.Key == "" || c.Value == "" {
			return fmt.Errorf("%w: empty key or value", ErrInvalidCmd)
		}
	case DeleteOp:
		if c.Key == "" {
			return fmt.Errorf("%w: empty key", ErrInvalidCmd)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, c.Op)
	}
	return nil
}

func (c Command) Encode() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// Outcome is the value of a command's Result.
type Outcome struct {
	Previous string `json:"previous,omitempty"`
	Existed  bool   `json:"existed"`
	Index    uint64 `json:"index"`
}

// StateMachine is an in-memory key-value map driven by committed commands.
type StateMachine struct {
	mu        sync.RWMutex
	data      map[string]string
	lastIndex uint64
}

func NewStateMachine() *StateMachine {
	return &StateMachine{data: make(map[string]string)}
}

var _ replication.StateMachine = (*StateMachine)(nil)

func (s *StateMachine) ApplyCommand(content []byte, index uint64, callback func(replication.Result)) {
	var cmd Command
	if err := json.Unmarshal(content, &cmd); err != nil {
		callback(replication.Result{Err: fmt.Errorf("%w: %w", ErrInvalidCmd, err)})
		return
	}
	if err := cmd.Validate(); err != nil {
		callback(replication.Result{Err: err})
		return
	}

	s.mu.Lock()
	prev, existed := s.data[cmd.Key]
	switch cmd.Op {
	case PutOp:
		s.data[cmd.Key] = cmd.Value
	case DeleteOp:
		delete(s.data, cmd.Key)
	}
	s.lastIndex = index
	s.mu.Unlock()

	value, err := json.Marshal(Outcome{Previous: prev, Existed: existed, Index: index})
	callback(replication.Result{Value: value, Err: err})
}

// Get reads the local copy of key.
func (s *StateMachine) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *StateMachine) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex
}
