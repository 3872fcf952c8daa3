package replication

import (
	"bytes"
	"encoding/json"
	"fmt"

	"raftcore/pkg/session"
	"raftcore/pkg/types"
)

// Operation is the unit that is sent to the leader and tracked until it is applied.
type Operation struct {
	Content     []byte                   `json:"content"`
	Session     session.GlobalSession    `json:"session"`
	OperationID session.LocalOperationID `json:"operation_id"`
}

// Equal compares operations by value.
func (o Operation) Equal(other Operation) bool {
	return o.Session == other.Session &&
		o.OperationID == other.OperationID &&
		bytes.Equal(o.Content, other.Content)
}

func (o Operation) String() string {
	return fmt.Sprintf("Operation{session=%s, id=%s, size=%d}", o.Session, o.OperationID, len(o.Content))
}

// NewEntryRequest asks the leader to append an operation to the raft log.
type NewEntryRequest struct {
	From      types.MemberID `json:"from"`
	Operation Operation      `json:"operation"`
}

// Result is the outcome of applying an operation to the state machine.
type Result struct {
	Value []byte
	Err   error
}

func EncodeOperation(op Operation) ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("marshal operation: %w", err)
	}
	return data, nil
}

func DecodeOperation(data []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return Operation{}, fmt.Errorf("unmarshal operation: %w", err)
	}
	return op, nil
}

// OperationCodec stores operations as raft log content.
type OperationCodec struct{}

func (OperationCodec) Marshal(content any) ([]byte, error) {
	switch op := content.(type) {
	case Operation:
		return EncodeOperation(op)
	case *Operation:
		return EncodeOperation(*op)
	default:
		return nil, fmt.Errorf("operation codec: unsupported content %T", content)
	}
}

func (OperationCodec) Unmarshal(data []byte) (any, error) {
	return DecodeOperation(data)
}
