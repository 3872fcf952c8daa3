package raftlog

import "fmt"

// ContentCodec turns entry content into the payload of an Append record and back.
type ContentCodec interface {
	Marshal(content any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// RawCodec stores []byte content as is.
type RawCodec struct{}

func (RawCodec) Marshal(content any) ([]byte, error) {
	switch c := content.(type) {
	case []byte:
		return c, nil
	case string:
		return []byte(c), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("raw codec: unsupported content %T", content)
	}
}

func (RawCodec) Unmarshal(data []byte) (any, error) {
	return data, nil
}
