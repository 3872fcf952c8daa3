package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	None = "none"
	Gzip = "gzip"
	Zstd = "zstd"
)

var ErrUnknownAlgorithm = errors.New("unknown compression algorithm")

// Codec is the content codec of the raft log.
type Codec interface {
	Marshal(content any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// Wrap returns inner with its payloads compressed by algorithm.
func Wrap(algorithm string, inner Codec) (Codec, error) {
	switch algorithm {
	case "", None:
		return inner, nil
	case Gzip:
		return NewGzipCodec(inner), nil
	case Zstd:
		return NewZstdCodec(inner)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, algorithm)
	}
}

// GzipCodec compresses every payload as a separate gzip stream. Writers are pooled.
type GzipCodec struct {
	inner   Codec
	writers sync.Pool
}

func NewGzipCodec(inner Codec) *GzipCodec {
	return &GzipCodec{inner: inner}
}

func (c *GzipCodec) Marshal(content any) ([]byte, error) {
	data, err := c.inner.Marshal(content)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz, ok := c.writers.Get().(*gzip.Writer)
	if ok {
		gz.Reset(&buf)
	} else {
		gz = gzip.NewWriter(&buf)
	}
	defer c.writers.Put(gz)

	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *GzipCodec) Unmarshal(data []byte) (any, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	defer gz.Close()

	out, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	return c.inner.Unmarshal(out)
}

// ZstdCodec shares one encoder and one decoder between all callers.
type ZstdCodec struct {
	inner Codec
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

func NewZstdCodec(inner Codec) (*ZstdCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &ZstdCodec{inner: inner, enc: enc, dec: dec}, nil
}

func (c *ZstdCodec) Marshal(content any) ([]byte, error) {
	data, err := c.inner.Marshal(content)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(data, nil), nil
}

func (c *ZstdCodec) Unmarshal(data []byte) (any, error) {
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return c.inner.Unmarshal(out)
}

func (c *ZstdCodec) Close() {
	_ = c.enc.Close()
	c.dec.Close()
}
