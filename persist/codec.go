package persist

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// encoded is a payload ready to be written.
type encoded struct {
	stored     []byte
	size       int
	compressed bool
}

type codec struct {
	threshold int
	log       *slog.Logger
}

// marshal turns value into JSON, passing json.RawMessage and []byte that
// already hold JSON through untouched.
func marshal(value any) ([]byte, error) {
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("persist: invalid raw JSON payload")
		}
		return v, nil
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("persist: encode: %w", err)
		}
		return b, nil
	}
}

// encode gzips payload when force says so, or when force is nil and the
// payload exceeds the threshold. A compression failure stores the payload
// uncompressed.
func (c codec) encode(payload []byte, force *bool) encoded {
	out := encoded{stored: payload, size: len(payload)}
	want := c.threshold > 0 && len(payload) > c.threshold
	if force != nil {
		want = *force
	}
	if !want {
		return out
	}
	z, err := gzipBytes(payload)
	if err != nil {
		c.log.Warn("persist.compress_failed", "size", len(payload), "err", err)
		return out
	}
	out.stored = z
	out.compressed = true
	return out
}

func (c codec) decode(stored []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return stored, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(stored))
	if err != nil {
		return nil, fmt.Errorf("persist: decompress: %w", err)
	}
	defer zr.Close()
	b, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("persist: decompress: %w", err)
	}
	return b, nil
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
