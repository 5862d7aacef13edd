// Package compression encodes batch request bodies before transport.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Type represents a compression algorithm.
type Type string

const (
	// TypeNone means no compression.
	TypeNone Type = "none"
	// TypeGzip uses gzip compression, the only encoding the ingestion API
	// accepts.
	TypeGzip Type = "gzip"
)

// ParseType parses a compression type string from configuration.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TypeNone, nil
	case "gzip":
		return TypeGzip, nil
	default:
		return TypeNone, fmt.Errorf("unsupported compression type: %s", s)
	}
}

// ContentEncoding returns the HTTP Content-Encoding header value for the
// compression type, empty when no header should be set.
func (t Type) ContentEncoding() string {
	if t == TypeGzip {
		return "gzip"
	}
	return ""
}

// gzipWriters pools encoders; batch sends are frequent enough for allocation
// to show up.
var gzipWriters = sync.Pool{
	New: func() interface{} {
		return gzip.NewWriter(io.Discard)
	},
}

// Compress encodes data with the given type. TypeNone returns data unchanged.
func Compress(data []byte, t Type) ([]byte, error) {
	switch t {
	case TypeNone, "":
		return data, nil
	case TypeGzip:
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}

	var buf bytes.Buffer
	gw := gzipWriters.Get().(*gzip.Writer)
	gw.Reset(&buf)

	if _, err := gw.Write(data); err != nil {
		gzipWriters.Put(gw)
		return nil, fmt.Errorf("failed to write gzip data: %w", err)
	}
	if err := gw.Close(); err != nil {
		gzipWriters.Put(gw)
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	gzipWriters.Put(gw)
	return buf.Bytes(), nil
}

// Decompress reverses Compress. The receiver uses it for compressed
// ingest bodies.
func Decompress(data []byte, t Type) ([]byte, error) {
	switch t {
	case TypeNone, "":
		return data, nil
	case TypeGzip:
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}

	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gr.Close()
	return io.ReadAll(gr)
}
