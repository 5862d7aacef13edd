package compression

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"", TypeNone, false},
		{"none", TypeNone, false},
		{"gzip", TypeGzip, false},
		{"GZIP", TypeGzip, false},
		{" gzip ", TypeGzip, false},
		{"zstd", TypeNone, true},
		{"brotli", TypeNone, true},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseType(%q) = %v, expected %v", tt.in, got, tt.want)
		}
	}
}

func TestContentEncoding(t *testing.T) {
	if got := TypeGzip.ContentEncoding(); got != "gzip" {
		t.Errorf("gzip ContentEncoding = %q", got)
	}
	if got := TypeNone.ContentEncoding(); got != "" {
		t.Errorf("none ContentEncoding = %q, expected empty", got)
	}
}

func TestCompressNoneIsIdentity(t *testing.T) {
	data := []byte(`{"api_key":"k","batch":[]}`)
	out, err := Compress(data, TypeNone)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("TypeNone modified the payload")
	}
}

func TestCompressGzipRoundTrip(t *testing.T) {
	data := []byte(strings.Repeat(`{"uuid":"0191e2b4","event":"pageview"},`, 200))

	compressed, err := Compress(data, TypeGzip)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(compressed) >= len(data) {
		t.Errorf("gzip did not shrink repetitive payload: %d >= %d", len(compressed), len(data))
	}

	restored, err := Decompress(compressed, TypeGzip)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(restored, data) {
		t.Error("round trip mismatch")
	}
}

func TestCompressReusesPooledWriters(t *testing.T) {
	// Back-to-back compressions must stay independent even though writers
	// come from a pool.
	first, err := Compress([]byte("first payload"), TypeGzip)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	second, err := Compress([]byte("second payload"), TypeGzip)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	a, err := Decompress(first, TypeGzip)
	if err != nil {
		t.Fatalf("Decompress first: %v", err)
	}
	b, err := Decompress(second, TypeGzip)
	if err != nil {
		t.Fatalf("Decompress second: %v", err)
	}
	if string(a) != "first payload" || string(b) != "second payload" {
		t.Errorf("pooled writers leaked state: %q / %q", a, b)
	}
}

func TestDecompressGarbage(t *testing.T) {
	if _, err := Decompress([]byte("definitely not gzip"), TypeGzip); err == nil {
		t.Error("expected error for invalid gzip stream")
	}
}

func TestUnsupportedType(t *testing.T) {
	if _, err := Compress([]byte("x"), Type("zstd")); err == nil {
		t.Error("expected error for unsupported compress type")
	}
	if _, err := Decompress([]byte("x"), Type("zstd")); err == nil {
		t.Error("expected error for unsupported decompress type")
	}
}
