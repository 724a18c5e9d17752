package zipflow

import (
	"bytes"
	"io"
	"testing"
)

func TestCompressors(t *testing.T) {
	tests := []struct {
		name   string
		method uint16
		level  int
	}{
		{"store", Store, 0},
		{"deflate-default", Deflate, 0},
		{"deflate-best", Deflate, 9},
		{"zstd-default", Zstd, 0},
		{"zstd-fast", Zstd, 1},
	}
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 1000)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			comp, err := newCompressor(tt.method, tt.level, &buf)
			if err != nil {
				t.Fatalf("newCompressor: %v", err)
			}
			if _, err := comp.Write(data); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if err := comp.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			decomp, err := newDecompressor(tt.method, bytes.NewReader(buf.Bytes()))
			if err != nil {
				t.Fatalf("newDecompressor: %v", err)
			}
			defer decomp.Close()
			got, err := io.ReadAll(decomp)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
			}
			if tt.method == Store && buf.Len() != len(data) {
				t.Errorf("store compressed size = %d, want %d", buf.Len(), len(data))
			}
		})
	}
}

func TestNewCompressorUnsupportedMethod(t *testing.T) {
	var buf bytes.Buffer
	if _, err := newCompressor(12345, 0, &buf); err != ErrUnsupportedMethod {
		t.Errorf("newCompressor(unsupported) = %v, want ErrUnsupportedMethod", err)
	}
	if _, err := newDecompressor(12345, &buf); err != ErrUnsupportedMethod {
		t.Errorf("newDecompressor(unsupported) = %v, want ErrUnsupportedMethod", err)
	}
}

func TestNewCompressorDeflateLevelOutOfRange(t *testing.T) {
	var buf bytes.Buffer
	if _, err := newCompressor(Deflate, 99, &buf); err == nil {
		t.Error("expected error for out-of-range deflate level")
	}
}
