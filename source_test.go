package zipflow

import (
	"bytes"
	"context"
	"io"
	"testing"
)

func TestBytesSourceReadAt(t *testing.T) {
	src := NewBytesSource([]byte("0123456789"))
	if src.Length() != 10 {
		t.Fatalf("Length() = %d, want 10", src.Length())
	}
	buf := make([]byte, 4)
	n, err := src.ReadAtContext(context.Background(), buf, 3)
	if err != nil {
		t.Fatalf("ReadAtContext: %v", err)
	}
	if n != 4 || string(buf) != "3456" {
		t.Errorf("got %q, n=%d", buf, n)
	}

	buf2 := make([]byte, 4)
	n2, err := src.ReadAtContext(context.Background(), buf2, 8)
	if err != io.EOF {
		t.Errorf("expected io.EOF reading past end, got %v", err)
	}
	if n2 != 2 || string(buf2[:n2]) != "89" {
		t.Errorf("got %q, n=%d", buf2[:n2], n2)
	}
}

func TestCombinedSource(t *testing.T) {
	a := NewBytesSource([]byte("AAAA"))
	b := NewBytesSource([]byte("BBBBBB"))
	c := NewBytesSource([]byte("CC"))
	combined := NewCombinedSource(a, b, c)

	if combined.Length() != 12 {
		t.Fatalf("Length() = %d, want 12", combined.Length())
	}

	for _, tt := range []struct {
		off  int64
		n    int
		want string
	}{
		{0, 4, "AAAA"},
		{2, 4, "AABB"},
		{4, 6, "BBBBBB"},
		{9, 3, "BCC"},
		{10, 2, "CC"},
	} {
		buf := make([]byte, tt.n)
		n, err := combined.ReadAtContext(context.Background(), buf, tt.off)
		if err != nil && err != io.EOF {
			t.Fatalf("ReadAtContext(off=%d): %v", tt.off, err)
		}
		if string(buf[:n]) != tt.want {
			t.Errorf("ReadAtContext(off=%d) = %q, want %q", tt.off, buf[:n], tt.want)
		}
	}
}

func TestCombinedSourceSkipsEmptyParts(t *testing.T) {
	combined := NewCombinedSource(NewBytesSource(nil), NewBytesSource([]byte("X")), NewBytesSource(nil))
	if combined.Length() != 1 {
		t.Fatalf("Length() = %d, want 1", combined.Length())
	}
	buf := make([]byte, 1)
	if _, err := combined.ReadAtContext(context.Background(), buf, 0); err != nil {
		t.Fatalf("ReadAtContext: %v", err)
	}
	if string(buf) != "X" {
		t.Errorf("got %q", buf)
	}
}

func TestCachedSource(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 1000)
	base := NewBytesSource(data)
	cached, err := newCachedSource(base, 37, 4)
	if err != nil {
		t.Fatalf("newCachedSource: %v", err)
	}

	for _, off := range []int64{0, 5, 100, 9995, 50} {
		n := 20
		if off+int64(n) > int64(len(data)) {
			n = len(data) - int(off)
		}
		buf := make([]byte, n)
		if _, err := cached.ReadAtContext(context.Background(), buf, off); err != nil {
			t.Fatalf("ReadAtContext(off=%d): %v", off, err)
		}
		if !bytes.Equal(buf, data[off:int(off)+n]) {
			t.Errorf("ReadAtContext(off=%d) mismatch", off)
		}
	}
}

func TestFileSourceOverBytesReaderAt(t *testing.T) {
	data := []byte("the quick brown fox")
	fs := NewFileSource(bytes.NewReader(data), int64(len(data)))
	buf := make([]byte, 5)
	if _, err := fs.ReadAtContext(context.Background(), buf, 4); err != nil {
		t.Fatalf("ReadAtContext: %v", err)
	}
	if string(buf) != "quick" {
		t.Errorf("got %q", buf)
	}
}
