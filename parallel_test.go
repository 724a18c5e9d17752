package zipflow

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"testing"
	"time"
)

func TestRunParallelOrderPreservation(t *testing.T) {
	names := []string{"c", "a", "b"}
	payloads := make(map[string][]byte)
	seed := rand.New(rand.NewSource(42))
	for _, n := range names {
		data := make([]byte, 2<<20)
		seed.Read(data)
		payloads[n] = data
	}

	buildEntries := func() []ParallelEntry {
		entries := make([]ParallelEntry, len(names))
		for i, n := range names {
			n := n
			entries[i] = ParallelEntry{
				Name: n,
				Open: func() (io.Reader, error) {
					return bytes.NewReader(payloads[n]), nil
				},
				Method: Deflate,
				Level:  1,
			}
		}
		return entries
	}

	parallelSink := NewMemorySink(0)
	if err := RunParallel(context.Background(), parallelSink, WriterOptions{}, buildEntries(), BalancedParallel); err != nil {
		t.Fatalf("RunParallel: %v", err)
	}

	sequentialSink := NewMemorySink(0)
	w := NewWriter(sequentialSink, WriterOptions{})
	for _, n := range names {
		if err := w.StartEntry(n, time.Time{}, Deflate, 1, nil); err != nil {
			t.Fatalf("StartEntry: %v", err)
		}
		if _, err := w.Write(payloads[n]); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := w.FinishEntry(); err != nil {
			t.Fatalf("FinishEntry: %v", err)
		}
	}
	if _, err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenReader(context.Background(), parallelSink.Source(), ReaderOptions{})
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	got := make([]string, len(r.Entries()))
	for i, e := range r.Entries() {
		got[i] = e.Name
	}
	for i, name := range names {
		if got[i] != name {
			t.Errorf("central directory order[%d] = %q, want %q", i, got[i], name)
		}
	}

	if !bytes.Equal(parallelSink.Bytes(), sequentialSink.Bytes()) {
		t.Error("parallel archive is not bitwise-identical to sequential archive with the same inputs")
	}
}

func TestRunParallelRejectsZstd(t *testing.T) {
	entries := []ParallelEntry{{
		Name:   "a",
		Open:   func() (io.Reader, error) { return bytes.NewReader(nil), nil },
		Method: Zstd,
	}}
	if err := RunParallel(context.Background(), NewMemorySink(0), WriterOptions{}, entries, BalancedParallel); err == nil {
		t.Error("expected error for Zstd in parallel path")
	}
}

func TestRunParallelPropagatesTaskError(t *testing.T) {
	boom := io.ErrClosedPipe
	entries := []ParallelEntry{{
		Name:   "a",
		Open:   func() (io.Reader, error) { return nil, boom },
		Method: Store,
	}}
	if err := RunParallel(context.Background(), NewMemorySink(0), WriterOptions{}, entries, BalancedParallel); err != boom {
		t.Errorf("RunParallel error = %v, want %v", err, boom)
	}
}
