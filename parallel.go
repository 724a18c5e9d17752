package zipflow

import (
	"bytes"
	"context"
	"io"
	"time"

	"golang.org/x/sync/semaphore"
)

// ParallelEntry is one input to a RunParallel call: Open is called once,
// from within a worker goroutine, to obtain the entry's uncompressed bytes.
type ParallelEntry struct {
	Name     string
	Modified time.Time
	Open     func() (io.Reader, error)
	Method   uint16
	Level    int
	Options  *EntryOptions
}

// ParallelConfig bounds a RunParallel call: at most MaxConcurrent
// compression tasks in flight, each capped at TaskBudget bytes of
// compressed output held in memory.
type ParallelConfig struct {
	MaxConcurrent int
	TaskBudget    int64
}

// Presets from §4.8.
var (
	ConservativeParallel = ParallelConfig{MaxConcurrent: 2, TaskBudget: 8 << 20}
	BalancedParallel     = ParallelConfig{MaxConcurrent: 4, TaskBudget: 16 << 20}
	AggressiveParallel   = ParallelConfig{MaxConcurrent: 8, TaskBudget: 32 << 20}
)

// slotResult is what a compression task hands back to the single-writer
// drain loop: either the compressed bytes (capped at TaskBudget) or the
// error that killed the task.
type slotResult struct {
	entry            *ParallelEntry
	data             []byte
	crc32            uint32
	uncompressedSize uint64
	err              error
}

// RunParallel compresses entries concurrently (bounded by cfg) and writes
// them to sink in input order, matching C5's entry operations bit for bit
// against a sequential run with the same inputs: per §4.8, only Store and
// Deflate are permitted, compression happens off the single writer
// goroutine, and a task's bytes are never retained once its slot drains.
func RunParallel(ctx context.Context, sink Sink, opts WriterOptions, entries []ParallelEntry, cfg ParallelConfig) error {
	for _, e := range entries {
		if e.Method != Store && e.Method != Deflate {
			return &CapabilityError{Op: "RunParallel", Err: ErrUnsupportedMethod}
		}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg = BalancedParallel
	}

	sem := semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	slots := make([]chan slotResult, len(entries))
	for i := range slots {
		slots[i] = make(chan slotResult, 1)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := range entries {
		i := i
		e := &entries[i]
		go func() {
			if err := sem.Acquire(taskCtx, 1); err != nil {
				slots[i] <- slotResult{entry: e, err: err}
				return
			}
			defer sem.Release(1)

			src, err := e.Open()
			if err != nil {
				slots[i] <- slotResult{entry: e, err: err}
				return
			}
			if c, ok := src.(io.Closer); ok {
				defer c.Close()
			}

			var buf bytes.Buffer
			limited := &limitWriter{w: &buf, limit: cfg.TaskBudget}
			comp, err := newCompressor(e.Method, e.Level, limited)
			if err != nil {
				slots[i] <- slotResult{entry: e, err: err}
				return
			}
			crc := &entryCRC{}
			n, err := io.Copy(comp, io.TeeReader(src, crc))
			if err != nil {
				slots[i] <- slotResult{entry: e, err: err}
				return
			}
			if err := comp.Close(); err != nil {
				slots[i] <- slotResult{entry: e, err: err}
				return
			}
			slots[i] <- slotResult{entry: e, data: buf.Bytes(), crc32: crc.Sum32(), uncompressedSize: uint64(n)}
		}()
	}

	w := NewWriter(sink, opts)
	for _, ch := range slots {
		res := <-ch
		if res.err != nil {
			cancel()
			return res.err
		}
		if err := drainSlot(w, res); err != nil {
			cancel()
			return err
		}
	}
	_, err := w.Close()
	return err
}

// drainSlot writes one already-compressed slot as an opaque passthrough:
// the bytes are compressed already, so they must not go through a
// compressor again. Since CRC is over
// uncompressed bytes, a ParallelEntry cannot reuse Writer.Write for this --
// Writer always computes CRC over what it's handed, so the compressed
// slot bytes are instead spliced directly into the sink via a dedicated
// raw-entry path that mirrors StartEntry/FinishEntry's header/footer logic
// but skips the compressor stage entirely.
func drainSlot(w *Writer, res slotResult) error {
	e := res.entry
	opts := e.Options
	if opts == nil {
		opts = &EntryOptions{}
	}
	return w.writeRawEntry(e.Name, e.Modified, e.Method, opts, res.data, res.crc32, res.uncompressedSize)
}

// limitWriter caps the number of bytes written to w, returning an error
// once the per-task compressed-size budget is exceeded rather than growing
// without bound -- the in-memory half of the "peak working memory bounded
// by max_concurrent * per_task_budget" guarantee.
type limitWriter struct {
	w     io.Writer
	limit int64
	n     int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.limit > 0 && l.n+int64(len(p)) > l.limit {
		return 0, formatErrorf("parallel compression task", "exceeded per-task budget of %d bytes", l.limit)
	}
	n, err := l.w.Write(p)
	l.n += int64(n)
	return n, err
}
