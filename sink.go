package zipflow

import "io"

// Sink is the byte-sink contract a Writer streams an archive into (§6).
// Flush must push any internally-buffered bytes out before Writer.Close
// returns; zipflow never calls Close on a Sink it did not open itself --
// that remains caller-driven.
type Sink interface {
	io.Writer
	Flush() error
}

// SeekableSink is the optional half of the contract: a Sink that can also
// rewind to patch a local header's size/CRC fields once an entry is sealed.
// A Writer detects this via a type assertion; a Sink that only implements
// Sink operates in no-patch mode (§4.5 "Seek requirement").
type SeekableSink interface {
	Sink
	// SeekFromStart repositions the sink's write cursor to an absolute
	// offset from the beginning of the archive. Implementations must
	// support seeking both backward (to patch a header) and forward again
	// (to resume appending) without corrupting already-written bytes.
	SeekFromStart(offset int64) error
}

// NewSink adapts an arbitrary io.Writer into a Sink. If w already
// implements Flush() error that implementation is used, otherwise Flush is
// a no-op (appropriate for sinks like bytes.Buffer or a raw os.File, which
// don't buffer internally). If w also implements io.Seeker, the returned
// value implements SeekableSink too.
func NewSink(w io.Writer) Sink {
	seeker, isSeeker := w.(io.Seeker)
	flusher, isFlusher := w.(interface{ Flush() error })
	switch {
	case isSeeker && isFlusher:
		return &seekFlushSink{w: w, seeker: seeker, flush: flusher.Flush}
	case isSeeker:
		return &seekFlushSink{w: w, seeker: seeker, flush: func() error { return nil }}
	case isFlusher:
		return &flushSink{w: w, flush: flusher.Flush}
	default:
		return &flushSink{w: w, flush: func() error { return nil }}
	}
}

type flushSink struct {
	w     io.Writer
	flush func() error
}

func (s *flushSink) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *flushSink) Flush() error                 { return s.flush() }

type seekFlushSink struct {
	w      io.Writer
	seeker io.Seeker
	flush  func() error
}

func (s *seekFlushSink) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *seekFlushSink) Flush() error                 { return s.flush() }
func (s *seekFlushSink) SeekFromStart(offset int64) error {
	_, err := s.seeker.Seek(offset, io.SeekStart)
	return err
}

// pipelineSink wraps a Sink with the write-position bookkeeping and
// seek-then-restore semantics the write pipeline needs: it always knows the
// absolute offset the next append will land at (append-only sinks can't
// answer that question themselves), and patchAt lets the pipeline rewrite
// an already-sealed local header without disturbing that offset.
type pipelineSink struct {
	sink     Sink
	seekable SeekableSink
	offset   int64
}

func newPipelineSink(sink Sink) *pipelineSink {
	seekable, _ := sink.(SeekableSink)
	return &pipelineSink{sink: sink, seekable: seekable}
}

func (p *pipelineSink) canPatch() bool { return p.seekable != nil }

func (p *pipelineSink) Write(b []byte) (int, error) {
	n, err := p.sink.Write(b)
	p.offset += int64(n)
	return n, err
}

func (p *pipelineSink) Flush() error { return p.sink.Flush() }

func (p *pipelineSink) Pos() int64 { return p.offset }

// patchAt seeks to offset, writes b directly (bypassing the position
// counter, since offset is strictly less than p.offset here), then restores
// the cursor to p.offset so subsequent Writes keep appending where they
// left off. Returns ErrNoPatch if the sink can't seek.
func (p *pipelineSink) patchAt(offset int64, b []byte) error {
	if p.seekable == nil {
		return ErrNoPatch
	}
	if err := p.seekable.SeekFromStart(offset); err != nil {
		return err
	}
	if _, err := p.seekable.Write(b); err != nil {
		return err
	}
	return p.seekable.SeekFromStart(p.offset)
}
