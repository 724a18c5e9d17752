package zipflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Source is the random-access byte-range contract a Reader parses an
// archive out of (§4.6, §4.7): continuing the teacher's ReaderAt-with-
// context idiom, every read carries a context so a Source backed by an
// object-store range request can honor cancellation.
type Source interface {
	// Length reports the total number of bytes available.
	Length() int64

	// ReadAtContext has the semantics of io.ReaderAt.ReadAt, but takes a
	// context so backends that issue network requests can cancel them.
	ReadAtContext(ctx context.Context, p []byte, off int64) (n int, err error)
}

// prefetchHint is an optional Source capability: a backend that benefits
// from knowing the caller's next likely read (e.g. to widen an HTTP range
// request) can implement this. Reader itself never calls it; cachedSource
// forwards a hint it receives to the Source it wraps.
type prefetchHint interface {
	PrefetchHint(off, length int64)
}

// FileSource adapts an *os.File (or anything satisfying the same interface)
// into a Source.
type FileSource struct {
	f    io.ReaderAt
	size int64
}

// NewFileSource wraps f, whose total content length is size.
func NewFileSource(f io.ReaderAt, size int64) *FileSource {
	return &FileSource{f: f, size: size}
}

// OpenFileSource opens name and builds a FileSource from its current size.
func OpenFileSource(name string) (*FileSource, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileSource{f: f, size: fi.Size()}, nil
}

func (s *FileSource) Length() int64 { return s.size }

func (s *FileSource) ReadAtContext(_ context.Context, p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

// BytesSource adapts an in-memory buffer into a Source.
type BytesSource struct {
	b []byte
}

func NewBytesSource(b []byte) *BytesSource { return &BytesSource{b: b} }

func (s *BytesSource) Length() int64 { return int64(len(s.b)) }

func (s *BytesSource) ReadAtContext(_ context.Context, p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(s.b)) {
		return 0, fmt.Errorf("zipflow: ReadAt offset %d out of range [0,%d]", off, len(s.b))
	}
	n := copy(p, s.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// combinedPart is one Source stitched into a CombinedSource, at a given
// offset in the combined address space.
type combinedPart struct {
	offset int64
	src    Source
}

// CombinedSource presents several Sources, each covering its own byte
// range, as a single contiguous Source -- the same binary-search stitching
// the teacher's multiReaderAt did for combining a local-header buffer, file
// content and a synthesized central directory into one ReaderAt. Used when
// an archive's bytes are scattered across backends (a prebuilt local-header
// template plus a separately-fetched content blob, for instance).
type CombinedSource struct {
	parts []combinedPart
	size  int64
}

// NewCombinedSource builds a CombinedSource over parts in order; each part
// occupies [running total, running total + part.Length()) in the combined
// address space.
func NewCombinedSource(parts ...Source) *CombinedSource {
	cs := &CombinedSource{}
	for _, p := range parts {
		length := p.Length()
		if length < 0 {
			panic(fmt.Sprintf("zipflow: source length cannot be negative: %d", length))
		}
		if length == 0 {
			continue
		}
		cs.parts = append(cs.parts, combinedPart{offset: cs.size, src: p})
		cs.size += length
	}
	return cs
}

func (cs *CombinedSource) Length() int64 { return cs.size }

func (cs *CombinedSource) endOffset(partIndex int) int64 {
	if partIndex == len(cs.parts)-1 {
		return cs.size
	}
	return cs.parts[partIndex+1].offset
}

func (cs *CombinedSource) ReadAtContext(ctx context.Context, p []byte, off int64) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off >= cs.size {
		return 0, io.EOF
	}
	firstPart := sort.Search(len(cs.parts), func(i int) bool {
		return cs.endOffset(i) > off
	})
	for i := firstPart; i < len(cs.parts) && len(p) > 0; i++ {
		partOff := off
		if i > firstPart {
			partOff = cs.parts[i].offset
		}
		remaining := cs.endOffset(i) - partOff
		toRead := int64(len(p))
		if toRead > remaining {
			toRead = remaining
		}
		n2, err2 := cs.parts[i].src.ReadAtContext(ctx, p[:toRead], partOff-cs.parts[i].offset)
		n += n2
		if err2 != nil {
			return n, err2
		}
		p = p[n2:]
		off = partOff + int64(n2)
	}
	if len(p) > 0 {
		return n, io.EOF
	}
	return n, nil
}

// cachedSource wraps a Source with an LRU of fixed-size windows, so a
// Reader driving many small ReadAtContext calls against a range-backed
// (object store) Source issues far fewer underlying range requests. Windows
// are keyed by their aligned start offset.
type cachedSource struct {
	src        Source
	windowSize int64
	cache      *lru.Cache[int64, []byte]
}

// newCachedSource wraps src with an LRU holding up to windowCount windows of
// windowSize bytes each.
func newCachedSource(src Source, windowSize int64, windowCount int) (*cachedSource, error) {
	if windowSize <= 0 {
		windowSize = 256 * 1024
	}
	if windowCount <= 0 {
		windowCount = 32
	}
	cache, err := lru.New[int64, []byte](windowCount)
	if err != nil {
		return nil, err
	}
	return &cachedSource{src: src, windowSize: windowSize, cache: cache}, nil
}

func (c *cachedSource) Length() int64 { return c.src.Length() }

func (c *cachedSource) ReadAtContext(ctx context.Context, p []byte, off int64) (n int, err error) {
	for len(p) > 0 {
		windowStart := (off / c.windowSize) * c.windowSize
		window, ok := c.cache.Get(windowStart)
		if !ok {
			windowLen := c.windowSize
			if windowStart+windowLen > c.src.Length() {
				windowLen = c.src.Length() - windowStart
			}
			buf := make([]byte, windowLen)
			if _, err := c.src.ReadAtContext(ctx, buf, windowStart); err != nil && err != io.EOF {
				return n, err
			}
			c.cache.Add(windowStart, buf)
			window = buf
		}
		rel := off - windowStart
		if rel >= int64(len(window)) {
			return n, io.EOF
		}
		copied := copy(p, window[rel:])
		n += copied
		p = p[copied:]
		off += int64(copied)
		if int64(copied) < int64(len(window))-rel {
			break
		}
	}
	return n, nil
}

// PrefetchHint forwards to the wrapped Source when it supports the hint,
// otherwise it's a no-op.
func (c *cachedSource) PrefetchHint(off, length int64) {
	if h, ok := c.src.(prefetchHint); ok {
		h.PrefetchHint(off, length)
	}
}
