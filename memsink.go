package zipflow

import (
	"io"
	"sort"
)

// memSegment is one contiguous run of bytes a MemorySink accepted from a
// single append Write call, at a fixed offset in the sink's logical address
// space. Segments are never copied into a bigger backing array once
// written; a patch (seek-back, small overwrite, seek-forward) mutates a
// segment's bytes in place instead.
type memSegment struct {
	offset int64
	data   []byte
}

// MemorySink is a SeekableSink backed by a list of independently allocated
// segments rather than one growable buffer: the teacher's
// multireadseeker.go composes several io.ReadSeekers into one contiguous
// view without copying, and MemorySink adapts that same idea to the write
// side. An ordinary append Write becomes a new segment (no realloc-and-copy
// of everything written so far); only a patch -- the small seek-back
// rewrite a Writer performs to fill in an entry's CRC/sizes once it's
// sealed -- touches existing bytes, and it does so in place within the one
// segment it falls in, since a Writer never patches across a Write
// boundary. Source() hands back a CombinedSource stitching the segments
// together the same way multireadseeker stitched its parts, so reading an
// archive assembled entirely in memory costs no extra full-archive copy
// beyond what Bytes() materializes on request.
type MemorySink struct {
	segments []memSegment
	length   int64
	pos      int64
}

// NewMemorySink returns an empty MemorySink. segmentHint preallocates the
// segment-index slice's capacity if positive (every append Write becomes a
// segment: a streamed entry's local header alone is two or three writes
// -- fixed fields, name, extra -- its data at least one more, and its
// central directory record two or three, so a good hint is roughly 6x the
// expected entry count); zero is fine and just grows as needed.
func NewMemorySink(segmentHint int) *MemorySink {
	if segmentHint <= 0 {
		return &MemorySink{}
	}
	return &MemorySink{segments: make([]memSegment, 0, segmentHint)}
}

func (m *MemorySink) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if m.pos == m.length {
		data := make([]byte, len(p))
		copy(data, p)
		m.segments = append(m.segments, memSegment{offset: m.pos, data: data})
		m.pos += int64(len(p))
		m.length = m.pos
		return len(p), nil
	}

	remaining := p
	writePos := m.pos
	for len(remaining) > 0 {
		idx := m.segmentContaining(writePos)
		if idx < 0 {
			return len(p) - len(remaining), io.ErrUnexpectedEOF
		}
		seg := &m.segments[idx]
		rel := writePos - seg.offset
		n := copy(seg.data[rel:], remaining)
		remaining = remaining[n:]
		writePos += int64(n)
	}
	m.pos = writePos
	if m.pos > m.length {
		m.length = m.pos
	}
	return len(p), nil
}

// segmentContaining returns the index of the segment holding offset off, or
// -1 if off isn't covered by any segment (a patch that would straddle past
// the last byte ever written, which never happens in practice since a
// Writer only patches bytes it wrote earlier).
func (m *MemorySink) segmentContaining(off int64) int {
	i := sort.Search(len(m.segments), func(i int) bool {
		return m.segments[i].offset+int64(len(m.segments[i].data)) > off
	})
	if i >= len(m.segments) || off < m.segments[i].offset {
		return -1
	}
	return i
}

func (m *MemorySink) Flush() error { return nil }

func (m *MemorySink) SeekFromStart(offset int64) error {
	if offset < 0 || offset > m.length {
		return io.ErrUnexpectedEOF
	}
	m.pos = offset
	return nil
}

// Bytes returns the archive bytes written so far as one contiguous slice,
// concatenating segments in write order. Each call materializes a fresh
// copy; prefer Source for a zero-copy view of an in-progress or finished
// archive.
func (m *MemorySink) Bytes() []byte {
	buf := make([]byte, m.length)
	for _, seg := range m.segments {
		copy(buf[seg.offset:], seg.data)
	}
	return buf
}

// Source returns a zero-copy Source view of the sink's current contents: a
// CombinedSource stitching the segments together in place, rather than the
// single reallocated buffer Bytes() builds.
func (m *MemorySink) Source() Source {
	parts := make([]Source, len(m.segments))
	for i, seg := range m.segments {
		parts[i] = NewBytesSource(seg.data)
	}
	return NewCombinedSource(parts...)
}
