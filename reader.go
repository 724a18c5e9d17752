package zipflow

import (
	"context"
	"io"
	"time"
)

const maxEOCDWindow = directoryEndLen + uint16max

// Reader parses a complete archive's central directory and serves
// per-entry streaming reads (§4.6). It does not require a seekable
// io.Reader -- anything satisfying Source works, including a range-backed
// object-store adapter.
type Reader struct {
	src     Source
	logger  Logger
	entries []Entry
	byName  map[string]int

	// Warnings accumulates non-fatal issues found while parsing the central
	// directory -- currently just duplicate names (first occurrence wins).
	Warnings []error
}

// ReaderOptions configures OpenReader.
type ReaderOptions struct {
	// Logger receives the same diagnostic events appended to Warnings, as
	// they're discovered.
	Logger Logger

	// BufferSize, when positive, wraps src in a cachedSource windowing
	// reads into BufferSize-aligned chunks kept in a small LRU -- useful
	// when src is a range-backed (object store) adapter where each
	// ReadAtContext call is a network round trip and the Reader's own
	// access pattern (central directory parse, then per-entry streaming)
	// otherwise issues many small overlapping requests. Zero leaves src
	// untouched, matching a local-file or in-memory Source where the
	// extra layer buys nothing.
	BufferSize int
}

// OpenReader scans src backward for the EOCD, resolves ZIP64 if present,
// and parses the central directory.
func OpenReader(ctx context.Context, src Source, opts ReaderOptions) (*Reader, error) {
	if opts.BufferSize > 0 {
		cached, err := newCachedSource(src, int64(opts.BufferSize), 32)
		if err != nil {
			return nil, err
		}
		src = cached
	}
	r := &Reader{
		src:    src,
		logger: logger(opts.Logger),
		byName: make(map[string]int),
	}
	eocdOff, eocd, z64, err := findEndOfCentralDirectory(ctx, src)
	if err != nil {
		return nil, err
	}

	entries := uint64(eocd.TotalEntries)
	cdSize := uint64(eocd.DirectorySize)
	cdOffset := uint64(eocd.DirectoryOffset)
	if z64 != nil {
		entries = z64.Entries
		cdSize = z64.Size
		cdOffset = z64.Offset
	}
	_ = eocdOff

	if cdSize > uint64(src.Length()) {
		return nil, formatErrorf("central directory", "declared size %d exceeds archive length %d", cdSize, src.Length())
	}

	buf := make([]byte, cdSize)
	if cdSize > 0 {
		if _, err := io.ReadFull(newSourceReader(ctx, src, int64(cdOffset)), buf); err != nil {
			return nil, formatErrorf("central directory", "reading %d bytes at offset %d: %v", cdSize, cdOffset, err)
		}
	}

	if err := r.parseCentralDirectory(buf, int(entries)); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) parseCentralDirectory(buf []byte, expectedEntries int) error {
	r.entries = make([]Entry, 0, expectedEntries)
	for len(buf) > 0 {
		h, err := parseCentralHeaderFixed(buf)
		if err != nil {
			return err
		}
		rest := buf[directoryHeaderLen:]
		if len(rest) < int(h.NameLen)+int(h.ExtraLen)+int(h.CommentLen) {
			return formatErrorf("central directory header", "truncated name/extra/comment")
		}
		name := string(rest[:h.NameLen])
		extra := rest[h.NameLen : h.NameLen+h.ExtraLen]
		buf = rest[int(h.NameLen)+int(h.ExtraLen)+int(h.CommentLen):]

		z, ae, err := parseExtraFields(extra, h.CompressedSize, h.UncompressedSize, h.LocalHeaderOffset)
		if err != nil {
			return err
		}

		e := Entry{
			Name:              name,
			Method:            h.Method,
			Modified:          timeFromMsDosTime(h.ModifiedDate, h.ModifiedTime, time.UTC),
			CRC32:             h.CRC32,
			CompressedSize:    uint64(h.CompressedSize),
			UncompressedSize:  uint64(h.UncompressedSize),
			LocalHeaderOffset: uint64(h.LocalHeaderOffset),
			ExternalAttrs:     h.ExternalAttrs,
		}
		if z != nil {
			if z.HasUncompressedSize {
				e.UncompressedSize = z.UncompressedSize
			}
			if z.HasCompressedSize {
				e.CompressedSize = z.CompressedSize
			}
			if z.HasLocalHeaderOffset {
				e.LocalHeaderOffset = z.LocalHeaderOffset
			}
		}
		if h.Flags&flagEncrypted != 0 {
			e.Encrypted = true
		}
		if ae != nil {
			e.Method = ae.ActualMethod
			e.Encrypted = true
		}
		e.zip64 = e.isZip64()

		idx := len(r.entries)
		r.entries = append(r.entries, e)
		if _, dup := r.byName[name]; dup {
			warn := &DuplicateNameError{Name: name}
			r.Warnings = append(r.Warnings, warn)
			r.logger.Printf("%v", warn)
			continue
		}
		r.byName[name] = idx
	}
	return nil
}

// Entries returns the archive's entries in central-directory order.
func (r *Reader) Entries() []Entry { return r.entries }

// Lookup returns the entry named name and true, or the zero Entry and false.
// When the central directory contains duplicates, the first occurrence
// wins (see Warnings).
func (r *Reader) Lookup(name string) (Entry, bool) {
	idx, ok := r.byName[name]
	if !ok {
		return Entry{}, false
	}
	return r.entries[idx], true
}

// Open returns a streaming, decompressing reader for entry e. The caller
// must read the stream to EOF to observe a checksum mismatch: per §4.6,
// CRC verification happens on the terminating read, after every byte of
// plaintext has already been produced.
func (r *Reader) Open(ctx context.Context, e Entry, password string) (io.ReadCloser, error) {
	local, nameLen, extraLen, err := r.readLocalHeader(ctx, e.LocalHeaderOffset)
	if err != nil {
		return nil, err
	}
	contentOffset := e.LocalHeaderOffset + fileHeaderLen + uint64(nameLen) + uint64(extraLen)
	_ = local

	var src io.Reader = newSourceReader(ctx, r.src, int64(contentOffset))
	src = io.LimitReader(src, int64(e.CompressedSize))

	if e.Encrypted {
		if password == "" {
			return nil, &CapabilityError{Op: "Open", Err: ErrBadPassword}
		}
		dec, err := newEntryDecryptor(password, src, e.CompressedSize)
		if err != nil {
			return nil, err
		}
		src = dec
	}

	decomp, err := newDecompressor(e.Method, src)
	if err != nil {
		return nil, err
	}

	return &entryReader{
		dec:          decomp,
		crc:          &entryCRC{},
		want:         e.CRC32,
		skipCRC:      e.Encrypted,
		uncompressed: e.UncompressedSize,
	}, nil
}

func (r *Reader) readLocalHeader(ctx context.Context, offset uint64) (*localHeader, uint16, uint16, error) {
	buf := make([]byte, fileHeaderLen)
	if _, err := io.ReadFull(newSourceReader(ctx, r.src, int64(offset)), buf); err != nil {
		return nil, 0, 0, formatErrorf("local file header", "reading at offset %d: %v", offset, err)
	}
	h, err := parseLocalHeader(buf)
	if err != nil {
		return nil, 0, 0, err
	}
	return h, h.NameLen, h.ExtraLen, nil
}

// entryReader wraps a decompressor with CRC verification of the decoded
// bytes, surfacing ErrChecksum on the read that first observes EOF with a
// mismatching running CRC.
type entryReader struct {
	dec          decompressor
	crc          *entryCRC
	want         uint32
	skipCRC      bool // AE-2 entries carry a zeroed CRC on the wire; the HMAC tag is the integrity check instead
	uncompressed uint64
	read         uint64
	checked      bool
}

func (er *entryReader) Read(p []byte) (int, error) {
	n, err := er.dec.Read(p)
	if n > 0 {
		er.crc.Write(p[:n])
		er.read += uint64(n)
	}
	if err == io.EOF && !er.checked {
		er.checked = true
		if er.read != er.uncompressed || (!er.skipCRC && er.crc.Sum32() != er.want) {
			return n, ErrChecksum
		}
	}
	return n, err
}

func (er *entryReader) Close() error { return er.dec.Close() }

// findEndOfCentralDirectory scans backward from the end of src for the
// EOCD signature within a window of up to 65,557 bytes (22 + max comment),
// then resolves the ZIP64 locator/record when the classic record's entry
// count or directory offset is the 0xFFFF/0xFFFFFFFF sentinel.
func findEndOfCentralDirectory(ctx context.Context, src Source) (int64, *endOfCentralDirectory, *zip64End, error) {
	length := src.Length()
	windowSize := int64(maxEOCDWindow)
	if windowSize > length {
		windowSize = length
	}
	windowStart := length - windowSize
	window := make([]byte, windowSize)
	if _, err := io.ReadFull(newSourceReader(ctx, src, windowStart), window); err != nil {
		return 0, nil, nil, formatErrorf("end of central directory", "reading tail window: %v", err)
	}

	sigPos := -1
	for i := len(window) - directoryEndLen; i >= 0; i-- {
		if window[i] == 0x50 && window[i+1] == 0x4b && window[i+2] == 0x05 && window[i+3] == 0x06 {
			sigPos = i
			break
		}
	}
	if sigPos < 0 {
		return 0, nil, nil, formatErrorf("end of central directory", "signature not found in trailing %d bytes", windowSize)
	}
	eocdOffset := windowStart + int64(sigPos)

	eocd, err := parseEndOfCentralDirectory(window[sigPos:])
	if err != nil {
		return 0, nil, nil, err
	}

	if eocd.TotalEntries != uint16max && eocd.DirectoryOffset != uint32max {
		return eocdOffset, eocd, nil, nil
	}

	locOffset := eocdOffset - directory64LocLen
	if locOffset < 0 {
		return 0, nil, nil, formatErrorf("zip64 locator", "would start before beginning of archive")
	}
	locBuf := make([]byte, directory64LocLen)
	if _, err := io.ReadFull(newSourceReader(ctx, src, locOffset), locBuf); err != nil {
		return 0, nil, nil, formatErrorf("zip64 locator", "reading at offset %d: %v", locOffset, err)
	}
	loc, err := parseZip64Locator(locBuf)
	if err != nil {
		return 0, nil, nil, err
	}

	endBuf := make([]byte, directory64EndLen)
	if _, err := io.ReadFull(newSourceReader(ctx, src, int64(loc.EOCDOffset)), endBuf); err != nil {
		return 0, nil, nil, formatErrorf("zip64 end of central directory", "reading at offset %d: %v", loc.EOCDOffset, err)
	}
	z64, err := parseZip64End(endBuf)
	if err != nil {
		return 0, nil, nil, err
	}
	return eocdOffset, eocd, z64, nil
}

// sourceReader adapts a Source plus a fixed offset and context into a
// sequential io.Reader, for call sites (EOCD scan, local header parse,
// central directory slurp) that just want the next N bytes.
type sourceReader struct {
	ctx context.Context
	src Source
	off int64
}

func newSourceReader(ctx context.Context, src Source, off int64) *sourceReader {
	return &sourceReader{ctx: ctx, src: src, off: off}
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.src.ReadAtContext(s.ctx, p, s.off)
	s.off += int64(n)
	return n, err
}
