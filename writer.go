package zipflow

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"
)

// entryState is the per-entry state machine from §4.5: Idle -> HeaderWritten
// -> Streaming -> Sealed, with Failed as the sink state any error drives it
// to. Idle and Sealed both accept a new StartEntry call.
type entryState int

const (
	stateIdle entryState = iota
	stateHeaderWritten
	stateStreaming
	stateSealed
	stateFailed
	stateFinished
)

// zip64SizeThreshold is the heuristic used at StartEntry to decide whether
// to reserve a ZIP64 extra field placeholder in the local header: without
// a size hint below this threshold, or with a hint at or above it, the
// entry might outgrow uint32, and the local header's extra-field length is
// fixed at write time (bytes after it are already committed to the sink by
// the time a later entry is finished) so the placeholder must be reserved
// up front or not at all. This is an explicit choice for the Open Question
// in §9 about unknown-size entries on append-only sinks: see DESIGN.md.
const zip64SizeThreshold = uint32max - (1 << 20)

// WriterOptions configures a Writer. The zero value is valid and selects
// automatic patch-mode detection (patch if the sink is seekable) and a
// no-op Logger.
type WriterOptions struct {
	// Comment is the archive-level comment written into the EOCD record.
	// Must be at most 65535 bytes.
	Comment string

	// ForceNoPatch disables local-header patching even when the sink is
	// seekable. Used to model a writer deliberately configured for
	// append-only/streaming upload semantics (§4.5) regardless of the
	// concrete sink's capability.
	ForceNoPatch bool

	// Logger receives diagnostic events: duplicate names are a read-side
	// concern, but ZIP64 escalation and no-patch fallback are logged here.
	Logger Logger
}

// EntryOptions configures a single StartEntry call.
type EntryOptions struct {
	// Password enables AE-2 encryption for this entry when non-empty.
	Password string

	// SizeHint is the expected uncompressed size, used to adaptively size
	// the flush buffer and to decide whether to reserve a ZIP64 extra
	// field placeholder in the local header. Zero means "unknown".
	SizeHint uint64

	// ExternalAttrs overrides the default external file attributes (Unix
	// permission bits in the high 16 bits). Zero uses 0644/0755-equivalent
	// defaults via SetMode semantics; most callers that care should build
	// the Entry with FileInfoHeader instead and pass its ExternalAttrs.
	ExternalAttrs uint32
}

// Writer implements the streaming write pipeline described in §4.5: one
// entry open at a time, bounded working memory via an adaptively-sized
// flush buffer, and ZIP64 escalation decided per entry and for the archive
// as a whole at Close.
type Writer struct {
	sink   *pipelineSink
	opts   WriterOptions
	logger Logger
	state  entryState
	err    error

	entries []*Entry

	cur *openEntry
}

// openEntry holds everything that's coherent data for exactly one entry's
// lifetime: the compressor/encryptor/CRC it owns are dropped at
// FinishEntry, per the "coherent data, not inheritance" design note.
type openEntry struct {
	name             string
	method           uint16
	encrypted        bool
	headerOffset     int64
	modified         time.Time
	externalAttrs    uint32
	crc              entryCRC
	comp             compressor
	enc              *entryEncryptor
	count            *countingWriter
	buf              *bufio.Writer
	uncompressedSize int64

	zip64Reserved    bool
	zip64ExtraOffset int64 // absolute offset of the 16 data bytes, if reserved
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// NewWriter creates a Writer over sink. If sink also implements
// SeekableSink, local headers are patched on FinishEntry unless
// opts.ForceNoPatch is set.
func NewWriter(sink Sink, opts WriterOptions) *Writer {
	return &Writer{
		sink:   newPipelineSink(sink),
		opts:   opts,
		logger: logger(opts.Logger),
	}
}

func (w *Writer) fail(err error) error {
	w.state = stateFailed
	w.err = err
	return err
}

func (w *Writer) canPatch() bool {
	return w.sink.canPatch() && !w.opts.ForceNoPatch
}

// StartEntry begins a new entry. name must be a UTF-8, NUL-free path of at
// most 65535 bytes; a trailing slash marks a directory (Store is forced,
// and StartEntry seals the directory entry itself, so Write and FinishEntry
// must not be called for it). modified is recorded at 2-second MS-DOS
// resolution.
func (w *Writer) StartEntry(name string, modified time.Time, method uint16, level int, opts *EntryOptions) error {
	if w.state == stateFailed {
		return &CapabilityError{Op: "StartEntry", Err: w.err}
	}
	if w.state == stateHeaderWritten || w.state == stateStreaming {
		return ErrEntryOpen
	}
	if w.state == stateFinished {
		return ErrClosed
	}
	if err := validateName(name); err != nil {
		return w.fail(err)
	}
	if opts == nil {
		opts = &EntryOptions{}
	}

	isDir := len(name) > 0 && name[len(name)-1] == '/'
	if isDir {
		method = Store
	}
	encrypted := opts.Password != "" && !isDir

	flags := uint16(flagUTF8)
	if encrypted {
		flags |= flagEncrypted
	}

	readerVersion := uint16(zipVersion20)
	zip64Reserve := !isDir && (opts.SizeHint == 0 || opts.SizeHint >= zip64SizeThreshold || w.sink.Pos() >= zip64SizeThreshold)
	if zip64Reserve {
		readerVersion = zipVersion45
	}
	if encrypted {
		readerVersion = zipVersion51
	}

	wireMethod := method
	var extra []byte
	var zip64ExtraRelOffset = -1
	if zip64Reserve {
		zip64ExtraRelOffset = len(extra) + 4
		extra = append(extra, encodeLocalZip64Placeholder()...)
	}
	if encrypted {
		wireMethod = aeMethodSentinel
		extra = append(extra, encodeAESExtra(method)...)
	}

	modDate, modTime := timeToMsDosTime(modified)
	headerOffset := w.sink.Pos()

	hdr := make([]byte, fileHeaderLen)
	writeLocalHeader(hdr, &localHeader{
		ReaderVersion:    readerVersion,
		Flags:            flags,
		Method:           wireMethod,
		ModifiedTime:     modTime,
		ModifiedDate:     modDate,
		CRC32:            0,
		CompressedSize:   0,
		UncompressedSize: 0,
		NameLen:          uint16(len(name)),
		ExtraLen:         uint16(len(extra)),
	})
	if _, err := w.sink.Write(hdr); err != nil {
		return w.fail(err)
	}
	if _, err := w.sink.Write([]byte(name)); err != nil {
		return w.fail(err)
	}
	if len(extra) > 0 {
		if _, err := w.sink.Write(extra); err != nil {
			return w.fail(err)
		}
	}

	externalAttrs := opts.ExternalAttrs
	if externalAttrs == 0 {
		e := &Entry{}
		if isDir {
			e.setMode(0755 | os.ModeDir)
		} else {
			e.setMode(0644)
		}
		externalAttrs = e.ExternalAttrs
	}

	oe := &openEntry{
		name:          name,
		method:        method,
		encrypted:     encrypted,
		headerOffset:  headerOffset,
		modified:      modified,
		externalAttrs: externalAttrs,
		zip64Reserved: zip64Reserve,
	}
	if zip64Reserve {
		oe.zip64ExtraOffset = headerOffset + fileHeaderLen + int64(len(name)) + int64(zip64ExtraRelOffset)
	}

	if isDir {
		w.cur = oe
		w.state = stateHeaderWritten
		return w.finishEntryLocked()
	}

	bufSize := adaptiveBufferSize(opts.SizeHint)
	buf := bufio.NewWriterSize(w.sink, bufSize)
	counter := &countingWriter{w: buf}
	var compDst io.Writer = counter
	if encrypted {
		enc, err := newEntryEncryptor(opts.Password, counter)
		if err != nil {
			return w.fail(err)
		}
		oe.enc = enc
		compDst = enc
	}
	oe.count = counter
	comp, err := newCompressor(method, level, compDst)
	if err != nil {
		return w.fail(err)
	}
	oe.comp = comp
	oe.buf = buf

	w.cur = oe
	w.state = stateHeaderWritten
	return nil
}

// Write feeds uncompressed entry bytes through CRC accounting, the chosen
// compressor and (if enabled) AE-2 encryption, buffering compressed output
// before it reaches the sink. Valid once StartEntry has returned for a
// non-directory entry.
func (w *Writer) Write(p []byte) (int, error) {
	if w.state != stateHeaderWritten && w.state != stateStreaming {
		return 0, w.fail(ErrNoEntryOpen)
	}
	oe := w.cur
	if _, err := oe.crc.Write(p); err != nil {
		return 0, w.fail(err)
	}
	n, err := oe.comp.Write(p)
	if err != nil {
		return n, w.fail(err)
	}
	oe.uncompressedSize += int64(len(p))
	w.state = stateStreaming
	return len(p), nil
}

// FinishEntry flushes the compressor and encryptor, patches the local
// header in place when the sink supports it, and appends the entry to the
// in-memory central directory. It transitions the Writer back to a state
// where StartEntry may be called again.
func (w *Writer) FinishEntry() error {
	if w.state != stateHeaderWritten && w.state != stateStreaming {
		return w.fail(ErrNoEntryOpen)
	}
	return w.finishEntryLocked()
}

func (w *Writer) finishEntryLocked() error {
	oe := w.cur
	isDir := len(oe.name) > 0 && oe.name[len(oe.name)-1] == '/'

	var compressedSize int64
	if !isDir {
		if err := oe.comp.Close(); err != nil {
			return w.fail(err)
		}
		if oe.enc != nil {
			if err := oe.enc.Close(); err != nil {
				return w.fail(err)
			}
		}
		if err := oe.buf.Flush(); err != nil {
			return w.fail(err)
		}
		compressedSize = oe.count.n
	}

	crc32 := oe.crc.Sum32()
	if oe.encrypted {
		crc32 = 0
	}

	e := &Entry{
		Name:              oe.name,
		Method:            oe.method,
		Modified:          oe.modified,
		CRC32:             oe.crc.Sum32(),
		CompressedSize:    uint64(compressedSize),
		UncompressedSize:  uint64(oe.uncompressedSize),
		LocalHeaderOffset: uint64(oe.headerOffset),
		ExternalAttrs:     oe.externalAttrs,
		Encrypted:         oe.encrypted,
	}
	e.zip64 = e.isZip64()

	if w.canPatch() {
		if err := w.patchLocalHeader(oe, e, crc32); err != nil {
			return w.fail(err)
		}
	} else {
		w.logger.Printf("zipflow: entry %q sealed in no-patch mode; local header sizes/CRC left zero", oe.name)
	}

	if e.zip64 && !oe.zip64Reserved && w.canPatch() {
		return w.fail(&CapabilityError{Op: "FinishEntry", Err: errZip64NotReserved(oe.name)})
	}

	w.entries = append(w.entries, e)
	w.cur = nil
	w.state = stateSealed
	return nil
}

// patchLocalHeader seeks back to the fixed crc32/sizes fields (and, if a
// placeholder was reserved, the ZIP64 extra field) and writes the real
// values, then restores the sink's cursor to the append position.
func (w *Writer) patchLocalHeader(oe *openEntry, e *Entry, crc32 uint32) error {
	compressed32, uncompressed32 := uint32(e.CompressedSize), uint32(e.UncompressedSize)
	if e.zip64 {
		if !oe.zip64Reserved {
			// Nothing to patch into; FinishEntry surfaces the capability
			// error once this returns.
			return nil
		}
		compressed32, uncompressed32 = uint32max, uint32max
		extra := make([]byte, 16)
		b := writeBuf(extra)
		b.uint64(e.UncompressedSize)
		b.uint64(e.CompressedSize)
		if err := w.sink.patchAt(oe.zip64ExtraOffset, extra); err != nil {
			return err
		}
	}
	fixed := make([]byte, 12)
	b := writeBuf(fixed)
	b.uint32(crc32)
	b.uint32(compressed32)
	b.uint32(uncompressed32)
	return w.sink.patchAt(oe.headerOffset+14, fixed)
}

func errZip64NotReserved(name string) error {
	return fmt.Errorf("entry %q exceeded 4GiB but no ZIP64 placeholder was reserved at StartEntry; "+
		"provide an accurate SizeHint, or one >= the zip64 threshold, to force reservation", name)
}

// adaptiveBufferSize chooses the per-entry flush buffer size from §3's
// working-set rule: 256 KiB when the hint is small or absent, growing
// toward 8 MiB as the hint grows, so a pipeline of many small entries
// doesn't pay for headroom it will never use.
func adaptiveBufferSize(hint uint64) int {
	const min = 256 * 1024
	const max = 8 * 1024 * 1024
	switch {
	case hint == 0:
		return min
	case hint >= max:
		return max
	case hint <= min:
		return min
	default:
		return int(hint)
	}
}

// Close writes the central directory and EOCD (escalating to ZIP64 when
// the entry count or central-directory size/offset overflows), flushes the
// sink, and returns it for the caller to reclaim. Calling Close twice is a
// capability error; the first call's output is unchanged.
func (w *Writer) Close() (Sink, error) {
	if w.state == stateHeaderWritten || w.state == stateStreaming {
		return nil, &CapabilityError{Op: "Close", Err: ErrEntryOpen}
	}
	if w.state == stateFinished {
		return nil, &CapabilityError{Op: "Close", Err: ErrClosed}
	}
	if w.state == stateFailed {
		return nil, &CapabilityError{Op: "Close", Err: w.err}
	}
	if len(w.opts.Comment) > uint16max {
		return nil, w.fail(ErrCommentTooLong)
	}
	if uint64(len(w.entries)) > 1<<32-2 {
		return nil, w.fail(ErrTooManyEntries)
	}

	cdStart := w.sink.Pos()
	cdCounter := &countingWriter{w: w.sink}
	for _, e := range w.entries {
		if err := writeCentralDirectoryEntry(cdCounter, e); err != nil {
			return nil, w.fail(err)
		}
	}
	cdSize := cdCounter.n

	entries := uint64(len(w.entries))
	needZip64EOCD := entries >= uint16max || cdSize >= uint32max || cdStart >= uint32max

	if needZip64EOCD {
		w.logger.Printf("zipflow: escalating to ZIP64 end-of-central-directory (%d entries, %d byte directory)", entries, cdSize)
		buf := make([]byte, directory64EndLen+directory64LocLen)
		writeZip64EndAndLocator(buf, entries, uint64(cdSize), uint64(cdStart))
		if _, err := w.sink.Write(buf); err != nil {
			return nil, w.fail(err)
		}
	}

	recordEntries := uint16(entries)
	recordSize := uint32(cdSize)
	recordOffset := uint32(cdStart)
	if needZip64EOCD {
		recordEntries = uint16max
		recordSize = uint32max
		recordOffset = uint32max
	}

	eocd := make([]byte, directoryEndLen+len(w.opts.Comment))
	writeEndOfCentralDirectory(eocd[:directoryEndLen], recordEntries, recordSize, recordOffset, uint16(len(w.opts.Comment)))
	copy(eocd[directoryEndLen:], w.opts.Comment)
	if _, err := w.sink.Write(eocd); err != nil {
		return nil, w.fail(err)
	}

	if err := w.sink.Flush(); err != nil {
		return nil, w.fail(err)
	}

	w.state = stateFinished
	return w.sink.sink, nil
}

// writeCentralDirectoryEntry encodes one entry's central directory record,
// escalating to a ZIP64 extra field (and 0xFFFFFFFF sentinels) when any of
// its own sizes/offset overflow uint32 -- independent of whether the
// archive as a whole needs a ZIP64 EOCD.
func writeCentralDirectoryEntry(w io.Writer, e *Entry) error {
	var extra []byte
	compressed32, uncompressed32, offset32 := uint32(e.CompressedSize), uint32(e.UncompressedSize), uint32(e.LocalHeaderOffset)
	needC := e.CompressedSize >= uint32max
	needU := e.UncompressedSize >= uint32max
	needO := e.LocalHeaderOffset >= uint32max
	if needC || needU || needO {
		extra = append(extra, encodeZip64Extra(e.UncompressedSize, e.CompressedSize, e.LocalHeaderOffset, needU, needC, needO)...)
		if needC {
			compressed32 = uint32max
		}
		if needU {
			uncompressed32 = uint32max
		}
		if needO {
			offset32 = uint32max
		}
	}

	wireMethod := e.Method
	crc32 := e.CRC32
	if e.Encrypted {
		wireMethod = aeMethodSentinel
		extra = append(extra, encodeAESExtra(e.Method)...)
		crc32 = 0
	}

	readerVersion := uint16(zipVersion20)
	if needC || needU || needO {
		readerVersion = zipVersion45
	}
	if e.Encrypted {
		readerVersion = zipVersion51
	}
	creatorVersion := uint16(creatorUnix)<<8 | readerVersion

	modDate, modTime := timeToMsDosTime(e.Modified)

	fixed := make([]byte, directoryHeaderLen)
	b := writeBuf(fixed)
	b.uint32(directoryHeaderSignature)
	b.uint16(creatorVersion)
	b.uint16(readerVersion)
	flags := uint16(flagUTF8)
	if e.Encrypted {
		flags |= flagEncrypted
	}
	b.uint16(flags)
	b.uint16(wireMethod)
	b.uint16(modTime)
	b.uint16(modDate)
	b.uint32(crc32)
	b.uint32(compressed32)
	b.uint32(uncompressed32)
	b.uint16(uint16(len(e.Name)))
	b.uint16(uint16(len(extra)))
	b.uint16(0) // comment length: entries don't carry per-file comments in this design
	b.uint16(0) // disk number start
	b.uint16(0) // internal file attributes
	b.uint32(e.ExternalAttrs)
	b.uint32(offset32)

	if _, err := w.Write(fixed); err != nil {
		return err
	}
	if _, err := io.WriteString(w, e.Name); err != nil {
		return err
	}
	if _, err := w.Write(extra); err != nil {
		return err
	}
	return nil
}

// writeRawEntry writes one entry whose compressed bytes are already known
// in full -- the parallel orchestrator's drain step. Because compressed and
// uncompressed sizes are known before the local header is written, this
// path never seeks back to patch, and works unmodified against an
// append-only sink. It still lays out the local header exactly as
// StartEntry/FinishEntry would leave it for the same entry -- the same ZIP64
// placeholder rule, and zero CRC/size fields when the Writer cannot patch --
// so a drained slot is byte-identical to a sequentially written entry.
func (w *Writer) writeRawEntry(name string, modified time.Time, method uint16, opts *EntryOptions, compressed []byte, crc uint32, uncompressedSize uint64) error {
	if w.state == stateFailed {
		return &CapabilityError{Op: "writeRawEntry", Err: w.err}
	}
	if w.state == stateHeaderWritten || w.state == stateStreaming {
		return w.fail(ErrEntryOpen)
	}
	if w.state == stateFinished {
		return ErrClosed
	}
	if err := validateName(name); err != nil {
		return w.fail(err)
	}
	if opts == nil {
		opts = &EntryOptions{}
	}

	encrypted := opts.Password != ""
	wireCRC := crc
	data := compressed
	if encrypted {
		var buf bytes.Buffer
		enc, err := newEntryEncryptor(opts.Password, &buf)
		if err != nil {
			return w.fail(err)
		}
		if _, err := enc.Write(compressed); err != nil {
			return w.fail(err)
		}
		if err := enc.Close(); err != nil {
			return w.fail(err)
		}
		data = buf.Bytes()
		wireCRC = 0
	}

	compressedSize := uint64(len(data))
	entryZip64 := uncompressedSize >= uint32max || compressedSize >= uint32max || uint64(w.sink.Pos()) >= uint32max
	zip64Reserve := entryZip64 || opts.SizeHint == 0 || opts.SizeHint >= zip64SizeThreshold || uint64(w.sink.Pos()) >= zip64SizeThreshold

	wireMethod := method
	var extra []byte
	if zip64Reserve {
		extra = append(extra, encodeLocalZip64Placeholder()...)
		if entryZip64 && w.canPatch() {
			copy(extra[4:], encodeZip64Extra(uncompressedSize, compressedSize, 0, true, true, false)[4:])
		}
	}
	if encrypted {
		wireMethod = aeMethodSentinel
		extra = append(extra, encodeAESExtra(method)...)
	}

	readerVersion := uint16(zipVersion20)
	if zip64Reserve {
		readerVersion = zipVersion45
	}
	if encrypted {
		readerVersion = zipVersion51
	}

	flags := uint16(flagUTF8)
	if encrypted {
		flags |= flagEncrypted
	}

	compressed32, uncompressed32 := uint32(compressedSize), uint32(uncompressedSize)
	if entryZip64 {
		compressed32, uncompressed32 = uint32max, uint32max
	}
	if !w.canPatch() {
		wireCRC, compressed32, uncompressed32 = 0, 0, 0
	}

	modDate, modTime := timeToMsDosTime(modified)
	headerOffset := w.sink.Pos()

	hdr := make([]byte, fileHeaderLen)
	writeLocalHeader(hdr, &localHeader{
		ReaderVersion:    readerVersion,
		Flags:            flags,
		Method:           wireMethod,
		ModifiedTime:     modTime,
		ModifiedDate:     modDate,
		CRC32:            wireCRC,
		CompressedSize:   compressed32,
		UncompressedSize: uncompressed32,
		NameLen:          uint16(len(name)),
		ExtraLen:         uint16(len(extra)),
	})
	if _, err := w.sink.Write(hdr); err != nil {
		return w.fail(err)
	}
	if _, err := w.sink.Write([]byte(name)); err != nil {
		return w.fail(err)
	}
	if len(extra) > 0 {
		if _, err := w.sink.Write(extra); err != nil {
			return w.fail(err)
		}
	}
	if _, err := w.sink.Write(data); err != nil {
		return w.fail(err)
	}

	e := &Entry{
		Name:              name,
		Method:            method,
		Modified:          modified,
		CRC32:             crc,
		CompressedSize:    compressedSize,
		UncompressedSize:  uncompressedSize,
		LocalHeaderOffset: uint64(headerOffset),
		Encrypted:         encrypted,
	}
	e.setMode(0644)
	if opts.ExternalAttrs != 0 {
		e.ExternalAttrs = opts.ExternalAttrs
	}
	e.zip64 = e.isZip64()
	w.entries = append(w.entries, e)
	return nil
}
