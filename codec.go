// Copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"encoding/binary"
	"time"
)

// Compression method ids, as they appear on the wire in local and central
// directory headers.
const (
	Store   uint16 = 0  // no compression
	Deflate uint16 = 8  // DEFLATE, raw stream
	Zstd    uint16 = 93 // Zstandard, raw frame
	aeMethodSentinel uint16 = 99 // AE-2: actual method lives in the AES extra field
)

const (
	fileHeaderSignature     = 0x04034b50
	directoryHeaderSignature = 0x02014b50
	directoryEndSignature   = 0x06054b50
	directory64LocSignature = 0x07064b50
	directory64EndSignature = 0x06064b50

	fileHeaderLen      = 30 // + filename + extra
	directoryHeaderLen = 46 // + filename + extra + comment
	directoryEndLen    = 22 // + comment
	directory64LocLen  = 20
	directory64EndLen  = 56 // + extra

	// Extra field tags.
	zip64ExtraID = 0x0001
	aesExtraID   = 0x9901

	aesExtraLen = 7 // version(2) + vendor id(2) + strength(1) + actual method(2)

	// Version numbers recorded in CreatorVersion/ReaderVersion.
	zipVersion20 = 20 // 2.0
	zipVersion51 = 51 // 5.1 (AES encryption)
	zipVersion45 = 45 // 4.5 (zip64)

	// AES extra field "strength" byte; this package only ever writes AES-256.
	aesStrength256 = 3

	// Limits for non zip64 fields.
	uint16max = 1<<16 - 1
	uint32max = 1<<32 - 1

	// General purpose bit flags.
	flagUTF8        = 0x0800
	flagDataDescriptor = 0x0008 // never set by this package's Writer; recognized on read
	flagEncrypted   = 0x0001
)

// writeBuf is a little-endian cursor over a fixed byte slice, used to lay
// out binary records without per-field bounds checks.
type writeBuf []byte

func (b *writeBuf) uint8(v uint8) {
	(*b)[0] = v
	*b = (*b)[1:]
}

func (b *writeBuf) uint16(v uint16) {
	binary.LittleEndian.PutUint16(*b, v)
	*b = (*b)[2:]
}

func (b *writeBuf) uint32(v uint32) {
	binary.LittleEndian.PutUint32(*b, v)
	*b = (*b)[4:]
}

func (b *writeBuf) uint64(v uint64) {
	binary.LittleEndian.PutUint64(*b, v)
	*b = (*b)[8:]
}

func (b *writeBuf) bytes(v []byte) {
	n := copy(*b, v)
	*b = (*b)[n:]
}

// readBuf is the decode-side counterpart of writeBuf.
type readBuf []byte

func (b *readBuf) uint8() uint8 {
	v := (*b)[0]
	*b = (*b)[1:]
	return v
}

func (b *readBuf) uint16() uint16 {
	v := binary.LittleEndian.Uint16(*b)
	*b = (*b)[2:]
	return v
}

func (b *readBuf) uint32() uint32 {
	v := binary.LittleEndian.Uint32(*b)
	*b = (*b)[4:]
	return v
}

func (b *readBuf) uint64() uint64 {
	v := binary.LittleEndian.Uint64(*b)
	*b = (*b)[8:]
	return v
}

func (b *readBuf) sub(n int) []byte {
	v := (*b)[:n]
	*b = (*b)[n:]
	return v
}

// localHeader is the decoded form of a 30-byte local file header.
type localHeader struct {
	ReaderVersion    uint16
	Flags            uint16
	Method           uint16
	ModifiedTime     uint16
	ModifiedDate     uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	NameLen          uint16
	ExtraLen         uint16
}

func writeLocalHeader(buf []byte, h *localHeader) {
	b := writeBuf(buf)
	b.uint32(fileHeaderSignature)
	b.uint16(h.ReaderVersion)
	b.uint16(h.Flags)
	b.uint16(h.Method)
	b.uint16(h.ModifiedTime)
	b.uint16(h.ModifiedDate)
	b.uint32(h.CRC32)
	b.uint32(h.CompressedSize)
	b.uint32(h.UncompressedSize)
	b.uint16(h.NameLen)
	b.uint16(h.ExtraLen)
}

func parseLocalHeader(buf []byte) (*localHeader, error) {
	if len(buf) < fileHeaderLen {
		return nil, formatErrorf("local file header", "short read (%d bytes)", len(buf))
	}
	b := readBuf(buf)
	sig := b.uint32()
	if sig != fileHeaderSignature {
		return nil, formatErrorf("local file header", "bad signature %#08x", sig)
	}
	h := &localHeader{}
	h.ReaderVersion = b.uint16()
	h.Flags = b.uint16()
	h.Method = b.uint16()
	h.ModifiedTime = b.uint16()
	h.ModifiedDate = b.uint16()
	h.CRC32 = b.uint32()
	h.CompressedSize = b.uint32()
	h.UncompressedSize = b.uint32()
	h.NameLen = b.uint16()
	h.ExtraLen = b.uint16()
	return h, nil
}

// centralHeaderFixed is the decoded fixed-size portion of a central
// directory file header (the variable-length name/extra/comment trail it).
type centralHeaderFixed struct {
	CreatorVersion   uint16
	ReaderVersion    uint16
	Flags            uint16
	Method           uint16
	ModifiedTime     uint16
	ModifiedDate     uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	NameLen          uint16
	ExtraLen         uint16
	CommentLen       uint16
	ExternalAttrs    uint32
	LocalHeaderOffset uint32
}

func parseCentralHeaderFixed(buf []byte) (*centralHeaderFixed, error) {
	if len(buf) < directoryHeaderLen {
		return nil, formatErrorf("central directory header", "short read (%d bytes)", len(buf))
	}
	b := readBuf(buf)
	sig := b.uint32()
	if sig != directoryHeaderSignature {
		return nil, formatErrorf("central directory header", "bad signature %#08x", sig)
	}
	h := &centralHeaderFixed{}
	h.CreatorVersion = b.uint16()
	h.ReaderVersion = b.uint16()
	h.Flags = b.uint16()
	h.Method = b.uint16()
	h.ModifiedTime = b.uint16()
	h.ModifiedDate = b.uint16()
	h.CRC32 = b.uint32()
	h.CompressedSize = b.uint32()
	h.UncompressedSize = b.uint32()
	h.NameLen = b.uint16()
	h.ExtraLen = b.uint16()
	h.CommentLen = b.uint16()
	b.uint16() // disk number start
	b.uint16() // internal file attributes
	h.ExternalAttrs = b.uint32()
	h.LocalHeaderOffset = b.uint32()
	return h, nil
}

// zip64Fields carries whichever 64-bit values overflowed their 32-bit slot,
// in the fixed order the format requires: uncompressed size, compressed
// size, local header offset. Only the fields whose 32-bit counterpart was
// the sentinel 0xFFFFFFFF are present, mirroring the encoder.
type zip64Fields struct {
	UncompressedSize uint64
	CompressedSize   uint64
	LocalHeaderOffset uint64
	HasUncompressedSize bool
	HasCompressedSize   bool
	HasLocalHeaderOffset bool
}

// encodeLocalZip64Placeholder reserves a zeroed tag-0x0001 extra record
// sized for the local header's two size fields (no offset -- a local header
// doesn't need its own offset). Writer.patchLocalHeader overwrites the 16
// data bytes once real sizes are known; if the entry turns out not to need
// ZIP64 after all, the zeros are harmless dead extra data.
func encodeLocalZip64Placeholder() []byte {
	buf := make([]byte, 4+16)
	b := writeBuf(buf)
	b.uint16(zip64ExtraID)
	b.uint16(16)
	return buf
}

// encodeZip64Extra builds the tag-0x0001 extra field containing exactly the
// overflowed fields, in order, as the teacher's writeCentralDirectory does.
func encodeZip64Extra(uncompressedSize, compressedSize, offset uint64, needUncompressed, needCompressed, needOffset bool) []byte {
	size := 0
	if needUncompressed {
		size += 8
	}
	if needCompressed {
		size += 8
	}
	if needOffset {
		size += 8
	}
	buf := make([]byte, 4+size)
	b := writeBuf(buf)
	b.uint16(zip64ExtraID)
	b.uint16(uint16(size))
	if needUncompressed {
		b.uint64(uncompressedSize)
	}
	if needCompressed {
		b.uint64(compressedSize)
	}
	if needOffset {
		b.uint64(offset)
	}
	return buf
}

// parseExtraFields walks a [u16 tag][u16 size][size bytes]... area, skipping
// every record other than the zip64 and AES ones and returning those two
// decoded when present. Unknown tags are skipped, not rejected, per §4.1.
func parseExtraFields(extra []byte, compressedSize32, uncompressedSize32, offset32 uint32) (*zip64Fields, *aesExtra, error) {
	var z *zip64Fields
	var a *aesExtra
	b := readBuf(extra)
	for len(b) >= 4 {
		tag := b.uint16()
		size := int(b.uint16())
		if size > len(b) {
			return nil, nil, formatErrorf("extra field", "tag %#04x declares size %d beyond remaining %d bytes", tag, size, len(b))
		}
		data := b.sub(size)
		switch tag {
		case zip64ExtraID:
			zf := &zip64Fields{}
			db := readBuf(data)
			// Fields are present only for the 32-bit counterparts that were
			// the overflow sentinel, and appear in this fixed order.
			if uncompressedSize32 == uint32max && len(db) >= 8 {
				zf.UncompressedSize = db.uint64()
				zf.HasUncompressedSize = true
			}
			if compressedSize32 == uint32max && len(db) >= 8 {
				zf.CompressedSize = db.uint64()
				zf.HasCompressedSize = true
			}
			if offset32 == uint32max && len(db) >= 8 {
				zf.LocalHeaderOffset = db.uint64()
				zf.HasLocalHeaderOffset = true
			}
			z = zf
		case aesExtraID:
			if size < aesExtraLen {
				return nil, nil, formatErrorf("aes extra field", "short record (%d bytes)", size)
			}
			db := readBuf(data)
			ae := &aesExtra{}
			ae.VendorVersion = db.uint16()
			ae.VendorID = string(db.sub(2))
			ae.Strength = db.uint8()
			ae.ActualMethod = db.uint16()
			a = ae
		}
	}
	return z, a, nil
}

// aesExtra is the decoded WinZip AE-x extra field (tag 0x9901).
type aesExtra struct {
	VendorVersion uint16 // 1 = AE-1, 2 = AE-2
	VendorID      string // always "AE"
	Strength      uint8  // 1=128bit, 2=192bit, 3=256bit
	ActualMethod  uint16
}

func encodeAESExtra(actualMethod uint16) []byte {
	buf := make([]byte, 4+aesExtraLen)
	b := writeBuf(buf)
	b.uint16(aesExtraID)
	b.uint16(aesExtraLen)
	b.uint16(2) // AE-2
	b.bytes([]byte("AE"))
	b.uint8(aesStrength256)
	b.uint16(actualMethod)
	return buf
}

// endOfCentralDirectory is the decoded classic EOCD record.
type endOfCentralDirectory struct {
	DiskEntries       uint16
	TotalEntries      uint16
	DirectorySize     uint32
	DirectoryOffset   uint32
	CommentLen        uint16
}

func writeEndOfCentralDirectory(w []byte, entries uint16, size, offset uint32, commentLen uint16) {
	b := writeBuf(w)
	b.uint32(directoryEndSignature)
	b.uint16(0) // number of this disk
	b.uint16(0) // disk with start of central directory
	b.uint16(entries)
	b.uint16(entries)
	b.uint32(size)
	b.uint32(offset)
	b.uint16(commentLen)
}

func parseEndOfCentralDirectory(buf []byte) (*endOfCentralDirectory, error) {
	if len(buf) < directoryEndLen {
		return nil, formatErrorf("end of central directory", "short read (%d bytes)", len(buf))
	}
	b := readBuf(buf)
	sig := b.uint32()
	if sig != directoryEndSignature {
		return nil, formatErrorf("end of central directory", "bad signature %#08x", sig)
	}
	b.uint16() // disk number
	b.uint16() // disk with start of central directory
	e := &endOfCentralDirectory{}
	e.DiskEntries = b.uint16()
	e.TotalEntries = b.uint16()
	e.DirectorySize = b.uint32()
	e.DirectoryOffset = b.uint32()
	e.CommentLen = b.uint16()
	return e, nil
}

func writeZip64EndAndLocator(w []byte, entries uint64, size, offset uint64) {
	b := writeBuf(w)
	b.uint32(directory64EndSignature)
	b.uint64(directory64EndLen - 12) // record size, excluding signature+this field
	b.uint16(zipVersion45)
	b.uint16(zipVersion45)
	b.uint32(0) // number of this disk
	b.uint32(0) // disk with start of central directory
	b.uint64(entries)
	b.uint64(entries)
	b.uint64(size)
	b.uint64(offset)

	end := offset + size
	b.uint32(directory64LocSignature)
	b.uint32(0) // disk with start of zip64 EOCD
	b.uint64(end)
	b.uint32(1) // total number of disks
}

type zip64End struct {
	Entries uint64
	Size    uint64
	Offset  uint64
}

func parseZip64End(buf []byte) (*zip64End, error) {
	if len(buf) < directory64EndLen {
		return nil, formatErrorf("zip64 end of central directory", "short read (%d bytes)", len(buf))
	}
	b := readBuf(buf)
	sig := b.uint32()
	if sig != directory64EndSignature {
		return nil, formatErrorf("zip64 end of central directory", "bad signature %#08x", sig)
	}
	b.uint64() // record size
	b.uint16() // version made by
	b.uint16() // version needed
	b.uint32() // disk number
	b.uint32() // disk with start of central directory
	z := &zip64End{}
	z.Entries = b.uint64() // entries on this disk
	b.uint64()             // total entries (duplicate for non-spanned archives)
	z.Size = b.uint64()
	z.Offset = b.uint64()
	return z, nil
}

type zip64Locator struct {
	EOCDOffset uint64
}

func parseZip64Locator(buf []byte) (*zip64Locator, error) {
	if len(buf) < directory64LocLen {
		return nil, formatErrorf("zip64 locator", "short read (%d bytes)", len(buf))
	}
	b := readBuf(buf)
	sig := b.uint32()
	if sig != directory64LocSignature {
		return nil, formatErrorf("zip64 locator", "bad signature %#08x", sig)
	}
	b.uint32() // disk with start of zip64 EOCD
	l := &zip64Locator{EOCDOffset: b.uint64()}
	return l, nil
}

// timeToMsDosTime converts a time.Time to an MS-DOS date/time pair.
// Resolution is 2 seconds.
func timeToMsDosTime(t time.Time) (date, clock uint16) {
	date = uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9)
	clock = uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)
	return
}

// timeFromMsDosTime is the inverse of timeToMsDosTime, interpreted in the
// given location (the format itself carries no timezone).
func timeFromMsDosTime(date, clock uint16, loc *time.Location) time.Time {
	year := int(date>>9) + 1980
	month := time.Month((date >> 5) & 0xf)
	day := int(date & 0x1f)
	hour := int(clock >> 11)
	minute := int((clock >> 5) & 0x3f)
	second := int(clock&0x1f) * 2
	return time.Date(year, month, day, hour, minute, second, 0, loc)
}
