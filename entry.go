// Copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"os"
	"path"
	"time"
	"unicode/utf8"
)

// Entry describes one logical file recorded in a ZIP archive's central
// directory. A Writer builds one of these per StartEntry/FinishEntry pair;
// a Reader builds a slice of them when it parses a central directory.
type Entry struct {
	// Name is the file's path within the archive: a relative, forward-slash
	// path, at most 65535 bytes, not containing a NUL byte. A trailing
	// slash marks a directory entry with no content.
	Name string

	// Method is the compression method: Store, Deflate or Zstd. An entry
	// encrypted with AE-2 records aeMethodSentinel on the wire but Method
	// always reports the real, pre-encryption method.
	Method uint16

	// Modified is the entry's last-modified time, stored with the format's
	// native 2-second MS-DOS resolution.
	Modified time.Time

	// CRC32 is the CRC-32 of the uncompressed entry bytes. A Writer always
	// computes it, even for AE-2 entries where the on-wire header field is
	// zero; an Entry parsed by a Reader carries the on-wire value, so it is
	// zero for AE-2 entries.
	CRC32 uint32

	CompressedSize   uint64
	UncompressedSize uint64

	// LocalHeaderOffset is the absolute byte offset of this entry's local
	// header within the archive.
	LocalHeaderOffset uint64

	ExternalAttrs uint32

	// Encrypted reports whether this entry is protected with AE-2.
	Encrypted bool

	// zip64 records whether the entry's own sizes or offset overflow uint32
	// (see isZip64); only such an entry's central directory record carries
	// a ZIP64 extra field. The archive's entry count does not set it: an
	// archive with more than 65534 entries gets the ZIP64 end-of-central-
	// directory records, but no per-entry ZIP64 extra field on that account.
	zip64 bool
}

// isZip64 reports whether this entry's own size/offset fields overflow the
// 32-bit range, independent of whether the archive as a whole escalates
// because of total entry count.
func (e *Entry) isZip64() bool {
	return e.CompressedSize >= uint32max || e.UncompressedSize >= uint32max || e.LocalHeaderOffset >= uint32max
}

// FileInfo returns an os.FileInfo view of the entry, for interop with code
// that walks a directory tree (see FileInfoHeader for the inverse).
func (e *Entry) FileInfo() os.FileInfo { return entryFileInfo{e} }

type entryFileInfo struct{ e *Entry }

func (fi entryFileInfo) Name() string       { return path.Base(fi.e.Name) }
func (fi entryFileInfo) Size() int64        { return int64(fi.e.UncompressedSize) }
func (fi entryFileInfo) IsDir() bool        { return fi.Mode().IsDir() }
func (fi entryFileInfo) ModTime() time.Time { return fi.e.Modified }
func (fi entryFileInfo) Mode() os.FileMode  { return unixModeToFileMode(fi.e.ExternalAttrs >> 16) }
func (fi entryFileInfo) Sys() any           { return fi.e }

// FileInfoHeader builds a partially-populated Entry from an os.FileInfo, the
// way the teacher's FileInfoHeader did for zipserve's Template entries.
// Callers still need to set Method and (for non-directories) supply content
// through StartEntry/Write.
func FileInfoHeader(fi os.FileInfo) *Entry {
	e := &Entry{
		Name:             fi.Name(),
		UncompressedSize: uint64(fi.Size()),
		Modified:         fi.ModTime(),
	}
	e.setMode(fi.Mode())
	if fi.IsDir() && e.Name[len(e.Name)-1] != '/' {
		e.Name += "/"
	}
	return e
}

const (
	s_IFMT   = 0xf000
	s_IFSOCK = 0xc000
	s_IFLNK  = 0xa000
	s_IFREG  = 0x8000
	s_IFBLK  = 0x6000
	s_IFDIR  = 0x4000
	s_IFCHR  = 0x2000
	s_IFIFO  = 0x1000
	s_ISUID  = 0x800
	s_ISGID  = 0x400
	s_ISVTX  = 0x200

	msdosDir      = 0x10
	msdosReadOnly = 0x01

	creatorUnix = 3
)

func (e *Entry) setMode(mode os.FileMode) {
	e.ExternalAttrs = fileModeToUnixMode(mode) << 16
	if mode&os.ModeDir != 0 {
		e.ExternalAttrs |= msdosDir
	}
	if mode&0200 == 0 {
		e.ExternalAttrs |= msdosReadOnly
	}
}

func fileModeToUnixMode(mode os.FileMode) uint32 {
	var m uint32
	switch mode & os.ModeType {
	default:
		m = s_IFREG
	case os.ModeDir:
		m = s_IFDIR
	case os.ModeSymlink:
		m = s_IFLNK
	case os.ModeNamedPipe:
		m = s_IFIFO
	case os.ModeSocket:
		m = s_IFSOCK
	case os.ModeDevice:
		if mode&os.ModeCharDevice != 0 {
			m = s_IFCHR
		} else {
			m = s_IFBLK
		}
	}
	if mode&os.ModeSetuid != 0 {
		m |= s_ISUID
	}
	if mode&os.ModeSetgid != 0 {
		m |= s_ISGID
	}
	if mode&os.ModeSticky != 0 {
		m |= s_ISVTX
	}
	return m | uint32(mode&0777)
}

func unixModeToFileMode(m uint32) os.FileMode {
	mode := os.FileMode(m & 0777)
	switch m & s_IFMT {
	case s_IFBLK:
		mode |= os.ModeDevice
	case s_IFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	case s_IFDIR:
		mode |= os.ModeDir
	case s_IFIFO:
		mode |= os.ModeNamedPipe
	case s_IFLNK:
		mode |= os.ModeSymlink
	case s_IFSOCK:
		mode |= os.ModeSocket
	}
	if m&s_ISGID != 0 {
		mode |= os.ModeSetgid
	}
	if m&s_ISUID != 0 {
		mode |= os.ModeSetuid
	}
	if m&s_ISVTX != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// validateName checks the invariants §3 places on an entry name: UTF-8, no
// NUL, at most 65535 bytes. zipflow always emits the UTF-8 flag (0x0800) and
// does not attempt the teacher's CP-437-compatibility detection, since
// Unicode transcoding beyond UTF-8 passthrough is an explicit Non-goal.
func validateName(name string) error {
	if len(name) > uint16max {
		return ErrNameTooLong
	}
	if !utf8.ValidString(name) {
		return ErrNameInvalid
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 {
			return ErrNameInvalid
		}
	}
	return nil
}
