// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ArchiveServer serves a complete, already-assembled archive over HTTP with
// range support, the way the teacher's Archive/Template pair did -- but
// over this package's Source contract instead of a precomputed set of
// FileHeader templates, since a zipflow archive's bytes (local headers,
// content and central directory alike) are already fully written by the
// time anything gets served.
type ArchiveServer struct {
	src        Source
	createTime time.Time
	etag       string
}

// NewArchiveServer builds an ArchiveServer over src, an already-finished
// archive's bytes. entries is used only to compute the ETag and the
// archive's Last-Modified time (the newest entry's Modified field, or
// createTime if non-zero); it need not be the full Reader.Entries slice,
// but should be stable across calls for a given archive so the ETag does
// not change.
func NewArchiveServer(src Source, entries []Entry, createTime time.Time) *ArchiveServer {
	h := md5.New()
	var maxTime time.Time
	for _, e := range entries {
		io.WriteString(h, e.Name)
		var buf [28]byte
		binary.LittleEndian.PutUint32(buf[0:], e.CRC32)
		binary.LittleEndian.PutUint64(buf[4:], e.CompressedSize)
		binary.LittleEndian.PutUint64(buf[12:], e.UncompressedSize)
		binary.LittleEndian.PutUint64(buf[20:], e.LocalHeaderOffset)
		h.Write(buf[:])
		if e.Modified.After(maxTime) {
			maxTime = e.Modified
		}
	}
	if createTime.IsZero() {
		createTime = maxTime
	}
	return &ArchiveServer{
		src:        src,
		createTime: createTime,
		etag:       fmt.Sprintf("%q", hex.EncodeToString(h.Sum(nil))),
	}
}

// ServeHTTP serves the archive with range-request support via
// http.ServeContent. Content-Type and Etag headers are set automatically
// unless the handler already set them.
func (a *ArchiveServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, have := w.Header()["Content-Type"]; !have {
		w.Header().Set("Content-Type", "application/zip")
	}
	if _, have := w.Header()["Etag"]; !have {
		w.Header().Set("Etag", a.etag)
	}

	rs := io.NewSectionReader(contextReaderAt{ctx: r.Context(), src: a.src}, 0, a.src.Length())
	http.ServeContent(w, r, "", a.createTime, rs)
}

// contextReaderAt adapts a Source, plus a fixed context captured at request
// time, into a plain io.ReaderAt for http.ServeContent/io.NewSectionReader,
// which know nothing about contexts. Storing a context in a struct is
// normally the wrong move, but this value is built fresh per request and
// never escapes ServeHTTP's call, so its lifetime matches the context's.
type contextReaderAt struct {
	ctx context.Context
	src Source
}

func (c contextReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return c.src.ReadAtContext(c.ctx, p, off)
}
