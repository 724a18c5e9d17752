package zipflow

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// compressor is the common streaming contract over Store/Deflate/Zstd: feed
// it uncompressed bytes, it writes compressed bytes to the wrapped
// io.Writer as it goes, and Close flushes any trailing bytes. There is no
// requirement to know the input length up front -- every implementation is
// a single-pass streaming sink, per §4.3.
//
// Per the design note on avoiding dynamic dispatch on the hot per-byte
// path, StartEntry picks one of the three concrete types below once and
// keeps it in the entry's state; compressor itself exists only so writer.go
// and parallel.go don't need three near-identical call sites.
type compressor interface {
	io.WriteCloser
}

// newCompressor constructs the compressor for method at the given level,
// writing compressed output to dst. level 0 means "use the method's
// default".
func newCompressor(method uint16, level int, dst io.Writer) (compressor, error) {
	switch method {
	case Store:
		return storeCompressor{dst}, nil
	case Deflate:
		if level == 0 {
			level = 6
		}
		if level < flate.BestSpeed || level > flate.BestCompression {
			return nil, fmt.Errorf("zipflow: deflate level %d out of range [%d,%d]", level, flate.BestSpeed, flate.BestCompression)
		}
		fw, err := flate.NewWriter(dst, level)
		if err != nil {
			return nil, err
		}
		return &flateCompressor{fw}, nil
	case Zstd:
		if level == 0 {
			level = 3
		}
		zw, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstdLevel(level)))
		if err != nil {
			return nil, err
		}
		return &zstdCompressor{zw}, nil
	default:
		return nil, ErrUnsupportedMethod
	}
}

// zstdLevel maps the spec's 1..22 integer scale onto klauspost/compress's
// coarser EncoderLevel buckets.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	case level <= 12:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// storeCompressor is the identity compressor: compressed_size ==
// uncompressed_size. The parallel orchestrator does not use it when draining
// a slot: already-compressed slot bytes go through Writer.writeRawEntry,
// which writes them to the sink without any compressor (see parallel.go).
type storeCompressor struct {
	dst io.Writer
}

func (s storeCompressor) Write(p []byte) (int, error) { return s.dst.Write(p) }
func (s storeCompressor) Close() error                 { return nil }

type flateCompressor struct {
	w *flate.Writer
}

func (f *flateCompressor) Write(p []byte) (int, error) { return f.w.Write(p) }
func (f *flateCompressor) Close() error                 { return f.w.Close() }

type zstdCompressor struct {
	w *zstd.Encoder
}

func (z *zstdCompressor) Write(p []byte) (int, error) { return z.w.Write(p) }
func (z *zstdCompressor) Close() error                 { return z.w.Close() }

// decompressor is the read-side counterpart of compressor: an io.Reader
// that yields uncompressed bytes from a stream of at most compressed_size
// compressed bytes.
type decompressor interface {
	io.ReadCloser
}

func newDecompressor(method uint16, src io.Reader) (decompressor, error) {
	switch method {
	case Store:
		return io.NopCloser(src), nil
	case Deflate:
		return flate.NewReader(src), nil
	case Zstd:
		zr, err := zstd.NewReader(src)
		if err != nil {
			return nil, err
		}
		return &zstdDecompressor{zr}, nil
	default:
		return nil, ErrUnsupportedMethod
	}
}

type zstdDecompressor struct {
	r *zstd.Decoder
}

func (z *zstdDecompressor) Read(p []byte) (int, error) { return z.r.Read(p) }
func (z *zstdDecompressor) Close() error {
	z.r.Close()
	return nil
}
