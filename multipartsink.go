package zipflow

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/aws/smithy-go"
	"golang.org/x/sync/semaphore"
)

// PartUploader is the minimal contract MultipartSink drives: upload one
// numbered part, then either finalize or discard the whole upload. A real
// implementation wraps a cloud SDK client (S3's UploadPart/CompleteMultipart
// Upload/AbortMultipartUpload, GCS's resumable upload chunks, MinIO's
// equivalent); this package does not ship one, per its out-of-scope
// boundary on concrete backends -- only the shim that drives any such
// client through the Sink contract.
type PartUploader interface {
	UploadPart(ctx context.Context, partNumber int, data []byte) error
	Complete(ctx context.Context) error
	Abort(ctx context.Context) error
}

const (
	minPartSize           = 5 << 20
	maxPartSize           = 5 << 30
	defaultPartSize       = 5 << 20
	defaultMaxConcurrency = 4
	maxMaxConcurrency     = 20
	multipartRetries      = 4
	multipartBackoffBase  = 100 * time.Millisecond
)

// MultipartSinkConfig configures a MultipartSink.
type MultipartSinkConfig struct {
	// PartSize is the buffered size at which a part is handed to the
	// uploader. Clamped to [5 MiB, 5 GiB]; zero selects the 5 MiB default,
	// matching the smallest part size most multipart-upload APIs accept
	// for all but the final part.
	PartSize int

	// MaxConcurrentUploads bounds in-flight UploadPart calls. Clamped to
	// [1, 20]; zero selects 4.
	MaxConcurrentUploads int

	Logger Logger
}

// MultipartSink is a Sink (not SeekableSink -- multipart upload targets are
// append-only by construction) that buffers writes into PartSize chunks and
// hands each to a PartUploader, bounding in-flight uploads with a
// semaphore.Weighted the way C8's RunParallel bounds compression tasks.
// A part that fails with a retryable error is retried with exponential
// backoff before the sink gives up, the retry/classification shape adapted
// from buildbarn-bb-storage's s3BlobAccess. Once a part has failed, every
// later Write and Flush returns that error; the sink does not call Abort
// itself.
type MultipartSink struct {
	uploader PartUploader
	cfg      MultipartSinkConfig
	logger   Logger
	sem      *semaphore.Weighted

	buf        bytes.Buffer
	partNumber int
	inFlight   []chan error
	failed     error
}

// NewMultipartSink builds a MultipartSink that drives uploader.
func NewMultipartSink(uploader PartUploader, cfg MultipartSinkConfig) *MultipartSink {
	if cfg.PartSize <= 0 {
		cfg.PartSize = defaultPartSize
	}
	if cfg.PartSize < minPartSize {
		cfg.PartSize = minPartSize
	}
	if cfg.PartSize > maxPartSize {
		cfg.PartSize = maxPartSize
	}
	if cfg.MaxConcurrentUploads <= 0 {
		cfg.MaxConcurrentUploads = defaultMaxConcurrency
	}
	if cfg.MaxConcurrentUploads > maxMaxConcurrency {
		cfg.MaxConcurrentUploads = maxMaxConcurrency
	}
	return &MultipartSink{
		uploader: uploader,
		cfg:      cfg,
		logger:   logger(cfg.Logger),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentUploads)),
	}
}

// Write buffers p, flushing full PartSize chunks to the uploader as they
// accumulate. The part boundary does not need to align with any ZIP
// record; the Writer above just sees an ordinary Sink.
func (m *MultipartSink) Write(p []byte) (int, error) {
	if m.failed != nil {
		return 0, m.failed
	}
	total := len(p)
	for len(p) > 0 {
		space := m.cfg.PartSize - m.buf.Len()
		n := len(p)
		if n > space {
			n = space
		}
		m.buf.Write(p[:n])
		p = p[n:]
		if m.buf.Len() >= m.cfg.PartSize {
			if err := m.flushPart(false); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

// Flush uploads the final, possibly short, buffered part (multipart APIs
// permit the last part to be smaller than PartSize) and waits for every
// in-flight upload to finish.
func (m *MultipartSink) Flush() error {
	if m.failed != nil {
		return m.failed
	}
	if m.buf.Len() > 0 {
		if err := m.flushPart(true); err != nil {
			return err
		}
	}
	return m.wait()
}

// Complete waits for all parts to finish uploading and finalizes the
// upload. Abort is the caller's responsibility on any earlier error.
func (m *MultipartSink) Complete(ctx context.Context) error {
	if err := m.Flush(); err != nil {
		return err
	}
	return m.uploader.Complete(ctx)
}

// Abort cancels the multipart upload, discarding any parts already
// accepted by the backend.
func (m *MultipartSink) Abort(ctx context.Context) error {
	return m.uploader.Abort(ctx)
}

func (m *MultipartSink) flushPart(last bool) error {
	data := make([]byte, m.buf.Len())
	copy(data, m.buf.Bytes())
	m.buf.Reset()
	m.partNumber++
	num := m.partNumber

	if err := m.sem.Acquire(context.Background(), 1); err != nil {
		m.failed = err
		return err
	}
	done := make(chan error, 1)
	m.inFlight = append(m.inFlight, done)
	go func() {
		defer m.sem.Release(1)
		done <- uploadPartWithRetry(context.Background(), m.uploader, num, data, m.logger)
	}()
	if last {
		return m.wait()
	}
	return nil
}

func (m *MultipartSink) wait() error {
	var first error
	for _, done := range m.inFlight {
		if err := <-done; err != nil && first == nil {
			first = err
		}
	}
	m.inFlight = m.inFlight[:0]
	if first != nil {
		m.failed = first
	}
	return first
}

// uploadPartWithRetry retries UploadPart up to multipartRetries times with
// exponential backoff (base 100ms, doubling), stopping early on an error
// that isn't retryable per smithy-go's RetryableError convention.
func uploadPartWithRetry(ctx context.Context, uploader PartUploader, partNumber int, data []byte, log Logger) error {
	backoff := multipartBackoffBase
	var err error
	for attempt := 1; attempt <= multipartRetries; attempt++ {
		err = uploader.UploadPart(ctx, partNumber, data)
		if err == nil {
			return nil
		}
		if !isRetryable(err) || attempt == multipartRetries {
			break
		}
		log.Printf("zipflow: part %d upload failed (attempt %d/%d), retrying in %v: %v", partNumber, attempt, multipartRetries, backoff, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}

// isRetryable classifies err using smithy-go's RetryableError interface
// when the uploader's error chain implements it, defaulting to "not
// retryable" for plain errors -- a conservative default, since retrying an
// error the backend didn't mark safe to retry risks double-applying a
// non-idempotent side effect.
func isRetryable(err error) bool {
	var re smithy.RetryableError
	if errors.As(err, &re) {
		return re.RetryableError()
	}
	return false
}
