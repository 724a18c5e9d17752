package zipflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// retryableErr implements smithy.RetryableError for test classification.
type retryableErr struct {
	retryable bool
	msg       string
}

func (e *retryableErr) Error() string        { return e.msg }
func (e *retryableErr) RetryableError() bool { return e.retryable }

type uploadedPart struct {
	number int
	data   []byte
}

type fakeUploader struct {
	mu   sync.Mutex
	fail map[int]error // part number -> error to return on first attempt only
	seen map[int]int   // attempts per part

	parts     []uploadedPart
	completed bool
	aborted   bool
}

func (f *fakeUploader) UploadPart(ctx context.Context, partNumber int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[partNumber]++
	if err, ok := f.fail[partNumber]; ok && f.seen[partNumber] == 1 {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.parts = append(f.parts, uploadedPart{number: partNumber, data: cp})
	return nil
}

func (f *fakeUploader) Complete(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = true
	return nil
}

func (f *fakeUploader) Abort(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
	return nil
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{fail: make(map[int]error), seen: make(map[int]int)}
}

func TestMultipartSinkChunking(t *testing.T) {
	up := newFakeUploader()
	sink := NewMultipartSink(up, MultipartSinkConfig{PartSize: minPartSize, MaxConcurrentUploads: 2})

	full := make([]byte, minPartSize)
	for i := range full {
		full[i] = byte(i)
	}
	half := make([]byte, minPartSize/2)

	if _, err := sink.Write(full); err != nil {
		t.Fatalf("Write(full): %v", err)
	}
	if _, err := sink.Write(half); err != nil {
		t.Fatalf("Write(half): %v", err)
	}
	if err := sink.Complete(context.Background()); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(up.parts))
	}
	if !up.completed {
		t.Error("Complete was not called on uploader")
	}
	if len(up.parts[0].data) != minPartSize {
		t.Errorf("part 1 size = %d, want %d", len(up.parts[0].data), minPartSize)
	}
	if len(up.parts[1].data) != minPartSize/2 {
		t.Errorf("part 2 (final, short) size = %d, want %d", len(up.parts[1].data), minPartSize/2)
	}
}

func TestMultipartSinkRetriesRetryableError(t *testing.T) {
	up := newFakeUploader()
	up.fail[1] = &retryableErr{retryable: true, msg: "throttled"}
	sink := NewMultipartSink(up, MultipartSinkConfig{PartSize: minPartSize, MaxConcurrentUploads: 1})

	if _, err := sink.Write(make([]byte, minPartSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	if up.seen[1] != 2 {
		t.Errorf("attempts on part 1 = %d, want 2 (one failure, one retry)", up.seen[1])
	}
	if len(up.parts) != 1 {
		t.Fatalf("got %d parts uploaded, want 1", len(up.parts))
	}
}

func TestMultipartSinkGivesUpOnNonRetryableError(t *testing.T) {
	up := newFakeUploader()
	permanent := errors.New("access denied")
	up.fail[1] = permanent
	sink := NewMultipartSink(up, MultipartSinkConfig{PartSize: minPartSize, MaxConcurrentUploads: 1})

	if _, err := sink.Write(make([]byte, minPartSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	err := sink.Flush()
	if err == nil {
		t.Fatal("expected Flush to surface the non-retryable error")
	}

	up.mu.Lock()
	attempts := up.seen[1]
	up.mu.Unlock()
	if attempts != 1 {
		t.Errorf("attempts on part 1 = %d, want 1 (non-retryable error must not be retried)", attempts)
	}

	if _, err := sink.Write([]byte("more")); err == nil {
		t.Error("Write after a failed part should keep returning the failure")
	}
}

func TestMultipartSinkExhaustsRetriesOnPersistentError(t *testing.T) {
	up := newFakeUploader()
	attempts := 0
	sink := NewMultipartSink(up, MultipartSinkConfig{PartSize: minPartSize, MaxConcurrentUploads: 1})
	// Wrap UploadPart via a small decorator that always fails retryably,
	// bypassing fakeUploader's "fail once" bookkeeping to exercise the
	// multipartRetries exhaustion path.
	alwaysFail := alwaysFailUploader{fn: func(n int) error {
		attempts++
		return &retryableErr{retryable: true, msg: fmt.Sprintf("attempt %d", attempts)}
	}}
	sink.uploader = alwaysFail

	if _, err := sink.Write(make([]byte, minPartSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sink.Flush(); err == nil {
		t.Fatal("expected Flush to fail after exhausting retries")
	}
	if attempts != multipartRetries {
		t.Errorf("attempts = %d, want %d", attempts, multipartRetries)
	}
}

type alwaysFailUploader struct {
	fn func(partNumber int) error
}

func (a alwaysFailUploader) UploadPart(ctx context.Context, partNumber int, data []byte) error {
	return a.fn(partNumber)
}
func (a alwaysFailUploader) Complete(ctx context.Context) error { return nil }
func (a alwaysFailUploader) Abort(ctx context.Context) error    { return nil }

func TestMultipartSinkAbort(t *testing.T) {
	up := newFakeUploader()
	sink := NewMultipartSink(up, MultipartSinkConfig{})
	if err := sink.Abort(context.Background()); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if !up.aborted {
		t.Error("Abort was not forwarded to the uploader")
	}
}

func TestMultipartSinkConfigClamping(t *testing.T) {
	sink := NewMultipartSink(newFakeUploader(), MultipartSinkConfig{PartSize: 1, MaxConcurrentUploads: 1000})
	if sink.cfg.PartSize != minPartSize {
		t.Errorf("PartSize clamped to %d, want %d", sink.cfg.PartSize, minPartSize)
	}
	if sink.cfg.MaxConcurrentUploads != maxMaxConcurrency {
		t.Errorf("MaxConcurrentUploads clamped to %d, want %d", sink.cfg.MaxConcurrentUploads, maxMaxConcurrency)
	}
}
