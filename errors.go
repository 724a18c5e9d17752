package zipflow

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the write and read pipelines. Callers should
// use errors.Is/errors.As rather than comparing against a concrete type,
// since I/O errors from a Sink/Source are wrapped around these.
var (
	// ErrClosed is returned when an operation is attempted on a Writer after
	// Close has finished it. A Writer that failed instead reports the
	// original error wrapped in a CapabilityError.
	ErrClosed = errors.New("zipflow: use of closed writer")

	// ErrEntryOpen is returned by StartEntry when another entry is still open.
	ErrEntryOpen = errors.New("zipflow: an entry is already open")

	// ErrNoEntryOpen is returned by Write/FinishEntry when no entry is open.
	ErrNoEntryOpen = errors.New("zipflow: no entry is open")

	// ErrNameTooLong is returned when an entry name exceeds 65535 bytes.
	ErrNameTooLong = errors.New("zipflow: entry name too long")

	// ErrNameInvalid is returned when an entry name contains a NUL byte or
	// is not valid UTF-8.
	ErrNameInvalid = errors.New("zipflow: entry name is not valid UTF-8 or contains NUL")

	// ErrCommentTooLong is returned when an archive or entry comment exceeds
	// 65535 bytes.
	ErrCommentTooLong = errors.New("zipflow: comment too long")

	// ErrChecksum is returned when the CRC-32 of entry data read back does
	// not match the value recorded in the central directory.
	ErrChecksum = errors.New("zipflow: checksum mismatch")

	// ErrTampered is returned when the AE-2 HMAC-SHA1 authentication tag of
	// an encrypted entry does not match the ciphertext read back.
	ErrTampered = errors.New("zipflow: encrypted entry failed authentication (tampered or corrupt)")

	// ErrBadPassword is returned when the AE-2 password verifier does not
	// match the supplied password. Distinct from ErrTampered so callers can
	// tell "wrong password" from "corrupt data" apart.
	ErrBadPassword = errors.New("zipflow: wrong password")

	// ErrNoPatch is returned by operations that require local-header
	// patching (a seekable sink) when the writer was configured, or the
	// sink detected, as append-only.
	ErrNoPatch = errors.New("zipflow: sink does not support seeking; local header cannot be patched")

	// ErrUnsupportedMethod is returned when an entry's compression method
	// id is not one this package knows how to decode, or when the parallel
	// writer is asked to use a method other than Store/Deflate.
	ErrUnsupportedMethod = errors.New("zipflow: unsupported compression method")

	// ErrTooManyEntries is returned by Close when a single Writer holds
	// math.MaxUint32 or more entries; this is a defensive limit well above
	// the point where ZIP64 already applies.
	ErrTooManyEntries = errors.New("zipflow: too many entries")
)

// FormatError reports that archive bytes don't look like a ZIP archive, or
// that some part of the ZIP structure could not be parsed: bad signature,
// truncated header, inconsistent ZIP64 record, malformed extra field, and
// similar "the bytes are wrong" conditions.
type FormatError struct {
	// Context names the record or field being parsed, e.g. "end of central
	// directory" or "zip64 extra field".
	Context string
	Err     error
}

func (e *FormatError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("zipflow: malformed %s", e.Context)
	}
	return fmt.Sprintf("zipflow: malformed %s: %v", e.Context, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

func formatErrorf(context string, format string, args ...any) error {
	return &FormatError{Context: context, Err: fmt.Errorf(format, args...)}
}

// CapabilityError reports that an operation was requested that the current
// Sink/Source or configuration cannot perform, e.g. seeking on an
// append-only sink, or decoding a method the reader wasn't built with.
type CapabilityError struct {
	Op  string
	Err error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("zipflow: %s: %v", e.Op, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// DuplicateNameError is a warning-class error: the central directory
// contains more than one entry with the same name. Per this package's
// "first wins" policy (see Open Questions in the design notes), it never
// prevents a read, but is surfaced through the Reader's Logger and can be
// retrieved from Reader.Warnings.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("zipflow: duplicate entry name %q in central directory", e.Name)
}
