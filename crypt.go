package zipflow

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	aeSaltLen      = 16
	aeVerifierLen  = 2
	aeTagLen       = 10
	aePBKDF2Rounds = 1000
	aeKeyMaterial  = 66 // enc(32) + mac(32) + verifier(2)
)

// newAESCTRStream builds the cipher.Stream this package uses for AE-2: a
// 16-byte counter whose high 8 bytes are zero and whose low 8 bytes are a
// big-endian block index starting at 1. Go's CTR implementation increments
// the whole 128-bit counter as one big-endian integer per block, which for
// any archive entry under 2^64 AES blocks is exactly "big-endian in the
// high 64 bits, block index in the low 64 bits" as §4.4 specifies.
func newAESCTRStream(key []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], 1)
	return cipher.NewCTR(block, iv), nil
}

// deriveAEKeys runs PBKDF2-HMAC-SHA1(password, salt, 1000) and splits the
// 66 output bytes into (encKey, macKey, verifier) per §4.4 step 2.
func deriveAEKeys(password string, salt []byte) (encKey, macKey, verifier []byte) {
	material := pbkdf2.Key([]byte(password), salt, aePBKDF2Rounds, aeKeyMaterial, sha1.New)
	return material[0:32], material[32:64], material[64:66]
}

// entryEncryptor wraps a Writer's compressed output stream in AE-2: it
// writes the salt+verifier immediately on construction, then encrypts every
// subsequent Write with AES-256-CTR and feeds the ciphertext to a running
// HMAC-SHA1, whose truncated tag Close appends. Order is strict:
// compression has already happened by the time bytes reach here; HMAC runs
// over ciphertext, never plaintext.
type entryEncryptor struct {
	dst    io.Writer
	stream cipher.Stream
	mac    hash10
}

// hash10 is the subset of hash.Hash this package needs, named to make the
// truncate-to-10-bytes step read as what it is at each call site.
type hash10 interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

func newEntryEncryptor(password string, dst io.Writer) (*entryEncryptor, error) {
	salt := make([]byte, aeSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	encKey, macKey, verifier := deriveAEKeys(password, salt)
	stream, err := newAESCTRStream(encKey)
	if err != nil {
		return nil, err
	}
	if _, err := dst.Write(salt); err != nil {
		return nil, err
	}
	if _, err := dst.Write(verifier); err != nil {
		return nil, err
	}
	return &entryEncryptor{dst: dst, stream: stream, mac: hmac.New(sha1.New, macKey)}, nil
}

// Write encrypts p and writes the ciphertext through. p is not modified.
func (e *entryEncryptor) Write(p []byte) (int, error) {
	ciphertext := make([]byte, len(p))
	e.stream.XORKeyStream(ciphertext, p)
	e.mac.Write(ciphertext)
	if _, err := e.dst.Write(ciphertext); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close appends the 10-byte truncated HMAC-SHA1 authentication tag.
func (e *entryEncryptor) Close() error {
	tag := e.mac.Sum(nil)[:aeTagLen]
	_, err := e.dst.Write(tag)
	return err
}

// entryDecryptor is the read-side mirror: it consumes exactly
// compressedSize bytes from src (salt, verifier, ciphertext, tag, in that
// order), verifying the password up front and the HMAC tag on the read
// that exhausts the ciphertext.
type entryDecryptor struct {
	src       io.Reader
	stream    cipher.Stream
	mac       hash10
	remaining int64
	tagOK     error // set once the trailing tag has been checked
	checked   bool
}

func newEntryDecryptor(password string, src io.Reader, compressedSize uint64) (*entryDecryptor, error) {
	const overhead = aeSaltLen + aeVerifierLen + aeTagLen
	if compressedSize < overhead {
		return nil, formatErrorf("ae-2 entry", "compressed size %d smaller than AE-2 overhead %d", compressedSize, overhead)
	}
	salt := make([]byte, aeSaltLen)
	if _, err := io.ReadFull(src, salt); err != nil {
		return nil, err
	}
	verifier := make([]byte, aeVerifierLen)
	if _, err := io.ReadFull(src, verifier); err != nil {
		return nil, err
	}
	encKey, macKey, wantVerifier := deriveAEKeys(password, salt)
	if subtle.ConstantTimeCompare(verifier, wantVerifier) != 1 {
		return nil, ErrBadPassword
	}
	stream, err := newAESCTRStream(encKey)
	if err != nil {
		return nil, err
	}
	return &entryDecryptor{
		src:       src,
		stream:    stream,
		mac:       hmac.New(sha1.New, macKey),
		remaining: int64(compressedSize) - overhead,
	}, nil
}

func (d *entryDecryptor) Read(p []byte) (int, error) {
	if d.remaining <= 0 {
		if err := d.verifyTag(); err != nil {
			return 0, err
		}
		return 0, io.EOF
	}
	if int64(len(p)) > d.remaining {
		p = p[:d.remaining]
	}
	n, err := d.src.Read(p)
	if n > 0 {
		d.mac.Write(p[:n])
		d.stream.XORKeyStream(p[:n], p[:n])
		d.remaining -= int64(n)
	}
	if err != nil && err != io.EOF {
		return n, err
	}
	if d.remaining == 0 {
		if tagErr := d.verifyTag(); tagErr != nil {
			return n, tagErr
		}
	}
	return n, nil
}

func (d *entryDecryptor) verifyTag() error {
	if d.checked {
		return d.tagOK
	}
	d.checked = true
	tag := make([]byte, aeTagLen)
	if _, err := io.ReadFull(d.src, tag); err != nil {
		d.tagOK = err
		return err
	}
	want := d.mac.Sum(nil)[:aeTagLen]
	if subtle.ConstantTimeCompare(tag, want) != 1 {
		d.tagOK = ErrTampered
		return ErrTampered
	}
	return nil
}
