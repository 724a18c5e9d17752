package zipflow

import (
	"bytes"
	"io"
	"testing"
)

func TestAE2RoundTrip(t *testing.T) {
	plaintext := bytes.Repeat([]byte("secret payload "), 500)

	var buf bytes.Buffer
	enc, err := newEntryEncryptor("hunter2", &buf)
	if err != nil {
		t.Fatalf("newEntryEncryptor: %v", err)
	}
	if _, err := enc.Write(plaintext); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	wantOverhead := aeSaltLen + aeVerifierLen + aeTagLen
	if buf.Len() != len(plaintext)+wantOverhead {
		t.Fatalf("wire size = %d, want %d", buf.Len(), len(plaintext)+wantOverhead)
	}

	dec, err := newEntryDecryptor("hunter2", bytes.NewReader(buf.Bytes()), uint64(buf.Len()))
	if err != nil {
		t.Fatalf("newEntryDecryptor: %v", err)
	}
	got, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(plaintext))
	}
}

func TestAE2WrongPassword(t *testing.T) {
	var buf bytes.Buffer
	enc, err := newEntryEncryptor("right", &buf)
	if err != nil {
		t.Fatalf("newEntryEncryptor: %v", err)
	}
	enc.Write([]byte("data"))
	enc.Close()

	if _, err := newEntryDecryptor("wrong", bytes.NewReader(buf.Bytes()), uint64(buf.Len())); err != ErrBadPassword {
		t.Errorf("newEntryDecryptor(wrong password) = %v, want ErrBadPassword", err)
	}
}

func TestAE2TamperedCiphertextDetected(t *testing.T) {
	var buf bytes.Buffer
	enc, err := newEntryEncryptor("hunter2", &buf)
	if err != nil {
		t.Fatalf("newEntryEncryptor: %v", err)
	}
	enc.Write([]byte("untampered data"))
	enc.Close()

	tampered := append([]byte(nil), buf.Bytes()...)
	tampered[aeSaltLen+aeVerifierLen] ^= 0xFF // flip every bit of the first ciphertext byte

	dec, err := newEntryDecryptor("hunter2", bytes.NewReader(tampered), uint64(len(tampered)))
	if err != nil {
		t.Fatalf("newEntryDecryptor: %v", err)
	}
	if _, err := io.ReadAll(dec); err != ErrTampered {
		t.Errorf("ReadAll on tampered ciphertext = %v, want ErrTampered", err)
	}
}

func TestAE2CompressedSizeTooSmall(t *testing.T) {
	if _, err := newEntryDecryptor("pw", bytes.NewReader(nil), 10); err == nil {
		t.Error("expected error for compressed size smaller than AE-2 overhead")
	}
}
