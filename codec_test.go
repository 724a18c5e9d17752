package zipflow

import (
	"testing"
	"time"
)

func TestLocalHeaderRoundTrip(t *testing.T) {
	want := &localHeader{
		ReaderVersion:    zipVersion20,
		Flags:            flagUTF8,
		Method:           Deflate,
		ModifiedTime:     0x1234,
		ModifiedDate:     0x5678,
		CRC32:            0xdeadbeef,
		CompressedSize:   100,
		UncompressedSize: 200,
		NameLen:          5,
		ExtraLen:         0,
	}
	buf := make([]byte, fileHeaderLen)
	writeLocalHeader(buf, want)
	got, err := parseLocalHeader(buf)
	if err != nil {
		t.Fatalf("parseLocalHeader: %v", err)
	}
	if *got != *want {
		t.Errorf("round trip mismatch: got %+v, want %+v", *got, *want)
	}
}

func TestParseLocalHeaderBadSignature(t *testing.T) {
	buf := make([]byte, fileHeaderLen)
	if _, err := parseLocalHeader(buf); err == nil {
		t.Error("expected error for all-zero buffer")
	}
}

func TestZip64ExtraRoundTrip(t *testing.T) {
	extra := encodeZip64Extra(1<<33, 1<<34, 1<<35, true, true, true)
	z, _, err := parseExtraFields(extra, uint32max, uint32max, uint32max)
	if err != nil {
		t.Fatalf("parseExtraFields: %v", err)
	}
	if z == nil {
		t.Fatal("expected non-nil zip64Fields")
	}
	if z.UncompressedSize != 1<<33 || z.CompressedSize != 1<<34 || z.LocalHeaderOffset != 1<<35 {
		t.Errorf("got %+v", z)
	}
}

func TestZip64ExtraPartial(t *testing.T) {
	// Only the compressed size overflowed; the other two 32-bit fields were
	// not the sentinel, so the extra field carries just one uint64.
	extra := encodeZip64Extra(0, 1<<34, 0, false, true, false)
	z, _, err := parseExtraFields(extra, uint32max, 500, 1000)
	if err != nil {
		t.Fatalf("parseExtraFields: %v", err)
	}
	if z == nil || !z.HasCompressedSize || z.HasUncompressedSize || z.HasLocalHeaderOffset {
		t.Fatalf("got %+v", z)
	}
	if z.CompressedSize != 1<<34 {
		t.Errorf("CompressedSize = %d, want %d", z.CompressedSize, uint64(1)<<34)
	}
}

func TestAESExtraRoundTrip(t *testing.T) {
	extra := encodeAESExtra(Deflate)
	_, ae, err := parseExtraFields(extra, 0, 0, 0)
	if err != nil {
		t.Fatalf("parseExtraFields: %v", err)
	}
	if ae == nil {
		t.Fatal("expected non-nil aesExtra")
	}
	if ae.ActualMethod != Deflate || ae.VendorID != "AE" || ae.VendorVersion != 2 || ae.Strength != aesStrength256 {
		t.Errorf("got %+v", ae)
	}
}

func TestEndOfCentralDirectoryRoundTrip(t *testing.T) {
	buf := make([]byte, directoryEndLen)
	writeEndOfCentralDirectory(buf, 3, 1000, 2000, 0)
	got, err := parseEndOfCentralDirectory(buf)
	if err != nil {
		t.Fatalf("parseEndOfCentralDirectory: %v", err)
	}
	if got.TotalEntries != 3 || got.DirectorySize != 1000 || got.DirectoryOffset != 2000 {
		t.Errorf("got %+v", got)
	}
}

func TestZip64EndAndLocatorRoundTrip(t *testing.T) {
	buf := make([]byte, directory64EndLen+directory64LocLen)
	writeZip64EndAndLocator(buf, 70000, 5000, 9000)

	end, err := parseZip64End(buf[:directory64EndLen])
	if err != nil {
		t.Fatalf("parseZip64End: %v", err)
	}
	if end.Entries != 70000 || end.Size != 5000 || end.Offset != 9000 {
		t.Errorf("got %+v", end)
	}

	loc, err := parseZip64Locator(buf[directory64EndLen:])
	if err != nil {
		t.Fatalf("parseZip64Locator: %v", err)
	}
	if loc.EOCDOffset != 9000+5000 {
		t.Errorf("EOCDOffset = %d, want %d", loc.EOCDOffset, 9000+5000)
	}
}

func TestMsDosTimeRoundTrip(t *testing.T) {
	tests := []time.Time{
		time.Date(2024, 3, 15, 13, 45, 30, 0, time.UTC),
		time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2107, 12, 31, 23, 59, 58, 0, time.UTC),
	}
	for _, want := range tests {
		date, clock := timeToMsDosTime(want)
		got := timeFromMsDosTime(date, clock, time.UTC)
		if !got.Equal(want) {
			t.Errorf("timeFromMsDosTime(timeToMsDosTime(%v)) = %v", want, got)
		}
	}
}
