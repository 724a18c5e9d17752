// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package zipflow implements streaming creation and random-access reading of
ZIP archives, including ZIP64 extensions and WinZip AE-2 (AES-256)
encryption.

Unlike archive/zip, zipflow is built for pipeline workloads: the Writer
keeps a few megabytes of working memory regardless of total archive size,
entries may be written to any append-only or seekable byte sink (local
files, sockets, multipart cloud uploads), and RunParallel can compress
many entries concurrently while still emitting them to the sink in their
original order.

See https://www.pkware.com/appnote for the format this package implements.

This package does not support disk spanning, legacy ZipCrypto decryption,
DEFLATE64, BZIP2 or LZMA.
*/
package zipflow
