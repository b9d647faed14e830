// Package snapshot implements the chunked, checksummed snapshot file
// reader and the background-save coordinator that tracks each partition's
// current snapshot.
package snapshot

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

// ErrIO wraps file open/read failures.
var ErrIO = errors.New("snapshot: io error")

// MaxCopyBlockSize bounds how many bytes Read returns in a single call,
// capping peak memory per worker and per-RPC size.
const MaxCopyBlockSize = 1 << 20 // 1 MiB

// Read opens path read-only, copies at most min(count, MaxCopyBlockSize)
// bytes starting at offset, and — only when this call's read reaches EOF
// within the requested range (i.e. fewer bytes were available than
// requested) — makes a second pass over the whole file to compute its MD5
// and returns the hex digest. Intermediate chunks (where every byte of
// the capped request was available) return an empty checksum; the caller is expected to assemble the full range across
// repeated calls with an advancing offset.
//
// The file is always closed before Read returns, on every exit path.
func Read(path string, offset, count int64) (data []byte, eof bool, checksum string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, "", errors.Mark(errors.Wrapf(ErrIO, "open %s: %v", path, err), ErrIO)
	}
	defer f.Close()

	readCount := count
	if readCount > MaxCopyBlockSize {
		readCount = MaxCopyBlockSize
	}

	buf := make([]byte, readCount)
	n, rerr := readFullAt(f, buf, offset)
	if rerr != nil && rerr != io.EOF {
		return nil, false, "", errors.Mark(errors.Wrapf(ErrIO, "read %s: %v", path, rerr), ErrIO)
	}
	data = buf[:n]
	eof = int64(n) < readCount

	if eof {
		sum, sumErr := checksumFile(path)
		if sumErr != nil {
			return nil, false, "", sumErr
		}
		checksum = sum
	}
	return data, eof, checksum, nil
}

// readFullAt reads positioned data into buf, looping until buf is full or EOF
// is reached. Bookkeeping counts bytes read so far upward rather than
// counting remaining bytes down, so a short read can never underflow it:
// the loop stops at len(buf), at io.EOF, or at the first read error.
func readFullAt(f *os.File, buf []byte, offset int64) (int, error) {
	var total int
	for total < len(buf) {
		n, err := f.ReadAt(buf[total:], offset+int64(total))
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.EOF
		}
	}
	return total, nil
}

// checksumFile streams the whole file from the start through MD5 in
// MaxCopyBlockSize blocks, exactly mirroring the second-pass behavior
// the original rsync_server.cc performs once it detects a final, partial
// read.
func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(ErrIO, "reopen %s for checksum: %v", path, err), ErrIO)
	}
	defer f.Close()

	h := md5.New()
	buf := make([]byte, MaxCopyBlockSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errors.Mark(errors.Wrapf(ErrIO, "checksum read %s: %v", path, err), ErrIO)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
