package snapshot

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeTestFile creates a file of n bytes, each byte = byte(i%251), so its
// content is deterministic and not all-zero.
func writeTestFile(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dump.rdb")
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

// TestReadChunkedAcrossCalls mirrors the S7 scenario: a 2.5 MiB file read
// in three sequential 1 MiB-bounded calls.
func TestReadChunkedAcrossCalls(t *testing.T) {
	const size = 2*MaxCopyBlockSize + MaxCopyBlockSize/2
	path := writeTestFile(t, size)

	data1, eof1, sum1, err := Read(path, 0, MaxCopyBlockSize)
	require.NoError(t, err)
	require.Len(t, data1, MaxCopyBlockSize)
	require.False(t, eof1)
	require.Empty(t, sum1)

	data2, eof2, sum2, err := Read(path, MaxCopyBlockSize, MaxCopyBlockSize)
	require.NoError(t, err)
	require.Len(t, data2, MaxCopyBlockSize)
	require.False(t, eof2)
	require.Empty(t, sum2)

	data3, eof3, sum3, err := Read(path, 2*MaxCopyBlockSize, MaxCopyBlockSize)
	require.NoError(t, err)
	require.Len(t, data3, MaxCopyBlockSize/2)
	require.True(t, eof3)
	require.NotEmpty(t, sum3)

	full, err := os.ReadFile(path)
	require.NoError(t, err)
	want := md5.Sum(full)
	require.Equal(t, hex.EncodeToString(want[:]), sum3)
}

func TestReadCountLargerThanMaxCopyBlockSizeIsCapped(t *testing.T) {
	path := writeTestFile(t, MaxCopyBlockSize+10)
	data, eof, _, err := Read(path, 0, MaxCopyBlockSize*4)
	require.NoError(t, err)
	require.Len(t, data, MaxCopyBlockSize)
	require.False(t, eof)
}

func TestReadWholeFileInOneCallChecksums(t *testing.T) {
	path := writeTestFile(t, 100)
	data, eof, sum, err := Read(path, 0, 1000)
	require.NoError(t, err)
	require.Len(t, data, 100)
	require.True(t, eof)

	full, _ := os.ReadFile(path)
	want := md5.Sum(full)
	require.Equal(t, hex.EncodeToString(want[:]), sum)
}

func TestReadMissingFile(t *testing.T) {
	_, _, _, err := Read(filepath.Join(t.TempDir(), "nope"), 0, 10)
	require.ErrorIs(t, err, ErrIO)
}
