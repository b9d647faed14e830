package listkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeParseDataKeyRoundTrip(t *testing.T) {
	key := EncodeDataKey([]byte("mylist"), 42, 7)
	userKey, version, index, err := ParseDataKey(key)
	require.NoError(t, err)
	require.Equal(t, []byte("mylist"), userKey)
	require.Equal(t, int32(42), version)
	require.Equal(t, uint64(7), index)
}

func TestDataKeyOrdersByVersionThenIndex(t *testing.T) {
	a := EncodeDataKey([]byte("k"), 1, 5)
	b := EncodeDataKey([]byte("k"), 1, 6)
	c := EncodeDataKey([]byte("k"), 2, 0)
	require.True(t, string(a) < string(b))
	require.True(t, string(b) < string(c))
}

func TestParseDataKeyCorrupt(t *testing.T) {
	_, _, _, err := ParseDataKey([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrCorruptRecord)
}
