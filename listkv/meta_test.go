package listkv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeParseMetaRoundTrip(t *testing.T) {
	m := Meta{Size: 3, Version: 7, TTL: 1234, Left: -2, Right: 5}
	got, err := ParseMeta(EncodeMeta(m))
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestParseMetaCorrupt(t *testing.T) {
	_, err := ParseMeta([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrCorruptRecord)
}

func TestMetaEmpty(t *testing.T) {
	require.True(t, (Meta{Size: 0}).Empty())
	require.False(t, (Meta{Size: 1}).Empty())
}

func TestMetaExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	require.False(t, (Meta{TTL: 0}).Expired(now), "ttl 0 means no expiry")
	require.False(t, (Meta{TTL: 1001}).Expired(now))
	require.True(t, (Meta{TTL: 999}).Expired(now))
}

func TestUpdateVersionMonotonic(t *testing.T) {
	m := Meta{Version: 5}
	v := UpdateVersion(&m)
	require.GreaterOrEqual(t, v, int32(6))
	require.Equal(t, v, m.Version)

	// A second bump must never go backwards even if the clock-derived
	// candidate would be smaller than old+1.
	prev := m.Version
	UpdateVersion(&m)
	require.Greater(t, m.Version, prev)
}

func TestSetRelativeTimestamp(t *testing.T) {
	var m Meta
	before := time.Now().Unix()
	SetRelativeTimestamp(&m, 60)
	require.GreaterOrEqual(t, m.TTL, before+60)
	require.LessOrEqual(t, m.TTL, time.Now().Unix()+61)
}
