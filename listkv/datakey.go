package listkv

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

const dataKeyFixedLen = 4 + 8 // version (u32 BE) + index (u64 BE)

// EncodeDataKey builds the column-family "data" key for one list element:
// userKey, then version big-endian (so a version's elements sort together),
// then index big-endian. Big-endian keeps lexicographic byte order
// consistent with numeric order, unlike the little-endian layout used for
// in-value counters.
func EncodeDataKey(userKey []byte, version int32, index uint64) []byte {
	buf := make([]byte, len(userKey)+dataKeyFixedLen)
	n := copy(buf, userKey)
	binary.BigEndian.PutUint32(buf[n:n+4], uint32(version))
	binary.BigEndian.PutUint64(buf[n+4:n+12], index)
	return buf
}

// ParseDataKey splits an encoded data key back into its user key, version,
// and index. userKey aliases the input slice; callers that retain it past
// the lifetime of b must copy.
func ParseDataKey(b []byte) (userKey []byte, version int32, index uint64, err error) {
	if len(b) < dataKeyFixedLen {
		return nil, 0, 0, errors.Mark(errors.Wrapf(ErrCorruptRecord, "data key too short: %d bytes", len(b)), ErrCorruptRecord)
	}
	split := len(b) - dataKeyFixedLen
	userKey = b[:split]
	version = int32(binary.BigEndian.Uint32(b[split : split+4]))
	index = binary.BigEndian.Uint64(b[split+4 : split+12])
	return userKey, version, index, nil
}
