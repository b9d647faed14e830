// Package listkv implements the on-disk encoding for a Redis LIST mapped
// onto a flat ordered key-value engine, and the compaction-time filters
// that garbage-collect stale records.
package listkv

import (
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrCorruptRecord is returned when a meta or data record is shorter than
// its fixed-size prefix.
var ErrCorruptRecord = errors.New("listkv: corrupt record")

const metaFixedLen = 8 + 4 + 8 // size (u64) + version (i32) + ttl (i64)

// Meta is the decoded form of a list's meta record (column family "meta").
//
// Size is the number of live elements. Version is a monotonically
// increasing generation bumped on every logical clear. TTL is an absolute
// unix-epoch-seconds deadline, or 0 for no expiry. Left/Right are the
// datatype-specific head/tail cursors; they are opaque to the compaction
// filter and are carried verbatim through Encode/Parse.
type Meta struct {
	Size    uint64
	Version int32
	TTL     int64
	Left    int64
	Right   int64

	// trailing holds any bytes beyond the fields this build knows about,
	// so a newer writer's extra fields survive a round trip through an
	// older reader.
	trailing []byte
}

// Empty reports whether the list has no live elements.
func (m Meta) Empty() bool { return m.Size == 0 }

// Expired reports whether m's TTL deadline has passed as of now.
func (m Meta) Expired(now time.Time) bool {
	return m.TTL != 0 && m.TTL < now.Unix()
}

// EncodeMeta serializes m as little-endian size, version, ttl, followed by
// the optional left/right cursors and any preserved trailing bytes.
func EncodeMeta(m Meta) []byte {
	buf := make([]byte, metaFixedLen+16+len(m.trailing))
	binary.LittleEndian.PutUint64(buf[0:8], m.Size)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.Version))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(m.TTL))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(m.Left))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(m.Right))
	copy(buf[36:], m.trailing)
	return buf
}

// ParseMeta decodes a meta record, preserving any trailing bytes this
// build doesn't know about so a re-encode of a record of 36 bytes or more
// is lossless. A shorter record decodes with Left and Right zero, and any
// bytes it has past the 20-byte fixed prefix are dropped.
func ParseMeta(b []byte) (Meta, error) {
	if len(b) < metaFixedLen {
		return Meta{}, errors.Mark(errors.Wrapf(ErrCorruptRecord, "meta value too short: %d bytes", len(b)), ErrCorruptRecord)
	}
	var m Meta
	m.Size = binary.LittleEndian.Uint64(b[0:8])
	m.Version = int32(binary.LittleEndian.Uint32(b[8:12]))
	m.TTL = int64(binary.LittleEndian.Uint64(b[12:20]))
	if len(b) >= metaFixedLen+16 {
		m.Left = int64(binary.LittleEndian.Uint64(b[20:28]))
		m.Right = int64(binary.LittleEndian.Uint64(b[28:36]))
		if len(b) > metaFixedLen+16 {
			m.trailing = append([]byte(nil), b[36:]...)
		}
	}
	return m, nil
}

// UpdateVersion bumps m's version to max(old_version+1, current_unix_seconds)
// so that a wall-clock-jittered restart can never reuse an older generation,
// and returns the new version.
func UpdateVersion(m *Meta) int32 {
	now := int32(time.Now().Unix())
	next := m.Version + 1
	if now > next {
		next = now
	}
	m.Version = next
	return next
}

// SetRelativeTimestamp stores now+seconds into m's ttl field. Note this is
// distinct from clearing the expiry: a fresh Meta's TTL is 0 (no expiry)
// until SetRelativeTimestamp is called at least once.
func SetRelativeTimestamp(m *Meta, seconds int64) {
	m.TTL = time.Now().Unix() + seconds
}
