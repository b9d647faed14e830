package listkv

import (
	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned when a command targets a key with no live list.
var ErrNotFound = errors.New("listkv: no such list")

// Store is the narrow read/write interface the command layer needs from
// the engine adapter. It is intentionally engine-agnostic: engine.Engine
// satisfies it, and tests can satisfy it with an in-memory fake.
type Store interface {
	MetaGetter
	PutMeta(userKey []byte, value []byte) error
	PutData(userKey []byte, version int32, index uint64, value []byte) error
	DeleteData(userKey []byte, version int32, index uint64) error
}

// Push appends vals to the right (back) of the list at key when front is
// false, or prepends them to the left (front) when front is true. It writes
// one data record per value, then the updated meta record; callers are
// expected to run it through something like engine.Engine.Update so
// concurrent pushes to the same key serialize.
func Push(s Store, key []byte, front bool, vals ...[]byte) (newSize uint64, err error) {
	if len(vals) == 0 {
		return 0, nil
	}
	m, err := loadOrInit(s, key)
	if err != nil {
		return 0, err
	}
	for _, v := range vals {
		var idx uint64
		if front {
			m.Left--
			idx = uint64(m.Left)
		} else {
			m.Right++
			idx = uint64(m.Right)
		}
		if err := s.PutData(key, m.Version, idx, v); err != nil {
			return 0, err
		}
		m.Size++
	}
	if err := s.PutMeta(key, EncodeMeta(m)); err != nil {
		return 0, err
	}
	return m.Size, nil
}

// Pop removes up to count elements from the left (front) or right (back)
// of the list at key, returning them in removal order. When the list
// becomes empty, the meta record's version is bumped (a logical clear)
// rather than left pointing at stale head/tail cursors, so a subsequent
// Push starts a fresh generation.
func Pop(s Store, key []byte, front bool, count int) (vals [][]byte, err error) {
	m, found, err := loadMeta(s, key)
	if err != nil {
		return nil, err
	}
	if !found || m.Empty() {
		return nil, ErrNotFound
	}
	for i := 0; i < count && m.Size > 0; i++ {
		var idx uint64
		if front {
			idx = uint64(m.Left)
		} else {
			idx = uint64(m.Right)
		}
		dataKey := EncodeDataKey(key, m.Version, idx)
		v, found, err := lookupData(s, dataKey)
		if err != nil {
			return vals, err
		}
		if err := s.DeleteData(key, m.Version, idx); err != nil {
			return vals, err
		}
		if found {
			vals = append(vals, v)
		}
		if front {
			m.Left++
		} else {
			m.Right--
		}
		m.Size--
	}
	if m.Size == 0 {
		UpdateVersion(&m)
		m.Left, m.Right = 0, 0
	}
	if err := s.PutMeta(key, EncodeMeta(m)); err != nil {
		return vals, err
	}
	return vals, nil
}

// Del logically clears the list at key: the meta's version is bumped and
// size reset to zero, which makes every existing data record stale. The
// data records themselves are reclaimed by the next compaction pass
// rather than deleted here — the same invalidate-without-physically-
// deleting trick used for Version generally.
func Del(s Store, key []byte) error {
	m, found, err := loadMeta(s, key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	UpdateVersion(&m)
	m.Size = 0
	m.Left, m.Right = 0, 0
	return s.PutMeta(key, EncodeMeta(m))
}

// Expire sets key's absolute expiry to now+seconds.
func Expire(s Store, key []byte, seconds int64) error {
	m, found, err := loadMeta(s, key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	SetRelativeTimestamp(&m, seconds)
	return s.PutMeta(key, EncodeMeta(m))
}

func loadMeta(s Store, key []byte) (Meta, bool, error) {
	value, found, err := s.GetMeta(key)
	if err != nil {
		return Meta{}, false, err
	}
	if !found {
		return Meta{}, false, nil
	}
	m, err := ParseMeta(value)
	if err != nil {
		return Meta{}, false, err
	}
	return m, true, nil
}

func loadOrInit(s Store, key []byte) (Meta, error) {
	m, found, err := loadMeta(s, key)
	if err != nil {
		return Meta{}, err
	}
	if !found {
		UpdateVersion(&m) // seed version 0 -> max(1, now)
	}
	if m.Empty() {
		// Left and Right index the first and last element inclusively, so an
		// empty list starts with Left one past Right: the first push from
		// either end lands where Pop reads from both ends.
		m.Left, m.Right = 1, 0
	}
	return m, nil
}

// lookupData reads a data record without requiring Store to expose a raw
// Get keyed on arbitrary bytes (only the command layer ever needs this,
// so it isn't part of the Store interface itself).
type dataReader interface {
	GetData(dataKey []byte) (value []byte, found bool, err error)
}

func lookupData(s Store, dataKey []byte) ([]byte, bool, error) {
	dr, ok := s.(dataReader)
	if !ok {
		return nil, false, nil
	}
	return dr.GetData(dataKey)
}
