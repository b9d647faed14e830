package listkv

import (
	"bytes"
	"sync"
	"time"
)

// MetaGetter is the narrow read interface the data filter needs against
// the meta column family — satisfied by *engine.Engine's meta accessor
// without listkv importing engine (which would create an import cycle,
// since engine wires these filters in).
type MetaGetter interface {
	GetMeta(userKey []byte) (value []byte, found bool, err error)
}

// MetaFilter drops a meta record iff the list it describes is empty or
// has an absolute expiry already in the past. It holds no state and
// needs no external lookups, so a single instance may be reused across
// compaction jobs and goroutines.
type MetaFilter struct{}

// Keep reports whether the meta record should survive compaction.
func (MetaFilter) Keep(value []byte, now time.Time) bool {
	m, err := ParseMeta(value)
	if err != nil {
		// Decoding failures are never surfaced as drop decisions: keep the
		// record and let the read path surface the corruption.
		return true
	}
	if m.Empty() {
		return false
	}
	if m.Expired(now) {
		return false
	}
	return true
}

// DataFilter drops a data record once the list generation it belongs to
// is no longer live. One instance is constructed per compaction job and
// must not be shared across concurrent jobs: its single-entry cache holds
// no cross-job state by design.
type DataFilter struct {
	meta MetaGetter

	mu         sync.Mutex // guards the fields below; see note on concurrent use
	lastKey    []byte
	cacheValid bool
	metaExists bool
	metaVer    int32
	metaTTL    int64
}

// NewDataFilter constructs a data filter backed by a point-lookup handle
// into the meta column family.
func NewDataFilter(meta MetaGetter) *DataFilter {
	return &DataFilter{meta: meta}
}

// Keep decides whether a data record survives compaction, via a cached
// fast path and a point-lookup slow path against the meta record.
//
// The mutex exists only so a single *DataFilter can be safely reused by
// tests that probe it from multiple goroutines; in production one filter
// instance is owned by exactly one compaction job, so the lock is never
// contended.
func (f *DataFilter) Keep(key, _ []byte, now time.Time) bool {
	userKey, version, _, err := ParseDataKey(key)
	if err != nil {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !(f.cacheValid && bytes.Equal(f.lastKey, userKey)) {
		f.refreshLocked(userKey, now)
	}

	if !f.metaExists {
		return false
	}
	if f.metaTTL != 0 && f.metaTTL < now.Unix() {
		return false
	}
	if version < f.metaVer {
		return false
	}
	return true
}

// refreshLocked performs the slow path: a point lookup against the meta
// column family, caching the result for subsequent records sharing the
// same user key. Any lookup error is treated as "meta not found" rather
// than surfaced, so compaction never stalls on a transient engine error —
// the pass is idempotent and simply re-runs.
func (f *DataFilter) refreshLocked(userKey []byte, now time.Time) {
	f.lastKey = append(f.lastKey[:0], userKey...)
	f.cacheValid = true

	value, found, err := f.meta.GetMeta(userKey)
	if err != nil || !found {
		f.metaExists = false
		return
	}
	m, err := ParseMeta(value)
	if err != nil {
		f.metaExists = false
		return
	}
	f.metaExists = true
	f.metaVer = m.Version
	f.metaTTL = m.TTL
}
