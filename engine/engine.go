// Package engine adapts the cockroachdb/pebble LSM engine to a
// column-family-plus-compaction-filter shape: two independently opened
// pebble databases (one for list metadata, one for list element data) plus
// an explicit GC sweep (gc.go) standing in for a per-record compaction
// callback, which pebble has no native hook for.
package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dragonlist/listkv/listkv"
)

// ErrIO wraps engine open/close/read/write failures.
var ErrIO = errors.New("engine: io error")

// Config carries the configuration keys the engine needs.
type Config struct {
	WriteBufferSize int // per-family memtable budget, bytes
	GCInterval      time.Duration
}

// DefaultConfig mirrors sane defaults for a small deployment.
func DefaultConfig() Config {
	return Config{
		WriteBufferSize: 64 << 20,
		GCInterval:      time.Minute,
	}
}

// Engine owns the meta and data column families for one partition (slot)
// and the background GC sweep that emulates compaction-time filtering.
type Engine struct {
	metaDB *pebble.DB
	dataDB *pebble.DB

	cfg Config

	// Read-modify-write storage that guarantees callers all updates to a
	// key happen one after another, and that Update does not return until
	// the update is durably on disk.
	//
	// '|_' start, 'U' update logic, '_|' end, '_' waiting, '^' flushed
	// Request #1 ------|U_____________________|-------
	// Request #2 --------------|_U____________|-------
	// Request #3 --------------|__U___________|-------
	// Flush Loop -----------------------------^-------
	//
	// A per-key mutex (kmu, sharded by key hash) keeps updates to one key
	// sequential; unrelated keys occasionally share a shard and wait on
	// each other, which is harmless. Updates are batched: many keys'
	// updates accumulate against the same "done" channel and are released
	// together by the next Flush, which syncs both column families' WALs
	// (meta and data are independent pebble databases with independent
	// WALs, so one LogData+Sync call only proves durability for the
	// database it was issued against).
	kmu     []*kmutex
	mu      sync.Mutex
	done    chan struct{}
	count   int
	pending int
	stopped bool

	metrics metrics
}

const lockShards = 100

// Open opens the meta column family first, then the data column family —
// realized as two independently rooted pebble databases under dbPath/meta
// and dbPath/data rather than one multi-CF handle, since pebble has no
// equivalent of RocksDB::CreateColumnFamily.
func Open(dbPath string, cfg Config) (*Engine, error) {
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, errors.Mark(errors.Wrapf(ErrIO, "mkdir %s: %v", dbPath, err), ErrIO)
	}

	opts := &pebble.Options{MemTableSize: uint64(cfg.WriteBufferSize)}

	metaDB, err := pebble.Open(filepath.Join(dbPath, "meta"), opts)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(ErrIO, "open meta cf: %v", err), ErrIO)
	}
	dataDB, err := pebble.Open(filepath.Join(dbPath, "data"), opts)
	if err != nil {
		metaDB.Close()
		return nil, errors.Mark(errors.Wrapf(ErrIO, "open data cf: %v", err), ErrIO)
	}

	e := &Engine{
		metaDB:  metaDB,
		dataDB:  dataDB,
		cfg:     cfg,
		done:    make(chan struct{}),
		metrics: newMetrics(dbPath),
	}
	for i := 0; i < lockShards; i++ {
		e.kmu = append(e.kmu, newKmutex())
	}
	return e, nil
}

// Close stops accepting new updates, drains in-flight ones, and closes
// both column families.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	for e.Flush() != 0 {
	}

	if err := e.dataDB.Close(); err != nil {
		return errors.Mark(errors.Wrapf(ErrIO, "close data cf: %v", err), ErrIO)
	}
	if err := e.metaDB.Close(); err != nil {
		return errors.Mark(errors.Wrapf(ErrIO, "close meta cf: %v", err), ErrIO)
	}
	return nil
}

// GetMeta implements listkv.MetaGetter / listkv.Store against the meta
// column family.
func (e *Engine) GetMeta(userKey []byte) ([]byte, bool, error) {
	v, closer, err := e.metaDB.Get(userKey)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, errors.Mark(errors.Wrapf(ErrIO, "get meta: %v", err), ErrIO)
	}
	defer closer.Close()
	out := append([]byte(nil), v...)
	return out, true, nil
}

func (e *Engine) putMetaDirect(userKey, value []byte) error {
	if err := e.metaDB.Set(userKey, value, pebble.NoSync); err != nil {
		return errors.Mark(errors.Wrapf(ErrIO, "put meta: %v", err), ErrIO)
	}
	return nil
}

// PutMeta implements listkv.Store.
func (e *Engine) PutMeta(userKey, value []byte) error { return e.putMetaDirect(userKey, value) }

// DeleteMeta removes a meta record outright. The command layer does not
// call it (it prefers logical clears via UpdateVersion), and the GC sweep
// deletes meta records through its own batch.
func (e *Engine) DeleteMeta(userKey []byte) error {
	if err := e.metaDB.Delete(userKey, pebble.NoSync); err != nil {
		return errors.Mark(errors.Wrapf(ErrIO, "delete meta: %v", err), ErrIO)
	}
	return nil
}

// GetData reads one data record by its encoded key.
func (e *Engine) GetData(dataKey []byte) ([]byte, bool, error) {
	v, closer, err := e.dataDB.Get(dataKey)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, errors.Mark(errors.Wrapf(ErrIO, "get data: %v", err), ErrIO)
	}
	defer closer.Close()
	out := append([]byte(nil), v...)
	return out, true, nil
}

// PutData implements listkv.Store.
func (e *Engine) PutData(userKey []byte, version int32, index uint64, value []byte) error {
	key := listkv.EncodeDataKey(userKey, version, index)
	if err := e.dataDB.Set(key, value, pebble.NoSync); err != nil {
		return errors.Mark(errors.Wrapf(ErrIO, "put data: %v", err), ErrIO)
	}
	return nil
}

// DeleteData implements listkv.Store.
func (e *Engine) DeleteData(userKey []byte, version int32, index uint64) error {
	key := listkv.EncodeDataKey(userKey, version, index)
	if err := e.dataDB.Delete(key, pebble.NoSync); err != nil {
		return errors.Mark(errors.Wrapf(ErrIO, "delete data: %v", err), ErrIO)
	}
	return nil
}

// Flush forces a durable sync point: any update whose work happened
// before this call is guaranteed flushed once Flush returns. Meta and
// data live in independently opened pebble databases, each with its own
// WAL, so durability requires one LogData+Sync write against each —
// syncing only one family's WAL would leave the other family's pending
// writes (all issued with pebble.NoSync) unaccounted for.
func (e *Engine) Flush() int {
	e.mu.Lock()
	count := e.count
	e.count = 0
	done := e.done
	pending := e.pending
	e.done = make(chan struct{})
	e.mu.Unlock()

	if count > 0 {
		if err := e.dataDB.LogData([]byte("f"), pebble.Sync); err != nil {
			panic(err)
		}
		if err := e.metaDB.LogData([]byte("f"), pebble.Sync); err != nil {
			panic(err)
		}
	}
	close(done)
	return pending
}

// FlushLoop runs Flush on a tight loop until ctx is cancelled, then drains
// any remaining pending updates before returning.
func (e *Engine) FlushLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.stopped = true
			e.mu.Unlock()
			for {
				if e.Flush() == 0 {
					return nil
				}
			}
		default:
			if e.Flush() == 0 {
				time.Sleep(5 * time.Millisecond)
			}
		}
	}
}

// UpdateFunc performs the caller's read-modify-write logic against a
// single user key.
type UpdateFunc func() error

// Update serializes all updates to key and waits for the update to be
// durably flushed before returning.
func (e *Engine) Update(key []byte, f UpdateFunc) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return fmt.Errorf("engine stopped")
	}
	e.pending++
	e.count++
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.pending--
		e.mu.Unlock()
	}()

	if err := e.singletonUpdate(key, f); err != nil {
		return err
	}

	// Counted again once the writes are made, so the Flush that closes done
	// is one that syncs them.
	e.mu.Lock()
	e.count++
	done := e.done
	e.mu.Unlock()
	<-done
	return nil
}

// singletonUpdate makes sure all updates to key happen one after the
// other. There are possible collisions for unrelated keys sharing a
// shard, but that's not a problem: it just means two updates for
// different keys occasionally wait on each other.
func (e *Engine) singletonUpdate(key []byte, f UpdateFunc) error {
	h := fnv.New64a()
	h.Write(key)
	kid := h.Sum64()
	e.kmu[kid%lockShards].Lock(kid)
	defer e.kmu[kid%lockShards].Unlock(kid)
	return f()
}

// kmutex is a keyed mutex: Lock(id) blocks only callers sharing the same
// id.
type kmutex struct {
	c *sync.Cond
	l sync.Locker
	s map[uint64]struct{}
}

func newKmutex() *kmutex {
	l := sync.Mutex{}
	return &kmutex{c: sync.NewCond(&l), l: &l, s: make(map[uint64]struct{})}
}

func (km *kmutex) locked(key uint64) bool {
	_, ok := km.s[key]
	return ok
}

func (km *kmutex) Lock(key uint64) {
	km.l.Lock()
	defer km.l.Unlock()
	for km.locked(key) {
		km.c.Wait()
	}
	km.s[key] = struct{}{}
}

func (km *kmutex) Unlock(key uint64) {
	km.l.Lock()
	defer km.l.Unlock()
	delete(km.s, key)
	km.c.Broadcast()
}

type metrics struct {
	filterKeep prometheus.Counter
	filterDrop prometheus.Counter
	gcSweeps   prometheus.Counter
}

func newMetrics(partition string) metrics {
	labels := prometheus.Labels{"partition": partition}
	return metrics{
		filterKeep: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "listkv_filter_keep_total",
			Help:        "Records kept by the compaction filter.",
			ConstLabels: labels,
		}),
		filterDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "listkv_filter_drop_total",
			Help:        "Records dropped by the compaction filter.",
			ConstLabels: labels,
		}),
		gcSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "listkv_gc_sweeps_total",
			Help:        "Completed GC sweep passes.",
			ConstLabels: labels,
		}),
	}
}

// Registerer exposes this engine's metrics on a prometheus registry.
func (e *Engine) Registerer(reg prometheus.Registerer) {
	reg.MustRegister(e.metrics.filterKeep, e.metrics.filterDrop, e.metrics.gcSweeps)
}
