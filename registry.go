package main

import (
	"path/filepath"
	"strconv"
	"sync"

	"github.com/dragonlist/listkv/engine"
	"github.com/dragonlist/listkv/listkv"
	"github.com/dragonlist/listkv/rsyncserver"
	"github.com/dragonlist/listkv/snapshot"
)

// Partition owns one (db_name, slot_id)'s engine and snapshot state. It
// satisfies listkv.Store directly (via the embedded *engine.Engine) and
// rsyncserver.Partition (via the methods below), so it is the one object
// both the command layer and the rsync server talk to.
type Partition struct {
	*engine.Engine

	dbName string
	slotID uint32
	coord  *snapshot.Coordinator
}

// Push appends vals to key's list, serialized per key via Engine.Update.
func (p *Partition) Push(key []byte, front bool, vals ...[]byte) (newSize uint64, err error) {
	err = p.Update(key, func() error {
		newSize, err = listkv.Push(p.Engine, key, front, vals...)
		return err
	})
	return newSize, err
}

// Pop removes up to count elements from key's list.
func (p *Partition) Pop(key []byte, front bool, count int) (vals [][]byte, err error) {
	err = p.Update(key, func() error {
		vals, err = listkv.Pop(p.Engine, key, front, count)
		return err
	})
	return vals, err
}

// Del logically clears key's list.
func (p *Partition) Del(key []byte) error {
	return p.Update(key, func() error {
		return listkv.Del(p.Engine, key)
	})
}

// Expire sets key's absolute expiry to now+seconds.
func (p *Partition) Expire(key []byte, seconds int64) error {
	return p.Update(key, func() error {
		return listkv.Expire(p.Engine, key, seconds)
	})
}

// IsBgSaving implements rsyncserver.Partition.
func (p *Partition) IsBgSaving() bool {
	return p.coord.IsBgSaving(p.dbName, p.slotID)
}

// Meta implements rsyncserver.Partition.
func (p *Partition) Meta() (files []string, snapshotUUID string, err error) {
	return p.coord.Meta(p.dbName, p.slotID)
}

// ReadFile implements rsyncserver.Partition by joining the partition's
// current snapshot directory with filename and delegating to the chunked
// snapshot reader.
func (p *Partition) ReadFile(filename string, offset, count int64) (data []byte, eof bool, checksum string, err error) {
	path := filepath.Join(p.coord.Dir(p.dbName, p.slotID), filename)
	return snapshot.Read(path, offset, count)
}

// Snapshot produces (or replaces) this partition's advertised snapshot and
// publishes the new UUID to any long-poll watchers.
func (p *Partition) Snapshot(w *snapshot.Watcher) (snapshot.Info, error) {
	release, err := p.coord.BeginSnapshot(p.dbName, p.slotID)
	if err != nil {
		return snapshot.Info{}, err
	}
	defer release()

	info, err := p.coord.Snapshot(p.dbName, p.slotID)
	if err != nil {
		return snapshot.Info{}, err
	}
	if w != nil {
		w.Publish(p.key(), info.UUID)
	}
	return info, nil
}

func (p *Partition) key() string {
	return p.dbName + "/" + strconv.FormatUint(uint64(p.slotID), 10)
}

// Registry maps (db_name, slot_id) to an opened Partition. It is a fixed
// set populated once at startup — an rsync request naming an
// unregistered partition gets code = Err, it never causes a partition to
// be created on demand.
type Registry struct {
	mu         sync.RWMutex
	partitions map[string]*Partition
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{partitions: make(map[string]*Partition)}
}

// Open opens the engine and snapshot coordinator for (dbName, slotID)
// under dbRoot/dumpRoot and registers the resulting partition.
func (r *Registry) Open(dbName string, slotID uint32, dbRoot string, engineCfg engine.Config, dumpRoot, dumpPrefix string) (*Partition, error) {
	slotDir := filepath.Join(dbRoot, dbName, strconv.FormatUint(uint64(slotID), 10))
	eng, err := engine.Open(slotDir, engineCfg)
	if err != nil {
		return nil, err
	}

	p := &Partition{
		Engine: eng,
		dbName: dbName,
		slotID: slotID,
		coord:  snapshot.NewCoordinator(dumpRoot, dumpPrefix),
	}

	r.mu.Lock()
	r.partitions[partitionKey(dbName, slotID)] = p
	r.mu.Unlock()
	return p, nil
}

// Lookup implements rsyncserver.Registry.
func (r *Registry) Lookup(dbName string, slotID uint32) (rsyncserver.Partition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.partitions[partitionKey(dbName, slotID)]
	if !ok {
		return nil, false
	}
	return p, true
}

// List returns every registered partition's (db_name, slot_id) pair, for
// the status surface.
func (r *Registry) List() []PartitionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PartitionID, 0, len(r.partitions))
	for _, p := range r.partitions {
		out = append(out, PartitionID{DBName: p.dbName, SlotID: p.slotID})
	}
	return out
}

// Get returns the partition for (dbName, slotID), if registered.
func (r *Registry) Get(dbName string, slotID uint32) (*Partition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.partitions[partitionKey(dbName, slotID)]
	return p, ok
}

// Close closes every registered partition's engine.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var firstErr error
	for _, p := range r.partitions {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PartitionID names a registered partition.
type PartitionID struct {
	DBName string
	SlotID uint32
}

func partitionKey(dbName string, slotID uint32) string {
	return dbName + "/" + strconv.FormatUint(uint64(slotID), 10)
}
