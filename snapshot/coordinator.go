package snapshot

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a partition has no snapshot yet.
var ErrNotFound = errors.New("snapshot: no snapshot for partition")

// ErrBusy signals a background save already in progress for a partition.
// It is never surfaced to a replica directly; see rsyncserver.
var ErrBusy = errors.New("snapshot: background save in progress")

// Info describes a produced snapshot: a directory, a stable UUID for its
// lifetime, and its file list.
type Info struct {
	Dir   string
	UUID  string
	Files []string
}

// Coordinator produces and tracks per-partition snapshots.
type Coordinator struct {
	dumpRoot   string
	dumpPrefix string

	guard *Guard
}

// NewCoordinator roots all snapshot directories under dumpRoot/dumpPrefix-*.
func NewCoordinator(dumpRoot, dumpPrefix string) *Coordinator {
	return &Coordinator{
		dumpRoot:   dumpRoot,
		dumpPrefix: dumpPrefix,
		guard:      NewGuard(),
	}
}

func (c *Coordinator) dir(dbName string, slotID uint32) string {
	return filepath.Join(c.dumpRoot, fmtSlotDir(c.dumpPrefix, dbName, slotID))
}

// IsBgSaving reports whether a snapshot is currently being produced for
// the given partition.
func (c *Coordinator) IsBgSaving(dbName string, slotID uint32) bool {
	return c.guard.Locked(key(dbName, slotID))
}

// BeginSnapshot acquires the per-partition snapshot guard so a partition is
// never snapshotted by two callers at once. A concurrent attempt fails fast
// rather than queuing, leaving the caller free to drop the request and let
// the retry happen one level up. The returned release func must be called
// exactly once.
func (c *Coordinator) BeginSnapshot(dbName string, slotID uint32) (release func(), err error) {
	handle, ok := c.guard.TryLock(key(dbName, slotID))
	if !ok {
		return nil, errors.Mark(ErrBusy, ErrBusy)
	}
	return func() { c.guard.Unlock(key(dbName, slotID), handle) }, nil
}

// Snapshot produces a fresh snapshot for (dbName, slotID) from the files
// already staged in its dump directory by an external bgsave process,
// writes a UUID sentinel file, and returns the resulting Info. Calling
// Snapshot again for the same partition replaces the UUID atomically: a
// new random UUID is generated and the sentinel rewritten.
func (c *Coordinator) Snapshot(dbName string, slotID uint32) (Info, error) {
	dir := c.dir(dbName, slotID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Info{}, errors.Mark(errors.Wrapf(ErrIO, "mkdir %s: %v", dir, err), ErrIO)
	}

	id := uuid.New().String()
	tmpPath := filepath.Join(c.dumpRoot, "."+filepath.Base(dir)+".UUID.tmp")
	if err := os.WriteFile(tmpPath, []byte(id), 0o644); err != nil {
		return Info{}, errors.Mark(errors.Wrapf(ErrIO, "write uuid sentinel: %v", err), ErrIO)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, "UUID")); err != nil {
		return Info{}, errors.Mark(errors.Wrapf(ErrIO, "install uuid sentinel: %v", err), ErrIO)
	}

	files, err := listFiles(dir)
	if err != nil {
		return Info{}, err
	}
	return Info{Dir: dir, UUID: id, Files: files}, nil
}

// Meta returns the currently advertised snapshot's file list and UUID
// without producing a new one.
func (c *Coordinator) Meta(dbName string, slotID uint32) (files []string, snapshotUUID string, err error) {
	dir := c.dir(dbName, slotID)
	id, err := os.ReadFile(filepath.Join(dir, "UUID"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", errors.Mark(ErrNotFound, ErrNotFound)
		}
		return nil, "", errors.Mark(errors.Wrapf(ErrIO, "read uuid sentinel: %v", err), ErrIO)
	}
	files, err = listFiles(dir)
	if err != nil {
		return nil, "", err
	}
	return files, string(id), nil
}

// UUID returns the current snapshot UUID for a partition.
func (c *Coordinator) UUID(dbName string, slotID uint32) (string, error) {
	_, id, err := c.Meta(dbName, slotID)
	return id, err
}

// Dir returns the directory a partition's snapshot files live in.
func (c *Coordinator) Dir(dbName string, slotID uint32) string {
	return c.dir(dbName, slotID)
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(ErrIO, "readdir %s: %v", dir, err), ErrIO)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == "UUID" {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func fmtSlotDir(prefix, dbName string, slotID uint32) string {
	return prefix + "-" + dbName + "-" + strconv.FormatUint(uint64(slotID), 10)
}

func key(dbName string, slotID uint32) string {
	return dbName + "/" + strconv.FormatUint(uint64(slotID), 10)
}
