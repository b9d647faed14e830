package engine

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/dragonlist/listkv/listkv"
)

// Sweep runs one GC pass over both column families, applying
// listkv.DataFilter then listkv.MetaFilter, and physically reclaims the
// dropped key ranges via pebble.DB.Compact. This is the engine adapter's
// stand-in for a native compaction-time filter callback (see the package
// doc comment and DESIGN.md).
//
// The data family is swept first, while the meta records its filter
// consults are all still present. The meta filter looks only at each meta
// record itself, never at data records.
func (e *Engine) Sweep(ctx context.Context, now time.Time) error {
	if err := e.sweepData(now); err != nil {
		return err
	}
	if err := e.sweepMeta(now); err != nil {
		return err
	}
	e.metrics.gcSweeps.Inc()
	return e.compactAll(ctx)
}

func (e *Engine) sweepData(now time.Time) error {
	filter := listkv.NewDataFilter(e)

	iter, err := e.dataDB.NewIter(nil)
	if err != nil {
		return errors.Mark(errors.Wrapf(ErrIO, "data iter: %v", err), ErrIO)
	}
	defer iter.Close()

	batch := e.dataDB.NewBatch()
	defer batch.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		value := iter.Value()
		if filter.Keep(key, value, now) {
			e.metrics.filterKeep.Inc()
			continue
		}
		e.metrics.filterDrop.Inc()
		if err := batch.Delete(key, nil); err != nil {
			return errors.Mark(errors.Wrapf(ErrIO, "batch delete data: %v", err), ErrIO)
		}
	}
	if err := iter.Error(); err != nil {
		return errors.Mark(errors.Wrapf(ErrIO, "data iter: %v", err), ErrIO)
	}
	if batch.Count() == 0 {
		return nil
	}
	if err := e.dataDB.Apply(batch, pebble.NoSync); err != nil {
		return errors.Mark(errors.Wrapf(ErrIO, "apply data gc batch: %v", err), ErrIO)
	}
	return nil
}

func (e *Engine) sweepMeta(now time.Time) error {
	filter := listkv.MetaFilter{}

	iter, err := e.metaDB.NewIter(nil)
	if err != nil {
		return errors.Mark(errors.Wrapf(ErrIO, "meta iter: %v", err), ErrIO)
	}
	defer iter.Close()

	batch := e.metaDB.NewBatch()
	defer batch.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		value := iter.Value()
		if filter.Keep(value, now) {
			continue
		}
		if err := batch.Delete(key, nil); err != nil {
			return errors.Mark(errors.Wrapf(ErrIO, "batch delete meta: %v", err), ErrIO)
		}
	}
	if err := iter.Error(); err != nil {
		return errors.Mark(errors.Wrapf(ErrIO, "meta iter: %v", err), ErrIO)
	}
	if batch.Count() == 0 {
		return nil
	}
	if err := e.metaDB.Apply(batch, pebble.NoSync); err != nil {
		return errors.Mark(errors.Wrapf(ErrIO, "apply meta gc batch: %v", err), ErrIO)
	}
	return nil
}

func (e *Engine) compactAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullRangeStart := []byte{}
	fullRangeEnd := []byte{0xff, 0xff, 0xff, 0xff}
	if err := e.dataDB.Compact(fullRangeStart, fullRangeEnd, false); err != nil {
		return errors.Mark(errors.Wrapf(ErrIO, "compact data cf: %v", err), ErrIO)
	}
	if err := e.metaDB.Compact(fullRangeStart, fullRangeEnd, false); err != nil {
		return errors.Mark(errors.Wrapf(ErrIO, "compact meta cf: %v", err), ErrIO)
	}
	return nil
}

// GCLoop runs Sweep on cfg.GCInterval until ctx is cancelled.
func (e *Engine) GCLoop(ctx context.Context) error {
	t := time.NewTicker(e.cfg.GCInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := e.Sweep(ctx, time.Now()); err != nil {
				return err
			}
		}
	}
}
