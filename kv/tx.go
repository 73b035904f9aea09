package kv

import (
	"iter"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"

	"github.com/permazen/permazen-go/schema"
)

// absent marks a tracked read that found no row.
const absentFingerprint = ^uint64(0)

// pebbleTx buffers writes in an indexed batch and validates tracked
// reads against the live store at commit, first committer wins.
// Instances are single-writer; only Commit takes the store lock.
type pebbleTx struct {
	st     *pebbleStore
	b      *pebble.Batch
	target *schema.Schema

	detached bool
	ownStore *pebbleStore
	quiet    bool

	readTrack bool
	reads     map[string]uint64
	writes    map[string]struct{}

	closed bool
}

func (tx *pebbleTx) TargetSchema() *schema.Schema { return tx.target }
func (tx *pebbleTx) Detached() bool               { return tx.detached }
func (tx *pebbleTx) Closed() bool                 { return tx.closed }

func (tx *pebbleTx) trackRead(key, value []byte, found bool) {
	if !tx.readTrack {
		return
	}
	k := string(key)
	if _, own := tx.writes[k]; own {
		return
	}
	if _, seen := tx.reads[k]; seen {
		return
	}
	if found {
		tx.reads[k] = xxhash.Sum64(value)
	} else {
		tx.reads[k] = absentFingerprint
	}
}

// get reads through the batch (own writes first, then the store) and
// copies the value out, since closing the pebble closer invalidates it.
func (tx *pebbleTx) get(key []byte) ([]byte, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	val, closer, err := tx.b.Get(key)
	if err == pebble.ErrNotFound {
		tx.trackRead(key, nil, false)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp := append([]byte(nil), val...)
	_ = closer.Close()
	tx.trackRead(key, cp, true)
	return cp, nil
}

func (tx *pebbleTx) set(key, value []byte) error {
	if tx.closed {
		return ErrTxClosed
	}
	if tx.readTrack {
		tx.writes[string(key)] = struct{}{}
	}
	return tx.b.Set(key, value, nil)
}

func (tx *pebbleTx) del(key []byte) error {
	if tx.closed {
		return ErrTxClosed
	}
	if tx.readTrack {
		tx.writes[string(key)] = struct{}{}
	}
	return tx.b.Delete(key, nil)
}

// scan walks a key prefix through the batch view, tracking every
// visited row. The yield gets the raw key and value; both are only
// valid during the call.
func (tx *pebbleTx) scan(prefix []byte, yield func(key, value []byte) bool) {
	if tx.closed {
		return
	}
	it, err := tx.b.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		tx.st.opts.Logger.Error("iterator open failed", "err", err)
		return
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		tx.trackRead(it.Key(), it.Value(), true)
		if !yield(it.Key(), it.Value()) {
			return
		}
	}
}

func (tx *pebbleTx) SetReadTracking(on bool) (prev, supported bool) {
	if tx.st.mem {
		return false, false
	}
	prev = tx.readTrack
	tx.readTrack = on
	return prev, true
}

func (tx *pebbleTx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.closed = true
	st := tx.st
	st.commitLock.Lock()
	defer st.commitLock.Unlock()
	if st.db == nil {
		return ErrClosed
	}
	for key, fp := range tx.reads {
		val, closer, err := st.db.Get([]byte(key))
		if err == pebble.ErrNotFound {
			if fp != absentFingerprint {
				_ = tx.b.Close()
				return ErrRetryConflict
			}
			continue
		}
		if err != nil {
			_ = tx.b.Close()
			return err
		}
		now := xxhash.Sum64(val)
		_ = closer.Close()
		if fp == absentFingerprint || now != fp {
			_ = tx.b.Close()
			return ErrRetryConflict
		}
	}
	err := tx.b.Commit(st.opts.WriteOptions)
	if tx.ownStore != nil {
		_ = tx.ownStore.Close()
	}
	return err
}

func (tx *pebbleTx) Rollback() error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.closed = true
	err := tx.b.Close()
	if tx.ownStore != nil {
		_ = tx.ownStore.Close()
	}
	return err
}

func (tx *pebbleTx) ScanSimpleIndex(storageID uint32, key []byte, ranges []TypeRange) iter.Seq[IndexEntry] {
	return tx.scanIndex(kSimpleIdx, storageID, key, ranges)
}

func (tx *pebbleTx) ScanListIndex(storageID uint32, key []byte, ranges []TypeRange) iter.Seq[IndexEntry] {
	return tx.scanIndex(kListIdx, storageID, key, ranges)
}

func (tx *pebbleTx) ScanMapValueIndex(storageID uint32, key []byte, ranges []TypeRange) iter.Seq[IndexEntry] {
	return tx.scanIndex(kMapIdx, storageID, key, ranges)
}

func (tx *pebbleTx) ScanCompositeIndex(indexID uint32, key []byte, ranges []TypeRange) iter.Seq[IndexEntry] {
	return tx.scanIndex(kCompIdx, indexID, key, ranges)
}

func (tx *pebbleTx) scanIndex(mark byte, fieldID uint32, valkey []byte, ranges []TypeRange) iter.Seq[IndexEntry] {
	prefix := idxPrefix(mark, fieldID, valkey)
	return func(yield func(IndexEntry) bool) {
		tx.scan(prefix, func(key, _ []byte) bool {
			e, ok := idxEntry(key, len(prefix))
			if !ok || !inRanges(e.ID, ranges) {
				return true
			}
			return yield(e)
		})
	}
}
