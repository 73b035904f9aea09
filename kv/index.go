package kv

import (
	"github.com/learn-decentralized-systems/toytlv"

	"github.com/permazen/permazen-go/oid"
	"github.com/permazen/permazen-go/schema"
)

// index keys carry the raw encoded value, the TLV body of the row
func bodyOf(tlv []byte) []byte {
	if tlv == nil {
		return nil
	}
	_, body, _ := toytlv.TakeAny(tlv)
	return body
}

// updateFieldIndexes swaps the field's simple-index entry and the
// composite entries of every index the field participates in. The
// owner type may be nil when the object's tag is no longer in the
// target schema; index maintenance is skipped silently then.
func (tx *pebbleTx) updateFieldIndexes(id oid.ID, ot *schema.ObjectType, f *schema.Field, old, new []byte) error {
	if ot == nil {
		return nil
	}
	if f.Indexed && (f.Kind == schema.Simple || f.Kind == schema.Reference) {
		if ob := bodyOf(old); ob != nil {
			if err := tx.del(idxKey(kSimpleIdx, f.StorageID, ob, id, nil)); err != nil {
				return err
			}
		}
		if nb := bodyOf(new); nb != nil {
			if err := tx.set(idxKey(kSimpleIdx, f.StorageID, nb, id, nil), nil); err != nil {
				return err
			}
		}
	}
	if f.Kind != schema.Simple {
		return nil
	}
	for i := range ot.Composite {
		ci := &ot.Composite[i]
		member := false
		for _, fn := range ci.FieldNames {
			if fn == f.Name {
				member = true
				break
			}
		}
		if !member {
			continue
		}
		oldKey, okOld, err := tx.compositeKey(id, ot, ci, f, old)
		if err != nil {
			return err
		}
		newKey, okNew, err := tx.compositeKey(id, ot, ci, f, new)
		if err != nil {
			return err
		}
		if okOld {
			if err = tx.del(idxKey(kCompIdx, ci.StorageID, oldKey, id, nil)); err != nil {
				return err
			}
		}
		if okNew {
			if err = tx.set(idxKey(kCompIdx, ci.StorageID, newKey, id, nil), nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// compositeKey concatenates the member values of one composite index
// entry, substituting override for the field being rewritten. A
// missing member value means no entry.
func (tx *pebbleTx) compositeKey(id oid.ID, ot *schema.ObjectType, ci *schema.CompositeIndex, f *schema.Field, override []byte) ([]byte, bool, error) {
	var key []byte
	for _, fn := range ci.FieldNames {
		var tlv []byte
		if fn == f.Name {
			tlv = override
		} else {
			mf, err := ot.Field(fn)
			if err != nil {
				return nil, false, err
			}
			tlv, err = tx.get(oKey(id, mf.StorageID))
			if err != nil {
				return nil, false, err
			}
		}
		body := bodyOf(tlv)
		if body == nil {
			return nil, false, nil
		}
		key = append(key, body...)
	}
	return key, true, nil
}

// clearFieldIndexes drops the index rows mirroring one field of a
// dying object.
func (tx *pebbleTx) clearFieldIndexes(id oid.ID, ot *schema.ObjectType, f *schema.Field) error {
	switch f.Kind {
	case schema.Simple, schema.Reference:
		cur, err := tx.get(oKey(id, f.StorageID))
		if err != nil {
			return err
		}
		if err = tx.updateFieldIndexes(id, ot, f, cur, nil); err != nil {
			return err
		}
	case schema.List:
		if !f.Indexed {
			return nil
		}
		var keys [][]byte
		prefix := eKey(id, f.StorageID, nil)
		tx.scan(prefix, func(key, value []byte) bool {
			pos := eKeySuffix(key)
			keys = append(keys, idxKey(kListIdx, f.StorageID, bodyOf(value), id, pos))
			return true
		})
		for _, key := range keys {
			if err := tx.del(key); err != nil {
				return err
			}
		}
	case schema.Map:
		if !f.Indexed {
			return nil
		}
		var keys [][]byte
		prefix := eKey(id, f.StorageID, nil)
		tx.scan(prefix, func(key, value []byte) bool {
			mkey := append([]byte(nil), eKeySuffix(key)...)
			keys = append(keys, idxKey(kMapIdx, f.StorageID, append([]byte(nil), bodyOf(value)...), id, mkey))
			return true
		})
		for _, key := range keys {
			if err := tx.del(key); err != nil {
				return err
			}
		}
	}
	return nil
}
