package kv

import (
	"encoding/binary"
	"iter"

	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"

	"github.com/permazen/permazen-go/oid"
	"github.com/permazen/permazen-go/schema"
)

// quiet suppresses listener dispatch; the copy primitive flips it for
// destinations that asked not to be notified.
func (tx *pebbleTx) fire(tag uint16, fn func(l *Listener)) {
	if tx.quiet || !tx.target.HasTag(tag) {
		return
	}
	tx.st.eachListener(tag, fn)
}

func (tx *pebbleTx) Exists(id oid.ID) (bool, error) {
	val, err := tx.get(oKey(id, versionFieldID))
	if err != nil {
		return false, err
	}
	return val != nil, nil
}

func (tx *pebbleTx) Create(id oid.ID) error {
	ot, err := tx.target.TypeByTag(id.Tag())
	if err != nil {
		return err
	}
	exists, err := tx.Exists(id)
	if err != nil {
		return err
	}
	if exists {
		return errors.Wrap(ErrObjectExists, id.String())
	}
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], tx.target.Version)
	if err = tx.set(oKey(id, versionFieldID), ver[:]); err != nil {
		return err
	}
	if err = tx.set(tKey(ot.StorageTag, id), nil); err != nil {
		return err
	}
	tx.fire(id.Tag(), func(l *Listener) {
		if l.OnCreate != nil {
			l.OnCreate(id)
		}
	})
	return nil
}

func (tx *pebbleTx) ObjectVersion(id oid.ID) (uint32, error) {
	val, err := tx.get(oKey(id, versionFieldID))
	if err != nil {
		return 0, err
	}
	if val == nil {
		return 0, errors.Wrap(ErrObjectUnknown, id.String())
	}
	return binary.BigEndian.Uint32(val), nil
}

func (tx *pebbleTx) SetObjectVersion(id oid.ID, version uint32) error {
	old, err := tx.ObjectVersion(id)
	if err != nil {
		return err
	}
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], version)
	if err = tx.set(oKey(id, versionFieldID), ver[:]); err != nil {
		return err
	}
	if old != version {
		tx.fire(id.Tag(), func(l *Listener) {
			if l.OnSchemaChange != nil {
				l.OnSchemaChange(id, old, version)
			}
		})
	}
	return nil
}

// storedType resolves the object's type under the schema version it
// was last written with, falling back to the target schema.
func (tx *pebbleTx) storedType(id oid.ID) (*schema.ObjectType, *schema.Schema, error) {
	ver, err := tx.ObjectVersion(id)
	if err != nil {
		return nil, nil, err
	}
	s, err := tx.st.Schema(ver)
	if err != nil {
		s = tx.target
	}
	ot, err := s.TypeByTag(id.Tag())
	if err != nil {
		return nil, nil, err
	}
	return ot, s, nil
}

func (tx *pebbleTx) Delete(id oid.ID) (bool, error) {
	exists, err := tx.Exists(id)
	if err != nil || !exists {
		return false, err
	}
	ot, _, err := tx.storedType(id)
	if err != nil {
		return false, err
	}
	// drop index entries before the rows they mirror
	for i := range ot.Fields {
		f := &ot.Fields[i]
		if err = tx.clearFieldIndexes(id, ot, f); err != nil {
			return false, err
		}
	}
	var keys [][]byte
	fro, _ := oKeyRange(id)
	tx.scan(fro[:9], func(key, _ []byte) bool {
		keys = append(keys, append([]byte(nil), key...))
		return true
	})
	tx.scan(eKey(id, 0, nil)[:9], func(key, _ []byte) bool {
		keys = append(keys, append([]byte(nil), key...))
		return true
	})
	for _, key := range keys {
		if err = tx.del(key); err != nil {
			return false, err
		}
	}
	if err = tx.del(tKey(ot.StorageTag, id)); err != nil {
		return false, err
	}
	tx.fire(id.Tag(), func(l *Listener) {
		if l.OnDelete != nil {
			l.OnDelete(id)
		}
	})
	return true, nil
}

func (tx *pebbleTx) InstancesOf(tag uint16) iter.Seq[oid.ID] {
	prefix := tKey(tag, 0)[:3]
	return func(yield func(oid.ID) bool) {
		tx.scan(prefix, func(key, _ []byte) bool {
			id := tKeyID(key)
			if !id.Valid() {
				return true
			}
			return yield(id)
		})
	}
}

func (tx *pebbleTx) ReadRaw(id oid.ID, f *schema.Field) ([]byte, error) {
	exists, err := tx.Exists(id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Wrap(ErrObjectUnknown, id.String())
	}
	return tx.get(oKey(id, f.StorageID))
}

func (tx *pebbleTx) WriteRaw(id oid.ID, f *schema.Field, tlv []byte) error {
	exists, err := tx.Exists(id)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Wrap(ErrObjectUnknown, id.String())
	}
	old, err := tx.get(oKey(id, f.StorageID))
	if err != nil {
		return err
	}
	ot, _ := tx.target.TypeByTag(id.Tag())
	if err = tx.updateFieldIndexes(id, ot, f, old, tlv); err != nil {
		return err
	}
	if tlv == nil {
		err = tx.del(oKey(id, f.StorageID))
	} else {
		err = tx.set(oKey(id, f.StorageID), tlv)
	}
	if err != nil {
		return err
	}
	tx.fire(id.Tag(), func(l *Listener) {
		if l.OnFieldChange != nil {
			l.OnFieldChange(id, f.StorageID)
		}
	})
	return nil
}

func (tx *pebbleTx) ClearField(id oid.ID, f *schema.Field) error {
	exists, err := tx.Exists(id)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Wrap(ErrObjectUnknown, id.String())
	}
	ot, _ := tx.target.TypeByTag(id.Tag())
	if err = tx.clearFieldIndexes(id, ot, f); err != nil {
		return err
	}
	if err = tx.del(oKey(id, f.StorageID)); err != nil {
		return err
	}
	var keys [][]byte
	tx.scan(eKey(id, f.StorageID, nil), func(key, _ []byte) bool {
		keys = append(keys, append([]byte(nil), key...))
		return true
	})
	for _, key := range keys {
		if err = tx.del(key); err != nil {
			return err
		}
	}
	tx.fire(id.Tag(), func(l *Listener) {
		if l.OnFieldChange != nil {
			l.OnFieldChange(id, f.StorageID)
		}
	})
	return nil
}

func (tx *pebbleTx) ReadCounter(id oid.ID, f *schema.Field) (int64, error) {
	if f.Kind != schema.Counter {
		return 0, ErrWrongFieldKind
	}
	tlv, err := tx.ReadRaw(id, f)
	if err != nil {
		return 0, err
	}
	if tlv == nil {
		return 0, nil
	}
	body, _ := toytlv.Take(schema.CounterLetter, tlv)
	if body == nil {
		return 0, ErrWrongFieldKind
	}
	return schema.DecodeCounter(body)
}

func (tx *pebbleTx) AdjustCounter(id oid.ID, f *schema.Field, delta int64) error {
	cur, err := tx.ReadCounter(id, f)
	if err != nil {
		return err
	}
	rec := toytlv.Record(schema.CounterLetter, schema.EncodeCounter(cur+delta))
	if err = tx.set(oKey(id, f.StorageID), rec); err != nil {
		return err
	}
	tx.fire(id.Tag(), func(l *Listener) {
		if l.OnFieldChange != nil {
			l.OnFieldChange(id, f.StorageID)
		}
	})
	return nil
}

func (tx *pebbleTx) SetAdd(id oid.ID, f *schema.Field, elem []byte) error {
	if f.Kind != schema.Set {
		return ErrWrongFieldKind
	}
	if exists, err := tx.Exists(id); err != nil || !exists {
		if err == nil {
			err = errors.Wrap(ErrObjectUnknown, id.String())
		}
		return err
	}
	return tx.set(eKey(id, f.StorageID, elem), nil)
}

func (tx *pebbleTx) SetRemove(id oid.ID, f *schema.Field, elem []byte) error {
	if f.Kind != schema.Set {
		return ErrWrongFieldKind
	}
	return tx.del(eKey(id, f.StorageID, elem))
}

func (tx *pebbleTx) SetElems(id oid.ID, f *schema.Field) iter.Seq[[]byte] {
	prefix := eKey(id, f.StorageID, nil)
	return func(yield func([]byte) bool) {
		tx.scan(prefix, func(key, _ []byte) bool {
			return yield(append([]byte(nil), eKeySuffix(key)...))
		})
	}
}

func (tx *pebbleTx) ListAppend(id oid.ID, f *schema.Field, elem []byte) error {
	if f.Kind != schema.List {
		return ErrWrongFieldKind
	}
	if exists, err := tx.Exists(id); err != nil || !exists {
		if err == nil {
			err = errors.Wrap(ErrObjectUnknown, id.String())
		}
		return err
	}
	var next uint64
	for pos := range tx.ListElems(id, f) {
		next = pos + 1
	}
	var posKey [8]byte
	binary.BigEndian.PutUint64(posKey[:], next)
	if err := tx.set(eKey(id, f.StorageID, posKey[:]), elem); err != nil {
		return err
	}
	if f.Indexed {
		return tx.set(idxKey(kListIdx, f.StorageID, bodyOf(elem), id, posKey[:]), nil)
	}
	return nil
}

func (tx *pebbleTx) ListElems(id oid.ID, f *schema.Field) iter.Seq2[uint64, []byte] {
	prefix := eKey(id, f.StorageID, nil)
	return func(yield func(uint64, []byte) bool) {
		tx.scan(prefix, func(key, value []byte) bool {
			suffix := eKeySuffix(key)
			if len(suffix) != 8 {
				return true
			}
			return yield(binary.BigEndian.Uint64(suffix), append([]byte(nil), value...))
		})
	}
}

func (tx *pebbleTx) MapPut(id oid.ID, f *schema.Field, key, value []byte) error {
	if f.Kind != schema.Map {
		return ErrWrongFieldKind
	}
	if exists, err := tx.Exists(id); err != nil || !exists {
		if err == nil {
			err = errors.Wrap(ErrObjectUnknown, id.String())
		}
		return err
	}
	old, err := tx.get(eKey(id, f.StorageID, key))
	if err != nil {
		return err
	}
	if f.Indexed && old != nil {
		if err = tx.del(idxKey(kMapIdx, f.StorageID, bodyOf(old), id, key)); err != nil {
			return err
		}
	}
	if err = tx.set(eKey(id, f.StorageID, key), value); err != nil {
		return err
	}
	if f.Indexed {
		return tx.set(idxKey(kMapIdx, f.StorageID, bodyOf(value), id, key), nil)
	}
	return nil
}

func (tx *pebbleTx) MapElems(id oid.ID, f *schema.Field) iter.Seq2[[]byte, []byte] {
	prefix := eKey(id, f.StorageID, nil)
	return func(yield func([]byte, []byte) bool) {
		tx.scan(prefix, func(key, value []byte) bool {
			return yield(append([]byte(nil), eKeySuffix(key)...),
				append([]byte(nil), value...))
		})
	}
}
