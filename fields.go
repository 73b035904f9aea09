package permazen

import (
	"iter"

	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"

	"github.com/permazen/permazen-go/kv"
	"github.com/permazen/permazen-go/oid"
	"github.com/permazen/permazen-go/schema"
)

// The read/write entry points below are what generated accessors
// call: (object id, field storage id, migrate flag) in, model-level
// values out. The migrate flag runs schema migration before the
// access so old-version objects convert on first touch.

func (tx *Transaction) fieldOf(id oid.ID, storageID uint32) (*schema.ObjectType, *schema.Field, error) {
	ot, err := tx.schema.TypeByTag(id.Tag())
	if err != nil {
		return nil, nil, errors.Wrap(ErrTypeNotInSchema, id.String())
	}
	f, err := ot.FieldByID(storageID)
	if err != nil {
		return nil, nil, err
	}
	return ot, f, nil
}

// engine "unknown object" becomes this layer's deleted-object error;
// everything else (the retry signal included) passes unchanged
func mapObjectErr(id oid.ID, err error) error {
	if errors.Is(err, kv.ErrObjectUnknown) {
		return &DeletedObjectError{ID: id}
	}
	return err
}

func (tx *Transaction) maybeMigrate(id oid.ID, migrate bool) error {
	if !migrate {
		return nil
	}
	_, err := tx.Migrate(id)
	return err
}

func (tx *Transaction) ReadSimpleField(id oid.ID, storageID uint32, migrate bool) (any, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if err := tx.maybeMigrate(id, migrate); err != nil {
		return nil, err
	}
	_, f, err := tx.fieldOf(id, storageID)
	if err != nil {
		return nil, err
	}
	if f.Kind != schema.Simple && f.Kind != schema.Reference {
		return nil, kv.ErrWrongFieldKind
	}
	o := tx.Get(id)
	if v, ok := o.cached(storageID); ok {
		return v, nil
	}
	tlv, err := tx.kvt.ReadRaw(id, f)
	if err != nil {
		return nil, mapObjectErr(id, err)
	}
	if tlv == nil {
		return nil, nil
	}
	enc, err := f.ValueEncoding()
	if err != nil {
		return nil, err
	}
	_, body, _ := toytlv.TakeAny(tlv)
	v, err := enc.Decode(body)
	if err != nil {
		return nil, err
	}
	o.cache(storageID, v)
	return v, nil
}

func (tx *Transaction) WriteSimpleField(id oid.ID, storageID uint32, value any, migrate bool) error {
	if err := tx.check(); err != nil {
		return err
	}
	if err := tx.maybeMigrate(id, migrate); err != nil {
		return err
	}
	ot, f, err := tx.fieldOf(id, storageID)
	if err != nil {
		return err
	}
	if f.Kind != schema.Simple && f.Kind != schema.Reference {
		return kv.ErrWrongFieldKind
	}
	if o, ok := value.(*Object); ok {
		value = o.ID()
	}
	enc, err := f.ValueEncoding()
	if err != nil {
		return err
	}
	body, err := enc.Encode(value)
	if err != nil {
		return err
	}
	if err = tx.kvt.WriteRaw(id, f, toytlv.Record(enc.Letter(), body)); err != nil {
		return mapObjectErr(id, err)
	}
	tx.Get(id).cache(storageID, value)
	if ot.AutoValidate {
		tx.enqueueValidation(id, nil)
	}
	return nil
}

// ReadReferenceField resolves a reference field straight to a handle
// of this transaction, or nil when unset.
func (tx *Transaction) ReadReferenceField(id oid.ID, storageID uint32, migrate bool) (*Object, error) {
	v, err := tx.ReadSimpleField(id, storageID, migrate)
	if err != nil || v == nil {
		return nil, err
	}
	target, ok := v.(oid.ID)
	if !ok {
		return nil, kv.ErrWrongFieldKind
	}
	return tx.Get(target), nil
}

func (tx *Transaction) ReadCounterField(id oid.ID, storageID uint32, migrate bool) (int64, error) {
	if err := tx.check(); err != nil {
		return 0, err
	}
	if err := tx.maybeMigrate(id, migrate); err != nil {
		return 0, err
	}
	_, f, err := tx.fieldOf(id, storageID)
	if err != nil {
		return 0, err
	}
	v, err := tx.kvt.ReadCounter(id, f)
	return v, mapObjectErr(id, err)
}

func (tx *Transaction) AdjustCounterField(id oid.ID, storageID uint32, delta int64, migrate bool) error {
	if err := tx.check(); err != nil {
		return err
	}
	if err := tx.maybeMigrate(id, migrate); err != nil {
		return err
	}
	_, f, err := tx.fieldOf(id, storageID)
	if err != nil {
		return err
	}
	return mapObjectErr(id, tx.kvt.AdjustCounter(id, f, delta))
}

func (tx *Transaction) elemField(id oid.ID, storageID uint32, kind schema.Kind, migrate bool) (*schema.ObjectType, *schema.Field, schema.Encoding, error) {
	if err := tx.check(); err != nil {
		return nil, nil, nil, err
	}
	if err := tx.maybeMigrate(id, migrate); err != nil {
		return nil, nil, nil, err
	}
	ot, f, err := tx.fieldOf(id, storageID)
	if err != nil {
		return nil, nil, nil, err
	}
	if f.Kind != kind {
		return nil, nil, nil, kv.ErrWrongFieldKind
	}
	enc, err := schema.Lookup(f.Encoding)
	if err != nil {
		return nil, nil, nil, err
	}
	return ot, f, enc, nil
}

func (tx *Transaction) ReadSetField(id oid.ID, storageID uint32, migrate bool) (iter.Seq[any], error) {
	_, f, enc, err := tx.elemField(id, storageID, schema.Set, migrate)
	if err != nil {
		return nil, err
	}
	return func(yield func(any) bool) {
		for raw := range tx.kvt.SetElems(id, f) {
			v, err := enc.Decode(raw)
			if err != nil {
				tx.log.Warn("undecodable set element", "id", id.String(), "field", f.Name)
				continue
			}
			if !yield(v) {
				return
			}
		}
	}, nil
}

func (tx *Transaction) SetFieldAdd(id oid.ID, storageID uint32, value any, migrate bool) error {
	ot, f, enc, err := tx.elemField(id, storageID, schema.Set, migrate)
	if err != nil {
		return err
	}
	raw, err := enc.Encode(value)
	if err != nil {
		return err
	}
	if err = tx.kvt.SetAdd(id, f, raw); err != nil {
		return mapObjectErr(id, err)
	}
	if ot.AutoValidate {
		tx.enqueueValidation(id, nil)
	}
	return nil
}

func (tx *Transaction) SetFieldRemove(id oid.ID, storageID uint32, value any, migrate bool) error {
	_, f, enc, err := tx.elemField(id, storageID, schema.Set, migrate)
	if err != nil {
		return err
	}
	raw, err := enc.Encode(value)
	if err != nil {
		return err
	}
	return mapObjectErr(id, tx.kvt.SetRemove(id, f, raw))
}

func (tx *Transaction) ReadListField(id oid.ID, storageID uint32, migrate bool) (iter.Seq2[uint64, any], error) {
	_, f, enc, err := tx.elemField(id, storageID, schema.List, migrate)
	if err != nil {
		return nil, err
	}
	return func(yield func(uint64, any) bool) {
		for pos, tlv := range tx.kvt.ListElems(id, f) {
			_, body, _ := toytlv.TakeAny(tlv)
			v, err := enc.Decode(body)
			if err != nil {
				tx.log.Warn("undecodable list element", "id", id.String(), "field", f.Name)
				continue
			}
			if !yield(pos, v) {
				return
			}
		}
	}, nil
}

func (tx *Transaction) ListFieldAppend(id oid.ID, storageID uint32, value any, migrate bool) error {
	ot, f, enc, err := tx.elemField(id, storageID, schema.List, migrate)
	if err != nil {
		return err
	}
	body, err := enc.Encode(value)
	if err != nil {
		return err
	}
	if err = tx.kvt.ListAppend(id, f, toytlv.Record(enc.Letter(), body)); err != nil {
		return mapObjectErr(id, err)
	}
	if ot.AutoValidate {
		tx.enqueueValidation(id, nil)
	}
	return nil
}

func (tx *Transaction) ReadMapField(id oid.ID, storageID uint32, migrate bool) (iter.Seq2[any, any], error) {
	_, f, enc, err := tx.elemField(id, storageID, schema.Map, migrate)
	if err != nil {
		return nil, err
	}
	kenc, err := schema.Lookup(f.KeyEncoding)
	if err != nil {
		return nil, err
	}
	return func(yield func(any, any) bool) {
		for rawKey, tlv := range tx.kvt.MapElems(id, f) {
			k, kerr := kenc.Decode(rawKey)
			_, body, _ := toytlv.TakeAny(tlv)
			v, verr := enc.Decode(body)
			if kerr != nil || verr != nil {
				tx.log.Warn("undecodable map entry", "id", id.String(), "field", f.Name)
				continue
			}
			if !yield(k, v) {
				return
			}
		}
	}, nil
}

func (tx *Transaction) MapFieldPut(id oid.ID, storageID uint32, key, value any, migrate bool) error {
	ot, f, enc, err := tx.elemField(id, storageID, schema.Map, migrate)
	if err != nil {
		return err
	}
	kenc, err := schema.Lookup(f.KeyEncoding)
	if err != nil {
		return err
	}
	rawKey, err := kenc.Encode(key)
	if err != nil {
		return err
	}
	body, err := enc.Encode(value)
	if err != nil {
		return err
	}
	if err = tx.kvt.MapPut(id, f, rawKey, toytlv.Record(enc.Letter(), body)); err != nil {
		return mapObjectErr(id, err)
	}
	if ot.AutoValidate {
		tx.enqueueValidation(id, nil)
	}
	return nil
}
