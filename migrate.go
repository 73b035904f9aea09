package permazen

import (
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"

	"github.com/permazen/permazen-go/kv"
	"github.com/permazen/permazen-go/oid"
	"github.com/permazen/permazen-go/schema"
)

// Migrate converts the object to the transaction's target schema
// version and reports whether anything changed. Field values flagged
// for upgrade conversion re-encode from the old version's encoding to
// the new one:
//
//   - counter to counter needs nothing;
//   - plain numeric to counter reinterprets the number as the 64-bit
//     counter value, and counter back to numeric goes through the
//     generic simple-field conversion path;
//   - any other encoding change runs the old-to-new value conversion
//     under the field's policy: require (fail hard), attempt (fall
//     back to clearing the field), or never (the engine default wins).
//
// After conversion the object is enqueued for default validation when
// its type asks for it, and registered schema-change hooks run with a
// snapshot of the old values.
func (tx *Transaction) Migrate(id oid.ID) (bool, error) {
	if err := tx.check(); err != nil {
		return false, err
	}
	ver, err := tx.kvt.ObjectVersion(id)
	if err != nil {
		return false, mapObjectErr(id, err)
	}
	if ver == tx.schema.Version {
		return false, nil
	}
	oldSchema, err := tx.db.store.Schema(ver)
	if err != nil {
		return false, err
	}
	oldType, err := oldSchema.TypeByTag(id.Tag())
	if err != nil {
		return false, errors.Wrapf(kv.ErrSchemaMismatch, "object %s version %d", id, ver)
	}
	newType, err := tx.schema.TypeByTag(id.Tag())
	if err != nil {
		return false, errors.Wrap(ErrTypeNotInSchema, id.String())
	}

	// hooks need the pre-conversion values; snapshot first
	var oldByName map[string]any
	var oldByID map[uint32]any
	if tx.db.hasSchemaHooks(newType.Name) {
		oldByName, oldByID, err = tx.snapshotOldValues(id, oldType)
		if err != nil {
			return false, err
		}
	}

	for i := range newType.Fields {
		newF := &newType.Fields[i]
		ndx := oldType.Fields.FindStorageID(newF.StorageID)
		if ndx < 0 {
			continue
		}
		oldF := &oldType.Fields[ndx]
		if oldF.Kind == newF.Kind && oldF.Encoding == newF.Encoding {
			continue
		}
		if newF.Kind == schema.Set || newF.Kind == schema.List || newF.Kind == schema.Map {
			continue
		}
		if err = tx.convertField(id, oldF, newF); err != nil {
			MigrationCount.WithLabelValues(newType.Name, "error").Inc()
			return false, err
		}
	}

	if err = tx.kvt.SetObjectVersion(id, tx.schema.Version); err != nil {
		return false, err
	}
	if o, ok := tx.handles[id]; ok {
		o.invalidate()
	}
	if newType.AutoValidate {
		tx.enqueueValidation(id, nil)
	}
	MigrationCount.WithLabelValues(newType.Name, "migrated").Inc()

	if hooks, _ := tx.db.schemaHooks.Load(newType.Name); len(hooks) > 0 {
		for _, h := range hooks {
			h(tx, id, ver, tx.schema.Version, oldByName, oldByID)
		}
	}
	return true, nil
}

func (tx *Transaction) convertField(id oid.ID, oldF, newF *schema.Field) error {
	tlv, err := tx.kvt.ReadRaw(id, oldF)
	if err != nil {
		return mapObjectErr(id, err)
	}
	if tlv == nil {
		return nil
	}
	if newF.Conversion == schema.ConvertNever {
		return tx.kvt.WriteRaw(id, newF, nil)
	}
	_, body, _ := toytlv.TakeAny(tlv)
	out, err := schema.ConvertValue(oldF, newF, body)
	if err != nil {
		if newF.Conversion == schema.ConvertRequire {
			return &UpgradeConversionError{ID: id, Field: newF.Name, Err: err}
		}
		tx.log.Debug("upgrade conversion skipped", "id", id.String(), "field", newF.Name, "err", err)
		return tx.kvt.WriteRaw(id, newF, nil)
	}
	lit, err := newF.Letter()
	if err != nil {
		return err
	}
	return tx.kvt.WriteRaw(id, newF, toytlv.Record(lit, out))
}

// snapshotOldValues decodes the object's simple and counter fields
// under the OLD schema's encodings, keyed by both field name and
// storage id; reference values surface as handles of this layer.
func (tx *Transaction) snapshotOldValues(id oid.ID, oldType *schema.ObjectType) (map[string]any, map[uint32]any, error) {
	byName := make(map[string]any, len(oldType.Fields))
	byID := make(map[uint32]any, len(oldType.Fields))
	for i := range oldType.Fields {
		f := &oldType.Fields[i]
		switch f.Kind {
		case schema.Simple, schema.Reference, schema.Counter:
		default:
			continue
		}
		tlv, err := tx.kvt.ReadRaw(id, f)
		if err != nil {
			return nil, nil, mapObjectErr(id, err)
		}
		if tlv == nil {
			continue
		}
		_, body, _ := toytlv.TakeAny(tlv)
		var v any
		if f.Kind == schema.Counter {
			v, err = schema.DecodeCounter(body)
		} else {
			var enc schema.Encoding
			enc, err = f.ValueEncoding()
			if err == nil {
				v, err = enc.Decode(body)
			}
		}
		if err != nil {
			return nil, nil, err
		}
		if target, ok := v.(oid.ID); ok {
			v = tx.Get(target)
		}
		byName[f.Name] = v
		byID[f.StorageID] = v
	}
	return byName, byID, nil
}
