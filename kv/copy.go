package kv

import (
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"

	"github.com/permazen/permazen-go/oid"
	"github.com/permazen/permazen-go/schema"
)

// CopyObject copies every field of src into dst, field for field,
// converting values from the object's stored schema version to dst's
// target version on the way. Reference targets absent from dst are
// reported as DeletedRefs for the caller to resolve or escalate; the
// reference value itself is written regardless, so a target copied
// later completes the graph.
func (tx *pebbleTx) CopyObject(dst Tx, src oid.ID, remap func(oid.ID) oid.ID, notify bool) ([]DeletedRef, error) {
	srcType, _, err := tx.storedType(src)
	if err != nil {
		return nil, err
	}
	dstID := src
	if remap != nil {
		dstID = remap(src)
	}
	dstSchema := dst.TargetSchema()
	dstType, err := dstSchema.TypeByTag(dstID.Tag())
	if err != nil {
		return nil, errors.Wrapf(ErrSchemaMismatch, "type tag %#x not in destination schema", dstID.Tag())
	}

	if d, ok := dst.(*pebbleTx); ok && !notify {
		prev := d.quiet
		d.quiet = true
		defer func() { d.quiet = prev }()
	}

	exists, err := dst.Exists(dstID)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err = dst.Create(dstID); err != nil {
			return nil, err
		}
	} else {
		if err = dst.SetObjectVersion(dstID, dstSchema.Version); err != nil {
			return nil, err
		}
		// a copy into an existing object replaces it field for field;
		// values the source has unset must not survive in dst
		for i := range dstType.Fields {
			if err = dst.ClearField(dstID, &dstType.Fields[i]); err != nil {
				return nil, err
			}
		}
	}

	var refs []DeletedRef
	for i := range dstType.Fields {
		newF := &dstType.Fields[i]
		ndx := srcType.Fields.FindStorageID(newF.StorageID)
		if ndx < 0 {
			continue
		}
		oldF := &srcType.Fields[ndx]
		switch newF.Kind {
		case schema.Set, schema.List, schema.Map:
			more, err := tx.copyComplex(dst, src, dstID, oldF, newF, remap)
			if err != nil {
				return refs, err
			}
			refs = append(refs, more...)
			continue
		}
		tlv, err := tx.ReadRaw(src, oldF)
		if err != nil {
			return refs, err
		}
		if tlv == nil {
			continue
		}
		if newF.Conversion == schema.ConvertNever &&
			(oldF.Kind != newF.Kind || oldF.Encoding != newF.Encoding) {
			continue
		}
		body, err := schema.ConvertValue(oldF, newF, bodyOf(tlv))
		if err != nil {
			if newF.Conversion == schema.ConvertRequire {
				return refs, err
			}
			continue
		}
		if newF.Kind == schema.Reference {
			target := oid.FromBytes(body)
			if remap != nil {
				target = remap(target)
				body = target.Bytes()
			}
			there, err := dst.Exists(target)
			if err != nil {
				return refs, err
			}
			if !there && !newF.AllowDeleted {
				refs = append(refs, DeletedRef{Referrer: dstID, Target: target, Field: newF.Name})
			}
		}
		lit, err := newF.Letter()
		if err != nil {
			return refs, err
		}
		if err = dst.WriteRaw(dstID, newF, toytlv.Record(lit, body)); err != nil {
			return refs, err
		}
	}
	return refs, nil
}

func (tx *pebbleTx) copyComplex(dst Tx, src, dstID oid.ID, oldF, newF *schema.Field, remap func(oid.ID) oid.ID) ([]DeletedRef, error) {
	if oldF.Kind != newF.Kind || oldF.Encoding != newF.Encoding {
		// complex fields convert no values across kinds
		return nil, nil
	}
	var refs []DeletedRef
	checkRef := func(raw []byte) ([]byte, error) {
		if !newF.IsReference() {
			return raw, nil
		}
		target := oid.FromBytes(raw)
		if remap != nil {
			target = remap(target)
			raw = target.Bytes()
		}
		there, err := dst.Exists(target)
		if err != nil {
			return raw, err
		}
		if !there && !newF.AllowDeleted {
			refs = append(refs, DeletedRef{Referrer: dstID, Target: target, Field: newF.Name})
		}
		return raw, nil
	}
	var err error
	switch newF.Kind {
	case schema.Set:
		for elem := range tx.SetElems(src, oldF) {
			if elem, err = checkRef(elem); err != nil {
				return refs, err
			}
			if err = dst.SetAdd(dstID, newF, elem); err != nil {
				return refs, err
			}
		}
	case schema.List:
		for _, tlv := range tx.ListElems(src, oldF) {
			lit, body, _ := toytlv.TakeAny(tlv)
			if newF.IsReference() {
				if body, err = checkRef(body); err != nil {
					return refs, err
				}
			}
			if err = dst.ListAppend(dstID, newF, toytlv.Record(lit, body)); err != nil {
				return refs, err
			}
		}
	case schema.Map:
		for key, tlv := range tx.MapElems(src, oldF) {
			lit, body, _ := toytlv.TakeAny(tlv)
			if newF.IsReference() {
				if body, err = checkRef(body); err != nil {
					return refs, err
				}
			}
			if err = dst.MapPut(dstID, newF, key, toytlv.Record(lit, body)); err != nil {
				return refs, err
			}
		}
	}
	return refs, nil
}
