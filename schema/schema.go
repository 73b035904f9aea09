// Package schema holds the static, per-version description of object
// types and fields: kinds and encodings, index and uniqueness
// metadata, upgrade-conversion policies, validation groups and named
// cascades. Descriptors are immutable once built; an object in the
// store carries the version of the schema that last wrote it.
package schema

import (
	"github.com/pkg/errors"
)

var ErrBadTypeDescription = errors.New("permazen: bad type description")
var ErrUnknownType = errors.New("permazen: unknown object type")
var ErrUnknownField = errors.New("permazen: unknown field for the type")

type ObjectType struct {
	Name       string
	StorageTag uint16
	Parent     string

	// Singleton types allow at most one live instance.
	Singleton bool

	// AutoValidate enqueues default-group validation on create,
	// field change and schema migration.
	AutoValidate bool

	Fields    Fields
	Composite []CompositeIndex

	byName map[string]*Field
	byID   map[uint32]*Field
}

func (ot *ObjectType) Field(name string) (*Field, error) {
	f, ok := ot.byName[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownField, "%s.%s", ot.Name, name)
	}
	return f, nil
}

func (ot *ObjectType) FieldByID(sid uint32) (*Field, error) {
	f, ok := ot.byID[sid]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownField, "%s.#%d", ot.Name, sid)
	}
	return f, nil
}

func (ot *ObjectType) CompositeIndex(name string) (*CompositeIndex, error) {
	for i := range ot.Composite {
		if ot.Composite[i].Name == name {
			return &ot.Composite[i], nil
		}
	}
	return nil, errors.Wrapf(ErrUnknownField, "%s composite %q", ot.Name, name)
}

// HasConstraints reports whether validation has anything to check for
// this type beyond custom hooks.
func (ot *ObjectType) HasConstraints() bool {
	if ot.Singleton {
		return true
	}
	for i := range ot.Fields {
		if ot.Fields[i].Unique {
			return true
		}
	}
	for i := range ot.Composite {
		if ot.Composite[i].Unique {
			return true
		}
	}
	return false
}

type Schema struct {
	Version uint32

	types  []*ObjectType
	byName map[string]*ObjectType
	byTag  map[uint16]*ObjectType
}

// New validates the type list and builds the lookup tables. Types,
// fields and composite indexes must carry unique names and storage
// identities; composite index members must be indexed simple fields.
func New(version uint32, types ...*ObjectType) (*Schema, error) {
	s := &Schema{
		Version: version,
		types:   types,
		byName:  make(map[string]*ObjectType, len(types)),
		byTag:   make(map[uint16]*ObjectType, len(types)),
	}
	for _, ot := range types {
		if ot.Name == "" || ot.StorageTag == 0 {
			return nil, errors.Wrap(ErrBadTypeDescription, ot.Name)
		}
		if _, dup := s.byName[ot.Name]; dup {
			return nil, errors.Wrapf(ErrBadTypeDescription, "duplicate type %s", ot.Name)
		}
		if _, dup := s.byTag[ot.StorageTag]; dup {
			return nil, errors.Wrapf(ErrBadTypeDescription, "duplicate tag %#x", ot.StorageTag)
		}
		s.byName[ot.Name] = ot
		s.byTag[ot.StorageTag] = ot

		ot.byName = make(map[string]*Field, len(ot.Fields))
		ot.byID = make(map[uint32]*Field, len(ot.Fields))
		for i := range ot.Fields {
			f := &ot.Fields[i]
			if !f.Valid() {
				return nil, errors.Wrapf(ErrBadTypeDescription, "%s.%s", ot.Name, f.Name)
			}
			if f.Kind != Counter && f.Kind != Reference {
				if _, err := Lookup(f.Encoding); err != nil {
					return nil, err
				}
			}
			// inverse cascade expansion walks the field's index
			if len(f.InverseCascades) > 0 {
				if !f.IsReference() || !f.Indexed || f.Kind == Set {
					return nil, errors.Wrapf(ErrBadTypeDescription,
						"%s.%s: inverse cascade needs an indexed reference field", ot.Name, f.Name)
				}
			}
			if _, dup := ot.byName[f.Name]; dup {
				return nil, errors.Wrapf(ErrBadTypeDescription, "duplicate field %s.%s", ot.Name, f.Name)
			}
			if _, dup := ot.byID[f.StorageID]; dup {
				return nil, errors.Wrapf(ErrBadTypeDescription, "duplicate storage id %s.#%d", ot.Name, f.StorageID)
			}
			ot.byName[f.Name] = f
			ot.byID[f.StorageID] = f
		}
		for _, ci := range ot.Composite {
			if !ci.Valid() {
				return nil, errors.Wrapf(ErrBadTypeDescription, "%s composite %q", ot.Name, ci.Name)
			}
			for _, fn := range ci.FieldNames {
				f, ok := ot.byName[fn]
				if !ok || f.Kind != Simple || !f.Indexed {
					return nil, errors.Wrapf(ErrBadTypeDescription,
						"%s composite %q member %s", ot.Name, ci.Name, fn)
				}
			}
		}
	}
	for _, ot := range types {
		if ot.Parent != "" {
			if _, ok := s.byName[ot.Parent]; !ok {
				return nil, errors.Wrapf(ErrBadTypeDescription, "%s parent %s", ot.Name, ot.Parent)
			}
		}
		for i := range ot.Fields {
			f := &ot.Fields[i]
			if f.Kind == Reference && f.TargetType != "" {
				if _, ok := s.byName[f.TargetType]; !ok {
					return nil, errors.Wrapf(ErrBadTypeDescription,
						"%s.%s target %s", ot.Name, f.Name, f.TargetType)
				}
			}
		}
	}
	return s, nil
}

func (s *Schema) Type(name string) (*ObjectType, error) {
	ot, ok := s.byName[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownType, name)
	}
	return ot, nil
}

func (s *Schema) TypeByTag(tag uint16) (*ObjectType, error) {
	ot, ok := s.byTag[tag]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "tag %#x", tag)
	}
	return ot, nil
}

func (s *Schema) HasTag(tag uint16) bool {
	_, ok := s.byTag[tag]
	return ok
}

func (s *Schema) TypeList() []*ObjectType {
	return s.types
}

// AssignableTo reports whether sub is super or one of its descendants.
func (s *Schema) AssignableTo(sub, super *ObjectType) bool {
	for ot := sub; ot != nil; {
		if ot == super {
			return true
		}
		if ot.Parent == "" {
			return false
		}
		ot = s.byName[ot.Parent]
	}
	return false
}

// SubTags collects the storage tags of the named type and all its
// descendants, the key-range filter for supertype index queries. An
// empty name matches every type.
func (s *Schema) SubTags(name string) []uint16 {
	var tags []uint16
	if name == "" {
		for _, ot := range s.types {
			tags = append(tags, ot.StorageTag)
		}
		return tags
	}
	super, ok := s.byName[name]
	if !ok {
		return nil
	}
	for _, ot := range s.types {
		if s.AssignableTo(ot, super) {
			tags = append(tags, ot.StorageTag)
		}
	}
	return tags
}

// InverseRef names a reference field on some type that may point at
// objects of a given target type; cascade expansion walks these
// backwards through the field's index.
type InverseRef struct {
	Owner *ObjectType
	Field *Field
}

// InverseRefs lists the cascade-tagged incoming reference fields that
// can hold ids of the target type.
func (s *Schema) InverseRefs(cascade string, target *ObjectType) []InverseRef {
	var refs []InverseRef
	for _, ot := range s.types {
		for i := range ot.Fields {
			f := &ot.Fields[i]
			if !f.IsReference() || !f.HasInverseCascade(cascade) {
				continue
			}
			if f.TargetType != "" {
				tt, ok := s.byName[f.TargetType]
				if !ok || !s.AssignableTo(target, tt) {
					continue
				}
			}
			refs = append(refs, InverseRef{Owner: ot, Field: f})
		}
	}
	return refs
}
