package schema

// An object type contains a number of fields. Each field has a kind
// (simple value, counter, reference, or a set/list/map of those) and,
// for value-carrying kinds, an encoding. The StorageID+Kind pair is
// the actual key for the field in the database; names are free to
// change between schema versions as long as the storage id holds.

import (
	"math"
	"unicode/utf8"
)

type Kind byte

const (
	Simple Kind = iota
	Counter
	Reference
	Set
	List
	Map
)

// ConversionPolicy governs field-value conversion across schema
// versions: best-effort by default, hard-require, or leave the field
// to the engine default.
type ConversionPolicy byte

const (
	ConvertAttempt ConversionPolicy = iota
	ConvertRequire
	ConvertNever
)

type Field struct {
	Name      string
	StorageID uint32
	Kind      Kind

	// Encoding names the value encoding: the field value for Simple,
	// the element for Set/List, the value for Map. KeyEncoding names
	// the Map key encoding.
	Encoding    string
	KeyEncoding string

	Indexed        bool
	Unique         bool
	UniqueExcluded []any

	Conversion ConversionPolicy

	// Reference fields only. TargetType empty means any type.
	TargetType   string
	AllowDeleted bool

	ForwardCascades []string
	InverseCascades []string
}

type Fields []Field

func hasUnsafeChars(text string) bool {
	for _, l := range text {
		if l < ' ' {
			return true
		}
	}
	return false
}

func (f Field) Valid() bool {
	if len(f.Name) == 0 || !utf8.ValidString(f.Name) || hasUnsafeChars(f.Name) {
		return false
	}
	if f.StorageID == 0 {
		return false
	}
	switch f.Kind {
	case Simple, Set, List:
		return f.Encoding != ""
	case Map:
		return f.Encoding != "" && f.KeyEncoding != ""
	case Counter:
		return !f.Indexed && !f.Unique
	case Reference:
		return true
	}
	return false
}

// IsReference reports whether the field holds object ids, either
// directly or as elements of a complex field.
func (f Field) IsReference() bool {
	if f.Kind == Reference {
		return true
	}
	switch f.Kind {
	case Set, List, Map:
		return f.Encoding == ReferenceName
	}
	return false
}

func (f Field) HasForwardCascade(name string) bool {
	for _, c := range f.ForwardCascades {
		if c == name {
			return true
		}
	}
	return false
}

func (f Field) HasInverseCascade(name string) bool {
	for _, c := range f.InverseCascades {
		if c == name {
			return true
		}
	}
	return false
}

// canonicalValue widens numeric values to the types the encodings
// decode to, so exclusion lists survive serialization round-trips
// that shrink integers.
func canonicalValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return canonicalUint(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return canonicalUint(x)
	case float32:
		return float64(x)
	}
	return v
}

func canonicalUint(x uint64) any {
	if x <= math.MaxInt64 {
		return int64(x)
	}
	return x
}

func (f Field) Excluded(v any) bool {
	v = canonicalValue(v)
	for _, x := range f.UniqueExcluded {
		if canonicalValue(x) == v {
			return true
		}
	}
	return false
}

func (fs Fields) FindName(name string) (ndx int) {
	for i := 0; i < len(fs); i++ {
		if fs[i].Name == name {
			return i
		}
	}
	return -1
}

func (fs Fields) FindStorageID(sid uint32) (ndx int) {
	for i := 0; i < len(fs); i++ {
		if fs[i].StorageID == sid {
			return i
		}
	}
	return -1
}

// CompositeIndex is an index over an ordered tuple of 2 to 4 simple
// fields of one type.
type CompositeIndex struct {
	Name       string
	StorageID  uint32
	FieldNames []string
	Unique     bool
}

func (ci CompositeIndex) Valid() bool {
	return ci.StorageID != 0 && len(ci.FieldNames) >= 2 && len(ci.FieldNames) <= 4 &&
		len(ci.Name) > 0 && utf8.ValidString(ci.Name) && !hasUnsafeChars(ci.Name)
}
