package schema

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/permazen/permazen-go/oid"
)

// An Encoding translates between model-level values and the
// order-preserving byte strings the engine stores and indexes.
// Stored values are framed as TLV records with the encoding's
// letter; the key bytes sort the way the model values do.
type Encoding interface {
	Name() string
	Letter() byte
	Encode(v any) ([]byte, error)
	Decode(b []byte) (any, error)
}

const (
	Int64Name     = "int64"
	Uint64Name    = "uint64"
	Float64Name   = "float64"
	BoolName      = "bool"
	StringName    = "string"
	ReferenceName = "reference"
)

var ErrBadValue = errors.New("permazen: bad value for the encoding")
var ErrUnknownEncoding = errors.New("permazen: unknown encoding")

var encodings = map[string]Encoding{
	Int64Name:     int64Encoding{},
	Uint64Name:    uint64Encoding{},
	Float64Name:   float64Encoding{},
	BoolName:      boolEncoding{},
	StringName:    stringEncoding{},
	ReferenceName: referenceEncoding{},
}

func Lookup(name string) (Encoding, error) {
	enc, ok := encodings[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownEncoding, name)
	}
	return enc, nil
}

// Convert re-encodes a stored value from one encoding to another, the
// generic simple-field conversion path for schema upgrades. It fails
// when the two encodings have no common model representation.
func Convert(from, to Encoding, b []byte) ([]byte, error) {
	if from.Name() == to.Name() {
		return b, nil
	}
	v, err := from.Decode(b)
	if err != nil {
		return nil, err
	}
	out, err := to.Encode(coerce(v, to))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot convert %s to %s", from.Name(), to.Name())
	}
	return out, nil
}

// coerce maps numeric model values onto the target encoding's input
// type; non-numeric mismatches are left for Encode to reject.
func coerce(v any, to Encoding) any {
	switch to.Name() {
	case Int64Name:
		switch n := v.(type) {
		case uint64:
			return int64(n)
		case float64:
			return int64(n)
		case bool:
			if n {
				return int64(1)
			}
			return int64(0)
		}
	case Uint64Name:
		switch n := v.(type) {
		case int64:
			return uint64(n)
		case float64:
			return uint64(n)
		}
	case Float64Name:
		switch n := v.(type) {
		case int64:
			return float64(n)
		case uint64:
			return float64(n)
		}
	}
	return v
}

type int64Encoding struct{}

func (int64Encoding) Name() string { return Int64Name }
func (int64Encoding) Letter() byte { return 'I' }

func (int64Encoding) Encode(v any) ([]byte, error) {
	n, ok := v.(int64)
	if !ok {
		if m, k := v.(int); k {
			n, ok = int64(m), true
		}
	}
	if !ok {
		return nil, ErrBadValue
	}
	var ret [8]byte
	binary.BigEndian.PutUint64(ret[:], uint64(n)^(1<<63))
	return ret[:], nil
}

func (int64Encoding) Decode(b []byte) (any, error) {
	if len(b) != 8 {
		return nil, ErrBadValue
	}
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63)), nil
}

type uint64Encoding struct{}

func (uint64Encoding) Name() string { return Uint64Name }
func (uint64Encoding) Letter() byte { return 'U' }

func (uint64Encoding) Encode(v any) ([]byte, error) {
	n, ok := v.(uint64)
	if !ok {
		return nil, ErrBadValue
	}
	var ret [8]byte
	binary.BigEndian.PutUint64(ret[:], n)
	return ret[:], nil
}

func (uint64Encoding) Decode(b []byte) (any, error) {
	if len(b) != 8 {
		return nil, ErrBadValue
	}
	return binary.BigEndian.Uint64(b), nil
}

type float64Encoding struct{}

func (float64Encoding) Name() string { return Float64Name }
func (float64Encoding) Letter() byte { return 'G' }

func (float64Encoding) Encode(v any) ([]byte, error) {
	f, ok := v.(float64)
	if !ok {
		return nil, ErrBadValue
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits ^= 1 << 63
	}
	var ret [8]byte
	binary.BigEndian.PutUint64(ret[:], bits)
	return ret[:], nil
}

func (float64Encoding) Decode(b []byte) (any, error) {
	if len(b) != 8 {
		return nil, ErrBadValue
	}
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits ^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits), nil
}

type boolEncoding struct{}

func (boolEncoding) Name() string { return BoolName }
func (boolEncoding) Letter() byte { return 'B' }

func (boolEncoding) Encode(v any) ([]byte, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, ErrBadValue
	}
	if b {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func (boolEncoding) Decode(b []byte) (any, error) {
	if len(b) != 1 || b[0] > 1 {
		return nil, ErrBadValue
	}
	return b[0] == 1, nil
}

type stringEncoding struct{}

func (stringEncoding) Name() string { return StringName }
func (stringEncoding) Letter() byte { return 'S' }

// Strings escape 0x00 as 0x00 0x01 and terminate with 0x00 0x00 so
// that concatenated composite keys keep lexicographic order.
func (stringEncoding) Encode(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, ErrBadValue
	}
	ret := make([]byte, 0, len(s)+2)
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			ret = append(ret, 0, 1)
		} else {
			ret = append(ret, s[i])
		}
	}
	return append(ret, 0, 0), nil
}

func (stringEncoding) Decode(b []byte) (any, error) {
	ret := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != 0 {
			ret = append(ret, b[i])
			continue
		}
		if i+1 >= len(b) {
			return nil, ErrBadValue
		}
		switch b[i+1] {
		case 0:
			if i+2 != len(b) {
				return nil, ErrBadValue
			}
			return string(ret), nil
		case 1:
			ret = append(ret, 0)
			i++
		default:
			return nil, ErrBadValue
		}
	}
	return nil, ErrBadValue
}

// EncodedLen reports how many bytes of b one encoded value of enc
// occupies, for splitting concatenated composite keys.
func EncodedLen(enc Encoding, b []byte) (int, error) {
	switch enc.Name() {
	case BoolName:
		if len(b) < 1 {
			return 0, ErrBadValue
		}
		return 1, nil
	case StringName:
		for i := 0; i+1 < len(b); i++ {
			if b[i] == 0 && b[i+1] == 0 {
				return i + 2, nil
			}
			if b[i] == 0 {
				i++
			}
		}
		return 0, ErrBadValue
	default:
		if len(b) < 8 {
			return 0, ErrBadValue
		}
		return 8, nil
	}
}

type referenceEncoding struct{}

func (referenceEncoding) Name() string { return ReferenceName }
func (referenceEncoding) Letter() byte { return 'R' }

func (referenceEncoding) Encode(v any) ([]byte, error) {
	id, ok := v.(oid.ID)
	if !ok {
		return nil, ErrBadValue
	}
	return id.Bytes(), nil
}

func (referenceEncoding) Decode(b []byte) (any, error) {
	if len(b) != 8 {
		return nil, ErrBadValue
	}
	return oid.FromBytes(b), nil
}
