package schema

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Counter rows hold a plain 64-bit two's-complement value framed
// under CounterLetter; counters are merged, not indexed, so the
// bytes need no sort order.
const CounterLetter = 'N'

func EncodeCounter(v int64) []byte {
	var ret [8]byte
	binary.BigEndian.PutUint64(ret[:], uint64(v))
	return ret[:]
}

func DecodeCounter(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, ErrBadValue
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

var ErrConversionImpossible = errors.New("permazen: field value conversion impossible")

// Letter reports the TLV letter framing this field's stored value.
func (f *Field) Letter() (byte, error) {
	if f.Kind == Counter {
		return CounterLetter, nil
	}
	name := f.Encoding
	if f.Kind == Reference {
		name = ReferenceName
	}
	enc, err := Lookup(name)
	if err != nil {
		return 0, err
	}
	return enc.Letter(), nil
}

// ValueEncoding resolves the encoding of a simple or reference field.
func (f *Field) ValueEncoding() (Encoding, error) {
	if f.Kind == Reference {
		return Lookup(ReferenceName)
	}
	return Lookup(f.Encoding)
}

// ConvertValue re-encodes one stored field value from the old field
// descriptor to the new one, covering the counter special cases:
//
//   - counter to counter needs no conversion;
//   - a plain numeric value becomes the counter's 64-bit value;
//   - a counter value goes through the generic simple-field path as
//     an int64.
//
// The caller applies the new field's ConversionPolicy to any error.
func ConvertValue(oldF, newF *Field, body []byte) ([]byte, error) {
	oldCounter := oldF.Kind == Counter
	newCounter := newF.Kind == Counter
	switch {
	case oldCounter && newCounter:
		return body, nil
	case newCounter:
		enc, err := oldF.ValueEncoding()
		if err != nil {
			return nil, err
		}
		v, err := enc.Decode(body)
		if err != nil {
			return nil, err
		}
		switch n := v.(type) {
		case int64:
			return EncodeCounter(n), nil
		case uint64:
			return EncodeCounter(int64(n)), nil
		case float64:
			return EncodeCounter(int64(n)), nil
		}
		return nil, errors.Wrapf(ErrConversionImpossible, "%s to counter", enc.Name())
	case oldCounter:
		v, err := DecodeCounter(body)
		if err != nil {
			return nil, err
		}
		from, _ := Lookup(Int64Name)
		to, err := newF.ValueEncoding()
		if err != nil {
			return nil, err
		}
		raw, err := from.Encode(v)
		if err != nil {
			return nil, err
		}
		out, err := Convert(from, to, raw)
		if err != nil {
			return nil, errors.Wrap(ErrConversionImpossible, err.Error())
		}
		return out, nil
	default:
		from, err := oldF.ValueEncoding()
		if err != nil {
			return nil, err
		}
		to, err := newF.ValueEncoding()
		if err != nil {
			return nil, err
		}
		out, err := Convert(from, to, body)
		if err != nil {
			return nil, errors.Wrap(ErrConversionImpossible, err.Error())
		}
		return out, nil
	}
}
