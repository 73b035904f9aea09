package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInt64ToCounter(t *testing.T) {
	oldF := &Field{Name: "n", StorageID: 1, Kind: Simple, Encoding: Int64Name}
	newF := &Field{Name: "n", StorageID: 1, Kind: Counter}

	enc, _ := Lookup(Int64Name)
	raw, _ := enc.Encode(int64(42))
	out, err := ConvertValue(oldF, newF, raw)
	assert.NoError(t, err)
	v, err := DecodeCounter(out)
	assert.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestCounterToInt64(t *testing.T) {
	oldF := &Field{Name: "n", StorageID: 1, Kind: Counter}
	newF := &Field{Name: "n", StorageID: 1, Kind: Simple, Encoding: Int64Name}

	out, err := ConvertValue(oldF, newF, EncodeCounter(-7))
	assert.NoError(t, err)
	enc, _ := Lookup(Int64Name)
	v, err := enc.Decode(out)
	assert.NoError(t, err)
	assert.Equal(t, int64(-7), v)
}

func TestCounterToCounterIsIdentity(t *testing.T) {
	oldF := &Field{Name: "n", StorageID: 1, Kind: Counter}
	newF := &Field{Name: "n", StorageID: 1, Kind: Counter}

	body := EncodeCounter(1234)
	out, err := ConvertValue(oldF, newF, body)
	assert.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestStringToCounterImpossible(t *testing.T) {
	oldF := &Field{Name: "n", StorageID: 1, Kind: Simple, Encoding: StringName}
	newF := &Field{Name: "n", StorageID: 1, Kind: Counter, Conversion: ConvertRequire}

	enc, _ := Lookup(StringName)
	raw, _ := enc.Encode("42")
	_, err := ConvertValue(oldF, newF, raw)
	assert.ErrorIs(t, err, ErrConversionImpossible)
}
