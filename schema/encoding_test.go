package schema

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/permazen/permazen-go/oid"
)

func TestEncodingRoundTrip(t *testing.T) {
	cases := []struct {
		encoding string
		value    any
	}{
		{Int64Name, int64(-5)},
		{Int64Name, int64(0)},
		{Int64Name, int64(1 << 40)},
		{Uint64Name, uint64(77)},
		{Float64Name, -2.75},
		{Float64Name, 3.5},
		{BoolName, true},
		{BoolName, false},
		{StringName, "hello"},
		{StringName, ""},
		{StringName, "nul\x00inside"},
		{ReferenceName, oid.Make(0x10, 42)},
	}
	for _, c := range cases {
		enc, err := Lookup(c.encoding)
		assert.NoError(t, err)
		raw, err := enc.Encode(c.value)
		assert.NoError(t, err)
		back, err := enc.Decode(raw)
		assert.NoError(t, err)
		assert.Equal(t, c.value, back, c.encoding)
	}
}

func TestEncodingPreservesOrder(t *testing.T) {
	enc, _ := Lookup(Int64Name)
	var prev []byte
	for _, v := range []int64{-1 << 62, -17, -1, 0, 1, 17, 1 << 62} {
		raw, err := enc.Encode(v)
		assert.NoError(t, err)
		if prev != nil {
			assert.Equal(t, -1, bytes.Compare(prev, raw), "order broken at %d", v)
		}
		prev = raw
	}

	fenc, _ := Lookup(Float64Name)
	prev = nil
	for _, v := range []float64{-100.5, -1, -0.25, 0, 0.25, 1, 100.5} {
		raw, err := fenc.Encode(v)
		assert.NoError(t, err)
		if prev != nil {
			assert.Equal(t, -1, bytes.Compare(prev, raw), "order broken at %f", v)
		}
		prev = raw
	}

	senc, _ := Lookup(StringName)
	prev = nil
	for _, v := range []string{"", "a", "a\x00b", "ab", "b"} {
		raw, err := senc.Encode(v)
		assert.NoError(t, err)
		if prev != nil {
			assert.Equal(t, -1, bytes.Compare(prev, raw), "order broken at %q", v)
		}
		prev = raw
	}
}

func TestEncodedLenSplitsConcatenations(t *testing.T) {
	senc, _ := Lookup(StringName)
	ienc, _ := Lookup(Int64Name)
	s, _ := senc.Encode("key\x00part")
	i, _ := ienc.Encode(int64(9))
	cat := append(append([]byte(nil), s...), i...)

	n, err := EncodedLen(senc, cat)
	assert.NoError(t, err)
	assert.Equal(t, len(s), n)
	n, err = EncodedLen(ienc, cat[len(s):])
	assert.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestConvertNumeric(t *testing.T) {
	i, _ := Lookup(Int64Name)
	f, _ := Lookup(Float64Name)
	raw, _ := i.Encode(int64(42))
	out, err := Convert(i, f, raw)
	assert.NoError(t, err)
	v, err := f.Decode(out)
	assert.NoError(t, err)
	assert.Equal(t, 42.0, v)

	s, _ := Lookup(StringName)
	sraw, _ := s.Encode("nope")
	_, err = Convert(s, i, sraw)
	assert.Error(t, err)
}
