package oid

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"
)

/*
	ID is a 64-bit object locator/identifier.

0...............16..............................................64
+-------+-------+-------+-------+-------+-------+-------+-------+
|...type.tag....|...............instance.suffix.................|
*/
type ID uint64

const tagBits = 16
const suffixBits = 64 - tagBits
const SuffixMask = uint64(1<<suffixBits) - 1

// Nil is the zero ID; no live object ever carries it.
var Nil ID

// BadID marks parse failures and impossible lookups.
var BadID = ID(^uint64(0))

func Make(tag uint16, suffix uint64) ID {
	return ID(uint64(tag)<<suffixBits | suffix&SuffixMask)
}

// New picks a random instance suffix for the given type tag.
func New(tag uint16) ID {
	var buf [8]byte
	_, _ = rand.Read(buf[:6])
	return Make(tag, binary.BigEndian.Uint64(buf[:])>>tagBits)
}

// Tag is the type storage tag of the object's declared type.
func (id ID) Tag() uint16 {
	return uint16(uint64(id) >> suffixBits)
}

func (id ID) Suffix() uint64 {
	return uint64(id) & SuffixMask
}

func (id ID) IsNil() bool {
	return id == Nil
}

func (id ID) Valid() bool {
	return id != Nil && id != BadID
}

// Min and Max bound the ids of one type tag; index scans use them
// as key-range ends.
func Min(tag uint16) ID {
	return Make(tag, 0)
}

func Max(tag uint16) ID {
	return Make(tag, SuffixMask)
}

func (id ID) Bytes() []byte {
	var ret [8]byte
	binary.BigEndian.PutUint64(ret[:], uint64(id))
	return ret[:]
}

func FromBytes(by []byte) ID {
	if len(by) < 8 {
		return BadID
	}
	return ID(binary.BigEndian.Uint64(by[:8]))
}

func (id ID) String() string {
	var buf [32]byte
	b := buf[:0]
	b = strconv.AppendUint(b, uint64(id.Tag()), 16)
	b = append(b, '-')
	b = strconv.AppendUint(b, id.Suffix(), 16)
	return string(b)
}

func Parse(idstr string) ID {
	var parts [2]uint64
	i, p := 0, 0
	for i < len(idstr) && p < 2 {
		c := idstr[i]
		if c >= '0' && c <= '9' {
			parts[p] = (parts[p] << 4) | uint64(c-'0')
		} else if c >= 'A' && c <= 'F' {
			parts[p] = (parts[p] << 4) | uint64(10+c-'A')
		} else if c >= 'a' && c <= 'f' {
			parts[p] = (parts[p] << 4) | uint64(10+c-'a')
		} else if c == '-' {
			p++
		} else {
			return BadID
		}
		i++
	}
	if i < len(idstr) || p != 1 {
		return BadID
	}
	if parts[0] > 0xffff || parts[1] > SuffixMask {
		return BadID
	}
	return Make(uint16(parts[0]), parts[1])
}
