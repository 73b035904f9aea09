package kv

import (
	"encoding/binary"

	"github.com/permazen/permazen-go/oid"
)

// Key layout, one pebble keyspace:
//
//	'o' id(8) fieldID(4)                object field row (fieldID 0 = version)
//	'e' id(8) fieldID(4) suffix         complex-field element row
//	't' tag(2) id(8)                    type instance row
//	'i' fieldID(4) valkey id(8)         simple index
//	'l' fieldID(4) valkey id(8) pos(8)  list element index
//	'm' fieldID(4) valkey id(8) mapkey  map value index
//	'x' indexID(4) valkeys id(8)        composite index
//	's' version(4)                      schema record (msgpack)
const (
	kObject    = 'o'
	kElem      = 'e'
	kInstance  = 't'
	kSimpleIdx = 'i'
	kListIdx   = 'l'
	kMapIdx    = 'm'
	kCompIdx   = 'x'
	kSchema    = 's'
)

// version row sits at fieldID 0, below any real field
const versionFieldID = uint32(0)

func oKey(id oid.ID, fieldID uint32) []byte {
	key := make([]byte, 0, 13)
	key = append(key, kObject)
	key = append(key, id.Bytes()...)
	key = binary.BigEndian.AppendUint32(key, fieldID)
	return key
}

func oKeyID(key []byte) (oid.ID, uint32) {
	if len(key) != 13 || key[0] != kObject {
		return oid.BadID, 0
	}
	return oid.FromBytes(key[1:9]), binary.BigEndian.Uint32(key[9:13])
}

func oKeyRange(id oid.ID) (fro, til []byte) {
	return oKey(id, 0), oKey(id, ^uint32(0))
}

func eKey(id oid.ID, fieldID uint32, suffix []byte) []byte {
	key := make([]byte, 0, 13+len(suffix))
	key = append(key, kElem)
	key = append(key, id.Bytes()...)
	key = binary.BigEndian.AppendUint32(key, fieldID)
	return append(key, suffix...)
}

func eKeySuffix(key []byte) []byte {
	return key[13:]
}

func tKey(tag uint16, id oid.ID) []byte {
	key := make([]byte, 0, 11)
	key = append(key, kInstance)
	key = binary.BigEndian.AppendUint16(key, tag)
	return append(key, id.Bytes()...)
}

func tKeyID(key []byte) oid.ID {
	if len(key) != 11 {
		return oid.BadID
	}
	return oid.FromBytes(key[3:11])
}

func idxPrefix(mark byte, fieldID uint32, valkey []byte) []byte {
	key := make([]byte, 0, 5+len(valkey))
	key = append(key, mark)
	key = binary.BigEndian.AppendUint32(key, fieldID)
	return append(key, valkey...)
}

func idxKey(mark byte, fieldID uint32, valkey []byte, id oid.ID, suffix []byte) []byte {
	key := idxPrefix(mark, fieldID, valkey)
	key = append(key, id.Bytes()...)
	return append(key, suffix...)
}

// the id sits right after the prefix; list/map entries carry a suffix
func idxEntry(key []byte, prefixLen int) (e IndexEntry, ok bool) {
	if len(key) < prefixLen+8 {
		return e, false
	}
	e.ID = oid.FromBytes(key[prefixLen : prefixLen+8])
	rest := key[prefixLen+8:]
	if len(rest) == 8 {
		e.Pos = binary.BigEndian.Uint64(rest)
	}
	if len(rest) > 0 {
		e.Key = append([]byte(nil), rest...)
	}
	return e, true
}

func sKey(version uint32) []byte {
	key := make([]byte, 0, 5)
	key = append(key, kSchema)
	return binary.BigEndian.AppendUint32(key, version)
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
