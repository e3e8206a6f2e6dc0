package badger

import "encoding/binary"

// Key schema.
//
// The database uses namespaced single-byte prefixes:
//
//	m:next_id            -> next object ID (8 bytes, big-endian)
//	a:<id>               -> object record: owner, content size, timestamps
//	e:<id>:<start>       -> extent record: flags byte + data bytes
//
// Object IDs and extent start offsets are big-endian so range scans walk
// extents in ascending offset order.
//
// Extent values are one flags byte (bit 0: overwrite extent) followed by
// the extent's data; the extent's end offset is start + len(data).

const (
	keyNextID = "m:next_id"

	extentFlagOverwrite = 1 << 0
)

func keyAttrs(objectID uint64) []byte {
	key := make([]byte, 2+8)
	key[0], key[1] = 'a', ':'
	binary.BigEndian.PutUint64(key[2:], objectID)
	return key
}

func keyExtent(objectID, start uint64) []byte {
	key := make([]byte, 2+8+1+8)
	key[0], key[1] = 'e', ':'
	binary.BigEndian.PutUint64(key[2:], objectID)
	key[10] = ':'
	binary.BigEndian.PutUint64(key[11:], start)
	return key
}

func keyExtentPrefix(objectID uint64) []byte {
	key := make([]byte, 2+8+1)
	key[0], key[1] = 'e', ':'
	binary.BigEndian.PutUint64(key[2:], objectID)
	key[10] = ':'
	return key
}

func extentStartFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[11:])
}

func objectIDFromAttrsKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[2:])
}

// attrsRecord is the fixed-size encoding of the object record.
type attrsRecord struct {
	ownerID     uint64
	contentSize uint64
	createTime  int64
	modifyTime  int64
}

func (a attrsRecord) encode() []byte {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint64(buf[0:], a.ownerID)
	binary.BigEndian.PutUint64(buf[8:], a.contentSize)
	binary.BigEndian.PutUint64(buf[16:], uint64(a.createTime))
	binary.BigEndian.PutUint64(buf[24:], uint64(a.modifyTime))
	return buf
}

func decodeAttrs(buf []byte) attrsRecord {
	return attrsRecord{
		ownerID:     binary.BigEndian.Uint64(buf[0:]),
		contentSize: binary.BigEndian.Uint64(buf[8:]),
		createTime:  int64(binary.BigEndian.Uint64(buf[16:])),
		modifyTime:  int64(binary.BigEndian.Uint64(buf[24:])),
	}
}
