package memd

import "encoding/binary"

// StoreExtras builds the extras block for Set/Add/Replace.
func StoreExtras(flags, expiry uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], flags)
	binary.BigEndian.PutUint32(buf[4:8], expiry)
	return buf
}

// ReadStoreExtras parses the flags field out of a Get response's extras.
func ReadStoreExtras(extras []byte) (flags uint32) {
	if len(extras) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(extras[0:4])
}

// CounterExtras builds the extras block for Increment/Decrement.
func CounterExtras(delta, initial uint64, expiry uint32) []byte {
	buf := make([]byte, 20)
	binary.BigEndian.PutUint64(buf[0:8], delta)
	binary.BigEndian.PutUint64(buf[8:16], initial)
	binary.BigEndian.PutUint32(buf[16:20], expiry)
	return buf
}

// ReadCounterValue parses the 8-byte big-endian counter result value.
func ReadCounterValue(value []byte) (uint64, bool) {
	if len(value) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(value), true
}

// ExpiryExtras builds the extras block for Touch/GetAndTouch/GetAndLock
// (lock time takes the place of expiry for GetAndLock).
func ExpiryExtras(expiry uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, expiry)
	return buf
}

// ObserveValue builds the value payload for an Observe request.
func ObserveValue(vbID uint16, key []byte) []byte {
	buf := make([]byte, 2+2+len(key))
	binary.BigEndian.PutUint16(buf[0:2], vbID)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(key)))
	copy(buf[4:], key)
	return buf
}

// KeyState represents the storage state of a key as returned by Observe.
type KeyState uint8

const (
	KeyStateNotPersisted = KeyState(0x00)
	KeyStatePersisted    = KeyState(0x01)
	KeyStateNotFound     = KeyState(0x80)
	KeyStateDeleted      = KeyState(0x81)
)

// ReadObserveValue parses the Observe response value: vbid, keylen, key,
// key state, cas.
func ReadObserveValue(value []byte) (state KeyState, cas uint64, ok bool) {
	if len(value) < 4 {
		return 0, 0, false
	}
	keyLen := int(binary.BigEndian.Uint16(value[2:4]))
	if len(value) != 4+keyLen+1+8 {
		return 0, 0, false
	}
	state = KeyState(value[4+keyLen])
	cas = binary.BigEndian.Uint64(value[4+keyLen+1:])
	return state, cas, true
}

// CollectionManifestUIDLen is the length, in bytes, of the manifest uid
// that precedes the collection id in a GetCidByName response's extras
// (the real Couchbase Server wire layout for opcode 0xbb: an 8-byte
// manifest uid followed by a 4-byte big-endian collection id, both
// carried in extras rather than value).
const CollectionManifestUIDLen = 8

// ReadCollectionID parses the collection id out of a GetCidByName
// response's extras.
func ReadCollectionID(extras []byte) (uint32, bool) {
	if len(extras) < CollectionManifestUIDLen+4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(extras[CollectionManifestUIDLen : CollectionManifestUIDLen+4]), true
}
