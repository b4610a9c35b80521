package memd

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	p := &Packet{
		Command:  CmdSet,
		Datatype: uint8(DatatypeFlagJSON),
		Vbucket:  42,
		Opaque:   7,
		Cas:      1234,
		Extras:   StoreExtras(0xdeadbeef, 0),
		Key:      []byte("doc-1"),
		Value:    []byte(`{"v":1}`),
	}

	raw, err := p.Encode()
	require.NoError(t, err)
	require.Len(t, raw, HeaderSize+len(p.Extras)+len(p.Key)+len(p.Value))

	hdr, bodyLen, err := DecodeHeader(raw[:HeaderSize])
	require.NoError(t, err)
	assert.Equal(t, CmdSet, hdr.Command)
	assert.Equal(t, uint16(42), hdr.Vbucket)
	assert.Equal(t, uint32(7), hdr.Opaque)
	assert.Equal(t, uint64(1234), hdr.Cas)

	require.NoError(t, hdr.DecodeBody(raw[HeaderSize:HeaderSize+bodyLen]))
	assert.Equal(t, p.Extras, hdr.Extras)
	assert.Equal(t, p.Key, hdr.Key)
	assert.Equal(t, p.Value, hdr.Value)
}

func TestPacketWithFramingExtrasUsesAltMagic(t *testing.T) {
	p := &Packet{
		Command:       CmdSet,
		Vbucket:       3,
		Opaque:        5,
		FramingExtras: DurabilityFrame(DurabilityLevelMajority, 0),
		Extras:        StoreExtras(0, 0),
		Key:           []byte("doc-1"),
		Value:         []byte("v"),
	}

	raw, err := p.Encode()
	require.NoError(t, err)
	assert.Equal(t, byte(altMagicReq), raw[0])
	assert.Equal(t, byte(len(p.FramingExtras)), raw[2])
	assert.Equal(t, byte(len(p.Key)), raw[3])

	hdr, bodyLen, err := DecodeHeader(raw[:HeaderSize])
	require.NoError(t, err)
	require.NoError(t, hdr.DecodeBody(raw[HeaderSize:HeaderSize+bodyLen]))
	assert.Equal(t, p.FramingExtras, hdr.FramingExtras)
	assert.Equal(t, p.Extras, hdr.Extras)
	assert.Equal(t, p.Key, hdr.Key)
	assert.Equal(t, p.Value, hdr.Value)
	assert.Equal(t, uint16(3), hdr.Vbucket)
}

func TestDurabilityFrameEncodesLevelAndTimeout(t *testing.T) {
	noTimeout := DurabilityFrame(DurabilityLevelMajority, 0)
	assert.Equal(t, []byte{frameIDSyncDurability<<4 | 1, byte(DurabilityLevelMajority)}, noTimeout)

	withTimeout := DurabilityFrame(DurabilityLevelPersistToMajority, 500*time.Millisecond)
	require.Len(t, withTimeout, 4)
	assert.Equal(t, byte(frameIDSyncDurability<<4|3), withTimeout[0])
	assert.Equal(t, byte(DurabilityLevelPersistToMajority), withTimeout[1])
	assert.Equal(t, uint16(500), binary.BigEndian.Uint16(withTimeout[2:4]))
}

func TestResponseStatusRoundTrip(t *testing.T) {
	p := &Packet{
		Command: CmdGet,
		Status:  StatusKeyNotFound,
		Opaque:  99,
	}
	raw, err := p.EncodeResponse()
	require.NoError(t, err)

	hdr, _, err := DecodeHeader(raw[:HeaderSize])
	require.NoError(t, err)
	assert.Equal(t, StatusKeyNotFound, hdr.Status)
	assert.Equal(t, uint32(99), hdr.Opaque)
}

func TestCollectionKeyEncoding(t *testing.T) {
	// default collection is elided
	assert.Equal(t, []byte("doc"), EncodeCollectionKey(0, []byte("doc")))

	encoded := EncodeCollectionKey(300, []byte("doc"))
	cid, key := SplitCollectionKey(encoded)
	assert.Equal(t, uint32(300), cid)
	assert.Equal(t, []byte("doc"), key)
}

func TestUleb128RoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 127, 128, 300, 1 << 20, 1<<32 - 1} {
		enc := AppendUleb128(nil, v)
		got, n := DecodeUleb128(enc)
		assert.Equal(t, v, got)
		assert.Equal(t, len(enc), n)
	}
}

func TestCounterExtrasAndValue(t *testing.T) {
	extras := CounterExtras(1, 10, 0)
	assert.Len(t, extras, 20)

	v, ok := ReadCounterValue([]byte{0, 0, 0, 0, 0, 0, 0, 42})
	require.True(t, ok)
	assert.Equal(t, uint64(42), v)

	_, ok = ReadCounterValue([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestObserveValueRoundTrip(t *testing.T) {
	key := []byte("k")
	req := ObserveValue(5, key)

	resp := make([]byte, 0, len(req)+1+8)
	resp = append(resp, req...)
	resp = append(resp, byte(KeyStatePersisted))
	casBytes := make([]byte, 8)
	casBytes[7] = 9
	resp = append(resp, casBytes...)

	state, cas, ok := ReadObserveValue(resp)
	require.True(t, ok)
	assert.Equal(t, KeyStatePersisted, state)
	assert.Equal(t, uint64(9), cas)
}

func TestCollectionIDParsesFromExtrasPastManifestUID(t *testing.T) {
	extras := make([]byte, CollectionManifestUIDLen+4)
	extras[CollectionManifestUIDLen+3] = 0x7b // 123
	cid, ok := ReadCollectionID(extras)
	require.True(t, ok)
	assert.Equal(t, uint32(123), cid)
}

func TestCollectionIDRejectsShortExtras(t *testing.T) {
	_, ok := ReadCollectionID(make([]byte, CollectionManifestUIDLen))
	assert.False(t, ok)
}

func TestSubdocSpecEncodeAndLimit(t *testing.T) {
	specs := []OperationSpec{
		{Op: CmdSubDocGet, Path: "a.b"},
		{Op: CmdSubDocDictSet, Path: "c", Value: []byte(`"x"`)},
	}
	body, err := EncodeSpecs(specs)
	require.NoError(t, err)
	assert.NotEmpty(t, body)

	tooMany := make([]OperationSpec, MaxSubdocSpecs+1)
	for i := range tooMany {
		tooMany[i] = OperationSpec{Op: CmdSubDocGet, Path: "x"}
	}
	_, err = EncodeSpecs(tooMany)
	assert.Error(t, err)
}

func TestDecodeLookupResults(t *testing.T) {
	body := []byte{0, 0, 0, 0, 0, 3, 'f', 'o', 'o'}
	results, err := DecodeLookupResults(body)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, []byte("foo"), results[0].Value)
}

func TestDecodeMutationResultsFailure(t *testing.T) {
	body := []byte{2, 0xc0 >> 8, 0xc0 & 0xff}
	results, err := DecodeMutationResults(body, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint8(2), results[0].Index)
	assert.Equal(t, StatusSubDocPathNotFound, results[0].Status)
}
