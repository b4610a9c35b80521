package kv

import (
	"encoding/json"
	"fmt"

	"github.com/jsp-lqk/gocb-kv-engine/memd"
)

// Transcoder converts between application values and the bytes/flags/
// datatype triple carried on the wire (spec §6 "Transcoder: encode(T) ->
// (bytes, flags, datatype) and decode(bytes, flags, op) -> T").
type Transcoder interface {
	Encode(value interface{}) (bytes []byte, flags uint32, datatype uint8, err error)
	Decode(bytes []byte, flags uint32, datatype uint8, out interface{}) error
}

// JSONTranscoder is the default Transcoder: values are marshalled/
// unmarshalled as JSON, following the xattr/value handling conventions of
// the pack's other Couchbase clients (grounded on
// couchbase-gocbcorex__xattr_types.go's use of encoding/json for
// wire-adjacent structures).
type JSONTranscoder struct{}

// Encode implements Transcoder.
func (JSONTranscoder) Encode(value interface{}) ([]byte, uint32, uint8, error) {
	if raw, ok := value.([]byte); ok {
		return raw, 0, uint8(memd.DatatypeFlagJSON), nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("kv: json encode: %w", err)
	}
	return b, 0, uint8(memd.DatatypeFlagJSON), nil
}

// Decode implements Transcoder.
func (JSONTranscoder) Decode(bytes []byte, _ uint32, _ uint8, out interface{}) error {
	if raw, ok := out.(*[]byte); ok {
		*raw = bytes
		return nil
	}
	if err := json.Unmarshal(bytes, out); err != nil {
		return fmt.Errorf("kv: json decode: %w", err)
	}
	return nil
}
