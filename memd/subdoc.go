package memd

import (
	"encoding/binary"
	"fmt"
)

// SubdocFlag specifies flags for a single sub-document operation.
type SubdocFlag uint8

const (
	SubdocFlagNone         = SubdocFlag(0x00)
	SubdocFlagMkDirP       = SubdocFlag(0x01)
	SubdocFlagXattrPath    = SubdocFlag(0x04)
	SubdocFlagExpandMacros = SubdocFlag(0x10)
)

// SubdocDocFlag specifies document-level flags for a sub-document
// operation envelope.
type SubdocDocFlag uint8

const (
	SubdocDocFlagNone      = SubdocDocFlag(0x00)
	SubdocDocFlagMkDoc     = SubdocDocFlag(0x01)
	SubdocDocFlagAddDoc    = SubdocDocFlag(0x02)
	SubdocDocFlagAccessDeleted = SubdocDocFlag(0x04)
)

// MaxSubdocSpecs is the maximum number of paths a single lookup-in/
// mutate-in request may carry (spec §3 "up to 16 specs per request").
const MaxSubdocSpecs = 16

// OperationSpec is one path operation within a sub-doc lookup or mutation.
type OperationSpec struct {
	Op    CmdCode
	Flags SubdocFlag
	Path  string
	Value []byte
}

func (s OperationSpec) isMutation() bool {
	switch s.Op {
	case CmdSubDocDictAdd, CmdSubDocDictSet, CmdSubDocDelete, CmdSubDocReplace,
		CmdSubDocArrayPushLast, CmdSubDocArrayPushFirst, CmdSubDocArrayInsert,
		CmdSubDocArrayAddUnique, CmdSubDocCounter:
		return true
	default:
		return false
	}
}

// EncodeSpecs serializes an ordered sequence of OperationSpec into the
// multi-lookup/multi-mutation request body layout: for each spec,
// (op-code, flags, path-length, path, [value-length, value]).
func EncodeSpecs(specs []OperationSpec) ([]byte, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("memd: at least one sub-doc spec is required")
	}
	if len(specs) > MaxSubdocSpecs {
		return nil, fmt.Errorf("memd: %d sub-doc specs exceeds maximum of %d", len(specs), MaxSubdocSpecs)
	}

	var out []byte
	for _, s := range specs {
		if len(s.Path) > 0xffff {
			return nil, fmt.Errorf("memd: sub-doc path length %d exceeds 65535", len(s.Path))
		}
		hdr := make([]byte, 4)
		hdr[0] = byte(s.Op)
		hdr[1] = byte(s.Flags)
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(s.Path)))
		out = append(out, hdr...)
		out = append(out, s.Path...)

		if s.isMutation() {
			vlen := make([]byte, 4)
			binary.BigEndian.PutUint32(vlen, uint32(len(s.Value)))
			out = append(out, vlen...)
			out = append(out, s.Value...)
		}
	}
	return out, nil
}

// SubdocResult is one path's outcome within a multi-lookup/mutation
// response.
type SubdocResult struct {
	Status StatusCode
	Value  []byte
}

// DecodeLookupResults parses a multi-lookup response body: a sequence of
// (status, length, payload) triples, one per requested spec, in order.
func DecodeLookupResults(body []byte) ([]SubdocResult, error) {
	var results []SubdocResult
	for len(body) > 0 {
		if len(body) < 6 {
			return nil, fmt.Errorf("memd: truncated sub-doc lookup result")
		}
		status := StatusCode(binary.BigEndian.Uint16(body[0:2]))
		length := binary.BigEndian.Uint32(body[2:6])
		body = body[6:]
		if uint32(len(body)) < length {
			return nil, fmt.Errorf("memd: truncated sub-doc lookup payload")
		}
		results = append(results, SubdocResult{Status: status, Value: body[:length]})
		body = body[length:]
	}
	return results, nil
}

// MutationResult is one path's outcome within a multi-mutation response,
// additionally carrying the index of the spec it corresponds to (only
// specs that returned a value, or the first spec that failed, are present
// on the wire).
type MutationResult struct {
	Index  uint8
	Status StatusCode
	Value  []byte
}

// DecodeMutationResults parses a multi-mutation response body. On overall
// success the body is a sequence of (index, status, length, payload) for
// specs that return a value (e.g. counters); on overall failure the body
// is a single (index, status, [length, payload]) describing the first
// failing spec.
func DecodeMutationResults(body []byte, failed bool) ([]MutationResult, error) {
	if failed {
		if len(body) < 3 {
			return nil, fmt.Errorf("memd: truncated sub-doc mutation failure")
		}
		idx := body[0]
		status := StatusCode(binary.BigEndian.Uint16(body[1:3]))
		var value []byte
		if len(body) > 3 {
			if len(body) < 7 {
				return nil, fmt.Errorf("memd: truncated sub-doc mutation failure payload")
			}
			length := binary.BigEndian.Uint32(body[3:7])
			value = body[7:]
			if uint32(len(value)) < length {
				return nil, fmt.Errorf("memd: truncated sub-doc mutation failure value")
			}
			value = value[:length]
		}
		return []MutationResult{{Index: idx, Status: status, Value: value}}, nil
	}

	var results []MutationResult
	for len(body) > 0 {
		if len(body) < 7 {
			return nil, fmt.Errorf("memd: truncated sub-doc mutation result")
		}
		idx := body[0]
		status := StatusCode(binary.BigEndian.Uint16(body[1:3]))
		length := binary.BigEndian.Uint32(body[3:7])
		body = body[7:]
		if uint32(len(body)) < length {
			return nil, fmt.Errorf("memd: truncated sub-doc mutation payload")
		}
		results = append(results, MutationResult{Index: idx, Status: status, Value: body[:length]})
		body = body[length:]
	}
	return results, nil
}
