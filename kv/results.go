package kv

import (
	"fmt"

	"github.com/jsp-lqk/gocb-kv-engine/memd"
)

// GetResult is the outcome of a document fetch. Content decodes the raw
// bytes into out via the collection's transcoder.
type GetResult struct {
	Cas      uint64
	Expiry   uint32
	flags    uint32
	datatype uint8
	raw      []byte
	tc       Transcoder
}

// Content decodes the fetched document into out.
func (r GetResult) Content(out interface{}) error {
	return r.tc.Decode(r.raw, r.flags, r.datatype, out)
}

// MutationResult is the outcome of a write operation (upsert/insert/
// replace/remove/touch/append/prepend).
type MutationResult struct {
	Cas uint64
}

// CounterResult is the outcome of increment/decrement.
type CounterResult struct {
	Cas     uint64
	Content uint64
}

// ExistsResult is the outcome of Exists (spec §4.D "Observe/exists()").
type ExistsResult struct {
	Exists bool
	Cas    uint64
}

// ReplicaResult wraps a GetResult with the index of the replica (or -1 for
// the primary) that answered it, for GetAllReplicas.
type ReplicaResult struct {
	GetResult
	IsReplica bool
	ReplicaIndex int
}

// LookupInResult is the outcome of a sub-doc multi-lookup.
type LookupInResult struct {
	Cas   uint64
	specs []memd.OperationSpec
	paths []memd.SubdocResult
}

// ContentAt decodes the value at path index idx into out. It returns the
// per-path error (e.g. PathNotFound) if that individual spec failed, even
// though the envelope as a whole succeeded (spec §7 "Sub-doc partial
// failures are reported per-path on the result, not as a thrown error").
func (r LookupInResult) ContentAt(idx int, out interface{}) error {
	if idx < 0 || idx >= len(r.paths) {
		return fmt.Errorf("kv: lookup-in result has no path at index %d", idx)
	}
	res := r.paths[idx]
	if res.Status != memd.StatusSuccess {
		return errorForSubdocStatus(res.Status, r.specs[idx].Op, "")
	}
	return jsonTranscoderForPaths.Decode(res.Value, 0, 0, out)
}

// ExistsAt reports whether the path at idx exists (used with
// CmdSubDocExists specs).
func (r LookupInResult) ExistsAt(idx int) bool {
	if idx < 0 || idx >= len(r.paths) {
		return false
	}
	return r.paths[idx].Status == memd.StatusSuccess
}

var jsonTranscoderForPaths = JSONTranscoder{}

// MutateInResult is the outcome of a sub-doc multi-mutation.
type MutateInResult struct {
	Cas     uint64
	specs   []memd.OperationSpec
	results []memd.MutationResult
}

// ContentAt decodes the (counter) result value at path index idx, for
// specs that return a value on success (e.g. CmdSubDocCounter).
func (r MutateInResult) ContentAt(idx int, out interface{}) error {
	for _, res := range r.results {
		if int(res.Index) == idx {
			if res.Status != memd.StatusSuccess {
				return errorForSubdocStatus(res.Status, r.specs[idx].Op, "")
			}
			return jsonTranscoderForPaths.Decode(res.Value, 0, 0, out)
		}
	}
	return fmt.Errorf("kv: mutate-in result carries no value for path index %d", idx)
}
