package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jsp-lqk/gocb-kv-engine/kverrors"
	"github.com/jsp-lqk/gocb-kv-engine/memd"
	"github.com/jsp-lqk/gocb-kv-engine/vbucket"
)

// Collection is a resolved (scope, name) pair within a Bucket, exposing
// the public KV operations of spec §4.D.
type Collection struct {
	bucket *Bucket
	scope  string
	name   string

	cidMu       sync.RWMutex
	cid         uint32
	cidResolved bool
}

// resolveCid implements GetCidByName caching (spec §3/§4.D): the default
// collection's id is always 0 and never needs a round trip; every other
// collection's id is fetched once and cached until invalidated.
func (c *Collection) resolveCid(ctx context.Context) (uint32, error) {
	c.cidMu.RLock()
	if c.cidResolved {
		cid := c.cid
		c.cidMu.RUnlock()
		return cid, nil
	}
	c.cidMu.RUnlock()

	path := c.scope + "." + c.name
	pkt, err := c.bucket.execute(ctx, []byte(path), 0, func(vbID uint16) *memd.Packet {
		return &memd.Packet{Command: memd.CmdCollectionsGetID, Vbucket: vbID, Key: []byte(path)}
	})
	if err != nil {
		return 0, err
	}
	cid, ok := memd.ReadCollectionID(pkt.Extras)
	if !ok {
		return 0, kverrors.New(kverrors.KindClient, memd.StatusClientDecodeError, memd.CmdCollectionsGetID, path, fmt.Errorf("malformed GetCidByName response"))
	}

	c.cidMu.Lock()
	c.cid = cid
	c.cidResolved = true
	c.cidMu.Unlock()
	return cid, nil
}

func (c *Collection) invalidateCid() {
	c.cidMu.Lock()
	c.cidResolved = false
	c.cidMu.Unlock()
}

// withKey resolves the collection id, prefixes the key, dispatches, and
// invalidates the cached cid if the collection turned out to be stale
// (spec §3 "invalidated on specific status codes").
func (c *Collection) withKey(ctx context.Context, id string, timeout time.Duration, buildPkt func(cid uint32, key []byte, vbID uint16) *memd.Packet) (*memd.Packet, error) {
	cid, err := c.resolveCid(ctx)
	if err != nil {
		return nil, err
	}
	key := memd.EncodeCollectionKey(cid, []byte(id))
	pkt, err := c.bucket.execute(ctx, []byte(id), timeout, func(vbID uint16) *memd.Packet {
		return buildPkt(cid, key, vbID)
	})
	if err != nil {
		var kerr *kverrors.Error
		if errors.As(err, &kerr) && (kerr.Status == memd.StatusCollectionUnknown || kerr.Status == memd.StatusScopeUnknown) {
			c.invalidateCid()
		}
		return nil, err
	}
	return pkt, nil
}

func errorForSubdocStatus(status memd.StatusCode, op memd.CmdCode, key string) error {
	return kverrors.FromStatus(status, op, key)
}

// durabilityFramingExtras builds the flexible-framing-extras block for a
// mutation carrying a durability requirement (spec §3 "durability_level
// and durability_timeout: durability hints"; §6 SYNC_WRITE framing).
// DurabilityLevelNone (the zero value) means no requirement was requested,
// so no framing extras are attached. A zero timeout falls back to the
// bucket's configured default durability timeout.
func (c *Collection) durabilityFramingExtras(level memd.DurabilityLevel, timeout time.Duration) []byte {
	if level == memd.DurabilityLevelNone {
		return nil
	}
	if timeout <= 0 {
		timeout = c.bucket.config.DurabilityTimeout
	}
	return memd.DurabilityFrame(level, timeout)
}

// GetOptions configures Get, GetAndTouch, and GetAndLock.
type GetOptions struct {
	Timeout       time.Duration
	ProjectList   []string
	IncludeExpiry bool
	Transcoder    Transcoder
}

func (c *Collection) transcoderOr(opt Transcoder) Transcoder {
	if opt != nil {
		return opt
	}
	return c.bucket.transcoder
}

// Get fetches a document. If opts.ProjectList is non-empty and its length
// (plus 1 if IncludeExpiry) is within the 16-spec sub-doc limit, only the
// requested paths are fetched; otherwise the whole document is fetched and
// the caller is expected to project locally (spec §4.D "get() special
// handling").
func (c *Collection) Get(ctx context.Context, id string, opts GetOptions) (*GetResult, error) {
	tc := c.transcoderOr(opts.Transcoder)

	include := 0
	if opts.IncludeExpiry {
		include = 1
	}
	if len(opts.ProjectList) > 0 && len(opts.ProjectList)+include <= memd.MaxSubdocSpecs {
		return c.getProjected(ctx, id, opts, tc)
	}

	pkt, err := c.withKey(ctx, id, opts.Timeout, func(_ uint32, key []byte, vbID uint16) *memd.Packet {
		return &memd.Packet{Command: memd.CmdGet, Vbucket: vbID, Key: key}
	})
	if err != nil {
		return nil, err
	}
	return &GetResult{
		Cas:      pkt.Cas,
		flags:    memd.ReadStoreExtras(pkt.Extras),
		datatype: pkt.Datatype,
		raw:      pkt.Value,
		tc:       tc,
	}, nil
}

func (c *Collection) getProjected(ctx context.Context, id string, opts GetOptions, tc Transcoder) (*GetResult, error) {
	specs := make([]memd.OperationSpec, 0, len(opts.ProjectList)+1)
	for _, path := range opts.ProjectList {
		specs = append(specs, memd.OperationSpec{Op: memd.CmdSubDocGet, Path: path})
	}
	if opts.IncludeExpiry {
		specs = append(specs, memd.OperationSpec{Op: memd.CmdSubDocGet, Path: "$document.exptime", Flags: memd.SubdocFlagXattrPath})
	}
	body, err := memd.EncodeSpecs(specs)
	if err != nil {
		return nil, kverrors.New(kverrors.KindClient, 0, memd.CmdSubDocMultiLookup, id, err)
	}

	pkt, err := c.withKey(ctx, id, opts.Timeout, func(_ uint32, key []byte, vbID uint16) *memd.Packet {
		return &memd.Packet{Command: memd.CmdSubDocMultiLookup, Vbucket: vbID, Key: key, Value: body}
	})
	if err != nil {
		return nil, err
	}

	results, err := memd.DecodeLookupResults(pkt.Value)
	if err != nil {
		return nil, kverrors.New(kverrors.KindClient, memd.StatusClientDecodeError, memd.CmdSubDocMultiLookup, id, err)
	}

	projected := make(map[string]json.RawMessage, len(opts.ProjectList))
	for i, path := range opts.ProjectList {
		if i < len(results) && results[i].Status == memd.StatusSuccess {
			projected[path] = json.RawMessage(results[i].Value)
		}
	}
	raw, err := json.Marshal(projected)
	if err != nil {
		return nil, kverrors.New(kverrors.KindClient, 0, memd.CmdSubDocMultiLookup, id, err)
	}

	gr := &GetResult{Cas: pkt.Cas, raw: raw, tc: tc, datatype: uint8(memd.DatatypeFlagJSON)}
	if opts.IncludeExpiry && len(results) > len(opts.ProjectList) {
		expRes := results[len(opts.ProjectList)]
		if expRes.Status == memd.StatusSuccess {
			var exp uint32
			if err := json.Unmarshal(expRes.Value, &exp); err == nil {
				gr.Expiry = exp
			}
		}
	}
	return gr, nil
}

// ExistsOptions configures Exists.
type ExistsOptions struct {
	Timeout time.Duration
}

// Exists reports document existence via the Observe opcode (spec §4.D
// "Observe/exists()"): NotFound and LogicalDeleted states, as well as a
// caught KeyNotFound, are converted to Exists=false rather than an error.
func (c *Collection) Exists(ctx context.Context, id string, opts ExistsOptions) (*ExistsResult, error) {
	pkt, err := c.withKey(ctx, id, opts.Timeout, func(_ uint32, key []byte, vbID uint16) *memd.Packet {
		return &memd.Packet{Command: memd.CmdObserve, Vbucket: vbID, Value: memd.ObserveValue(vbID, key)}
	})
	if err != nil {
		var kerr *kverrors.Error
		if errors.As(err, &kerr) && kerr.Kind == kverrors.KindKeyNotFound {
			return &ExistsResult{Exists: false}, nil
		}
		return nil, err
	}

	state, cas, ok := memd.ReadObserveValue(pkt.Value)
	if !ok {
		return nil, kverrors.New(kverrors.KindClient, memd.StatusClientDecodeError, memd.CmdObserve, id, fmt.Errorf("malformed observe payload"))
	}
	if state == memd.KeyStateNotFound || state == memd.KeyStateDeleted {
		return &ExistsResult{Exists: false}, nil
	}
	return &ExistsResult{Exists: true, Cas: cas}, nil
}

// StoreOptions configures Upsert, Insert, and Replace.
type StoreOptions struct {
	Timeout    time.Duration
	Expiry     uint32
	Cas        uint64
	Transcoder Transcoder
	// DurabilityLevel requests a SYNC_WRITE guarantee for this mutation;
	// the zero value (DurabilityLevelNone) requests none.
	DurabilityLevel memd.DurabilityLevel
	// DurabilityTimeout bounds the durability wait; zero falls back to
	// the bucket's configured default (durability_timeout).
	DurabilityTimeout time.Duration
}

// Upsert creates or overwrites a document unconditionally.
func (c *Collection) Upsert(ctx context.Context, id string, value interface{}, opts StoreOptions) (*MutationResult, error) {
	return c.store(ctx, memd.CmdSet, id, value, opts)
}

// Insert creates a document, failing with KeyExists if it is already
// present.
func (c *Collection) Insert(ctx context.Context, id string, value interface{}, opts StoreOptions) (*MutationResult, error) {
	return c.store(ctx, memd.CmdAdd, id, value, opts)
}

// Replace overwrites an existing document, failing with KeyNotFound if it
// is absent, and (when opts.Cas is set) failing on a CAS mismatch (spec §8
// "CAS round-trip").
func (c *Collection) Replace(ctx context.Context, id string, value interface{}, opts StoreOptions) (*MutationResult, error) {
	return c.store(ctx, memd.CmdReplace, id, value, opts)
}

func (c *Collection) store(ctx context.Context, op memd.CmdCode, id string, value interface{}, opts StoreOptions) (*MutationResult, error) {
	tc := c.transcoderOr(opts.Transcoder)
	body, flags, datatype, err := tc.Encode(value)
	if err != nil {
		return nil, kverrors.New(kverrors.KindClient, 0, op, id, err)
	}

	framingExtras := c.durabilityFramingExtras(opts.DurabilityLevel, opts.DurabilityTimeout)
	pkt, err := c.withKey(ctx, id, opts.Timeout, func(_ uint32, key []byte, vbID uint16) *memd.Packet {
		return &memd.Packet{
			Command:       op,
			Vbucket:       vbID,
			Key:           key,
			Value:         body,
			Datatype:      datatype,
			Extras:        memd.StoreExtras(flags, opts.Expiry),
			Cas:           opts.Cas,
			FramingExtras: framingExtras,
		}
	})
	if err != nil {
		return nil, err
	}
	return &MutationResult{Cas: pkt.Cas}, nil
}

// RemoveOptions configures Remove.
type RemoveOptions struct {
	Timeout time.Duration
	Cas     uint64
}

// Remove deletes a document.
func (c *Collection) Remove(ctx context.Context, id string, opts RemoveOptions) (*MutationResult, error) {
	pkt, err := c.withKey(ctx, id, opts.Timeout, func(_ uint32, key []byte, vbID uint16) *memd.Packet {
		return &memd.Packet{Command: memd.CmdDelete, Vbucket: vbID, Key: key, Cas: opts.Cas}
	})
	if err != nil {
		return nil, err
	}
	return &MutationResult{Cas: pkt.Cas}, nil
}

// TouchOptions configures Touch.
type TouchOptions struct {
	Timeout time.Duration
}

// Touch updates a document's expiry without altering its value.
func (c *Collection) Touch(ctx context.Context, id string, expiry uint32, opts TouchOptions) (*MutationResult, error) {
	pkt, err := c.withKey(ctx, id, opts.Timeout, func(_ uint32, key []byte, vbID uint16) *memd.Packet {
		return &memd.Packet{Command: memd.CmdTouch, Vbucket: vbID, Key: key, Extras: memd.ExpiryExtras(expiry)}
	})
	if err != nil {
		return nil, err
	}
	return &MutationResult{Cas: pkt.Cas}, nil
}

// GetAndTouch fetches a document and updates its expiry in one round
// trip.
func (c *Collection) GetAndTouch(ctx context.Context, id string, expiry uint32, opts GetOptions) (*GetResult, error) {
	tc := c.transcoderOr(opts.Transcoder)
	pkt, err := c.withKey(ctx, id, opts.Timeout, func(_ uint32, key []byte, vbID uint16) *memd.Packet {
		return &memd.Packet{Command: memd.CmdGAT, Vbucket: vbID, Key: key, Extras: memd.ExpiryExtras(expiry)}
	})
	if err != nil {
		return nil, err
	}
	return &GetResult{Cas: pkt.Cas, flags: memd.ReadStoreExtras(pkt.Extras), datatype: pkt.Datatype, raw: pkt.Value, tc: tc}, nil
}

// GetAndLock fetches a document and takes a pessimistic lock on it for
// lockTime seconds.
func (c *Collection) GetAndLock(ctx context.Context, id string, lockTime uint32, opts GetOptions) (*GetResult, error) {
	tc := c.transcoderOr(opts.Transcoder)
	pkt, err := c.withKey(ctx, id, opts.Timeout, func(_ uint32, key []byte, vbID uint16) *memd.Packet {
		return &memd.Packet{Command: memd.CmdGetLocked, Vbucket: vbID, Key: key, Extras: memd.ExpiryExtras(lockTime)}
	})
	if err != nil {
		return nil, err
	}
	return &GetResult{Cas: pkt.Cas, flags: memd.ReadStoreExtras(pkt.Extras), datatype: pkt.Datatype, raw: pkt.Value, tc: tc}, nil
}

// UnlockOptions configures Unlock.
type UnlockOptions struct {
	Timeout time.Duration
}

// Unlock releases a lock taken by GetAndLock; cas must match the value
// returned by GetAndLock.
func (c *Collection) Unlock(ctx context.Context, id string, cas uint64, opts UnlockOptions) error {
	_, err := c.withKey(ctx, id, opts.Timeout, func(_ uint32, key []byte, vbID uint16) *memd.Packet {
		return &memd.Packet{Command: memd.CmdUnlockKey, Vbucket: vbID, Key: key, Cas: cas}
	})
	return err
}

// CounterOptions configures Increment and Decrement.
type CounterOptions struct {
	Timeout           time.Duration
	Initial           uint64
	Expiry            uint32
	DurabilityLevel   memd.DurabilityLevel
	DurabilityTimeout time.Duration
}

// Increment adds delta to a counter document, creating it with
// opts.Initial if absent.
func (c *Collection) Increment(ctx context.Context, id string, delta uint64, opts CounterOptions) (*CounterResult, error) {
	return c.counter(ctx, memd.CmdIncrement, id, delta, opts)
}

// Decrement subtracts delta from a counter document, creating it with
// opts.Initial if absent. The result never goes below zero.
func (c *Collection) Decrement(ctx context.Context, id string, delta uint64, opts CounterOptions) (*CounterResult, error) {
	return c.counter(ctx, memd.CmdDecrement, id, delta, opts)
}

func (c *Collection) counter(ctx context.Context, op memd.CmdCode, id string, delta uint64, opts CounterOptions) (*CounterResult, error) {
	framingExtras := c.durabilityFramingExtras(opts.DurabilityLevel, opts.DurabilityTimeout)
	pkt, err := c.withKey(ctx, id, opts.Timeout, func(_ uint32, key []byte, vbID uint16) *memd.Packet {
		return &memd.Packet{Command: op, Vbucket: vbID, Key: key, Extras: memd.CounterExtras(delta, opts.Initial, opts.Expiry), FramingExtras: framingExtras}
	})
	if err != nil {
		return nil, err
	}
	value, ok := memd.ReadCounterValue(pkt.Value)
	if !ok {
		return nil, kverrors.New(kverrors.KindClient, memd.StatusClientDecodeError, op, id, fmt.Errorf("malformed counter value"))
	}
	return &CounterResult{Cas: pkt.Cas, Content: value}, nil
}

// AdjoinOptions configures Append and Prepend.
type AdjoinOptions struct {
	Timeout           time.Duration
	Cas               uint64
	DurabilityLevel   memd.DurabilityLevel
	DurabilityTimeout time.Duration
}

// Append concatenates value onto the end of an existing document.
func (c *Collection) Append(ctx context.Context, id string, value []byte, opts AdjoinOptions) (*MutationResult, error) {
	return c.adjoin(ctx, memd.CmdAppend, id, value, opts)
}

// Prepend concatenates value onto the front of an existing document.
func (c *Collection) Prepend(ctx context.Context, id string, value []byte, opts AdjoinOptions) (*MutationResult, error) {
	return c.adjoin(ctx, memd.CmdPrepend, id, value, opts)
}

func (c *Collection) adjoin(ctx context.Context, op memd.CmdCode, id string, value []byte, opts AdjoinOptions) (*MutationResult, error) {
	framingExtras := c.durabilityFramingExtras(opts.DurabilityLevel, opts.DurabilityTimeout)
	pkt, err := c.withKey(ctx, id, opts.Timeout, func(_ uint32, key []byte, vbID uint16) *memd.Packet {
		return &memd.Packet{Command: op, Vbucket: vbID, Key: key, Value: value, Cas: opts.Cas, FramingExtras: framingExtras}
	})
	if err != nil {
		return nil, err
	}
	return &MutationResult{Cas: pkt.Cas}, nil
}

// LookupInOptions configures LookupIn.
type LookupInOptions struct {
	Timeout time.Duration
}

// LookupIn performs a sub-document multi-lookup (spec §4.A "Sub-doc
// composition"). Up to memd.MaxSubdocSpecs paths may be requested at once.
func (c *Collection) LookupIn(ctx context.Context, id string, specs []memd.OperationSpec, opts LookupInOptions) (*LookupInResult, error) {
	body, err := memd.EncodeSpecs(specs)
	if err != nil {
		return nil, kverrors.New(kverrors.KindClient, 0, memd.CmdSubDocMultiLookup, id, err)
	}
	pkt, err := c.withKey(ctx, id, opts.Timeout, func(_ uint32, key []byte, vbID uint16) *memd.Packet {
		return &memd.Packet{Command: memd.CmdSubDocMultiLookup, Vbucket: vbID, Key: key, Value: body}
	})
	if err != nil {
		return nil, err
	}
	results, err := memd.DecodeLookupResults(pkt.Value)
	if err != nil {
		return nil, kverrors.New(kverrors.KindClient, memd.StatusClientDecodeError, memd.CmdSubDocMultiLookup, id, err)
	}
	return &LookupInResult{Cas: pkt.Cas, specs: specs, paths: results}, nil
}

// MutateInOptions configures MutateIn.
type MutateInOptions struct {
	Timeout           time.Duration
	Cas               uint64
	Expiry            uint32
	DurabilityLevel   memd.DurabilityLevel
	DurabilityTimeout time.Duration
}

// MutateIn performs a sub-document multi-mutation.
func (c *Collection) MutateIn(ctx context.Context, id string, specs []memd.OperationSpec, opts MutateInOptions) (*MutateInResult, error) {
	body, err := memd.EncodeSpecs(specs)
	if err != nil {
		return nil, kverrors.New(kverrors.KindClient, 0, memd.CmdSubDocMultiMutation, id, err)
	}
	var extras []byte
	if opts.Expiry != 0 {
		extras = memd.ExpiryExtras(opts.Expiry)
	}
	framingExtras := c.durabilityFramingExtras(opts.DurabilityLevel, opts.DurabilityTimeout)

	pkt, err := c.withKey(ctx, id, opts.Timeout, func(_ uint32, key []byte, vbID uint16) *memd.Packet {
		return &memd.Packet{Command: memd.CmdSubDocMultiMutation, Vbucket: vbID, Key: key, Value: body, Cas: opts.Cas, Extras: extras, FramingExtras: framingExtras}
	})
	if err != nil {
		return nil, err
	}
	// StatusSubDocBadMulti / StatusSubDocMultiPathFailureDeleted envelopes
	// carry the single (index, status) failure layout.
	failed := pkt.Status != memd.StatusSuccess && pkt.Status != memd.StatusSubDocSuccessDeleted
	results, err := memd.DecodeMutationResults(pkt.Value, failed)
	if err != nil {
		return nil, kverrors.New(kverrors.KindClient, memd.StatusClientDecodeError, memd.CmdSubDocMultiMutation, id, err)
	}
	return &MutateInResult{Cas: pkt.Cas, specs: specs, results: results}, nil
}

// ReplicaGetOptions configures GetAnyReplica and GetAllReplicas.
type ReplicaGetOptions struct {
	Timeout    time.Duration
	Transcoder Transcoder
}

// GetAnyReplica issues a Get against the primary and one GetReplica per
// replica in parallel, returning the first successful result (spec §4.D
// "get_any_replica()").
func (c *Collection) GetAnyReplica(ctx context.Context, id string, opts ReplicaGetOptions) (*ReplicaResult, error) {
	cid, err := c.resolveCid(ctx)
	if err != nil {
		return nil, err
	}
	tc := c.transcoderOr(opts.Transcoder)
	key := memd.EncodeCollectionKey(cid, []byte(id))

	res, err := c.bucket.locator.Resolve(c.bucket.currentMap(), []byte(id))
	if err != nil {
		return nil, kverrors.New(kverrors.KindClient, 0, 0, id, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.bucket.config.DefaultOperationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	total := 1 + len(res.Replicas)
	ch := make(chan replicaOutcome, total)

	dispatchOne := func(node vbucket.NodeInfo, op memd.CmdCode, replicaIdx int) {
		pkt, err := c.bucket.dispatchToNode(ctx, node, &memd.Packet{Command: op, Vbucket: uint16(res.VBucket), Key: key})
		if err != nil {
			ch <- replicaOutcome{err: err}
			return
		}
		ch <- replicaOutcome{result: &ReplicaResult{
			GetResult:    GetResult{Cas: pkt.Cas, flags: memd.ReadStoreExtras(pkt.Extras), datatype: pkt.Datatype, raw: pkt.Value, tc: tc},
			IsReplica:    replicaIdx >= 0,
			ReplicaIndex: replicaIdx,
		}}
	}

	go dispatchOne(res.Primary, memd.CmdGet, -1)
	for i, node := range res.Replicas {
		go dispatchOne(node, memd.CmdGetReplica, i)
	}

	var lastErr error
	for i := 0; i < total; i++ {
		select {
		case outcome := <-ch:
			if outcome.err == nil {
				return outcome.result, nil
			}
			lastErr = outcome.err
		case <-ctx.Done():
			return nil, kverrors.New(kverrors.KindTimeout, 0, memd.CmdGet, id, ctx.Err())
		}
	}
	if lastErr == nil {
		lastErr = kverrors.New(kverrors.KindInternalOrRetryable, memd.StatusNoReplicasFound, memd.CmdGet, id, fmt.Errorf("no replicas available"))
	}
	return nil, lastErr
}

type replicaOutcome struct {
	result *ReplicaResult
	err    error
}

// ReplicaOutcome is delivered on each future returned by GetAllReplicas.
type ReplicaOutcome struct {
	Result *ReplicaResult
	Err    error
}

// GetAllReplicas issues a Get against the primary and every replica in
// parallel, returning one future per node for the caller to iterate (spec
// §4.D "get_all_replicas() returns the set of futures for the caller to
// iterate").
func (c *Collection) GetAllReplicas(ctx context.Context, id string, opts ReplicaGetOptions) ([]<-chan ReplicaOutcome, error) {
	cid, err := c.resolveCid(ctx)
	if err != nil {
		return nil, err
	}
	tc := c.transcoderOr(opts.Transcoder)
	key := memd.EncodeCollectionKey(cid, []byte(id))

	res, err := c.bucket.locator.Resolve(c.bucket.currentMap(), []byte(id))
	if err != nil {
		return nil, kverrors.New(kverrors.KindClient, 0, 0, id, err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.bucket.config.DefaultOperationTimeout
	}

	nodes := append([]vbucket.NodeInfo{res.Primary}, res.Replicas...)
	futures := make([]<-chan ReplicaOutcome, len(nodes))
	for i, node := range nodes {
		replicaIdx := i - 1
		op := memd.CmdGetReplica
		if replicaIdx < 0 {
			op = memd.CmdGet
		}
		ch := make(chan ReplicaOutcome, 1)
		futures[i] = ch
		go func(node vbucket.NodeInfo, op memd.CmdCode, replicaIdx int) {
			reqCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			pkt, err := c.bucket.dispatchToNode(reqCtx, node, &memd.Packet{Command: op, Vbucket: uint16(res.VBucket), Key: key})
			if err != nil {
				ch <- ReplicaOutcome{Err: err}
				return
			}
			ch <- ReplicaOutcome{Result: &ReplicaResult{
				GetResult:    GetResult{Cas: pkt.Cas, flags: memd.ReadStoreExtras(pkt.Extras), datatype: pkt.Datatype, raw: pkt.Value, tc: tc},
				IsReplica:    replicaIdx >= 0,
				ReplicaIndex: replicaIdx,
			}}
		}(node, op, replicaIdx)
	}
	return futures, nil
}

// Noop sends a no-op round trip to the node currently owning id's
// vbucket; useful for liveness checks and warming a node's pool.
func (c *Collection) Noop(ctx context.Context, id string) error {
	_, err := c.bucket.execute(ctx, []byte(id), 0, func(vbID uint16) *memd.Packet {
		return &memd.Packet{Command: memd.CmdNoop, Vbucket: vbID}
	})
	return err
}
