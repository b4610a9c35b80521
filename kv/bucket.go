// Package kv implements the public KV dispatcher (spec §4.D): the
// operation-to-wire-request build, vbucket/node resolution, submission
// through a transport.Pool, and status-to-error translation.
package kv

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/jsp-lqk/gocb-kv-engine/internal/transport"
	"github.com/jsp-lqk/gocb-kv-engine/kverrors"
	"github.com/jsp-lqk/gocb-kv-engine/memd"
	"github.com/jsp-lqk/gocb-kv-engine/vbucket"
)

// ConfigRefresher fetches a fresh vbucket map from the cluster
// configuration collaborator (spec §4.E "VBucketBelongsToAnotherServer
// must trigger a configuration-refresh hook").
type ConfigRefresher func(ctx context.Context) (*vbucket.Map, error)

// Bucket is the entry point for KV operations against one bucket: it owns
// the current vbucket map, the per-node connection pools, and the default
// transcoder, and dispatches every Collection operation through the
// resolve-submit-await-translate pipeline of spec §4.D.
type Bucket struct {
	name       string
	config     Config
	transcoder Transcoder
	locator    *vbucket.NodeLocator
	nodes      *NodeManager
	logger     *log.Logger

	mapPtr    atomic.Pointer[vbucket.Map]
	refresher ConfigRefresher
}

// NewBucket builds a Bucket against the given initial vbucket map. mapper
// selects the KeyMapper (nil defaults to vbucket.NewJumpKeyMapper()); dial
// and init are the transport collaborators used for every pool this bucket
// creates.
func NewBucket(name string, m *vbucket.Map, config Config, mapper vbucket.KeyMapper, dial transport.Dialer, init transport.Initializer) *Bucket {
	config = applyConfigDefaults(config)
	logger := log.Default()
	b := &Bucket{
		name:       name,
		config:     config,
		transcoder: JSONTranscoder{},
		locator:    vbucket.NewNodeLocator(mapper),
		nodes:      newNodeManager(config, dial, init, logger),
		logger:     logger,
	}
	b.mapPtr.Store(m)
	return b
}

// SetConfigRefresher wires the collaborator invoked when a request comes
// back with VBucketBelongsToAnotherServer.
func (b *Bucket) SetConfigRefresher(r ConfigRefresher) { b.refresher = r }

// SetTranscoder overrides the bucket-wide default transcoder.
func (b *Bucket) SetTranscoder(t Transcoder) { b.transcoder = t }

// UpdateMap atomically replaces the vbucket map this bucket routes
// against (spec §3 "Immutable per map revision; atomically replaced").
func (b *Bucket) UpdateMap(m *vbucket.Map) { b.mapPtr.Store(m) }

func (b *Bucket) currentMap() *vbucket.Map { return b.mapPtr.Load() }

// Collection returns a handle for the named scope/collection. Collection
// id resolution is lazy and cached (spec §3 "Collection... Lifecycle:
// name -> cid via a GetCidByName operation").
func (b *Bucket) Collection(scopeName, collectionName string) *Collection {
	return &Collection{bucket: b, scope: scopeName, name: collectionName}
}

// DefaultCollection returns the always-present _default._default
// collection, whose cid is always 0 and needs no resolution.
func (b *Bucket) DefaultCollection() *Collection {
	c := b.Collection("_default", "_default")
	c.cidResolved = true
	return c
}

// Close disposes every connection pool this bucket has opened.
func (b *Bucket) Close() { b.nodes.Close() }

// execute is the per-call dispatch algorithm of spec §4.D: resolve
// vbucket/node, submit to that node's pool, await completion under
// timeout, and retry at most once per call (spec §7). The retry fires
// either on VBucketBelongsToAnotherServer, after a config refresh, or
// (idempotent operations only) on a transient transport/server failure
// that never reached the point of mutating a document.
func (b *Bucket) execute(ctx context.Context, routingKey []byte, timeout time.Duration, buildPkt func(vbID uint16) *memd.Packet) (*memd.Packet, error) {
	if timeout <= 0 {
		timeout = b.config.DefaultOperationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	retried := false
	for {
		m := b.currentMap()
		res, err := b.locator.Resolve(m, routingKey)
		if err != nil {
			return nil, kverrors.New(kverrors.KindClient, 0, 0, string(routingKey), err)
		}

		pkt := buildPkt(uint16(res.VBucket))
		respPkt, err := b.dispatchToNode(ctx, res.Primary, pkt)
		if err == nil {
			return respPkt, nil
		}

		var kerr *kverrors.Error
		if errors.As(err, &kerr) && !retried {
			if kverrors.NeedsConfigRefresh(kerr.Status) {
				retried = true
				b.refresh(ctx)
				continue
			}
			if pkt.Command.IsIdempotent() && isTransientRetryable(kerr.Kind) {
				retried = true
				continue
			}
		}
		return nil, err
	}
}

// isTransientRetryable reports whether kind represents a failure that
// never reached the point of mutating a document, so retrying an
// idempotent operation once more is safe.
func isTransientRetryable(kind kverrors.Kind) bool {
	return kind == kverrors.KindTemporaryFailure || kind == kverrors.KindTransport
}

// dispatchToNode submits pkt to node's pool and awaits its completion,
// translating transport/context failures into the taxonomy of kverrors.
func (b *Bucket) dispatchToNode(ctx context.Context, node vbucket.NodeInfo, pkt *memd.Packet) (*memd.Packet, error) {
	pool, err := b.nodes.PoolFor(ctx, node)
	if err != nil {
		return nil, kverrors.New(kverrors.KindTransport, 0, pkt.Command, string(pkt.Key), err)
	}

	req := transport.NewRequest(pkt)
	if err := pool.Submit(ctx, req); err != nil {
		return nil, translateDispatchErr(err, pkt)
	}
	respPkt, err := req.Wait(ctx)
	if err != nil {
		return nil, translateDispatchErr(err, pkt)
	}
	return respPkt, nil
}

func translateDispatchErr(err error, pkt *memd.Packet) error {
	var kerr *kverrors.Error
	if errors.As(err, &kerr) {
		return kerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return kverrors.New(kverrors.KindTimeout, 0, pkt.Command, string(pkt.Key), err)
	}
	if errors.Is(err, context.Canceled) {
		return kverrors.New(kverrors.KindCancelled, 0, pkt.Command, string(pkt.Key), err)
	}
	return kverrors.New(kverrors.KindTransport, 0, pkt.Command, string(pkt.Key), err)
}

func (b *Bucket) refresh(ctx context.Context) {
	if b.refresher == nil {
		return
	}
	m, err := b.refresher(ctx)
	if err != nil {
		b.logger.Printf("kv: %s: config refresh failed: %v", b.name, err)
		return
	}
	b.UpdateMap(m)
}
