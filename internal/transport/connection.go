package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jsp-lqk/gocb-kv-engine/kverrors"
	"github.com/jsp-lqk/gocb-kv-engine/memd"
)

// Result is what a Request's completion channel is fed: either a decoded
// response packet, or an error (transport failure, cancellation, timeout).
type Result struct {
	Packet *memd.Packet
	Err    error
}

// Request is one pending send: the fully-built request packet and the
// one-shot completion the caller is waiting on (spec §3 "completion: a
// one-shot completion channel"). Completion is buffered to size 1 so a
// send from the connection's read loop never blocks (spec §5).
type Request struct {
	Packet     *memd.Packet
	completion chan Result
	once       sync.Once
}

// NewRequest builds a Request wrapping packet, ready to submit to a Pool.
func NewRequest(packet *memd.Packet) *Request {
	return &Request{Packet: packet, completion: make(chan Result, 1)}
}

// Wait blocks until the request completes, ctx is done, or the underlying
// connection dies.
func (r *Request) Wait(ctx context.Context) (*memd.Packet, error) {
	select {
	case res := <-r.completion:
		return res.Packet, res.Err
	case <-ctx.Done():
		r.fail(ctx.Err())
		return nil, ctx.Err()
	}
}

func (r *Request) complete(res Result) {
	r.once.Do(func() {
		r.completion <- res
	})
}

func (r *Request) fail(err error) {
	r.complete(Result{Err: err})
}

// Connection owns one TCP socket to a node: it frames requests out,
// demultiplexes responses in by opaque, and tracks its own liveness
// (spec §4.B / §3 "Connection").
type Connection struct {
	endpoint string
	conn     net.Conn
	w        *bufio.Writer
	writeMu  sync.Mutex

	nextOpaque atomic.Uint32

	corrMu  sync.Mutex
	waiters map[uint32]*Request

	dead   atomic.Bool
	onDead func()

	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	lastActivity atomic.Int64

	logger *log.Logger

	closeOnce sync.Once
}

// Connect dials endpoint, runs init against the raw socket, and starts the
// connection's read loop. onDead, if non-nil, is invoked exactly once when
// the connection transitions to dead (used by Pool to trigger recovery
// promptly rather than waiting for a worker to stumble on it).
func Connect(ctx context.Context, endpoint string, dial Dialer, init Initializer, logger *log.Logger, onDead func()) (*Connection, error) {
	if dial == nil {
		dial = DefaultDialer
	}
	if init == nil {
		init = NoopInitializer
	}
	if logger == nil {
		logger = log.Default()
	}

	raw, err := dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", endpoint, err)
	}
	if err := init(ctx, raw); err != nil {
		raw.Close()
		return nil, fmt.Errorf("transport: initialize %s: %w", endpoint, err)
	}

	c := &Connection{
		endpoint: endpoint,
		conn:     raw,
		w:        bufio.NewWriter(raw),
		waiters:  make(map[uint32]*Request),
		logger:   logger,
		onDead:   onDead,
	}
	c.lastActivity.Store(time.Now().UnixNano())
	go c.readLoop()
	return c, nil
}

// Endpoint returns the node/service address this connection targets.
func (c *Connection) Endpoint() string { return c.endpoint }

// IsDead reports whether the connection has been torn down (EOF, I/O
// error, or an unparsable frame).
func (c *Connection) IsDead() bool { return c.dead.Load() }

// Send assigns a fresh opaque, registers the completion waiter, and writes
// the framed request atomically (spec §4.B "A write call is a single
// atomic send of the fully-framed request"). The caller awaits the
// returned Request's completion separately so the write path itself never
// blocks on the response.
func (c *Connection) Send(req *Request) error {
	if c.IsDead() {
		return kverrors.ErrTransport
	}

	opaque := c.nextOpaque.Add(1)
	req.Packet.Opaque = opaque

	c.corrMu.Lock()
	c.waiters[opaque] = req
	c.corrMu.Unlock()

	raw, err := req.Packet.Encode()
	if err != nil {
		c.corrMu.Lock()
		delete(c.waiters, opaque)
		c.corrMu.Unlock()
		return kverrors.New(kverrors.KindClient, memd.StatusClientDecodeError, req.Packet.Command, string(req.Packet.Key), err)
	}

	c.writeMu.Lock()
	_, werr := c.w.Write(raw)
	if werr == nil {
		werr = c.w.Flush()
	}
	c.writeMu.Unlock()

	if werr != nil {
		c.corrMu.Lock()
		delete(c.waiters, opaque)
		c.corrMu.Unlock()
		c.markDead(werr)
		return kverrors.New(kverrors.KindTransport, 0, req.Packet.Command, string(req.Packet.Key), werr)
	}

	c.bytesOut.Add(uint64(len(raw)))
	c.lastActivity.Store(time.Now().UnixNano())
	return nil
}

func (c *Connection) readLoop() {
	r := bufio.NewReader(c.conn)
	hdrBuf := make([]byte, memd.HeaderSize)
	for {
		if _, err := io.ReadFull(r, hdrBuf); err != nil {
			c.markDead(err)
			return
		}
		pkt, bodyLen, err := memd.DecodeHeader(hdrBuf)
		if err != nil {
			c.logger.Printf("transport: %s: malformed frame header: %v", c.endpoint, err)
			c.markDead(err)
			return
		}
		body := make([]byte, bodyLen)
		if bodyLen > 0 {
			if _, err := io.ReadFull(r, body); err != nil {
				c.markDead(err)
				return
			}
		}
		if err := pkt.DecodeBody(body); err != nil {
			c.logger.Printf("transport: %s: malformed frame body: %v", c.endpoint, err)
			c.markDead(err)
			return
		}

		c.bytesIn.Add(uint64(memd.HeaderSize + bodyLen))
		c.lastActivity.Store(time.Now().UnixNano())

		c.corrMu.Lock()
		waiter, ok := c.waiters[pkt.Opaque]
		if ok {
			delete(c.waiters, pkt.Opaque)
		}
		c.corrMu.Unlock()

		if !ok {
			// Spec §4.B: "if missing, logs and discards" — the request
			// was already failed by a timeout/cancellation and the
			// opaque was released.
			c.logger.Printf("transport: %s: response for unknown opaque %d discarded", c.endpoint, pkt.Opaque)
			continue
		}

		pktCopy := pkt
		envelopeOK := pkt.Status == memd.StatusSuccess ||
			(pkt.Command.IsSubDocMultiCommand() && pkt.Status.IsMultiPathEnvelopeStatus())
		if envelopeOK {
			waiter.complete(Result{Packet: &pktCopy})
		} else {
			waiter.complete(Result{
				Packet: &pktCopy,
				Err:    kverrors.FromStatus(pkt.Status, pkt.Command, string(waiter.Packet.Key)),
			})
		}
	}
}

func (c *Connection) markDead(cause error) {
	if !c.dead.CompareAndSwap(false, true) {
		return
	}

	c.corrMu.Lock()
	waiters := c.waiters
	c.waiters = make(map[uint32]*Request)
	c.corrMu.Unlock()

	err := kverrors.New(kverrors.KindTransport, 0, 0, "", errOrEOF(cause))
	for _, w := range waiters {
		w.fail(err)
	}

	if c.onDead != nil {
		c.onDead()
	}
}

func errOrEOF(err error) error {
	if err == nil {
		return io.EOF
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return err
}

// Close tears the connection down, failing any in-flight waiters with a
// transport error and rejecting future sends (spec §3 "Once dead, the
// connection refuses new sends").
func (c *Connection) Close() error {
	c.markDead(nil)
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
