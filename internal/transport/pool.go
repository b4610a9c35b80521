package transport

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/jsp-lqk/gocb-kv-engine/kverrors"
)

const (
	recoveryBaseDelay = 100 * time.Millisecond
	recoveryMaxDelay  = 5 * time.Second
)

// Pool is the per-node connection pool (spec §4.C): a bounded send queue
// fanning out to one worker goroutine per live connection, with mutex-
// guarded self-healing recovery and a scoped freeze for configuration
// observers.
type Pool struct {
	target ConnectionTarget
	dial   Dialer
	init   Initializer
	logger *log.Logger

	queue *boundedQueue

	baseCtx    context.Context
	cancelBase context.CancelFunc

	// recoverMu serialises recover() runs and doubles as the freeze lock:
	// a held Freeze() handle blocks recovery from observing/mutating the
	// connection set until released (spec §4.C "Freeze").
	recoverMu   sync.Mutex
	conns       []*Connection
	disposed    bool
	recoverGen  int
	wg          sync.WaitGroup
	failedTries int
	// growing guards against piling up concurrent opportunistic dials from
	// maybeGrow; only one grows the pool at a time.
	growing bool
}

// NewPool dials MinSize connections to target and starts one worker per
// connection. A pool with MinSize==MaxSize==1 degenerates naturally to a
// single-connection client (spec §4.C "single-connection fast path" is
// simply this pool with bounds pinned to one).
func NewPool(ctx context.Context, target ConnectionTarget, dial Dialer, init Initializer, logger *log.Logger) (*Pool, error) {
	target = applyTargetDefaults(target)
	if logger == nil {
		logger = log.Default()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		target:     target,
		dial:       dial,
		init:       init,
		logger:     logger,
		queue:      newBoundedQueue(target.SendQueueCapacity),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}

	for i := 0; i < target.MinSize; i++ {
		conn, err := p.dialOne(ctx)
		if err != nil {
			p.Dispose()
			return nil, err
		}
		p.addConnLocked(conn)
	}
	if len(p.conns) == 0 {
		p.Dispose()
		return nil, kverrors.New(kverrors.KindTransport, 0, 0, "", context.DeadlineExceeded)
	}
	return p, nil
}

func (p *Pool) dialOne(ctx context.Context) (*Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.target.ConnectTimeout)
	defer cancel()
	return Connect(dialCtx, p.target.Endpoint(), p.dial, p.init, p.logger, p.triggerRecovery)
}

// addConnLocked registers conn and starts its worker. Caller must hold
// recoverMu.
func (p *Pool) addConnLocked(conn *Connection) {
	p.conns = append(p.conns, conn)
	p.wg.Add(1)
	go p.runWorker(conn)
}

// Submit enqueues req for dispatch to whichever connection's worker picks
// it up next, blocking while the queue is at capacity (spec §4.C
// "Submission"). A queue found at capacity triggers an opportunistic
// attempt to grow the pool toward MaxSize before falling back to the
// blocking push.
func (p *Pool) Submit(ctx context.Context, req *Request) error {
	if p.queue.Full() {
		p.maybeGrow(ctx)
	}
	return p.queue.Push(ctx, req)
}

// maybeGrow dials one additional connection when the pool is under
// backpressure and has not yet reached MaxSize (spec §4.C invariant
// min_size <= live_connections <= max_size). It is best-effort: a dial
// failure, a pool already at MaxSize, or a growth already in flight all
// just fall through to Submit's ordinary blocking Push. The dial runs
// synchronously inside Submit, so the submitting caller waits for it
// (bounded by ConnectTimeout and ctx).
func (p *Pool) maybeGrow(ctx context.Context) {
	p.recoverMu.Lock()
	if p.disposed || p.growing || len(p.conns) >= p.target.MaxSize {
		p.recoverMu.Unlock()
		return
	}
	p.growing = true
	p.recoverMu.Unlock()

	conn, err := p.dialOne(ctx)

	p.recoverMu.Lock()
	p.growing = false
	if err != nil {
		p.recoverMu.Unlock()
		p.logger.Printf("transport: %s: opportunistic growth dial failed: %v", p.target.Endpoint(), err)
		return
	}
	if p.disposed || len(p.conns) >= p.target.MaxSize {
		p.recoverMu.Unlock()
		conn.Close()
		return
	}
	p.addConnLocked(conn)
	p.recoverMu.Unlock()
}

// runWorker repeatedly pops from the shared queue and sends on conn. Per
// spec §4.C "Worker": a worker whose connection has died exits permanently
// rather than looping on failed sends; recovery is responsible for
// replacing the connection and thus the worker. The worker pops the next
// request as soon as Send has written the current one; it does not wait
// for the response, so one connection can carry several in-flight
// requests at once, correlated by opaque.
func (p *Pool) runWorker(conn *Connection) {
	defer p.wg.Done()
	for {
		req, ok := p.queue.Pop(p.baseCtx)
		if !ok {
			return
		}
		if conn.IsDead() {
			// Put the request back for another worker; this connection is
			// finished.
			if err := p.queue.Push(p.baseCtx, req); err != nil {
				req.fail(err)
			}
			return
		}
		if err := conn.Send(req); err != nil {
			req.fail(err)
			if conn.IsDead() {
				return
			}
		}
	}
}

// triggerRecovery is the onDead callback wired into every Connection; it
// kicks off recovery in the background so a single dead socket is repaired
// without waiting for a worker to stumble across it (spec §4.C
// "self-healing").
func (p *Pool) triggerRecovery() {
	go p.recover()
}

// recover drops dead connections and tries to replace them back up to
// MinSize, with capped exponential backoff between attempts (spec §4.C
// "Recovery"). Growth above MinSize toward MaxSize is maybeGrow's job, not
// recover's: recovery only ever restores the floor.
func (p *Pool) recover() {
	p.recoverMu.Lock()
	defer p.recoverMu.Unlock()

	if p.disposed {
		return
	}

	live := p.conns[:0:0]
	for _, c := range p.conns {
		if !c.IsDead() {
			live = append(live, c)
		}
	}
	p.conns = live

	for len(p.conns) < p.target.MinSize {
		if p.disposed {
			return
		}
		conn, err := p.dialOne(p.baseCtx)
		if err != nil {
			p.failedTries++
			delay := backoffDelay(p.failedTries)
			p.logger.Printf("transport: %s: recovery attempt failed, retrying in %s: %v", p.target.Endpoint(), delay, err)

			p.recoverMu.Unlock()
			select {
			case <-time.After(delay):
			case <-p.baseCtx.Done():
				p.recoverMu.Lock()
				return
			}
			p.recoverMu.Lock()
			continue
		}
		p.failedTries = 0
		p.addConnLocked(conn)
	}
}

func backoffDelay(attempt int) time.Duration {
	d := recoveryBaseDelay << uint(attempt-1)
	if d <= 0 || d > recoveryMaxDelay {
		d = recoveryMaxDelay
	}
	// jitter by up to 20% to avoid a thundering herd across pools recovering
	// against the same node at once.
	jitter := time.Duration(rand.Int63n(int64(d) / 5))
	return d + jitter
}

// Freeze returns a scoped handle that blocks recovery from mutating the
// connection set for as long as it is held, so a config-refresh observer
// can enumerate live connections atomically (spec §4.C "Freeze").
type Freeze struct {
	pool *Pool
}

// Freeze acquires the pool's recovery lock and returns the current
// snapshot of live connections along with a handle to release the lock.
func (p *Pool) Freeze() ([]*Connection, *Freeze) {
	p.recoverMu.Lock()
	snapshot := make([]*Connection, len(p.conns))
	copy(snapshot, p.conns)
	return snapshot, &Freeze{pool: p}
}

// Release unblocks recovery.
func (f *Freeze) Release() {
	f.pool.recoverMu.Unlock()
}

// Dispose permanently shuts the pool down: cancels outstanding workers,
// drains the send queue (failing everything left in it with
// ErrPoolDisposed), and closes every connection (spec §4.C "Disposal").
func (p *Pool) Dispose() {
	p.recoverMu.Lock()
	if p.disposed {
		p.recoverMu.Unlock()
		return
	}
	p.disposed = true
	conns := p.conns
	p.conns = nil
	p.recoverMu.Unlock()

	p.cancelBase()
	p.queue.Close()
	for _, c := range conns {
		c.Close()
	}
	p.wg.Wait()
}

// Size returns the current live connection count.
func (p *Pool) Size() int {
	p.recoverMu.Lock()
	defer p.recoverMu.Unlock()
	return len(p.conns)
}
