package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsp-lqk/gocb-kv-engine/kverrors"
	"github.com/jsp-lqk/gocb-kv-engine/memd"
)

// multiEchoServer accepts an unbounded number of connections, tracking
// each accepted net.Conn so a test can sever one to simulate a dead node
// connection, and echoes every request back as a success response.
type multiEchoServer struct {
	ln    net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func newMultiEchoServer(t *testing.T) *multiEchoServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &multiEchoServer{ln: ln}
	go s.acceptLoop()
	return s
}

func (s *multiEchoServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *multiEchoServer) serve(conn net.Conn) {
	defer conn.Close()
	hdr := make([]byte, memd.HeaderSize)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		pkt, bodyLen, err := memd.DecodeHeader(hdr)
		if err != nil {
			return
		}
		body := make([]byte, bodyLen)
		if bodyLen > 0 {
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
		}
		if err := pkt.DecodeBody(body); err != nil {
			return
		}
		resp := memd.Packet{Command: pkt.Command, Opaque: pkt.Opaque, Status: memd.StatusSuccess}
		raw, err := resp.EncodeResponse()
		if err != nil {
			return
		}
		if _, err := conn.Write(raw); err != nil {
			return
		}
	}
}

func (s *multiEchoServer) killOneConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return
	}
	s.conns[0].Close()
	s.conns = s.conns[1:]
}

func (s *multiEchoServer) addr() string { return s.ln.Addr().String() }
func (s *multiEchoServer) close()       { s.ln.Close() }

// slowEchoServer behaves like multiEchoServer but sleeps before replying to
// each request, so a small send queue can be driven to capacity long
// enough for a test to observe opportunistic pool growth.
type slowEchoServer struct {
	ln    net.Listener
	delay time.Duration
}

func newSlowEchoServer(t *testing.T, delay time.Duration) *slowEchoServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &slowEchoServer{ln: ln, delay: delay}
	go s.acceptLoop()
	return s
}

func (s *slowEchoServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *slowEchoServer) serve(conn net.Conn) {
	defer conn.Close()
	hdr := make([]byte, memd.HeaderSize)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			return
		}
		pkt, bodyLen, err := memd.DecodeHeader(hdr)
		if err != nil {
			return
		}
		body := make([]byte, bodyLen)
		if bodyLen > 0 {
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
		}
		if err := pkt.DecodeBody(body); err != nil {
			return
		}
		time.Sleep(s.delay)
		resp := memd.Packet{Command: pkt.Command, Opaque: pkt.Opaque, Status: memd.StatusSuccess}
		raw, err := resp.EncodeResponse()
		if err != nil {
			return
		}
		if _, err := conn.Write(raw); err != nil {
			return
		}
	}
}

func (s *slowEchoServer) addr() string { return s.ln.Addr().String() }
func (s *slowEchoServer) close()       { s.ln.Close() }

func testTarget(addr string) ConnectionTarget {
	return ConnectionTarget{
		Address:           "",
		MinSize:           2,
		MaxSize:           2,
		SendQueueCapacity: 64,
		ConnectTimeout:    2 * time.Second,
	}
}

func dialAddr(addr string) Dialer {
	return func(ctx context.Context, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

func TestPoolDispatchesAcrossConnections(t *testing.T) {
	srv := newMultiEchoServer(t)
	defer srv.close()

	pool, err := NewPool(context.Background(), testTarget(srv.addr()), dialAddr(srv.addr()), NoopInitializer, nil)
	require.NoError(t, err)
	defer pool.Dispose()

	assert.Equal(t, 2, pool.Size())

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			req := NewRequest(&memd.Packet{Command: memd.CmdGet, Key: []byte("k")})
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			require.NoError(t, pool.Submit(ctx, req))
			_, err := req.Wait(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestPoolSelfHealsAfterConnectionDeath(t *testing.T) {
	srv := newMultiEchoServer(t)
	defer srv.close()

	pool, err := NewPool(context.Background(), testTarget(srv.addr()), dialAddr(srv.addr()), NoopInitializer, nil)
	require.NoError(t, err)
	defer pool.Dispose()

	require.Equal(t, 2, pool.Size())

	srv.killOneConn()

	assert.Eventually(t, func() bool {
		return pool.Size() == 2
	}, 3*time.Second, 20*time.Millisecond)

	req := NewRequest(&memd.Packet{Command: memd.CmdGet, Key: []byte("k")})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Submit(ctx, req))
	_, err = req.Wait(ctx)
	assert.NoError(t, err)
}

func TestPoolFreezeBlocksRecovery(t *testing.T) {
	srv := newMultiEchoServer(t)
	defer srv.close()

	pool, err := NewPool(context.Background(), testTarget(srv.addr()), dialAddr(srv.addr()), NoopInitializer, nil)
	require.NoError(t, err)
	defer pool.Dispose()

	snapshot, freeze := pool.Freeze()
	assert.Len(t, snapshot, 2)

	srv.killOneConn()
	pool.triggerRecovery()

	// While frozen, recover() cannot acquire the lock, so the connection
	// count must stay unchanged.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, len(pool.conns))

	freeze.Release()

	assert.Eventually(t, func() bool {
		return pool.Size() == 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestPoolGrowsUnderSustainedBackpressure(t *testing.T) {
	srv := newSlowEchoServer(t, 150*time.Millisecond)
	defer srv.close()

	target := ConnectionTarget{
		MinSize:           1,
		MaxSize:           3,
		SendQueueCapacity: 1,
		ConnectTimeout:    2 * time.Second,
	}
	pool, err := NewPool(context.Background(), target, dialAddr(srv.addr()), NoopInitializer, nil)
	require.NoError(t, err)
	defer pool.Dispose()

	require.Equal(t, 1, pool.Size())

	const n = 12
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			req := NewRequest(&memd.Packet{Command: memd.CmdGet, Key: []byte("k")})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pool.Submit(ctx, req); err != nil {
				return
			}
			req.Wait(ctx)
		}()
	}

	assert.Eventually(t, func() bool {
		return pool.Size() == 3
	}, 4*time.Second, 20*time.Millisecond)

	wg.Wait()
}

func TestPoolDisposeFailsFutureSubmits(t *testing.T) {
	srv := newMultiEchoServer(t)
	defer srv.close()

	pool, err := NewPool(context.Background(), testTarget(srv.addr()), dialAddr(srv.addr()), NoopInitializer, nil)
	require.NoError(t, err)

	pool.Dispose()

	req := NewRequest(&memd.Packet{Command: memd.CmdGet, Key: []byte("k")})
	err = pool.Submit(context.Background(), req)
	assert.ErrorIs(t, err, kverrors.ErrPoolDisposed)
}
