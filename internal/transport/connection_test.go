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

	"github.com/jsp-lqk/gocb-kv-engine/memd"
)

// echoServer accepts a single connection and, for every request frame it
// receives, immediately replies with a success response carrying the same
// opaque. It is not a memcached implementation, just enough wire behaviour
// to exercise the Connection's framing and correlation logic.
func echoServer(t *testing.T) (addr string, closeServer func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
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
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func TestConnectionSendReceivesMatchingOpaque(t *testing.T) {
	addr, closeServer := echoServer(t)
	defer closeServer()

	conn, err := Connect(context.Background(), addr, DefaultDialer, NoopInitializer, nil, nil)
	require.NoError(t, err)
	defer conn.Close()

	req := NewRequest(&memd.Packet{Command: memd.CmdGet, Key: []byte("doc-1")})
	require.NoError(t, conn.Send(req))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pkt, err := req.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, memd.CmdGet, pkt.Command)
}

func TestConnectionOpaqueUniquenessUnderConcurrency(t *testing.T) {
	addr, closeServer := echoServer(t)
	defer closeServer()

	conn, err := Connect(context.Background(), addr, DefaultDialer, NoopInitializer, nil, nil)
	require.NoError(t, err)
	defer conn.Close()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			req := NewRequest(&memd.Packet{Command: memd.CmdGet, Key: []byte("k")})
			require.NoError(t, conn.Send(req))
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := req.Wait(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestConnectionMarksDeadOnServerClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	var deadCalled sync.WaitGroup
	deadCalled.Add(1)
	conn, err := Connect(context.Background(), ln.Addr().String(), DefaultDialer, NoopInitializer, nil, func() {
		deadCalled.Done()
	})
	require.NoError(t, err)
	defer conn.Close()

	serverSide := <-accepted
	serverSide.Close()

	deadCalled.Wait()
	assert.True(t, conn.IsDead())

	err = conn.Send(NewRequest(&memd.Packet{Command: memd.CmdGet, Key: []byte("k")}))
	assert.Error(t, err)
}

func TestConnectionFailsWaitersOnDeath(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	conn, err := Connect(context.Background(), ln.Addr().String(), DefaultDialer, NoopInitializer, nil, nil)
	require.NoError(t, err)
	defer conn.Close()

	serverSide := <-accepted

	req := NewRequest(&memd.Packet{Command: memd.CmdGet, Key: []byte("k")})
	require.NoError(t, conn.Send(req))

	serverSide.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = req.Wait(ctx)
	assert.Error(t, err)
}
