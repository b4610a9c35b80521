//go:build integration

// This suite is opt-in (go test -tags integration ./kv/...) because it
// pulls and starts a real memcached container rather than running against
// fakeNode. The container is started with memcached -B binary so that it
// speaks only the binary protocol these tests use, rather than relying on
// the image's default protocol negotiation.
package kv

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jsp-lqk/gocb-kv-engine/internal/transport"
)

func dialTCP(ctx context.Context, endpoint string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", endpoint)
}

func setupMemcached(t *testing.T) (context.Context, testcontainers.Container, string, int) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "memcached:latest",
		ExposedPorts: []string{"11211/tcp"},
		// the stock image defaults to negotiating protocols automatically,
		// but pin binary explicitly since this client never speaks text/meta.
		Cmd:        []string{"memcached", "-B", "binary"},
		WaitingFor: wait.ForListeningPort("11211/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatal(err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}

	port, err := container.MappedPort(ctx, "11211/tcp")
	if err != nil {
		t.Fatal(err)
	}

	return ctx, container, host, port.Int()
}

// TestBucketAgainstRealMemcached exercises the full resolve-submit-await
// pipeline of Bucket.execute against an actual memcached process rather
// than the in-memory fakeNode, using the single vbucket / single node
// topology a bucket sees when its cluster map has not been partitioned.
func TestBucketAgainstRealMemcached(t *testing.T) {
	ctx, container, host, port := setupMemcached(t)
	defer container.Terminate(ctx)

	m := Map1Node(t, host+":0")
	m.Nodes[0].Port = port

	bucket := NewBucket("integration", m, Config{NumConnections: 2, MaxConnections: 4}, singleVBucketMapper{}, dialTCP, transport.NoopInitializer)
	defer bucket.Close()

	col := bucket.DefaultCollection()

	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := col.Upsert(opCtx, "integration-key", "integration-value", StoreOptions{})
	assert.NoError(t, err)

	res, err := col.Get(opCtx, "integration-key", GetOptions{})
	assert.NoError(t, err)
	var got string
	assert.NoError(t, res.Content(&got))
	assert.Equal(t, "integration-value", got)

	_, err = col.Remove(opCtx, "integration-key", RemoveOptions{})
	assert.NoError(t, err)

	_, err = col.Get(opCtx, "integration-key", GetOptions{})
	assert.Error(t, err)
}

// TestPoolServesSequentialUpsertsAgainstRealMemcached drives 25 sequential
// upserts through a three-connection pool against a real memcached
// container and checks that every one succeeds.
func TestPoolServesSequentialUpsertsAgainstRealMemcached(t *testing.T) {
	ctx, container, host, port := setupMemcached(t)
	defer container.Terminate(ctx)

	m := Map1Node(t, host+":0")
	m.Nodes[0].Port = port

	bucket := NewBucket("integration-load", m, Config{NumConnections: 3, MaxConnections: 6}, singleVBucketMapper{}, dialTCP, transport.NoopInitializer)
	defer bucket.Close()

	col := bucket.DefaultCollection()

	for i := 0; i < 25; i++ {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		id := "load-key"
		_, err := col.Upsert(opCtx, id, i, StoreOptions{})
		cancel()
		assert.NoError(t, err)
	}
}
