// Command kvbench drives concurrent upserts and gets against a single KV
// node, adapted from the teacher's cmd/cli.go smoke driver.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jsp-lqk/gocb-kv-engine/internal/transport"
	"github.com/jsp-lqk/gocb-kv-engine/kv"
	"github.com/jsp-lqk/gocb-kv-engine/vbucket"
)

func main() {
	host := flag.String("host", "127.0.0.1", "KV node address")
	port := flag.Int("port", 11210, "KV node port")
	n := flag.Int("n", 100, "number of documents to upsert then fetch")
	flag.Parse()

	m := &vbucket.Map{
		Nodes:       []vbucket.NodeInfo{{Address: *host, Port: *port}},
		Assignments: singleNodeAssignments(1024),
	}

	bucket := kv.NewBucket("kvbench", m, kv.Config{}, nil, dialTCP, transport.NoopInitializer)
	defer bucket.Close()

	col := bucket.DefaultCollection()
	ctx := context.Background()

	var stored, fetched, failed int64
	var wg sync.WaitGroup
	for i := 0; i < *n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("kvbench-%d", i)
			value := fmt.Sprintf("value-%d", i)

			opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if _, err := col.Upsert(opCtx, id, value, kv.StoreOptions{}); err != nil {
				fmt.Println("upsert error:", err)
				atomic.AddInt64(&failed, 1)
				return
			}
			atomic.AddInt64(&stored, 1)

			gr, err := col.Get(opCtx, id, kv.GetOptions{})
			if err != nil {
				fmt.Println("get error:", err)
				atomic.AddInt64(&failed, 1)
				return
			}
			var got string
			if err := gr.Content(&got); err != nil {
				fmt.Println("decode error:", err)
				atomic.AddInt64(&failed, 1)
				return
			}
			if got != value {
				fmt.Printf("mismatch for %s: want %q got %q\n", id, value, got)
				atomic.AddInt64(&failed, 1)
				return
			}
			atomic.AddInt64(&fetched, 1)
		}(i)
	}
	wg.Wait()

	fmt.Printf("stored=%d fetched=%d failed=%d\n", stored, fetched, failed)
}

func dialTCP(ctx context.Context, endpoint string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", endpoint)
}

func singleNodeAssignments(numVBuckets int) []vbucket.Assignment {
	assignments := make([]vbucket.Assignment, numVBuckets)
	for i := range assignments {
		assignments[i] = vbucket.Assignment{Primary: 0}
	}
	return assignments
}
