package kv

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/jsp-lqk/gocb-kv-engine/internal/transport"
	"github.com/jsp-lqk/gocb-kv-engine/vbucket"
)

// NodeManager owns one connection pool per KV node, dialing lazily on
// first use and reusing the pool for every subsequent request routed to
// that node (spec §6 "NodeLocator: pool_for(vbucket, replica_index?) ->
// ConnectionPool").
type NodeManager struct {
	config Config
	dial   transport.Dialer
	init   transport.Initializer
	logger *log.Logger

	mu    sync.Mutex
	pools map[string]*transport.Pool
}

func newNodeManager(config Config, dial transport.Dialer, init transport.Initializer, logger *log.Logger) *NodeManager {
	return &NodeManager{
		config: config,
		dial:   dial,
		init:   init,
		logger: logger,
		pools:  make(map[string]*transport.Pool),
	}
}

// PoolFor returns the pool for node, dialing MinSize connections the first
// time this node is seen.
func (m *NodeManager) PoolFor(ctx context.Context, node vbucket.NodeInfo) (*transport.Pool, error) {
	key := node.String()

	m.mu.Lock()
	pool, ok := m.pools[key]
	m.mu.Unlock()
	if ok {
		return pool, nil
	}

	target := transport.ConnectionTarget{
		Address:           node.Address,
		Port:              node.Port,
		MinSize:           m.config.NumConnections,
		MaxSize:           m.config.MaxConnections,
		SendQueueCapacity: m.config.SendQueueCapacity,
		ConnectTimeout:    m.config.ConnectTimeout,
	}
	pool, err := transport.NewPool(ctx, target, m.dial, m.init, m.logger)
	if err != nil {
		return nil, fmt.Errorf("kv: connecting to node %s: %w", key, err)
	}

	m.mu.Lock()
	if existing, ok := m.pools[key]; ok {
		m.mu.Unlock()
		pool.Dispose()
		return existing, nil
	}
	m.pools[key] = pool
	m.mu.Unlock()
	return pool, nil
}

// Close disposes every pool this manager has created.
func (m *NodeManager) Close() {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*transport.Pool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Dispose()
	}
}
