// Package vbucket implements the key-to-node routing layer (spec §3
// "VBucket map" / §4.D step 3): mapping a document key to a vbucket index
// and then to the node that owns it, primary and replicas.
package vbucket

import "fmt"

// NodeInfo identifies one KV-serving node by its dial endpoint.
type NodeInfo struct {
	Address string
	Port    int
}

func (n NodeInfo) String() string {
	return fmt.Sprintf("%s:%d", n.Address, n.Port)
}

// Assignment is one vbucket's ownership: the primary (active) node index
// into Map.Nodes, and zero or more replica node indices.
type Assignment struct {
	Primary  int
	Replicas []int
}

// Map is an immutable vbucket routing table (spec §3 "Immutable per map
// revision; atomically replaced by the configuration collaborator"). A new
// revision is built and swapped in wholesale; a Map itself is never
// mutated after construction, so it is safe to read from many goroutines
// without synchronisation.
type Map struct {
	Nodes       []NodeInfo
	Assignments []Assignment
}

// NumVBuckets returns the number of vbuckets this map partitions the
// keyspace into.
func (m *Map) NumVBuckets() int { return len(m.Assignments) }

// NodeFor resolves vbucket to its primary node. replicaIndex, when >= 0,
// selects a replica instead (spec §4.D get_any_replica/get_all_replicas).
func (m *Map) NodeFor(vbucketIndex int, replicaIndex int) (NodeInfo, bool) {
	if vbucketIndex < 0 || vbucketIndex >= len(m.Assignments) {
		return NodeInfo{}, false
	}
	a := m.Assignments[vbucketIndex]
	idx := a.Primary
	if replicaIndex >= 0 {
		if replicaIndex >= len(a.Replicas) {
			return NodeInfo{}, false
		}
		idx = a.Replicas[replicaIndex]
	}
	if idx < 0 || idx >= len(m.Nodes) {
		return NodeInfo{}, false
	}
	return m.Nodes[idx], true
}

// NumReplicas reports how many replicas vbucketIndex has.
func (m *Map) NumReplicas(vbucketIndex int) int {
	if vbucketIndex < 0 || vbucketIndex >= len(m.Assignments) {
		return 0
	}
	return len(m.Assignments[vbucketIndex].Replicas)
}

// KeyMapper resolves a document key to a vbucket index (spec §6
// "KeyMapper: map_key(id) -> vbucket").
type KeyMapper interface {
	VBucketFor(key []byte, numVBuckets int) int
}

// NodeLocator combines a Map and a KeyMapper into the full key->node
// resolution the dispatcher needs (spec §6 "NodeLocator: pool_for(vbucket,
// replica_index?) -> ConnectionPool"; here it stops at the node, leaving
// pool lookup to the caller since pools are owned above this package).
type NodeLocator struct {
	mapper KeyMapper
}

// NewNodeLocator builds a NodeLocator using mapper to assign vbuckets. A
// nil mapper defaults to NewJumpKeyMapper().
func NewNodeLocator(mapper KeyMapper) *NodeLocator {
	if mapper == nil {
		mapper = NewJumpKeyMapper()
	}
	return &NodeLocator{mapper: mapper}
}

// Resolution is the outcome of routing one key against one Map revision.
type Resolution struct {
	VBucket      int
	Primary      NodeInfo
	Replicas     []NodeInfo
	HasReplicas  bool
}

// Resolve maps key against m, returning the vbucket and its primary and
// replica nodes.
func (l *NodeLocator) Resolve(m *Map, key []byte) (Resolution, error) {
	if m == nil || m.NumVBuckets() == 0 {
		return Resolution{}, fmt.Errorf("vbucket: no map configured")
	}
	vb := l.mapper.VBucketFor(key, m.NumVBuckets())
	primary, ok := m.NodeFor(vb, -1)
	if !ok {
		return Resolution{}, fmt.Errorf("vbucket: vbucket %d has no primary node", vb)
	}
	n := m.NumReplicas(vb)
	replicas := make([]NodeInfo, 0, n)
	for i := 0; i < n; i++ {
		if r, ok := m.NodeFor(vb, i); ok {
			replicas = append(replicas, r)
		}
	}
	return Resolution{
		VBucket:     vb,
		Primary:     primary,
		Replicas:    replicas,
		HasReplicas: len(replicas) > 0,
	}, nil
}
