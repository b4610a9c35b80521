package vbucket

import (
	"hash/fnv"

	jump "github.com/dgryski/go-jump"
)

// JumpKeyMapper is the default, configuration-less KeyMapper: it hashes
// the key with FNV-1a and shards it across numVBuckets buckets with
// jump consistent hashing, generalising the teacher's ShardedRouter (which
// jump-hashed across a flat client list) to route into vbucket slots
// instead of directly to a client.
type JumpKeyMapper struct{}

// NewJumpKeyMapper builds the default KeyMapper.
func NewJumpKeyMapper() *JumpKeyMapper { return &JumpKeyMapper{} }

// VBucketFor implements KeyMapper.
func (JumpKeyMapper) VBucketFor(key []byte, numVBuckets int) int {
	if numVBuckets <= 0 {
		return 0
	}
	return int(jump.Hash(hashKey(key), numVBuckets))
}

func hashKey(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}
