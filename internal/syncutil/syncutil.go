// Package syncutil provides sharded per-key locks.
//
// The payment services serialize mutations per entity: the ledger locks on
// account ID, bids on acceptance and card IDs, milestones and disputes on
// payment ID. Key spaces are unbounded, so the locks hash keys onto a fixed
// pool of shards instead of growing a map of mutexes. Two keys that land on
// the same shard contend with each other; that is harmless false sharing,
// never a correctness problem.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex is a fixed pool of mutexes keyed by string. The zero value is
// ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the shard for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIdx(key)]
	mu.Lock()
	return mu.Unlock
}

// ContextShardedMutex is a ShardedMutex whose acquisition can be abandoned
// on context cancellation. The ledger uses it so a request whose deadline
// expires while queued behind a slow store write gives up its place instead
// of stacking goroutines on the shard.
//
// Shards are buffered channels holding one token; taking the token is
// locking, returning it is unlocking, and a select against ctx.Done gives
// up the wait.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// LockContext acquires the shard for key or fails with the context's error.
// On success the caller owns the shard until it calls the returned unlock
// function.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
