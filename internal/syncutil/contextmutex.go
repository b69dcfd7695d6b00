// Package syncutil holds the keyed locks used to serialize work on a single
// pool or claim while letting unrelated keys proceed in parallel.
package syncutil

import (
	"context"
	"hash/fnv"
	"strconv"
)

// DefaultShards is the shard count used by NewContextShardedMutex.
const DefaultShards = 256

// ContextShardedMutex provides a fixed-size pool of channel-based mutexes
// that support context cancellation. Two keys may share a shard, so holding
// one key's lock while acquiring another key's lock can deadlock.
type ContextShardedMutex struct {
	shards []chanMutex
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewContextShardedMutex creates a context-aware sharded mutex with DefaultShards shards.
func NewContextShardedMutex() *ContextShardedMutex {
	return NewContextShardedMutexN(DefaultShards)
}

// NewContextShardedMutexN creates a context-aware sharded mutex with n shards.
func NewContextShardedMutexN(n int) *ContextShardedMutex {
	if n < 1 {
		n = 1
	}
	m := &ContextShardedMutex{shards: make([]chanMutex, n)}
	for i := range m.shards {
		m.shards[i].ch = make(chan struct{}, 1)
		m.shards[i].ch <- struct{}{} // Start unlocked.
	}
	return m
}

// LockContext acquires the mutex for the given key, respecting context cancellation.
// On success, returns an unlock function and nil error. The caller MUST call the
// unlock function when done.
// On context cancellation, returns nil and the context error.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	return m.lock(ctx, m.shardIdx(key))
}

// LockID is LockContext keyed by a numeric id such as a pool id.
func (m *ContextShardedMutex) LockID(ctx context.Context, id uint64) (func(), error) {
	return m.LockContext(ctx, strconv.FormatUint(id, 10))
}

func (m *ContextShardedMutex) lock(ctx context.Context, idx uint32) (func(), error) {
	shard := &m.shards[idx]

	// Fail fast on a dead context even if the shard is free.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case <-shard.ch:
		released := false
		return func() {
			if released {
				return
			}
			released = true
			shard.ch <- struct{}{}
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ContextShardedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
