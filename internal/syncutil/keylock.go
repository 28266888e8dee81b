// Package syncutil provides keyed locks used to serialize state transitions
// on a single entity (a volunteer/event pair, a dispute, an event) without
// serializing unrelated entities.
package syncutil

import (
	"context"
	"hash/fnv"
	"strings"
)

const defaultShards = 256

// KeyLock is a fixed pool of channel-based mutexes selected by key hash.
// Memory stays bounded however many keys are seen; two keys that share a
// shard simply serialize against each other.
//
// Acquisition honours context cancellation, so a request whose deadline
// passes while waiting gives up instead of queueing forever.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a KeyLock with the default shard count.
func NewKeyLock() *KeyLock {
	return NewKeyLockShards(defaultShards)
}

// NewKeyLockShards creates a KeyLock with n shards (minimum 1).
func NewKeyLockShards(n int) *KeyLock {
	if n < 1 {
		n = 1
	}
	l := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{}
	}
	return l
}

// Lock acquires the shard for key. The returned func releases it and must
// be called exactly once.
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	shard := l.shards[l.shardIdx(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *KeyLock) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(l.shards))
}

// Key joins parts into a lock key, e.g. Key("vol_1", "evt_9") for a
// volunteer/event pair.
func Key(parts ...string) string {
	return strings.Join(parts, "|")
}
