// Package keylock provides mutual exclusion scoped to a string key.
//
// Keys are hashed onto a fixed set of mutex shards, so memory stays bounded
// no matter how many distinct keys are seen. Two keys only contend when
// they land on the same shard.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is the shard count used by New when n <= 0.
const DefaultShards = 256

// Locker is a sharded keyed mutex.
type Locker struct {
	shards []sync.Mutex
}

// New creates a Locker with n shards. n is rounded up to a power of two.
func New(n int) *Locker {
	if n <= 0 {
		n = DefaultShards
	}
	size := 1
	for size < n {
		size <<= 1
	}
	return &Locker{shards: make([]sync.Mutex, size)}
}

// Shard returns the shard index for key.
func (l *Locker) Shard(key string) int {
	return int(xxhash.Sum64String(key) & uint64(len(l.shards)-1))
}

// Lock acquires the lock for key and returns the function that releases it.
//
//	unlock := locker.Lock(id)
//	defer unlock()
func (l *Locker) Lock(key string) (unlock func()) {
	m := &l.shards[l.Shard(key)]
	m.Lock()
	return m.Unlock
}

// Do runs fn while holding the lock for key.
func (l *Locker) Do(key string, fn func() error) error {
	unlock := l.Lock(key)
	defer unlock()
	return fn()
}

// Shards returns the number of shards.
func (l *Locker) Shards() int { return len(l.shards) }
