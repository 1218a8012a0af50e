// Package keylock provides mutual exclusion scoped to a single key.
//
// Callers holding the lock for one key never block callers of another key.
// Bookkeeping is spread over shards picked by xxhash so that lock and unlock
// of unrelated keys do not contend on one map mutex either.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

type entry struct {
	mu   sync.Mutex
	refs int
}

type shard struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// Map is a set of per-key mutexes. The zero value is ready to use.
type Map struct {
	shards [shardCount]shard
}

func (m *Map) shard(key string) *shard {
	return &m.shards[xxhash.Sum64String(key)%shardCount]
}

// Lock blocks until the lock for key is held and returns the function that
// releases it. The returned function must be called exactly once.
func (m *Map) Lock(key string) func() {
	s := m.shard(key)

	s.mu.Lock()
	if s.locks == nil {
		s.locks = map[string]*entry{}
	}
	e, ok := s.locks[key]
	if !ok {
		e = &entry{}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// Len reports how many keys currently have a holder or a waiter.
func (m *Map) Len() int {
	var n int
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
