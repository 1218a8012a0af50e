package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/uvensys/gatebot/lib/store"
)

const shardCount = 32

type factory struct{}

func (factory) Build(ctx context.Context, _ json.RawMessage) (store.Interface, error) {
	return New(ctx), nil
}

func (factory) Valid(json.RawMessage) error { return nil }

func init() {
	store.Register("memory", factory{})
}

type value struct {
	data    []byte
	expires time.Time
}

type shard struct {
	mu   sync.RWMutex
	data map[string]value
}

type impl struct {
	shards [shardCount]*shard
}

func (i *impl) shard(key string) *shard {
	return i.shards[xxhash.Sum64String(key)%shardCount]
}

func (i *impl) Delete(_ context.Context, key string) error {
	s := i.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	delete(s.data, key)
	return nil
}

func (i *impl) Get(_ context.Context, key string) ([]byte, error) {
	s := i.shard(key)
	s.mu.RLock()
	v, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	if time.Now().After(v.expires) {
		s.mu.Lock()
		// re-check, a concurrent Set may have refreshed the key
		if cur, ok := s.data[key]; ok && time.Now().After(cur.expires) {
			delete(s.data, key)
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	result := make([]byte, len(v.data))
	copy(result, v.data)
	return result, nil
}

func (i *impl) Set(_ context.Context, key string, data []byte, expiry time.Duration) error {
	v := value{
		data:    make([]byte, len(data)),
		expires: time.Now().Add(expiry),
	}
	copy(v.data, data)

	s := i.shard(key)
	s.mu.Lock()
	s.data[key] = v
	s.mu.Unlock()

	return nil
}

// cleanup drops every expired value and returns how many were removed.
func (i *impl) cleanup() int {
	var removed int
	now := time.Now()

	for _, s := range i.shards {
		s.mu.Lock()
		for k, v := range s.data {
			if now.After(v.expires) {
				delete(s.data, k)
				removed++
			}
		}
		s.mu.Unlock()
	}

	return removed
}

func (i *impl) cleanupThread(ctx context.Context) {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			i.cleanup()
		}
	}
}

// New creates a simple in-memory store. This will not scale to multiple gatebot
// instances behind one webhook and loses everything on restart.
func New(ctx context.Context) store.Interface {
	result := &impl{}
	for n := range result.shards {
		result.shards[n] = &shard{data: map[string]value{}}
	}

	go result.cleanupThread(ctx)

	return result
}
