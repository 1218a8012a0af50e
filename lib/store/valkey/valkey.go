// Package valkey keeps pending challenges in Valkey (or Redis), so that
// several bot replicas behind one webhook agree on who is mid-verification.
// Retention is enforced by the server through key TTLs; there is nothing to
// sweep.
package valkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	valkey "github.com/redis/go-redis/v9"
	"github.com/uvensys/gatebot/lib/store"
)

type Store struct {
	rdb    *valkey.Client
	prefix string
}

func (s *Store) Delete(ctx context.Context, key string) error {
	n, err := s.rdb.Del(ctx, s.prefix+key).Result()
	if err != nil {
		return fmt.Errorf("valkey: can't delete %q: %w", key, err)
	}

	if n == 0 {
		return fmt.Errorf("%w: %q", store.ErrNotFound, key)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	switch {
	case errors.Is(err, valkey.Nil):
		return nil, fmt.Errorf("%w: %q", store.ErrNotFound, key)
	case err != nil:
		return nil, fmt.Errorf("valkey: can't fetch %q: %w", key, err)
	}

	return result, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, retention time.Duration) error {
	if err := s.rdb.Set(ctx, s.prefix+key, value, retention).Err(); err != nil {
		return fmt.Errorf("valkey: can't set %q: %w", key, err)
	}

	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}
