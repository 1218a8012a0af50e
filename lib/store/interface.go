// Package store keeps the pending challenge of every user who is half way
// through verification.
//
// Backends only deal in opaque bytes and a retention bound. The deadline a
// user has to answer by lives inside the record, so a backend may hold a
// record for longer than it is answerable; that window is what lets the
// verification engine tell a late answer from a missing challenge.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrNotFound means the key was never set, was deleted, or its retention
	// ran out.
	ErrNotFound = errors.New("store: key not found")

	// ErrCantDecode means a stored record is not what the reader expected.
	ErrCantDecode = errors.New("store: can't decode value")

	// ErrCantEncode means a record could not be serialized for the backend.
	ErrCantEncode = errors.New("store: can't encode value")

	// ErrBadConfig means the parameters of a backend are unusable.
	ErrBadConfig = errors.New("store: configuration is invalid")
)

// Interface is a key/value backend with per-key retention. Implementations
// must be safe for concurrent use.
type Interface interface {
	// Delete removes key, failing with ErrNotFound if nothing is held for it.
	Delete(ctx context.Context, key string) error

	// Get returns the value of key while its retention lasts.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value, and keeps it
	// for at least retention.
	Set(ctx context.Context, key string, value []byte, retention time.Duration) error
}

// Close releases whatever st holds open (file locks, connection pools).
// Backends without such resources are left alone.
func Close(st Interface) error {
	if c, ok := st.(io.Closer); ok {
		return c.Close()
	}

	return nil
}

// JSON stores values of type T as JSON documents in Underlying, with every
// key namespaced by Prefix.
type JSON[T any] struct {
	Underlying Interface
	Prefix     string
}

func (j *JSON[T]) key(k string) string {
	return j.Prefix + k
}

func (j *JSON[T]) Delete(ctx context.Context, key string) error {
	return j.Underlying.Delete(ctx, j.key(key))
}

func (j *JSON[T]) Get(ctx context.Context, key string) (T, error) {
	var result T

	data, err := j.Underlying.Get(ctx, j.key(key))
	if err != nil {
		return result, err
	}

	if err := json.Unmarshal(data, &result); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %s: %w", ErrCantDecode, j.key(key), err)
	}

	return result, nil
}

func (j *JSON[T]) Set(ctx context.Context, key string, value T, retention time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCantEncode, j.key(key), err)
	}

	return j.Underlying.Set(ctx, j.key(key), data, retention)
}
