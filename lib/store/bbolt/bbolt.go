// Package bbolt keeps pending challenges in a single bbolt[1] file so they
// survive a restart of the bot.
//
// All records share one bucket. Each value is the retention deadline as
// big-endian Unix nanoseconds followed by the record itself, so the sweeper
// can decide what to drop from the first eight bytes alone.
//
// A restart can only shorten the time a user has to answer: the deadline
// inside each challenge record is still enforced by the verification engine.
// One file can only be opened by one process, so replicas sharing a webhook
// need the valkey backend instead.
//
// [1]: https://github.com/etcd-io/bbolt
package bbolt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uvensys/gatebot/lib/store"
	"go.etcd.io/bbolt"
)

const deadlineSize = 8

var bucketName = []byte("challenges")

var errShortRecord = errors.New("bbolt: record shorter than its deadline header")

// Store implements store.Interface on top of a bbolt database.
type Store struct {
	bdb *bbolt.DB
	now func() time.Time
}

func open(path string, timeout time.Duration) (*Store, error) {
	bdb, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, err
	}

	if err := bdb.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		bdb.Close()
		return nil, fmt.Errorf("bbolt: can't create %s bucket: %w", bucketName, err)
	}

	return &Store{bdb: bdb, now: time.Now}, nil
}

func encode(deadline time.Time, value []byte) []byte {
	buf := make([]byte, deadlineSize+len(value))
	binary.BigEndian.PutUint64(buf, uint64(deadline.UnixNano()))
	copy(buf[deadlineSize:], value)
	return buf
}

func deadline(raw []byte) (time.Time, error) {
	if len(raw) < deadlineSize {
		return time.Time{}, errShortRecord
	}

	return time.Unix(0, int64(binary.BigEndian.Uint64(raw))), nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(key)) == nil {
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		return b.Delete([]byte(key))
	})
}

// Get returns a copy of the value; bbolt memory is only valid inside the
// transaction. Records past their retention read as missing and are left
// for the sweeper.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var result []byte

	err := s.bdb.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(key))
		if raw == nil {
			return fmt.Errorf("%w: %q", store.ErrNotFound, key)
		}

		until, err := deadline(raw)
		if err != nil {
			return fmt.Errorf("%w: %q: %w", store.ErrCantDecode, key, err)
		}

		if s.now().After(until) {
			return fmt.Errorf("%w: %q (retention over)", store.ErrNotFound, key)
		}

		result = append([]byte(nil), raw[deadlineSize:]...)
		return nil
	})

	return result, err
}

func (s *Store) Set(_ context.Context, key string, value []byte, retention time.Duration) error {
	raw := encode(s.now().Add(retention), value)

	return s.bdb.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketName).Put([]byte(key), raw); err != nil {
			return fmt.Errorf("%w: %q: %w", store.ErrCantEncode, key, err)
		}

		return nil
	})
}

// sweep deletes every record whose retention is over and returns how many
// went away. Records with a broken header are dropped too.
func (s *Store) sweep() (int, error) {
	var removed int
	now := s.now()

	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()

		for k, v := c.First(); k != nil; {
			until, err := deadline(v)
			if err != nil {
				slog.Warn("dropping malformed bbolt record", "key", string(k), "err", err)
			}

			if err != nil || now.After(until) {
				// k points into the page Delete rewrites
				key := append([]byte(nil), k...)
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
				// Next after Delete can skip a record, seek past the gap instead
				k, v = c.Seek(key)
				continue
			}

			k, v = c.Next()
		}

		return nil
	})

	return removed, err
}

func (s *Store) sweepLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.sweep()
			if err != nil {
				slog.Error("can't sweep bbolt store", "err", err)
				continue
			}
			if n != 0 {
				slog.Debug("swept bbolt store", "removed", n)
			}
		}
	}
}

// Close releases the file lock. Outstanding calls fail afterwards.
func (s *Store) Close() error {
	return s.bdb.Close()
}
