// Package storetest is the behaviour every challenge store backend has to
// show, expressed with the challenge records the verification engine keeps.
package storetest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/uvensys/gatebot/lib/challenge"
	"github.com/uvensys/gatebot/lib/challenge/challengetest"
	"github.com/uvensys/gatebot/lib/store"
)

// Common builds a backend from f and config and runs the suite against it.
// Subtests share the backend and run in parallel, each under its own user
// handle.
func Common(t *testing.T, f store.Factory, config json.RawMessage) {
	if err := f.Valid(config); err != nil {
		t.Fatal(err)
	}

	st, err := f.Build(t.Context(), config)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := store.Close(st); err != nil {
			t.Errorf("can't close store: %v", err)
		}
	})

	pending := &store.JSON[challenge.Challenge]{Underlying: st, Prefix: "challenge:"}

	for _, tt := range []struct {
		name   string
		handle int64
		run    func(t *testing.T, db *store.JSON[challenge.Challenge], key string, handle int64)
	}{
		{name: "lifecycle", handle: 1001, run: lifecycle},
		{name: "reissue replaces", handle: 1002, run: reissueReplaces},
		{name: "kept past the deadline", handle: 1003, run: keptPastDeadline},
		{name: "retention ends", handle: 1004, run: retentionEnds},
		{name: "concurrent handles", handle: 2000, run: concurrentHandles},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.run(t, pending, fmt.Sprint(tt.handle), tt.handle)
		})
	}
}

func sameChallenge(t *testing.T, got, want challenge.Challenge) {
	t.Helper()

	if got.ID != want.ID || got.Handle != want.Handle || got.Answer != want.Answer || got.Method != want.Method {
		t.Errorf("wrong record: wanted %+v, got %+v", want, got)
	}

	if !got.IssuedAt.Equal(want.IssuedAt) || !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("timestamps changed in the store: wanted %v..%v, got %v..%v",
			want.IssuedAt, want.ExpiresAt, got.IssuedAt, got.ExpiresAt)
	}
}

func lifecycle(t *testing.T, db *store.JSON[challenge.Challenge], key string, handle int64) {
	if _, err := db.Get(t.Context(), key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("wanted no pending challenge yet, got %v", err)
	}

	want := *challengetest.New(t, handle, 35, time.Minute)
	if err := db.Set(t.Context(), key, want, 2*time.Minute); err != nil {
		t.Fatal(err)
	}

	got, err := db.Get(t.Context(), key)
	if err != nil {
		t.Fatal(err)
	}
	sameChallenge(t, got, want)

	if err := db.Delete(t.Context(), key); err != nil {
		t.Fatal(err)
	}

	if _, err := db.Get(t.Context(), key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("a consumed challenge is still readable: %v", err)
	}

	if err := db.Delete(t.Context(), key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleting twice must report store.ErrNotFound, got %v", err)
	}
}

func reissueReplaces(t *testing.T, db *store.JSON[challenge.Challenge], key string, handle int64) {
	first := challengetest.New(t, handle, 35, time.Minute)
	second := challengetest.New(t, handle, 61, time.Minute)

	for _, c := range []*challenge.Challenge{first, second} {
		if err := db.Set(t.Context(), key, *c, 2*time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.Get(t.Context(), key)
	if err != nil {
		t.Fatal(err)
	}
	sameChallenge(t, got, *second)

	if err := db.Delete(t.Context(), key); err != nil {
		t.Fatal(err)
	}
}

// keptPastDeadline is what lets a late answer be told apart from a missing
// challenge: the record outlives its own deadline for the retention grace.
func keptPastDeadline(t *testing.T, db *store.JSON[challenge.Challenge], key string, handle int64) {
	const ttl = 50 * time.Millisecond

	want := *challengetest.New(t, handle, 35, ttl)
	if err := db.Set(t.Context(), key, want, ttl+time.Minute); err != nil {
		t.Fatal(err)
	}

	time.Sleep(2 * ttl)

	got, err := db.Get(t.Context(), key)
	if err != nil {
		t.Fatalf("a timed out challenge vanished inside its retention: %v", err)
	}
	sameChallenge(t, got, want)

	if !got.Expired(time.Now()) {
		t.Errorf("wanted the record to be past its deadline %v", got.ExpiresAt)
	}

	if err := db.Delete(t.Context(), key); err != nil {
		t.Fatal(err)
	}
}

func retentionEnds(t *testing.T, db *store.JSON[challenge.Challenge], key string, handle int64) {
	const retention = 150 * time.Millisecond

	if err := db.Set(t.Context(), key, *challengetest.New(t, handle, 35, retention/3), retention); err != nil {
		t.Fatal(err)
	}

	// valkey TTLs have millisecond resolution
	time.Sleep(retention + 50*time.Millisecond)

	if _, err := db.Get(t.Context(), key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("wanted the record gone after its retention, got %v", err)
	}
}

func concurrentHandles(t *testing.T, db *store.JSON[challenge.Challenge], _ string, base int64) {
	var wg sync.WaitGroup
	errs := make(chan error, 32)

	for i := range int64(32) {
		wg.Add(1)
		go func() {
			defer wg.Done()

			handle := base + i
			key := fmt.Sprint(handle)
			want := challengetest.New(t, handle, int(handle), time.Minute)

			if err := db.Set(t.Context(), key, *want, time.Minute); err != nil {
				errs <- err
				return
			}

			got, err := db.Get(t.Context(), key)
			if err != nil {
				errs <- err
				return
			}

			if got.ID != want.ID || got.Handle != handle {
				errs <- fmt.Errorf("handle %d read back %+v", handle, got)
				return
			}

			if err := db.Delete(t.Context(), key); err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
