package lib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/uvensys/gatebot"
	"github.com/uvensys/gatebot/internal/keylock"
	"github.com/uvensys/gatebot/lib/challenge"
	"github.com/uvensys/gatebot/lib/store"

	// challenge implementations
	_ "github.com/uvensys/gatebot/lib/challenge/arithmetic"
)

var (
	challengesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatebot_challenges_issued",
		Help: "The total number of challenges issued",
	}, []string{"method"})

	challengeChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatebot_challenge_checks",
		Help: "The total number of answers checked, by outcome",
	}, []string{"outcome"})
)

var ErrNoStore = errors.New("lib: gate has no store")

// Outcome is the result of checking an answer.
type Outcome int

const (
	// OutcomeNoChallenge means nothing is pending for the user, or the answer
	// belongs to a challenge that was replaced since.
	OutcomeNoChallenge Outcome = iota

	// OutcomeExpired means the pending challenge ran out of time. It has been
	// discarded.
	OutcomeExpired

	// OutcomeIncorrect means the answer was wrong. The challenge stays
	// pending and can be answered again until it expires.
	OutcomeIncorrect

	// OutcomeCorrect means the user is verified. The challenge has been
	// consumed.
	OutcomeCorrect
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoChallenge:
		return "no_challenge"
	case OutcomeExpired:
		return "expired"
	case OutcomeIncorrect:
		return "incorrect"
	case OutcomeCorrect:
		return "correct"
	default:
		return "unknown(" + strconv.Itoa(int(o)) + ")"
	}
}

// Err returns the challenge sentinel matching o, or nil for OutcomeCorrect.
func (o Outcome) Err() error {
	switch o {
	case OutcomeNoChallenge:
		return challenge.ErrNoChallenge
	case OutcomeExpired:
		return challenge.ErrExpired
	case OutcomeIncorrect:
		return challenge.ErrIncorrect
	default:
		return nil
	}
}

type GateOptions struct {
	Store          store.Interface
	Method         string
	TTL            time.Duration
	RetentionGrace time.Duration
	Now            func() time.Time
	Rand           challenge.Rand
}

// Gate is the verification engine. It keeps at most one pending challenge
// per user handle and decides whether an answer lets the user through.
//
// Calls for the same handle are serialized; calls for different handles run
// concurrently.
type Gate struct {
	store     *store.JSON[challenge.Challenge]
	impl      challenge.Impl
	method    string
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
	rng       challenge.Rand
	locks     keylock.Map
}

func NewGate(opts GateOptions) (*Gate, error) {
	if opts.Store == nil {
		return nil, ErrNoStore
	}

	if opts.TTL <= 0 {
		return nil, ErrBadCaptchaTTL
	}

	if opts.RetentionGrace < gatebot.MinRetentionGrace {
		return nil, fmt.Errorf("%w: %v", ErrBadRetentionGrace, opts.RetentionGrace)
	}

	impl, ok := challenge.Get(opts.Method)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownChallenge, opts.Method)
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	var rng challenge.Rand = challenge.DefaultRand
	if opts.Rand != nil {
		rng = &lockedRand{rng: opts.Rand}
	}

	return &Gate{
		store: &store.JSON[challenge.Challenge]{
			Underlying: opts.Store,
			Prefix:     "challenge:",
		},
		impl:      impl,
		method:    opts.Method,
		ttl:       opts.TTL,
		retention: opts.TTL + opts.RetentionGrace,
		now:       opts.Now,
		rng:       rng,
	}, nil
}

func handleKey(handle int64) string {
	return strconv.FormatInt(handle, 10)
}

// Issue generates a fresh challenge for handle and makes it the pending one,
// silently replacing whatever was pending before. It only fails when the
// store does.
func (g *Gate) Issue(ctx context.Context, handle int64) (challenge.Puzzle, *challenge.Challenge, error) {
	key := handleKey(handle)
	unlock := g.locks.Lock(key)
	defer unlock()

	puzzle := g.impl.Generate(g.rng)

	id, err := uuid.NewV7()
	if err != nil {
		return challenge.Puzzle{}, nil, fmt.Errorf("lib: can't generate challenge ID: %w", err)
	}

	now := g.now()
	chall := &challenge.Challenge{
		ID:        id.String(),
		Handle:    handle,
		Method:    g.method,
		Answer:    puzzle.Answer,
		IssuedAt:  now,
		ExpiresAt: now.Add(g.ttl),
	}

	if err := g.store.Set(ctx, key, *chall, g.retention); err != nil {
		return challenge.Puzzle{}, nil, fmt.Errorf("lib: can't store challenge for %d: %w", handle, err)
	}

	challengesIssued.WithLabelValues(g.method).Inc()
	slog.Debug("issued challenge", "handle", handle, "challenge_id", chall.ID, "expires_at", chall.ExpiresAt)

	return puzzle, chall, nil
}

// Check evaluates chosen against the pending challenge of handle.
//
// challengeID names the challenge the answer was given for. When it is not
// empty and differs from the pending one the answer is stale and
// OutcomeNoChallenge is returned without touching the pending challenge.
// Passing an empty challengeID checks against whatever is pending.
//
// The error is only non-nil when the store fails.
func (g *Gate) Check(ctx context.Context, handle int64, challengeID string, chosen int) (Outcome, error) {
	key := handleKey(handle)
	unlock := g.locks.Lock(key)
	defer unlock()

	lg := slog.With("handle", handle, "challenge_id", challengeID)

	chall, err := g.store.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return g.record(OutcomeNoChallenge), nil
	case errors.Is(err, store.ErrCantDecode):
		lg.Warn("discarding undecodable challenge", "err", err)
		if err := g.forget(ctx, key); err != nil {
			return OutcomeNoChallenge, err
		}
		return g.record(OutcomeNoChallenge), nil
	case err != nil:
		return OutcomeNoChallenge, fmt.Errorf("lib: can't load challenge for %d: %w", handle, err)
	}

	if challengeID != "" && challengeID != chall.ID {
		lg.Debug("answer for a replaced challenge", "pending", chall.ID)
		return g.record(OutcomeNoChallenge), nil
	}

	now := g.now()

	if chall.Expired(now) {
		if err := g.forget(ctx, key); err != nil {
			return OutcomeNoChallenge, err
		}
		return g.record(OutcomeExpired), nil
	}

	if chosen != chall.Answer {
		return g.record(OutcomeIncorrect), nil
	}

	if err := g.forget(ctx, key); err != nil {
		return OutcomeNoChallenge, err
	}

	challenge.TimeTaken.WithLabelValues(chall.Method).Observe(now.Sub(chall.IssuedAt).Seconds())
	return g.record(OutcomeCorrect), nil
}

// Pending reports whether handle has a challenge that can still be answered.
// A challenge found past its deadline is discarded.
func (g *Gate) Pending(ctx context.Context, handle int64) (bool, error) {
	key := handleKey(handle)
	unlock := g.locks.Lock(key)
	defer unlock()

	chall, err := g.store.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrCantDecode):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("lib: can't load challenge for %d: %w", handle, err)
	}

	if chall.Expired(g.now()) {
		return false, g.forget(ctx, key)
	}

	return true, nil
}

// forget deletes the pending challenge. A backend that already reclaimed it
// is not an error.
func (g *Gate) forget(ctx context.Context, key string) error {
	if err := g.store.Delete(ctx, key); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("lib: can't delete challenge %s: %w", key, err)
	}

	return nil
}

func (g *Gate) record(o Outcome) Outcome {
	challengeChecks.WithLabelValues(o.String()).Inc()
	return o
}

// lockedRand makes a caller supplied source safe to share between handles.
type lockedRand struct {
	mu  sync.Mutex
	rng challenge.Rand
}

func (l *lockedRand) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.IntN(n)
}

func (l *lockedRand) Shuffle(n int, swap func(i, j int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rng.Shuffle(n, swap)
}
