package challengetest

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/uvensys/gatebot/lib/challenge"
)

// New returns a pending challenge for handle that expires after ttl.
func New(t *testing.T, handle int64, answer int, ttl time.Duration) *challenge.Challenge {
	t.Helper()

	id := uuid.Must(uuid.NewV7())
	now := time.Now()

	return &challenge.Challenge{
		ID:        id.String(),
		Handle:    handle,
		Method:    "test",
		Answer:    answer,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// CheckPuzzle fails the test when p does not have exactly want distinct
// options including the answer.
func CheckPuzzle(t *testing.T, p challenge.Puzzle, want int) {
	t.Helper()

	if len(p.Options) != want {
		t.Errorf("wanted %d options, got %d: %v", want, len(p.Options), p.Options)
	}

	seen := map[int]bool{}
	for _, o := range p.Options {
		if seen[o] {
			t.Errorf("option %d is duplicated: %v", o, p.Options)
		}
		seen[o] = true
	}

	if !seen[p.Answer] {
		t.Errorf("answer %d is not among the options %v", p.Answer, p.Options)
	}
}

// ScriptedRand replays Values from IntN, in order, and falls back to
// challenge.DefaultRand once they run out. Shuffle keeps the order unchanged
// so tests can predict the option layout.
type ScriptedRand struct {
	Values []int
	Calls  []int // the n passed to each IntN call
}

func (s *ScriptedRand) IntN(n int) int {
	s.Calls = append(s.Calls, n)

	if len(s.Values) == 0 {
		return challenge.DefaultRand.IntN(n)
	}

	v := s.Values[0]
	s.Values = s.Values[1:]
	return v
}

func (s *ScriptedRand) Shuffle(int, func(i, j int)) {}
