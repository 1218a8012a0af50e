package challenge

import "errors"

// Sentinels describing why an answer did not verify. The verification engine
// reports these as outcomes rather than failures; they exist so that logs and
// metrics can name them consistently.
var (
	ErrNoChallenge = errors.New("challenge: no pending challenge")
	ErrExpired     = errors.New("challenge: challenge expired")
	ErrIncorrect   = errors.New("challenge: wrong answer")
)
