package challenge

import "time"

// Challenge is the metadata about a single challenge issuance. It is what the
// store keeps for a user while they are mid-verification.
type Challenge struct {
	ID        string    `json:"id"`        // UUID identifying the challenge instance
	Handle    int64     `json:"handle"`    // Opaque handle of the user it was issued to
	Method    string    `json:"method"`    // Generator that produced it
	Answer    int       `json:"answer"`    // The expected solution
	IssuedAt  time.Time `json:"issuedAt"`  // When the challenge was issued
	ExpiresAt time.Time `json:"expiresAt"` // After this instant answers are rejected
}

// Expired reports whether the challenge is no longer answerable at now.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Puzzle is what a generator produces: the question shown to the user and
// the buttons they can pick from.
type Puzzle struct {
	Prompt  string
	Answer  int
	Options []int
}
