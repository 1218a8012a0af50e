// Package arithmetic implements the default challenge: a small sum or
// difference with four answer buttons.
package arithmetic

import (
	"fmt"

	"github.com/uvensys/gatebot/lib/challenge"
)

const (
	MinOperand  = 10
	MaxOperand  = 49
	OptionCount = 4

	// MaxOffset bounds how far a distractor may be from the right answer.
	MaxOffset = 7
)

func init() {
	challenge.Register("arithmetic", &Impl{})
}

type operator struct {
	symbol string
	apply  func(a, b int) int
}

var operators = []operator{
	{symbol: "+", apply: func(a, b int) int { return a + b }},
	{symbol: "-", apply: func(a, b int) int { return a - b }},
}

type Impl struct{}

// Generate draws two operands from [MinOperand, MaxOperand] and an operator
// from {+, -}. Subtraction may produce a negative answer.
func (i *Impl) Generate(rng challenge.Rand) challenge.Puzzle {
	a := MinOperand + rng.IntN(MaxOperand-MinOperand+1)
	b := MinOperand + rng.IntN(MaxOperand-MinOperand+1)
	op := operators[rng.IntN(len(operators))]
	answer := op.apply(a, b)

	return challenge.Puzzle{
		Prompt:  fmt.Sprintf("%d %s %d = ?", a, op.symbol, b),
		Answer:  answer,
		Options: options(rng, answer),
	}
}

// options returns OptionCount distinct values including answer, shuffled.
// A zero offset collides with answer and is simply drawn again.
func options(rng challenge.Rand, answer int) []int {
	seen := map[int]struct{}{answer: {}}
	result := []int{answer}

	for len(result) < OptionCount {
		candidate := answer + rng.IntN(2*MaxOffset+1) - MaxOffset
		if _, dup := seen[candidate]; dup {
			continue
		}
		seen[candidate] = struct{}{}
		result = append(result, candidate)
	}

	rng.Shuffle(len(result), func(i, j int) {
		result[i], result[j] = result[j], result[i]
	})

	return result
}
