package challenge

import (
	"math/rand/v2"
	"sort"
	"sync"
)

var (
	registry map[string]Impl = map[string]Impl{}
	regLock  sync.RWMutex
)

func Register(name string, impl Impl) {
	regLock.Lock()
	defer regLock.Unlock()

	registry[name] = impl
}

func Get(name string) (Impl, bool) {
	regLock.RLock()
	defer regLock.RUnlock()
	result, ok := registry[name]
	return result, ok
}

func Methods() []string {
	regLock.RLock()
	defer regLock.RUnlock()
	var result []string
	for method := range registry {
		result = append(result, method)
	}
	sort.Strings(result)
	return result
}

// Rand is the source of randomness a generator draws from. *rand.Rand from
// math/rand/v2 satisfies it.
type Rand interface {
	// IntN returns a uniform value in [0, n).
	IntN(n int) int

	// Shuffle randomizes the order of n elements.
	Shuffle(n int, swap func(i, j int))
}

type globalRand struct{}

func (globalRand) IntN(n int) int                     { return rand.IntN(n) }
func (globalRand) Shuffle(n int, swap func(i, j int)) { rand.Shuffle(n, swap) }

// DefaultRand draws from the goroutine-safe top-level math/rand/v2 source.
var DefaultRand Rand = globalRand{}

type Impl interface {
	// Generate produces a new puzzle. It has no side effects and cannot fail.
	Generate(rng Rand) Puzzle
}
