package strategy

import (
	"math/rand/v2"
	"sync"
)

// Random picks a uniformly distributed index on every call from a
// pseudo-random source owned by the strategy instance.
type Random struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRandom returns a Random seeded from the runtime's global generator.
func NewRandom() *Random {
	return NewRandomFromSource(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// NewRandomFromSource is NewRandom with an explicit source, for reproducible
// sequences in tests.
func NewRandomFromSource(src rand.Source) *Random {
	return &Random{rnd: rand.New(src)}
}

func (r *Random) Name() string { return NameRandom }

func (r *Random) Select(pool []*Backend) *Backend {
	if len(pool) == 0 {
		return nil
	}
	r.mu.Lock()
	idx := r.rnd.IntN(len(pool))
	r.mu.Unlock()
	return pool[idx]
}
