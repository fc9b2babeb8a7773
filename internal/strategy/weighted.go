package strategy

import "sync"

// WeightedRoundRobin implements the Smooth Weighted Round Robin algorithm
// (the same algorithm used by nginx). It spreads connections in proportion to
// each backend's Weight without long consecutive runs to a single backend.
//
// Algorithm (per selection):
//  1. For every backend in the pool, add its weight to its currentWeight.
//  2. Select the backend with the highest currentWeight.
//  3. Subtract the sum of all weights from the selected backend's
//     currentWeight.
//
// currentWeight is kept per backend key. When the set of backends changes
// between calls every currentWeight starts again from zero, so the weights
// always sum to zero after a selection.
type WeightedRoundRobin struct {
	mu      sync.Mutex
	current map[string]int
}

func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{current: make(map[string]int)}
}

func (w *WeightedRoundRobin) Name() string { return NameWeightedRoundRobin }

func (w *WeightedRoundRobin) Select(pool []*Backend) *Backend {
	if len(pool) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.membershipChanged(pool) {
		clear(w.current)
	}

	total := 0
	var (
		best    *Backend
		bestKey string
	)
	for _, b := range pool {
		k := b.Key()
		weight := max(b.Weight, 1)
		total += weight
		w.current[k] += weight
		if best == nil || w.current[k] > w.current[bestKey] {
			best, bestKey = b, k
		}
	}
	w.current[bestKey] -= total
	return best
}

// membershipChanged reports whether pool holds a different set of backends
// than the last Select saw. Pool keys are unique.
func (w *WeightedRoundRobin) membershipChanged(pool []*Backend) bool {
	if len(pool) != len(w.current) {
		return true
	}
	for _, b := range pool {
		if _, ok := w.current[b.Key()]; !ok {
			return true
		}
	}
	return false
}
