package strategy

import "sync/atomic"

// RoundRobin walks the pool in insertion order using one lock-free cursor
// shared by all callers. The cursor only grows; it is reduced modulo the pool
// length seen by each call, so if the pool changes between calls the order is
// best-effort rather than strictly fair.
type RoundRobin struct {
	cursor atomic.Uint64
}

func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (r *RoundRobin) Name() string { return NameRoundRobin }

func (r *RoundRobin) Select(pool []*Backend) *Backend {
	if len(pool) == 0 {
		return nil
	}
	idx := r.cursor.Add(1) - 1
	return pool[idx%uint64(len(pool))]
}
