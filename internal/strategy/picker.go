// Package strategy implements the backend model and the pluggable
// load-balancing algorithms used to pick one backend per client connection.
// All strategies are safe for concurrent use and never mutate the pool they
// are given.
package strategy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStrategy is returned by New for a name it does not recognise.
var ErrUnknownStrategy = errors.New("strategy: unknown algorithm")

// Canonical strategy names.
const (
	NameRoundRobin         = "round_robin"
	NameRandom             = "random"
	NameLeastConnections   = "least_connections"
	NameWeightedRoundRobin = "weighted_round_robin"
)

// Strategy selects the backend for a new connection.
//
// Select returns nil when pool is nil or empty. It never blocks and never
// modifies pool. Selection is not coupled to the later IncrementActive on the
// chosen backend, so under heavy concurrency two callers may pick the same
// "least loaded" backend; that is accepted.
type Strategy interface {
	Select(pool []*Backend) *Backend
	Name() string
}

// New constructs the Strategy registered under name. Matching is
// case-insensitive and accepts the short aliases "roundrobin" and
// "leastconn". An empty name selects round-robin.
func New(name string) (Strategy, error) {
	switch Canonical(name) {
	case NameRoundRobin:
		return NewRoundRobin(), nil
	case NameRandom:
		return NewRandom(), nil
	case NameLeastConnections:
		return NewLeastConnections(), nil
	case NameWeightedRoundRobin:
		return NewWeightedRoundRobin(), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownStrategy, name)
	}
}

// Canonical maps a strategy name or alias to its canonical form. Unknown
// names are returned lower-cased and trimmed.
func Canonical(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "", "roundrobin", "round-robin", NameRoundRobin:
		return NameRoundRobin
	case "leastconn", "least-connections", NameLeastConnections:
		return NameLeastConnections
	case "weighted", "weighted-round-robin", NameWeightedRoundRobin:
		return NameWeightedRoundRobin
	}
	return n
}
