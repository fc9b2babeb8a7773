package strategy

// LeastConnections picks the backend with the strictly smallest number of
// active connections. Ties go to the backend that appears first in the pool.
// Each counter is read once during the scan, so the result is a snapshot and
// may already be stale when the caller connects.
type LeastConnections struct{}

func NewLeastConnections() *LeastConnections { return &LeastConnections{} }

func (l *LeastConnections) Name() string { return NameLeastConnections }

func (l *LeastConnections) Select(pool []*Backend) *Backend {
	var (
		best     *Backend
		bestConn int64
	)
	for _, b := range pool {
		n := b.ActiveConnections()
		if best == nil || n < bestConn {
			best, bestConn = b, n
		}
	}
	return best
}
