package scan

import (
	"sync"

	"github.com/hugr-lab/mssql-extension-sub009/catalog"
	"github.com/hugr-lab/mssql-extension-sub009/querygen"
)

// ScanPlan is the bind artifact for one table scan: everything needed
// to materialize the remote SELECT at production time.
type ScanPlan struct {
	Table *catalog.TableEntry

	// Columns snapshots the bound column metadata; decode-time
	// mismatches against it raise protocol errors.
	Columns []catalog.ColumnInfo

	// Projection holds the projected column ordinals, dense and in
	// output order. Empty for row-count scans.
	Projection []int

	// Filters are the host filter conjuncts; Residual is the subset
	// the host re-applies after generation.
	Filters  []querygen.Expr
	Residual []querygen.Expr

	// Order is the requested sort spec; the generator pushes the
	// longest safe prefix.
	Order []querygen.OrderKey

	// TopN is set by the optimizer when a LIMIT fully pushes.
	TopN int64

	// RowID marks a rowid projection request from the host.
	RowID bool

	// StreamHandle refers to a pre-executed ResultStream registered at
	// bind time, so InitGlobal does not re-execute a metadata query.
	// Zero means no pre-executed stream.
	StreamHandle uint64
}

// BoundColumns returns the column snapshot for the projected ordinals.
func (p *ScanPlan) BoundColumns() []catalog.ColumnInfo {
	if len(p.Projection) == 0 {
		return nil
	}
	out := make([]catalog.ColumnInfo, len(p.Projection))
	for i, ordinal := range p.Projection {
		out[i] = p.Columns[ordinal]
	}
	return out
}

// StreamRegistry hands pre-executed result streams from bind to init.
// Entries are single-use.
type StreamRegistry struct {
	mu      sync.Mutex
	next    uint64
	streams map[uint64]*ResultStream
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{streams: make(map[uint64]*ResultStream)}
}

// Register stores a stream and returns its handle.
func (r *StreamRegistry) Register(s *ResultStream) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.streams[r.next] = s
	return r.next
}

// Take removes and returns a stream by handle.
func (r *StreamRegistry) Take(handle uint64) (*ResultStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[handle]
	if ok {
		delete(r.streams, handle)
	}
	return s, ok
}

// Drop closes and removes a stream that was never taken.
func (r *StreamRegistry) Drop(handle uint64) {
	if s, ok := r.Take(handle); ok {
		s.Close()
	}
}
