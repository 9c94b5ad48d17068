package constraint

import (
	"fmt"
	"math"

	"github.com/terralode/jointinv/internal/mesh"
	"github.com/terralode/jointinv/internal/parallel"
)

// Smoothness penalizes first differences between neighbouring cells along
// each grid axis (gradient damping). Only pairs whose cells both fall in
// the local partition contribute rows, so the operator needs no halo
// exchange; with a contiguous block decomposition the omitted pairs are the
// partition boundary faces only.
type Smoothness struct {
	offset int
	weight float64

	// pairs lists local (a, b) cell pairs with the inverse-spacing factor
	// for the axis the pair spans.
	pairs []gradPair

	// cellWeight is an optional per-cell weight; the row weight is the
	// mean of its two cells. nil means uniform.
	cellWeight []float64
}

type gradPair struct {
	a, b int // local indices into the physics block
	inv  float64
}

// NewSmoothness builds the gradient-damping operator for one physics block
// over the local partition of the grid. cellWeight may be nil for a single
// global weight, or hold one weight per local cell.
func NewSmoothness(grid mesh.Grid, part parallel.Partition, offset int, weight float64, cellWeight []float64) (*Smoothness, error) {
	if weight < 0 {
		return nil, fmt.Errorf("constraint: negative smoothness weight %g", weight)
	}
	if cellWeight != nil && len(cellWeight) != part.LocalLen() {
		return nil, fmt.Errorf("constraint: cell weight length %d does not match local cells %d", len(cellWeight), part.LocalLen())
	}
	s := &Smoothness{offset: offset, weight: weight, cellWeight: cellWeight}
	for jl := 0; jl < part.LocalLen(); jl++ {
		jg := part.ToGlobal(jl)
		for axis := 0; axis < 3; axis++ {
			ng := grid.Neighbor(jg, axis, +1)
			if ng < 0 || !part.Owns(ng) {
				continue
			}
			s.pairs = append(s.pairs, gradPair{
				a:   jl,
				b:   part.ToLocal(ng),
				inv: 1 / grid.Spacing(axis),
			})
		}
	}
	return s, nil
}

// Rows implements Operator.
func (s *Smoothness) Rows() int { return len(s.pairs) }

// Weight implements Operator.
func (s *Smoothness) Weight() float64 { return s.weight }

// SetWeight implements Operator.
func (s *Smoothness) SetWeight(w float64) { s.weight = w }

func (s *Smoothness) rowWeight(p gradPair) float64 {
	w := math.Sqrt(s.weight) * p.inv
	if s.cellWeight != nil {
		w *= 0.5 * (s.cellWeight[p.a] + s.cellWeight[p.b])
	}
	return w
}

// Apply implements Operator.
func (s *Smoothness) Apply(dst, x []float64) {
	for k, p := range s.pairs {
		dst[k] = s.rowWeight(p) * (x[s.offset+p.b] - x[s.offset+p.a])
	}
}

// ApplyTranspose implements Operator.
func (s *Smoothness) ApplyTranspose(dst, y []float64) {
	for k, p := range s.pairs {
		w := s.rowWeight(p) * y[k]
		dst[s.offset+p.b] += w
		dst[s.offset+p.a] -= w
	}
}

// RHS implements Operator. The smoothness target is zero total gradient,
// so the update target is the negated gradient of the current model.
func (s *Smoothness) RHS(dst, cur []float64) {
	for k, p := range s.pairs {
		dst[k] = -s.rowWeight(p) * (cur[s.offset+p.b] - cur[s.offset+p.a])
	}
}
