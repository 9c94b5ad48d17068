package constraint

import (
	"fmt"
	"math"

	"github.com/terralode/jointinv/internal/mesh"
	"github.com/terralode/jointinv/internal/parallel"
)

// Stencil selects the finite-difference scheme used to estimate spatial
// gradients for the cross-gradient penalty.
type Stencil int

const (
	// StencilForward uses one-sided forward differences.
	StencilForward Stencil = iota
	// StencilCentral uses central differences.
	StencilCentral
	// StencilMixed uses forward differences where a forward neighbour
	// exists and falls back to backward differences at the far boundary.
	StencilMixed
)

// ParseStencil maps a configuration string to a Stencil.
func ParseStencil(s string) (Stencil, error) {
	switch s {
	case "", "forward":
		return StencilForward, nil
	case "central":
		return StencilCentral, nil
	case "mixed":
		return StencilMixed, nil
	}
	return StencilForward, fmt.Errorf("constraint: unknown derivative stencil %q", s)
}

// term is one coefficient of a finite-difference stencil.
type term struct {
	idx  int // local cell index within the physics block
	coef float64
}

// CrossGradient couples two physical-property models by penalizing the
// cross product t = ∇m₁ × ∇m₂, which vanishes when the gradients are
// parallel. The penalty is bilinear in the models, so it is linearized
// about the current pair each time Relinearize is called (the outer
// method-of-weights iteration): rows are then linear in both model blocks,
//
//	t(m₁⁰+δ₁, m₂⁰+δ₂) ≈ t⁰ + ∇δ₁×g₂ + g₁×∇δ₂
//
// with the right-hand side −t⁰ driving the penalty toward zero.
type CrossGradient struct {
	off1, off2 int
	weight     float64

	// cells lists the local cells whose full stencil is local; each
	// contributes three rows (the cross product components).
	cells []cgCell
}

type cgCell struct {
	// stencil[axis] approximates ∂/∂axis at this cell.
	stencil [3][]term
	// g1, g2 are the linearization-point gradients of the two models.
	g1, g2 [3]float64
	// t0 is the cross product at the linearization point.
	t0 [3]float64
}

// NewCrossGradient builds the operator coupling the physics blocks at off1
// and off2 (each part.LocalLen() cells) in the stacked local vector.
// Call Relinearize before the first solve.
func NewCrossGradient(grid mesh.Grid, part parallel.Partition, off1, off2 int, weight float64, stencil Stencil) (*CrossGradient, error) {
	if weight < 0 {
		return nil, fmt.Errorf("constraint: negative cross-gradient weight %g", weight)
	}
	cg := &CrossGradient{off1: off1, off2: off2, weight: weight}
	for jl := 0; jl < part.LocalLen(); jl++ {
		jg := part.ToGlobal(jl)
		var c cgCell
		usable := true
		for axis := 0; axis < 3; axis++ {
			st, ok := axisStencil(grid, part, jg, axis, stencil)
			if !ok {
				usable = false
				break
			}
			c.stencil[axis] = st
		}
		if usable {
			cg.cells = append(cg.cells, c)
		}
	}
	return cg, nil
}

// axisStencil returns the stencil terms for ∂/∂axis at global cell jg, or
// ok=false when the needed neighbours are not all rank-local. Grids that
// are flat along an axis get a zero derivative there.
func axisStencil(grid mesh.Grid, part parallel.Partition, jg, axis int, kind Stencil) ([]term, bool) {
	h := grid.Spacing(axis)
	fwd := grid.Neighbor(jg, axis, +1)
	bwd := grid.Neighbor(jg, axis, -1)
	local := func(g int) (int, bool) {
		if g < 0 || !part.Owns(g) {
			return 0, false
		}
		return part.ToLocal(g), true
	}
	self := part.ToLocal(jg)

	switch kind {
	case StencilCentral:
		f, fok := local(fwd)
		b, bok := local(bwd)
		if fok && bok {
			return []term{{f, 1 / (2 * h)}, {b, -1 / (2 * h)}}, true
		}
		// Degenerate axis (single layer): no variation to couple.
		if fwd < 0 && bwd < 0 {
			return nil, true
		}
		return nil, false
	case StencilMixed:
		if f, ok := local(fwd); ok {
			return []term{{f, 1 / h}, {self, -1 / h}}, true
		}
		if fwd < 0 {
			if b, ok := local(bwd); ok {
				return []term{{self, 1 / h}, {b, -1 / h}}, true
			}
			if bwd < 0 {
				return nil, true
			}
		}
		return nil, false
	default: // StencilForward
		if f, ok := local(fwd); ok {
			return []term{{f, 1 / h}, {self, -1 / h}}, true
		}
		if fwd < 0 {
			return nil, true
		}
		return nil, false
	}
}

// Relinearize recomputes the linearization-point gradients and residual
// cross products from the current stacked local model.
func (cg *CrossGradient) Relinearize(x []float64) {
	for i := range cg.cells {
		c := &cg.cells[i]
		for axis := 0; axis < 3; axis++ {
			var g1, g2 float64
			for _, t := range c.stencil[axis] {
				g1 += t.coef * x[cg.off1+t.idx]
				g2 += t.coef * x[cg.off2+t.idx]
			}
			c.g1[axis] = g1
			c.g2[axis] = g2
		}
		c.t0 = cross(c.g1, c.g2)
	}
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

// PenaltyNorm returns the Euclidean norm of the cross-gradient residual at
// the last linearization point, the quantity the method-of-weights loop
// monitors.
func (cg *CrossGradient) PenaltyNorm() float64 {
	var s float64
	for i := range cg.cells {
		t := cg.cells[i].t0
		s += t[0]*t[0] + t[1]*t[1] + t[2]*t[2]
	}
	return math.Sqrt(s)
}

// Rows implements Operator.
func (cg *CrossGradient) Rows() int { return 3 * len(cg.cells) }

// Weight implements Operator.
func (cg *CrossGradient) Weight() float64 { return cg.weight }

// SetWeight implements Operator.
func (cg *CrossGradient) SetWeight(w float64) { cg.weight = w }

// Apply implements Operator.
func (cg *CrossGradient) Apply(dst, x []float64) {
	sw := math.Sqrt(cg.weight)
	for i := range cg.cells {
		c := &cg.cells[i]
		var d1, d2 [3]float64
		for axis := 0; axis < 3; axis++ {
			for _, t := range c.stencil[axis] {
				d1[axis] += t.coef * x[cg.off1+t.idx]
				d2[axis] += t.coef * x[cg.off2+t.idx]
			}
		}
		a := cross(d1, c.g2)
		b := cross(c.g1, d2)
		dst[3*i+0] = sw * (a[0] + b[0])
		dst[3*i+1] = sw * (a[1] + b[1])
		dst[3*i+2] = sw * (a[2] + b[2])
	}
}

// ApplyTranspose implements Operator.
func (cg *CrossGradient) ApplyTranspose(dst, y []float64) {
	sw := math.Sqrt(cg.weight)
	for i := range cg.cells {
		c := &cg.cells[i]
		yv := [3]float64{sw * y[3*i+0], sw * y[3*i+1], sw * y[3*i+2]}
		// Coefficients for the two gradient blocks follow from the cross
		// product's skew structure: ∂(d₁×g₂)ᵀy/∂d₁ = g₂×y and
		// ∂(g₁×d₂)ᵀy/∂d₂ = y×g₁.
		c1 := cross(c.g2, yv)
		c2 := cross(yv, c.g1)
		for axis := 0; axis < 3; axis++ {
			for _, t := range c.stencil[axis] {
				dst[cg.off1+t.idx] += c1[axis] * t.coef
				dst[cg.off2+t.idx] += c2[axis] * t.coef
			}
		}
	}
}

// RHS implements Operator: the target is −t⁰, the negated residual cross
// product at the linearization point. Relinearize is called with the
// current model before each solve, so cur is already folded into t⁰.
func (cg *CrossGradient) RHS(dst, _ []float64) {
	sw := math.Sqrt(cg.weight)
	for i := range cg.cells {
		t := cg.cells[i].t0
		dst[3*i+0] = -sw * t[0]
		dst[3*i+1] = -sw * t[1]
		dst[3*i+2] = -sw * t[2]
	}
}
