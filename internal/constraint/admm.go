package constraint

import (
	"fmt"
	"math"
)

// ADMM enforces per-cell bound intervals (one interval per lithology
// class) with the alternating direction method of multipliers. The
// unconstrained solve alternates with a projection of the model onto the
// feasible box; a scaled dual accumulates the constraint violation. The
// operator contributes quadratic-penalty rows w·(δ + m − z + u) to each
// solve, and Project performs the z/u update once per major iteration:
//
//	z ← clip(m + u)    u ← u + m − z
type ADMM struct {
	offset int
	weight float64

	lower, upper []float64 // per local cell
	z, u         []float64
}

// NewADMM builds the bound-constraint operator for the physics block at
// offset. lower/upper hold the per-local-cell bound interval, typically
// expanded from per-lithology intervals by CellBounds.
func NewADMM(offset int, lower, upper []float64, weight float64) (*ADMM, error) {
	if weight < 0 {
		return nil, fmt.Errorf("constraint: negative ADMM weight %g", weight)
	}
	if len(lower) != len(upper) {
		return nil, fmt.Errorf("constraint: ADMM bounds length mismatch %d vs %d", len(lower), len(upper))
	}
	for i := range lower {
		if lower[i] > upper[i] {
			return nil, fmt.Errorf("constraint: ADMM cell %d has empty interval [%g, %g]", i, lower[i], upper[i])
		}
	}
	n := len(lower)
	a := &ADMM{
		offset: offset,
		weight: weight,
		lower:  lower,
		upper:  upper,
		z:      make([]float64, n),
		u:      make([]float64, n),
	}
	return a, nil
}

// CellBounds expands per-lithology intervals into per-cell bounds using a
// per-cell lithology class index. bounds[k] = {lower, upper} for class k.
func CellBounds(lithology []int, bounds [][2]float64) (lower, upper []float64, err error) {
	lower = make([]float64, len(lithology))
	upper = make([]float64, len(lithology))
	for i, class := range lithology {
		if class < 0 || class >= len(bounds) {
			return nil, nil, fmt.Errorf("constraint: cell %d has lithology class %d outside [0, %d)", i, class, len(bounds))
		}
		lower[i] = bounds[class][0]
		upper[i] = bounds[class][1]
	}
	return lower, upper, nil
}

// Project performs the ADMM projection and dual update for the current
// local model block, and returns the projected (feasible) model values.
// The returned slice always lies inside the configured bounds.
func (a *ADMM) Project(model []float64) []float64 {
	for i := range a.z {
		v := model[i] + a.u[i]
		a.z[i] = math.Min(math.Max(v, a.lower[i]), a.upper[i])
		a.u[i] += model[i] - a.z[i]
	}
	return append([]float64(nil), a.z...)
}

// Feasible returns a copy of the latest projected values, which always
// lie inside the configured bounds.
func (a *ADMM) Feasible() []float64 {
	return append([]float64(nil), a.z...)
}

// Rows implements Operator.
func (a *ADMM) Rows() int { return len(a.z) }

// Weight implements Operator.
func (a *ADMM) Weight() float64 { return a.weight }

// SetWeight implements Operator.
func (a *ADMM) SetWeight(w float64) { a.weight = w }

// Apply implements Operator.
func (a *ADMM) Apply(dst, x []float64) {
	sw := math.Sqrt(a.weight)
	for i := range dst {
		dst[i] = sw * x[a.offset+i]
	}
}

// ApplyTranspose implements Operator.
func (a *ADMM) ApplyTranspose(dst, y []float64) {
	sw := math.Sqrt(a.weight)
	for i := range y {
		dst[a.offset+i] += sw * y[i]
	}
}

// RHS implements Operator: the update target pulls the model toward the
// feasible point z shifted by the accumulated dual, (z − u) − m.
func (a *ADMM) RHS(dst, cur []float64) {
	sw := math.Sqrt(a.weight)
	for i := range dst {
		dst[i] = sw * (a.z[i] - a.u[i] - cur[a.offset+i])
	}
}
