package constraint

import (
	"fmt"
	"math"
)

// Damping penalizes deviation of one physics's model from a prior. With
// norm power 2 this is classic Tikhonov damping; other powers are realized
// by iteratively-reweighted least squares: Reweight recomputes a per-cell
// diagonal from the current model between major iterations so the quadratic
// subproblem approximates the p-norm penalty.
type Damping struct {
	offset int // start of this physics's block in the stacked local vector
	prior  []float64
	weight float64
	power  float64

	// irls is the IRLS diagonal; all ones for power 2.
	irls []float64
}

// NewDamping creates a damping operator over nLocal cells starting at
// offset in the stacked local model vector. prior may be nil for a zero
// prior. power is the penalty norm power (2 = Tikhonov).
func NewDamping(offset, nLocal int, prior []float64, weight, power float64) (*Damping, error) {
	if weight < 0 {
		return nil, fmt.Errorf("constraint: negative damping weight %g", weight)
	}
	if power <= 0 {
		return nil, fmt.Errorf("constraint: non-positive damping norm power %g", power)
	}
	if prior != nil && len(prior) != nLocal {
		return nil, fmt.Errorf("constraint: prior length %d does not match local cells %d", len(prior), nLocal)
	}
	if prior == nil {
		prior = make([]float64, nLocal)
	}
	irls := make([]float64, nLocal)
	for i := range irls {
		irls[i] = 1
	}
	return &Damping{offset: offset, prior: prior, weight: weight, power: power, irls: irls}, nil
}

// Rows implements Operator.
func (d *Damping) Rows() int { return len(d.prior) }

// Weight implements Operator.
func (d *Damping) Weight() float64 { return d.weight }

// SetWeight implements Operator.
func (d *Damping) SetWeight(w float64) { d.weight = w }

// Apply implements Operator.
func (d *Damping) Apply(dst, x []float64) {
	sw := math.Sqrt(d.weight)
	for i := range dst {
		dst[i] = sw * d.irls[i] * x[d.offset+i]
	}
}

// ApplyTranspose implements Operator.
func (d *Damping) ApplyTranspose(dst, y []float64) {
	sw := math.Sqrt(d.weight)
	for i := range y {
		dst[d.offset+i] += sw * d.irls[i] * y[i]
	}
}

// RHS implements Operator: the update target pulls the model back toward
// the prior, so the row target is prior − current.
func (d *Damping) RHS(dst, cur []float64) {
	sw := math.Sqrt(d.weight)
	for i := range dst {
		dst[i] = sw * d.irls[i] * (d.prior[i] - cur[d.offset+i])
	}
}

// Reweight refreshes the IRLS diagonal from the current local model block
// so the next quadratic solve approximates the configured p-norm. A no-op
// for power 2.
func (d *Damping) Reweight(model []float64) {
	if d.power == 2 {
		return
	}
	const eps = 1e-12
	for i := range d.irls {
		r := math.Abs(model[d.offset+i] - d.prior[i])
		d.irls[i] = math.Pow(r+eps, (d.power-2)/2)
	}
}
