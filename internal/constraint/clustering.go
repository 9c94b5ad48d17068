package constraint

import (
	"fmt"
	"math"
)

// MixtureComponent is one Gaussian mixture component (petrophysical class)
// over the joint property space: one mean and standard deviation per
// active physics, plus a mixing proportion.
type MixtureComponent struct {
	Proportion float64
	Mean       []float64 // one per physics
	Sigma      []float64 // one per physics
}

// Clustering pulls each cell's joint property vector toward the nearest
// mixture component. The pull is a damping-like row per local cell for one
// physics block; Refresh reassigns the nearest component from the current
// joint model between major iterations, which is what makes the constraint
// follow the evolving model rather than a fixed prior.
type Clustering struct {
	offset   int // this physics's block offset in the stacked vector
	physIdx  int // this physics's column in the mixture components
	nLocal   int
	weight   float64
	logScale bool

	// offsets locates every physics block, for assembling the joint
	// property vector of a cell during Refresh.
	offsets []int

	components []MixtureComponent

	// perCell is an optional local per-cell constraint weight; nil means
	// the global weight applies everywhere.
	perCell []float64

	// target is the per-cell pull value for this physics, refreshed from
	// the nearest component.
	target []float64
}

// NewClustering builds the clustering operator for the physics block at
// offsets[physIdx]. components must all have one mean and sigma per
// physics block. logScale selects the logarithmic value domain: distances
// and targets are computed on log10 of the properties.
func NewClustering(offsets []int, physIdx, nLocal int, components []MixtureComponent, weight float64, perCell []float64, logScale bool) (*Clustering, error) {
	if weight < 0 {
		return nil, fmt.Errorf("constraint: negative clustering weight %g", weight)
	}
	if len(components) == 0 {
		return nil, fmt.Errorf("constraint: clustering requires at least one mixture component")
	}
	for k, c := range components {
		if len(c.Mean) != len(offsets) || len(c.Sigma) != len(offsets) {
			return nil, fmt.Errorf("constraint: mixture component %d has %d/%d values for %d physics", k, len(c.Mean), len(c.Sigma), len(offsets))
		}
	}
	if perCell != nil && len(perCell) != nLocal {
		return nil, fmt.Errorf("constraint: per-cell weight length %d does not match local cells %d", len(perCell), nLocal)
	}
	cl := &Clustering{
		offset:     offsets[physIdx],
		physIdx:    physIdx,
		nLocal:     nLocal,
		weight:     weight,
		logScale:   logScale,
		offsets:    append([]int(nil), offsets...),
		components: components,
		perCell:    perCell,
		target:     make([]float64, nLocal),
	}
	return cl, nil
}

func (cl *Clustering) toDomain(v float64) float64 {
	if !cl.logScale {
		return v
	}
	const floor = 1e-12
	return math.Log10(math.Max(v, floor))
}

func (cl *Clustering) fromDomain(v float64) float64 {
	if !cl.logScale {
		return v
	}
	return math.Pow(10, v)
}

// Refresh reassigns each local cell to its nearest mixture component
// (diagonal Mahalanobis distance, proportion-weighted) from the current
// stacked model, and records this physics's component mean as the cell's
// pull target.
func (cl *Clustering) Refresh(x []float64) {
	np := len(cl.offsets)
	prop := make([]float64, np)
	for i := 0; i < cl.nLocal; i++ {
		for p, off := range cl.offsets {
			prop[p] = cl.toDomain(x[off+i])
		}
		best := 0
		bestScore := math.Inf(1)
		for k, c := range cl.components {
			var d2 float64
			for p := 0; p < np; p++ {
				sigma := c.Sigma[p]
				if sigma <= 0 {
					sigma = 1
				}
				r := (prop[p] - cl.toDomain(c.Mean[p])) / sigma
				d2 += r * r
			}
			// Larger proportions lower the score, mirroring the mixture
			// log-likelihood up to a constant.
			score := d2
			if c.Proportion > 0 {
				score -= 2 * math.Log(c.Proportion)
			}
			if score < bestScore {
				bestScore = score
				best = k
			}
		}
		cl.target[i] = cl.fromDomain(cl.toDomain(cl.components[best].Mean[cl.physIdx]))
	}
}

func (cl *Clustering) cellWeight(i int) float64 {
	w := math.Sqrt(cl.weight)
	if cl.perCell != nil {
		w *= cl.perCell[i]
	}
	return w
}

// Rows implements Operator.
func (cl *Clustering) Rows() int { return cl.nLocal }

// Weight implements Operator.
func (cl *Clustering) Weight() float64 { return cl.weight }

// SetWeight implements Operator.
func (cl *Clustering) SetWeight(w float64) { cl.weight = w }

// Apply implements Operator.
func (cl *Clustering) Apply(dst, x []float64) {
	for i := range dst {
		dst[i] = cl.cellWeight(i) * x[cl.offset+i]
	}
}

// ApplyTranspose implements Operator.
func (cl *Clustering) ApplyTranspose(dst, y []float64) {
	for i := range y {
		dst[cl.offset+i] += cl.cellWeight(i) * y[i]
	}
}

// RHS implements Operator.
func (cl *Clustering) RHS(dst, cur []float64) {
	for i := range dst {
		dst[i] = cl.cellWeight(i) * (cl.target[i] - cur[cl.offset+i])
	}
}
