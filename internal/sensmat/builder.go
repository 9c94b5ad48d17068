package sensmat

import (
	"fmt"
	"math"
	"sort"

	"github.com/terralode/jointinv/internal/kernel"
	"github.com/terralode/jointinv/internal/mesh"
	"github.com/terralode/jointinv/internal/parallel"
	"github.com/terralode/jointinv/internal/survey"
)

// Builder assembles the sensitivity matrix for one physics over a rank's
// local cell partition.
type Builder struct {
	Grid    mesh.Grid
	Data    *survey.DataSet
	Physics kernel.Physics

	Weighting kernel.DepthWeighting

	// CutoffDistance zeroes any entry whose observation-to-cell-center
	// distance exceeds it. Zero or negative disables the cutoff.
	CutoffDistance float64

	// CompressionRate is the target fraction of (post-cutoff) entries to
	// retain, ranked by magnitude. 1.0 keeps everything (dense relative to
	// the cutoff); values in (0,1) prune the weakest entries.
	CompressionRate float64
}

// Build computes the local sensitivity matrix for the cells in part.
// It fails when the partition does not match the grid or the dataset is
// empty, mirroring the fatal consistency category of the error policy.
func (b *Builder) Build(part parallel.Partition) (*Matrix, error) {
	if err := b.Grid.Validate(); err != nil {
		return nil, err
	}
	if part.N != b.Grid.NumCells() {
		return nil, fmt.Errorf("sensmat: partition over %d cells but grid has %d", part.N, b.Grid.NumCells())
	}
	ndata := b.Data.Len()
	if ndata == 0 {
		return nil, fmt.Errorf("sensmat: empty dataset for physics %s", b.Physics.Name())
	}
	rate := b.CompressionRate
	if rate <= 0 || rate > 1 {
		if rate != 0 {
			return nil, fmt.Errorf("sensmat: compression rate %g outside (0, 1]", rate)
		}
		rate = 1
	}

	nLocal := part.LocalLen()
	m := NewMatrix(ndata, nLocal)

	cut2 := b.CutoffDistance * b.CutoffDistance
	for i := 0; i < ndata; i++ {
		p := b.Data.Points[i]
		obs := kernel.Point{X: p.X, Y: p.Y, Z: p.Z}
		var idx []int32
		var val []float64
		for jl := 0; jl < nLocal; jl++ {
			jg := part.ToGlobal(jl)
			if b.CutoffDistance > 0 {
				cx, cy, cz := b.Grid.Center(jg)
				dx, dy, dz := cx-obs.X, cy-obs.Y, cz-obs.Z
				if dx*dx+dy*dy+dz*dz > cut2 {
					continue
				}
			}
			x0, x1, y0, y1, z0, z1 := b.Grid.Bounds(jg)
			s := b.Physics.Forward(kernel.Prism{X0: x0, X1: x1, Y0: y0, Y1: y1, Z0: z0, Z1: z1}, obs)
			if s == 0 {
				continue
			}
			idx = append(idx, int32(jl))
			val = append(val, s)
		}
		m.rowIdx[i] = idx
		m.rowVal[i] = val
	}

	if rate < 1 {
		pruneWeakest(m, rate)
	}
	b.applyDepthWeighting(m, part)
	return m, nil
}

// pruneWeakest drops the smallest-magnitude entries so that approximately
// rate × nnz entries remain. Ties at the threshold magnitude are kept, so
// the retained count matches the target within rounding.
func pruneWeakest(m *Matrix, rate float64) {
	total := m.NNZ()
	keep := int(math.Round(rate * float64(total)))
	// A positive rate retains at least the strongest entry, so a tiny
	// rate on a small matrix never rounds down to an empty system.
	if keep < 1 {
		keep = 1
	}
	if keep >= total {
		return
	}
	mags := make([]float64, 0, total)
	for _, row := range m.rowVal {
		for _, v := range row {
			mags = append(mags, math.Abs(v))
		}
	}
	sort.Float64s(mags)
	// Threshold below which entries are dropped: keep the `keep` largest.
	thresh := mags[total-keep]
	for i := range m.rowVal {
		idx := m.rowIdx[i][:0]
		val := m.rowVal[i][:0]
		for k, v := range m.rowVal[i] {
			if math.Abs(v) >= thresh {
				idx = append(idx, m.rowIdx[i][k])
				val = append(val, v)
			}
		}
		m.rowIdx[i] = idx
		m.rowVal[i] = val
	}
}

// applyDepthWeighting fills ColWeight according to the configured kind.
// Column-derived weights use only the locally stored entries, which is
// exact because each rank owns its columns in full.
func (b *Builder) applyDepthWeighting(m *Matrix, part parallel.Partition) {
	switch b.Weighting.Kind {
	case kernel.WeightDepthPower:
		for jl := 0; jl < m.LocalCols; jl++ {
			_, _, z := b.Grid.Center(part.ToGlobal(jl))
			m.ColWeight[jl] = b.Weighting.DepthWeight(z)
		}
	case kernel.WeightSensitivity, kernel.WeightIntegratedSensitivity:
		norm := make([]float64, m.LocalCols)
		for i := range m.rowVal {
			for k, v := range m.rowVal[i] {
				c := m.rowIdx[i][k]
				if b.Weighting.Kind == kernel.WeightSensitivity {
					norm[c] += v * v
				} else {
					norm[c] += math.Abs(v)
				}
			}
		}
		for j, n := range norm {
			if n == 0 {
				m.ColWeight[j] = 1
				continue
			}
			if b.Weighting.Kind == kernel.WeightSensitivity {
				m.ColWeight[j] = 1 / math.Sqrt(math.Sqrt(n)) // 1/‖col‖^(1/2)
			} else {
				m.ColWeight[j] = 1 / math.Sqrt(n)
			}
		}
	}
}

// ForwardOnly computes calculated data for the given local model without
// materializing a sensitivity matrix: one kernel evaluation per (datum,
// cell) pair, reduced across ranks. model holds the local partition's
// property values; the returned slice is the full calculated data vector,
// identical on every rank.
func (b *Builder) ForwardOnly(comm parallel.Communicator, part parallel.Partition, model []float64) ([]float64, error) {
	if len(model) != part.LocalLen() {
		return nil, fmt.Errorf("sensmat: model length %d does not match local partition %d", len(model), part.LocalLen())
	}
	ndata := b.Data.Len()
	calc := make([]float64, ndata)
	for i := 0; i < ndata; i++ {
		p := b.Data.Points[i]
		obs := kernel.Point{X: p.X, Y: p.Y, Z: p.Z}
		var s float64
		for jl := range model {
			if model[jl] == 0 {
				continue
			}
			jg := part.ToGlobal(jl)
			x0, x1, y0, y1, z0, z1 := b.Grid.Bounds(jg)
			s += b.Physics.Forward(kernel.Prism{X0: x0, X1: x1, Y0: y0, Y1: y1, Z0: z0, Z1: z1}, obs) * model[jl]
		}
		calc[i] = s
	}
	if err := comm.AllReduceSum(calc); err != nil {
		return nil, err
	}
	return calc, nil
}
