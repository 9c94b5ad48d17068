package solver

import (
	"fmt"

	"github.com/terralode/jointinv/internal/constraint"
	"github.com/terralode/jointinv/internal/sensmat"
)

// PhysicsBlock is one physics's contribution to the joint system: its
// sensitivity matrix over the local column partition and the joint
// weighting knobs. A ProblemWeight of zero removes the block's rows from
// the system entirely: its residual contribution and its pull on the
// model update are both exactly zero, independent of ColumnMultiplier.
type PhysicsBlock struct {
	Name   string
	Matrix *sensmat.Matrix

	// ProblemWeight scales this physics's data rows in the joint system.
	ProblemWeight float64
	// ColumnMultiplier additionally scales this physics's solution
	// columns. Zero means 1.
	ColumnMultiplier float64
}

func (b *PhysicsBlock) colMult() float64 {
	if b.ColumnMultiplier == 0 {
		return 1
	}
	return b.ColumnMultiplier
}

func (b *PhysicsBlock) scale() float64 {
	if b.ProblemWeight == 0 {
		return 0
	}
	return b.ProblemWeight * b.colMult()
}

// JointSystem stacks per-physics sensitivity blocks and constraint
// operators into the augmented system LSQR solves. The stacked local
// column layout is one contiguous block of local cells per physics, in
// Blocks order.
//
// The solver variable x lives in the scaled space induced by depth
// weighting and the column multipliers: the physical model update is
// Δm = Scale ∘ x. Sensitivity blocks consume x directly (their column
// weights are folded into their products); constraint operators are
// written in physical space, so the system converts x through Scale on
// the way in and out of their products.
type JointSystem struct {
	Blocks      []*PhysicsBlock
	Constraints []constraint.Operator

	// ColOffsets[p] is the start of physics p's block in the stacked
	// local model vector; ColTotal is the stacked length.
	ColOffsets []int
	ColTotal   int

	// Scale maps the solver variable to the physical update, one entry
	// per stacked local column: depth weight × column multiplier.
	Scale []float64

	// scratch buffers for the physical-space constraint products.
	xPhys, dstPhys []float64
}

// NewJointSystem lays out the stacked column space for the given blocks
// and captures the per-column scale from each matrix's depth weights.
func NewJointSystem(blocks []*PhysicsBlock, constraints []constraint.Operator) (*JointSystem, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("solver: joint system requires at least one physics block")
	}
	offsets := make([]int, len(blocks))
	total := 0
	for p, b := range blocks {
		if b.Matrix == nil {
			return nil, fmt.Errorf("solver: physics block %s has no sensitivity matrix", b.Name)
		}
		offsets[p] = total
		total += b.Matrix.LocalCols
	}
	scale := make([]float64, total)
	for p, b := range blocks {
		cm := b.colMult()
		for j := 0; j < b.Matrix.LocalCols; j++ {
			scale[offsets[p]+j] = b.Matrix.ColWeight[j] * cm
		}
	}
	return &JointSystem{
		Blocks:      blocks,
		Constraints: constraints,
		ColOffsets:  offsets,
		ColTotal:    total,
		Scale:       scale,
		xPhys:       make([]float64, total),
		dstPhys:     make([]float64, total),
	}, nil
}

// DataRows implements Operator: the stacked count of all physics rows.
func (s *JointSystem) DataRows() int {
	n := 0
	for _, b := range s.Blocks {
		n += b.Matrix.NumRows
	}
	return n
}

// LocalRows implements Operator: the stacked count of constraint rows.
func (s *JointSystem) LocalRows() int {
	n := 0
	for _, op := range s.Constraints {
		n += op.Rows()
	}
	return n
}

// LocalCols implements Operator.
func (s *JointSystem) LocalCols() int { return s.ColTotal }

// MatVec implements Operator.
func (s *JointSystem) MatVec(data, local, x []float64) {
	row := 0
	for p, b := range s.Blocks {
		n := b.Matrix.NumRows
		seg := data[row : row+n]
		sc := b.scale()
		if sc == 0 {
			for i := range seg {
				seg[i] = 0
			}
		} else {
			b.Matrix.MatVec(seg, x[s.ColOffsets[p]:s.ColOffsets[p]+b.Matrix.LocalCols])
			for i := range seg {
				seg[i] *= sc
			}
		}
		row += n
	}
	if len(s.Constraints) == 0 {
		return
	}
	for i, v := range x {
		s.xPhys[i] = s.Scale[i] * v
	}
	row = 0
	for _, op := range s.Constraints {
		op.Apply(local[row:row+op.Rows()], s.xPhys)
		row += op.Rows()
	}
}

// MatTransVec implements Operator.
func (s *JointSystem) MatTransVec(dst, data, local []float64) {
	for i := range dst {
		dst[i] = 0
	}
	row := 0
	for p, b := range s.Blocks {
		n := b.Matrix.NumRows
		sc := b.scale()
		if sc != 0 {
			seg := dst[s.ColOffsets[p] : s.ColOffsets[p]+b.Matrix.LocalCols]
			tmp := make([]float64, b.Matrix.LocalCols)
			b.Matrix.MatTransVec(tmp, data[row:row+n])
			for i := range seg {
				seg[i] += sc * tmp[i]
			}
		}
		row += n
	}
	if len(s.Constraints) == 0 {
		return
	}
	for i := range s.dstPhys {
		s.dstPhys[i] = 0
	}
	row = 0
	for _, op := range s.Constraints {
		op.ApplyTranspose(s.dstPhys, local[row:row+op.Rows()])
		row += op.Rows()
	}
	for i := range dst {
		dst[i] += s.Scale[i] * s.dstPhys[i]
	}
}

// PhysicalUpdate converts a solver-space solution into the physical model
// update Δm = Scale ∘ x, in place.
func (s *JointSystem) PhysicalUpdate(x []float64) {
	for i := range x {
		x[i] *= s.Scale[i]
	}
}

// DataRHS assembles the replicated data-row right-hand side from each
// physics's current residual (measured − calculated), applying the block
// row weights. residuals[p] has that physics's ndata length.
func (s *JointSystem) DataRHS(residuals [][]float64) ([]float64, error) {
	if len(residuals) != len(s.Blocks) {
		return nil, fmt.Errorf("solver: %d residual vectors for %d blocks", len(residuals), len(s.Blocks))
	}
	out := make([]float64, s.DataRows())
	row := 0
	for p, b := range s.Blocks {
		n := b.Matrix.NumRows
		if len(residuals[p]) != n {
			return nil, fmt.Errorf("solver: block %s residual length %d, want %d", b.Name, len(residuals[p]), n)
		}
		w := b.ProblemWeight
		for i, r := range residuals[p] {
			out[row+i] = w * r
		}
		row += n
	}
	return out, nil
}

// LocalRHS assembles the rank-local constraint right-hand side in update
// form, relative to the current physical stacked model cur.
func (s *JointSystem) LocalRHS(cur []float64) []float64 {
	out := make([]float64, s.LocalRows())
	row := 0
	for _, op := range s.Constraints {
		op.RHS(out[row:row+op.Rows()], cur)
		row += op.Rows()
	}
	return out
}
