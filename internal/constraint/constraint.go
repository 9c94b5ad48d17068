// Package constraint implements the regularization operators that augment
// the inversion's linear system: model damping, gradient smoothness,
// cross-gradient structural coupling, petrophysical clustering, and ADMM
// bound constraints.
//
// Each operator contributes rows [√w·L | √w·c] to the augmented system
// through matrix-free Apply/ApplyTranspose products over the rank-local
// model partition; no operator ever materializes a dense block. Weights
// are owned by the orchestrator and may change between major iterations.
package constraint

// Operator is one block of regularization rows in the augmented system
// [A; L]·x = [d; c]. All indices are into the rank-local stacked model
// vector (all physics concatenated); operators touch only local cells so
// their products need no inter-rank communication.
type Operator interface {
	// Rows returns the number of local rows this operator contributes.
	Rows() int
	// Apply computes dst = √w·L·x. dst has length Rows().
	Apply(dst, x []float64)
	// ApplyTranspose accumulates dst += √w·Lᵀ·y. dst spans the local
	// stacked model vector; y has length Rows().
	ApplyTranspose(dst, y []float64)
	// RHS writes the weighted target √w·c into dst (length Rows()).
	// The solver works in update form (it solves for δ with the model at
	// cur), so targets are expressed relative to cur.
	RHS(dst, cur []float64)
	// Weight returns the operator's current scalar weight w.
	Weight() float64
	// SetWeight updates the scalar weight; weights are non-negative.
	SetWeight(w float64)
}
