package solver

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/terralode/jointinv/internal/parallel"
)

// Operator is the augmented linear system seen by LSQR. Rows split into a
// data part (global rows whose products are per-rank partial sums that
// must be reduced) and a local part, the rank-owned regularization rows.
// Columns are the rank-local stacked model cells.
type Operator interface {
	// DataRows returns the number of global data-space rows.
	DataRows() int
	// LocalRows returns the number of rank-local regularization rows.
	LocalRows() int
	// LocalCols returns the length of the rank-local model vector.
	LocalCols() int
	// MatVec computes this rank's contribution to the augmented product:
	// data receives the partial data-row product (to be sum-reduced by the
	// caller), local receives the complete local-row product.
	MatVec(data, local, x []float64)
	// MatTransVec computes dst = Aᵀ·[data; local] over the local columns.
	// data is the fully reduced (replicated) data-row vector.
	MatTransVec(dst, data, local []float64)
}

// Settings bounds one LSQR minor-iteration block.
type Settings struct {
	// MaxIterations caps the minor iterations.
	MaxIterations int
	// MinResidual stops the iteration once the estimated augmented
	// residual norm drops below it.
	MinResidual float64
}

// Stats reports the outcome of one LSQR block.
type Stats struct {
	Iterations int
	// ResidualNorm is the final estimated norm of the augmented residual.
	ResidualNorm float64
	// History holds the residual-norm estimate after every iteration; in
	// exact arithmetic the sequence is non-increasing.
	History []float64
}

// LSQR solves min ‖A·x − b‖₂ over the augmented system, starting from
// x = 0, and writes the solution into x (length op.LocalCols()). bData is
// the replicated data-row right-hand side; bLocal the rank-local
// regularization targets.
//
// Each iteration performs exactly two collective sum-reduces: one fused
// vector+scalar reduce for the data-space bidiagonalization step and one
// scalar reduce for the model-space norm. These are the only
// synchronization points.
func LSQR(comm parallel.Communicator, op Operator, bData, bLocal, x []float64, settings Settings) (Stats, error) {
	nData := op.DataRows()
	nLocal := op.LocalRows()
	nCols := op.LocalCols()
	switch {
	case len(bData) != nData:
		return Stats{}, fmt.Errorf("solver: data rhs length %d, want %d", len(bData), nData)
	case len(bLocal) != nLocal:
		return Stats{}, fmt.Errorf("solver: local rhs length %d, want %d", len(bLocal), nLocal)
	case len(x) != nCols:
		return Stats{}, fmt.Errorf("solver: solution length %d, want %d", len(x), nCols)
	}
	if settings.MaxIterations <= 0 {
		settings.MaxIterations = 2 * nCols
	}

	for i := range x {
		x[i] = 0
	}

	// u = b / beta, split into the replicated data part and local part.
	uData := append([]float64(nil), bData...)
	uLocal := append([]float64(nil), bLocal...)

	normBuf := []float64{localNormSq(uLocal)}
	if err := comm.AllReduceSum(normBuf); err != nil {
		return Stats{}, err
	}
	beta := math.Sqrt(floats.Dot(uData, uData) + normBuf[0])
	stats := Stats{ResidualNorm: beta}
	if beta == 0 {
		return stats, nil
	}
	floats.Scale(1/beta, uData)
	floats.Scale(1/beta, uLocal)

	// v = Aᵀu / alpha.
	v := make([]float64, nCols)
	op.MatTransVec(v, uData, uLocal)
	alpha, err := reducedNorm(comm, v)
	if err != nil {
		return Stats{}, err
	}
	if alpha == 0 {
		return stats, nil
	}
	floats.Scale(1/alpha, v)

	w := append([]float64(nil), v...)
	phibar := beta
	rhobar := alpha

	tmpData := make([]float64, nData)
	tmpLocal := make([]float64, nLocal)
	vNew := make([]float64, nCols)

	for iter := 1; iter <= settings.MaxIterations; iter++ {
		// Bidiagonalization: u ← A·v − α·u, β = ‖u‖, u ← u/β.
		op.MatVec(tmpData, tmpLocal, v)
		// The local-row part needs no reduction; fold its norm into the
		// same reduce as the data-row partial sums.
		for i := range uLocal {
			uLocal[i] = tmpLocal[i] - alpha*uLocal[i]
		}
		buf := append(tmpData[:nData:nData], localNormSq(uLocal))
		if err := comm.AllReduceSum(buf); err != nil {
			return stats, err
		}
		for i := range uData {
			uData[i] = buf[i] - alpha*uData[i]
		}
		beta = math.Sqrt(floats.Dot(uData, uData) + buf[nData])
		if beta > 0 {
			floats.Scale(1/beta, uData)
			floats.Scale(1/beta, uLocal)
		}

		// v ← Aᵀu − β·v, α = ‖v‖, v ← v/α.
		op.MatTransVec(vNew, uData, uLocal)
		floats.AddScaled(vNew, -beta, v)
		alpha, err = reducedNorm(comm, vNew)
		if err != nil {
			return stats, err
		}
		if alpha > 0 {
			for i := range v {
				v[i] = vNew[i] / alpha
			}
		} else {
			copy(v, vNew)
		}

		// Givens rotation updating the QR factorization of the lower
		// bidiagonal matrix.
		rho := math.Hypot(rhobar, beta)
		c := rhobar / rho
		s := beta / rho
		theta := s * alpha
		rhobar = -c * alpha
		phi := c * phibar
		phibar = s * phibar

		floats.AddScaled(x, phi/rho, w)
		for i := range w {
			w[i] = v[i] - (theta/rho)*w[i]
		}

		stats.Iterations = iter
		stats.ResidualNorm = phibar
		stats.History = append(stats.History, phibar)
		if phibar < settings.MinResidual {
			break
		}
		if alpha == 0 {
			break
		}
	}
	return stats, nil
}

func localNormSq(v []float64) float64 {
	return floats.Dot(v, v)
}

// reducedNorm computes the global Euclidean norm of a distributed
// model-space vector with a single scalar reduce.
func reducedNorm(comm parallel.Communicator, v []float64) (float64, error) {
	buf := []float64{floats.Dot(v, v)}
	if err := comm.AllReduceSum(buf); err != nil {
		return 0, err
	}
	return math.Sqrt(buf[0]), nil
}

// SoftThreshold applies L1-style shrinkage in place: values within ±t of
// zero collapse to zero, larger magnitudes shrink toward zero by t. Used
// on the model update after a minor-iteration block to encourage sparsity.
func SoftThreshold(v []float64, t float64) {
	if t <= 0 {
		return
	}
	for i, x := range v {
		switch {
		case x > t:
			v[i] = x - t
		case x < -t:
			v[i] = x + t
		default:
			v[i] = 0
		}
	}
}
