// Package sensmat builds and stores the sparse sensitivity matrix relating
// model cells to observations for one physics: forward-kernel evaluation,
// depth weighting, distance-cutoff compression with a target retention
// rate, and a matrix-free forward-only mode.
//
// Each rank holds the rows restricted to its local column partition;
// forming a full matrix-vector product therefore requires a sum-reduce of
// per-rank partial products, which is the solver's job.
package sensmat

import "fmt"

// Matrix is a row-sparse sensitivity matrix over the local column
// partition: NumRows observation rows by LocalCols model-cell columns.
// Column indices are local. Entries are stored unweighted; ColWeight is
// applied inside the products so depth weighting can be swapped without
// rebuilding.
type Matrix struct {
	NumRows   int
	LocalCols int

	// rowIdx[i] and rowVal[i] hold the nonzero pattern of row i.
	rowIdx [][]int32
	rowVal [][]float64

	// ColWeight is the per-local-column depth weight; length LocalCols.
	ColWeight []float64
}

// NewMatrix allocates an empty matrix with the given shape and unit column
// weights.
func NewMatrix(numRows, localCols int) *Matrix {
	w := make([]float64, localCols)
	for i := range w {
		w[i] = 1
	}
	return &Matrix{
		NumRows:   numRows,
		LocalCols: localCols,
		rowIdx:    make([][]int32, numRows),
		rowVal:    make([][]float64, numRows),
		ColWeight: w,
	}
}

// NNZ returns the number of stored entries.
func (m *Matrix) NNZ() int {
	n := 0
	for _, r := range m.rowVal {
		n += len(r)
	}
	return n
}

// At returns the (weighted) entry at row i, local column j. Intended for
// tests and diagnostics; products never use it.
func (m *Matrix) At(i, j int) float64 {
	for k, c := range m.rowIdx[i] {
		if int(c) == j {
			return m.rowVal[i][k] * m.ColWeight[j]
		}
	}
	return 0
}

// MatVec computes dst = A·x over the local columns. dst has length NumRows
// and holds only this rank's partial contribution.
func (m *Matrix) MatVec(dst, x []float64) {
	if len(dst) != m.NumRows || len(x) != m.LocalCols {
		panic(fmt.Sprintf("sensmat: MatVec shape mismatch: dst %d rows %d, x %d cols %d", len(dst), m.NumRows, len(x), m.LocalCols))
	}
	for i := range dst {
		var s float64
		idx := m.rowIdx[i]
		val := m.rowVal[i]
		for k, c := range idx {
			s += val[k] * m.ColWeight[c] * x[c]
		}
		dst[i] = s
	}
}

// MatVecRaw computes dst = A·x with the unweighted entries, bypassing
// ColWeight. This is the physical forward product used to evaluate
// calculated data from a physical model, while MatVec serves the solver's
// scaled variable.
func (m *Matrix) MatVecRaw(dst, x []float64) {
	if len(dst) != m.NumRows || len(x) != m.LocalCols {
		panic(fmt.Sprintf("sensmat: MatVecRaw shape mismatch: dst %d rows %d, x %d cols %d", len(dst), m.NumRows, len(x), m.LocalCols))
	}
	for i := range dst {
		var s float64
		idx := m.rowIdx[i]
		val := m.rowVal[i]
		for k, c := range idx {
			s += val[k] * x[c]
		}
		dst[i] = s
	}
}

// MatTransVec computes dst = Aᵀ·y into the local columns. dst has length
// LocalCols; no communication is needed because the columns are owned
// locally and y is replicated.
func (m *Matrix) MatTransVec(dst, y []float64) {
	if len(dst) != m.LocalCols || len(y) != m.NumRows {
		panic(fmt.Sprintf("sensmat: MatTransVec shape mismatch: dst %d cols %d, y %d rows %d", len(dst), m.LocalCols, len(y), m.NumRows))
	}
	for j := range dst {
		dst[j] = 0
	}
	for i := 0; i < m.NumRows; i++ {
		yi := y[i]
		if yi == 0 {
			continue
		}
		idx := m.rowIdx[i]
		val := m.rowVal[i]
		for k, c := range idx {
			dst[c] += val[k] * m.ColWeight[c] * yi
		}
	}
}
