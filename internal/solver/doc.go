// Package solver implements the least-squares engine of the inversion: an
// LSQR iteration (Paige–Saunders) operating purely through matrix-vector
// and transpose products over an augmented system of data rows plus
// regularization rows, and the JointSystem that stacks per-physics
// sensitivity blocks with their problem weights and constraint operators.
//
// The algorithm is written against the parallel.Communicator collectives
// only: data-space products are formed as per-rank partial sums followed
// by a sum-reduce, model-space products are rank-local. The same code path
// therefore runs serial (one rank) and distributed.
package solver
