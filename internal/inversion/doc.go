// Package inversion is the composition root of the engine: it wires the
// dataset, grid, kernels, sensitivity matrices and constraint operators
// into the joint solver and drives the major-iteration state machine
// {BuildMatrix, MinorSolve, UpdateWeights, CheckConvergence, Done}.
//
// Every rank runs the identical Run control flow; the only inter-rank
// interaction happens inside the collectives of parallel.Communicator.
// Fatal errors (configuration, I/O, allocation) abort the whole group;
// numerical non-convergence is reported in the Result, never fatal.
package inversion
