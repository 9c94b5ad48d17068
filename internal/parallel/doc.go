// Package parallel owns the rank-parallel execution model of the inversion
// engine: a Communicator abstraction exposing the collective operations the
// solver needs (sum-reduce, broadcast, barrier, abort) and a contiguous
// block Partition of model cells across ranks.
//
// The solver's matrix-vector product code is written against Communicator
// only, so the same algorithm runs on one rank or many. The in-process
// implementation runs every rank as a goroutine; collectives are the only
// points where one rank's progress depends on its peers.
//
// Dependency rule: parallel must not import any other internal package.
package parallel
