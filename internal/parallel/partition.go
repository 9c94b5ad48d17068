package parallel

import "fmt"

// Partition describes a contiguous block decomposition of n model cells
// across the ranks of a group. Rank r owns global cells [Lo, Hi). The
// remainder cells of an uneven split go to the lowest ranks, so no two
// ranks differ by more than one cell.
type Partition struct {
	Rank int
	Size int
	N    int // total cells across all ranks

	Lo int // first global index owned by this rank
	Hi int // one past the last global index owned by this rank

	// Counts[r] and Offsets[r] give the local length and starting global
	// index for every rank, so any rank can address a peer's block.
	Counts  []int
	Offsets []int
}

// NewPartition computes the block decomposition of n cells for the given
// rank out of size ranks.
func NewPartition(n, size, rank int) (Partition, error) {
	if n < 0 {
		return Partition{}, fmt.Errorf("parallel: negative cell count %d", n)
	}
	if size < 1 || rank < 0 || rank >= size {
		return Partition{}, fmt.Errorf("parallel: invalid rank %d of %d", rank, size)
	}
	base := n / size
	rem := n % size
	counts := make([]int, size)
	offsets := make([]int, size)
	off := 0
	for r := 0; r < size; r++ {
		counts[r] = base
		if r < rem {
			counts[r]++
		}
		offsets[r] = off
		off += counts[r]
	}
	return Partition{
		Rank:    rank,
		Size:    size,
		N:       n,
		Lo:      offsets[rank],
		Hi:      offsets[rank] + counts[rank],
		Counts:  counts,
		Offsets: offsets,
	}, nil
}

// LocalLen returns the number of cells owned by this rank.
func (p Partition) LocalLen() int { return p.Hi - p.Lo }

// Owns reports whether global cell index i belongs to this rank.
func (p Partition) Owns(i int) bool { return i >= p.Lo && i < p.Hi }

// ToLocal converts a global index owned by this rank to a local one.
func (p Partition) ToLocal(global int) int { return global - p.Lo }

// ToGlobal converts a local index to its global counterpart.
func (p Partition) ToGlobal(local int) int { return local + p.Lo }

// GatherSum assembles a full-length global vector from every rank's local
// block by summing zero-padded copies. After the call every rank holds the
// identical complete vector.
func GatherSum(comm Communicator, p Partition, local []float64) ([]float64, error) {
	if len(local) != p.LocalLen() {
		return nil, fmt.Errorf("parallel: local length %d does not match partition length %d", len(local), p.LocalLen())
	}
	global := make([]float64, p.N)
	copy(global[p.Lo:p.Hi], local)
	if err := comm.AllReduceSum(global); err != nil {
		return nil, err
	}
	return global, nil
}
