package parallel

import (
	"sync"
	"testing"
)

func TestNewPartitionCoversAllCells(t *testing.T) {
	tests := []struct {
		name string
		n    int
		size int
	}{
		{"even split", 12, 4},
		{"uneven split", 10, 3},
		{"more ranks than cells", 2, 5},
		{"single rank", 7, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			covered := make([]int, tt.n)
			total := 0
			for rank := 0; rank < tt.size; rank++ {
				p, err := NewPartition(tt.n, tt.size, rank)
				if err != nil {
					t.Fatalf("rank %d: %v", rank, err)
				}
				total += p.LocalLen()
				for i := p.Lo; i < p.Hi; i++ {
					covered[i]++
				}
				// Ranks may differ by at most one cell.
				if diff := p.LocalLen() - tt.n/tt.size; diff < 0 || diff > 1 {
					t.Errorf("rank %d has %d cells for n=%d size=%d", rank, p.LocalLen(), tt.n, tt.size)
				}
			}
			if total != tt.n {
				t.Errorf("total cells = %d, want %d", total, tt.n)
			}
			for i, c := range covered {
				if c != 1 {
					t.Errorf("cell %d owned by %d ranks", i, c)
				}
			}
		})
	}
}

func TestPartitionIndexMapping(t *testing.T) {
	p, err := NewPartition(10, 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	for g := p.Lo; g < p.Hi; g++ {
		if !p.Owns(g) {
			t.Errorf("Owns(%d) = false", g)
		}
		if got := p.ToGlobal(p.ToLocal(g)); got != g {
			t.Errorf("ToGlobal(ToLocal(%d)) = %d", g, got)
		}
	}
	if p.Owns(p.Lo - 1) || p.Owns(p.Hi) {
		t.Error("Owns accepted out-of-range index")
	}
}

func TestNewPartitionErrors(t *testing.T) {
	if _, err := NewPartition(10, 0, 0); err == nil {
		t.Error("zero size accepted")
	}
	if _, err := NewPartition(10, 2, 2); err == nil {
		t.Error("rank out of range accepted")
	}
	if _, err := NewPartition(-1, 2, 0); err == nil {
		t.Error("negative n accepted")
	}
}

func TestGatherSum(t *testing.T) {
	const n = 10
	const size = 3
	comms := NewGroup(size)
	results := make([][]float64, size)
	errs := make([]error, size)

	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			p, err := NewPartition(n, size, rank)
			if err != nil {
				errs[rank] = err
				return
			}
			local := make([]float64, p.LocalLen())
			for i := range local {
				local[i] = float64(p.ToGlobal(i))
			}
			results[rank], errs[rank] = GatherSum(comms[rank], p, local)
		}(rank)
	}
	wg.Wait()

	for rank := 0; rank < size; rank++ {
		if errs[rank] != nil {
			t.Fatalf("rank %d: %v", rank, errs[rank])
		}
		for i, v := range results[rank] {
			if v != float64(i) {
				t.Errorf("rank %d: gathered[%d] = %g, want %d", rank, i, v, i)
			}
		}
	}
}
