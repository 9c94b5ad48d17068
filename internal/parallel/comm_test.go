package parallel

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

// runRanks executes fn on every rank of a fresh group and collects the
// per-rank errors.
func runRanks(size int, fn func(c Communicator) error) []error {
	comms := NewGroup(size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = fn(comms[r])
		}(r)
	}
	wg.Wait()
	return errs
}

func TestAllReduceSum(t *testing.T) {
	const size = 4
	results := make([][]float64, size)
	errs := runRanks(size, func(c Communicator) error {
		buf := []float64{float64(c.Rank()), 1, float64(2 * c.Rank())}
		if err := c.AllReduceSum(buf); err != nil {
			return err
		}
		results[c.Rank()] = buf
		return nil
	})
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
	}
	want := []float64{6, 4, 12} // 0+1+2+3, 4*1, 2*(0+1+2+3)
	for r, got := range results {
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("rank %d element %d = %g, want %g", r, i, got[i], want[i])
			}
		}
	}
}

func TestAllReduceSumSequence(t *testing.T) {
	// Several consecutive collectives must stay matched per call, not
	// bleed into each other.
	const size = 3
	const rounds = 10
	errs := runRanks(size, func(c Communicator) error {
		for k := 0; k < rounds; k++ {
			buf := []float64{float64(k)}
			if err := c.AllReduceSum(buf); err != nil {
				return err
			}
			if want := float64(k * size); buf[0] != want {
				return fmt.Errorf("round %d: got %g, want %g", k, buf[0], want)
			}
		}
		return nil
	})
	for r, err := range errs {
		if err != nil {
			t.Errorf("rank %d: %v", r, err)
		}
	}
}

func TestBroadcast(t *testing.T) {
	const size = 3
	errs := runRanks(size, func(c Communicator) error {
		buf := make([]float64, 4)
		if c.Rank() == 1 {
			buf = []float64{3, 1, 4, 1}
		}
		if err := c.Broadcast(buf, 1); err != nil {
			return err
		}
		want := []float64{3, 1, 4, 1}
		for i := range want {
			if buf[i] != want[i] {
				return fmt.Errorf("element %d = %g, want %g", i, buf[i], want[i])
			}
		}
		return nil
	})
	for r, err := range errs {
		if err != nil {
			t.Errorf("rank %d: %v", r, err)
		}
	}
}

func TestBroadcastInts(t *testing.T) {
	const size = 2
	errs := runRanks(size, func(c Communicator) error {
		buf := make([]int, 2)
		if c.Rank() == 0 {
			buf = []int{7, 42}
		}
		if err := c.BroadcastInts(buf, 0); err != nil {
			return err
		}
		if buf[0] != 7 || buf[1] != 42 {
			return fmt.Errorf("got %v", buf)
		}
		return nil
	})
	for r, err := range errs {
		if err != nil {
			t.Errorf("rank %d: %v", r, err)
		}
	}
}

func TestAbortReleasesBlockedRanks(t *testing.T) {
	// Rank 0 aborts instead of joining the collective; every other rank
	// must come back with ErrAborted rather than block forever.
	const size = 3
	cause := errors.New("boom")
	errs := runRanks(size, func(c Communicator) error {
		if c.Rank() == 0 {
			c.Abort(cause)
			return nil
		}
		return c.AllReduceSum(make([]float64, 8))
	})
	for r := 1; r < size; r++ {
		if !errors.Is(errs[r], ErrAborted) {
			t.Errorf("rank %d error = %v, want ErrAborted", r, errs[r])
		}
	}
}

func TestAbortAfterwardsFailsFast(t *testing.T) {
	c := Serial()
	c.Abort(errors.New("dead"))
	if err := c.Barrier(); !errors.Is(err, ErrAborted) {
		t.Errorf("Barrier after Abort = %v, want ErrAborted", err)
	}
}

func TestSerial(t *testing.T) {
	c := Serial()
	if c.Size() != 1 || c.Rank() != 0 {
		t.Fatalf("Serial() rank/size = %d/%d", c.Rank(), c.Size())
	}
	buf := []float64{1, 2}
	if err := c.AllReduceSum(buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 1 || buf[1] != 2 {
		t.Errorf("single-rank reduce changed buffer: %v", buf)
	}
	if err := c.Barrier(); err != nil {
		t.Fatal(err)
	}
}
