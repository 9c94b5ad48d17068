package parallel

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAborted is returned from every collective on every rank once any rank
// has called Abort. Callers unwrap it with errors.Is and inspect the cause
// via the wrapping error's message.
var ErrAborted = errors.New("parallel: run aborted")

// Communicator is the collective-communication surface the engine is written
// against. Every rank in a run holds its own Communicator; all ranks must
// call the same sequence of collectives in the same order (lockstep), as in
// an MPI program. Divergence between ranks is a correctness bug in the
// caller, not a recoverable condition.
type Communicator interface {
	// Rank returns this rank's index in [0, Size).
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int
	// AllReduceSum replaces buf on every rank with the element-wise sum of
	// buf across all ranks. Blocks until all ranks contribute.
	AllReduceSum(buf []float64) error
	// Broadcast copies buf from root to every other rank. The buffer must
	// have the same length on all ranks.
	Broadcast(buf []float64, root int) error
	// BroadcastInts is Broadcast for integer payloads (counts, indices).
	BroadcastInts(buf []int, root int) error
	// Barrier blocks until every rank has reached it.
	Barrier() error
	// Abort records err as the run's fatal cause and releases every rank
	// currently blocked (or later blocking) in a collective with ErrAborted.
	// This keeps a single failing rank from deadlocking its peers on a
	// collective they will never all reach.
	Abort(err error)
}

// group holds the shared state for an in-process communicator. Collectives
// are matched by a per-rank sequence number: because all ranks execute the
// identical control flow, the n-th collective call on one rank pairs with
// the n-th call on every other.
type group struct {
	size int

	mu   sync.Mutex
	cond *sync.Cond

	ops map[int64]*pendingOp

	abortErr error
}

type pendingOp struct {
	arrived int
	copied  int
	done    bool

	// acc accumulates the element-wise sum for AllReduceSum, or holds the
	// root's payload for Broadcast.
	acc  []float64
	iacc []int
}

// NewGroup creates an in-process communicator group of the given size and
// returns one Communicator per rank. Each returned Communicator must be used
// by exactly one goroutine.
func NewGroup(size int) []Communicator {
	if size < 1 {
		panic(fmt.Sprintf("parallel: invalid group size %d", size))
	}
	g := &group{
		size: size,
		ops:  make(map[int64]*pendingOp),
	}
	g.cond = sync.NewCond(&g.mu)
	comms := make([]Communicator, size)
	for r := 0; r < size; r++ {
		comms[r] = &rankComm{g: g, rank: r}
	}
	return comms
}

// Serial returns a single-rank Communicator whose collectives are all
// no-ops. Used for one-rank runs and unit tests of the numeric kernels.
func Serial() Communicator {
	return NewGroup(1)[0]
}

type rankComm struct {
	g    *group
	rank int
	seq  int64
}

func (c *rankComm) Rank() int { return c.rank }
func (c *rankComm) Size() int { return c.g.size }

func (c *rankComm) Abort(err error) {
	g := c.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.abortErr == nil {
		if err == nil {
			err = errors.New("unspecified error")
		}
		g.abortErr = fmt.Errorf("%w: rank %d: %v", ErrAborted, c.rank, err)
	}
	g.cond.Broadcast()
}

// enter finds or creates the pending op for this rank's next collective.
// Caller must hold g.mu.
func (c *rankComm) enter() (*pendingOp, error) {
	g := c.g
	if g.abortErr != nil {
		return nil, g.abortErr
	}
	op, ok := g.ops[c.seq]
	if !ok {
		op = &pendingOp{}
		g.ops[c.seq] = op
	}
	return op, nil
}

// leave retires this rank's participation in op; the op is removed from the
// map once every rank has both arrived and copied its result out.
// Caller must hold g.mu.
func (c *rankComm) leave(op *pendingOp) {
	op.copied++
	if op.copied == c.g.size {
		delete(c.g.ops, c.seq-1)
	}
}

func (c *rankComm) AllReduceSum(buf []float64) error {
	g := c.g
	if g.size == 1 {
		g.mu.Lock()
		err := g.abortErr
		g.mu.Unlock()
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	op, err := c.enter()
	if err != nil {
		return err
	}
	if op.acc == nil {
		op.acc = make([]float64, len(buf))
	}
	if len(op.acc) != len(buf) {
		return fmt.Errorf("parallel: AllReduceSum length mismatch on rank %d: %d vs %d", c.rank, len(buf), len(op.acc))
	}
	for i, v := range buf {
		op.acc[i] += v
	}
	op.arrived++
	if op.arrived == g.size {
		op.done = true
		g.cond.Broadcast()
	}
	for !op.done {
		if g.abortErr != nil {
			return g.abortErr
		}
		g.cond.Wait()
	}
	if g.abortErr != nil {
		return g.abortErr
	}
	copy(buf, op.acc)
	c.seq++
	c.leave(op)
	return nil
}

func (c *rankComm) Broadcast(buf []float64, root int) error {
	g := c.g
	if root < 0 || root >= g.size {
		return fmt.Errorf("parallel: broadcast root %d out of range [0,%d)", root, g.size)
	}
	if g.size == 1 {
		g.mu.Lock()
		err := g.abortErr
		g.mu.Unlock()
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	op, err := c.enter()
	if err != nil {
		return err
	}
	if c.rank == root {
		op.acc = make([]float64, len(buf))
		copy(op.acc, buf)
	}
	op.arrived++
	if op.arrived == g.size {
		op.done = true
		g.cond.Broadcast()
	}
	for !op.done {
		if g.abortErr != nil {
			return g.abortErr
		}
		g.cond.Wait()
	}
	if g.abortErr != nil {
		return g.abortErr
	}
	if c.rank != root {
		if len(op.acc) != len(buf) {
			return fmt.Errorf("parallel: broadcast length mismatch on rank %d: %d vs %d", c.rank, len(buf), len(op.acc))
		}
		copy(buf, op.acc)
	}
	c.seq++
	c.leave(op)
	return nil
}

func (c *rankComm) BroadcastInts(buf []int, root int) error {
	g := c.g
	if root < 0 || root >= g.size {
		return fmt.Errorf("parallel: broadcast root %d out of range [0,%d)", root, g.size)
	}
	if g.size == 1 {
		g.mu.Lock()
		err := g.abortErr
		g.mu.Unlock()
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	op, err := c.enter()
	if err != nil {
		return err
	}
	if c.rank == root {
		op.iacc = make([]int, len(buf))
		copy(op.iacc, buf)
	}
	op.arrived++
	if op.arrived == g.size {
		op.done = true
		g.cond.Broadcast()
	}
	for !op.done {
		if g.abortErr != nil {
			return g.abortErr
		}
		g.cond.Wait()
	}
	if g.abortErr != nil {
		return g.abortErr
	}
	if c.rank != root {
		if len(op.iacc) != len(buf) {
			return fmt.Errorf("parallel: broadcast length mismatch on rank %d: %d vs %d", c.rank, len(buf), len(op.iacc))
		}
		copy(buf, op.iacc)
	}
	c.seq++
	c.leave(op)
	return nil
}

func (c *rankComm) Barrier() error {
	// A barrier is a zero-length reduction.
	return c.AllReduceSum(nil)
}
