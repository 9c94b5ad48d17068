package inversion

// State enumerates the orchestrator's major-iteration state machine.
type State int

const (
	// StateBuildMatrix assembles the sensitivity matrices and the joint
	// system. Entered once: the kernels are linear, so the matrices do
	// not change between major iterations.
	StateBuildMatrix State = iota
	// StateMinorSolve runs one LSQR minor-iteration block (plus the
	// cross-gradient method-of-weights passes) and applies the update.
	StateMinorSolve
	// StateUpdateWeights refreshes everything that changes between major
	// iterations: IRLS damping diagonals, clustering targets, ADMM
	// projection/dual, cross-gradient linearization, joint weights.
	StateUpdateWeights
	// StateCheckConvergence evaluates the residual criterion and the
	// iteration caps.
	StateCheckConvergence
	// StateDone is terminal.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateBuildMatrix:
		return "BuildMatrix"
	case StateMinorSolve:
		return "MinorSolve"
	case StateUpdateWeights:
		return "UpdateWeights"
	case StateCheckConvergence:
		return "CheckConvergence"
	case StateDone:
		return "Done"
	}
	return "Unknown"
}

// InversionState is the mutable run state shared across the loop: the
// current stacked local model lives in the Runner; this struct carries the
// counters and convergence flags the state machine transitions on.
type InversionState struct {
	Major int
	Minor int // cumulative minor iterations

	ResidualNorm float64
	prevResidual float64

	Converged bool
	// Diverged records a major iteration whose residual failed to
	// decrease; reported in the result, never fatal.
	Diverged bool
}

// decideConvergence evaluates the CheckConvergence transition from the
// residual trajectory and the major-iteration cap. It is a pure function
// so the control flow is testable without the numeric kernels.
func decideConvergence(st *InversionState, nMajor int, tolerance float64) State {
	if st.ResidualNorm <= tolerance {
		st.Converged = true
		return StateDone
	}
	if st.Major > 1 && st.ResidualNorm >= st.prevResidual {
		st.Diverged = true
	}
	if st.Major >= nMajor {
		return StateDone
	}
	st.prevResidual = st.ResidualNorm
	st.Major++
	return StateMinorSolve
}
