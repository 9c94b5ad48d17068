package inversion

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/terralode/jointinv/internal/config"
	"github.com/terralode/jointinv/internal/constraint"
	"github.com/terralode/jointinv/internal/kernel"
	"github.com/terralode/jointinv/internal/mesh"
	"github.com/terralode/jointinv/internal/parallel"
	"github.com/terralode/jointinv/internal/sensmat"
	"github.com/terralode/jointinv/internal/solver"
	"github.com/terralode/jointinv/internal/survey"
)

// MajorStats summarizes one major iteration for the run history.
type MajorStats struct {
	Major           int
	MinorIterations int
	// ResidualNorm is the normalized joint data misfit after the update.
	ResidualNorm float64
	// DataRMS is the per-physics root-mean-square misfit.
	DataRMS map[string]float64
	// CrossGradientNorm is the structural-coupling residual, zero when
	// the coupling is disabled.
	CrossGradientNorm float64
}

// Result is the converged (or iteration-capped) outcome of a run. Model
// and calculated vectors are full global vectors, identical on all ranks.
type Result struct {
	Models     map[string][]float64
	Calculated map[string][]float64

	ResidualNorm float64
	Converged    bool
	// Diverged marks a run whose residual failed to decrease across
	// successive major iterations; reported, not fatal.
	Diverged bool

	MajorIterations int
	MinorIterations int
	History         []MajorStats
}

// physBundle gathers everything the runner holds per physics.
type physBundle struct {
	cfg     config.PhysicsConfig
	phys    kernel.Physics
	data    *survey.DataSet
	builder *sensmat.Builder
	matrix  *sensmat.Matrix
	block   *solver.PhysicsBlock

	priorLocal []float64
	damping    *constraint.Damping
	admm       *constraint.ADMM

	// residual and calc are replicated data-space vectors refreshed each
	// major iteration.
	residual []float64
	calc     []float64
}

// Runner executes one inversion on one rank. All ranks construct their own
// Runner with the same configuration and call Run in lockstep.
type Runner struct {
	cfg  *config.Config
	comm parallel.Communicator
	grid mesh.Grid
	part parallel.Partition

	phys []*physBundle

	sys   *solver.JointSystem
	model []float64 // stacked local physical model

	crossGrad  *constraint.CrossGradient
	clustering []*constraint.Clustering

	// configured coupling weights, reapplied when the single-physics
	// stage ends.
	cgWeight, clWeight float64
	maxSinglePhysics   int

	state InversionState
}

// NewRunner validates the configuration and prepares a runner bound to one
// rank's communicator.
func NewRunner(cfg *config.Config, comm parallel.Communicator) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	grid := mesh.Grid{
		Nx: cfg.Grid.Nx, Ny: cfg.Grid.Ny, Nz: cfg.Grid.Nz,
		Dx: cfg.Grid.Dx, Dy: cfg.Grid.Dy, Dz: cfg.Grid.Dz,
		X0: cfg.Grid.X0, Y0: cfg.Grid.Y0, Z0: cfg.Grid.Z0,
	}
	part, err := parallel.NewPartition(grid.NumCells(), comm.Size(), comm.Rank())
	if err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg, comm: comm, grid: grid, part: part}, nil
}

// Run executes the inversion. Any setup or I/O error aborts the whole
// group before returning, so peer ranks blocked in a collective are
// released rather than left deadlocked.
func (r *Runner) Run() (*Result, error) {
	res, err := r.run()
	if err != nil {
		r.comm.Abort(err)
		return nil, err
	}
	return res, nil
}

func (r *Runner) run() (*Result, error) {
	if err := r.loadInputs(); err != nil {
		return nil, err
	}
	if r.cfg.ForwardOnly {
		return r.forwardOnly()
	}

	state := StateBuildMatrix
	r.state = InversionState{Major: 1}
	var history []MajorStats

	for state != StateDone {
		switch state {
		case StateBuildMatrix:
			if err := r.buildSystem(); err != nil {
				return nil, err
			}
			r.applyCouplingStage()
			state = StateMinorSolve

		case StateMinorSolve:
			stats, err := r.minorSolve()
			if err != nil {
				return nil, err
			}
			history = append(history, stats)
			state = StateUpdateWeights

		case StateUpdateWeights:
			r.updateWeights()
			state = StateCheckConvergence

		case StateCheckConvergence:
			state = decideConvergence(&r.state, r.cfg.Solver.NMajorIterations, r.cfg.Solver.MinResidual)
			if r.comm.Rank() == 0 {
				log.Printf("inversion: major %d residual %.6e state %s", len(history), r.state.ResidualNorm, state)
			}
			if state == StateMinorSolve {
				r.applyCouplingStage()
			}
		}
	}
	return r.finish(history)
}

// loadInputs reads datasets and starting/prior models (rank 0 reads,
// everyone receives) and builds the physics kernels.
func (r *Runner) loadInputs() error {
	nLocal := r.part.LocalLen()
	r.model = make([]float64, 0, nLocal*len(r.cfg.Physics))

	for i := range r.cfg.Physics {
		pc := r.cfg.Physics[i]
		phys, err := kernel.ForPhysics(pc.Name, r.cfg.MagneticKernelField())
		if err != nil {
			return err
		}
		ds, err := survey.ReadAndBroadcast(r.comm, pc.DataFile, pc.NData, 0)
		if err != nil {
			return err
		}

		start, err := r.loadCellVector(pc.StartFile, pc.StartValue)
		if err != nil {
			return err
		}
		prior, err := r.loadCellVector(pc.PriorFile, pc.PriorValue)
		if err != nil {
			return err
		}

		wk, err := kernel.ParseWeightingKind(pc.DepthWeightType)
		if err != nil {
			return err
		}
		b := &physBundle{
			cfg:  pc,
			phys: phys,
			data: ds,
			builder: &sensmat.Builder{
				Grid:            r.grid,
				Data:            ds,
				Physics:         phys,
				Weighting:       kernel.DepthWeighting{Kind: wk, Beta: pc.DepthWeightBeta, Z0: pc.DepthWeightZ0},
				CutoffDistance:  r.cfg.Compression.Distance,
				CompressionRate: r.cfg.Compression.Rate,
			},
			priorLocal: prior[r.part.Lo:r.part.Hi],
		}
		r.phys = append(r.phys, b)
		r.model = append(r.model, start[r.part.Lo:r.part.Hi]...)
		if pc.NSinglePhysics > r.maxSinglePhysics {
			r.maxSinglePhysics = pc.NSinglePhysics
		}
	}
	return nil
}

// loadCellVector resolves a per-cell table from a file (read on rank 0 and
// broadcast) or a constant fill.
func (r *Runner) loadCellVector(path string, value float64) ([]float64, error) {
	n := r.grid.NumCells()
	v := make([]float64, n)
	if path == "" {
		for i := range v {
			v[i] = value
		}
		return v, nil
	}
	if r.comm.Rank() == 0 {
		loaded, err := constraint.LoadCellWeights(path, n)
		if err != nil {
			r.comm.Abort(err)
			return nil, err
		}
		copy(v, loaded)
	}
	if err := r.comm.Broadcast(v, 0); err != nil {
		return nil, err
	}
	return v, nil
}

// buildSystem assembles sensitivity matrices, constraint operators and the
// joint system. Runs once: the forward kernels are linear.
func (r *Runner) buildSystem() error {
	nLocal := r.part.LocalLen()
	offsets := make([]int, len(r.phys))
	for p := range r.phys {
		offsets[p] = p * nLocal
	}

	var blocks []*solver.PhysicsBlock
	var ops []constraint.Operator

	for p, b := range r.phys {
		m, err := b.builder.Build(r.part)
		if err != nil {
			return err
		}
		b.matrix = m
		b.block = &solver.PhysicsBlock{
			Name:             b.cfg.Name,
			Matrix:           m,
			ProblemWeight:    b.cfg.ProblemWeight,
			ColumnMultiplier: b.cfg.ColumnMultiplier,
		}
		blocks = append(blocks, b.block)

		if b.cfg.DampingWeight > 0 {
			d, err := constraint.NewDamping(offsets[p], nLocal, b.priorLocal, b.cfg.DampingWeight, b.cfg.DampingNormPower)
			if err != nil {
				return err
			}
			b.damping = d
			ops = append(ops, d)
		}
		if b.cfg.SmoothWeight > 0 {
			var cellW []float64
			if b.cfg.SmoothWeightType == "local" {
				global, err := r.loadCellVector(b.cfg.SmoothWeightFile, 1)
				if err != nil {
					return err
				}
				cellW = global[r.part.Lo:r.part.Hi]
			}
			s, err := constraint.NewSmoothness(r.grid, r.part, offsets[p], b.cfg.SmoothWeight, cellW)
			if err != nil {
				return err
			}
			ops = append(ops, s)
		}
	}

	if r.cfg.CrossGradient.Weight > 0 && len(r.phys) >= 2 {
		st, err := constraint.ParseStencil(r.cfg.CrossGradient.Stencil)
		if err != nil {
			return err
		}
		cg, err := constraint.NewCrossGradient(r.grid, r.part, offsets[0], offsets[1], r.cfg.CrossGradient.Weight, st)
		if err != nil {
			return err
		}
		cg.Relinearize(r.model)
		r.crossGrad = cg
		r.cgWeight = r.cfg.CrossGradient.Weight
		ops = append(ops, cg)
	}

	if r.cfg.Clustering.Weight > 0 {
		cls, err := r.buildClustering(offsets, nLocal)
		if err != nil {
			return err
		}
		for _, cl := range cls {
			cl.Refresh(r.model)
			ops = append(ops, cl)
		}
		r.clustering = cls
		r.clWeight = r.cfg.Clustering.Weight
	}

	if r.cfg.ADMM.Enabled {
		lith, err := r.loadLithology()
		if err != nil {
			return err
		}
		for p, b := range r.phys {
			if b.cfg.ADMMWeight == 0 {
				continue
			}
			bounds, err := r.loadBounds(b.cfg.ADMMBoundsFile)
			if err != nil {
				return err
			}
			lower, upper, err := constraint.CellBounds(lith[r.part.Lo:r.part.Hi], bounds)
			if err != nil {
				return err
			}
			a, err := constraint.NewADMM(offsets[p], lower, upper, b.cfg.ADMMWeight)
			if err != nil {
				return err
			}
			b.admm = a
			ops = append(ops, a)
		}
	}

	sys, err := solver.NewJointSystem(blocks, ops)
	if err != nil {
		return err
	}
	r.sys = sys
	return nil
}

func (r *Runner) buildClustering(offsets []int, nLocal int) ([]*constraint.Clustering, error) {
	var comps []constraint.MixtureComponent
	np := len(r.phys)
	// Rank 0 reads the mixture table; the flattened payload is broadcast.
	dims := []int{0}
	if r.comm.Rank() == 0 {
		loaded, err := constraint.LoadMixtureFile(r.cfg.Clustering.MixtureFile, np)
		if err != nil {
			r.comm.Abort(err)
			return nil, err
		}
		if r.cfg.Clustering.NClusters > 0 && len(loaded) != r.cfg.Clustering.NClusters {
			err := fmt.Errorf("inversion: mixture file has %d components, configuration expects %d", len(loaded), r.cfg.Clustering.NClusters)
			r.comm.Abort(err)
			return nil, err
		}
		comps = loaded
		dims[0] = len(loaded)
	}
	if err := r.comm.BroadcastInts(dims, 0); err != nil {
		return nil, err
	}
	flat := make([]float64, dims[0]*(1+2*np))
	if r.comm.Rank() == 0 {
		k := 0
		for _, c := range comps {
			flat[k] = c.Proportion
			k++
			k += copy(flat[k:], c.Mean)
			k += copy(flat[k:], c.Sigma)
		}
	}
	if err := r.comm.Broadcast(flat, 0); err != nil {
		return nil, err
	}
	if r.comm.Rank() != 0 {
		comps = make([]constraint.MixtureComponent, dims[0])
		k := 0
		for i := range comps {
			comps[i].Proportion = flat[k]
			k++
			comps[i].Mean = append([]float64(nil), flat[k:k+np]...)
			k += np
			comps[i].Sigma = append([]float64(nil), flat[k:k+np]...)
			k += np
		}
	}

	var perCell []float64
	if r.cfg.Clustering.Scope == "local" {
		global, err := r.loadCellVector(r.cfg.Clustering.CellWeightFile, 1)
		if err != nil {
			return nil, err
		}
		perCell = global[r.part.Lo:r.part.Hi]
	}
	// The clustering constraint pulls every physics; one operator per
	// physics block shares the component table.
	cls := make([]*constraint.Clustering, len(r.phys))
	for p := range r.phys {
		cl, err := constraint.NewClustering(offsets, p, nLocal, comps, r.cfg.Clustering.Weight, perCell, r.cfg.Clustering.Domain == "log")
		if err != nil {
			return nil, err
		}
		cls[p] = cl
	}
	return cls, nil
}

func (r *Runner) loadLithology() ([]int, error) {
	n := r.grid.NumCells()
	asFloat := make([]float64, n)
	if r.comm.Rank() == 0 {
		lith, err := constraint.LoadLithologyFile(r.cfg.ADMM.LithologyFile, n)
		if err != nil {
			r.comm.Abort(err)
			return nil, err
		}
		for i, c := range lith {
			asFloat[i] = float64(c)
		}
	}
	if err := r.comm.Broadcast(asFloat, 0); err != nil {
		return nil, err
	}
	lith := make([]int, n)
	for i, v := range asFloat {
		lith[i] = int(v)
	}
	return lith, nil
}

func (r *Runner) loadBounds(path string) ([][2]float64, error) {
	nLith := r.cfg.ADMM.NLithologies
	flat := make([]float64, 2*nLith)
	if r.comm.Rank() == 0 {
		bounds, err := constraint.LoadBoundsFile(path, nLith)
		if err != nil {
			r.comm.Abort(err)
			return nil, err
		}
		for i, b := range bounds {
			flat[2*i] = b[0]
			flat[2*i+1] = b[1]
		}
	}
	if err := r.comm.Broadcast(flat, 0); err != nil {
		return nil, err
	}
	bounds := make([][2]float64, nLith)
	for i := range bounds {
		bounds[i] = [2]float64{flat[2*i], flat[2*i+1]}
	}
	return bounds, nil
}

// applyCouplingStage enables or disables the cross-physics constraints
// according to the single-physics iteration stage: while any physics still
// has single-physics iterations to run, the coupling weights are held at
// zero and each physics inverts independently.
func (r *Runner) applyCouplingStage() {
	coupled := r.state.Major > r.maxSinglePhysics
	if r.crossGrad != nil {
		if coupled {
			r.crossGrad.SetWeight(r.cgWeight)
		} else {
			r.crossGrad.SetWeight(0)
		}
	}
	for _, cl := range r.clustering {
		if coupled {
			cl.SetWeight(r.clWeight)
		} else {
			cl.SetWeight(0)
		}
	}
}

// computeResiduals refreshes every physics's calculated data and residual
// from the current model (one sum-reduce per physics) and returns the
// normalized joint misfit.
func (r *Runner) computeResiduals() (float64, error) {
	nLocal := r.part.LocalLen()
	var num, den float64
	for p, b := range r.phys {
		if b.calc == nil {
			b.calc = make([]float64, b.data.Len())
			b.residual = make([]float64, b.data.Len())
		}
		b.matrix.MatVecRaw(b.calc, r.model[p*nLocal:(p+1)*nLocal])
		if err := r.comm.AllReduceSum(b.calc); err != nil {
			return 0, err
		}
		w := b.cfg.ProblemWeight
		for i := range b.residual {
			b.residual[i] = b.data.Points[i].Measured - b.calc[i]
			num += w * w * b.residual[i] * b.residual[i]
			den += w * w * b.data.Points[i].Measured * b.data.Points[i].Measured
		}
	}
	if den == 0 {
		den = 1
	}
	return math.Sqrt(num / den), nil
}

// minorSolve runs the minor-iteration block: one LSQR solve per
// cross-gradient method-of-weights pass, applying the physical update
// after each pass.
func (r *Runner) minorSolve() (MajorStats, error) {
	passes := 1
	if r.crossGrad != nil && r.crossGrad.Weight() > 0 && r.cfg.CrossGradient.Iterations > 1 {
		passes = r.cfg.CrossGradient.Iterations
	}

	stats := MajorStats{Major: r.state.Major, DataRMS: make(map[string]float64)}
	x := make([]float64, r.sys.LocalCols())

	for pass := 0; pass < passes; pass++ {
		if _, err := r.computeResiduals(); err != nil {
			return stats, err
		}
		residuals := make([][]float64, len(r.phys))
		for p, b := range r.phys {
			residuals[p] = b.residual
		}
		bData, err := r.sys.DataRHS(residuals)
		if err != nil {
			return stats, err
		}
		bLocal := r.sys.LocalRHS(r.model)

		lstats, err := solver.LSQR(r.comm, r.sys, bData, bLocal, x, solver.Settings{
			MaxIterations: r.cfg.Solver.NMinorIterations,
			MinResidual:   r.cfg.Solver.MinResidual,
		})
		if err != nil {
			return stats, err
		}
		stats.MinorIterations += lstats.Iterations
		r.state.Minor += lstats.Iterations

		r.sys.PhysicalUpdate(x)
		solver.SoftThreshold(x, r.cfg.Solver.SoftThreshold)
		floats.Add(r.model, x)

		if r.crossGrad != nil && pass < passes-1 {
			r.crossGrad.Relinearize(r.model)
		}
	}

	norm, err := r.computeResiduals()
	if err != nil {
		return stats, err
	}
	r.state.ResidualNorm = norm
	stats.ResidualNorm = norm
	for _, b := range r.phys {
		stats.DataRMS[b.cfg.Name] = floats.Norm(b.residual, 2) / math.Sqrt(float64(len(b.residual)))
	}
	if r.crossGrad != nil {
		stats.CrossGradientNorm = r.crossGrad.PenaltyNorm()
	}
	return stats, nil
}

// updateWeights refreshes the between-major-iteration constraint state:
// IRLS damping diagonals, clustering targets, ADMM projection and duals,
// and the cross-gradient linearization point.
func (r *Runner) updateWeights() {
	nLocal := r.part.LocalLen()
	for p, b := range r.phys {
		blk := r.model[p*nLocal : (p+1)*nLocal]
		if b.damping != nil {
			b.damping.Reweight(r.model)
		}
		if b.admm != nil {
			b.admm.Project(blk)
		}
	}
	for _, cl := range r.clustering {
		cl.Refresh(r.model)
	}
	if r.crossGrad != nil {
		r.crossGrad.Relinearize(r.model)
	}
}

// finish gathers the global model per physics, installs calculated data,
// and assembles the result. Physics with an ADMM constraint report the
// projected (feasible) model.
func (r *Runner) finish(history []MajorStats) (*Result, error) {
	nLocal := r.part.LocalLen()
	res := &Result{
		Models:          make(map[string][]float64),
		Calculated:      make(map[string][]float64),
		ResidualNorm:    r.state.ResidualNorm,
		Converged:       r.state.Converged,
		Diverged:        r.state.Diverged,
		MajorIterations: len(history),
		MinorIterations: r.state.Minor,
		History:         history,
	}
	for p, b := range r.phys {
		local := r.model[p*nLocal : (p+1)*nLocal]
		if b.admm != nil {
			local = b.admm.Feasible()
		}
		global, err := parallel.GatherSum(r.comm, r.part, local)
		if err != nil {
			return nil, err
		}
		res.Models[b.cfg.Name] = global
		if err := b.data.SetCalculated(b.calc); err != nil {
			return nil, err
		}
		res.Calculated[b.cfg.Name] = append([]float64(nil), b.calc...)
	}
	return res, nil
}

// forwardOnly computes calculated data from the starting model without
// building a sensitivity matrix.
func (r *Runner) forwardOnly() (*Result, error) {
	nLocal := r.part.LocalLen()
	res := &Result{
		Models:     make(map[string][]float64),
		Calculated: make(map[string][]float64),
		Converged:  true,
	}
	for p, b := range r.phys {
		local := r.model[p*nLocal : (p+1)*nLocal]
		calc, err := b.builder.ForwardOnly(r.comm, r.part, local)
		if err != nil {
			return nil, err
		}
		if err := b.data.SetCalculated(calc); err != nil {
			return nil, err
		}
		global, err := parallel.GatherSum(r.comm, r.part, local)
		if err != nil {
			return nil, err
		}
		res.Models[b.cfg.Name] = global
		res.Calculated[b.cfg.Name] = calc
	}
	return res, nil
}

// Data returns the dataset for the named physics, for output writing.
func (r *Runner) Data(name string) (*survey.DataSet, bool) {
	for _, b := range r.phys {
		if b.cfg.Name == name {
			return b.data, true
		}
	}
	return nil, false
}
