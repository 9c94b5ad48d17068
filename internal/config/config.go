// Package config defines the inversion run configuration and its flat
// key=value surface. The engine consumes a map[string]string produced by
// an external parser; a small line-oriented reader for `key = value` files
// is provided for the CLI and tests.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/terralode/jointinv/internal/kernel"
)

// GridConfig sizes the model grid the inversion consumes.
type GridConfig struct {
	Nx, Ny, Nz int
	Dx, Dy, Dz float64
	X0, Y0, Z0 float64
}

// PhysicsConfig configures one physics's data, prior, weighting and
// per-physics constraints.
type PhysicsConfig struct {
	// Name is the physics kind: gravity, magnetic or ect.
	Name string

	DataFile string
	NData    int

	// Prior (reference) model: a fixed value or a per-cell file. A
	// non-empty PriorFile wins over PriorValue.
	PriorValue float64
	PriorFile  string
	// Starting model, same convention.
	StartValue float64
	StartFile  string

	// Depth weighting.
	DepthWeightType string // none|depth|sensitivity|integrated
	DepthWeightBeta float64
	DepthWeightZ0   float64

	// Joint-problem weighting.
	ProblemWeight    float64
	ColumnMultiplier float64
	// NSinglePhysics runs this many single-physics major iterations
	// before joint weighting resumes.
	NSinglePhysics int

	// Damping toward the prior.
	DampingWeight    float64
	DampingNormPower float64

	// Gradient damping (smoothness). WeightType local reads a per-cell
	// weight table from SmoothWeightFile.
	SmoothWeight     float64
	SmoothWeightType string // global|local
	SmoothWeightFile string

	// ADMM bound constraint for this physics.
	ADMMWeight     float64
	ADMMBoundsFile string
}

// MagneticFieldConfig carries the ambient-field constants for magnetics.
type MagneticFieldConfig struct {
	Inclination          float64
	Declination          float64
	Intensity            float64
	ReferenceDeclination float64
}

// CompressionConfig bounds sensitivity-matrix compression.
type CompressionConfig struct {
	// Distance is the source-to-cell cutoff beyond which entries are
	// exact zero. Zero disables the cutoff.
	Distance float64
	// Rate is the target fraction of entries retained; 1.0 is dense.
	Rate float64
}

// SolverConfig bounds the nested iteration loops.
type SolverConfig struct {
	Method           string // lsqr
	NMajorIterations int
	NMinorIterations int
	MinResidual      float64
	SoftThreshold    float64
}

// CrossGradientConfig configures the structural coupling between the
// first two active physics.
type CrossGradientConfig struct {
	Weight float64
	// Iterations is the method-of-weights re-estimation count within one
	// major iteration.
	Iterations int
	Stencil    string // forward|central|mixed
}

// ClusteringConfig configures the petrophysical clustering constraint.
type ClusteringConfig struct {
	Weight         float64
	NClusters      int
	MixtureFile    string
	CellWeightFile string
	Domain         string // linear|log
	Scope          string // global|local
}

// ADMMConfig enables the bound/lithology constraint.
type ADMMConfig struct {
	Enabled       bool
	NLithologies  int
	LithologyFile string
}

// OutputConfig locates run outputs.
type OutputConfig struct {
	Dir string
	// StorePath is the run-history database; empty disables persistence.
	StorePath string
}

// Config is the full run configuration.
type Config struct {
	Grid          GridConfig
	Physics       []PhysicsConfig
	MagneticField MagneticFieldConfig
	Compression   CompressionConfig
	Solver        SolverConfig
	CrossGradient CrossGradientConfig
	Clustering    ClusteringConfig
	ADMM          ADMMConfig
	Output        OutputConfig

	// ForwardOnly computes calculated data from the starting model and
	// writes it out without building a sensitivity matrix or inverting.
	ForwardOnly bool
}

// DefaultConfig returns a Config with the solver and compression defaults
// applied; physics blocks are added by the key=value surface.
func DefaultConfig() *Config {
	return &Config{
		Compression: CompressionConfig{Rate: 1.0},
		Solver: SolverConfig{
			Method:           "lsqr",
			NMajorIterations: 10,
			NMinorIterations: 100,
			MinResidual:      1e-13,
		},
		CrossGradient: CrossGradientConfig{Iterations: 1, Stencil: "forward"},
		Clustering:    ClusteringConfig{Domain: "linear", Scope: "global"},
		Output:        OutputConfig{Dir: "output"},
	}
}

// MagneticKernelField converts the configured constants to the kernel's
// field parameters.
func (c *Config) MagneticKernelField() kernel.MagneticField {
	return kernel.MagneticField{
		Inclination:          c.MagneticField.Inclination,
		Declination:          c.MagneticField.Declination,
		Intensity:            c.MagneticField.Intensity,
		ReferenceDeclination: c.MagneticField.ReferenceDeclination,
	}
}

// Validate checks cross-field consistency. It mirrors the fatal
// configuration error category: any failure here aborts the run.
func (c *Config) Validate() error {
	g := c.Grid
	if g.Nx < 1 || g.Ny < 1 || g.Nz < 1 {
		return fmt.Errorf("config: grid dimensions %dx%dx%d must be positive", g.Nx, g.Ny, g.Nz)
	}
	if g.Dx <= 0 || g.Dy <= 0 || g.Dz <= 0 {
		return fmt.Errorf("config: grid spacings (%g, %g, %g) must be positive", g.Dx, g.Dy, g.Dz)
	}
	if len(c.Physics) == 0 {
		return fmt.Errorf("config: at least one physics block is required")
	}
	seen := map[string]bool{}
	for i := range c.Physics {
		p := &c.Physics[i]
		switch p.Name {
		case "gravity", "magnetic", "ect":
		default:
			return fmt.Errorf("config: unknown physics %q", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: physics %q configured twice", p.Name)
		}
		seen[p.Name] = true
		if p.DataFile == "" {
			return fmt.Errorf("config: physics %s has no data file", p.Name)
		}
		if p.NData <= 0 {
			return fmt.Errorf("config: physics %s has ndata %d", p.Name, p.NData)
		}
		if p.DampingWeight < 0 || p.SmoothWeight < 0 || p.ProblemWeight < 0 || p.ADMMWeight < 0 {
			return fmt.Errorf("config: physics %s has a negative weight", p.Name)
		}
		if p.SmoothWeightType == "local" && p.SmoothWeightFile == "" {
			return fmt.Errorf("config: physics %s requests local smoothness weights without a file", p.Name)
		}
		if _, err := kernel.ParseWeightingKind(p.DepthWeightType); err != nil {
			return err
		}
	}
	if r := c.Compression.Rate; r <= 0 || r > 1 {
		return fmt.Errorf("config: compression rate %g outside (0, 1]", r)
	}
	if c.Solver.Method != "lsqr" {
		return fmt.Errorf("config: unknown solver %q", c.Solver.Method)
	}
	if c.Solver.NMajorIterations < 1 || c.Solver.NMinorIterations < 1 {
		return fmt.Errorf("config: iteration caps must be positive, got major=%d minor=%d",
			c.Solver.NMajorIterations, c.Solver.NMinorIterations)
	}
	if c.CrossGradient.Weight < 0 || c.Clustering.Weight < 0 {
		return fmt.Errorf("config: constraint weights must be non-negative")
	}
	if c.CrossGradient.Weight > 0 && len(c.Physics) < 2 {
		return fmt.Errorf("config: cross-gradient coupling requires two physics")
	}
	if c.Clustering.Weight > 0 {
		if c.Clustering.MixtureFile == "" {
			return fmt.Errorf("config: clustering requires a mixture file")
		}
		if c.Clustering.NClusters < 1 {
			return fmt.Errorf("config: clustering cluster count %d", c.Clustering.NClusters)
		}
		if c.Clustering.Scope == "local" && c.Clustering.CellWeightFile == "" {
			return fmt.Errorf("config: local clustering scope requires a cell weight file")
		}
		switch c.Clustering.Domain {
		case "linear", "log":
		default:
			return fmt.Errorf("config: unknown clustering domain %q", c.Clustering.Domain)
		}
	}
	if c.ADMM.Enabled {
		if c.ADMM.NLithologies < 1 {
			return fmt.Errorf("config: ADMM enabled with %d lithologies", c.ADMM.NLithologies)
		}
		if c.ADMM.LithologyFile == "" {
			return fmt.Errorf("config: ADMM enabled without a lithology file")
		}
		for i := range c.Physics {
			if c.Physics[i].ADMMWeight > 0 && c.Physics[i].ADMMBoundsFile == "" {
				return fmt.Errorf("config: physics %s has an ADMM weight but no bounds file", c.Physics[i].Name)
			}
		}
	}
	return nil
}

// kv tracks typed reads from the flat key set and collects errors, so
// FromMap reports the first bad key instead of panicking mid-parse.
type kv struct {
	m    map[string]string
	used map[string]bool
	err  error
}

func (r *kv) str(key, def string) string {
	if v, ok := r.m[key]; ok {
		r.used[key] = true
		return v
	}
	return def
}

func (r *kv) intval(key string, def int) int {
	v, ok := r.m[key]
	if !ok {
		return def
	}
	r.used[key] = true
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("config: key %s: bad integer %q", key, v)
	}
	return n
}

func (r *kv) float(key string, def float64) float64 {
	v, ok := r.m[key]
	if !ok {
		return def
	}
	r.used[key] = true
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("config: key %s: bad number %q", key, v)
	}
	return f
}

func (r *kv) boolean(key string, def bool) bool {
	v, ok := r.m[key]
	if !ok {
		return def
	}
	r.used[key] = true
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("config: key %s: bad boolean %q", key, v)
	}
	return b
}

// FromMap builds and validates a Config from the flat key=value set.
// Unknown keys are an error: silently ignoring a misspelled weight key
// would change the inversion result without a trace.
func FromMap(m map[string]string) (*Config, error) {
	r := &kv{m: m, used: make(map[string]bool)}
	c := DefaultConfig()

	c.Grid = GridConfig{
		Nx: r.intval("grid.nx", 0), Ny: r.intval("grid.ny", 0), Nz: r.intval("grid.nz", 0),
		Dx: r.float("grid.dx", 0), Dy: r.float("grid.dy", 0), Dz: r.float("grid.dz", 0),
		X0: r.float("grid.x0", 0), Y0: r.float("grid.y0", 0), Z0: r.float("grid.z0", 0),
	}

	for _, name := range []string{"gravity", "magnetic", "ect"} {
		if _, ok := m[name+".dataFile"]; !ok {
			continue
		}
		p := PhysicsConfig{
			Name:             name,
			DataFile:         r.str(name+".dataFile", ""),
			NData:            r.intval(name+".ndata", 0),
			PriorValue:       r.float(name+".priorValue", 0),
			PriorFile:        r.str(name+".priorFile", ""),
			StartValue:       r.float(name+".startValue", 0),
			StartFile:        r.str(name+".startFile", ""),
			DepthWeightType:  r.str(name+".depthWeightType", "none"),
			DepthWeightBeta:  r.float(name+".depthWeightBeta", 2),
			DepthWeightZ0:    r.float(name+".depthWeightZ0", 0),
			ProblemWeight:    r.float(name+".problemWeight", 1),
			ColumnMultiplier: r.float(name+".columnMultiplier", 1),
			NSinglePhysics:   r.intval(name+".nSinglePhysics", 0),
			DampingWeight:    r.float(name+".dampingWeight", 0),
			DampingNormPower: r.float(name+".dampingNormPower", 2),
			SmoothWeight:     r.float(name+".smoothWeight", 0),
			SmoothWeightType: r.str(name+".smoothWeightType", "global"),
			SmoothWeightFile: r.str(name+".smoothWeightFile", ""),
			ADMMWeight:       r.float(name+".admmWeight", 0),
			ADMMBoundsFile:   r.str(name+".admmBoundsFile", ""),
		}
		c.Physics = append(c.Physics, p)
	}

	c.MagneticField = MagneticFieldConfig{
		Inclination:          r.float("magnetic.inclination", 90),
		Declination:          r.float("magnetic.declination", 0),
		Intensity:            r.float("magnetic.intensity", 50000),
		ReferenceDeclination: r.float("magnetic.referenceDeclination", 0),
	}

	c.Compression.Distance = r.float("compression.distance", 0)
	c.Compression.Rate = r.float("compression.rate", c.Compression.Rate)

	c.Solver.Method = r.str("solver.method", c.Solver.Method)
	c.Solver.NMajorIterations = r.intval("solver.nMajorIterations", c.Solver.NMajorIterations)
	c.Solver.NMinorIterations = r.intval("solver.nMinorIterations", c.Solver.NMinorIterations)
	c.Solver.MinResidual = r.float("solver.minResidual", c.Solver.MinResidual)
	c.Solver.SoftThreshold = r.float("solver.softThreshold", 0)

	c.CrossGradient.Weight = r.float("crossGradient.weight", 0)
	c.CrossGradient.Iterations = r.intval("crossGradient.iterations", c.CrossGradient.Iterations)
	c.CrossGradient.Stencil = r.str("crossGradient.stencil", c.CrossGradient.Stencil)

	c.Clustering.Weight = r.float("clustering.weight", 0)
	c.Clustering.NClusters = r.intval("clustering.nClusters", 0)
	c.Clustering.MixtureFile = r.str("clustering.mixtureFile", "")
	c.Clustering.CellWeightFile = r.str("clustering.cellWeightFile", "")
	c.Clustering.Domain = r.str("clustering.domain", c.Clustering.Domain)
	c.Clustering.Scope = r.str("clustering.scope", c.Clustering.Scope)

	c.ADMM.Enabled = r.boolean("admm.enabled", false)
	c.ADMM.NLithologies = r.intval("admm.nLithologies", 0)
	c.ADMM.LithologyFile = r.str("admm.lithologyFile", "")

	c.Output.Dir = r.str("output.dir", c.Output.Dir)
	c.Output.StorePath = r.str("output.storePath", "")
	c.ForwardOnly = r.boolean("run.forwardOnly", false)

	if r.err != nil {
		return nil, r.err
	}
	var unknown []string
	for k := range m {
		if !r.used[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("config: unknown keys: %s", strings.Join(unknown, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
