// Command synthgen generates synthetic survey data for inversion tests:
// a block anomaly embedded in a uniform background, forward-modeled onto
// a regular observation grid.
package main

import (
	"flag"
	"log"
	"math/rand"
	"path/filepath"

	"gonum.org/v1/gonum/stat"

	"github.com/terralode/jointinv/internal/export"
	"github.com/terralode/jointinv/internal/kernel"
	"github.com/terralode/jointinv/internal/mesh"
	"github.com/terralode/jointinv/internal/parallel"
	"github.com/terralode/jointinv/internal/sensmat"
	"github.com/terralode/jointinv/internal/survey"
)

var (
	physics = flag.String("physics", "gravity", "Physics kind: gravity, magnetic or ect")
	outDir  = flag.String("out", ".", "Output directory")

	nx = flag.Int("nx", 20, "Grid cells in x")
	ny = flag.Int("ny", 20, "Grid cells in y")
	nz = flag.Int("nz", 10, "Grid cells in z")
	dx = flag.Float64("dx", 50, "Cell size in x (m)")
	dy = flag.Float64("dy", 50, "Cell size in y (m)")
	dz = flag.Float64("dz", 50, "Cell size in z (m)")

	obsNx     = flag.Int("obs-nx", 20, "Observation grid points in x")
	obsNy     = flag.Int("obs-ny", 20, "Observation grid points in y")
	obsHeight = flag.Float64("obs-height", 0, "Observation height above the surface (m)")

	anomaly    = flag.Float64("anomaly", 500, "Anomalous property value inside the block")
	background = flag.Float64("background", 0, "Background property value")
	noise      = flag.Float64("noise", 0, "Gaussian noise standard deviation added to the data")
	seed       = flag.Int64("seed", 1, "Noise random seed")

	inclination = flag.Float64("inclination", 75, "Field inclination (deg), magnetics only")
	declination = flag.Float64("declination", 25, "Field declination (deg), magnetics only")
	intensity   = flag.Float64("intensity", 50000, "Field intensity (nT), magnetics only")
)

func main() {
	flag.Parse()

	grid := mesh.Grid{
		Nx: *nx, Ny: *ny, Nz: *nz,
		Dx: *dx, Dy: *dy, Dz: *dz,
	}
	if err := grid.Validate(); err != nil {
		log.Fatalf("Invalid grid: %v", err)
	}

	field := kernel.MagneticField{
		Inclination: *inclination,
		Declination: *declination,
		Intensity:   *intensity,
	}
	phys, err := kernel.ForPhysics(*physics, field)
	if err != nil {
		log.Fatalf("Unknown physics: %v", err)
	}

	// Block anomaly spanning the central third of the grid, upper half
	// of the depth range.
	model := make([]float64, grid.NumCells())
	for i := range model {
		ix, iy, iz := grid.Coords(i)
		model[i] = *background
		if ix >= grid.Nx/3 && ix < 2*grid.Nx/3 &&
			iy >= grid.Ny/3 && iy < 2*grid.Ny/3 &&
			iz >= grid.Nz/4 && iz < grid.Nz/2 {
			model[i] = *anomaly
		}
	}

	ds := observationGrid(grid, *obsNx, *obsNy, *obsHeight)

	builder := &sensmat.Builder{
		Grid:            grid,
		Data:            ds,
		Physics:         phys,
		CompressionRate: 1,
	}
	part, err := parallel.NewPartition(grid.NumCells(), 1, 0)
	if err != nil {
		log.Fatalf("Partition failed: %v", err)
	}
	calc, err := builder.ForwardOnly(parallel.Serial(), part, model)
	if err != nil {
		log.Fatalf("Forward modeling failed: %v", err)
	}

	if *noise > 0 {
		rng := rand.New(rand.NewSource(*seed))
		for i := range calc {
			calc[i] += rng.NormFloat64() * *noise
		}
	}
	for i := range ds.Points {
		ds.Points[i].Measured = calc[i]
	}

	dataPath := filepath.Join(*outDir, *physics+"_data.txt")
	if err := ds.WritePoints(dataPath, survey.Measured); err != nil {
		log.Fatalf("Failed to write data: %v", err)
	}
	modelPath := filepath.Join(*outDir, *physics+"_true_model.txt")
	if err := export.WriteModel(modelPath, model); err != nil {
		log.Fatalf("Failed to write model: %v", err)
	}
	mean, std := stat.MeanStdDev(calc, nil)
	log.Printf("Wrote %d observations to %s (%s, mean %.4g, stddev %.4g), true model to %s",
		ds.Len(), dataPath, phys.Unit(), mean, std, modelPath)
}

// observationGrid lays out a regular grid of observation points centered
// over the model, at the given height above the surface (negative z is
// up).
func observationGrid(grid mesh.Grid, nx, ny int, height float64) *survey.DataSet {
	extentX := float64(grid.Nx) * grid.Dx
	extentY := float64(grid.Ny) * grid.Dy
	ds := &survey.DataSet{Points: make([]survey.DataPoint, 0, nx*ny)}
	for iy := 0; iy < ny; iy++ {
		for ix := 0; ix < nx; ix++ {
			ds.Points = append(ds.Points, survey.DataPoint{
				X: grid.X0 + (float64(ix)+0.5)*extentX/float64(nx),
				Y: grid.Y0 + (float64(iy)+0.5)*extentY/float64(ny),
				Z: grid.Z0 - height,
			})
		}
	}
	return ds
}
