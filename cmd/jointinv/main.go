// Command jointinv runs a joint potential-field inversion from a
// key=value parameter file and writes models, calculated data and run
// history.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/terralode/jointinv/internal/config"
	"github.com/terralode/jointinv/internal/export"
	"github.com/terralode/jointinv/internal/inversion"
	"github.com/terralode/jointinv/internal/mesh"
	"github.com/terralode/jointinv/internal/parallel"
	"github.com/terralode/jointinv/internal/store"
	"github.com/terralode/jointinv/internal/version"
)

var (
	configPath  = flag.String("config", "", "Parameter file (key = value lines)")
	ranks       = flag.Int("ranks", 1, "Number of solver ranks (domain partitions)")
	forwardOnly = flag.Bool("forward", false, "Forward-model the starting model and exit")
	outDir      = flag.String("out", "", "Output directory (overrides output.dir)")
	sliceLayer  = flag.Int("slice", -1, "Render a horizontal model slice PNG at this layer (-1 disables)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println("jointinv", version.String())
		return
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: jointinv -config <parameter file> [-ranks N]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := config.ParseFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *forwardOnly {
		cfg.ForwardOnly = true
	}
	if *outDir != "" {
		cfg.Output.Dir = *outDir
	}

	start := time.Now()
	res, runner, err := run(cfg, *ranks)
	if err != nil {
		log.Fatalf("Inversion failed: %v", err)
	}
	log.Printf("Run finished in %v: %d major / %d minor iterations, residual %.6e",
		time.Since(start).Round(time.Millisecond), res.MajorIterations, res.MinorIterations, res.ResidualNorm)
	switch {
	case res.Converged:
		log.Printf("Converged")
	case res.Diverged:
		log.Printf("Residual stopped decreasing; reporting last model")
	default:
		log.Printf("Major iteration cap reached without convergence")
	}

	grid := mesh.Grid{
		Nx: cfg.Grid.Nx, Ny: cfg.Grid.Ny, Nz: cfg.Grid.Nz,
		Dx: cfg.Grid.Dx, Dy: cfg.Grid.Dy, Dz: cfg.Grid.Dz,
		X0: cfg.Grid.X0, Y0: cfg.Grid.Y0, Z0: cfg.Grid.Z0,
	}
	if err := export.WriteAll(cfg.Output.Dir, grid, res, runner.Data); err != nil {
		log.Fatalf("Failed to write outputs: %v", err)
	}
	if *sliceLayer >= 0 {
		for name, model := range res.Models {
			path := fmt.Sprintf("%s/%s_slice_%02d.png", cfg.Output.Dir, name, *sliceLayer)
			if err := export.WriteSlicePNG(path, grid, model, *sliceLayer); err != nil {
				log.Fatalf("Failed to render model slice: %v", err)
			}
		}
	}

	if cfg.Output.StorePath != "" {
		if err := record(cfg, res, *ranks); err != nil {
			log.Fatalf("Failed to record run history: %v", err)
		}
	}
}

// run executes the inversion across ranks goroutine ranks and returns
// rank 0's result and runner.
func run(cfg *config.Config, ranks int) (*inversion.Result, *inversion.Runner, error) {
	if ranks < 1 {
		return nil, nil, fmt.Errorf("ranks must be at least 1, got %d", ranks)
	}
	comms := parallel.NewGroup(ranks)

	results := make([]*inversion.Result, ranks)
	runners := make([]*inversion.Runner, ranks)
	errs := make([]error, ranks)

	var wg sync.WaitGroup
	for rank := 0; rank < ranks; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			r, err := inversion.NewRunner(cfg, comms[rank])
			if err != nil {
				comms[rank].Abort(err)
				errs[rank] = err
				return
			}
			runners[rank] = r
			results[rank], errs[rank] = r.Run()
		}(rank)
	}
	wg.Wait()

	// Every rank that failed holds an error; rank 0's is the primary one
	// unless rank 0 only saw the abort ripple.
	for _, err := range errs {
		if err != nil && !errors.Is(err, parallel.ErrAborted) {
			return nil, nil, err
		}
	}
	if errs[0] != nil {
		return nil, nil, errs[0]
	}
	return results[0], runners[0], nil
}

// record persists the run and its per-iteration trajectory.
func record(cfg *config.Config, res *inversion.Result, ranks int) error {
	s, err := store.Open(cfg.Output.StorePath)
	if err != nil {
		return err
	}
	defer s.Close()

	names := make([]string, len(cfg.Physics))
	for i, p := range cfg.Physics {
		names[i] = p.Name
	}
	id, err := s.BeginRun(names, ranks, cfg.Grid.Nx*cfg.Grid.Ny*cfg.Grid.Nz)
	if err != nil {
		return err
	}
	for _, h := range res.History {
		err := s.RecordIteration(store.IterationRecord{
			RunID:             id,
			Major:             h.Major,
			MinorIterations:   h.MinorIterations,
			ResidualNorm:      h.ResidualNorm,
			CrossGradientNorm: h.CrossGradientNorm,
		})
		if err != nil {
			return err
		}
	}
	if err := s.FinishRun(id, res.Converged, res.Diverged, res.ResidualNorm, res.MajorIterations, res.MinorIterations); err != nil {
		return err
	}
	log.Printf("Recorded run %s in %s", id, cfg.Output.StorePath)
	return nil
}
