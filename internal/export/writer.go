// Package export writes run outputs: model volumes, calculated data,
// a convergence chart and model slice images.
package export

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/terralode/jointinv/internal/inversion"
	"github.com/terralode/jointinv/internal/mesh"
	"github.com/terralode/jointinv/internal/survey"
)

// WriteModel writes a per-cell model volume in the column format the
// model readers consume: one value per line in grid index order.
func WriteModel(path string, model []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, v := range model {
		fmt.Fprintf(w, "%.15g\n", v)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	return nil
}

// WriteModelCSV writes a model volume with cell-center coordinates, for
// loading into external visualization tools.
func WriteModelCSV(path string, grid mesh.Grid, model []float64) error {
	if len(model) != grid.NumCells() {
		return fmt.Errorf("export: model length %d does not match grid cells %d", len(model), grid.NumCells())
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "x,y,z,value")
	for i, v := range model {
		x, y, z := grid.Center(i)
		fmt.Fprintf(w, "%g,%g,%g,%.15g\n", x, y, z, v)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("export: write %s: %w", path, err)
	}
	return nil
}

// WriteAll writes the standard output set for a finished run under dir:
// per-physics final models, calculated data and the convergence chart.
func WriteAll(dir string, grid mesh.Grid, res *inversion.Result, data func(name string) (*survey.DataSet, bool)) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("export: create output dir: %w", err)
	}
	for name, model := range res.Models {
		if err := WriteModel(filepath.Join(dir, name+"_model.txt"), model); err != nil {
			return err
		}
		if err := WriteModelCSV(filepath.Join(dir, name+"_model.csv"), grid, model); err != nil {
			return err
		}
		ds, ok := data(name)
		if !ok {
			return fmt.Errorf("export: no dataset for physics %q", name)
		}
		if err := ds.WritePoints(filepath.Join(dir, name+"_calc.txt"), survey.Calculated); err != nil {
			return err
		}
		if err := ds.WriteCSV(filepath.Join(dir, name+"_calc.csv"), survey.Calculated); err != nil {
			return err
		}
	}
	if len(res.History) > 0 {
		if err := WriteConvergenceChart(filepath.Join(dir, "convergence.html"), res.History); err != nil {
			return err
		}
	}
	return nil
}
