package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/terralode/jointinv/internal/constraint"
	"github.com/terralode/jointinv/internal/inversion"
	"github.com/terralode/jointinv/internal/mesh"
	"github.com/terralode/jointinv/internal/survey"
)

func testGrid() mesh.Grid {
	return mesh.Grid{
		Nx: 2, Ny: 2, Nz: 2,
		Dx: 10, Dy: 10, Dz: 5,
		X0: 0, Y0: 0, Z0: 0,
	}
}

func TestWriteModelRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.txt")
	model := []float64{0, 1.5, -2.25, 0.001, 100, 2.625, 7, 8}
	if err := WriteModel(path, model); err != nil {
		t.Fatalf("WriteModel: %v", err)
	}

	// Written models must load back through the same reader the engine
	// uses for start and prior model files.
	got, err := constraint.LoadPriorModel(path, len(model))
	if err != nil {
		t.Fatalf("LoadPriorModel: %v", err)
	}
	for i := range model {
		if got[i] != model[i] {
			t.Errorf("cell %d: got %g want %g", i, got[i], model[i])
		}
	}
}

func TestWriteModelCSV(t *testing.T) {
	grid := testGrid()
	path := filepath.Join(t.TempDir(), "model.csv")
	model := make([]float64, grid.NumCells())
	for i := range model {
		model[i] = float64(i)
	}
	if err := WriteModelCSV(path, grid, model); err != nil {
		t.Fatalf("WriteModelCSV: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if want := grid.NumCells() + 1; len(lines) != want {
		t.Fatalf("got %d lines, want %d", len(lines), want)
	}
	if lines[0] != "x,y,z,value" {
		t.Errorf("header = %q", lines[0])
	}
	// Cell 0 centers at (5, 5, 2.5).
	if lines[1] != "5,5,2.5,0" {
		t.Errorf("first row = %q", lines[1])
	}
}

func TestWriteModelCSVLengthMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.csv")
	if err := WriteModelCSV(path, testGrid(), make([]float64, 3)); err == nil {
		t.Fatal("expected error for model/grid length mismatch")
	}
}

func TestWriteConvergenceChart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "convergence.html")
	history := []inversion.MajorStats{
		{Major: 1, ResidualNorm: 1.0, CrossGradientNorm: 0.5},
		{Major: 2, ResidualNorm: 0.4, CrossGradientNorm: 0.2},
		{Major: 3, ResidualNorm: 0.1, CrossGradientNorm: 0.05},
	}
	if err := WriteConvergenceChart(path, history); err != nil {
		t.Fatalf("WriteConvergenceChart: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	html := string(data)
	for _, want := range []string{"data residual", "cross-gradient norm", "Convergence history"} {
		if !strings.Contains(html, want) {
			t.Errorf("chart output missing %q", want)
		}
	}
}

func TestWriteSlicePNGBounds(t *testing.T) {
	grid := testGrid()
	dir := t.TempDir()
	model := make([]float64, grid.NumCells())

	if err := WriteSlicePNG(filepath.Join(dir, "bad.png"), grid, model, grid.Nz); err == nil {
		t.Error("expected error for layer index past grid depth")
	}
	if err := WriteSlicePNG(filepath.Join(dir, "bad.png"), grid, model, -1); err == nil {
		t.Error("expected error for negative layer index")
	}
	if err := WriteSlicePNG(filepath.Join(dir, "bad.png"), grid, model[:3], 0); err == nil {
		t.Error("expected error for model/grid length mismatch")
	}
}

func TestWriteSlicePNG(t *testing.T) {
	grid := testGrid()
	model := make([]float64, grid.NumCells())
	for i := range model {
		model[i] = float64(i % 3)
	}
	path := filepath.Join(t.TempDir(), "slice.png")
	if err := WriteSlicePNG(path, grid, model, 1); err != nil {
		t.Fatalf("WriteSlicePNG: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() == 0 {
		t.Error("slice image is empty")
	}
}

func TestWriteAll(t *testing.T) {
	grid := testGrid()
	dir := filepath.Join(t.TempDir(), "out")

	ds := &survey.DataSet{Points: []survey.DataPoint{
		{X: 5, Y: 5, Z: -1, Measured: 1.0},
		{X: 15, Y: 5, Z: -1, Measured: 2.0},
	}}
	if err := ds.SetCalculated([]float64{0.9, 2.1}); err != nil {
		t.Fatal(err)
	}

	model := make([]float64, grid.NumCells())
	for i := range model {
		model[i] = float64(i) * 10
	}
	res := &inversion.Result{
		Models: map[string][]float64{"gravity": model},
		History: []inversion.MajorStats{
			{Major: 1, ResidualNorm: 0.5},
		},
	}
	data := func(name string) (*survey.DataSet, bool) {
		if name == "gravity" {
			return ds, true
		}
		return nil, false
	}

	if err := WriteAll(dir, grid, res, data); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	for _, name := range []string{
		"gravity_model.txt", "gravity_model.csv",
		"gravity_calc.txt", "gravity_calc.csv",
		"convergence.html",
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing output %s: %v", name, err)
		}
	}
}

func TestWriteAllMissingDataSet(t *testing.T) {
	res := &inversion.Result{Models: map[string][]float64{"gravity": make([]float64, 8)}}
	data := func(string) (*survey.DataSet, bool) { return nil, false }
	if err := WriteAll(filepath.Join(t.TempDir(), "out"), testGrid(), res, data); err == nil {
		t.Fatal("expected error when dataset lookup fails")
	}
}
