package constraint

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/terralode/jointinv/internal/mesh"
	"github.com/terralode/jointinv/internal/parallel"
)

func localPartition(t *testing.T, n int) parallel.Partition {
	t.Helper()
	p, err := parallel.NewPartition(n, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDampingApplyAndRHS(t *testing.T) {
	prior := []float64{10, 20, 30}
	d, err := NewDamping(0, 3, prior, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if d.Rows() != 3 {
		t.Fatalf("Rows() = %d", d.Rows())
	}

	x := []float64{1, 2, 3}
	dst := make([]float64, 3)
	d.Apply(dst, x)
	// √4 · x
	for i := range dst {
		if dst[i] != 2*x[i] {
			t.Errorf("Apply[%d] = %g, want %g", i, dst[i], 2*x[i])
		}
	}

	cur := []float64{12, 20, 25}
	d.RHS(dst, cur)
	want := []float64{2 * (10 - 12), 0, 2 * (30 - 25)}
	for i := range dst {
		if math.Abs(dst[i]-want[i]) > 1e-15 {
			t.Errorf("RHS[%d] = %g, want %g", i, dst[i], want[i])
		}
	}
}

func TestDampingReweight(t *testing.T) {
	d, err := NewDamping(0, 2, []float64{0, 0}, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	d.Reweight([]float64{4, 0.01})
	// p=1 IRLS diagonal shrinks for large residuals: |r|^(-1/2).
	y := make([]float64, 2)
	d.Apply(y, []float64{1, 1})
	if y[0] >= y[1] {
		t.Errorf("large-residual cell not downweighted: %g vs %g", y[0], y[1])
	}

	// Power 2 reweighting is a no-op.
	d2, _ := NewDamping(0, 2, nil, 1, 2)
	d2.Reweight([]float64{100, 200})
	d2.Apply(y, []float64{1, 1})
	if y[0] != 1 || y[1] != 1 {
		t.Errorf("power-2 diagonal changed: %v", y)
	}
}

func TestDampingErrors(t *testing.T) {
	if _, err := NewDamping(0, 2, nil, -1, 2); err == nil {
		t.Error("negative weight accepted")
	}
	if _, err := NewDamping(0, 2, nil, 1, 0); err == nil {
		t.Error("zero norm power accepted")
	}
	if _, err := NewDamping(0, 2, []float64{1}, 1, 2); err == nil {
		t.Error("prior length mismatch accepted")
	}
}

func TestSmoothnessZeroForConstantModel(t *testing.T) {
	grid := mesh.Grid{Nx: 3, Ny: 3, Nz: 2, Dx: 1, Dy: 1, Dz: 1}
	part := localPartition(t, grid.NumCells())
	s, err := NewSmoothness(grid, part, 0, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.Rows() == 0 {
		t.Fatal("no gradient pairs built")
	}

	x := make([]float64, grid.NumCells())
	for i := range x {
		x[i] = 7.5
	}
	dst := make([]float64, s.Rows())
	s.Apply(dst, x)
	for k, v := range dst {
		if v != 0 {
			t.Errorf("row %d = %g for constant model", k, v)
		}
	}
	// And the update target for a constant model is zero too.
	s.RHS(dst, x)
	for k, v := range dst {
		if v != 0 {
			t.Errorf("RHS row %d = %g for constant model", k, v)
		}
	}
}

func TestSmoothnessPenalizesJump(t *testing.T) {
	grid := mesh.Grid{Nx: 2, Ny: 1, Nz: 1, Dx: 2, Dy: 1, Dz: 1}
	part := localPartition(t, 2)
	s, err := NewSmoothness(grid, part, 0, 9, nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.Rows() != 1 {
		t.Fatalf("Rows() = %d, want 1", s.Rows())
	}
	dst := make([]float64, 1)
	s.Apply(dst, []float64{0, 4})
	// √9 · (1/2) · (4−0) = 6.
	if math.Abs(dst[0]-6) > 1e-15 {
		t.Errorf("Apply = %g, want 6", dst[0])
	}
}

func TestSmoothnessAdjoint(t *testing.T) {
	grid := mesh.Grid{Nx: 3, Ny: 2, Nz: 2, Dx: 1, Dy: 3, Dz: 5}
	part := localPartition(t, grid.NumCells())
	s, err := NewSmoothness(grid, part, 0, 2.5, nil)
	if err != nil {
		t.Fatal(err)
	}
	n := grid.NumCells()
	x := make([]float64, n)
	for i := range x {
		x[i] = math.Sin(float64(3 * i))
	}
	y := make([]float64, s.Rows())
	for k := range y {
		y[k] = math.Cos(float64(k))
	}
	lx := make([]float64, s.Rows())
	s.Apply(lx, x)
	lty := make([]float64, n)
	s.ApplyTranspose(lty, y)

	var lhs, rhs float64
	for k := range y {
		lhs += lx[k] * y[k]
	}
	for i := range x {
		rhs += x[i] * lty[i]
	}
	if math.Abs(lhs-rhs) > 1e-12 {
		t.Errorf("adjoint identity broken: %g vs %g", lhs, rhs)
	}
}

func TestCrossGradientZeroForParallelModels(t *testing.T) {
	grid := mesh.Grid{Nx: 4, Ny: 4, Nz: 3, Dx: 1, Dy: 1, Dz: 1}
	part := localPartition(t, grid.NumCells())
	n := grid.NumCells()

	cg, err := NewCrossGradient(grid, part, 0, n, 1, StencilForward)
	if err != nil {
		t.Fatal(err)
	}

	// m₂ = 3·m₁ + 5: gradients are parallel everywhere, so the
	// cross-gradient residual is exactly zero.
	x := make([]float64, 2*n)
	for i := 0; i < n; i++ {
		ix, iy, iz := grid.Coords(i)
		m1 := float64(ix) + 2*float64(iy) - float64(iz)
		x[i] = m1
		x[n+i] = 3*m1 + 5
	}
	cg.Relinearize(x)
	if norm := cg.PenaltyNorm(); norm > 1e-12 {
		t.Errorf("PenaltyNorm = %g for parallel models, want 0", norm)
	}
}

func TestCrossGradientNonzeroForCrossingModels(t *testing.T) {
	grid := mesh.Grid{Nx: 4, Ny: 4, Nz: 3, Dx: 1, Dy: 1, Dz: 1}
	part := localPartition(t, grid.NumCells())
	n := grid.NumCells()

	cg, err := NewCrossGradient(grid, part, 0, n, 1, StencilForward)
	if err != nil {
		t.Fatal(err)
	}
	// m₁ varies in x, m₂ in y: orthogonal gradients.
	x := make([]float64, 2*n)
	for i := 0; i < n; i++ {
		ix, iy, _ := grid.Coords(i)
		x[i] = float64(ix)
		x[n+i] = float64(iy)
	}
	cg.Relinearize(x)
	if norm := cg.PenaltyNorm(); norm == 0 {
		t.Error("PenaltyNorm = 0 for orthogonal gradients")
	}
}

func TestCrossGradientAdjoint(t *testing.T) {
	grid := mesh.Grid{Nx: 3, Ny: 3, Nz: 2, Dx: 1, Dy: 1, Dz: 1}
	part := localPartition(t, grid.NumCells())
	n := grid.NumCells()

	cg, err := NewCrossGradient(grid, part, 0, n, 2, StencilMixed)
	if err != nil {
		t.Fatal(err)
	}
	lin := make([]float64, 2*n)
	for i := range lin {
		lin[i] = math.Sin(float64(i) * 0.7)
	}
	cg.Relinearize(lin)

	x := make([]float64, 2*n)
	for i := range x {
		x[i] = math.Cos(float64(i) * 1.3)
	}
	y := make([]float64, cg.Rows())
	for k := range y {
		y[k] = math.Sin(float64(k) * 0.3)
	}
	ax := make([]float64, cg.Rows())
	cg.Apply(ax, x)
	aty := make([]float64, 2*n)
	cg.ApplyTranspose(aty, y)

	var lhs, rhs float64
	for k := range y {
		lhs += ax[k] * y[k]
	}
	for i := range x {
		rhs += x[i] * aty[i]
	}
	if math.Abs(lhs-rhs) > 1e-12 {
		t.Errorf("adjoint identity broken: %g vs %g", lhs, rhs)
	}
}

func TestParseStencil(t *testing.T) {
	tests := []struct {
		arg     string
		want    Stencil
		wantErr bool
	}{
		{"", StencilForward, false},
		{"forward", StencilForward, false},
		{"central", StencilCentral, false},
		{"mixed", StencilMixed, false},
		{"upwind", StencilForward, true},
	}
	for _, tt := range tests {
		got, err := ParseStencil(tt.arg)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStencil(%q) error = %v", tt.arg, err)
		}
		if got != tt.want {
			t.Errorf("ParseStencil(%q) = %v, want %v", tt.arg, got, tt.want)
		}
	}
}

func TestADMMProjectionWithinBounds(t *testing.T) {
	lower := []float64{0, 0, -1}
	upper := []float64{1, 2, 1}
	a, err := NewADMM(0, lower, upper, 1)
	if err != nil {
		t.Fatal(err)
	}

	model := []float64{-5, 1.5, 10}
	for iter := 0; iter < 5; iter++ {
		z := a.Project(model)
		for i := range z {
			if z[i] < lower[i] || z[i] > upper[i] {
				t.Fatalf("iter %d: z[%d] = %g outside [%g, %g]", iter, i, z[i], lower[i], upper[i])
			}
		}
	}
	// In-bounds values with a zero dual are untouched.
	b, _ := NewADMM(0, lower, upper, 1)
	z := b.Project([]float64{0.5, 1, 0})
	want := []float64{0.5, 1, 0}
	for i := range z {
		if z[i] != want[i] {
			t.Errorf("z[%d] = %g, want %g", i, z[i], want[i])
		}
	}
}

func TestCellBounds(t *testing.T) {
	bounds := [][2]float64{{0, 1}, {10, 20}}
	lower, upper, err := CellBounds([]int{0, 1, 1, 0}, bounds)
	if err != nil {
		t.Fatal(err)
	}
	wantLo := []float64{0, 10, 10, 0}
	wantHi := []float64{1, 20, 20, 1}
	for i := range lower {
		if lower[i] != wantLo[i] || upper[i] != wantHi[i] {
			t.Errorf("cell %d bounds = [%g, %g], want [%g, %g]", i, lower[i], upper[i], wantLo[i], wantHi[i])
		}
	}
	if _, _, err := CellBounds([]int{2}, bounds); err == nil {
		t.Error("out-of-range lithology class accepted")
	}
}

func TestClusteringRefreshPicksNearestComponent(t *testing.T) {
	comps := []MixtureComponent{
		{Proportion: 0.5, Mean: []float64{0, 0}, Sigma: []float64{1, 1}},
		{Proportion: 0.5, Mean: []float64{100, 50}, Sigma: []float64{1, 1}},
	}
	const nLocal = 2
	offsets := []int{0, nLocal}
	cl, err := NewClustering(offsets, 0, nLocal, comps, 1, nil, false)
	if err != nil {
		t.Fatal(err)
	}

	// Cell 0 sits near component 0, cell 1 near component 1.
	x := []float64{1, 98, 0.5, 49}
	cl.Refresh(x)

	dst := make([]float64, nLocal)
	cl.RHS(dst, x)
	// Pull targets are the component means for physics 0: 0 and 100.
	if math.Abs(dst[0]-(0-1)) > 1e-15 {
		t.Errorf("RHS[0] = %g, want %g", dst[0], 0.0-1)
	}
	if math.Abs(dst[1]-(100-98)) > 1e-15 {
		t.Errorf("RHS[1] = %g, want %g", dst[1], 100.0-98)
	}
}

func TestClusteringLogDomain(t *testing.T) {
	comps := []MixtureComponent{
		{Proportion: 1, Mean: []float64{100}, Sigma: []float64{0.5}},
	}
	cl, err := NewClustering([]int{0}, 0, 1, comps, 1, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	cl.Refresh([]float64{10})
	dst := make([]float64, 1)
	cl.RHS(dst, []float64{10})
	// Target is the mean mapped through the log domain and back: 100.
	if math.Abs(dst[0]-90) > 1e-9 {
		t.Errorf("RHS = %g, want 90", dst[0])
	}
}

func writeTable(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMixtureFile(t *testing.T) {
	path := writeTable(t, "mix.txt", "# proportion means sigmas\n0.4 2670 0.01 150 0.005\n0.6 3100 0.05 200 0.02\n")
	comps, err := LoadMixtureFile(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(comps) != 2 {
		t.Fatalf("len = %d", len(comps))
	}
	c := comps[1]
	if c.Proportion != 0.6 || c.Mean[0] != 3100 || c.Mean[1] != 0.05 || c.Sigma[0] != 200 || c.Sigma[1] != 0.02 {
		t.Errorf("component 1 = %+v", c)
	}

	bad := writeTable(t, "bad.txt", "0.4 2670 150\n")
	if _, err := LoadMixtureFile(bad, 2); err == nil {
		t.Error("short record accepted")
	}
}

func TestLoadBoundsFile(t *testing.T) {
	path := writeTable(t, "bounds.txt", "0 500\n-100 100\n")
	bounds, err := LoadBoundsFile(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	if bounds[1] != [2]float64{-100, 100} {
		t.Errorf("bounds[1] = %v", bounds[1])
	}
	if _, err := LoadBoundsFile(path, 3); err == nil {
		t.Error("count mismatch accepted")
	}
}

func TestLoadLithologyAndCellWeights(t *testing.T) {
	lith, err := LoadLithologyFile(writeTable(t, "lith.txt", "0 1 1\n0\n"), 4)
	if err != nil {
		t.Fatal(err)
	}
	if lith[1] != 1 || lith[3] != 0 {
		t.Errorf("lith = %v", lith)
	}
	if _, err := LoadLithologyFile(writeTable(t, "short.txt", "0 1\n"), 4); err == nil {
		t.Error("short lithology table accepted")
	}

	w, err := LoadCellWeights(writeTable(t, "w.txt", "1 0.5\n0.25 2\n"), 4)
	if err != nil {
		t.Fatal(err)
	}
	if w[2] != 0.25 {
		t.Errorf("w = %v", w)
	}
}
