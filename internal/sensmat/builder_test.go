package sensmat

import (
	"math"
	"testing"

	"github.com/terralode/jointinv/internal/kernel"
	"github.com/terralode/jointinv/internal/mesh"
	"github.com/terralode/jointinv/internal/parallel"
	"github.com/terralode/jointinv/internal/survey"
)

func testGrid() mesh.Grid {
	return mesh.Grid{
		Nx: 4, Ny: 4, Nz: 3,
		Dx: 25, Dy: 25, Dz: 20,
	}
}

func testData() *survey.DataSet {
	ds := &survey.DataSet{}
	for i := 0; i < 6; i++ {
		ds.Points = append(ds.Points, survey.DataPoint{
			X: float64(10 + 15*i), Y: 50, Z: -1, Measured: 1,
		})
	}
	return ds
}

func serialPartition(t *testing.T, grid mesh.Grid) parallel.Partition {
	t.Helper()
	p, err := parallel.NewPartition(grid.NumCells(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestBuildDenseMatchesKernel(t *testing.T) {
	grid := testGrid()
	ds := testData()
	b := &Builder{Grid: grid, Data: ds, Physics: kernel.Gravity{}, CompressionRate: 1}
	part := serialPartition(t, grid)

	m, err := b.Build(part)
	if err != nil {
		t.Fatal(err)
	}
	if m.NumRows != ds.Len() || m.LocalCols != grid.NumCells() {
		t.Fatalf("shape = %d×%d", m.NumRows, m.LocalCols)
	}

	// Spot-check entries against a direct kernel evaluation.
	g := kernel.Gravity{}
	for _, probe := range [][2]int{{0, 0}, {3, 17}, {5, grid.NumCells() - 1}} {
		i, j := probe[0], probe[1]
		p := ds.Points[i]
		x0, x1, y0, y1, z0, z1 := grid.Bounds(j)
		want := g.Forward(kernel.Prism{X0: x0, X1: x1, Y0: y0, Y1: y1, Z0: z0, Z1: z1},
			kernel.Point{X: p.X, Y: p.Y, Z: p.Z})
		if got := m.At(i, j); math.Abs(got-want) > 1e-15*math.Abs(want) {
			t.Errorf("At(%d,%d) = %g, want %g", i, j, got, want)
		}
	}
}

func TestBuildCompressionRate(t *testing.T) {
	grid := testGrid()
	ds := testData()
	part := serialPartition(t, grid)

	dense, err := (&Builder{Grid: grid, Data: ds, Physics: kernel.Gravity{}, CompressionRate: 1}).Build(part)
	if err != nil {
		t.Fatal(err)
	}
	const rate = 0.3
	sparse, err := (&Builder{Grid: grid, Data: ds, Physics: kernel.Gravity{}, CompressionRate: rate}).Build(part)
	if err != nil {
		t.Fatal(err)
	}

	total := dense.NNZ()
	kept := sparse.NNZ()
	want := int(math.Round(rate * float64(total)))
	// Magnitude ties at the threshold may keep a few extra entries.
	if kept < want || kept > want+ds.Len() {
		t.Errorf("kept %d of %d entries, target %d", kept, total, want)
	}

	// Every surviving entry must be present in the dense matrix with the
	// same value.
	for i := 0; i < sparse.NumRows; i++ {
		for j := 0; j < sparse.LocalCols; j++ {
			if v := sparse.At(i, j); v != 0 && v != dense.At(i, j) {
				t.Fatalf("entry (%d,%d) changed by pruning: %g vs %g", i, j, v, dense.At(i, j))
			}
		}
	}
}

func TestBuildTinyCompressionRate(t *testing.T) {
	// A rate whose target rounds to zero entries must still keep the
	// strongest one instead of indexing past the magnitude table.
	grid := mesh.Grid{Nx: 2, Ny: 2, Nz: 2, Dx: 10, Dy: 10, Dz: 10}
	ds := &survey.DataSet{Points: []survey.DataPoint{{X: 10, Y: 10, Z: -1, Measured: 1}}}
	part, err := parallel.NewPartition(grid.NumCells(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	m, err := (&Builder{Grid: grid, Data: ds, Physics: kernel.Gravity{}, CompressionRate: 0.01}).Build(part)
	if err != nil {
		t.Fatal(err)
	}
	if m.NNZ() < 1 {
		t.Fatalf("kept %d entries, want at least 1", m.NNZ())
	}

	// The survivors are the largest-magnitude dense entries.
	dense, err := (&Builder{Grid: grid, Data: ds, Physics: kernel.Gravity{}, CompressionRate: 1}).Build(part)
	if err != nil {
		t.Fatal(err)
	}
	var maxMag float64
	for j := 0; j < grid.NumCells(); j++ {
		if mag := math.Abs(dense.At(0, j)); mag > maxMag {
			maxMag = mag
		}
	}
	found := false
	for j := 0; j < grid.NumCells(); j++ {
		if math.Abs(m.At(0, j)) == maxMag {
			found = true
		}
	}
	if !found {
		t.Error("strongest entry was dropped")
	}
}

func TestBuildCutoffDistance(t *testing.T) {
	grid := testGrid()
	ds := testData()
	part := serialPartition(t, grid)

	const cutoff = 60.0
	m, err := (&Builder{Grid: grid, Data: ds, Physics: kernel.Gravity{}, CutoffDistance: cutoff, CompressionRate: 1}).Build(part)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < m.NumRows; i++ {
		p := ds.Points[i]
		for j := 0; j < m.LocalCols; j++ {
			cx, cy, cz := grid.Center(j)
			d := math.Sqrt((cx-p.X)*(cx-p.X) + (cy-p.Y)*(cy-p.Y) + (cz-p.Z)*(cz-p.Z))
			if d > cutoff && m.At(i, j) != 0 {
				t.Errorf("entry (%d,%d) at distance %g survived cutoff %g", i, j, d, cutoff)
			}
		}
	}
}

func TestBuildDepthWeighting(t *testing.T) {
	grid := testGrid()
	ds := testData()
	part := serialPartition(t, grid)

	b := &Builder{
		Grid: grid, Data: ds, Physics: kernel.Gravity{},
		Weighting:       kernel.DepthWeighting{Kind: kernel.WeightDepthPower, Beta: 2, Z0: 1},
		CompressionRate: 1,
	}
	m, err := b.Build(part)
	if err != nil {
		t.Fatal(err)
	}
	// Shallow columns carry larger weights than deep ones.
	shallow := m.ColWeight[grid.Index(0, 0, 0)]
	deep := m.ColWeight[grid.Index(0, 0, grid.Nz-1)]
	if shallow <= deep {
		t.Errorf("shallow weight %g not above deep weight %g", shallow, deep)
	}
	// Weighted and raw products differ exactly by ColWeight.
	x := make([]float64, m.LocalCols)
	for j := range x {
		x[j] = 1
	}
	weighted := make([]float64, m.NumRows)
	m.MatVec(weighted, x)
	for j := range x {
		x[j] = m.ColWeight[j]
	}
	raw := make([]float64, m.NumRows)
	m.MatVecRaw(raw, x)
	for i := range raw {
		if math.Abs(raw[i]-weighted[i]) > 1e-12*math.Abs(raw[i]) {
			t.Errorf("row %d: raw(W·1) = %g, weighted(1) = %g", i, raw[i], weighted[i])
		}
	}
}

func TestForwardOnlyMatchesMatVecRaw(t *testing.T) {
	grid := testGrid()
	ds := testData()
	part := serialPartition(t, grid)
	b := &Builder{Grid: grid, Data: ds, Physics: kernel.Gravity{}, CompressionRate: 1}

	m, err := b.Build(part)
	if err != nil {
		t.Fatal(err)
	}
	model := make([]float64, grid.NumCells())
	for j := range model {
		model[j] = float64(j%5) * 100
	}
	want := make([]float64, ds.Len())
	m.MatVecRaw(want, model)

	got, err := b.ForwardOnly(parallel.Serial(), part, model)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9*math.Abs(want[i]) {
			t.Errorf("datum %d: ForwardOnly %g, MatVecRaw %g", i, got[i], want[i])
		}
	}
}

func TestBuildErrors(t *testing.T) {
	grid := testGrid()
	part := serialPartition(t, grid)

	if _, err := (&Builder{Grid: grid, Data: &survey.DataSet{}, Physics: kernel.Gravity{}}).Build(part); err == nil {
		t.Error("empty dataset accepted")
	}
	if _, err := (&Builder{Grid: grid, Data: testData(), Physics: kernel.Gravity{}, CompressionRate: 1.5}).Build(part); err == nil {
		t.Error("compression rate above 1 accepted")
	}
	bad := grid
	bad.Nx = 0
	if _, err := (&Builder{Grid: bad, Data: testData(), Physics: kernel.Gravity{}}).Build(part); err == nil {
		t.Error("invalid grid accepted")
	}
}

func TestMatTransVecAdjoint(t *testing.T) {
	grid := testGrid()
	ds := testData()
	part := serialPartition(t, grid)
	m, err := (&Builder{Grid: grid, Data: ds, Physics: kernel.Gravity{},
		Weighting:       kernel.DepthWeighting{Kind: kernel.WeightDepthPower, Beta: 2, Z0: 5},
		CompressionRate: 1}).Build(part)
	if err != nil {
		t.Fatal(err)
	}

	// ⟨A·x, y⟩ must equal ⟨x, Aᵀ·y⟩ for the weighted products.
	x := make([]float64, m.LocalCols)
	y := make([]float64, m.NumRows)
	for j := range x {
		x[j] = math.Sin(float64(j))
	}
	for i := range y {
		y[i] = math.Cos(float64(i))
	}
	ax := make([]float64, m.NumRows)
	m.MatVec(ax, x)
	aty := make([]float64, m.LocalCols)
	m.MatTransVec(aty, y)

	var lhs, rhs float64
	for i := range y {
		lhs += ax[i] * y[i]
	}
	for j := range x {
		rhs += x[j] * aty[j]
	}
	if math.Abs(lhs-rhs) > 1e-12*math.Max(math.Abs(lhs), 1) {
		t.Errorf("adjoint identity broken: %g vs %g", lhs, rhs)
	}
}
