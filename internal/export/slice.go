package export

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/terralode/jointinv/internal/mesh"
)

// sliceGrid adapts one horizontal layer of a model volume to the plotter
// grid interface.
type sliceGrid struct {
	grid  mesh.Grid
	model []float64
	iz    int
}

func (g sliceGrid) Dims() (c, r int) { return g.grid.Nx, g.grid.Ny }

func (g sliceGrid) X(c int) float64 {
	x, _, _ := g.grid.Center(g.grid.Index(c, 0, g.iz))
	return x
}

func (g sliceGrid) Y(r int) float64 {
	_, y, _ := g.grid.Center(g.grid.Index(0, r, g.iz))
	return y
}

func (g sliceGrid) Z(c, r int) float64 {
	return g.model[g.grid.Index(c, r, g.iz)]
}

// WriteSlicePNG renders one horizontal model slice (layer iz, counted
// downward from the surface) as a heatmap image.
func WriteSlicePNG(path string, grid mesh.Grid, model []float64, iz int) error {
	if len(model) != grid.NumCells() {
		return fmt.Errorf("export: model length %d does not match grid cells %d", len(model), grid.NumCells())
	}
	if iz < 0 || iz >= grid.Nz {
		return fmt.Errorf("export: slice layer %d outside grid depth %d", iz, grid.Nz)
	}

	p := plot.New()
	_, _, z := grid.Center(grid.Index(0, 0, iz))
	p.Title.Text = fmt.Sprintf("Model slice at depth %.1f m", z)
	p.X.Label.Text = "Easting (m)"
	p.Y.Label.Text = "Northing (m)"

	pal := moreland.SmoothBlueRed().Palette(255)
	hm := plotter.NewHeatMap(sliceGrid{grid: grid, model: model, iz: iz}, pal)
	p.Add(hm)

	if err := p.Save(6*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("export: save slice image: %w", err)
	}
	return nil
}
