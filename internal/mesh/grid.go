// Package mesh holds the regular 3-D model grid the inversion operates on.
// The grid is an input: mesh construction and geometry generation happen
// upstream, the engine only consumes cell positions and adjacency.
package mesh

import "fmt"

// Grid is a regular 3-D grid of Nx×Ny×Nz cells. X and Y are horizontal
// axes, Z increases downward from Z0 at the top of the model. Cell (0,0,0)
// has its corner at (X0, Y0, Z0).
//
// Linear cell indices run x-fastest: idx = ix + Nx*(iy + Ny*iz).
type Grid struct {
	Nx, Ny, Nz int
	Dx, Dy, Dz float64
	X0, Y0, Z0 float64
}

// Validate checks the grid dimensions and spacings.
func (g Grid) Validate() error {
	if g.Nx < 1 || g.Ny < 1 || g.Nz < 1 {
		return fmt.Errorf("mesh: non-positive grid dimensions %dx%dx%d", g.Nx, g.Ny, g.Nz)
	}
	if g.Dx <= 0 || g.Dy <= 0 || g.Dz <= 0 {
		return fmt.Errorf("mesh: non-positive cell spacing (%g, %g, %g)", g.Dx, g.Dy, g.Dz)
	}
	return nil
}

// NumCells returns the total cell count Nx*Ny*Nz.
func (g Grid) NumCells() int { return g.Nx * g.Ny * g.Nz }

// Index converts (ix, iy, iz) to the linear cell index.
func (g Grid) Index(ix, iy, iz int) int {
	return ix + g.Nx*(iy+g.Ny*iz)
}

// Coords converts a linear cell index back to (ix, iy, iz).
func (g Grid) Coords(idx int) (ix, iy, iz int) {
	ix = idx % g.Nx
	iy = (idx / g.Nx) % g.Ny
	iz = idx / (g.Nx * g.Ny)
	return ix, iy, iz
}

// Center returns the center coordinates of the cell with linear index idx.
func (g Grid) Center(idx int) (x, y, z float64) {
	ix, iy, iz := g.Coords(idx)
	x = g.X0 + (float64(ix)+0.5)*g.Dx
	y = g.Y0 + (float64(iy)+0.5)*g.Dy
	z = g.Z0 + (float64(iz)+0.5)*g.Dz
	return x, y, z
}

// Bounds returns the axis-aligned bounds of cell idx.
func (g Grid) Bounds(idx int) (x0, x1, y0, y1, z0, z1 float64) {
	ix, iy, iz := g.Coords(idx)
	x0 = g.X0 + float64(ix)*g.Dx
	y0 = g.Y0 + float64(iy)*g.Dy
	z0 = g.Z0 + float64(iz)*g.Dz
	return x0, x0 + g.Dx, y0, y0 + g.Dy, z0, z0 + g.Dz
}

// CellVolume returns the volume of a single cell.
func (g Grid) CellVolume() float64 { return g.Dx * g.Dy * g.Dz }

// Neighbor returns the linear index of the cell one step along the given
// axis (0=x, 1=y, 2=z) in the given direction (+1 or -1), or -1 when the
// step leaves the grid.
func (g Grid) Neighbor(idx, axis, dir int) int {
	ix, iy, iz := g.Coords(idx)
	switch axis {
	case 0:
		ix += dir
		if ix < 0 || ix >= g.Nx {
			return -1
		}
	case 1:
		iy += dir
		if iy < 0 || iy >= g.Ny {
			return -1
		}
	case 2:
		iz += dir
		if iz < 0 || iz >= g.Nz {
			return -1
		}
	default:
		return -1
	}
	return g.Index(ix, iy, iz)
}

// Spacing returns the cell spacing along the given axis.
func (g Grid) Spacing(axis int) float64 {
	switch axis {
	case 0:
		return g.Dx
	case 1:
		return g.Dy
	default:
		return g.Dz
	}
}
