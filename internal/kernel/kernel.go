// Package kernel implements the closed-form forward kernels that map a unit
// physical-property change in one model cell to the predicted change at one
// observation point. Each supported physics (gravity, magnetics, ECT) is a
// Physics strategy sharing the same contract, so the sensitivity builder
// and solver never branch on the physics kind.
package kernel

import "fmt"

// Point is an observation position in grid coordinates. Z follows the mesh
// convention: positive downward, so airborne/surface observations sit at
// negative or zero Z above a model starting at Z >= 0.
type Point struct {
	X, Y, Z float64
}

// Prism is an axis-aligned model cell given by its bounds.
type Prism struct {
	X0, X1 float64
	Y0, Y1 float64
	Z0, Z1 float64
}

// Center returns the prism's center.
func (p Prism) Center() (x, y, z float64) {
	return 0.5 * (p.X0 + p.X1), 0.5 * (p.Y0 + p.Y1), 0.5 * (p.Z0 + p.Z1)
}

// Volume returns the prism's volume.
func (p Prism) Volume() float64 {
	return (p.X1 - p.X0) * (p.Y1 - p.Y0) * (p.Z1 - p.Z0)
}

// Physics computes the forward sensitivity of one observation to a unit
// property change in one cell. Implementations are stateless after
// construction and safe for concurrent use.
type Physics interface {
	// Name identifies the physics in configuration keys and log output.
	Name() string
	// Forward returns the sensitivity coefficient: the predicted datum
	// change at obs per unit property change in cell.
	Forward(cell Prism, obs Point) float64
	// Unit is the data unit the kernel produces per property unit, for
	// output headers and logs.
	Unit() string
}

// ForPhysics returns the Physics strategy registered under name. Magnetic
// field parameters are taken from mag; they are ignored for gravity/ECT.
func ForPhysics(name string, mag MagneticField) (Physics, error) {
	switch name {
	case "gravity", "grav":
		return Gravity{}, nil
	case "magnetic", "mag":
		return NewMagnetic(mag), nil
	case "ect":
		return ECT{}, nil
	}
	return nil, fmt.Errorf("kernel: unknown physics %q", name)
}
