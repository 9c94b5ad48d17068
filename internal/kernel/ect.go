package kernel

import "math"

// ECT is a simplified electrical-capacitance-tomography kernel: the
// sensitivity of an electrode pair's capacitance to the permittivity of a
// cell falls off with the fourth power of the distance from the pair's
// midpoint (the product of the two electrode-to-cell field decays). The
// observation point carries the pair midpoint; the leading constants are
// folded into a unit normalization, so the kernel is relative rather than
// absolute, which is adequate for inversion since the data are scaled the
// same way.
type ECT struct{}

// Name implements Physics.
func (ECT) Name() string { return "ect" }

// Unit implements Physics.
func (ECT) Unit() string { return "normalized capacitance per permittivity" }

// Forward implements Physics.
func (ECT) Forward(cell Prism, obs Point) float64 {
	cx, cy, cz := cell.Center()
	rx := cx - obs.X
	ry := cy - obs.Y
	rz := cz - obs.Z
	r2 := rx*rx + ry*ry + rz*rz
	if r2 == 0 {
		// Observation inside the cell: clamp to the cell's own scale so the
		// kernel stays finite.
		r2 = math.Pow(cell.Volume(), 2.0/3.0) / 4
	}
	return cell.Volume() / (2 * math.Pi * r2 * r2)
}
