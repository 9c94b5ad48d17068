package kernel

import "math"

// gravConst is the Newtonian gravitational constant in SI units.
const gravConst = 6.67430e-11

// si2mGal converts m/s² to milligal, the conventional unit for gravity
// anomaly data.
const si2mGal = 1e5

// Gravity is the vertical-component gravity kernel for a right rectangular
// prism of unit density contrast (kg/m³), producing mGal per (kg/m³).
//
// The closed form is the classic corner-sum expression for the vertical
// attraction of a prism (Nagy's formula): summing over the eight corners
// with alternating signs of
//
//	x·ln(y+r) + y·ln(x+r) − z·atan2(x·y, z·r)
type Gravity struct{}

// Name implements Physics.
func (Gravity) Name() string { return "gravity" }

// Unit implements Physics.
func (Gravity) Unit() string { return "mGal per kg/m³" }

// Forward implements Physics. Coordinates are formed relative to the
// observation point; Z is positive downward so a cell below the observer
// has positive dz.
func (Gravity) Forward(cell Prism, obs Point) float64 {
	dx := [2]float64{cell.X0 - obs.X, cell.X1 - obs.X}
	dy := [2]float64{cell.Y0 - obs.Y, cell.Y1 - obs.Y}
	dz := [2]float64{cell.Z0 - obs.Z, cell.Z1 - obs.Z}

	var sum float64
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			for k := 0; k < 2; k++ {
				x, y, z := dx[i], dy[j], dz[k]
				r := math.Sqrt(x*x + y*y + z*z)
				sign := 1.0
				if (i+j+k)%2 == 1 {
					sign = -1.0
				}
				sum += sign * prismCorner(x, y, z, r)
			}
		}
	}
	return gravConst * sum * si2mGal
}

func prismCorner(x, y, z, r float64) float64 {
	var t float64
	if r+y > 0 {
		t += x * math.Log(r+y)
	}
	if r+x > 0 {
		t += y * math.Log(r+x)
	}
	t -= z * math.Atan2(x*y, z*r)
	return t
}
