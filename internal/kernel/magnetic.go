package kernel

import "math"

// MagneticField describes the ambient geomagnetic field and the survey
// reference frame. Angles are degrees; Intensity is in nanotesla.
type MagneticField struct {
	// Inclination of the ambient field, positive downward.
	Inclination float64
	// Declination of the ambient field, east of the reference axis.
	Declination float64
	// Intensity of the ambient field in nT.
	Intensity float64
	// ReferenceDeclination is the declination of the survey's X axis
	// (grid north) east of true north. The field direction is rotated
	// into grid coordinates by subtracting it.
	ReferenceDeclination float64
}

// Magnetic is the total-field magnetic anomaly kernel for a cell with unit
// susceptibility (SI), under purely induced magnetization. Each cell is
// collapsed to a dipole at its center with moment χ·V·H₀, which is the
// standard voxel approximation for cells small relative to their distance
// from the sensor. The anomaly is the projection of the dipole field onto
// the ambient field direction:
//
//	ΔT = (B₀·V·χ / 4π) · (3(f̂·r̂)² − 1) / r³
//
// in nT per SI susceptibility unit.
type Magnetic struct {
	field MagneticField
	// f is the unit vector of the ambient field in grid coordinates
	// (x = grid north, y = grid east, z = down).
	fx, fy, fz float64
}

// NewMagnetic builds the magnetic kernel for the given ambient field.
func NewMagnetic(field MagneticField) Magnetic {
	inc := field.Inclination * math.Pi / 180
	dec := (field.Declination - field.ReferenceDeclination) * math.Pi / 180
	return Magnetic{
		field: field,
		fx:    math.Cos(inc) * math.Cos(dec),
		fy:    math.Cos(inc) * math.Sin(dec),
		fz:    math.Sin(inc),
	}
}

// Name implements Physics.
func (Magnetic) Name() string { return "magnetic" }

// Unit implements Physics.
func (Magnetic) Unit() string { return "nT per SI susceptibility" }

// Field returns the ambient field parameters the kernel was built with.
func (m Magnetic) Field() MagneticField { return m.field }

// Forward implements Physics.
func (m Magnetic) Forward(cell Prism, obs Point) float64 {
	cx, cy, cz := cell.Center()
	rx := cx - obs.X
	ry := cy - obs.Y
	rz := cz - obs.Z
	r2 := rx*rx + ry*ry + rz*rz
	if r2 == 0 {
		return 0
	}
	r := math.Sqrt(r2)
	// f̂·r̂ with r̂ the unit vector from observer to cell.
	fr := (m.fx*rx + m.fy*ry + m.fz*rz) / r
	return m.field.Intensity * cell.Volume() / (4 * math.Pi) * (3*fr*fr - 1) / (r2 * r)
}
