package kernel

import (
	"fmt"
	"math"
)

// WeightingKind selects how sensitivity columns are normalized to
// compensate for the decay of potential-field sensitivity with depth.
type WeightingKind int

const (
	// WeightNone applies no depth weighting.
	WeightNone WeightingKind = iota
	// WeightDepthPower uses the power-law weight W(z) = 1/(z+z0)^(β/2).
	WeightDepthPower
	// WeightSensitivity normalizes each column by its own sensitivity
	// magnitude (the Euclidean norm of the column).
	WeightSensitivity
	// WeightIntegratedSensitivity normalizes by the square root of the
	// column's absolute sensitivity integral (sum of |entries|).
	WeightIntegratedSensitivity
)

// ParseWeightingKind maps a configuration string to a WeightingKind.
func ParseWeightingKind(s string) (WeightingKind, error) {
	switch s {
	case "", "none":
		return WeightNone, nil
	case "depth", "power":
		return WeightDepthPower, nil
	case "sensitivity":
		return WeightSensitivity, nil
	case "integrated":
		return WeightIntegratedSensitivity, nil
	}
	return WeightNone, fmt.Errorf("kernel: unknown depth weighting %q", s)
}

// DepthWeighting holds the depth-weighting selection and its power-law
// parameters for one physics.
type DepthWeighting struct {
	Kind WeightingKind
	// Beta is the power-law exponent β; 2 is the classic potential-field
	// choice (sensitivity decays as 1/z² for gravity).
	Beta float64
	// Z0 offsets the depth so the weight stays finite at the surface.
	Z0 float64
}

// DepthWeight returns the power-law weight for a cell center depth. It is
// only meaningful for WeightDepthPower; column-derived weightings are
// computed by the sensitivity builder, which owns the columns.
func (w DepthWeighting) DepthWeight(z float64) float64 {
	if w.Kind != WeightDepthPower {
		return 1
	}
	d := z + w.Z0
	if d <= 0 {
		d = w.Z0
		if d <= 0 {
			return 1
		}
	}
	return 1 / math.Pow(d, w.Beta/2)
}
