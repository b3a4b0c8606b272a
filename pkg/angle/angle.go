// Package angle implements AngleCalculator (spec §4.10): derives a joint
// flexion/rotation angle from a proximal/distal quaternion pair.
package angle

import (
	"math"

	"github.com/biomech-labs/kneesync-go/pkg/quat"
)

// Axis selects which rotation-matrix component pair the angle is extracted
// from (spec §4.10).
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

// Calibration applies a per-joint offset/multiplier after the raw angle is
// computed (spec §4.10: "(angle + offset) * multiplier").
type Calibration struct {
	OffsetDegrees     float64
	MultiplierDegrees float64
}

// DefaultCalibration is the identity calibration.
var DefaultCalibration = Calibration{OffsetDegrees: 0, MultiplierDegrees: 1}

// Compute derives the joint angle in degrees from a proximal/distal
// quaternion pair (spec §4.10). Ordering is an invariant resolved by the
// caller via device.ID's nibble encoding, not guessed here: this function
// takes the already-identified proximal and distal quaternions directly.
func Compute(proximal, distal quat.Quaternion, axis Axis, cal Calibration) float64 {
	qRel := proximal.Inverse().Mul(distal)
	m := qRel.ToMatrix3()

	var radians float64
	switch axis {
	case AxisY:
		radians = math.Atan2(m[5], m[4])
	case AxisX:
		radians = math.Atan2(m[2], m[0])
	case AxisZ:
		radians = math.Atan2(m[1], m[3])
	}

	degrees := radians * 180 / math.Pi
	if cal.MultiplierDegrees == 0 {
		cal.MultiplierDegrees = 1
	}
	return (degrees + cal.OffsetDegrees) * cal.MultiplierDegrees
}
