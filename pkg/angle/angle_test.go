package angle

import (
	"math"
	"testing"

	"github.com/biomech-labs/kneesync-go/pkg/quat"
	"github.com/stretchr/testify/assert"
)

func axisAngleQuat(axisX, axisY, axisZ, radians float64) quat.Quaternion {
	half := radians / 2
	s := math.Sin(half)
	return quat.Quaternion{W: math.Cos(half), X: axisX * s, Y: axisY * s, Z: axisZ * s}.Normalize()
}

func TestComputeIdentityIsZero(t *testing.T) {
	got := Compute(quat.Identity, quat.Identity, AxisY, DefaultCalibration)
	assert.InDelta(t, 0, got, 1e-6)
}

func TestComputeNinetyDegreeFlexion(t *testing.T) {
	proximal := quat.Identity
	distal := axisAngleQuat(1, 0, 0, math.Pi/2)

	got := Compute(proximal, distal, AxisY, DefaultCalibration)
	assert.InDelta(t, 90, math.Abs(got), 1e-3)
}

func TestComputeAppliesCalibration(t *testing.T) {
	proximal := quat.Identity
	distal := axisAngleQuat(1, 0, 0, math.Pi/2)

	raw := Compute(proximal, distal, AxisY, DefaultCalibration)
	cal := Calibration{OffsetDegrees: -raw, MultiplierDegrees: 2}
	got := Compute(proximal, distal, AxisY, cal)
	assert.InDelta(t, 0, got, 1e-6)
}

func TestComputeZeroMultiplierFallsBackToOne(t *testing.T) {
	got := Compute(quat.Identity, quat.Identity, AxisX, Calibration{MultiplierDegrees: 0})
	assert.InDelta(t, 0, got, 1e-6)
}
