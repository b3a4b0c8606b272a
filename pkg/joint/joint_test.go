package joint

import (
	"sync"
	"testing"
	"time"

	"github.com/biomech-labs/kneesync-go/pkg/angle"
	"github.com/biomech-labs/kneesync-go/pkg/device"
	"github.com/biomech-labs/kneesync-go/pkg/interp"
	"github.com/biomech-labs/kneesync-go/pkg/quat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kneeConfig() Config {
	return Config{
		Name:        "left_knee",
		ProximalID:  device.LeftThigh,
		DistalID:    device.LeftShin,
		Axis:        angle.AxisY,
		Calibration: angle.DefaultCalibration,
	}
}

func TestProcessRequiresBothDevices(t *testing.T) {
	p := New(kneeConfig())
	_, ok := p.Process(interp.Snapshot{DeviceID: device.LeftThigh, Quaternion: quat.Identity, Timestamp: time.Now()})
	assert.False(t, ok)
}

func TestProcessComputesOnSecondDevice(t *testing.T) {
	p := New(kneeConfig())
	t1 := time.Now()
	t2 := t1.Add(10 * time.Millisecond)

	p.Process(interp.Snapshot{DeviceID: device.LeftThigh, Quaternion: quat.Identity, Timestamp: t1})
	result, ok := p.Process(interp.Snapshot{DeviceID: device.LeftShin, Quaternion: quat.Identity, Timestamp: t2})

	require.True(t, ok)
	assert.InDelta(t, 0, result.AngleDeg, 1e-6)
	assert.Equal(t, t2, result.Timestamp) // triggering sample's timestamp, not max
}

func TestProcessIgnoresUnrelatedDevice(t *testing.T) {
	p := New(kneeConfig())
	_, ok := p.Process(interp.Snapshot{DeviceID: device.RightThigh, Quaternion: quat.Identity, Timestamp: time.Now()})
	assert.False(t, ok)
}

func TestProcessFansOutToSubscribersAndSink(t *testing.T) {
	p := New(kneeConfig())

	var mu sync.Mutex
	var subSamples, sinkSamples []JointAngleSample
	p.Subscribe(func(s JointAngleSample) {
		mu.Lock()
		subSamples = append(subSamples, s)
		mu.Unlock()
	})
	p.SetRecordingSink(func(s JointAngleSample) {
		mu.Lock()
		sinkSamples = append(sinkSamples, s)
		mu.Unlock()
	})

	now := time.Now()
	p.Process(interp.Snapshot{DeviceID: device.LeftThigh, Quaternion: quat.Identity, Timestamp: now})
	p.Process(interp.Snapshot{DeviceID: device.LeftShin, Quaternion: quat.Identity, Timestamp: now})

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, subSamples, 1)
	assert.Len(t, sinkSamples, 1)
}

func TestRoundToDecimalPrecision(t *testing.T) {
	assert.Equal(t, 1.23, round(1.2345, 2))
	assert.Equal(t, -1.23, round(-1.2345, 2))
}
