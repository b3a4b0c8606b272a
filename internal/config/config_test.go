package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/biomech-labs/kneesync-go/pkg/angle"
	"github.com/biomech-labs/kneesync-go/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
target_hz: 60
min_rssi: -70
device_name_patterns:
  - "KneeSync"
reconnect:
  base_delay_ms: 250
  max_delay_ms: 4000
  multiplier: 2
  max_attempts: 6
watchdog:
  interval_ms: 500
  silence_threshold_ms: 2000
strategy:
  kind: sequential
  inter_connection_delay_ms: 150
joint:
  - name: left_knee
    proximal_device_id: left_thigh
    distal_device_id: left_shin
    axis: y
    offset_degrees: -5
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kneesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesRecognizedOptions(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.TargetHz)
	assert.Equal(t, -70, cfg.MinRSSI)
	assert.Equal(t, []string{"KneeSync"}, cfg.DeviceNamePatterns)
	assert.Equal(t, time.Duration(250), cfg.Reconnect.BaseDelayMs)
	assert.Equal(t, "sequential", cfg.Strategy.Kind)
	require.Len(t, cfg.Joints, 1)
	assert.Equal(t, "left_knee", cfg.Joints[0].Name)
}

func TestDefaultedFillsUnsetFields(t *testing.T) {
	cfg := Config{}.Defaulted()
	assert.Equal(t, DefaultTargetHz, cfg.TargetHz)
	assert.NotZero(t, cfg.MinRSSI)
	assert.NotEmpty(t, cfg.DeviceNamePatterns)
}

func TestReconnectParamsAppliesOverridesOnly(t *testing.T) {
	cfg := Config{Reconnect: ReconnectConfig{MaxAttempts: 9}}
	rc := cfg.ReconnectParams()
	assert.Equal(t, 9, rc.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, rc.BaseDelay) // default preserved
}

func TestJointConfigResolveAxisDefaultsToY(t *testing.T) {
	assert.Equal(t, angle.AxisY, JointConfig{Axis: ""}.ResolveAxis())
	assert.Equal(t, angle.AxisX, JointConfig{Axis: "X"}.ResolveAxis())
	assert.Equal(t, angle.AxisZ, JointConfig{Axis: "z"}.ResolveAxis())
}

func TestJointConfigResolveCalibrationDefaultsMultiplierToOne(t *testing.T) {
	cal := JointConfig{OffsetDegrees: 3}.ResolveCalibration()
	assert.Equal(t, 3.0, cal.OffsetDegrees)
	assert.Equal(t, 1.0, cal.MultiplierDegrees)
}

func TestResolveDeviceIDKnownNames(t *testing.T) {
	id, err := ResolveDeviceID("left_thigh")
	require.NoError(t, err)
	assert.Equal(t, device.LeftThigh, id)

	_, err = ResolveDeviceID("unknown_sensor")
	assert.Error(t, err)
}

func TestWatchFileReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)

	reloaded := make(chan Config, 1)
	w, err := WatchFile(path, func(cfg Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Stop()

	updated := strings.Replace(sampleYAML, "min_rssi: -70", "min_rssi: -60", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, -60, cfg.MinRSSI)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
