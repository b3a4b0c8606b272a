// Package config loads and hot-reloads the daemon's YAML configuration
// (spec §6): scan/device-matching tunables, per-subsystem timing knobs, and
// the joint definitions describing which device pairs form a measured
// joint.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/biomech-labs/kneesync-go/pkg/angle"
	"github.com/biomech-labs/kneesync-go/pkg/datasync"
	"github.com/biomech-labs/kneesync-go/pkg/device"
	"github.com/biomech-labs/kneesync-go/pkg/reconnect"
	"github.com/biomech-labs/kneesync-go/pkg/strategy"
	"github.com/biomech-labs/kneesync-go/pkg/watchdog"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// reloadDebounce coalesces bursts of filesystem events (editors that write
// via a temp-file-then-rename, multiple near-simultaneous writes) into one
// reload.
const reloadDebounce = 500 * time.Millisecond

// DefaultTargetHz is the InterpolationEngine's default output rate
// (spec §6: "target_hz (default 100)").
const DefaultTargetHz = 100

// ReconnectConfig mirrors spec §6's reconnect block.
type ReconnectConfig struct {
	BaseDelayMs time.Duration `yaml:"base_delay_ms"`
	MaxDelayMs  time.Duration `yaml:"max_delay_ms"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxAttempts int           `yaml:"max_attempts"`
}

func (c ReconnectConfig) toReconnect() reconnect.Config {
	cfg := reconnect.DefaultConfig()
	if c.BaseDelayMs > 0 {
		cfg.BaseDelay = c.BaseDelayMs * time.Millisecond
	}
	if c.MaxDelayMs > 0 {
		cfg.MaxDelay = c.MaxDelayMs * time.Millisecond
	}
	if c.Multiplier > 0 {
		cfg.Multiplier = c.Multiplier
	}
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	return cfg
}

// WatchdogConfig mirrors spec §6's watchdog block.
type WatchdogConfig struct {
	IntervalMs         time.Duration `yaml:"interval_ms"`
	SilenceThresholdMs time.Duration `yaml:"silence_threshold_ms"`
}

// JointConfig mirrors spec §6's joint block.
type JointConfig struct {
	Name              string  `yaml:"name"`
	ProximalDeviceID  string  `yaml:"proximal_device_id"`
	DistalDeviceID    string  `yaml:"distal_device_id"`
	Axis              string  `yaml:"axis"`
	OffsetDegrees     float64 `yaml:"offset_degrees"`
	MultiplierDegrees float64 `yaml:"multiplier_degrees"`
}

// ResolveAxis parses the configured axis letter ("x"/"y"/"z"), defaulting to
// AxisY for an empty or unrecognized value.
func (j JointConfig) ResolveAxis() angle.Axis {
	switch strings.ToLower(j.Axis) {
	case "x":
		return angle.AxisX
	case "z":
		return angle.AxisZ
	default:
		return angle.AxisY
	}
}

// ResolveCalibration builds the joint's angle.Calibration, defaulting an
// unset multiplier to 1 (spec §4.11 / DefaultCalibration).
func (j JointConfig) ResolveCalibration() angle.Calibration {
	cal := angle.Calibration{OffsetDegrees: j.OffsetDegrees, MultiplierDegrees: j.MultiplierDegrees}
	if cal.MultiplierDegrees == 0 {
		cal.MultiplierDegrees = 1
	}
	return cal
}

// ResolveDeviceID maps a configured device_id string (the spec's fixed
// identity names) to a device.ID.
func ResolveDeviceID(name string) (device.ID, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "left_shin":
		return device.LeftShin, nil
	case "left_thigh":
		return device.LeftThigh, nil
	case "right_shin":
		return device.RightShin, nil
	case "right_thigh":
		return device.RightThigh, nil
	default:
		return 0, fmt.Errorf("config: unrecognized device_id %q", name)
	}
}

// StrategyConfig mirrors spec §6's strategy block.
type StrategyConfig struct {
	Kind                       string        `yaml:"kind"`
	InterConnectionDelayMs     time.Duration `yaml:"inter_connection_delay_ms"`
	StateVerificationTimeoutMs time.Duration `yaml:"state_verification_timeout_ms"`
	ConnectionTimeoutMs        time.Duration `yaml:"connection_timeout_ms"`
	MaxRetries                 int           `yaml:"max_retries"`
	RetryDelayMs               time.Duration `yaml:"retry_delay_ms"`
}

func (c StrategyConfig) toStrategy() strategy.Config {
	cfg := strategy.DefaultConfig()
	if c.Kind != "" {
		cfg.Kind = c.Kind
	}
	if c.InterConnectionDelayMs > 0 {
		cfg.InterConnectionDelay = c.InterConnectionDelayMs * time.Millisecond
	}
	if c.StateVerificationTimeoutMs > 0 {
		cfg.StateVerificationTimeout = c.StateVerificationTimeoutMs * time.Millisecond
	}
	if c.ConnectionTimeoutMs > 0 {
		cfg.ConnectionTimeout = c.ConnectionTimeoutMs * time.Millisecond
	}
	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	if c.RetryDelayMs > 0 {
		cfg.RetryDelay = c.RetryDelayMs * time.Millisecond
	}
	return cfg
}

// Config is the daemon's full recognized configuration (spec §6).
type Config struct {
	TargetHz           int             `yaml:"target_hz"`
	ScanBurstGapMs     time.Duration   `yaml:"scan_burst_gap_ms"`
	MinRSSI            int             `yaml:"min_rssi"`
	DeviceNamePatterns []string        `yaml:"device_name_patterns"`
	Reconnect          ReconnectConfig `yaml:"reconnect"`
	Watchdog           WatchdogConfig  `yaml:"watchdog"`
	Joints             []JointConfig   `yaml:"joint"`
	Strategy           StrategyConfig  `yaml:"strategy"`
}

// Defaulted returns a copy of c with TargetHz, MinRSSI and
// DeviceNamePatterns replaced by their documented defaults when unset
// (spec §6). The reconnect, watchdog and strategy blocks are resolved by
// their *Params accessors instead.
func (c Config) Defaulted() Config {
	if c.TargetHz == 0 {
		c.TargetHz = DefaultTargetHz
	}
	if c.MinRSSI == 0 {
		c.MinRSSI = -80
	}
	if len(c.DeviceNamePatterns) == 0 {
		c.DeviceNamePatterns = []string{"KneeSync"}
	}
	return c
}

// ReconnectParams returns the resolved reconnect.Config.
func (c Config) ReconnectParams() reconnect.Config { return c.Reconnect.toReconnect() }

// WatchdogParams returns the resolved watchdog sweep interval and silence
// threshold, defaulting to watchdog.DefaultInterval and 3s respectively when
// unset.
func (c Config) WatchdogParams() (interval, silenceThreshold time.Duration) {
	interval = c.Watchdog.IntervalMs * time.Millisecond
	if interval == 0 {
		interval = watchdog.DefaultInterval
	}
	silenceThreshold = c.Watchdog.SilenceThresholdMs * time.Millisecond
	if silenceThreshold == 0 {
		silenceThreshold = 3 * time.Second
	}
	return interval, silenceThreshold
}

// StrategyParams returns the resolved strategy.Config.
func (c Config) StrategyParams() strategy.Config { return c.Strategy.toStrategy() }

// DataSyncParams returns datasync's default timeouts; spec §6 does not name
// per-config overrides for them, so these are fixed at datasync's own
// sensible defaults.
func (c Config) DataSyncParams() datasync.Config { return datasync.DefaultConfig() }

// Load reads and parses the YAML file at path, applying defaults.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg.Defaulted(), nil
}

// OnChange is invoked with the freshly reloaded Config whenever the watched
// file changes.
type OnChange func(Config)

// Watcher hot-reloads a Config file on write, debouncing bursts of
// filesystem events the way the pack's own kubeconfig watcher does.
type Watcher struct {
	path     string
	onChange OnChange
	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatchFile starts watching path for changes, calling onChange with each
// successfully reloaded Config. Parse errors are logged and the previous
// configuration is left in effect.
func WatchFile(path string, onChange OnChange) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := dirOf(path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{path: path, onChange: onChange, fsw: fsw, stopCh: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, filenameOf(w.path)) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(reloadDebounce)
			timerCh = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("config: watcher error")

		case <-timerCh:
			timerCh = nil
			cfg, err := Load(w.path)
			if err != nil {
				log.WithError(err).Warn("config: reload failed, keeping previous configuration")
				continue
			}
			if w.onChange != nil {
				w.onChange(cfg)
			}
		}
	}
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.fsw.Close()
	})
}

func dirOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

func filenameOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}
