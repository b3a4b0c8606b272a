// Package joint implements JointProcessor (spec §4.11): drives angle
// calculation for one configured joint from paired device orientation
// updates, and fans the result out to subscribers and the recording path.
package joint

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/biomech-labs/kneesync-go/pkg/angle"
	"github.com/biomech-labs/kneesync-go/pkg/device"
	"github.com/biomech-labs/kneesync-go/pkg/interp"
)

// DecimalPrecision is the number of fractional digits JointAngleSample
// values are rounded to (spec §4.11).
const DecimalPrecision = 2

// Config names the two devices forming a joint and how to derive its angle
// (spec §6: joint{name, proximal_device_id, distal_device_id, axis,
// calibration}).
type Config struct {
	Name        string
	ProximalID  device.ID
	DistalID    device.ID
	Axis        angle.Axis
	Calibration angle.Calibration
}

// JointAngleSample is one computed, calibrated, rounded joint reading
// (spec §4.11).
type JointAngleSample struct {
	JointName string
	AngleDeg  float64
	Timestamp time.Time
}

// Subscriber receives every computed JointAngleSample.
type Subscriber func(JointAngleSample)

// RecordingSink receives samples while a recording is open; wired to
// *recording.Buffer by the Coordinator.
type RecordingSink func(JointAngleSample)

// Processor maintains the latest known orientation for a joint's two
// devices and recomputes the joint angle as each one updates
// (spec §4.11: "stamps the result with the triggering sample's timestamp,
// not max across devices").
type Processor struct {
	cfg Config

	mu      sync.Mutex
	latest  map[device.ID]interp.Snapshot
	subs    []Subscriber
	sink    RecordingSink
	sinkMu  sync.Mutex
	enabled bool
}

// New returns a Processor for cfg.
func New(cfg Config) *Processor {
	return &Processor{cfg: cfg, latest: make(map[device.ID]interp.Snapshot)}
}

// Subscribe registers fn to receive every future JointAngleSample.
func (p *Processor) Subscribe(fn Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
}

// SetRecordingSink installs (or clears, with nil) the sink samples are
// pushed to while recording is active.
func (p *Processor) SetRecordingSink(sink RecordingSink) {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	p.sink = sink
}

// Process updates the joint's knowledge of one device's orientation and,
// once both devices have reported at least once, recomputes and fans out
// the joint angle (spec §4.11). Returns the computed sample, or false if
// fewer than both configured devices have reported yet.
func (p *Processor) Process(s interp.Snapshot) (JointAngleSample, bool) {
	if s.DeviceID != p.cfg.ProximalID && s.DeviceID != p.cfg.DistalID {
		return JointAngleSample{}, false
	}

	p.mu.Lock()
	p.latest[s.DeviceID] = s
	proximal, hasProximal := p.latest[p.cfg.ProximalID]
	distal, hasDistal := p.latest[p.cfg.DistalID]
	subs := append([]Subscriber{}, p.subs...)
	p.mu.Unlock()

	if !hasProximal || !hasDistal {
		return JointAngleSample{}, false
	}

	raw := angle.Compute(proximal.Quaternion, distal.Quaternion, p.cfg.Axis, p.cfg.Calibration)
	result := JointAngleSample{
		JointName: p.cfg.Name,
		AngleDeg:  round(raw, DecimalPrecision),
		Timestamp: s.Timestamp, // the triggering sample, not max(proximal, distal)
	}

	for _, fn := range subs {
		fn(result)
	}

	p.sinkMu.Lock()
	sink := p.sink
	p.sinkMu.Unlock()
	if sink != nil {
		sink(result)
	}

	return result, true
}

func round(v float64, precision int) float64 {
	factor := math.Pow(10, float64(precision))
	return math.Round(v*factor) / factor
}

// String renders cfg for logging/diagnostics.
func (c Config) String() string {
	return fmt.Sprintf("%s(%s/%s)", c.Name, c.ProximalID, c.DistalID)
}
