// Package timesync implements TimeSyncEstimator (spec §4.4): NTP-style
// round-trip sampling against a device's onboard clock, and the manager
// loop that drives it per device and reports progress through a callback.
package timesync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/biomech-labs/kneesync-go/internal/kerrors"
	log "github.com/sirupsen/logrus"
)

// RecommendedSamples is the number of RTT rounds the estimator recommends;
// fewer is accepted but logged as a warning (spec §4.4).
const RecommendedSamples = 50

// retainFraction is the fraction of lowest-RTT samples kept before taking
// the median offset (spec §4.4).
const retainFraction = 0.8

// Sample is one round-trip measurement against the device clock.
type Sample struct {
	T1       time.Time // host_clock_before_write
	T2Ms     uint64    // device_timestamp_from_response
	T3       time.Time // host_clock_after_read
	RTTMs    int64
	OffsetMs float64
}

// Estimator collects Samples and computes a robust clock offset.
type Estimator struct {
	mu      sync.Mutex
	samples []Sample
}

// NewEstimator returns an empty Estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// AddSample records one round-trip measurement (spec §4.4). t1 and t3 are
// host-clock readings bracketing the TIMESYNC_READ_CLOCK exchange; t2Ms is
// the device-reported millisecond counter from its response.
func (e *Estimator) AddSample(t1, t3 time.Time, t2Ms uint64) {
	rtt := t3.Sub(t1).Milliseconds()
	mid := float64(t1.UnixMilli()+t3.UnixMilli()) / 2
	offset := float64(t2Ms) - mid

	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = append(e.samples, Sample{T1: t1, T2Ms: t2Ms, T3: t3, RTTMs: rtt, OffsetMs: offset})
}

// Count returns the number of samples collected so far.
func (e *Estimator) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.samples)
}

// ComputeOffset sorts samples by RTT ascending, keeps the best
// floor(0.8*N) (at least one), and returns the median of their offsets in
// milliseconds (spec §4.4). Errors if no samples were collected.
func (e *Estimator) ComputeOffset() (int64, error) {
	e.mu.Lock()
	samples := append([]Sample{}, e.samples...)
	e.mu.Unlock()

	if len(samples) == 0 {
		return 0, fmt.Errorf("%w: no time-sync samples collected", kerrors.ErrSyncFailed)
	}
	if len(samples) < RecommendedSamples {
		log.WithField("samples", len(samples)).Warn("timesync: fewer than recommended samples collected")
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].RTTMs < samples[j].RTTMs })

	keep := int(float64(len(samples)) * retainFraction)
	if keep < 1 {
		keep = 1
	}
	best := samples[:keep]

	offsets := make([]float64, len(best))
	for i, s := range best {
		offsets[i] = s.OffsetMs
	}
	sort.Float64s(offsets)

	return int64(median(offsets)), nil
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// ClockReader performs the single TIMESYNC_READ_CLOCK exchange; satisfied
// by *session.DeviceSession.
type ClockReader interface {
	ReadDeviceClock(ctx context.Context) (uint64, error)
}

// ProgressFunc reports (sample_index, total) as the round loop runs
// (spec §4.4).
type ProgressFunc func(sampleIndex, total int)

// Run drives `total` write-and-wait rounds against reader, recording each
// as a Sample, then returns the estimator's computed offset. The caller is
// responsible for publishing the final offset to StateStore; Run only
// reports live (index, total) progress via onProgress.
func Run(ctx context.Context, reader ClockReader, total int, onProgress ProgressFunc) (int64, error) {
	if total <= 0 {
		total = RecommendedSamples
	}
	est := NewEstimator()

	for i := 0; i < total; i++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		t1 := time.Now()
		t2, err := reader.ReadDeviceClock(ctx)
		t3 := time.Now()
		if err != nil {
			log.WithError(err).Warn("timesync: round failed, skipping sample")
			continue
		}
		est.AddSample(t1, t3, t2)

		if onProgress != nil {
			onProgress(i+1, total)
		}
	}

	return est.ComputeOffset()
}
