// Package interp implements InterpolationEngine (spec §4.9): a shared-grid
// SLERP aligner that turns independently-clocked per-device quaternion
// streams into synchronized multi-device snapshots.
package interp

import (
	"sort"
	"sync"
	"time"

	"github.com/biomech-labs/kneesync-go/pkg/device"
	"github.com/biomech-labs/kneesync-go/pkg/quat"
)

// DefaultMaxBufferSize bounds each device's sample buffer (spec §4.9:
// "must not grow without bound").
const DefaultMaxBufferSize = 256

// DefaultProcessedWindow bounds how many grid points are remembered for
// dedup before the oldest are evicted (spec §4.9).
const DefaultProcessedWindow = 512

// sample is one buffered (quaternion, host-clock timestamp) reading.
type sample struct {
	ts time.Time
	q  quat.Quaternion
}

// Snapshot is one device's interpolated orientation at a grid point.
type Snapshot struct {
	DeviceID   device.ID
	Quaternion quat.Quaternion
	Timestamp  time.Time
}

// Emit delivers one grid point's multi-device snapshot collection
// (spec §4.9).
type Emit func(gridT time.Time, snapshots []Snapshot)

// Engine holds the per-device buffers and grid bookkeeping.
type Engine struct {
	interval time.Duration
	origin   time.Time
	maxBuf   int
	maxGrid  int
	emit     Emit

	mu             sync.Mutex
	buffers        map[device.ID][]sample
	processed      map[int64]struct{}
	processedOrder []int64
}

// New constructs an Engine. targetHz sets grid_interval = 1000/targetHz ms;
// the grid origin is aligned to the next interval boundary after now (spec
// §4.9).
func New(targetHz int, emit Emit) *Engine {
	if targetHz <= 0 {
		targetHz = 100
	}
	interval := time.Duration(1000/targetHz) * time.Millisecond

	now := time.Now()
	origin := now.Truncate(interval)
	if origin.Before(now) {
		origin = origin.Add(interval)
	}

	return &Engine{
		interval:  interval,
		origin:    origin,
		maxBuf:    DefaultMaxBufferSize,
		maxGrid:   DefaultProcessedWindow,
		emit:      emit,
		buffers:   make(map[device.ID][]sample),
		processed: make(map[int64]struct{}),
	}
}

// ProcessSample normalizes and inserts a quaternion sample, then emits an
// aligned multi-device snapshot for any newly-reached grid point
// (spec §4.9).
func (e *Engine) ProcessSample(id device.ID, ts time.Time, q quat.Quaternion) {
	q = q.Normalize()

	e.mu.Lock()
	buf := e.buffers[id]
	buf = insertOrdered(buf, sample{ts: ts, q: q})
	if len(buf) > e.maxBuf {
		buf = buf[len(buf)-e.maxBuf:]
	}
	e.buffers[id] = buf

	gridT := e.gridTime(ts)
	key := gridT.UnixNano()
	if _, seen := e.processed[key]; seen {
		e.mu.Unlock()
		return
	}
	e.markProcessed(key)

	snapshots := e.interpolateAllLocked(gridT)
	e.mu.Unlock()

	if e.emit != nil && len(snapshots) > 0 {
		e.emit(gridT, snapshots)
	}
}

func (e *Engine) gridTime(ts time.Time) time.Time {
	elapsed := ts.Sub(e.origin)
	steps := float64(elapsed) / float64(e.interval)
	rounded := time.Duration(roundFloat(steps)) * e.interval
	return e.origin.Add(rounded)
}

func roundFloat(f float64) int64 {
	if f >= 0 {
		return int64(f + 0.5)
	}
	return int64(f - 0.5)
}

func (e *Engine) markProcessed(key int64) {
	e.processed[key] = struct{}{}
	e.processedOrder = append(e.processedOrder, key)
	if len(e.processedOrder) > e.maxGrid {
		oldest := e.processedOrder[0]
		e.processedOrder = e.processedOrder[1:]
		delete(e.processed, oldest)
	}
}

// interpolateAllLocked computes, for every device with a non-empty buffer,
// the SLERP-interpolated orientation at gridT (spec §4.9). Caller holds
// e.mu.
func (e *Engine) interpolateAllLocked(gridT time.Time) []Snapshot {
	var out []Snapshot
	for id, buf := range e.buffers {
		if len(buf) == 0 {
			continue
		}
		q, ok := interpolateAt(buf, gridT)
		if !ok {
			continue
		}
		out = append(out, Snapshot{DeviceID: id, Quaternion: q, Timestamp: gridT})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// interpolateAt locates the bracketing samples around gridT and SLERPs
// between them, using one side verbatim if only it exists (spec §4.9).
func interpolateAt(buf []sample, gridT time.Time) (quat.Quaternion, bool) {
	var before, after *sample
	for i := range buf {
		s := buf[i]
		if !s.ts.After(gridT) {
			before = &buf[i]
		} else if after == nil {
			after = &buf[i]
			break
		}
	}

	switch {
	case before != nil && after != nil:
		span := after.ts.Sub(before.ts)
		if span <= 0 {
			return before.q, true
		}
		t := float64(gridT.Sub(before.ts)) / float64(span)
		return quat.Slerp(before.q, after.q, t), true
	case before != nil:
		return before.q, true
	case after != nil:
		return after.q, true
	default:
		return quat.Identity, false
	}
}

// insertOrdered inserts s into buf keeping ascending timestamp order; the
// data-plane's feed is nearly ordered already, so this is typically O(1).
func insertOrdered(buf []sample, s sample) []sample {
	i := sort.Search(len(buf), func(i int) bool { return buf[i].ts.After(s.ts) })
	buf = append(buf, sample{})
	copy(buf[i+1:], buf[i:])
	buf[i] = s
	return buf
}
