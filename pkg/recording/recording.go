// Package recording implements RecordingBuffer (spec §4.12): accumulates
// per-joint angle samples during a recording session and hands the
// finalized record to a RecordingSink, falling back to a persistent retry
// queue on failure (spec §6).
package recording

import (
	"sync"
	"time"

	"github.com/biomech-labs/kneesync-go/internal/kerrors"
	"github.com/biomech-labs/kneesync-go/pkg/joint"
	"github.com/google/uuid"
)

// MaxRingSize caps each joint's retained value sequence (spec §4.12:
// "~5k samples for single-recording windows").
const MaxRingSize = 5000

// errPersistence wraps on-disk retry-queue failures.
var errPersistence = kerrors.ErrPersistenceFailed

// JointSummary is the min/max/count/duration rollup for one joint over a
// finalized Recording (spec §3).
type JointSummary struct {
	Min        float64
	Max        float64
	Count      int
	DurationMs int64
}

// Recording is a finalized recording record (spec §3).
type Recording struct {
	RecordingID     string
	SessionID       string
	ExerciseID      string
	SetNumber       int
	StartTime       time.Time
	DurationMs      int64
	PerJointSamples map[string][]float64
	PerJointSummary map[string]JointSummary
}

type jointAccumulator struct {
	values    []float64
	min, max  float64
	count     int
	firstTime time.Time
	lastTime  time.Time
}

func (a *jointAccumulator) push(sample joint.JointAngleSample) {
	if a.count == 0 {
		a.min, a.max = sample.AngleDeg, sample.AngleDeg
		a.firstTime = sample.Timestamp
	}
	if sample.AngleDeg < a.min {
		a.min = sample.AngleDeg
	}
	if sample.AngleDeg > a.max {
		a.max = sample.AngleDeg
	}
	a.count++
	a.lastTime = sample.Timestamp

	a.values = append(a.values, sample.AngleDeg)
	if len(a.values) > MaxRingSize {
		a.values = a.values[len(a.values)-MaxRingSize:]
	}
}

// Buffer accumulates samples for one open recording (spec §4.12): call
// Start, Push repeatedly, then Finalize. A later Start begins a fresh
// recording in the same Buffer.
type Buffer struct {
	mu        sync.Mutex
	open      bool
	startTime time.Time

	recordingID string
	sessionID   string
	exerciseID  string
	setNumber   int

	joints map[string]*jointAccumulator
}

// NewBuffer returns an unopened Buffer.
func NewBuffer() *Buffer {
	return &Buffer{joints: make(map[string]*jointAccumulator)}
}

// Start opens a new recording, assigning a fresh recording_id (spec §4.12).
func (b *Buffer) Start(sessionID, exerciseID string, setNumber int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recordingID = uuid.NewString()
	b.sessionID = sessionID
	b.exerciseID = exerciseID
	b.setNumber = setNumber
	b.startTime = time.Now()
	b.open = true
	b.joints = make(map[string]*jointAccumulator)
	return b.recordingID
}

// IsOpen reports whether a recording is currently accumulating.
func (b *Buffer) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Push appends one joint angle sample to its joint's accumulator
// (spec §4.12). A no-op if no recording is open.
func (b *Buffer) Push(sample joint.JointAngleSample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return
	}

	acc, ok := b.joints[sample.JointName]
	if !ok {
		acc = &jointAccumulator{}
		b.joints[sample.JointName] = acc
	}
	acc.push(sample)
}

// Finalize computes the completed Recording and closes the buffer
// (spec §4.12). Returns false if no joint accumulated any data.
func (b *Buffer) Finalize() (Recording, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open || len(b.joints) == 0 {
		b.open = false
		return Recording{}, false
	}

	duration := time.Since(b.startTime).Milliseconds()
	samples := make(map[string][]float64, len(b.joints))
	summary := make(map[string]JointSummary, len(b.joints))
	for name, acc := range b.joints {
		samples[name] = append([]float64{}, acc.values...)
		summary[name] = JointSummary{
			Min:        acc.min,
			Max:        acc.max,
			Count:      acc.count,
			DurationMs: acc.lastTime.Sub(acc.firstTime).Milliseconds(),
		}
	}

	rec := Recording{
		RecordingID:     b.recordingID,
		SessionID:       b.sessionID,
		ExerciseID:      b.exerciseID,
		SetNumber:       b.setNumber,
		StartTime:       b.startTime,
		DurationMs:      duration,
		PerJointSamples: samples,
		PerJointSummary: summary,
	}

	b.open = false
	return rec, true
}
