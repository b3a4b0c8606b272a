package timesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeOffsetEmpty(t *testing.T) {
	e := NewEstimator()
	_, err := e.ComputeOffset()
	assert.Error(t, err)
}

func TestComputeOffsetTrimsWorstRTT(t *testing.T) {
	e := NewEstimator()
	base := time.Unix(1000, 0)

	// Four good samples with small, consistent RTT and offset ~50ms...
	for i := 0; i < 4; i++ {
		t1 := base.Add(time.Duration(i) * time.Second)
		t3 := t1.Add(10 * time.Millisecond)
		mid := float64(t1.UnixMilli()+t3.UnixMilli()) / 2
		t2 := uint64(mid + 50)
		e.AddSample(t1, t3, t2)
	}
	// ...and one outlier with huge RTT and a wildly different offset, which
	// the best-80% trim should exclude.
	t1 := base.Add(10 * time.Second)
	t3 := t1.Add(2 * time.Second)
	e.AddSample(t1, t3, uint64(t1.UnixMilli())+100000)

	offset, err := e.ComputeOffset()
	require.NoError(t, err)
	assert.InDelta(t, 50, offset, 5)
}

type fakeClockReader struct {
	calls int
	t2Ms  func(call int) uint64
}

func (f *fakeClockReader) ReadDeviceClock(ctx context.Context) (uint64, error) {
	f.calls++
	return f.t2Ms(f.calls), nil
}

func TestRunReportsProgress(t *testing.T) {
	reader := &fakeClockReader{t2Ms: func(call int) uint64 { return uint64(time.Now().UnixMilli()) }}

	var progressed []int
	offset, err := Run(context.Background(), reader, 5, func(idx, total int) {
		progressed = append(progressed, idx)
		assert.Equal(t, 5, total)
	})

	require.NoError(t, err)
	assert.Len(t, progressed, 5)
	assert.InDelta(t, 0, offset, 50)
}

type erroringClockReader struct{}

func (erroringClockReader) ReadDeviceClock(ctx context.Context) (uint64, error) {
	return 0, errors.New("command timeout")
}

func TestRunSkipsFailedRounds(t *testing.T) {
	_, err := Run(context.Background(), erroringClockReader{}, 3, nil)
	assert.Error(t, err) // every round failed, no samples collected
}
