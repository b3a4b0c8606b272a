// Package datasync implements DataSyncService (spec §4.8): establishes a
// common host-clock baseline across devices at the start of streaming so
// downstream interpolation can compare device timestamps directly.
package datasync

import (
	"sync"
	"time"

	"github.com/biomech-labs/kneesync-go/pkg/device"
)

// Config holds the adaptive-timeout parameters (spec §4.8: "if an even
// number of devices have checked in, use the short timeout; otherwise a
// longer timeout, up to max_wait_ms").
type Config struct {
	ShortTimeout time.Duration
	LongTimeout  time.Duration
	MaxWait      time.Duration
}

// DefaultConfig is a conservative baseline-establishment window sized for a
// 4-device rig.
func DefaultConfig() Config {
	return Config{ShortTimeout: 150 * time.Millisecond, LongTimeout: 400 * time.Millisecond, MaxWait: 1500 * time.Millisecond}
}

// Service establishes the common baseline for one streaming session. It is
// single-use: construct a fresh Service per sync_all/start_recording
// attempt.
type Service struct {
	cfg Config

	mu        sync.Mutex
	firstSeen map[device.ID]uint64
	offsets   map[device.ID]uint64
	latest    uint64
	ready     bool
	deadline  time.Time
	timer     *time.Timer
	readyCh   chan struct{}
}

// NewService starts the adaptive wait window immediately; CheckIn each
// expected device as its first sample arrives.
func NewService(cfg Config) *Service {
	s := &Service{
		cfg:       cfg,
		firstSeen: make(map[device.ID]uint64),
		offsets:   make(map[device.ID]uint64),
		readyCh:   make(chan struct{}),
	}
	s.deadline = time.Now().Add(cfg.MaxWait)
	s.timer = time.AfterFunc(cfg.MaxWait, s.finalize)
	return s
}

// CheckIn records the first device-clock timestamp seen for id. Only the
// first call per device has any effect (spec §4.8: "first sample per
// device records first_device_timestamp").
func (s *Service) CheckIn(id device.ID, deviceTimestamp uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return
	}
	if _, exists := s.firstSeen[id]; exists {
		return
	}
	s.firstSeen[id] = deviceTimestamp

	count := len(s.firstSeen)
	var timeout time.Duration
	if count%2 == 0 {
		timeout = s.cfg.ShortTimeout
	} else {
		timeout = s.cfg.LongTimeout
	}

	remaining := time.Until(s.deadline)
	if timeout < remaining {
		s.timer.Stop()
		s.timer = time.AfterFunc(timeout, s.finalize)
	}
}

// finalize computes latest = max(first_device_timestamp) and each device's
// offset, then marks the service ready (spec §4.8). Safe to call more than
// once; only the first call has effect.
func (s *Service) finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return
	}

	var latest uint64
	for _, ts := range s.firstSeen {
		if ts > latest {
			latest = ts
		}
	}
	for id, ts := range s.firstSeen {
		s.offsets[id] = latest - ts
	}
	s.latest = latest
	s.ready = true
	close(s.readyCh)
}

// Ready reports whether the baseline has been established.
func (s *Service) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// ReadyChan yields once the baseline is established, for callers that want
// to block until ready rather than poll.
func (s *Service) ReadyChan() <-chan struct{} {
	return s.readyCh
}

// Correct applies the device's offset and reports whether the corrected
// timestamp passes the baseline filter (spec §4.8: "corrected < latest are
// filtered"). Returns (0, false) if the baseline isn't established yet or
// the device never checked in.
func (s *Service) Correct(id device.ID, deviceTimestamp uint64) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return 0, false
	}
	offset, ok := s.offsets[id]
	if !ok {
		return 0, false
	}

	corrected := deviceTimestamp + offset
	if corrected < s.latest {
		return corrected, false
	}
	return corrected, true
}
