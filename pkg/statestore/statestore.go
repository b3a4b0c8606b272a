// Package statestore implements the canonical, single-source-of-truth
// registry of devices and global mode (spec §4.5). It is the only component
// allowed to mutate Device records; every other package talks to it through
// this API, never by holding a reference to its internal maps (spec §9).
package statestore

import (
	"fmt"
	"sync"
	"time"

	"github.com/biomech-labs/kneesync-go/internal/kerrors"
	"github.com/biomech-labs/kneesync-go/pkg/device"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// GlobalMode is the rig-wide operating mode (spec §3).
type GlobalMode int

const (
	ModeIdle GlobalMode = iota
	ModeScanning
	ModeConnecting
	ModeSyncing
	ModeStreaming
	ModeLocating
)

func (m GlobalMode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeScanning:
		return "scanning"
	case ModeConnecting:
		return "connecting"
	case ModeSyncing:
		return "syncing"
	case ModeStreaming:
		return "streaming"
	case ModeLocating:
		return "locating"
	default:
		return "unknown"
	}
}

// DeviceStateChanged is emitted whenever Transition or TransitionToError
// succeeds.
type DeviceStateChanged struct {
	DeviceID device.ID
	Previous device.State
	New      device.State
}

// GlobalStateChanged is emitted whenever SetGlobalMode succeeds.
type GlobalStateChanged struct {
	Previous GlobalMode
	New      GlobalMode
}

// MotionHook receives decoded motion samples for one device. Hooks must not
// perform I/O or hold locks across the callback (spec §9).
type MotionHook func(sample any)

// StateUpdate is the single batched snapshot payload the broadcast channel
// carries (spec §4.5/§6).
type StateUpdate struct {
	GlobalMode  GlobalMode
	IsRecording bool
	Devices     []device.Device
}

// BroadcastFunc delivers a coalesced StateUpdate to the outward channel.
type BroadcastFunc func(StateUpdate)

// Patch carries the subset of Device fields update_fields may change
// (spec §4.5).
type Patch struct {
	BatteryPct        *int
	RSSI              *int
	ReconnectAttempts *int
	NextReconnectAt   *time.Time
	LastSeen          *time.Time
	LastError         *string
}

const broadcastDebounce = 50 * time.Millisecond

// StateStore is the canonical registry (spec §4.5).
type StateStore struct {
	mu         sync.RWMutex
	devices    map[device.ID]*device.Device
	addrToID   map[string]device.ID
	globalMode GlobalMode
	recording  bool
	patterns   []device.NamePattern
	hooks      map[device.ID]MotionHook

	subMu       sync.Mutex
	subscribers map[string][]func(any)

	broadcastMu   sync.Mutex
	broadcastFn   BroadcastFunc
	broadcastTmr  *time.Timer
	broadcastDue  bool
	broadcastRate *rate.Limiter
}

// New returns an empty StateStore. patterns resolves advertised names to
// device IDs at RegisterDevice time.
func New(patterns []device.NamePattern) *StateStore {
	if patterns == nil {
		patterns = device.DefaultNamePatterns
	}
	return &StateStore{
		devices:     make(map[device.ID]*device.Device),
		addrToID:    make(map[string]device.ID),
		patterns:    patterns,
		hooks:       make(map[device.ID]MotionHook),
		subscribers: make(map[string][]func(any)),
		// A generous ceiling on top of the debounce timer: guards against a
		// runaway caller hammering ForceBroadcast during, e.g., a flapping
		// radio link.
		broadcastRate: rate.NewLimiter(rate.Every(5*time.Millisecond), 4),
	}
}

// SetBroadcastHook installs the function invoked on every coalesced or
// forced broadcast.
func (s *StateStore) SetBroadcastHook(fn BroadcastFunc) {
	s.broadcastMu.Lock()
	s.broadcastFn = fn
	s.broadcastMu.Unlock()
}

// Subscribe registers fn to be invoked whenever an event of the given name
// is emitted. Event names used in this package: "device_state_changed",
// "global_state_changed".
func (s *StateStore) Subscribe(event string, fn func(any)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers[event] = append(s.subscribers[event], fn)
}

// emit delivers payload to every subscriber of event, isolating panics so
// one failing observer can't break delivery to the rest (spec §4.5).
func (s *StateStore) emit(event string, payload any) {
	s.subMu.Lock()
	subs := append([]func(any){}, s.subscribers[event]...)
	s.subMu.Unlock()

	for _, fn := range subs {
		s.safeCall(event, fn, payload)
	}
}

func (s *StateStore) safeCall(event string, fn func(any), payload any) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("event", event).WithField("panic", r).Error("statestore: observer panicked, isolating")
		}
	}()
	fn(payload)
}

// RegisterDevice resolves advertisedName to a known device ID and creates
// (or resurrects) its record (spec §4.5).
func (s *StateStore) RegisterDevice(radioAddress, advertisedName string) (device.ID, error) {
	id, ok := device.MatchAdvertisedName(s.patterns, advertisedName)
	if !ok {
		return 0, fmt.Errorf("%w: %q", kerrors.ErrUnknownDevicePattern, advertisedName)
	}

	s.mu.Lock()
	d, exists := s.devices[id]
	if !exists {
		d = &device.Device{DeviceID: id}
		s.devices[id] = d
	}
	d.RadioAddress = radioAddress
	d.AdvertisedName = advertisedName
	d.State = device.StateDiscovered
	d.LastSeen = time.Now()
	s.addrToID[radioAddress] = id
	s.mu.Unlock()

	s.QueueBroadcast()
	return id, nil
}

// UnregisterDevice removes all state for id, including its motion hook
// (spec §4.5).
func (s *StateStore) UnregisterDevice(id device.ID) {
	s.mu.Lock()
	if d, ok := s.devices[id]; ok {
		delete(s.addrToID, d.RadioAddress)
	}
	delete(s.devices, id)
	delete(s.hooks, id)
	s.mu.Unlock()

	s.QueueBroadcast()
}

// Device returns a snapshot copy of the device record for id.
func (s *StateStore) Device(id device.ID) (device.Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return device.Device{}, false
	}
	return d.Clone(), true
}

// Devices returns a snapshot of every registered device, sorted by ID.
func (s *StateStore) Devices() []device.Device {
	s.mu.RLock()
	out := make([]device.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d.Clone())
	}
	s.mu.RUnlock()

	device.SortDevices(out)
	return out
}

// Transition validates and applies a state change, emitting
// DeviceStateChanged on success (spec §4.5). Illegal edges are rejected,
// never coerced (spec §3/§7).
func (s *StateStore) Transition(id device.ID, to device.State) error {
	s.mu.Lock()
	d, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: unknown device %s", kerrors.ErrInvalidStateTransition, id)
	}
	from := d.State
	if !device.CanTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", kerrors.ErrInvalidStateTransition, from, to)
	}
	d.State = to
	if to == device.StateSyncing {
		d.SyncProgress = 0
	}
	s.mu.Unlock()

	s.emit("device_state_changed", DeviceStateChanged{DeviceID: id, Previous: from, New: to})
	s.broadcastForEdge(to)
	return nil
}

// TransitionToError is a shortcut valid from any state (spec §4.5).
func (s *StateStore) TransitionToError(id device.ID, kind error, message string) error {
	s.mu.Lock()
	d, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: unknown device %s", kerrors.ErrInvalidStateTransition, id)
	}
	from := d.State
	d.State = device.StateError
	d.LastError = message
	s.mu.Unlock()

	s.emit("device_state_changed", DeviceStateChanged{DeviceID: id, Previous: from, New: device.StateError})
	log.WithField("device_id", id.String()).WithError(kind).Warn(message)
	s.ForceBroadcast()
	return nil
}

// broadcastForEdge forces an immediate broadcast for the state edges the
// spec calls out as critical (CONNECTED, SYNCED, ERROR); everything else is
// coalesced through the debounce (spec §5).
func (s *StateStore) broadcastForEdge(to device.State) {
	switch to {
	case device.StateConnected, device.StateSynced, device.StateError:
		s.ForceBroadcast()
	default:
		s.QueueBroadcast()
	}
}

// SetSyncState records a device's sync state and, when transitioning to
// Synced, its clock offset (spec §4.5).
func (s *StateStore) SetSyncState(id device.ID, syncState device.SyncState, offsetMs int64) error {
	s.mu.Lock()
	d, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: unknown device %s", kerrors.ErrInvalidStateTransition, id)
	}
	d.SyncState = syncState
	if syncState == device.SyncStateSynced {
		d.ClockOffsetMs = offsetMs
	}
	s.mu.Unlock()

	s.QueueBroadcast()
	return nil
}

// SetSyncProgress updates a device's 0..100 sync progress. Per spec §9 the
// value lingers after completion; nothing in this store clears it except a
// fresh SYNCING transition resetting it to 0.
func (s *StateStore) SetSyncProgress(id device.ID, pct int) error {
	s.mu.Lock()
	d, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: unknown device %s", kerrors.ErrInvalidStateTransition, id)
	}
	d.SyncProgress = pct
	s.mu.Unlock()

	s.QueueBroadcast()
	return nil
}

// UpdateFields applies a partial field patch (battery, RSSI, reconnect
// bookkeeping) (spec §4.5).
func (s *StateStore) UpdateFields(id device.ID, patch Patch) error {
	s.mu.Lock()
	d, ok := s.devices[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: unknown device %s", kerrors.ErrInvalidStateTransition, id)
	}
	if patch.BatteryPct != nil {
		d.BatteryPct = *patch.BatteryPct
	}
	if patch.RSSI != nil {
		d.RSSI = *patch.RSSI
	}
	if patch.ReconnectAttempts != nil {
		d.ReconnectAttempts = *patch.ReconnectAttempts
	}
	if patch.NextReconnectAt != nil {
		d.NextReconnectAt = *patch.NextReconnectAt
	}
	if patch.LastSeen != nil {
		d.LastSeen = *patch.LastSeen
	}
	if patch.LastError != nil {
		d.LastError = *patch.LastError
	}
	s.mu.Unlock()

	s.QueueBroadcast()
	return nil
}

// GlobalMode returns the current rig-wide mode.
func (s *StateStore) GlobalMode() GlobalMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globalMode
}

// SetGlobalMode updates the rig-wide mode, emitting GlobalStateChanged
// (spec §4.5).
func (s *StateStore) SetGlobalMode(mode GlobalMode) {
	s.mu.Lock()
	previous := s.globalMode
	s.globalMode = mode
	s.mu.Unlock()

	if previous == mode {
		return
	}
	s.emit("global_state_changed", GlobalStateChanged{Previous: previous, New: mode})
	s.ForceBroadcast()
}

// SetRecording flags whether a RecordingBuffer is currently open; it never
// validates against GlobalMode itself — Coordinator is responsible for the
// "RecordingBuffer open iff GlobalMode=STREAMING" invariant (spec §3).
func (s *StateStore) SetRecording(recording bool) {
	s.mu.Lock()
	s.recording = recording
	s.mu.Unlock()
	s.ForceBroadcast()
}

// IsRecording reports the current recording flag.
func (s *StateStore) IsRecording() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recording
}

// RegisterHook installs the single motion-data hook for id (spec §9).
func (s *StateStore) RegisterHook(id device.ID, hook MotionHook) {
	s.mu.Lock()
	s.hooks[id] = hook
	s.mu.Unlock()
}

// DispatchMotion resolves radioAddress to a device ID and invokes its hook,
// giving O(1) address-to-id delivery (spec §4.5/§9).
func (s *StateStore) DispatchMotion(radioAddress string, sample any) (device.ID, bool) {
	s.mu.RLock()
	id, ok := s.addrToID[radioAddress]
	var hook MotionHook
	if ok {
		hook = s.hooks[id]
	}
	s.mu.RUnlock()

	if !ok || hook == nil {
		return 0, false
	}
	hook(sample)
	return id, true
}

// QueueBroadcast schedules a coalesced snapshot broadcast, debounced by
// ~50ms (spec §4.5/§5).
func (s *StateStore) QueueBroadcast() {
	s.broadcastMu.Lock()
	defer s.broadcastMu.Unlock()

	s.broadcastDue = true
	if s.broadcastTmr != nil {
		return // already pending
	}
	s.broadcastTmr = time.AfterFunc(broadcastDebounce, s.flushBroadcast)
}

// ForceBroadcast bypasses the debounce and broadcasts immediately (spec
// §4.5/§5), used for the CONNECTED/SYNCED/ERROR edges and recording-state
// transitions.
func (s *StateStore) ForceBroadcast() {
	s.broadcastMu.Lock()
	if s.broadcastTmr != nil {
		s.broadcastTmr.Stop()
		s.broadcastTmr = nil
	}
	s.broadcastDue = false
	s.broadcastMu.Unlock()

	s.doBroadcast()
}

func (s *StateStore) flushBroadcast() {
	s.broadcastMu.Lock()
	s.broadcastTmr = nil
	due := s.broadcastDue
	s.broadcastDue = false
	s.broadcastMu.Unlock()

	if due {
		s.doBroadcast()
	}
}

func (s *StateStore) doBroadcast() {
	if !s.broadcastRate.Allow() {
		// Fold back into a coalesced send rather than dropping the update.
		s.QueueBroadcast()
		return
	}

	s.broadcastMu.Lock()
	fn := s.broadcastFn
	s.broadcastMu.Unlock()
	if fn == nil {
		return
	}
	fn(s.SerializeSnapshot())
}

// SerializeSnapshot returns the current batched state payload. It is pure:
// two calls with no intervening mutation produce structurally equal output
// (spec §8).
func (s *StateStore) SerializeSnapshot() StateUpdate {
	s.mu.RLock()
	mode := s.globalMode
	recording := s.recording
	devices := make([]device.Device, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, d.Clone())
	}
	s.mu.RUnlock()

	device.SortDevices(devices)
	return StateUpdate{GlobalMode: mode, IsRecording: recording, Devices: devices}
}
