// Package device defines the Device entity, its identity space, and the
// transition graph that governs its lifecycle (spec §3).
package device

import (
	"fmt"
	"strings"
	"time"
)

// ID identifies one of the four body-worn sensors. The low nibble encodes
// proximal (2) vs. distal (1) position, which AngleCalculator relies on to
// order quaternions without guessing (spec §4.10).
type ID uint8

const (
	LeftShin   ID = 0x11
	LeftThigh  ID = 0x12
	RightShin  ID = 0x21
	RightThigh ID = 0x22
)

// String renders the ID the way logs and snapshots present it.
func (id ID) String() string {
	switch id {
	case LeftShin:
		return "left_shin"
	case LeftThigh:
		return "left_thigh"
	case RightShin:
		return "right_shin"
	case RightThigh:
		return "right_thigh"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(id))
	}
}

// IsProximal reports whether id names a thigh (proximal) sensor, per the
// low-nibble=2 encoding invariant in spec §4.10.
func (id ID) IsProximal() bool { return id&0x0F == 0x02 }

// IsDistal reports whether id names a shin (distal) sensor.
func (id ID) IsDistal() bool { return id&0x0F == 0x01 }

// Valid reports whether id is one of the four known sensors.
func (id ID) Valid() bool {
	switch id {
	case LeftShin, LeftThigh, RightShin, RightThigh:
		return true
	default:
		return false
	}
}

// AllIDs lists the full device population the rig supports.
var AllIDs = []ID{LeftShin, LeftThigh, RightShin, RightThigh}

// NamePattern associates an advertised-name substring with the device it
// identifies. MatchAdvertisedName rejects any name that doesn't contain one
// of the configured patterns (spec §3 invariant; §4.13 "unknown sensor
// naming patterns are a rejection, not a guess").
type NamePattern struct {
	Pattern string
	ID      ID
}

// DefaultNamePatterns is the out-of-the-box advertised-name table. The
// coordinator always resolves names against it; the `device_name_patterns`
// config option does not replace it.
var DefaultNamePatterns = []NamePattern{
	{Pattern: "LSHIN", ID: LeftShin},
	{Pattern: "LTHIGH", ID: LeftThigh},
	{Pattern: "RSHIN", ID: RightShin},
	{Pattern: "RTHIGH", ID: RightThigh},
}

// MatchAdvertisedName resolves an advertised name to a known device ID using
// the given pattern table. It returns false if no pattern matches.
func MatchAdvertisedName(patterns []NamePattern, advertisedName string) (ID, bool) {
	upper := strings.ToUpper(advertisedName)
	for _, p := range patterns {
		if strings.Contains(upper, strings.ToUpper(p.Pattern)) {
			return p.ID, true
		}
	}
	return 0, false
}

// State is a Device's position in the connection/streaming lifecycle
// (spec §3).
type State int

const (
	StateDiscovered State = iota
	StateConnecting
	StateReconnecting
	StateConnected
	StateSyncing
	StateSynced
	StateStreaming
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateReconnecting:
		return "reconnecting"
	case StateConnected:
		return "connected"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateStreaming:
		return "streaming"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// transitionGraph enumerates every allowed (from, to) edge (spec §3). Any
// edge not listed here is rejected by StateStore.Transition.
var transitionGraph = map[State]map[State]bool{
	StateDiscovered: {
		StateConnecting: true,
	},
	StateConnecting: {
		StateConnected:    true,
		StateReconnecting: true,
	},
	StateReconnecting: {
		StateConnecting:   true,
		StateDisconnected: true,
		StateError:        true,
	},
	StateConnected: {
		StateSyncing:      true,
		StateStreaming:    true,
		StateDisconnected: true,
		StateError:        true,
	},
	StateSyncing: {
		StateSynced:       true,
		StateConnected:    true, // sync failure returns to Connected
		StateDisconnected: true,
		StateError:        true,
	},
	StateSynced: {
		StateSyncing:      true, // re-sync
		StateStreaming:    true,
		StateDisconnected: true,
		StateError:        true,
	},
	StateStreaming: {
		StateConnected:    true,
		StateDisconnected: true,
		StateError:        true,
	},
	StateDisconnected: {
		StateDiscovered: true,
		StateConnecting: true,
	},
	StateError: {
		StateDiscovered: true,
	},
}

// CanTransition reports whether moving from `from` to `to` is an allowed
// edge in the lifecycle graph. ERROR only recovers to DISCOVERED, per spec
// §3 — there is no universal escape edge.
func CanTransition(from, to State) bool {
	edges, ok := transitionGraph[from]
	if !ok {
		return false
	}
	return edges[to]
}

// SyncState reflects whether a Device's clock_offset_ms is currently valid
// (spec §3 invariant: "clock_offset_ms is valid iff sync_state = SYNCED").
type SyncState int

const (
	SyncStateUnsynced SyncState = iota
	SyncStateSyncing
	SyncStateSynced
	SyncStateFailed
)

func (s SyncState) String() string {
	switch s {
	case SyncStateUnsynced:
		return "unsynced"
	case SyncStateSyncing:
		return "syncing"
	case SyncStateSynced:
		return "synced"
	case SyncStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Device is the canonical record for one body-worn sensor (spec §3). All
// mutation happens through StateStore; this struct itself has no locking.
type Device struct {
	DeviceID       ID
	RadioAddress   string
	AdvertisedName string

	State State

	SyncState     SyncState
	ClockOffsetMs int64
	SyncProgress  int // 0..100; lingers after completion per spec §9

	BatteryPct int
	RSSI       int

	ReconnectAttempts int
	NextReconnectAt   time.Time

	LastSeen  time.Time
	LastError string
}

// ClockOffsetValid reports the spec §3/§8 invariant that an offset is only
// meaningful while SyncState is Synced.
func (d Device) ClockOffsetValid() bool {
	return d.SyncState == SyncStateSynced
}

// Clone returns a value copy of d, used whenever a snapshot must be handed
// outside StateStore's lock.
func (d Device) Clone() Device {
	return d
}
