// Package broadcast implements the outward event channel (spec §6): a
// websocket fan-out that publishes STATE_UPDATE snapshots and the
// sync/recording/locate event family to every connected observer. It is the
// UI-facing side of the StateStore's broadcast hook, kept out of
// pkg/statestore so the store never depends on net/http.
package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/biomech-labs/kneesync-go/pkg/statestore"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Event type names (spec §6).
const (
	EventStateUpdate     = "STATE_UPDATE"
	EventSyncStarted     = "SYNC_STARTED"
	EventSyncProgress    = "SYNC_PROGRESS"
	EventSyncComplete    = "SYNC_COMPLETE"
	EventDeviceVibrating = "DEVICE_VIBRATING"
	EventRecordingState  = "RECORDING_STATE"
)

// writeTimeout bounds how long a single client write may block before the
// hub gives up on it.
const writeTimeout = 5 * time.Second

// heartbeatInterval keeps idle connections (e.g. behind a proxy) alive.
const heartbeatInterval = 30 * time.Second

// outgoingBuffer caps how many undelivered events a slow client may
// accumulate before it is dropped.
const outgoingBuffer = 64

// Message is the envelope every broadcast event is sent as.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// StateUpdatePayload is EventStateUpdate's Data shape (spec §6).
type StateUpdatePayload struct {
	GlobalMode  string       `json:"global_mode"`
	IsRecording bool         `json:"is_recording"`
	Devices     []DeviceView `json:"devices"`
}

// DeviceView is one device's snapshot within a STATE_UPDATE (spec §6:
// "carries per-device last_error so the UI can render failed devices
// without extra RPCs").
type DeviceView struct {
	DeviceID          string `json:"device_id"`
	RadioAddress      string `json:"radio_address"`
	State             string `json:"state"`
	SyncState         string `json:"sync_state"`
	ClockOffsetMs     int64  `json:"clock_offset_ms,omitempty"`
	SyncProgress      int    `json:"sync_progress"`
	BatteryPct        int    `json:"battery_pct"`
	RSSI              int    `json:"rssi"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	LastError         string `json:"last_error,omitempty"`
}

// SyncProgressPayload is EventSyncProgress's Data shape (spec §6).
type SyncProgressPayload struct {
	Device      string `json:"device"`
	OffsetMs    int64  `json:"offset_ms"`
	SampleIndex int    `json:"sample_index"`
	Total       int    `json:"total"`
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
}

// SyncCompletePayload is EventSyncComplete's Data shape (spec §6).
type SyncCompletePayload struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// RecordingStatePayload is EventRecordingState's Data shape (spec §6).
type RecordingStatePayload struct {
	IsRecording bool       `json:"is_recording"`
	SessionID   string     `json:"session_id,omitempty"`
	StartTime   *time.Time `json:"start_time,omitempty"`
}

// Hub fans broadcast Messages out to every connected websocket client.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn     *websocket.Conn
	outgoing chan Message
	done     chan struct{}
	once     sync.Once
}

// NewHub returns an empty Hub, accepting upgrades from any origin (the
// daemon is expected to sit behind its own reverse proxy or run on a
// trusted local network, matching the teacher's permissive stream-mux
// upgrader).
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 5 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection and registers it as a broadcast
// destination until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("broadcast: websocket upgrade failed")
		return
	}

	c := &client{conn: conn, outgoing: make(chan Message, outgoingBuffer), done: make(chan struct{})}
	h.register(c)

	go c.writeLoop()
	c.readLoop()

	h.unregister(c)
	c.close()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Publish fans msg out to every connected client, dropping it (with a
// warning) for any client whose outgoing buffer is full rather than
// blocking the broadcaster on a slow reader.
func (h *Hub) Publish(msg Message) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.outgoing <- msg:
		default:
			log.WithField("event_type", msg.Type).Warn("broadcast: client outgoing buffer full, dropping message")
		}
	}
}

// ClientCount reports how many observers are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (c *client) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writeLoop() {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.outgoing:
			if err := c.write(msg); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *client) write(msg Message) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// PublishStateUpdate converts a StateStore snapshot to an EventStateUpdate
// Message and fans it out. Install via
// stateStore.SetBroadcastHook(hub.PublishStateUpdate) to wire the
// StateStore's debounced broadcast directly to this Hub (spec §6).
func (h *Hub) PublishStateUpdate(update statestore.StateUpdate) {
	devices := make([]DeviceView, 0, len(update.Devices))
	for _, d := range update.Devices {
		view := DeviceView{
			DeviceID:          d.DeviceID.String(),
			RadioAddress:      d.RadioAddress,
			State:             d.State.String(),
			SyncState:         d.SyncState.String(),
			SyncProgress:      d.SyncProgress,
			BatteryPct:        d.BatteryPct,
			RSSI:              d.RSSI,
			ReconnectAttempts: d.ReconnectAttempts,
			LastError:         d.LastError,
		}
		if d.ClockOffsetValid() {
			view.ClockOffsetMs = d.ClockOffsetMs
		}
		devices = append(devices, view)
	}

	h.Publish(Message{
		Type: EventStateUpdate,
		Data: StateUpdatePayload{
			GlobalMode:  update.GlobalMode.String(),
			IsRecording: update.IsRecording,
			Devices:     devices,
		},
	})
}

// PublishSyncStarted announces SYNC_STARTED (spec §6).
func (h *Hub) PublishSyncStarted(deviceCount int) {
	h.Publish(Message{Type: EventSyncStarted, Data: map[string]int{"device_count": deviceCount}})
}

// PublishSyncProgress announces SYNC_PROGRESS (spec §6).
func (h *Hub) PublishSyncProgress(p SyncProgressPayload) {
	h.Publish(Message{Type: EventSyncProgress, Data: p})
}

// PublishSyncComplete announces SYNC_COMPLETE (spec §6).
func (h *Hub) PublishSyncComplete(p SyncCompletePayload) {
	h.Publish(Message{Type: EventSyncComplete, Data: p})
}

// PublishDeviceVibrating announces DEVICE_VIBRATING, only meant to be called
// when the shaking device set actually changes (spec §6).
func (h *Hub) PublishDeviceVibrating(deviceIDs []string) {
	h.Publish(Message{Type: EventDeviceVibrating, Data: map[string][]string{"device_ids": deviceIDs}})
}

// PublishRecordingState announces RECORDING_STATE (spec §6).
func (h *Hub) PublishRecordingState(p RecordingStatePayload) {
	h.Publish(Message{Type: EventRecordingState, Data: p})
}
