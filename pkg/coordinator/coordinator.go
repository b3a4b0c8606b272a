// Package coordinator implements the Coordinator (spec §4.13): the top-level
// orchestrator wiring Transport, StateStore, per-device sessions, the
// reconnection and watchdog supervisors, the data-sync/interpolation/joint
// pipeline, and the recording and broadcast paths into the daemon's outward
// command surface (spec §6).
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/biomech-labs/kneesync-go/internal/config"
	"github.com/biomech-labs/kneesync-go/internal/kerrors"
	"github.com/biomech-labs/kneesync-go/pkg/broadcast"
	"github.com/biomech-labs/kneesync-go/pkg/datasync"
	"github.com/biomech-labs/kneesync-go/pkg/device"
	"github.com/biomech-labs/kneesync-go/pkg/interp"
	"github.com/biomech-labs/kneesync-go/pkg/joint"
	"github.com/biomech-labs/kneesync-go/pkg/reconnect"
	"github.com/biomech-labs/kneesync-go/pkg/recording"
	"github.com/biomech-labs/kneesync-go/pkg/session"
	"github.com/biomech-labs/kneesync-go/pkg/statestore"
	"github.com/biomech-labs/kneesync-go/pkg/strategy"
	"github.com/biomech-labs/kneesync-go/pkg/timesync"
	"github.com/biomech-labs/kneesync-go/pkg/transport"
	"github.com/biomech-labs/kneesync-go/pkg/watchdog"
	"github.com/biomech-labs/kneesync-go/pkg/wire"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// shakeThresholdG is the accelerometer magnitude above which Locate mode
// considers a device shaken (spec §4.3/§6: "streams accelerometer to
// detect device shakes").
const shakeThresholdG = 1.5

// ScanResult is scan()'s outward shape (spec §6).
type ScanResult struct {
	Success bool
	Devices []device.Device
	Message string
}

// ConnectOutcome is connect()'s outward shape (spec §6).
type ConnectOutcome struct {
	Success bool
	Message string
}

// DeviceSyncResult is one device's entry in sync_all()'s per_device_results
// (spec §6).
type DeviceSyncResult struct {
	DeviceID device.ID
	Success  bool
	OffsetMs int64
	Message  string
}

// SyncAllResult is sync_all()'s outward shape (spec §6).
type SyncAllResult struct {
	Success   bool
	PerDevice []DeviceSyncResult
}

// StartRecordingResult is start_recording()'s outward shape (spec §6).
type StartRecordingResult struct {
	Success     bool
	RecordingID string
	Message     string
}

// StopRecordingResult is stop_recording()'s outward shape (spec §6).
type StopRecordingResult struct {
	Success bool
	Message string
}

// DevicesSnapshot is get_all_devices()'s outward shape (spec §6).
type DevicesSnapshot struct {
	Devices     []device.Device
	GlobalMode  statestore.GlobalMode
	IsRecording bool
}

// Coordinator is the daemon's single orchestrator instance (spec §4.13/§9):
// every other component is injected or constructed here and referenced only
// through its capability interface.
type Coordinator struct {
	cfg        config.Config
	tp         transport.Transport
	store      *statestore.StateStore
	strat        strategy.Strategy
	reconnectMgr *reconnect.Manager
	wd           *watchdog.Watchdog
	interpEngine *interp.Engine
	joints       []*joint.Processor
	recBuf       *recording.Buffer
	sink         recording.Sink
	retryQueue   *recording.RetryQueue
	hub          *broadcast.Hub

	// setupGroup collapses concurrent connect attempts against the same
	// radio_address into a single in-flight setup (spec §5: "a per-
	// radio_address lock guards setup_device to prevent duplicate session
	// objects during retries").
	setupGroup singleflight.Group

	sessMu    sync.Mutex
	sessions  map[string]*session.DeviceSession // keyed by radio_address
	watchStop map[string]chan struct{}          // keyed by radio_address

	scanMu     sync.Mutex
	scanning   bool
	lastScanAt time.Time

	recMu              sync.Mutex
	currentRecordingID string

	dataSyncMu sync.Mutex
	dataSync   *datasync.Service

	locateMu  sync.Mutex
	locating  bool
	vibrating map[device.ID]bool
}

// New builds a Coordinator from cfg, wiring every subsystem it owns. sink
// and retryQueue may be nil for a headless/demo configuration; hub may be
// nil to run without a broadcast channel (e.g. in tests).
func New(cfg config.Config, tp transport.Transport, sink recording.Sink, retryQueue *recording.RetryQueue, hub *broadcast.Hub) (*Coordinator, error) {
	joints, err := buildJoints(cfg.Joints)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	c := &Coordinator{
		cfg: cfg,
		tp:  tp,
		// device_name_patterns configures which advertised-name substrings
		// Transport.StartScan filters for; device identity resolution uses
		// the fixed LSHIN/LTHIGH/RSHIN/RTHIGH table regardless, since those
		// are vendor-fixed naming, not an operator-tunable concern.
		store:      statestore.New(nil),
		strat:      strategy.New(cfg.StrategyParams()),
		joints:     joints,
		recBuf:     recording.NewBuffer(),
		sink:       sink,
		retryQueue: retryQueue,
		hub:        hub,
		sessions:   make(map[string]*session.DeviceSession),
		watchStop:  make(map[string]chan struct{}),
		vibrating:  make(map[device.ID]bool),
	}

	for _, jp := range c.joints {
		jp.SetRecordingSink(c.recBuf.Push)
	}
	c.interpEngine = interp.New(cfg.TargetHz, c.handleGridSnapshot)
	c.reconnectMgr = reconnect.New(cfg.ReconnectParams(), c.store, c.reconnectConnect, c.resumeStreamingAfterReconnect)

	interval, silenceThreshold := cfg.WatchdogParams()
	c.wd = watchdog.New(interval, silenceThreshold, c.store, c.isRadioConnected, c.recoverStream, c.handleRadioLost)

	if hub != nil {
		c.store.SetBroadcastHook(hub.PublishStateUpdate)
	}

	return c, nil
}

func buildJoints(joints []config.JointConfig) ([]*joint.Processor, error) {
	out := make([]*joint.Processor, 0, len(joints))
	for _, jc := range joints {
		proximal, err := config.ResolveDeviceID(jc.ProximalDeviceID)
		if err != nil {
			return nil, err
		}
		distal, err := config.ResolveDeviceID(jc.DistalDeviceID)
		if err != nil {
			return nil, err
		}
		// A swapped joint config must fail loudly rather than silently sort
		// proximal/distal: the resulting angle is plausible but wrong
		// (spec §4.10).
		if !proximal.IsProximal() {
			return nil, fmt.Errorf("joint %q: proximal_device_id %s is not a proximal (thigh) sensor", jc.Name, proximal)
		}
		if !distal.IsDistal() {
			return nil, fmt.Errorf("joint %q: distal_device_id %s is not a distal (shin) sensor", jc.Name, distal)
		}
		out = append(out, joint.New(joint.Config{
			Name:        jc.Name,
			ProximalID:  proximal,
			DistalID:    distal,
			Axis:        jc.ResolveAxis(),
			Calibration: jc.ResolveCalibration(),
		}))
	}
	return out, nil
}

// Start initializes the radio stack and launches the Coordinator's
// background loops (transport event dispatch, retry-queue flushing); the
// watchdog is started by StartRecording. Call once at daemon startup.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.tp.Initialize(ctx); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	go c.runTransportEvents(ctx)
	if c.retryQueue != nil {
		c.retryQueue.Start(ctx)
	}
	return nil
}

func (c *Coordinator) runTransportEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.tp.Events():
			if !ok {
				return
			}
			c.handleTransportEvent(ev)
		}
	}
}

func (c *Coordinator) handleTransportEvent(ev transport.Event) {
	switch {
	case ev.Discovered != nil:
		if _, err := c.store.RegisterDevice(ev.Discovered.RadioAddress, ev.Discovered.Name); err != nil {
			log.WithField("radio_address", ev.Discovered.RadioAddress).WithError(err).
				Debug("coordinator: ignoring advertisement matching no known sensor pattern")
		}
	case ev.ScanStopped:
		c.scanMu.Lock()
		c.scanning = false
		c.scanMu.Unlock()
		if c.store.GlobalMode() == statestore.ModeScanning {
			c.store.SetGlobalMode(statestore.ModeIdle)
		}
	case ev.Err != nil:
		// Scan/transport failures are reported but never fatal (spec §4.13).
		log.WithError(ev.Err).Warn("coordinator: transport reported an error")
	}
}

// Scan starts (or coalesces into) a discovery scan (spec §4.13: "while a
// scan is active, a request returns a snapshot of currently DISCOVERED
// devices unless at least MIN_RESTART_INTERVAL_MS has elapsed").
func (c *Coordinator) Scan(ctx context.Context) ScanResult {
	c.scanMu.Lock()
	if c.scanning && time.Since(c.lastScanAt) < transport.ScanDebounce {
		c.scanMu.Unlock()
		return ScanResult{Success: true, Devices: discoveredOnly(c.store.Devices())}
	}
	c.scanning = true
	c.lastScanAt = time.Now()
	c.scanMu.Unlock()

	c.store.SetGlobalMode(statestore.ModeScanning)
	if err := c.tp.StartScan(ctx, c.cfg.DeviceNamePatterns, c.cfg.MinRSSI); err != nil {
		c.scanMu.Lock()
		c.scanning = false
		c.scanMu.Unlock()
		log.WithError(err).Warn("coordinator: scan failed")
		return ScanResult{Success: false, Message: err.Error()}
	}

	return ScanResult{Success: true, Devices: discoveredOnly(c.store.Devices())}
}

func discoveredOnly(devices []device.Device) []device.Device {
	out := make([]device.Device, 0, len(devices))
	for _, d := range devices {
		if d.State == device.StateDiscovered {
			out = append(out, d)
		}
	}
	return out
}

// Connect resolves advertisedName to a device identity, connects its radio,
// and attaches a DeviceSession (spec §4.13: "set GlobalMode = CONNECTING for
// the duration; on success release to IDLE; broadcast both edges").
func (c *Coordinator) Connect(ctx context.Context, radioAddress, advertisedName string) ConnectOutcome {
	v, err, _ := c.setupGroup.Do(radioAddress, func() (interface{}, error) {
		return c.connectOnce(ctx, radioAddress, advertisedName)
	})
	if err != nil {
		return ConnectOutcome{Success: false, Message: err.Error()}
	}
	return v.(ConnectOutcome)
}

func (c *Coordinator) connectOnce(ctx context.Context, radioAddress, advertisedName string) (ConnectOutcome, error) {
	id, ok := device.MatchAdvertisedName(device.DefaultNamePatterns, advertisedName)
	if !ok {
		return ConnectOutcome{}, fmt.Errorf("%w: %q", kerrors.ErrUnknownDevicePattern, advertisedName)
	}
	if _, err := c.store.RegisterDevice(radioAddress, advertisedName); err != nil {
		return ConnectOutcome{}, err
	}

	p, ok := c.tp.Peripheral(radioAddress)
	if !ok {
		return ConnectOutcome{}, fmt.Errorf("%w: %s", kerrors.ErrDeviceUnavailable, radioAddress)
	}

	c.store.SetGlobalMode(statestore.ModeConnecting)
	defer c.store.SetGlobalMode(statestore.ModeIdle)

	if err := c.store.Transition(id, device.StateConnecting); err != nil {
		return ConnectOutcome{}, err
	}

	results := c.strat.Connect(ctx, []transport.Peripheral{p})
	if len(results) == 0 || !results[0].Connected {
		msg := "connect failed"
		if len(results) > 0 && results[0].Err != nil {
			msg = results[0].Err.Error()
		}
		_ = c.store.TransitionToError(id, kerrors.ErrConnectionFailed, msg)
		return ConnectOutcome{Success: false, Message: msg}, nil
	}

	if err := c.attachSession(ctx, id, p); err != nil {
		_ = c.store.TransitionToError(id, kerrors.ErrGattSetupFailed, err.Error())
		return ConnectOutcome{Success: false, Message: err.Error()}, nil
	}

	if err := c.store.Transition(id, device.StateConnected); err != nil {
		return ConnectOutcome{}, err
	}
	return ConnectOutcome{Success: true}, nil
}

func (c *Coordinator) attachSession(ctx context.Context, id device.ID, p transport.Peripheral) error {
	sess, err := session.Attach(ctx, id, p, c.handleMotionSample, c.wd.Heartbeat)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	c.sessMu.Lock()
	if old, ok := c.sessions[p.RadioAddress()]; ok {
		old.Close()
	}
	if oldStop, ok := c.watchStop[p.RadioAddress()]; ok {
		close(oldStop)
	}
	c.sessions[p.RadioAddress()] = sess
	c.watchStop[p.RadioAddress()] = stop
	c.sessMu.Unlock()

	go c.watchDisconnect(id, p, stop)
	return nil
}

// watchDisconnect reacts to the peripheral dropping off the radio on its own
// (spec §4.1's Disconnected event), handing the device to ReconnectionManager.
// closeSession closes stop before any caller-initiated Disconnect runs, and
// that close always happens-before the corresponding send on
// p.Disconnected() reaches a receiver, so the post-wake recheck below never
// mistakes a deliberate teardown for a radio loss even if both channels are
// ready by the time this goroutine is scheduled.
func (c *Coordinator) watchDisconnect(id device.ID, p transport.Peripheral, stop chan struct{}) {
	select {
	case <-p.Disconnected():
	case <-stop:
		return
	}
	select {
	case <-stop:
		return
	default:
	}
	c.handleRadioLost(id, p.RadioAddress())
}

func (c *Coordinator) closeSession(radioAddress string) {
	c.sessMu.Lock()
	sess, ok := c.sessions[radioAddress]
	delete(c.sessions, radioAddress)
	if stop, ok := c.watchStop[radioAddress]; ok {
		close(stop)
		delete(c.watchStop, radioAddress)
	}
	c.sessMu.Unlock()
	if ok {
		sess.Close()
	}
}

// handleRadioLost is the single entry point for both the spontaneous
// Disconnected event and the watchdog's radio-lost branch (spec §4.1/§4.7):
// it tears down the stale session and routes the device through
// DISCONNECTED -> CONNECTING, the only path that makes RECONNECTING
// reachable (spec §3), before handing off to ReconnectionManager.
// ScheduleReconnect replaces any timer it finds already armed, so a device
// reported lost from both paths at once is handled idempotently.
func (c *Coordinator) handleRadioLost(id device.ID, radioAddress string) {
	c.closeSession(radioAddress)

	if err := c.store.Transition(id, device.StateDisconnected); err != nil {
		log.WithField("device_id", id.String()).WithError(err).Warn("coordinator: could not mark device disconnected after radio loss")
		return
	}
	if err := c.store.Transition(id, device.StateConnecting); err != nil {
		log.WithField("device_id", id.String()).WithError(err).Warn("coordinator: could not re-enter CONNECTING after radio loss")
		return
	}
	c.reconnectMgr.ScheduleReconnect(id, radioAddress, fmt.Errorf("%w: radio link lost", kerrors.ErrConnectionFailed))
}

func (c *Coordinator) deviceIDForAddress(radioAddress string) (device.ID, bool) {
	for _, d := range c.store.Devices() {
		if d.RadioAddress == radioAddress {
			return d.DeviceID, true
		}
	}
	return 0, false
}

// Disconnect tears a device down, honoring the distinct cancel paths for a
// device still mid-CONNECTING or mid-RECONNECTING (spec §4.13).
func (c *Coordinator) Disconnect(ctx context.Context, radioAddress string) error {
	id, ok := c.deviceIDForAddress(radioAddress)
	if !ok {
		return fmt.Errorf("%w: %s", kerrors.ErrDeviceUnavailable, radioAddress)
	}
	d, _ := c.store.Device(id)

	switch d.State {
	case device.StateReconnecting:
		// Cancels the scheduled backoff timer without touching the radio
		// (spec §4.13).
		c.reconnectMgr.CancelReconnect(id)
		return c.store.Transition(id, device.StateDisconnected)

	case device.StateConnecting:
		// May be a no-op depending on radio state; the transition to
		// DISCONNECTED happens regardless (spec §4.13).
		if p, ok := c.tp.Peripheral(radioAddress); ok {
			_ = p.Disconnect(ctx)
		}
		return c.store.Transition(id, device.StateDisconnected)

	default:
		c.closeSession(radioAddress)
		if p, ok := c.tp.Peripheral(radioAddress); ok {
			_ = p.Disconnect(ctx)
		}
		return c.store.Transition(id, device.StateDisconnected)
	}
}

// Remove fully unregisters a device and purges it from the transport cache
// (spec §6: "full unregister + transport cache purge").
func (c *Coordinator) Remove(radioAddress string) {
	id, ok := c.deviceIDForAddress(radioAddress)
	c.closeSession(radioAddress)
	c.tp.ForgetPeripheral(radioAddress)
	if ok {
		c.reconnectMgr.CancelReconnect(id)
		c.store.UnregisterDevice(id)
	}
}

func connectedOrSyncedDevices(devices []device.Device) []device.Device {
	out := make([]device.Device, 0, len(devices))
	for _, d := range devices {
		if d.State == device.StateConnected || d.State == device.StateSynced {
			out = append(out, d)
		}
	}
	return out
}

// SyncAll runs TimeSyncEstimator against every connected device, all-settled
// (spec §4.13/§7: "a single device failing to sync must not abort sync of
// others").
func (c *Coordinator) SyncAll(ctx context.Context) SyncAllResult {
	targets := connectedOrSyncedDevices(c.store.Devices())
	if c.hub != nil {
		c.hub.PublishSyncStarted(len(targets))
	}

	c.store.SetGlobalMode(statestore.ModeSyncing)
	defer c.store.SetGlobalMode(statestore.ModeIdle)

	results := make([]DeviceSyncResult, len(targets))
	var wg sync.WaitGroup
	for i, d := range targets {
		wg.Add(1)
		go func(i int, d device.Device) {
			defer wg.Done()
			results[i] = c.syncOne(ctx, d)
		}(i, d)
	}
	wg.Wait()

	var success, failure int
	for _, r := range results {
		if r.Success {
			success++
		} else {
			failure++
		}
	}
	if c.hub != nil {
		c.hub.PublishSyncComplete(broadcast.SyncCompletePayload{Total: len(results), Success: success, Failure: failure})
	}
	return SyncAllResult{Success: failure == 0, PerDevice: results}
}

func (c *Coordinator) syncOne(ctx context.Context, d device.Device) DeviceSyncResult {
	c.sessMu.Lock()
	sess, ok := c.sessions[d.RadioAddress]
	c.sessMu.Unlock()
	if !ok {
		return DeviceSyncResult{DeviceID: d.DeviceID, Message: "no active session"}
	}

	_ = c.store.Transition(d.DeviceID, device.StateSyncing)
	_ = c.store.SetSyncState(d.DeviceID, device.SyncStateSyncing, 0)

	onProgress := func(idx, total int) {
		_ = c.store.SetSyncProgress(d.DeviceID, idx*100/total)
		if c.hub != nil {
			c.hub.PublishSyncProgress(broadcast.SyncProgressPayload{
				Device: d.DeviceID.String(), SampleIndex: idx, Total: total, Success: true,
			})
		}
	}

	offsetMs, err := timesync.Run(ctx, sess, timesync.RecommendedSamples, onProgress)
	if err != nil {
		// A sync failure does not disconnect; the device returns to
		// CONNECTED and may be retried (spec §7).
		_ = c.store.SetSyncState(d.DeviceID, device.SyncStateFailed, 0)
		_ = c.store.Transition(d.DeviceID, device.StateConnected)
		return DeviceSyncResult{DeviceID: d.DeviceID, Message: err.Error()}
	}

	_ = c.store.SetSyncState(d.DeviceID, device.SyncStateSynced, offsetMs)
	_ = c.store.Transition(d.DeviceID, device.StateSynced)
	return DeviceSyncResult{DeviceID: d.DeviceID, Success: true, OffsetMs: offsetMs}
}

// StartRecording opens a new RecordingBuffer, promoting every connected
// device to STREAMING (spec §4.13). Idempotent: a call while already
// recording returns the existing recording_id (spec §8).
func (c *Coordinator) StartRecording(ctx context.Context, sessionID, exerciseID string, setNumber int) StartRecordingResult {
	c.recMu.Lock()
	if c.recBuf.IsOpen() {
		id := c.currentRecordingID
		c.recMu.Unlock()
		return StartRecordingResult{Success: true, RecordingID: id}
	}
	c.recMu.Unlock()

	// GlobalMode moves to STREAMING before any device does, so a device is
	// never observed STREAMING while GlobalMode lags behind (spec §3/§4.13).
	c.store.SetGlobalMode(statestore.ModeStreaming)

	var errs []string
	for _, d := range connectedOrSyncedDevices(c.store.Devices()) {
		c.sessMu.Lock()
		sess, ok := c.sessions[d.RadioAddress]
		c.sessMu.Unlock()
		if !ok {
			continue
		}

		state, err := sess.GetSystemState(ctx)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", d.DeviceID, err))
			continue
		}
		if state != wire.FirmwareStateIdle {
			if err := sess.ResetToIdle(ctx); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", d.DeviceID, err))
				continue
			}
		}
		if err := sess.StartStreaming(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", d.DeviceID, err))
			continue
		}
		_ = c.store.Transition(d.DeviceID, device.StateStreaming)
	}

	c.dataSyncMu.Lock()
	c.dataSync = datasync.NewService(c.cfg.DataSyncParams())
	c.dataSyncMu.Unlock()

	c.wd.Start()

	c.recMu.Lock()
	recID := c.recBuf.Start(sessionID, exerciseID, setNumber)
	c.currentRecordingID = recID
	c.recMu.Unlock()
	c.store.SetRecording(true)

	if c.hub != nil {
		startedAt := time.Now()
		c.hub.PublishRecordingState(broadcast.RecordingStatePayload{IsRecording: true, SessionID: sessionID, StartTime: &startedAt})
	}

	result := StartRecordingResult{Success: true, RecordingID: recID}
	if len(errs) > 0 {
		result.Message = "started with errors: " + strings.Join(errs, "; ")
	}
	return result
}

// StopRecording finalizes the open RecordingBuffer and always resets
// GlobalMode/watchdog/broadcast in a finally-style discipline, even when some
// devices fail to stop cleanly (spec §4.13/§5/§7). Idempotent.
func (c *Coordinator) StopRecording(ctx context.Context) StopRecordingResult {
	c.recMu.Lock()
	open := c.recBuf.IsOpen()
	c.recMu.Unlock()
	if !open {
		return StopRecordingResult{Success: true}
	}

	var errs []string
	for _, d := range c.store.Devices() {
		if d.State != device.StateStreaming {
			continue
		}
		c.sessMu.Lock()
		sess, ok := c.sessions[d.RadioAddress]
		c.sessMu.Unlock()
		if ok {
			if err := sess.StopStreaming(ctx); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", d.DeviceID, err))
			}
		}
		_ = c.store.Transition(d.DeviceID, device.StateConnected)
	}

	// Finally-discipline cleanup: these happen regardless of per-device
	// stop-streaming errors above (spec §5/§7/§8 scenario 6).
	c.wd.Stop()
	c.store.SetGlobalMode(statestore.ModeIdle)
	c.store.SetRecording(false)

	c.dataSyncMu.Lock()
	c.dataSync = nil
	c.dataSyncMu.Unlock()

	c.recMu.Lock()
	rec, ok := c.recBuf.Finalize()
	c.currentRecordingID = ""
	c.recMu.Unlock()

	if c.hub != nil {
		c.hub.PublishRecordingState(broadcast.RecordingStatePayload{IsRecording: false})
	}

	if ok {
		c.persistRecording(ctx, rec)
	}

	result := StopRecordingResult{Success: true, Message: "stopped"}
	if len(errs) > 0 {
		result.Message = "stopped with errors: " + strings.Join(errs, "; ")
	}
	return result
}

func (c *Coordinator) persistRecording(ctx context.Context, rec recording.Recording) {
	if c.sink == nil {
		return
	}
	if err := c.sink.Upload(ctx, rec); err != nil {
		log.WithField("recording_id", rec.RecordingID).WithError(err).Warn("coordinator: upload failed, enqueuing for retry")
		if c.retryQueue != nil {
			if qerr := c.retryQueue.Enqueue(rec); qerr != nil {
				log.WithField("recording_id", rec.RecordingID).WithError(qerr).Error("coordinator: failed to persist recording, dropping")
			}
		}
	}
}

// LocateStart begins accelerometer streaming on every connected device so
// Locate mode can report shakes (spec §6).
func (c *Coordinator) LocateStart(ctx context.Context) {
	c.locateMu.Lock()
	c.locating = true
	c.vibrating = make(map[device.ID]bool)
	c.locateMu.Unlock()

	c.store.SetGlobalMode(statestore.ModeLocating)

	for _, d := range connectedOrSyncedDevices(c.store.Devices()) {
		c.sessMu.Lock()
		sess, ok := c.sessions[d.RadioAddress]
		c.sessMu.Unlock()
		if !ok {
			continue
		}
		if err := sess.StartAccelStream(ctx); err != nil {
			log.WithField("device_id", d.DeviceID.String()).WithError(err).Warn("coordinator: locate_start failed for device")
		}
	}
}

// LocateStop ends Locate mode's accelerometer streaming.
func (c *Coordinator) LocateStop(ctx context.Context) {
	c.locateMu.Lock()
	c.locating = false
	c.locateMu.Unlock()

	for _, d := range c.store.Devices() {
		if d.State != device.StateStreaming && d.State != device.StateConnected && d.State != device.StateSynced {
			continue
		}
		c.sessMu.Lock()
		sess, ok := c.sessions[d.RadioAddress]
		c.sessMu.Unlock()
		if !ok {
			continue
		}
		_ = sess.StopStreaming(ctx)
	}

	if c.store.GlobalMode() == statestore.ModeLocating {
		c.store.SetGlobalMode(statestore.ModeIdle)
	}
}

// GetAllDevices returns get_all_devices()'s outward shape (spec §6).
func (c *Coordinator) GetAllDevices() DevicesSnapshot {
	return DevicesSnapshot{
		Devices:     c.store.Devices(),
		GlobalMode:  c.store.GlobalMode(),
		IsRecording: c.store.IsRecording(),
	}
}

// ClearStates purges every device record, as an admin operation (spec §6).
func (c *Coordinator) ClearStates() {
	for _, d := range c.store.Devices() {
		c.closeSession(d.RadioAddress)
		c.reconnectMgr.CancelReconnect(d.DeviceID)
		c.store.UnregisterDevice(d.DeviceID)
	}
}

// handleMotionSample is every DeviceSession's Emit callback (spec §4.3).
func (c *Coordinator) handleMotionSample(sample session.MotionSample) {
	switch {
	case sample.Quaternion != nil:
		c.handleQuaternionSample(sample)
	case sample.Accel != nil:
		c.handleAccelSample(sample)
	}
}

func (c *Coordinator) handleQuaternionSample(sample session.MotionSample) {
	c.dataSyncMu.Lock()
	ds := c.dataSync
	c.dataSyncMu.Unlock()

	if ds != nil {
		ds.CheckIn(sample.DeviceID, sample.TimestampDev)
		if _, ok := ds.Correct(sample.DeviceID, sample.TimestampDev); !ok {
			// Pre-baseline sample from a device that started reporting
			// before the common streaming baseline was established
			// (spec §4.8/§8 scenario 1): dropped, not just delayed.
			return
		}
	}

	c.interpEngine.ProcessSample(sample.DeviceID, sample.ReceivedAt, sample.Quaternion.Quaternion)
}

func (c *Coordinator) handleGridSnapshot(_ time.Time, snapshots []interp.Snapshot) {
	for _, snap := range snapshots {
		for _, jp := range c.joints {
			jp.Process(snap)
		}
	}
}

func (c *Coordinator) handleAccelSample(sample session.MotionSample) {
	c.locateMu.Lock()
	locating := c.locating
	c.locateMu.Unlock()
	if !locating {
		return
	}

	shaking := sample.Accel.Magnitude() > shakeThresholdG

	c.locateMu.Lock()
	was := c.vibrating[sample.DeviceID]
	changed := was != shaking
	if shaking {
		c.vibrating[sample.DeviceID] = true
	} else {
		delete(c.vibrating, sample.DeviceID)
	}
	var ids []string
	if changed {
		for id := range c.vibrating {
			ids = append(ids, id.String())
		}
	}
	c.locateMu.Unlock()

	if changed && c.hub != nil {
		c.hub.PublishDeviceVibrating(ids)
	}
}

// reconnectConnect is ReconnectionManager's ConnectFunc: a raw radio connect
// attempt against the cached Peripheral, re-attaching the session on success
// (spec §4.6).
func (c *Coordinator) reconnectConnect(radioAddress string) bool {
	p, ok := c.tp.Peripheral(radioAddress)
	if !ok {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.Connect(ctx); err != nil {
		return false
	}

	id, ok := c.deviceIDForAddress(radioAddress)
	if !ok {
		return false
	}
	if err := c.attachSession(ctx, id, p); err != nil {
		log.WithField("device_id", id.String()).WithError(err).Warn("coordinator: reconnect session re-attach failed")
		return false
	}
	return true
}

// resumeStreamingAfterReconnect is ReconnectionManager's StartStreamingFunc
// (spec §4.6: resumed only while GlobalMode is STREAMING).
func (c *Coordinator) resumeStreamingAfterReconnect(id device.ID) {
	d, ok := c.store.Device(id)
	if !ok {
		return
	}
	c.sessMu.Lock()
	sess, ok := c.sessions[d.RadioAddress]
	c.sessMu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.StartStreaming(ctx); err != nil {
		log.WithField("device_id", id.String()).WithError(err).Warn("coordinator: failed to resume streaming after reconnect")
		return
	}
	_ = c.store.Transition(id, device.StateStreaming)
}

// isRadioConnected is Watchdog's IsConnectedFunc (spec §4.7).
func (c *Coordinator) isRadioConnected(radioAddress string) bool {
	p, ok := c.tp.Peripheral(radioAddress)
	if !ok {
		return false
	}
	return p.State() == transport.PeripheralConnected
}

// recoverStream is Watchdog's RecoveryFunc: resets the sensor to IDLE and
// restarts streaming (spec §4.7).
func (c *Coordinator) recoverStream(id device.ID, radioAddress string) {
	c.sessMu.Lock()
	sess, ok := c.sessions[radioAddress]
	c.sessMu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sess.ResetToIdle(ctx); err != nil {
		log.WithField("device_id", id.String()).WithError(err).Warn("coordinator: watchdog recovery reset_to_idle failed")
		return
	}
	if err := sess.StartStreaming(ctx); err != nil {
		log.WithField("device_id", id.String()).WithError(err).Warn("coordinator: watchdog recovery start_streaming failed")
	}
}
