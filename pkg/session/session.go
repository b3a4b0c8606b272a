// Package session implements DeviceSession, the per-peripheral protocol
// handler (spec §4.3): service/characteristic discovery, single-outstanding
// command discipline, and notification decoding into MotionSample events.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/biomech-labs/kneesync-go/internal/kerrors"
	"github.com/biomech-labs/kneesync-go/pkg/device"
	"github.com/biomech-labs/kneesync-go/pkg/transport"
	"github.com/biomech-labs/kneesync-go/pkg/wire"
	log "github.com/sirupsen/logrus"
)

const (
	commandServiceUUID = "command"
	dataServiceUUID    = "data"

	// defaultCommandTimeout bounds how long a single outstanding command
	// waits for its correlated notification before failing (spec §4.3).
	defaultCommandTimeout = 2 * time.Second
)

// MotionSample is the decoded payload handed to the session's sample
// callback and onward to the data-plane (spec §4.3/§4.8).
type MotionSample struct {
	DeviceID     device.ID
	RadioAddress string
	TimestampDev uint64
	ReceivedAt   time.Time
	Quaternion   *wire.QuaternionPacket
	Accel        *wire.AccelPacket
}

// Heartbeat is invoked on every decoded data notification, regardless of
// payload shape, so Watchdog can track liveness independent of which stream
// mode is active (spec §4.3/§4.7).
type Heartbeat func(deviceID device.ID)

// Emit delivers a fully decoded MotionSample onward (spec §4.3).
type Emit func(sample MotionSample)

// DeviceSession wraps one connected Peripheral (spec §4.3).
type DeviceSession struct {
	deviceID     device.ID
	radioAddress string
	peripheral   transport.Peripheral

	commandChar transport.Characteristic
	dataChar    transport.Characteristic

	cmdMu       sync.Mutex // enforces single-outstanding-command discipline
	cmdTimeout  time.Duration
	pending     chan []byte
	dataEvents  <-chan transport.DataEvent
	emit        Emit
	heartbeat   Heartbeat
	stopNotify  context.CancelFunc
	notifyGroup sync.WaitGroup
}

// Attach discovers the vendor service and wires up the Command and Data
// characteristics (spec §4.3). The caller supplies emit/heartbeat callbacks
// invoked from the notification-processing goroutine this starts.
func Attach(ctx context.Context, id device.ID, p transport.Peripheral, emit Emit, heartbeat Heartbeat) (*DeviceSession, error) {
	if err := p.DiscoverServices(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", kerrors.ErrGattSetupFailed, err)
	}

	svc, ok := p.Service(commandServiceUUID)
	if !ok {
		return nil, fmt.Errorf("%w: command service not found", kerrors.ErrGattSetupFailed)
	}
	commandChar, ok := svc.Characteristic(commandServiceUUID)
	if !ok {
		return nil, fmt.Errorf("%w: command characteristic not found", kerrors.ErrGattSetupFailed)
	}
	dataSvc, ok := p.Service(dataServiceUUID)
	if !ok {
		return nil, fmt.Errorf("%w: data service not found", kerrors.ErrGattSetupFailed)
	}
	dataChar, ok := dataSvc.Characteristic(dataServiceUUID)
	if !ok {
		return nil, fmt.Errorf("%w: data characteristic not found", kerrors.ErrGattSetupFailed)
	}

	cmdEvents, err := commandChar.Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kerrors.ErrGattSetupFailed, err)
	}
	dataEvents, err := dataChar.Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kerrors.ErrGattSetupFailed, err)
	}

	notifyCtx, cancel := context.WithCancel(context.Background())
	s := &DeviceSession{
		deviceID:     id,
		radioAddress: p.RadioAddress(),
		peripheral:   p,
		commandChar:  commandChar,
		dataChar:     dataChar,
		cmdTimeout:   defaultCommandTimeout,
		pending:      make(chan []byte, 1),
		dataEvents:   dataEvents,
		emit:         emit,
		heartbeat:    heartbeat,
		stopNotify:   cancel,
	}

	s.notifyGroup.Add(2)
	go s.runCommandNotifications(notifyCtx, cmdEvents)
	go s.runDataNotifications(notifyCtx, dataEvents)

	return s, nil
}

// Close stops the notification-processing goroutines. It does not
// disconnect the underlying Peripheral; that is the caller's (Coordinator's)
// responsibility.
func (s *DeviceSession) Close() {
	s.stopNotify()
	s.notifyGroup.Wait()
}

func (s *DeviceSession) runCommandNotifications(ctx context.Context, events <-chan transport.DataEvent) {
	defer s.notifyGroup.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case s.pending <- ev.Data:
			default:
				log.WithField("device_id", s.deviceID.String()).Warn("session: command notification dropped, no outstanding request")
			}
		}
	}
}

func (s *DeviceSession) runDataNotifications(ctx context.Context, events <-chan transport.DataEvent) {
	defer s.notifyGroup.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleDataNotification(ev.Data)
		}
	}
}

func (s *DeviceSession) handleDataNotification(data []byte) {
	sample := MotionSample{DeviceID: s.deviceID, RadioAddress: s.radioAddress, ReceivedAt: time.Now()}

	switch len(data) {
	case wire.QuaternionPacketSize:
		pkt, err := wire.DecodeQuaternionPacket(data)
		if err != nil {
			log.WithField("device_id", s.deviceID.String()).WithError(err).Warn("session: dropping malformed quaternion packet")
			return
		}
		sample.TimestampDev = pkt.TimestampDevice
		sample.Quaternion = &pkt
	case wire.AccelPacketSize:
		pkt, err := wire.DecodeAccelPacket(data)
		if err != nil {
			log.WithField("device_id", s.deviceID.String()).WithError(err).Warn("session: dropping malformed accel packet")
			return
		}
		sample.TimestampDev = pkt.TimestampDevice
		sample.Accel = &pkt
	default:
		log.WithField("device_id", s.deviceID.String()).WithField("len", len(data)).Warn("session: unrecognized data packet size")
		return
	}

	if s.heartbeat != nil {
		s.heartbeat(s.deviceID)
	}
	if s.emit != nil {
		s.emit(sample)
	}
}

// sendCommand writes frame and blocks for its correlated response under the
// single-outstanding-command mutex (spec §4.3: "a small mutex; no
// pipelining"). It returns the decoded response payload, header stripped.
func (s *DeviceSession) sendCommand(ctx context.Context, frame wire.CommandFrame) ([]byte, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	// Drain any stale response left over from a prior timed-out exchange.
	select {
	case <-s.pending:
	default:
	}

	encoded, err := frame.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kerrors.ErrInvalidPacket, err)
	}
	if err := s.commandChar.Write(ctx, encoded, true); err != nil {
		return nil, fmt.Errorf("%w: %v", kerrors.ErrCommandTimeout, err)
	}

	timer := time.NewTimer(s.cmdTimeout)
	defer timer.Stop()

	select {
	case raw := <-s.pending:
		var resp wire.CommandFrame
		if err := resp.UnmarshalBinary(raw); err != nil {
			return nil, err
		}
		return resp.Payload, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: command 0x%02x", kerrors.ErrCommandTimeout, frame.CommandID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartStreaming verifies the firmware is Idle, then transitions it to a
// 100Hz quaternion stream (spec §4.3).
func (s *DeviceSession) StartStreaming(ctx context.Context) error {
	state, err := s.GetSystemState(ctx)
	if err != nil {
		return err
	}
	if state != wire.FirmwareStateIdle {
		return fmt.Errorf("%w: firmware state is %s, want idle", kerrors.ErrNotReadyForStreaming, state)
	}

	frame := wire.NewSetStateFrame(wire.FirmwareStateTxBuffered, wire.StreamModeQuaternion, wire.StreamFreq100Hz)
	_, err = s.sendCommand(ctx, frame)
	return err
}

// StopStreaming sends SET_STATE(IDLE); it is idempotent (spec §4.3).
func (s *DeviceSession) StopStreaming(ctx context.Context) error {
	frame := wire.NewSetStateFrame(wire.FirmwareStateIdle, 0, 0)
	_, err := s.sendCommand(ctx, frame)
	return err
}

// ResetToIdle forces IDLE regardless of current state (spec §4.3).
func (s *DeviceSession) ResetToIdle(ctx context.Context) error {
	_, err := s.sendCommand(ctx, wire.NewSimpleFrame(wire.CmdResetToIdle))
	return err
}

// GetSystemState performs a single-shot GET_STATE read (spec §4.3).
func (s *DeviceSession) GetSystemState(ctx context.Context) (wire.FirmwareState, error) {
	resp, err := s.sendCommand(ctx, wire.NewSimpleFrame(wire.CmdGetState))
	if err != nil {
		return wire.FirmwareStateUnknown, err
	}
	return wire.DecodeGetStateResponse(resp)
}

// GetBatteryLevel performs a single-shot GET_BATTERY read (spec §4.3).
func (s *DeviceSession) GetBatteryLevel(ctx context.Context) (int, error) {
	resp, err := s.sendCommand(ctx, wire.NewSimpleFrame(wire.CmdGetBattery))
	if err != nil {
		return 0, err
	}
	pct, err := wire.DecodeBatteryResponse(resp)
	return int(pct), err
}

// ReadDeviceClock performs the TIMESYNC_READ_CLOCK exchange TimeSyncEstimator
// drives (spec §4.3/§4.4). It returns the device-clock millisecond counter
// from the response, leaving RTT bookkeeping to the caller so t1/t3 bracket
// exactly this call.
func (s *DeviceSession) ReadDeviceClock(ctx context.Context) (uint64, error) {
	resp, err := s.sendCommand(ctx, wire.NewSimpleFrame(wire.CmdTimesyncReadClock))
	if err != nil {
		return 0, err
	}
	return wire.DecodeTimesyncResponse(resp)
}

// StartAccelStream switches the firmware into the Locate feature's
// accelerometer-streaming mode (spec §4.3).
func (s *DeviceSession) StartAccelStream(ctx context.Context) error {
	_, err := s.sendCommand(ctx, wire.NewSimpleFrame(wire.CmdAccelStream))
	return err
}
