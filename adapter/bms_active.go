// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package adapter

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	goserial "github.com/jacobsa/go-serial/serial"

	hub "github.com/soothill/solar-energy-hub/pkg/errors"
	"github.com/soothill/solar-energy-hub/pkg/logger"
	"github.com/soothill/solar-energy-hub/telemetry"
)

const (
	bmsDefaultBaudRate = 115200
	bmsReadChunk       = 512
	bmsQueryRetryGap   = 150 * time.Millisecond
)

// BMSActive owns the RS-485 bus and queries each configured battery in turn:
// it writes a battery-select exchange and reads the broadcast frames the
// battery answers with. The same framed protocol the passive variants sniff,
// driven instead of overheard.
type BMSActive struct {
	cfg    Config
	bankID string

	mu        sync.Mutex
	port      io.ReadWriteCloser
	dec       *streamDecoder
	connected bool
	serial    string
}

// NewBMSActive creates an active BMS adapter. The Units list names the unit
// addresses to query; an empty list queries unit 0 only.
func NewBMSActive(cfg Config, bankID string) *BMSActive {
	return &BMSActive{cfg: cfg, bankID: bankID}
}

func (a *BMSActive) units() []int {
	if len(a.cfg.Units) == 0 {
		return []int{0}
	}
	return a.cfg.Units
}

// Connect opens the serial port and reads the first battery's configuration
// frame, which carries the bank's serial number.
func (a *BMSActive) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	baud := a.cfg.BaudRate
	if baud == 0 {
		baud = bmsDefaultBaudRate
	}
	port, err := goserial.Open(goserial.OpenOptions{
		PortName:              a.cfg.Port,
		BaudRate:              uint(baud),
		DataBits:              8,
		StopBits:              1,
		ParityMode:            goserial.PARITY_NONE,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	})
	if err != nil {
		return hub.NewTransportError(hub.KindTransportOpen, a.cfg.Port, true, err)
	}
	a.port = port
	a.dec = newStreamDecoder(a.cfg.WrapsUnit15())

	_, op := ProbeTimeouts(a.cfg)
	if err := a.queryUnitLocked(ctx, a.units()[0], op, true); err != nil {
		_ = port.Close()
		a.port = nil
		a.dec = nil
		return err
	}
	a.serial = a.dec.Serial()
	a.connected = true
	logger.Info().Str("port", a.cfg.Port).Str("bank_id", a.bankID).
		Ints("units", a.units()).Msg("Active BMS connected")
	return nil
}

// Close releases the serial port.
func (a *BMSActive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	if a.port == nil {
		return nil
	}
	err := a.port.Close()
	a.port = nil
	return err
}

// CheckConnectivity queries the first unit for a fresh status frame.
func (a *BMSActive) CheckConnectivity(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return false
	}
	_, op := ProbeTimeouts(a.cfg)
	return a.queryUnitLocked(ctx, a.units()[0], op, false) == nil
}

// ReadSerialNumber returns the serial captured from the configuration frame
// at connect time.
func (a *BMSActive) ReadSerialNumber(_ context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return "", hub.NewIdentityUnavailable(a.cfg.Port, hub.ErrDeviceOffline)
	}
	if a.serial == "" {
		a.serial = a.dec.Serial()
	}
	if a.serial == "" {
		return "", hub.NewIdentityUnavailable(a.cfg.Port,
			fmt.Errorf("no configuration frame decoded yet"))
	}
	return NormalizeSerial(a.serial), nil
}

// Info returns the adapter identity snapshot.
func (a *BMSActive) Info() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Info{Type: TypeBMSActive, Serial: a.serial, Port: a.cfg.Port}
}

// HandleCommand: the battery path is read-only.
func (a *BMSActive) HandleCommand(_ context.Context, cmd Command) (CommandResult, error) {
	err := hub.NewCommandError(a.bankID, cmd.Action,
		fmt.Errorf("battery adapters are read-only: %w", hub.ErrInvalidConfig))
	return CommandResult{OK: false, Detail: "unsupported action"}, err
}

// Poll queries each configured unit and renders the merged cache. A unit
// that stops answering drops out of the snapshot; the poll fails only when
// every unit is silent.
func (a *BMSActive) Poll(ctx context.Context) (telemetry.BatteryBankTelemetry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return telemetry.BatteryBankTelemetry{}, hub.NewPollError(
			hub.KindTransportIO, a.bankID, true, hub.ErrDeviceOffline)
	}

	_, op := ProbeTimeouts(a.cfg)
	perUnit := op / time.Duration(len(a.units()))
	if perUnit < time.Second {
		perUnit = time.Second
	}

	answered := 0
	for _, unit := range a.units() {
		if err := a.queryUnitLocked(ctx, unit, perUnit, false); err != nil {
			logger.Warn().Err(err).Int("unit", unit).Str("bank_id", a.bankID).
				Msg("Battery unit did not answer")
			continue
		}
		answered++
	}
	if answered == 0 {
		return telemetry.BatteryBankTelemetry{}, hub.NewPollError(
			hub.KindFrameTimeout, a.bankID, true, hub.ErrDeviceOffline)
	}

	// Include only units refreshed recently, so a dead battery ages out.
	return a.dec.Snapshot(a.bankID, a.cfg.TZ(), 2*op)
}

// queryUnitLocked writes a select exchange for the unit and reads until a
// fresh frame for it lands, retrying the request on silence.
func (a *BMSActive) queryUnitLocked(ctx context.Context, unit int, timeout time.Duration, wantConfig bool) error {
	deadline := time.Now().Add(timeout)
	before := a.dec.UnitSeen(unit)
	buf := make([]byte, bmsReadChunk)

	if _, err := a.port.Write(EncodeSelectFrame(unit, true)); err != nil {
		return hub.NewTransportError(hub.KindTransportIO, a.cfg.Port, true, err)
	}
	lastTx := time.Now()

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return hub.NewPollError(hub.KindFrameTimeout, a.bankID, true, err)
		}
		n, err := a.port.Read(buf)
		if n > 0 {
			a.dec.Feed(buf[:n])
		}
		if err != nil && err != io.EOF {
			return hub.NewTransportError(hub.KindTransportIO, a.cfg.Port, true, err)
		}

		if a.dec.UnitSeen(unit).After(before) {
			if !wantConfig {
				return nil
			}
			if a.dec.Serial() != "" {
				return nil
			}
		}
		if time.Since(lastTx) > bmsQueryRetryGap {
			if _, err := a.port.Write(EncodeSelectFrame(unit, true)); err != nil {
				return hub.NewTransportError(hub.KindTransportIO, a.cfg.Port, true, err)
			}
			lastTx = time.Now()
		}
	}
	return hub.NewPollError(hub.KindFrameTimeout, a.bankID, true,
		fmt.Errorf("unit %d: %w", unit, hub.ErrTimeout))
}
