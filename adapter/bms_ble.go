// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package adapter

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	hub "github.com/soothill/solar-energy-hub/pkg/errors"
	"github.com/soothill/solar-energy-hub/pkg/logger"
	"github.com/soothill/solar-energy-hub/telemetry"
)

// GATT endpoints the BMS exposes: one serial-port-profile style
// characteristic carrying the same framed protocol as the RS-485 bus.
var (
	bleServiceUUID = bluetooth.New16BitUUID(0xFFE0)
	bleCharUUID    = bluetooth.New16BitUUID(0xFFE1)
)

// BMSBLE sniffs the framed battery protocol over a BLE GATT notification
// characteristic. Port holds the peripheral MAC address.
type BMSBLE struct {
	cfg    Config
	bankID string

	mu        sync.Mutex
	device    *bluetooth.Device
	char      *bluetooth.DeviceCharacteristic
	dec       *streamDecoder
	connected bool
	serial    string
}

// NewBMSBLE creates a BLE BMS adapter.
func NewBMSBLE(cfg Config, bankID string) *BMSBLE {
	return &BMSBLE{cfg: cfg, bankID: bankID}
}

// PowerCycleHCI resets the host Bluetooth controller. The Linux BLE stack
// occasionally wedges after repeated connect failures; the recovery manager
// calls this before the next retry.
func PowerCycleHCI(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "hciconfig", "hci0", "reset")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("hci reset failed: %v (%s)", err, strings.TrimSpace(string(out)))
	}
	logger.Info().Msg("Bluetooth controller power-cycled")
	return nil
}

// Connect scans for the peripheral, subscribes to the data characteristic
// and waits for the first frame.
func (a *BMSBLE) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	ble := bluetooth.DefaultAdapter
	if err := ble.Enable(); err != nil {
		return hub.NewTransportError(hub.KindTransportOpen, a.cfg.Port, true,
			fmt.Errorf("failed to enable BLE stack: %w", err))
	}

	connect, _ := ProbeTimeouts(a.cfg)
	addr, err := a.scanFor(ble, connect)
	if err != nil {
		return hub.NewTransportError(hub.KindTransportOpen, a.cfg.Port, true, err)
	}

	device, err := ble.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return hub.NewTransportError(hub.KindTransportOpen, a.cfg.Port, true, err)
	}

	svcs, err := device.DiscoverServices([]bluetooth.UUID{bleServiceUUID})
	if err != nil || len(svcs) == 0 {
		_ = device.Disconnect()
		return hub.NewTransportError(hub.KindTransportOpen, a.cfg.Port, true,
			fmt.Errorf("service discovery failed: %v", err))
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{bleCharUUID})
	if err != nil || len(chars) == 0 {
		_ = device.Disconnect()
		return hub.NewTransportError(hub.KindTransportOpen, a.cfg.Port, true,
			fmt.Errorf("characteristic discovery failed: %v", err))
	}

	dec := newStreamDecoder(a.cfg.WrapsUnit15())
	char := chars[0]
	if err := char.EnableNotifications(func(buf []byte) {
		dec.Feed(buf)
	}); err != nil {
		_ = device.Disconnect()
		return hub.NewTransportError(hub.KindTransportOpen, a.cfg.Port, true,
			fmt.Errorf("failed to enable notifications: %w", err))
	}

	a.device = &device
	a.char = &char
	a.dec = dec

	// Kick the peripheral: a select request prompts the frame stream.
	_, _ = char.WriteWithoutResponse(EncodeSelectFrame(0, true))

	if err := a.waitForFrame(ctx, connect); err != nil {
		_ = device.Disconnect()
		a.device = nil
		a.char = nil
		a.dec = nil
		return err
	}
	a.connected = true
	logger.Info().Str("mac", a.cfg.Port).Str("bank_id", a.bankID).Msg("BLE BMS connected")
	return nil
}

// scanFor scans until the configured MAC appears or the timeout elapses.
func (a *BMSBLE) scanFor(ble *bluetooth.Adapter, timeout time.Duration) (bluetooth.Address, error) {
	var found bluetooth.Address
	var ok bool
	want := strings.ToUpper(a.cfg.Port)

	timer := time.AfterFunc(timeout, func() {
		_ = ble.StopScan()
	})
	defer timer.Stop()

	err := ble.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if strings.ToUpper(result.Address.String()) == want {
			found = result.Address
			ok = true
			_ = adapter.StopScan()
		}
	})
	if err != nil {
		return found, fmt.Errorf("BLE scan failed: %w", err)
	}
	if !ok {
		return found, fmt.Errorf("peripheral %s not seen: %w", a.cfg.Port, hub.ErrTimeout)
	}
	return found, nil
}

func (a *BMSBLE) waitForFrame(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return hub.NewTransportError(hub.KindTransportOpen, a.cfg.Port, true, err)
		}
		if !a.dec.LastFrameTime().IsZero() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return hub.NewTransportError(hub.KindTransportOpen, a.cfg.Port, true,
		fmt.Errorf("no frames over GATT: %w", hub.ErrTimeout))
}

// Close disconnects the peripheral.
func (a *BMSBLE) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	if a.device == nil {
		return nil
	}
	err := a.device.Disconnect()
	a.device = nil
	a.char = nil
	return err
}

// CheckConnectivity reports whether notifications arrived recently.
func (a *BMSBLE) CheckConnectivity(_ context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return false
	}
	last := a.dec.LastFrameTime()
	return !last.IsZero() && time.Since(last) < passiveStaleAfter
}

// ReadSerialNumber waits for a configuration frame.
func (a *BMSBLE) ReadSerialNumber(ctx context.Context) (string, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return "", hub.NewIdentityUnavailable(a.cfg.Port, hub.ErrDeviceOffline)
	}
	dec := a.dec
	a.mu.Unlock()

	_, op := ProbeTimeouts(a.cfg)
	deadline := time.Now().Add(op)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return "", hub.NewIdentityUnavailable(a.cfg.Port, err)
		}
		if s := dec.Serial(); s != "" {
			s = NormalizeSerial(s)
			a.mu.Lock()
			a.serial = s
			a.mu.Unlock()
			return s, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return "", hub.NewIdentityUnavailable(a.cfg.Port,
		fmt.Errorf("no configuration frame received: %w", hub.ErrTimeout))
}

// Info returns the adapter identity snapshot.
func (a *BMSBLE) Info() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Info{Type: TypeBMSBLE, Serial: a.serial, Port: a.cfg.Port}
}

// HandleCommand: the battery path is read-only.
func (a *BMSBLE) HandleCommand(_ context.Context, cmd Command) (CommandResult, error) {
	err := hub.NewCommandError(a.bankID, cmd.Action,
		fmt.Errorf("battery adapters are read-only: %w", hub.ErrInvalidConfig))
	return CommandResult{OK: false, Detail: "unsupported action"}, err
}

// Poll renders the current unit cache.
func (a *BMSBLE) Poll(_ context.Context) (telemetry.BatteryBankTelemetry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return telemetry.BatteryBankTelemetry{}, hub.NewPollError(
			hub.KindTransportIO, a.bankID, true, hub.ErrDeviceOffline)
	}
	return a.dec.Snapshot(a.bankID, a.cfg.TZ(), passiveStaleAfter)
}
