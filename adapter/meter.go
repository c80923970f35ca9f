// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package adapter

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/grid-x/modbus"

	hub "github.com/soothill/solar-energy-hub/pkg/errors"
	"github.com/soothill/solar-energy-hub/pkg/logger"
	"github.com/soothill/solar-energy-hub/telemetry"
)

// Meter register scales. Energy registers count 1.25 Wh per LSB.
const (
	meterVoltageScale = 0.1
	meterCurrentScale = 0.01
	meterEnergyScale  = 0.00125 // kWh per count
	meterFreqScale    = 0.01
	meterPFScale      = 0.001
)

// meterBlock maps the fixed meter fields onto one of the two register
// blocks the firmware exposes: the compact legacy block (0-36) and the
// extended block (72-120).
type meterBlock struct {
	name       string
	voltage    uint16
	current    uint16
	power      uint16 // S32
	importE    uint16 // U32
	exportE    uint16 // U32
	frequency  uint16
	pf         uint16
	phaseVolt  [3]uint16
	phaseCurr  [3]uint16
	phasePower [3]uint16 // S32 each
}

var legacyBlock = meterBlock{
	name:       "legacy",
	voltage:    0,
	current:    2,
	power:      4,
	importE:    8,
	exportE:    12,
	frequency:  16,
	pf:         18,
	phaseVolt:  [3]uint16{20, 22, 24},
	phaseCurr:  [3]uint16{26, 28, 30},
	phasePower: [3]uint16{32, 34, 36},
}

var extendedBlock = meterBlock{
	name:       "extended",
	voltage:    72,
	current:    74,
	power:      76,
	importE:    80,
	exportE:    84,
	frequency:  88,
	pf:         90,
	phaseVolt:  [3]uint16{96, 98, 100},
	phaseCurr:  [3]uint16{104, 106, 108},
	phasePower: [3]uint16{112, 116, 120},
}

// MeterModbusTCP reads a grid-side energy meter over Modbus TCP. The
// prefer_legacy_registers flag flips which block is tried first; the other
// block is the fallback when the primary reads all zeroes.
type MeterModbusTCP struct {
	cfg     Config
	meterID string

	mu        sync.Mutex
	handler   *modbus.TCPClientHandler
	client    modbus.Client
	connected bool

	// daily counters reset at local midnight
	dayBase    string // local date the baselines belong to
	baseImport float64
	baseExport float64
}

// NewMeterModbusTCP creates a meter adapter. meterID is config-chosen.
func NewMeterModbusTCP(cfg Config, meterID string) *MeterModbusTCP {
	return &MeterModbusTCP{cfg: cfg, meterID: meterID}
}

// Connect opens the TCP socket and performs the first read.
func (a *MeterModbusTCP) Connect(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	h := modbus.NewTCPClientHandler(a.cfg.Port)
	h.Timeout = a.cfg.ConnectTimeout
	if h.Timeout == 0 {
		h.Timeout = defaultConnectTimeout
	}
	h.SlaveID = byte(a.cfg.UnitID)
	if h.SlaveID == 0 {
		h.SlaveID = 1
	}

	if err := h.Connect(); err != nil {
		return hub.NewTransportError(hub.KindTransportOpen, a.cfg.Port, true, err)
	}
	a.handler = h
	a.client = modbus.NewClient(h)

	if _, err := a.readU16(a.primary().frequency); err != nil {
		_ = h.Close()
		a.handler = nil
		a.client = nil
		return hub.NewTransportError(hub.KindTransportIO, a.cfg.Port, true, err)
	}

	a.connected = true
	logger.Info().Str("addr", a.cfg.Port).Str("meter_id", a.meterID).Msg("Meter connected")
	return nil
}

// Close releases the socket.
func (a *MeterModbusTCP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	if a.handler == nil {
		return nil
	}
	err := a.handler.Close()
	a.handler = nil
	a.client = nil
	return err
}

// CheckConnectivity probes the frequency register. Never returns an error.
func (a *MeterModbusTCP) CheckConnectivity(_ context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return false
	}
	_, err := a.readU16(a.primary().frequency)
	return err == nil
}

// ReadSerialNumber returns empty: the meter family does not expose an
// identity register, its id is config-chosen.
func (a *MeterModbusTCP) ReadSerialNumber(_ context.Context) (string, error) {
	return "", nil
}

// Info returns the adapter identity snapshot.
func (a *MeterModbusTCP) Info() Info {
	return Info{Type: TypeMeter, Serial: a.meterID, Port: a.cfg.Port}
}

// HandleCommand: meters are read-only.
func (a *MeterModbusTCP) HandleCommand(_ context.Context, cmd Command) (CommandResult, error) {
	err := hub.NewCommandError(a.meterID, cmd.Action,
		fmt.Errorf("meter is read-only: %w", hub.ErrInvalidConfig))
	return CommandResult{OK: false, Detail: "unsupported action"}, err
}

func (a *MeterModbusTCP) primary() *meterBlock {
	if a.cfg.PreferLegacy {
		return &legacyBlock
	}
	return &extendedBlock
}

func (a *MeterModbusTCP) fallback() *meterBlock {
	if a.cfg.PreferLegacy {
		return &extendedBlock
	}
	return &legacyBlock
}

// Poll reads the fixed field set from the primary block, falling back to
// the other block when the primary yields all-zero values.
func (a *MeterModbusTCP) Poll(_ context.Context) (telemetry.MeterTelemetry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return telemetry.MeterTelemetry{}, hub.NewPollError(
			hub.KindTransportIO, a.meterID, true, hub.ErrDeviceOffline)
	}

	tel, err := a.readBlock(a.primary())
	if err != nil {
		return telemetry.MeterTelemetry{}, err
	}
	if allZero(tel) {
		logger.Debug().Str("meter_id", a.meterID).Str("block", a.primary().name).
			Msg("Primary register block all zero, trying fallback")
		if fb, fbErr := a.readBlock(a.fallback()); fbErr == nil && !allZero(fb) {
			tel = fb
		}
	}

	a.applyDailyCounters(&tel)
	return tel, nil
}

func allZero(t telemetry.MeterTelemetry) bool {
	return t.VoltageV == 0 && t.CurrentA == 0 && t.PowerW == 0 &&
		t.FrequencyHz == 0 && t.ImportWh == 0 && t.ExportWh == 0
}

func (a *MeterModbusTCP) readBlock(b *meterBlock) (telemetry.MeterTelemetry, error) {
	tel := telemetry.MeterTelemetry{
		MeterID:   a.meterID,
		Timestamp: time.Now().In(a.cfg.TZ()),
	}

	var err error
	if tel.VoltageV, err = a.readScaledU16(b.voltage, meterVoltageScale); err != nil {
		return tel, hub.NewPollError(hub.KindTransportIO, a.meterID, true, err)
	}
	if tel.CurrentA, err = a.readScaledU16(b.current, meterCurrentScale); err != nil {
		return tel, hub.NewPollError(hub.KindTransportIO, a.meterID, true, err)
	}
	if tel.PowerW, err = a.readS32(b.power); err != nil {
		return tel, hub.NewPollError(hub.KindTransportIO, a.meterID, true, err)
	}
	// Cumulative energies: the store keeps kWh, the wire keeps 1.25 Wh counts.
	imp, err := a.readU32(b.importE)
	if err != nil {
		return tel, hub.NewPollError(hub.KindTransportIO, a.meterID, true, err)
	}
	tel.ImportWh = float64(imp) * meterEnergyScale * 1000
	exp, err := a.readU32(b.exportE)
	if err != nil {
		return tel, hub.NewPollError(hub.KindTransportIO, a.meterID, true, err)
	}
	tel.ExportWh = float64(exp) * meterEnergyScale * 1000

	if tel.FrequencyHz, err = a.readScaledU16(b.frequency, meterFreqScale); err != nil {
		return tel, hub.NewPollError(hub.KindTransportIO, a.meterID, true, err)
	}
	if tel.PowerFactor, err = a.readScaledU16(b.pf, meterPFScale); err != nil {
		return tel, hub.NewPollError(hub.KindTransportIO, a.meterID, true, err)
	}

	// Per-phase triad failures drop the phase, the snapshot still goes out.
	for i := 0; i < 3; i++ {
		if v, perr := a.readScaledU16(b.phaseVolt[i], meterVoltageScale); perr == nil {
			tel.PhaseVoltageV[i] = v
		}
		if v, perr := a.readScaledU16(b.phaseCurr[i], meterCurrentScale); perr == nil {
			tel.PhaseCurrentA[i] = v
		}
		if v, perr := a.readS32(b.phasePower[i]); perr == nil {
			tel.PhasePowerW[i] = v
		}
	}
	return tel, nil
}

// applyDailyCounters maintains counters that reset at local midnight.
func (a *MeterModbusTCP) applyDailyCounters(tel *telemetry.MeterTelemetry) {
	day := tel.Timestamp.Format("2006-01-02")
	if a.dayBase != day {
		a.dayBase = day
		a.baseImport = tel.ImportWh
		a.baseExport = tel.ExportWh
	}
	tel.DailyImportWh = tel.ImportWh - a.baseImport
	tel.DailyExportWh = tel.ExportWh - a.baseExport
}

func (a *MeterModbusTCP) readU16(addr uint16) (uint16, error) {
	b, err := a.client.ReadInputRegisters(addr, 1)
	if err != nil {
		return 0, err
	}
	if len(b) < 2 {
		return 0, hub.NewFrameError(hub.KindDecodeShort, int(addr), "", fmt.Errorf("got %d bytes", len(b)))
	}
	return binary.BigEndian.Uint16(b), nil
}

func (a *MeterModbusTCP) readScaledU16(addr uint16, scale float64) (float64, error) {
	v, err := a.readU16(addr)
	if err != nil {
		return 0, err
	}
	return float64(v) * scale, nil
}

func (a *MeterModbusTCP) readU32(addr uint16) (uint32, error) {
	b, err := a.client.ReadInputRegisters(addr, 2)
	if err != nil {
		return 0, err
	}
	if len(b) < 4 {
		return 0, hub.NewFrameError(hub.KindDecodeShort, int(addr), "", fmt.Errorf("got %d bytes", len(b)))
	}
	return binary.BigEndian.Uint32(b), nil
}

func (a *MeterModbusTCP) readS32(addr uint16) (float64, error) {
	v, err := a.readU32(addr)
	if err != nil {
		return 0, err
	}
	return float64(int32(v)), nil
}
