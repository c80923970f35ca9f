// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package adapter

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/grid-x/modbus"

	hub "github.com/soothill/solar-energy-hub/pkg/errors"
	"github.com/soothill/solar-energy-hub/pkg/logger"
	"github.com/soothill/solar-energy-hub/telemetry"
)

// multiWriteThreshold: observed firmware quirk. Registers at or above this
// address only accept the multi-register write function code (0x10), even
// for a single register. Below it, 0x06 works.
const multiWriteThreshold = 60

// Standard register ids the field mapper resolves against the register map.
// The map file declares where each lives for the family; code never embeds
// addresses.
const (
	regPVPower      = "pv_power"
	regLoadPower    = "load_power"
	regGridPower    = "grid_power"
	regBattPower    = "batt_power"
	regBattSOC      = "batt_soc"
	regBattVoltage  = "batt_voltage"
	regBattCurrent  = "batt_current"
	regInverterTemp = "inverter_temp"
	regInverterMode = "inverter_mode"
	regSerial       = "serial"
	regModel        = "model"
)

var standardFields = []string{
	regPVPower, regLoadPower, regGridPower, regBattPower,
	regBattSOC, regBattVoltage, regBattCurrent, regInverterTemp,
	regInverterMode,
}

// modbusHandler is the subset of the grid-x handler both RTU and TCP
// variants implement.
type modbusHandler interface {
	Connect() error
	Close() error
}

// ModbusInverter speaks the Senergy / Powdrive register protocol over
// Modbus RTU (serial) or Modbus TCP. Register semantics come entirely from
// the external register map loaded at startup.
type ModbusInverter struct {
	cfg     Config
	regmap  *RegisterMap
	arrayID string

	mu        sync.Mutex
	handler   modbusHandler
	client    modbus.Client
	connected bool
	serial    string
	model     string
}

// NewModbusInverter creates an inverter adapter for the given family.
// The register map file is loaded once and cached.
func NewModbusInverter(cfg Config, arrayID string) (*ModbusInverter, error) {
	if cfg.Type != TypeSenergy && cfg.Type != TypePowdrive {
		return nil, fmt.Errorf("modbus inverter: unsupported type %q", cfg.Type)
	}
	rm, err := LoadRegisterMap(cfg.RegisterMapPath)
	if err != nil {
		return nil, err
	}
	for _, id := range standardFields {
		if _, ok := rm.Lookup(id); !ok {
			return nil, fmt.Errorf("register map %s: missing standard field %q", cfg.RegisterMapPath, id)
		}
	}
	return &ModbusInverter{cfg: cfg, regmap: rm, arrayID: arrayID}, nil
}

// Connect opens the serial port or TCP socket and performs the first read.
// Idempotent on an already-connected adapter.
func (a *ModbusInverter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	timeout := a.cfg.ConnectTimeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}

	if strings.Contains(a.cfg.Port, ":") {
		h := modbus.NewTCPClientHandler(a.cfg.Port)
		h.Timeout = timeout
		h.SlaveID = byte(a.cfg.UnitID)
		a.handler = h
		a.client = modbus.NewClient(h)
	} else {
		h := modbus.NewRTUClientHandler(a.cfg.Port)
		h.BaudRate = a.cfg.BaudRate
		if h.BaudRate == 0 {
			h.BaudRate = 9600
		}
		h.DataBits = 8
		h.Parity = "N"
		h.StopBits = 1
		h.Timeout = timeout
		h.SlaveID = byte(a.cfg.UnitID)
		a.handler = h
		a.client = modbus.NewClient(h)
	}

	if err := a.handler.Connect(); err != nil {
		a.handler = nil
		a.client = nil
		return hub.NewTransportError(hub.KindTransportOpen, a.cfg.Port, true, err)
	}

	// First I/O proves the device answers, not just that the port opened.
	if _, err := a.readNumericLocked(regInverterMode); err != nil {
		_ = a.handler.Close()
		a.handler = nil
		a.client = nil
		return hub.NewTransportError(hub.KindTransportIO, a.cfg.Port, true, err)
	}

	a.connected = true
	a.readIdentityLocked()
	logger.Info().Str("port", a.cfg.Port).Str("type", string(a.cfg.Type)).
		Str("serial", a.serial).Msg("Inverter connected")
	return nil
}

// Close releases the transport. Safe after an error.
func (a *ModbusInverter) Close() error {
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

// CheckConnectivity reads the inverter mode register as a probe. Never
// returns an error.
func (a *ModbusInverter) CheckConnectivity(_ context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return false
	}
	_, err := a.readNumericLocked(regInverterMode)
	return err == nil
}

// ReadSerialNumber returns the normalized serial read at connect time,
// re-reading if the first attempt came back empty.
func (a *ModbusInverter) ReadSerialNumber(_ context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return "", hub.NewIdentityUnavailable(a.cfg.Port, hub.ErrDeviceOffline)
	}
	if a.serial == "" {
		a.readIdentityLocked()
	}
	if a.serial == "" {
		return "", nil
	}
	return NormalizeSerial(a.serial), nil
}

// Info returns the adapter identity snapshot.
func (a *ModbusInverter) Info() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Info{Type: a.cfg.Type, Serial: a.serial, Model: a.model, Port: a.cfg.Port}
}

// Poll reads the union of registers referenced by the standard field mapper
// plus the family's numeric extras, and emits normalized telemetry.
// Individual field failures drop the field; the snapshot still goes out.
func (a *ModbusInverter) Poll(_ context.Context) (telemetry.InverterTelemetry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return telemetry.InverterTelemetry{}, hub.NewPollError(
			hub.KindTransportIO, a.deviceIDLocked(), true, hub.ErrDeviceOffline)
	}

	tel := telemetry.InverterTelemetry{
		Timestamp:  time.Now().In(a.cfg.TZ()),
		InverterID: a.deviceIDLocked(),
		ArrayID:    a.arrayID,
		Extra:      make(map[string]any),
	}

	var firstErr error
	read := func(id string) (float64, bool) {
		v, err := a.readNumericLocked(id)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return 0, false
		}
		return v, true
	}

	pollErrors := 0
	if v, ok := read(regPVPower); ok {
		tel.PVPowerW = v
	} else {
		pollErrors++
	}
	if v, ok := read(regLoadPower); ok {
		tel.LoadPowerW = v
	} else {
		pollErrors++
	}
	if v, ok := read(regGridPower); ok {
		tel.GridPowerW = v
	} else {
		pollErrors++
	}
	if v, ok := read(regBattPower); ok {
		tel.BatteryPowerW = v
	} else {
		pollErrors++
	}
	if v, ok := read(regBattSOC); ok {
		tel.BatterySOC = v
	}
	if v, ok := read(regBattVoltage); ok {
		tel.BatteryVoltage = v
	}
	if v, ok := read(regBattCurrent); ok {
		tel.BatteryCurrent = v
	}
	if v, ok := read(regInverterTemp); ok {
		tel.InverterTempC = v
	}
	if v, ok := read(regInverterMode); ok {
		if reg, found := a.regmap.Lookup(regInverterMode); found {
			tel.InverterMode = reg.EnumLabel(int(v))
		}
		tel.Extra["inverter_mode_code"] = int(v)
	}

	// Device-specific numeric registers are carried through unchanged.
	for i := range a.regmap.Registers {
		r := &a.regmap.Registers[i]
		if r.Type == TypeASCII || r.RW == AccessWO || isStandardField(r.ID) {
			continue
		}
		if v, err := a.readRegisterLocked(r); err == nil {
			tel.Extra[r.ID] = v
		}
	}

	// All power fields failing means the transport died, not a bad field.
	if pollErrors == 4 {
		return tel, hub.NewPollError(hub.KindTransportIO, tel.InverterID, true, firstErr)
	}
	return tel, nil
}

// HandleCommand executes write / write_many. For addresses at or above the
// multi-write threshold, function code 0x10 is used unconditionally.
func (a *ModbusInverter) HandleCommand(_ context.Context, cmd Command) (CommandResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return CommandResult{OK: false, Detail: "not connected"},
			hub.NewCommandError(a.deviceIDLocked(), cmd.Action, hub.ErrDeviceOffline)
	}

	switch cmd.Action {
	case ActionWrite:
		if err := a.writeRegisterLocked(cmd.ID, cmd.Value); err != nil {
			return CommandResult{OK: false, Detail: err.Error()}, err
		}
		return CommandResult{OK: true, Detail: fmt.Sprintf("%s=%v", cmd.ID, cmd.Value)}, nil

	case ActionWriteMany:
		for _, u := range cmd.Updates {
			if err := a.writeRegisterLocked(u.ID, u.Value); err != nil {
				return CommandResult{OK: false, Detail: fmt.Sprintf("%s: %v", u.ID, err)}, err
			}
		}
		return CommandResult{OK: true, Detail: fmt.Sprintf("%d registers written", len(cmd.Updates))}, nil

	default:
		err := hub.NewCommandError(a.deviceIDLocked(), cmd.Action,
			fmt.Errorf("%s: %w", cmd.Action, hub.ErrInvalidConfig))
		return CommandResult{OK: false, Detail: "unsupported action"}, err
	}
}

func (a *ModbusInverter) deviceIDLocked() string {
	if a.serial == "" {
		return string(a.cfg.Type) + "@" + a.cfg.Port
	}
	return DeviceID(a.cfg.Type, a.serial)
}

func isStandardField(id string) bool {
	for _, f := range standardFields {
		if f == id {
			return true
		}
	}
	return id == regSerial || id == regModel
}

// readIdentityLocked reads the ASCII model and serial registers once.
func (a *ModbusInverter) readIdentityLocked() {
	if r, ok := a.regmap.Lookup(regSerial); ok {
		if s, err := a.readASCIILocked(r); err == nil {
			a.serial = s
		}
	}
	if r, ok := a.regmap.Lookup(regModel); ok {
		if s, err := a.readASCIILocked(r); err == nil {
			a.model = s
		}
	}
}

func (a *ModbusInverter) readRaw(r *Register) ([]byte, error) {
	switch r.Kind {
	case KindInput:
		return a.client.ReadInputRegisters(r.Addr, r.Size)
	default:
		return a.client.ReadHoldingRegisters(r.Addr, r.Size)
	}
}

func (a *ModbusInverter) readNumericLocked(id string) (float64, error) {
	r, ok := a.regmap.Lookup(id)
	if !ok {
		return 0, fmt.Errorf("register %q not in map", id)
	}
	return a.readRegisterLocked(r)
}

func (a *ModbusInverter) readRegisterLocked(r *Register) (float64, error) {
	b, err := a.readRaw(r)
	if err != nil {
		return 0, err
	}
	if len(b) < int(r.Size)*2 {
		return 0, hub.NewFrameError(hub.KindDecodeShort, 0, r.ID,
			fmt.Errorf("got %d bytes, want %d", len(b), r.Size*2))
	}
	return DecodeRegister(r, b)
}

// DecodeRegister converts raw big-endian register bytes into a scaled value.
func DecodeRegister(r *Register, b []byte) (float64, error) {
	var raw float64
	switch r.Type {
	case TypeU16:
		raw = float64(binary.BigEndian.Uint16(b))
	case TypeS16:
		raw = float64(int16(binary.BigEndian.Uint16(b)))
	case TypeU32:
		raw = float64(binary.BigEndian.Uint32(b))
	case TypeS32:
		raw = float64(int32(binary.BigEndian.Uint32(b)))
	default:
		return 0, fmt.Errorf("register %q: numeric decode of type %s", r.ID, r.Type)
	}
	return raw * r.ScaleOr(), nil
}

// readASCIILocked decodes a string register: big-endian ASCII, two
// characters per register word, trimmed at the first NUL.
func (a *ModbusInverter) readASCIILocked(r *Register) (string, error) {
	b, err := a.readRaw(r)
	if err != nil {
		return "", err
	}
	return DecodeASCII(b), nil
}

// DecodeASCII trims register-packed ASCII at the first NUL.
func DecodeASCII(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

// EncodeASCII packs a string into n registers of big-endian ASCII,
// NUL-padded. Round-trips with DecodeASCII for strings without embedded
// NULs.
func EncodeASCII(s string, registers int) []byte {
	out := make([]byte, registers*2)
	copy(out, s)
	return out
}

func (a *ModbusInverter) writeRegisterLocked(id string, value float64) error {
	r, ok := a.regmap.Lookup(id)
	if !ok {
		return hub.NewCommandError(a.deviceIDLocked(), ActionWrite,
			fmt.Errorf("register %q not in map", id))
	}
	if !r.Writable() {
		return hub.NewCommandError(a.deviceIDLocked(), ActionWrite,
			fmt.Errorf("register %q: %s", id, hub.KindRegisterReadOnly))
	}

	raw := math.Round(value / r.ScaleOr())

	switch r.Type {
	case TypeU16, TypeS16:
		word := uint16(int32(raw))
		if r.Addr >= multiWriteThreshold {
			buf := make([]byte, 2)
			binary.BigEndian.PutUint16(buf, word)
			_, err := a.client.WriteMultipleRegisters(r.Addr, 1, buf)
			return err
		}
		_, err := a.client.WriteSingleRegister(r.Addr, word)
		return err
	case TypeU32, TypeS32:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(int64(raw)))
		_, err := a.client.WriteMultipleRegisters(r.Addr, 2, buf)
		return err
	default:
		return hub.NewCommandError(a.deviceIDLocked(), ActionWrite,
			fmt.Errorf("register %q: cannot write type %s", id, r.Type))
	}
}
