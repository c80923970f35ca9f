// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package adapter implements the device adapter framework: one adapter per
// protocol family, all satisfying a uniform contract so the discoverer, the
// orchestrator and the command queue never care which wire a device sits on.
//
// Variants:
//   - Senergy / Powdrive hybrid inverters, Modbus RTU over serial or Modbus TCP
//   - grid-side energy meters, Modbus TCP
//   - BMS queried actively over Modbus RTU
//   - BMS sniffed passively from a shared RS-485 bus
//   - the same framed BMS protocol through an RS-485-to-Ethernet bridge
//   - the same framed BMS protocol over a BLE GATT characteristic
//   - a failover composite that wraps an ordered list of battery adapters
//
// HandleCommand must never run concurrently with Poll on the same adapter;
// the command queue guarantees that by arbitrating the telemetry slot.
package adapter

import (
	"context"
	"strings"
	"time"

	"github.com/soothill/solar-energy-hub/telemetry"
)

// DeviceType identifies an adapter variant. It is the first component of
// every device id.
type DeviceType string

const (
	TypeSenergy    DeviceType = "senergy"
	TypePowdrive   DeviceType = "powdrive"
	TypeMeter      DeviceType = "meter"
	TypeBMSActive  DeviceType = "bms_active"
	TypeBMSPassive DeviceType = "bms_passive"
	TypeBMSTCP     DeviceType = "bms_tcp"
	TypeBMSBLE     DeviceType = "bms_ble"
)

// IsBattery reports whether the type polls a battery bank.
func (t DeviceType) IsBattery() bool {
	switch t {
	case TypeBMSActive, TypeBMSPassive, TypeBMSTCP, TypeBMSBLE:
		return true
	}
	return false
}

// Command actions accepted by HandleCommand.
const (
	ActionWrite          = "write"
	ActionWriteMany      = "write_many"
	ActionInverterConfig = "inverter_config"
)

// RegisterUpdate is one register write inside a write_many command.
type RegisterUpdate struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

// Command is a device-mutating request routed through the command queue.
type Command struct {
	Action   string           `json:"action"`
	ID       string           `json:"id,omitempty"`    // register id for write
	Value    float64          `json:"value,omitempty"` // value for write
	Updates  []RegisterUpdate `json:"updates,omitempty"`
	SensorID string           `json:"sensor_id,omitempty"` // inverter_config routing key
	Payload  []byte           `json:"-"`                   // raw payload for inverter_config
}

// CommandResult reports the outcome of a HandleCommand call.
type CommandResult struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Info describes an adapter's identity for registry bookkeeping and
// introspection.
type Info struct {
	Type   DeviceType `json:"type"`
	Serial string     `json:"serial"`
	Model  string     `json:"model,omitempty"`
	Port   string     `json:"port"`
}

// Config is the full adapter configuration snapshot stored in the registry
// at discovery time and used to re-create the adapter on recovery.
type Config struct {
	Type            DeviceType     `yaml:"type" json:"type"`
	Port            string         `yaml:"port" json:"port"` // serial device, host:port, BLE MAC or mDNS instance
	BaudRate        int            `yaml:"baud_rate" json:"baud_rate,omitempty"`
	UnitID          int            `yaml:"unit_id" json:"unit_id,omitempty"`
	Units           []int          `yaml:"units" json:"units,omitempty"` // BMS-active unit addresses
	RegisterMapPath string         `yaml:"register_map" json:"register_map,omitempty"`
	PreferLegacy    bool           `yaml:"prefer_legacy_registers" json:"prefer_legacy_registers,omitempty"`
	WrapUnit15      *bool          `yaml:"wrap_unit_15" json:"wrap_unit_15,omitempty"` // nil = family default
	ConnectTimeout  time.Duration  `yaml:"connect_timeout" json:"connect_timeout,omitempty"`
	OpTimeout       time.Duration  `yaml:"op_timeout" json:"op_timeout,omitempty"`
	Priority        int            `yaml:"priority" json:"priority,omitempty"` // failover rank, lower wins
	Enabled         *bool          `yaml:"enabled" json:"enabled,omitempty"`
	Location        *time.Location `yaml:"-" json:"-"`
}

// IsEnabled treats a missing flag as enabled.
func (c Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// WrapsUnit15 applies the passive-family default when the flag is unset.
func (c Config) WrapsUnit15() bool {
	if c.WrapUnit15 != nil {
		return *c.WrapUnit15
	}
	return c.Type == TypeBMSPassive || c.Type == TypeBMSTCP
}

// TZ returns the configured location, defaulting to the host zone.
func (c Config) TZ() *time.Location {
	if c.Location != nil {
		return c.Location
	}
	return time.Local
}

// Probe timeout floors per §discovery. Battery transports are slower to
// settle after an open, so they get more headroom.
const (
	batteryConnectTimeout = 5 * time.Second
	batteryOpTimeout      = 10 * time.Second
	defaultConnectTimeout = 3 * time.Second
	defaultOpTimeout      = 5 * time.Second
)

// ProbeTimeouts returns the connect and operation timeout floors for a
// device type, honoring lower adapter-configured values.
func ProbeTimeouts(cfg Config) (connect, op time.Duration) {
	connect, op = defaultConnectTimeout, defaultOpTimeout
	if cfg.Type.IsBattery() {
		connect, op = batteryConnectTimeout, batteryOpTimeout
	}
	if cfg.ConnectTimeout > 0 && cfg.ConnectTimeout < connect {
		connect = cfg.ConnectTimeout
	}
	if cfg.OpTimeout > 0 && cfg.OpTimeout < op {
		op = cfg.OpTimeout
	}
	return connect, op
}

// DeviceAdapter is the uniform contract every protocol variant satisfies.
type DeviceAdapter interface {
	// Connect opens the transport. It returns once the first I/O succeeds
	// and is idempotent on an already-open adapter.
	Connect(ctx context.Context) error

	// Close releases the transport. Safe to call after an error.
	Close() error

	// CheckConnectivity reads a small probe register or command and reports
	// reachability. It never returns an error.
	CheckConnectivity(ctx context.Context) bool

	// ReadSerialNumber returns the normalized serial number, or an empty
	// string when the device does not expose one. It fails only on
	// transport errors.
	ReadSerialNumber(ctx context.Context) (string, error)

	// HandleCommand executes a device-mutating command. Must not be invoked
	// concurrently with Poll on the same adapter.
	HandleCommand(ctx context.Context, cmd Command) (CommandResult, error)

	// Info returns the adapter's identity snapshot.
	Info() Info
}

// InverterAdapter polls normalized inverter telemetry.
type InverterAdapter interface {
	DeviceAdapter
	Poll(ctx context.Context) (telemetry.InverterTelemetry, error)
}

// BatteryAdapter polls a battery bank.
type BatteryAdapter interface {
	DeviceAdapter
	Poll(ctx context.Context) (telemetry.BatteryBankTelemetry, error)
}

// MeterAdapter polls a grid-side energy meter.
type MeterAdapter interface {
	DeviceAdapter
	Poll(ctx context.Context) (telemetry.MeterTelemetry, error)
}

// NormalizeSerial uppercases, strips non-alphanumerics and left-pads to six
// characters. Device ids derive from the last six characters of this form.
func NormalizeSerial(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	s := b.String()
	for len(s) < 6 {
		s = "0" + s
	}
	return s
}

/// DeviceID derives the stable id for a discovered device:
// {type}_{last6 of the normalized serial, lowercased}.
func DeviceID(t DeviceType, serial string) string {
	n := NormalizeSerial(serial)
	return string(t) + "_" + strings.ToLower(n[len(n)-6:])
}
