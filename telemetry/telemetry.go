// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package telemetry defines the normalized telemetry schema shared by every
// adapter, aggregator and consumer in the hub.
//
// Sign conventions follow the interconnection view: grid power is positive on
// import, battery power is positive while charging. Timestamps carry the
// configured system timezone so downstream consumers see local wall-clock
// time in ISO-8601.
package telemetry

import "time"

// InverterTelemetry is the normalized per-inverter snapshot produced on
// every poll.
type InverterTelemetry struct {
	Timestamp      time.Time      `json:"ts"`
	InverterID     string         `json:"inverter_id"`
	ArrayID        string         `json:"array_id"`
	PVPowerW       float64        `json:"pv_power_w"`
	LoadPowerW     float64        `json:"load_power_w"`
	GridPowerW     float64        `json:"grid_power_w"`  // positive = import
	BatteryPowerW  float64        `json:"batt_power_w"`  // positive = charging
	BatterySOC     float64        `json:"batt_soc"`      // 0-100
	BatteryVoltage float64        `json:"batt_voltage_v"`
	BatteryCurrent float64        `json:"batt_current_a"`
	InverterTempC  float64        `json:"inverter_temp_c"`
	InverterMode   string         `json:"inverter_mode"`
	Extra          map[string]any `json:"extra,omitempty"` // device-specific fields carried through unchanged
}

// CellTelemetry is the smallest measured unit inside a battery.
type CellTelemetry struct {
	Index       int     `json:"index"`
	VoltageV    float64 `json:"voltage_v"`
	ResistanceO float64 `json:"resistance_ohm"`
	Balancing   bool    `json:"balancing"`
}

// BatteryUnitTelemetry is one physical battery inside a pack.
type BatteryUnitTelemetry struct {
	UnitID      int             `json:"unit_id"`
	VoltageV    float64         `json:"voltage_v"`
	CurrentA    float64         `json:"current_a"`
	SOC         float64         `json:"soc"`
	SOH         float64         `json:"soh"`
	TempC       float64         `json:"temp_c"`
	Cycles      int             `json:"cycles"`
	Status      map[string]bool `json:"status,omitempty"` // switch and flag states
	Cells       []CellTelemetry `json:"cells,omitempty"`
}

// BatteryBankTelemetry is the pack-level snapshot, including every unit the
// adapter could see on this poll.
type BatteryBankTelemetry struct {
	BankID          string                 `json:"bank_id"`
	Timestamp       time.Time              `json:"ts"`
	VoltageV        float64                `json:"voltage_v"`
	CurrentA        float64                `json:"current_a"`
	TempC           float64                `json:"temp_c"`
	SOC             float64                `json:"soc"`
	BatteriesCount  int                    `json:"batteries_count"`
	CellsPerBattery int                    `json:"cells_per_battery"`
	Units           []BatteryUnitTelemetry `json:"units"`
}

// MeterTelemetry is a grid-side energy meter snapshot. Daily counters reset
// at local midnight.
type MeterTelemetry struct {
	MeterID       string    `json:"meter_id"`
	Timestamp     time.Time `json:"ts"`
	VoltageV      float64   `json:"voltage_v"`
	CurrentA      float64   `json:"current_a"`
	PowerW        float64   `json:"power_w"` // positive = import
	FrequencyHz   float64   `json:"frequency_hz"`
	PowerFactor   float64   `json:"power_factor"`
	ImportWh      float64   `json:"import_wh"`
	ExportWh      float64   `json:"export_wh"`
	DailyImportWh float64   `json:"daily_import_wh"`
	DailyExportWh float64   `json:"daily_export_wh"`
	PhaseVoltageV [3]float64 `json:"phase_voltage_v"`
	PhaseCurrentA [3]float64 `json:"phase_current_a"`
	PhasePowerW   [3]float64 `json:"phase_power_w"`
}

// PackTelemetry is the roll-up of the battery units within one pack.
type PackTelemetry struct {
	PackID    string    `json:"pack_id"`
	Timestamp time.Time `json:"ts"`
	VoltageV  float64   `json:"voltage_v"`
	CurrentA  float64   `json:"current_a"`
	PowerW    float64   `json:"power_w"`
	TempC     float64   `json:"temp_c"` // thermal worst case across units
	SOC       float64   `json:"soc"`
	MemberIDs []string  `json:"member_ids"`
}

// ArrayTelemetry is the roll-up across the inverters of one array plus the
// packs of its attached battery array.
type ArrayTelemetry struct {
	ArrayID        string         `json:"array_id"`
	Timestamp      time.Time      `json:"ts"` // oldest contributing sample
	PVPowerW       float64        `json:"pv_power_w"`
	LoadPowerW     float64        `json:"load_power_w"`
	GridPowerW     float64        `json:"grid_power_w"`
	BatteryPowerW  float64        `json:"batt_power_w"`
	BatterySOC     float64        `json:"batt_soc"`
	BatteryVoltage float64        `json:"batt_voltage_v"`
	MaxChargeKW    float64        `json:"max_charge_kw"`
	MaxDischargeKW float64        `json:"max_discharge_kw"`
	MemberIDs      []string       `json:"member_ids"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// SystemTelemetry is the top of the aggregation hierarchy.
type SystemTelemetry struct {
	SystemID      string         `json:"system_id"`
	Timestamp     time.Time      `json:"ts"` // oldest contributing sample
	PVPowerW      float64        `json:"pv_power_w"`
	LoadPowerW    float64        `json:"load_power_w"`
	GridPowerW    float64        `json:"grid_power_w"`
	BatteryPowerW float64        `json:"batt_power_w"`
	BatterySOC    float64        `json:"batt_soc"`
	MemberIDs     []string       `json:"member_ids"`
	Extra         map[string]any `json:"extra,omitempty"`
}
