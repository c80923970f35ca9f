// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
	"time"

	"github.com/soothill/solar-energy-hub/telemetry"
)

// Aggregation levels for hourly energy rows.
const (
	LevelInverter = "inverter"
	LevelArray    = "array"
	LevelSystem   = "system"
)

// HourlyEnergy is one materialized hour of integrated energy, keyed
// uniquely by (Level, EntityID, Date, Hour). Array and system rows are
// sums over their member inverters.
type HourlyEnergy struct {
	EntityID       string
	Level          string // inverter, array or system; empty means inverter
	Date           string // local date, YYYY-MM-DD
	Hour           int    // 0-23
	SolarEnergyKWh float64
	LoadEnergyKWh  float64
	GridEnergyKWh  float64
	BattEnergyKWh  float64
}

// TelemetryStore is the persistent record of everything the hub measures.
// Implementations must tolerate repeated upserts for the same key (the
// hourly rollup runs again on restart backfill).
type TelemetryStore interface {
	// InsertInverterSample persists one normalized inverter snapshot.
	InsertInverterSample(ctx context.Context, tel telemetry.InverterTelemetry) error

	// InsertBatteryBankSample persists a pack-level snapshot.
	InsertBatteryBankSample(ctx context.Context, tel telemetry.BatteryBankTelemetry) error

	// InsertBatteryUnitSamples persists the per-unit records of a bank poll.
	InsertBatteryUnitSamples(ctx context.Context, bankID string, ts time.Time, units []telemetry.BatteryUnitTelemetry) error

	// InsertBatteryCellSamples persists per-cell data for one unit.
	InsertBatteryCellSamples(ctx context.Context, bankID string, unitID int, ts time.Time, cells []telemetry.CellTelemetry) error

	// InsertMeterSample persists a meter snapshot.
	InsertMeterSample(ctx context.Context, tel telemetry.MeterTelemetry) error

	// UpsertMeterDaily updates the daily import/export counters for a meter.
	UpsertMeterDaily(ctx context.Context, meterID string, day string, importWh, exportWh float64) error

	// UpsertDailyPV updates the cumulative PV production for one local day.
	UpsertDailyPV(ctx context.Context, day string, inverterID string, kwh float64) error

	// UpsertHourlyEnergy writes one materialized hour. Running the rollup
	// twice for the same hour produces the same row.
	UpsertHourlyEnergy(ctx context.Context, row HourlyEnergy) error

	// QueryInverterSamplesSince reads back raw inverter samples recorded at
	// or after the given instant, oldest first. The startup backfill replays
	// them through the energy accumulator.
	QueryInverterSamplesSince(ctx context.Context, since time.Time) ([]telemetry.InverterTelemetry, error)

	// GetConfig reads a persisted configuration value; empty when unset.
	GetConfig(key string) (string, error)

	// SetConfig persists a configuration value with its source.
	SetConfig(key, value, source string) error

	// Health checks whether the backing store is reachable.
	Health(ctx context.Context) error

	// Flush ensures all pending writes are completed.
	Flush()

	// Close gracefully shuts down the store connection.
	Close()
}
