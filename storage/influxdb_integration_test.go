// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build integration

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/influxdb"

	"github.com/soothill/solar-energy-hub/pkg/interfaces"
	"github.com/soothill/solar-energy-hub/telemetry"
)

func startInflux(t *testing.T) (Config, func()) {
	t.Helper()
	ctx := context.Background()

	container, err := influxdb.Run(ctx, "influxdb:2.7-alpine",
		influxdb.WithV2Auth("test-org", "test-bucket", "test-user", "test-password"),
		influxdb.WithV2AdminToken("test-token"),
	)
	require.NoError(t, err, "failed to start InfluxDB container")

	url, err := container.ConnectionUrl(ctx)
	require.NoError(t, err)

	cfg := Config{
		URL:      url,
		Token:    "test-token",
		Org:      "test-org",
		Bucket:   "test-bucket",
		CacheDir: t.TempDir(),
	}
	return cfg, func() {
		require.NoError(t, testcontainers.TerminateContainer(container))
	}
}

func TestInfluxStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg, terminate := startInflux(t)
	defer terminate()

	kvPath := filepath.Join(t.TempDir(), "config-kv.json")
	store, err := New(cfg, kvPath)
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	t.Run("health", func(t *testing.T) {
		require.NoError(t, store.Health(ctx))
	})

	t.Run("inverter sample", func(t *testing.T) {
		tel := telemetry.InverterTelemetry{
			Timestamp:      time.Now(),
			InverterID:     "senergy_567890",
			ArrayID:        "array1",
			PVPowerW:       3500,
			LoadPowerW:     1200,
			GridPowerW:     -800,
			BatteryPowerW:  1500,
			BatterySOC:     72,
			BatteryVoltage: 52.8,
			InverterMode:   "self_consumption",
			Extra:          map[string]any{"pv1_voltage_v": 310.5},
		}
		require.NoError(t, store.InsertInverterSample(ctx, tel))
	})

	t.Run("battery bank sample", func(t *testing.T) {
		tel := telemetry.BatteryBankTelemetry{
			BankID:         "bank1",
			Timestamp:      time.Now(),
			VoltageV:       52.81,
			CurrentA:       -12.5,
			SOC:            87,
			BatteriesCount: 2,
			Units: []telemetry.BatteryUnitTelemetry{
				{UnitID: 0, VoltageV: 52.81, SOC: 87, SOH: 99, Cycles: 142},
			},
		}
		require.NoError(t, store.InsertBatteryBankSample(ctx, tel))
		require.NoError(t, store.InsertBatteryUnitSamples(ctx, tel.BankID, tel.Timestamp, tel.Units))
	})

	t.Run("meter sample", func(t *testing.T) {
		tel := telemetry.MeterTelemetry{
			MeterID:     "grid",
			Timestamp:   time.Now(),
			PowerW:      -650,
			FrequencyHz: 50.02,
			ImportWh:    1234567,
			ExportWh:    891011,
		}
		require.NoError(t, store.InsertMeterSample(ctx, tel))
	})

	t.Run("hourly energy upsert is idempotent", func(t *testing.T) {
		row := interfaces.HourlyEnergy{
			EntityID:       "senergy_567890",
			Level:          interfaces.LevelInverter,
			Date:           "2026-08-24",
			Hour:           11,
			SolarEnergyKWh: 2.4,
			LoadEnergyKWh:  1.1,
		}
		require.NoError(t, store.UpsertHourlyEnergy(ctx, row))
		row.SolarEnergyKWh = 2.5
		require.NoError(t, store.UpsertHourlyEnergy(ctx, row))
	})

	t.Run("config kv", func(t *testing.T) {
		require.NoError(t, store.SetConfig("sched/senergy_567890/inverter_mode", "2", "scheduler"))
		v, err := store.GetConfig("sched/senergy_567890/inverter_mode")
		require.NoError(t, err)
		require.Equal(t, "2", v)
	})
}
