// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage persists telemetry to InfluxDB. Writes go through a
// circuit breaker; anything that cannot reach the database is journaled to
// a local disk cache and replayed when the connection recovers, so an
// outage never loses samples.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"

	hub "github.com/soothill/solar-energy-hub/pkg/errors"
	"github.com/soothill/solar-energy-hub/pkg/interfaces"
	"github.com/soothill/solar-energy-hub/pkg/logger"
	"github.com/soothill/solar-energy-hub/pkg/metrics"
	"github.com/soothill/solar-energy-hub/telemetry"
)

const (
	healthTimeout  = 5 * time.Second
	replayInterval = 30 * time.Second
)

// Config holds the InfluxDB connection settings.
type Config struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	Org      string `yaml:"org"`
	Bucket   string `yaml:"bucket"`
	CacheDir string `yaml:"cache_dir"`
}

// InfluxStore is the TelemetryStore implementation backed by InfluxDB 2.x.
type InfluxStore struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	bucket   string
	org      string
	breaker  *gobreaker.CircuitBreaker
	cache    *LocalCache
	kv       *ConfigKV
	stop     chan struct{}
}

var _ interfaces.TelemetryStore = (*InfluxStore)(nil)

// New connects to InfluxDB and verifies its health before accepting writes.
func New(cfg Config, kvPath string) (*InfluxStore, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", message)
	}
	logger.Info().Str("url", cfg.URL).Str("status", string(health.Status)).Msg("Connected to InfluxDB")

	cache, err := NewLocalCache(cfg.CacheDir, 0, 0)
	if err != nil {
		client.Close()
		return nil, err
	}
	kv, err := NewConfigKV(kvPath)
	if err != nil {
		client.Close()
		return nil, err
	}

	s := &InfluxStore{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
		breaker:  newWriteBreaker(),
		cache:    cache,
		kv:       kv,
		stop:     make(chan struct{}),
	}
	go s.replayLoop()
	return s, nil
}

// replayLoop pushes journaled records back into the database whenever it is
// healthy and the journal is non-empty.
func (s *InfluxStore) replayLoop() {
	ticker := time.NewTicker(replayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.cache.HasPending() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
			err := s.Health(ctx)
			cancel()
			if err != nil {
				continue
			}
			n, err := s.cache.Replay(func(records []string) error {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				return execWrite(s.breaker, func() error {
					return s.writeAPI.WriteRecord(ctx, records...)
				})
			})
			if n > 0 {
				logger.Info().Int("records", n).Msg("Replayed cached telemetry")
			}
			if err != nil {
				logger.Warn().Err(err).Msg("Cache replay interrupted")
			}
		}
	}
}

// writePoint pushes one point through the breaker, journaling it on failure.
// The caller's poll loop keeps going either way.
func (s *InfluxStore) writePoint(ctx context.Context, p *write.Point) error {
	err := execWrite(s.breaker, func() error {
		return s.writeAPI.WritePoint(ctx, p)
	})
	if err == nil {
		metrics.StoreWritesTotal.Inc()
		return nil
	}
	metrics.StoreWriteErrors.Inc()
	line := strings.TrimRight(write.PointToLineProtocol(p, time.Nanosecond), "\n")
	if cerr := s.cache.Store([]string{line}); cerr != nil {
		logger.Error().Err(cerr).Msg("Failed to journal telemetry after write failure")
	}
	return hub.NewStorageError("write_point", "", err)
}

// InsertInverterSample persists one normalized inverter snapshot.
func (s *InfluxStore) InsertInverterSample(ctx context.Context, tel telemetry.InverterTelemetry) error {
	fields := map[string]interface{}{
		"pv_power_w":      tel.PVPowerW,
		"load_power_w":    tel.LoadPowerW,
		"grid_power_w":    tel.GridPowerW,
		"batt_power_w":    tel.BatteryPowerW,
		"batt_soc":        tel.BatterySOC,
		"batt_voltage_v":  tel.BatteryVoltage,
		"batt_current_a":  tel.BatteryCurrent,
		"inverter_temp_c": tel.InverterTempC,
		"inverter_mode":   tel.InverterMode,
	}
	for k, v := range tel.Extra {
		if f, ok := v.(float64); ok {
			fields["x_"+k] = f
		}
	}
	p := influxdb2.NewPoint("inverter",
		map[string]string{"inverter_id": tel.InverterID, "array_id": tel.ArrayID},
		fields, tel.Timestamp)
	return s.writePoint(ctx, p)
}

// InsertBatteryBankSample persists a pack-level snapshot.
func (s *InfluxStore) InsertBatteryBankSample(ctx context.Context, tel telemetry.BatteryBankTelemetry) error {
	p := influxdb2.NewPoint("battery_bank",
		map[string]string{"bank_id": tel.BankID},
		map[string]interface{}{
			"voltage_v":       tel.VoltageV,
			"current_a":       tel.CurrentA,
			"temp_c":          tel.TempC,
			"soc":             tel.SOC,
			"batteries_count": tel.BatteriesCount,
		}, tel.Timestamp)
	return s.writePoint(ctx, p)
}

// InsertBatteryUnitSamples persists the per-unit records of a bank poll.
func (s *InfluxStore) InsertBatteryUnitSamples(ctx context.Context, bankID string, ts time.Time, units []telemetry.BatteryUnitTelemetry) error {
	for _, u := range units {
		p := influxdb2.NewPoint("battery_unit",
			map[string]string{"bank_id": bankID, "unit": fmt.Sprintf("%d", u.UnitID)},
			map[string]interface{}{
				"voltage_v": u.VoltageV,
				"current_a": u.CurrentA,
				"soc":       u.SOC,
				"soh":       u.SOH,
				"temp_c":    u.TempC,
				"cycles":    u.Cycles,
			}, ts)
		if err := s.writePoint(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// InsertBatteryCellSamples persists per-cell data for one unit.
func (s *InfluxStore) InsertBatteryCellSamples(ctx context.Context, bankID string, unitID int, ts time.Time, cells []telemetry.CellTelemetry) error {
	for _, c := range cells {
		p := influxdb2.NewPoint("battery_cell",
			map[string]string{
				"bank_id": bankID,
				"unit":    fmt.Sprintf("%d", unitID),
				"cell":    fmt.Sprintf("%d", c.Index),
			},
			map[string]interface{}{
				"voltage_v":      c.VoltageV,
				"resistance_ohm": c.ResistanceO,
			}, ts)
		if err := s.writePoint(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// InsertMeterSample persists a meter snapshot.
func (s *InfluxStore) InsertMeterSample(ctx context.Context, tel telemetry.MeterTelemetry) error {
	p := influxdb2.NewPoint("meter",
		map[string]string{"meter_id": tel.MeterID},
		map[string]interface{}{
			"voltage_v":    tel.VoltageV,
			"current_a":    tel.CurrentA,
			"power_w":      tel.PowerW,
			"frequency_hz": tel.FrequencyHz,
			"power_factor": tel.PowerFactor,
			"import_wh":    tel.ImportWh,
			"export_wh":    tel.ExportWh,
		}, tel.Timestamp)
	return s.writePoint(ctx, p)
}

// UpsertMeterDaily rewrites the daily counters. The point timestamp is the
// local midnight of the day, so repeated writes replace the same row.
func (s *InfluxStore) UpsertMeterDaily(ctx context.Context, meterID string, day string, importWh, exportWh float64) error {
	ts, err := time.ParseInLocation("2006-01-02", day, time.Local)
	if err != nil {
		return hub.NewStorageError("upsert_meter_daily", meterID, err)
	}
	p := influxdb2.NewPoint("meter_daily",
		map[string]string{"meter_id": meterID},
		map[string]interface{}{
			"import_wh": importWh,
			"export_wh": exportWh,
		}, ts)
	return s.writePoint(ctx, p)
}

// UpsertDailyPV rewrites the cumulative PV production for one local day.
func (s *InfluxStore) UpsertDailyPV(ctx context.Context, day string, inverterID string, kwh float64) error {
	ts, err := time.ParseInLocation("2006-01-02", day, time.Local)
	if err != nil {
		return hub.NewStorageError("upsert_daily_pv", inverterID, err)
	}
	p := influxdb2.NewPoint("pv_daily",
		map[string]string{"inverter_id": inverterID},
		map[string]interface{}{"pv_kwh": kwh}, ts)
	return s.writePoint(ctx, p)
}

// UpsertHourlyEnergy writes one materialized hour. The point timestamp is
// the hour start, making the rollup idempotent.
func (s *InfluxStore) UpsertHourlyEnergy(ctx context.Context, row interfaces.HourlyEnergy) error {
	day, err := time.ParseInLocation("2006-01-02", row.Date, time.Local)
	if err != nil {
		return hub.NewStorageError("upsert_hourly_energy", row.EntityID, err)
	}
	level := row.Level
	if level == "" {
		level = interfaces.LevelInverter
	}
	ts := day.Add(time.Duration(row.Hour) * time.Hour)
	p := influxdb2.NewPoint("energy_hourly",
		map[string]string{"entity_id": row.EntityID, "level": level},
		map[string]interface{}{
			"solar_kwh": row.SolarEnergyKWh,
			"load_kwh":  row.LoadEnergyKWh,
			"grid_kwh":  row.GridEnergyKWh,
			"batt_kwh":  row.BattEnergyKWh,
		}, ts)
	return s.writePoint(ctx, p)
}

// QueryInverterSamplesSince reads raw inverter power samples back out of
// the database, oldest first. Used once at startup to rebuild the hourly
// buckets the previous run never flushed.
func (s *InfluxStore) QueryInverterSamplesSince(ctx context.Context, since time.Time) ([]telemetry.InverterTelemetry, error) {
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s)
  |> filter(fn: (r) => r._measurement == "inverter")
  |> filter(fn: (r) => r._field == "pv_power_w" or r._field == "load_power_w" or r._field == "grid_power_w" or r._field == "batt_power_w")
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> sort(columns: ["_time"])`, s.bucket, since.UTC().Format(time.RFC3339))

	result, err := s.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, hub.NewStorageError("query_inverter_samples", "", err)
	}
	defer result.Close()

	var out []telemetry.InverterTelemetry
	for result.Next() {
		rec := result.Record()
		tel := telemetry.InverterTelemetry{Timestamp: rec.Time()}
		if v, ok := rec.ValueByKey("inverter_id").(string); ok {
			tel.InverterID = v
		}
		if v, ok := rec.ValueByKey("array_id").(string); ok {
			tel.ArrayID = v
		}
		if v, ok := rec.ValueByKey("pv_power_w").(float64); ok {
			tel.PVPowerW = v
		}
		if v, ok := rec.ValueByKey("load_power_w").(float64); ok {
			tel.LoadPowerW = v
		}
		if v, ok := rec.ValueByKey("grid_power_w").(float64); ok {
			tel.GridPowerW = v
		}
		if v, ok := rec.ValueByKey("batt_power_w").(float64); ok {
			tel.BatteryPowerW = v
		}
		if tel.InverterID != "" {
			out = append(out, tel)
		}
	}
	if result.Err() != nil {
		return nil, hub.NewStorageError("query_inverter_samples", "", result.Err())
	}
	return out, nil
}

// GetConfig reads a persisted configuration value.
func (s *InfluxStore) GetConfig(key string) (string, error) {
	return s.kv.Get(key)
}

// SetConfig persists a configuration value with its source.
func (s *InfluxStore) SetConfig(key, value, source string) error {
	return s.kv.Set(key, value, source)
}

// Health checks whether InfluxDB is reachable.
func (s *InfluxStore) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return hub.NewStorageError("health", "", err)
	}
	if health.Status != "pass" {
		return hub.NewStorageError("health", "", fmt.Errorf("status %s", health.Status))
	}
	return nil
}

// Flush is a no-op for the blocking write API; it exists so callers can
// treat the store uniformly during shutdown.
func (s *InfluxStore) Flush() {}

// Close stops the replay loop and releases the client.
func (s *InfluxStore) Close() {
	logger.Info().Msg("Closing InfluxDB connection")
	close(s.stop)
	s.client.Close()
}
