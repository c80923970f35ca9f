// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package energy integrates power samples into hourly energy. Integration
// is trapezoidal between consecutive samples, with intervals split exactly
// at hour boundaries so each bucket holds only its own hour.
package energy

import (
	"context"
	"sync"
	"time"

	"github.com/soothill/solar-energy-hub/pkg/interfaces"
	"github.com/soothill/solar-energy-hub/pkg/logger"
	"github.com/soothill/solar-energy-hub/telemetry"
)

// Samples further apart than this break the integration chain: assuming
// constant power across a long gap would fabricate energy.
const maxSampleGap = 10 * time.Minute

type sample struct {
	ts                   time.Time
	pv, load, grid, batt float64 // watts
}

type bucketKey struct {
	inverterID string
	date       string // local YYYY-MM-DD
	hour       int
}

type bucket struct {
	solarKWh, loadKWh, gridKWh, battKWh float64
}

// Accumulator holds the in-flight hourly buckets for every inverter.
type Accumulator struct {
	mu      sync.Mutex
	loc     *time.Location
	last    map[string]sample
	buckets map[bucketKey]*bucket
	// rolled-up solar kWh per date per inverter, kept so the daily PV
	// figure still includes hours already flushed to the store
	dailySolar map[string]map[string]float64
	// arrayOf is learned from the samples themselves; systemOf comes from
	// the configured hierarchy. Both feed the aggregate rollup rows.
	arrayOf  map[string]string
	systemOf map[string]string
}

// NewAccumulator creates an accumulator using the given local timezone for
// bucket boundaries.
func NewAccumulator(loc *time.Location) *Accumulator {
	if loc == nil {
		loc = time.Local
	}
	return &Accumulator{
		loc:        loc,
		last:       make(map[string]sample),
		buckets:    make(map[bucketKey]*bucket),
		dailySolar: make(map[string]map[string]float64),
		arrayOf:    make(map[string]string),
		systemOf:   make(map[string]string),
	}
}

// SetSystems installs the array-to-system mapping so the rollup can write
// system rows alongside the array sums.
func (a *Accumulator) SetSystems(systemOf map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.systemOf = make(map[string]string, len(systemOf))
	for arrayID, systemID := range systemOf {
		a.systemOf[arrayID] = systemID
	}
}

// Location returns the timezone bucket boundaries are computed in.
func (a *Accumulator) Location() *time.Location {
	return a.loc
}

// Record integrates the interval between the previous sample and this one.
func (a *Accumulator) Record(tel telemetry.InverterTelemetry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := sample{
		ts:   tel.Timestamp.In(a.loc),
		pv:   tel.PVPowerW,
		load: tel.LoadPowerW,
		grid: tel.GridPowerW,
		batt: tel.BatteryPowerW,
	}
	if tel.ArrayID != "" {
		a.arrayOf[tel.InverterID] = tel.ArrayID
	}
	prev, ok := a.last[tel.InverterID]
	a.last[tel.InverterID] = cur
	if !ok || !cur.ts.After(prev.ts) || cur.ts.Sub(prev.ts) > maxSampleGap {
		return
	}

	// Walk the interval, cutting at each hour boundary. Power within a
	// segment is linearly interpolated, so each piece is a trapezoid.
	for prev.ts.Before(cur.ts) {
		boundary := prev.ts.Truncate(time.Hour).Add(time.Hour)
		end := cur.ts
		endSample := cur
		if boundary.Before(cur.ts) {
			end = boundary
			endSample = interpolate(prev, cur, boundary)
		}

		key := bucketKey{
			inverterID: tel.InverterID,
			date:       prev.ts.Format("2006-01-02"),
			hour:       prev.ts.Hour(),
		}
		b, ok := a.buckets[key]
		if !ok {
			b = &bucket{}
			a.buckets[key] = b
		}
		hours := end.Sub(prev.ts).Hours()
		b.solarKWh += (prev.pv + endSample.pv) / 2 * hours / 1000
		b.loadKWh += (prev.load + endSample.load) / 2 * hours / 1000
		b.gridKWh += (prev.grid + endSample.grid) / 2 * hours / 1000
		b.battKWh += (prev.batt + endSample.batt) / 2 * hours / 1000

		prev = endSample
		prev.ts = end
	}
}

func interpolate(p, c sample, at time.Time) sample {
	span := c.ts.Sub(p.ts).Seconds()
	if span <= 0 {
		return c
	}
	f := at.Sub(p.ts).Seconds() / span
	return sample{
		ts:   at,
		pv:   p.pv + (c.pv-p.pv)*f,
		load: p.load + (c.load-p.load)*f,
		grid: p.grid + (c.grid-p.grid)*f,
		batt: p.batt + (c.batt-p.batt)*f,
	}
}

// Rollup upserts every bucket for hours that have fully elapsed and drops
// them from memory. Current-hour buckets keep accumulating. Upserting the
// same hour twice writes the same row, so re-running after a restart or a
// failed store write is safe.
func (a *Accumulator) Rollup(ctx context.Context, store interfaces.TelemetryStore, now time.Time) int {
	a.mu.Lock()
	type pending struct {
		key bucketKey
		row interfaces.HourlyEnergy
	}
	var rows []pending
	nowLocal := now.In(a.loc)
	currentDate := nowLocal.Format("2006-01-02")
	currentHour := nowLocal.Hour()
	for key, b := range a.buckets {
		if key.date == currentDate && key.hour == currentHour {
			continue
		}
		rows = append(rows, pending{key: key, row: interfaces.HourlyEnergy{
			EntityID:       key.inverterID,
			Level:          interfaces.LevelInverter,
			Date:           key.date,
			Hour:           key.hour,
			SolarEnergyKWh: b.solarKWh,
			LoadEnergyKWh:  b.loadKWh,
			GridEnergyKWh:  b.gridKWh,
			BattEnergyKWh:  b.battKWh,
		}})
	}
	a.mu.Unlock()

	written := 0
	var flushed []interfaces.HourlyEnergy
	for _, p := range rows {
		if err := store.UpsertHourlyEnergy(ctx, p.row); err != nil {
			logger.Warn().Err(err).Str("inverter_id", p.row.EntityID).
				Str("date", p.row.Date).Int("hour", p.row.Hour).
				Msg("Hourly rollup write failed, keeping bucket")
			continue
		}
		a.mu.Lock()
		delete(a.buckets, p.key)
		day := a.dailySolar[p.key.date]
		if day == nil {
			day = make(map[string]float64)
			a.dailySolar[p.key.date] = day
		}
		day[p.key.inverterID] += p.row.SolarEnergyKWh
		for d := range a.dailySolar {
			if d != p.key.date && d != currentDate {
				delete(a.dailySolar, d)
			}
		}
		a.mu.Unlock()
		flushed = append(flushed, p.row)
		written++
	}
	written += a.rollupAggregates(ctx, store, flushed)
	if written > 0 {
		logger.Debug().Int("rows", written).Msg("Hourly energy rollup written")
	}
	return written
}

// rollupAggregates sums the flushed inverter rows into array and system
// rows for the same hours. A write failure here only loses the aggregate
// row; the inverter rows it derives from are already persisted.
func (a *Accumulator) rollupAggregates(ctx context.Context, store interfaces.TelemetryStore, flushed []interfaces.HourlyEnergy) int {
	if len(flushed) == 0 {
		return 0
	}
	type aggKey struct {
		entityID string
		level    string
		date     string
		hour     int
	}
	sums := make(map[aggKey]*interfaces.HourlyEnergy)
	add := func(k aggKey, row interfaces.HourlyEnergy) {
		s, ok := sums[k]
		if !ok {
			s = &interfaces.HourlyEnergy{EntityID: k.entityID, Level: k.level, Date: k.date, Hour: k.hour}
			sums[k] = s
		}
		s.SolarEnergyKWh += row.SolarEnergyKWh
		s.LoadEnergyKWh += row.LoadEnergyKWh
		s.GridEnergyKWh += row.GridEnergyKWh
		s.BattEnergyKWh += row.BattEnergyKWh
	}

	a.mu.Lock()
	for _, row := range flushed {
		arrayID := a.arrayOf[row.EntityID]
		if arrayID == "" {
			continue
		}
		add(aggKey{arrayID, interfaces.LevelArray, row.Date, row.Hour}, row)
		if systemID := a.systemOf[arrayID]; systemID != "" {
			add(aggKey{systemID, interfaces.LevelSystem, row.Date, row.Hour}, row)
		}
	}
	a.mu.Unlock()

	written := 0
	for _, row := range sums {
		if err := store.UpsertHourlyEnergy(ctx, *row); err != nil {
			logger.Warn().Err(err).Str("entity_id", row.EntityID).Str("level", row.Level).
				Msg("Aggregate rollup write failed")
			continue
		}
		written++
	}
	return written
}

// DailyPV sums the day's solar energy per inverter: rolled-up hours plus
// whatever the live buckets hold.
func (a *Accumulator) DailyPV(day string) map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64)
	for id, kwh := range a.dailySolar[day] {
		out[id] += kwh
	}
	for key, b := range a.buckets {
		if key.date == day {
			out[key.inverterID] += b.solarKWh
		}
	}
	return out
}
