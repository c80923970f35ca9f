// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package aggregate rolls telemetry up the hierarchy: battery banks into
// packs, inverters and packs into arrays, arrays and meters into systems.
// Aggregates carry the oldest contributing timestamp so consumers can see
// how stale the worst input is.
package aggregate

import (
	"time"

	"github.com/soothill/solar-energy-hub/telemetry"
)

// PackSpec describes one battery pack: the banks that make it up and its
// rated limits.
type PackSpec struct {
	PackID         string
	BankIDs        []string
	CapacityKWh    map[string]float64 // per bank; missing banks weigh 1 kWh
	MaxChargeKW    float64
	MaxDischargeKW float64
}

// ArraySpec describes one inverter array and its attached battery packs.
type ArraySpec struct {
	ArrayID     string
	InverterIDs []string
	PackIDs     []string
}

// SystemSpec is the top of the hierarchy.
type SystemSpec struct {
	SystemID string
	ArrayIDs []string
	MeterIDs []string
}

func (s PackSpec) weight(bankID string) float64 {
	if w, ok := s.CapacityKWh[bankID]; ok && w > 0 {
		return w
	}
	return 1
}

// Pack rolls bank snapshots into one pack snapshot. Voltage and SOC are
// capacity-weighted, currents sum, temperature takes the thermal worst case.
func Pack(spec PackSpec, banks []telemetry.BatteryBankTelemetry) telemetry.PackTelemetry {
	out := telemetry.PackTelemetry{PackID: spec.PackID}
	if len(banks) == 0 {
		return out
	}

	var weightSum, voltSum, socSum float64
	for _, b := range banks {
		w := spec.weight(b.BankID)
		weightSum += w
		voltSum += b.VoltageV * w
		socSum += b.SOC * w
		out.CurrentA += b.CurrentA
		out.PowerW += b.VoltageV * b.CurrentA
		if b.TempC > out.TempC {
			out.TempC = b.TempC
		}
		out.MemberIDs = append(out.MemberIDs, b.BankID)
		if out.Timestamp.IsZero() || b.Timestamp.Before(out.Timestamp) {
			out.Timestamp = b.Timestamp
		}
	}
	out.VoltageV = voltSum / weightSum
	out.SOC = socSum / weightSum
	return out
}

// Array rolls inverter snapshots and pack snapshots into one array snapshot.
// Battery SOC comes from the packs when any are attached; otherwise the
// inverter-reported SOC average stands in, marked in extra so dashboards
// know the provenance.
func Array(spec ArraySpec, inverters []telemetry.InverterTelemetry, packs []telemetry.PackTelemetry, packSpecs map[string]PackSpec) telemetry.ArrayTelemetry {
	out := telemetry.ArrayTelemetry{ArrayID: spec.ArrayID}

	for _, inv := range inverters {
		out.PVPowerW += inv.PVPowerW
		out.LoadPowerW += inv.LoadPowerW
		out.GridPowerW += inv.GridPowerW
		out.BatteryPowerW += inv.BatteryPowerW
		out.MemberIDs = append(out.MemberIDs, inv.InverterID)
		if out.Timestamp.IsZero() || inv.Timestamp.Before(out.Timestamp) {
			out.Timestamp = inv.Timestamp
		}
	}

	if len(packs) > 0 {
		var weightSum, socSum, voltSum float64
		for _, p := range packs {
			w := 1.0
			if ps, ok := packSpecs[p.PackID]; ok {
				var capSum float64
				for _, c := range ps.CapacityKWh {
					capSum += c
				}
				if capSum > 0 {
					w = capSum
				}
				out.MaxChargeKW += ps.MaxChargeKW
				out.MaxDischargeKW += ps.MaxDischargeKW
			}
			weightSum += w
			socSum += p.SOC * w
			voltSum += p.VoltageV * w
			out.MemberIDs = append(out.MemberIDs, p.PackID)
			if out.Timestamp.IsZero() || p.Timestamp.Before(out.Timestamp) {
				out.Timestamp = p.Timestamp
			}
		}
		out.BatterySOC = socSum / weightSum
		out.BatteryVoltage = voltSum / weightSum
	} else if len(inverters) > 0 {
		var socSum, voltSum float64
		for _, inv := range inverters {
			socSum += inv.BatterySOC
			voltSum += inv.BatteryVoltage
		}
		out.BatterySOC = socSum / float64(len(inverters))
		out.BatteryVoltage = voltSum / float64(len(inverters))
		out.Extra = map[string]any{"soc_source": "inverter"}
	}

	return out
}

// System rolls arrays and meters into the top-level snapshot. When any
// meter contributes, its measured grid power replaces the inverter-derived
// sum: the meter sits at the point of interconnection and wins.
func System(spec SystemSpec, arrays []telemetry.ArrayTelemetry, meters []telemetry.MeterTelemetry) telemetry.SystemTelemetry {
	out := telemetry.SystemTelemetry{SystemID: spec.SystemID}

	var socSum float64
	for _, a := range arrays {
		out.PVPowerW += a.PVPowerW
		out.LoadPowerW += a.LoadPowerW
		out.GridPowerW += a.GridPowerW
		out.BatteryPowerW += a.BatteryPowerW
		socSum += a.BatterySOC
		out.MemberIDs = append(out.MemberIDs, a.ArrayID)
		if out.Timestamp.IsZero() || a.Timestamp.Before(out.Timestamp) {
			out.Timestamp = a.Timestamp
		}
	}
	if len(arrays) > 0 {
		out.BatterySOC = socSum / float64(len(arrays))
	}

	if len(meters) > 0 {
		var metered float64
		for _, m := range meters {
			metered += m.PowerW
			out.MemberIDs = append(out.MemberIDs, m.MeterID)
			if out.Timestamp.IsZero() || m.Timestamp.Before(out.Timestamp) {
				out.Timestamp = m.Timestamp
			}
		}
		out.GridPowerW = metered
		out.Extra = map[string]any{"grid_source": "meter"}
	}

	return out
}

// Bank derives pack-style figures for a single bank when no multi-bank pack
// is configured; the orchestrator uses it so every bank still appears in
// the pack layer.
func Bank(bankID string, tel telemetry.BatteryBankTelemetry) telemetry.PackTelemetry {
	return Pack(PackSpec{PackID: bankID, BankIDs: []string{bankID}},
		[]telemetry.BatteryBankTelemetry{tel})
}

// Staleness reports the age of the oldest contributing sample.
func Staleness(ts time.Time, now time.Time) time.Duration {
	if ts.IsZero() {
		return 0
	}
	return now.Sub(ts)
}
