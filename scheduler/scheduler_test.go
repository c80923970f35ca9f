// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package scheduler

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/soothill/solar-energy-hub/adapter"
	"github.com/soothill/solar-energy-hub/telemetry"
)

type fixedTopo map[string][]string

func (f fixedTopo) InvertersForArray(arrayID string) []string { return f[arrayID] }

type memKV struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemKV() *memKV { return &memKV{m: make(map[string]string)} }

func (k *memKV) GetConfig(key string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.m[key], nil
}

func (k *memKV) SetConfig(key, value, _ string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value
	return nil
}

type emitRecorder struct {
	mu      sync.Mutex
	fail    bool
	applied map[string]map[string]float64 // inverter -> register -> value
	calls   int
}

func newEmitRecorder() *emitRecorder {
	return &emitRecorder{applied: make(map[string]map[string]float64)}
}

func (e *emitRecorder) emit(inverterID string, updates []adapter.RegisterUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return errors.New("queue full")
	}
	e.calls++
	regs := e.applied[inverterID]
	if regs == nil {
		regs = make(map[string]float64)
		e.applied[inverterID] = regs
	}
	for _, u := range updates {
		regs[u.ID] = u.Value
	}
	return nil
}

func (e *emitRecorder) value(inverterID, register string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.applied[inverterID][register]
	return v, ok
}

func (e *emitRecorder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func testPolicy() Policy {
	p := Policy{
		MinSOC:         20,
		MaxSOC:         95,
		TargetSOC:      80,
		GridChargeMode: true,
		MaxGridChargeW: 6000,
	}
	p.applyDefaults()
	return p
}

func testTariff(t *testing.T) *Tariff {
	t.Helper()
	tariff, err := NewTariff([]Window{
		{Name: "offpeak", Start: "00:00", End: "07:00", Priority: 1, GridChargeAllowed: true},
		{Name: "peak", Start: "16:00", End: "19:00", Priority: 1, Kind: WindowPeak, AllowDischarge: true},
		{Name: "standard", Start: "07:00", End: "00:00", Priority: 9},
	})
	if err != nil {
		t.Fatal(err)
	}
	return tariff
}

// testScheduler wires a scheduler over in-memory everything. The array
// reports through the telemetry manager exactly as the orchestrator would,
// with a healthy importing grid meter.
func testScheduler(t *testing.T, policy Policy, soc float64, now time.Time, emit *emitRecorder, kv StateStore) (*Scheduler, *telemetry.Manager) {
	t.Helper()
	tmgr := telemetry.NewManager()
	tmgr.RecordArray(telemetry.ArrayTelemetry{
		ArrayID:    "array1",
		Timestamp:  now,
		BatterySOC: soc,
	})
	tmgr.RecordMeter(telemetry.MeterTelemetry{
		MeterID:     "grid",
		Timestamp:   now,
		PowerW:      500,
		FrequencyHz: 50.0,
	})
	plans := []ArrayPlan{{
		ArrayID:     "array1",
		MeterID:     "grid",
		CapacityKWh: 20,
		RatedW:      map[string]float64{"inv1": 6000, "inv2": 3000},
	}}
	topo := fixedTopo{"array1": {"inv1", "inv2"}}
	s := New(policy, testTariff(t), plans, tmgr, topo, kv, nil, emit.emit, time.UTC, time.Minute)
	return s, tmgr
}

// dropGrid makes the meter read exactly zero while inv1 reports it has
// switched to off-grid operation.
func dropGrid(tmgr *telemetry.Manager, now time.Time) {
	tmgr.RecordMeter(telemetry.MeterTelemetry{
		MeterID: "grid", Timestamp: now, PowerW: 0, FrequencyHz: 50,
	})
	tmgr.RecordInverter(telemetry.InverterTelemetry{
		InverterID: "inv1", Timestamp: now, InverterMode: ModeBackup,
	})
}

func TestTickSelfConsumptionAtHealthySOC(t *testing.T) {
	now := at(12, 0) // outside the grid-charge window
	emit := newEmitRecorder()
	s, _ := testScheduler(t, testPolicy(), 60, now, emit, newMemKV())

	s.Tick(now)
	mode, ok := emit.value("inv1", "inverter_mode")
	if !ok || mode != 0 {
		t.Errorf("inverter_mode = %v, %v; want self_consumption (0)", mode, ok)
	}
	if _, ok := emit.value("inv1", "max_charge_power"); ok {
		t.Error("charge power written outside grid charging")
	}
}

func TestTickGridChargeInWindow(t *testing.T) {
	now := at(2, 0) // offpeak, grid charging allowed
	emit := newEmitRecorder()
	s, _ := testScheduler(t, testPolicy(), 50, now, emit, newMemKV())

	s.Tick(now)
	mode, _ := emit.value("inv1", "inverter_mode")
	if mode != 2 {
		t.Fatalf("inverter_mode = %v, want grid_charge (2)", mode)
	}
	// Shortfall (80-50)% of 20 kWh = 6 kWh over the 5 h until the 07:00
	// deadline = 1200 W, split equally and floored to the 100 W step.
	for _, inv := range []string{"inv1", "inv2"} {
		w, ok := emit.value(inv, "max_charge_power")
		if !ok || math.Abs(w-600) > 1e-9 {
			t.Errorf("%s max_charge_power = %v, %v; want 600", inv, w, ok)
		}
	}
}

func TestTickStandbyAtEmergencyFloorOutsideWindow(t *testing.T) {
	now := at(12, 0)
	emit := newEmitRecorder()
	// Emergency floor defaults to min_soc: 15% is under it, and noon is not
	// a charge window.
	s, _ := testScheduler(t, testPolicy(), 15, now, emit, newMemKV())

	s.Tick(now)
	mode, _ := emit.value("inv1", "inverter_mode")
	if mode != 1 {
		t.Errorf("inverter_mode = %v, want standby (1)", mode)
	}
}

func TestTickCriticalSOCChargesOutsideWindow(t *testing.T) {
	now := at(12, 0) // standard window, no grid charging allowed
	emit := newEmitRecorder()
	s, _ := testScheduler(t, testPolicy(), 8, now, emit, newMemKV())

	s.Tick(now)
	mode, _ := emit.value("inv1", "inverter_mode")
	if mode != 2 {
		t.Fatalf("inverter_mode = %v, want grid_charge (2) below the critical floor", mode)
	}
	if w, ok := emit.value("inv1", "max_charge_power"); !ok || w <= 0 {
		t.Errorf("max_charge_power = %v, %v; want a positive charge", w, ok)
	}
}

func TestTickBackupOnGridLoss(t *testing.T) {
	now := at(12, 0)
	emit := newEmitRecorder()
	s, tmgr := testScheduler(t, testPolicy(), 60, now, emit, newMemKV())

	dropGrid(tmgr, now)
	s.Tick(now)
	mode, _ := emit.value("inv2", "inverter_mode")
	if mode != 3 {
		t.Errorf("inverter_mode = %v, want backup (3)", mode)
	}
}

func TestTickStandbyOffGridBelowStartupSOC(t *testing.T) {
	now := at(12, 0)
	emit := newEmitRecorder()
	s, tmgr := testScheduler(t, testPolicy(), 18, now, emit, newMemKV())

	dropGrid(tmgr, now)
	s.Tick(now)
	mode, _ := emit.value("inv2", "inverter_mode")
	if mode != 1 {
		t.Errorf("inverter_mode = %v, want standby (1) below the off-grid startup floor", mode)
	}
}

func TestGridStaysUpOnFrequencyDipAlone(t *testing.T) {
	now := at(12, 0)
	emit := newEmitRecorder()
	s, tmgr := testScheduler(t, testPolicy(), 60, now, emit, newMemKV())

	// Frequency collapses but power still flows and no inverter has
	// switched to off-grid operation.
	tmgr.RecordMeter(telemetry.MeterTelemetry{
		MeterID: "grid", Timestamp: now, PowerW: 300, FrequencyHz: 0,
	})
	s.Tick(now)
	mode, _ := emit.value("inv1", "inverter_mode")
	if mode != 0 {
		t.Errorf("inverter_mode = %v, want self_consumption (0): a frequency dip alone is not grid loss", mode)
	}
}

func TestGridStaysUpAtZeroPowerWithoutOffGridMode(t *testing.T) {
	now := at(12, 0)
	emit := newEmitRecorder()
	s, tmgr := testScheduler(t, testPolicy(), 60, now, emit, newMemKV())

	// A perfectly balanced house can read exactly zero import; that is not
	// an outage while the inverters stay on-grid.
	tmgr.RecordMeter(telemetry.MeterTelemetry{
		MeterID: "grid", Timestamp: now, PowerW: 0, FrequencyHz: 50,
	})
	s.Tick(now)
	mode, _ := emit.value("inv1", "inverter_mode")
	if mode != 0 {
		t.Errorf("inverter_mode = %v, want self_consumption (0)", mode)
	}
}

func TestGridLossFallsBackToArrayWhenMeterSilent(t *testing.T) {
	now := at(12, 0)
	emit := newEmitRecorder()
	s, tmgr := testScheduler(t, testPolicy(), 60, now, emit, newMemKV())

	// The meter went silent; the array aggregate reads zero grid power and
	// inv1 reports off-grid operation.
	tmgr.RecordMeter(telemetry.MeterTelemetry{
		MeterID: "grid", Timestamp: now.Add(-5 * time.Minute), PowerW: 400, FrequencyHz: 50,
	})
	tmgr.RecordArray(telemetry.ArrayTelemetry{
		ArrayID: "array1", Timestamp: now, BatterySOC: 60, GridPowerW: 0,
	})
	tmgr.RecordInverter(telemetry.InverterTelemetry{
		InverterID: "inv1", Timestamp: now, InverterMode: ModeBackup,
	})
	s.Tick(now)
	mode, _ := emit.value("inv2", "inverter_mode")
	if mode != 3 {
		t.Errorf("inverter_mode = %v, want backup (3)", mode)
	}
}

func TestTickPeakWindowDischarges(t *testing.T) {
	now := at(17, 0) // peak window with discharge allowed
	p := testPolicy()
	p.PrimaryMode = PrimaryTimeBased
	p.MaxDischargeW = 4000
	emit := newEmitRecorder()
	s, _ := testScheduler(t, p, 60, now, emit, newMemKV())

	s.Tick(now)
	mode, _ := emit.value("inv1", "inverter_mode")
	if mode != 0 {
		t.Fatalf("inverter_mode = %v, want self_consumption (0)", mode)
	}
	for _, inv := range []string{"inv1", "inv2"} {
		w, ok := emit.value(inv, "max_discharge_power")
		if !ok || math.Abs(w-2000) > 1e-9 {
			t.Errorf("%s max_discharge_power = %v, %v; want 2000", inv, w, ok)
		}
	}
}

func TestTickPeakWindowHoldsAtDischargeFloor(t *testing.T) {
	now := at(17, 0)
	p := testPolicy()
	p.PrimaryMode = PrimaryTimeBased
	p.MaxDischargeW = 4000
	emit := newEmitRecorder()
	// Emergency floor 20 plus the 2% buffer: 21% is inside it.
	s, _ := testScheduler(t, p, 21, now, emit, newMemKV())

	s.Tick(now)
	mode, _ := emit.value("inv1", "inverter_mode")
	if mode != 1 {
		t.Errorf("inverter_mode = %v, want standby (1) at the discharge floor", mode)
	}
	if _, ok := emit.value("inv1", "max_discharge_power"); ok {
		t.Error("discharge cap written while holding at the floor")
	}
}

func TestTickConserveOnBadTomorrowSkipsPeakDischarge(t *testing.T) {
	now := at(17, 0)
	p := testPolicy()
	p.PrimaryMode = PrimaryTimeBased
	p.MaxDischargeW = 4000
	p.ConserveOnBadTomorrow = true
	emit := newEmitRecorder()
	s, _ := testScheduler(t, p, 60, now, emit, newMemKV())
	s.forecast = func(from, to time.Time) (float64, bool) { return 2, true } // under bad_sun_threshold_kwh

	s.Tick(now)
	mode, _ := emit.value("inv1", "inverter_mode")
	if mode != 0 {
		t.Fatalf("inverter_mode = %v, want self_consumption (0)", mode)
	}
	if _, ok := emit.value("inv1", "max_discharge_power"); ok {
		t.Error("peak discharge ran despite a bad forecast for tomorrow")
	}
}

func TestEffectiveModeAutoSwitching(t *testing.T) {
	now := at(17, 0)
	p := testPolicy()
	p.PrimaryMode = PrimaryTimeBased
	p.AutoModeSwitch = true
	s, _ := testScheduler(t, p, 50, now, newEmitRecorder(), newMemKV())
	invs := []string{"inv1", "inv2"}

	// Within close_to_target_threshold_pct of the 80% target: self-use.
	tel := telemetry.ArrayTelemetry{ArrayID: "array1", BatterySOC: 78}
	if got := s.effectiveMode(now, s.plans[0], tel, invs); got != PrimarySelfUse {
		t.Errorf("effectiveMode near target = %q, want self_use", got)
	}

	// Plenty of headroom and no forecast: time-based stands.
	tel.BatterySOC = 50
	if got := s.effectiveMode(now, s.plans[0], tel, invs); got != PrimaryTimeBased {
		t.Errorf("effectiveMode with headroom = %q, want time_based", got)
	}

	// Poor weather tomorrow switches to self-use.
	s.forecast = func(from, to time.Time) (float64, bool) { return 1, true }
	if got := s.effectiveMode(now, s.plans[0], tel, invs); got != PrimarySelfUse {
		t.Errorf("effectiveMode with poor forecast = %q, want self_use", got)
	}

	// Without auto switching the primary mode always stands.
	s.policy.AutoModeSwitch = false
	if got := s.effectiveMode(now, s.plans[0], tel, invs); got != PrimaryTimeBased {
		t.Errorf("effectiveMode without auto switching = %q, want time_based", got)
	}
}

func TestTickSkipsStaleArrayTelemetry(t *testing.T) {
	now := at(12, 0)
	emit := newEmitRecorder()
	s, tmgr := testScheduler(t, testPolicy(), 60, now.Add(-10*time.Minute), emit, newMemKV())
	_ = tmgr

	s.Tick(now)
	if emit.callCount() != 0 {
		t.Errorf("emitted %d times on stale telemetry", emit.callCount())
	}
}

func TestTickIsIdempotent(t *testing.T) {
	now := at(12, 0)
	emit := newEmitRecorder()
	s, tmgr := testScheduler(t, testPolicy(), 60, now, emit, newMemKV())

	s.Tick(now)
	first := emit.callCount()
	if first == 0 {
		t.Fatal("first tick emitted nothing")
	}

	// Same conditions a minute later: nothing changed, nothing re-emitted.
	later := now.Add(time.Minute)
	tmgr.RecordArray(telemetry.ArrayTelemetry{ArrayID: "array1", Timestamp: later, BatterySOC: 60})
	tmgr.RecordMeter(telemetry.MeterTelemetry{MeterID: "grid", Timestamp: later, PowerW: 500, FrequencyHz: 50})
	s.Tick(later)
	if emit.callCount() != first {
		t.Errorf("unchanged state re-emitted: %d -> %d calls", first, emit.callCount())
	}
}

func TestDedupSurvivesRestart(t *testing.T) {
	now := at(12, 0)
	kv := newMemKV()
	emit := newEmitRecorder()
	s, _ := testScheduler(t, testPolicy(), 60, now, emit, kv)
	s.Tick(now)
	if emit.callCount() == 0 {
		t.Fatal("first scheduler emitted nothing")
	}

	// A fresh scheduler over the same KV sees the persisted values and stays
	// quiet.
	emit2 := newEmitRecorder()
	s2, _ := testScheduler(t, testPolicy(), 60, now, emit2, kv)
	s2.Tick(now)
	if emit2.callCount() != 0 {
		t.Errorf("restarted scheduler re-emitted %d times", emit2.callCount())
	}
}

func TestEmitFailureRetriesNextTick(t *testing.T) {
	now := at(12, 0)
	emit := newEmitRecorder()
	emit.fail = true
	s, tmgr := testScheduler(t, testPolicy(), 60, now, emit, newMemKV())

	s.Tick(now)
	if emit.callCount() != 0 {
		t.Fatal("failed emit counted as applied")
	}

	emit.mu.Lock()
	emit.fail = false
	emit.mu.Unlock()
	later := now.Add(time.Minute)
	tmgr.RecordArray(telemetry.ArrayTelemetry{ArrayID: "array1", Timestamp: later, BatterySOC: 60})
	tmgr.RecordMeter(telemetry.MeterTelemetry{MeterID: "grid", Timestamp: later, PowerW: 500, FrequencyHz: 50})
	s.Tick(later)
	if mode, ok := emit.value("inv1", "inverter_mode"); !ok || mode != 0 {
		t.Errorf("retry after failed emit did not apply: %v, %v", mode, ok)
	}
}

func TestSplitRated(t *testing.T) {
	p := testPolicy()
	p.Split = "rated"
	emit := newEmitRecorder()
	s, _ := testScheduler(t, p, 50, at(2, 0), emit, newMemKV())

	shares := s.split(3000, []string{"inv1", "inv2"}, s.plans[0])
	if shares["inv1"] != 2000 || shares["inv2"] != 1000 {
		t.Errorf("rated split = %v", shares)
	}
}

func TestSplitHeadroom(t *testing.T) {
	p := testPolicy()
	p.Split = "headroom"
	emit := newEmitRecorder()
	s, tmgr := testScheduler(t, p, 50, at(2, 0), emit, newMemKV())

	// inv1 is already charging at 4000 W of its 6000 W rating; inv2 is idle
	// at 3000 W rated. Headroom 2000 vs 3000.
	tmgr.RecordInverter(telemetry.InverterTelemetry{InverterID: "inv1", BatteryPowerW: 4000})
	tmgr.RecordInverter(telemetry.InverterTelemetry{InverterID: "inv2", BatteryPowerW: 0})

	shares := s.split(2500, []string{"inv1", "inv2"}, s.plans[0])
	if shares["inv1"] != 1000 || shares["inv2"] != 1500 {
		t.Errorf("headroom split = %v", shares)
	}
}

func TestSplitQuantizeAndMinimum(t *testing.T) {
	p := testPolicy()
	p.MinW = 800
	emit := newEmitRecorder()
	s, _ := testScheduler(t, p, 50, at(2, 0), emit, newMemKV())

	// 1500/2 = 750, floored to 700, below the 800 W minimum: both dropped.
	shares := s.split(1500, []string{"inv1", "inv2"}, s.plans[0])
	if len(shares) != 0 {
		t.Errorf("shares below min_w survived: %v", shares)
	}

	// 2500/2 = 1250 floors to 1200 and clears the minimum.
	shares = s.split(2500, []string{"inv1", "inv2"}, s.plans[0])
	if shares["inv1"] != 1200 || shares["inv2"] != 1200 {
		t.Errorf("quantized split = %v", shares)
	}
}

func TestSizeGridChargeClamps(t *testing.T) {
	p := testPolicy()
	p.MaxGridChargeW = 1000
	emit := newEmitRecorder()
	s, _ := testScheduler(t, p, 50, at(2, 0), emit, newMemKV())
	invs := []string{"inv1", "inv2"}

	tel := telemetry.ArrayTelemetry{ArrayID: "array1", BatterySOC: 50}
	if w := s.sizeGridCharge(at(2, 0), s.plans[0], tel, invs, true); w != 1000 {
		t.Errorf("sizeGridCharge = %v, want policy clamp 1000", w)
	}

	// Pack charge rating clamps harder than the policy.
	p.MaxGridChargeW = 0
	s2, _ := testScheduler(t, p, 50, at(2, 0), newEmitRecorder(), newMemKV())
	tel.MaxChargeKW = 0.5
	if w := s2.sizeGridCharge(at(2, 0), s2.plans[0], tel, invs, true); w != 500 {
		t.Errorf("sizeGridCharge = %v, want pack clamp 500", w)
	}
}

func TestSizeGridChargeHonorsDailyBudget(t *testing.T) {
	p := testPolicy()
	p.MaxGridKWhPerDay = 2
	now := at(2, 0)
	s, _ := testScheduler(t, p, 50, now, newEmitRecorder(), newMemKV())
	invs := []string{"inv1", "inv2"}
	tel := telemetry.ArrayTelemetry{ArrayID: "array1", BatterySOC: 50}

	// The 6 kWh shortfall is capped at the 2 kWh budget: 2 kWh over the 5 h
	// to the deadline is 400 W.
	if w := s.sizeGridCharge(now, s.plans[0], tel, invs, true); math.Abs(w-400) > 1e-9 {
		t.Errorf("sizeGridCharge = %v, want budget-capped 400", w)
	}

	// Once the day's budget is spent, budgeted charging stops but a critical
	// charge still goes through.
	s.noteGridCharge(now, "array1", 120000) // 120 kW for the 1 min interval = 2 kWh
	if w := s.sizeGridCharge(now, s.plans[0], tel, invs, true); w != 0 {
		t.Errorf("sizeGridCharge = %v after budget exhausted, want 0", w)
	}
	if w := s.sizeGridCharge(now, s.plans[0], tel, invs, false); w <= 0 {
		t.Errorf("unbudgeted sizeGridCharge = %v, want positive", w)
	}
}

func TestEnergyShortfallNetsLoadAgainstForecast(t *testing.T) {
	p := testPolicy()
	p.Deadline = "23:00" // after sunset, so the PV forecast applies
	emit := newEmitRecorder()
	s, _ := testScheduler(t, p, 50, at(12, 0), emit, newMemKV())
	invs := []string{"inv1", "inv2"}
	tel := telemetry.ArrayTelemetry{ArrayID: "array1", BatterySOC: 50}

	// 6 kWh forecast minus the fallback 0.5 kW load over the 6 h to sunset
	// leaves a 3 kWh surplus against the 6 kWh shortfall.
	s.forecast = func(from, to time.Time) (float64, bool) { return 6, true }
	if need := s.energyShortfall(at(12, 0), s.plans[0], tel, invs); math.Abs(need-3) > 1e-9 {
		t.Errorf("energyShortfall = %v, want 3 after netting the load", need)
	}

	// A 9 kWh forecast covers the shortfall outright.
	s.forecast = func(from, to time.Time) (float64, bool) { return 9, true }
	if need := s.energyShortfall(at(12, 0), s.plans[0], tel, invs); need != 0 {
		t.Errorf("energyShortfall = %v with covering forecast, want 0", need)
	}
}

func TestEffectiveTargetDynamicFloors(t *testing.T) {
	p := testPolicy()
	p.TargetSOC = 40
	p.EmergencyReserveHours = 8
	now := at(12, 0)
	s, _ := testScheduler(t, p, 50, now, newEmitRecorder(), newMemKV())

	// 2 kW for 8 h on a 20 kWh pack is 80% of capacity on top of the 20%
	// emergency floor, capped at max_soc.
	if got := s.effectiveTarget(now, s.plans[0], 2); got != s.policy.MaxSOC {
		t.Errorf("effectiveTarget = %v, want max_soc cap %v", got, s.policy.MaxSOC)
	}

	// A light load asks for less: 0.5 kW * 8 h / 20 kWh = 20% + floor 20 = 40,
	// no higher than the configured target.
	if got := s.effectiveTarget(now, s.plans[0], 0.5); got != 40 {
		t.Errorf("effectiveTarget = %v, want 40", got)
	}

	// target_full_before_sunset overrides the lot.
	s.policy.TargetFullBeforeSunset = true
	if got := s.effectiveTarget(now, s.plans[0], 0.5); got != s.policy.MaxSOC {
		t.Errorf("effectiveTarget with full-before-sunset = %v, want %v", got, s.policy.MaxSOC)
	}
}

func TestPolicyValidate(t *testing.T) {
	good := Policy{MinSOC: 20, MaxSOC: 95, TargetSOC: 80}
	if err := good.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	bad := Policy{MinSOC: 60, MaxSOC: 40}
	if err := bad.Validate(); err == nil {
		t.Error("Validate() accepted max_soc below min_soc")
	}

	badSplit := Policy{MinSOC: 20, MaxSOC: 95, Split: "roundrobin"}
	if err := badSplit.Validate(); err == nil {
		t.Error("Validate() accepted an unknown split strategy")
	}

	badTime := Policy{MinSOC: 20, MaxSOC: 95, Deadline: "25:00"}
	if err := badTime.Validate(); err == nil {
		t.Error("Validate() accepted an invalid deadline")
	}

	badMode := Policy{MinSOC: 20, MaxSOC: 95, PrimaryMode: "always_on"}
	if err := badMode.Validate(); err == nil {
		t.Error("Validate() accepted an unknown primary mode")
	}
}
