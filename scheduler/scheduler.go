// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package scheduler

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/soothill/solar-energy-hub/adapter"
	"github.com/soothill/solar-energy-hub/pkg/logger"
	"github.com/soothill/solar-energy-hub/pkg/metrics"
	"github.com/soothill/solar-energy-hub/telemetry"
)

// Operating modes the scheduler can ask an inverter for.
const (
	ModeSelfConsumption = "self_consumption"
	ModeGridCharge      = "grid_charge"
	ModeStandby         = "standby"
	ModeBackup          = "backup"
)

// Primary scheduling strategies.
const (
	PrimarySelfUse   = "self_use"
	PrimaryTimeBased = "time_based"
)

const (
	// gridSampleMaxAge is how long a meter sample stays authoritative for
	// grid power; past it the array's own grid reading is used instead.
	gridSampleMaxAge = 3 * time.Minute

	// dischargeFloorBufferPct sits on top of the emergency floor before a
	// peak window is allowed to drain the battery.
	dischargeFloorBufferPct = 2
)

// Policy is the tunable decision surface. Validated at load time.
type Policy struct {
	PrimaryMode    string `yaml:"primary_mode" validate:"omitempty,oneof=self_use time_based"`
	AutoModeSwitch bool   `yaml:"enable_auto_mode_switching"`

	MinSOC    float64 `yaml:"min_soc" validate:"gte=0,lte=100"`
	MaxSOC    float64 `yaml:"max_soc" validate:"gte=0,lte=100,gtefield=MinSOC"`
	TargetSOC float64 `yaml:"target_soc" validate:"gte=0,lte=100"`

	// Two-tier protection floors, one pair per grid state. Critical forces
	// an immediate grid charge; emergency holds charge until a window opens.
	EmergencySOCGridUp   float64 `yaml:"emergency_soc_threshold_grid_available_pct" validate:"gte=0,lte=100"`
	EmergencySOCGridDown float64 `yaml:"emergency_soc_threshold_grid_unavailable_pct" validate:"gte=0,lte=100"`
	CriticalSOCGridUp    float64 `yaml:"critical_soc_threshold_grid_available_pct" validate:"gte=0,lte=100"`
	CriticalSOCGridDown  float64 `yaml:"critical_soc_threshold_grid_unavailable_pct" validate:"gte=0,lte=100"`
	OffGridStartupSOC    float64 `yaml:"off_grid_startup_soc_pct" validate:"gte=0,lte=100"`

	Deadline               string `yaml:"deadline"` // HH:MM the target must be met by
	Sunset                 string `yaml:"sunset"`   // HH:MM PV production is assumed over
	TargetFullBeforeSunset bool   `yaml:"target_full_before_sunset"`

	GridChargeMode bool    `yaml:"grid_charge_enabled"`
	MaxGridChargeW float64 `yaml:"max_grid_charge_w" validate:"gte=0"`
	MaxDischargeW  float64 `yaml:"max_discharge_power_w" validate:"gte=0"`

	// Dynamic targeting: raise the target SOC to carry the configured share
	// of overnight load and the emergency reserve; cap daily grid intake.
	MinSelfSufficiency    float64 `yaml:"min_self_sufficiency_pct" validate:"gte=0,lte=100"`
	TargetSelfSufficiency float64 `yaml:"target_self_sufficiency_pct" validate:"gte=0,lte=100"`
	MaxGridKWhPerDay      float64 `yaml:"max_grid_usage_kwh_per_day" validate:"gte=0"`
	EmergencyReserveHours float64 `yaml:"emergency_reserve_hours" validate:"gte=0"`

	// Weather awareness, driven by the PV forecast.
	ConserveOnBadTomorrow bool    `yaml:"conserve_on_bad_tomorrow"`
	BadSunThresholdKWh    float64 `yaml:"bad_sun_threshold_kwh" validate:"gte=0"`
	PoorWeatherKWh        float64 `yaml:"poor_weather_threshold_kwh" validate:"gte=0"`
	CloseToTargetPct      float64 `yaml:"close_to_target_threshold_pct" validate:"gte=0,lte=100"`
	LoadFallbackKW        float64 `yaml:"load_fallback_kw" validate:"gte=0"`

	Split             string             `yaml:"split" validate:"oneof=equal rated headroom"`
	StepW             float64            `yaml:"step_w" validate:"gte=0"`
	MinW              float64            `yaml:"min_w" validate:"gte=0"`
	ModeRegister      string             `yaml:"mode_register"`
	ChargeRegister    string             `yaml:"charge_power_register"`
	DischargeRegister string             `yaml:"discharge_power_register"`
	ModeValues        map[string]float64 `yaml:"mode_values"`
}

// applyDefaults fills the holes a sparse config leaves.
func (p *Policy) applyDefaults() {
	if p.PrimaryMode == "" {
		p.PrimaryMode = PrimarySelfUse
	}
	if p.Deadline == "" {
		p.Deadline = "07:00"
	}
	if p.Sunset == "" {
		p.Sunset = "18:00"
	}
	if p.EmergencySOCGridUp == 0 {
		p.EmergencySOCGridUp = p.MinSOC
	}
	if p.EmergencySOCGridDown == 0 {
		p.EmergencySOCGridDown = math.Min(p.EmergencySOCGridUp+10, 100)
	}
	if p.CriticalSOCGridUp == 0 {
		p.CriticalSOCGridUp = 10
	}
	if p.CriticalSOCGridUp > p.EmergencySOCGridUp {
		p.CriticalSOCGridUp = p.EmergencySOCGridUp
	}
	if p.CriticalSOCGridDown == 0 {
		p.CriticalSOCGridDown = 15
	}
	if p.OffGridStartupSOC == 0 {
		p.OffGridStartupSOC = 25
	}
	if p.CloseToTargetPct == 0 {
		p.CloseToTargetPct = 5
	}
	if p.BadSunThresholdKWh == 0 {
		p.BadSunThresholdKWh = 5
	}
	if p.PoorWeatherKWh == 0 {
		p.PoorWeatherKWh = 3
	}
	if p.LoadFallbackKW == 0 {
		p.LoadFallbackKW = 0.5
	}
	if p.Split == "" {
		p.Split = "equal"
	}
	if p.StepW == 0 {
		p.StepW = 100
	}
	if p.ModeRegister == "" {
		p.ModeRegister = "inverter_mode"
	}
	if p.ChargeRegister == "" {
		p.ChargeRegister = "max_charge_power"
	}
	if p.DischargeRegister == "" {
		p.DischargeRegister = "max_discharge_power"
	}
	if p.ModeValues == nil {
		p.ModeValues = map[string]float64{
			ModeSelfConsumption: 0,
			ModeStandby:         1,
			ModeGridCharge:      2,
			ModeBackup:          3,
		}
	}
}

// Validate checks ranges and the time fields.
func (p *Policy) Validate() error {
	p.applyDefaults()
	if err := validator.New().Struct(p); err != nil {
		return err
	}
	if _, err := parseHHMM(p.Deadline); err != nil {
		return fmt.Errorf("deadline: %w", err)
	}
	if _, err := parseHHMM(p.Sunset); err != nil {
		return fmt.Errorf("sunset: %w", err)
	}
	return nil
}

// ArrayPlan binds the policy to one inverter array.
type ArrayPlan struct {
	ArrayID     string
	MeterID     string             // grid power source; empty falls back to array telemetry
	CapacityKWh float64            // battery capacity behind the array
	RatedW      map[string]float64 // per-inverter rated power, for rated splits
}

// Topology answers which inverters currently serve an array. The
// orchestrator implements it from the live device set.
type Topology interface {
	InvertersForArray(arrayID string) []string
}

// StateStore persists last-applied values across restarts so a reboot does
// not re-emit unchanged registers.
type StateStore interface {
	GetConfig(key string) (string, error)
	SetConfig(key, value, source string) error
}

// Forecast estimates PV energy between two times. ok=false means no
// forecast is available and the scheduler assumes zero sun.
type Forecast func(from, to time.Time) (kwh float64, ok bool)

// EmitFunc submits register writes for one inverter.
type EmitFunc func(inverterID string, updates []adapter.RegisterUpdate) error

// Scheduler runs the policy against live telemetry on a fixed tick.
type Scheduler struct {
	policy   Policy
	tariff   *Tariff
	plans    []ArrayPlan
	tmgr     *telemetry.Manager
	topo     Topology
	kv       StateStore
	forecast Forecast
	emit     EmitFunc
	loc      *time.Location
	interval time.Duration

	mu          sync.Mutex
	lastApplied map[string]string  // "{inverter}/{register}" -> value
	gridUp      map[string]bool    // per array
	gridDay     string             // local day the usage tally belongs to
	gridUsedKWh map[string]float64 // per array, commanded grid-charge energy today
}

// New builds the scheduler. The policy must already validate.
func New(policy Policy, tariff *Tariff, plans []ArrayPlan, tmgr *telemetry.Manager,
	topo Topology, kv StateStore, forecast Forecast, emit EmitFunc,
	loc *time.Location, interval time.Duration) *Scheduler {
	policy.applyDefaults()
	if loc == nil {
		loc = time.Local
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		policy:      policy,
		tariff:      tariff,
		plans:       plans,
		tmgr:        tmgr,
		topo:        topo,
		kv:          kv,
		forecast:    forecast,
		emit:        emit,
		loc:         loc,
		interval:    interval,
		lastApplied: make(map[string]string),
		gridUp:      make(map[string]bool),
		gridUsedKWh: make(map[string]float64),
	}
}

// Run ticks until the context-free stop channel closes. Each tick is
// panic-trapped: a policy bug must never take the poll loop down with it.
func (s *Scheduler) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	logger.Info().Dur("interval", s.interval).Msg("Scheduler started")
	for {
		select {
		case <-stop:
			logger.Info().Msg("Scheduler stopped")
			return
		case <-ticker.C:
			s.safeTick(time.Now())
		}
	}
}

func (s *Scheduler) safeTick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Scheduler tick panicked")
		}
	}()
	s.Tick(now)
}

// Tick evaluates every array once.
func (s *Scheduler) Tick(now time.Time) {
	now = now.In(s.loc)
	for _, plan := range s.plans {
		s.tickArray(now, plan)
	}
}

// decision is one array's outcome for a tick.
type decision struct {
	mode       string
	chargeW    float64 // total grid-charge power, split across the inverters
	dischargeW float64 // total discharge cap during a peak window
}

func (s *Scheduler) tickArray(now time.Time, plan ArrayPlan) {
	arrayTel, ok := s.tmgr.LatestArray(plan.ArrayID)
	if !ok {
		metrics.SchedulerSkips.WithLabelValues(plan.ArrayID, "no_telemetry").Inc()
		return
	}
	if age, ok := s.tmgr.Staleness(plan.ArrayID, now); ok && age > 2*s.interval {
		metrics.SchedulerSkips.WithLabelValues(plan.ArrayID, "stale").Inc()
		logger.Debug().Str("array_id", plan.ArrayID).Dur("age", age).
			Msg("Array telemetry stale, skipping tick")
		return
	}

	inverters := s.topo.InvertersForArray(plan.ArrayID)
	if len(inverters) == 0 {
		metrics.SchedulerSkips.WithLabelValues(plan.ArrayID, "no_inverters").Inc()
		return
	}

	gridUp := s.checkGrid(plan, arrayTel, inverters, now)
	d := s.decide(now, plan, arrayTel, gridUp, inverters)

	chargeShares := map[string]float64{}
	if d.mode == ModeGridCharge && d.chargeW > 0 {
		chargeShares = s.split(d.chargeW, inverters, plan)
		s.noteGridCharge(now, plan.ArrayID, d.chargeW)
	}
	dischargeShares := map[string]float64{}
	if d.dischargeW > 0 {
		dischargeShares = s.split(d.dischargeW, inverters, plan)
	}

	emitted := false
	for _, inv := range inverters {
		var updates []adapter.RegisterUpdate
		if u, changed := s.dedup(inv, s.policy.ModeRegister, s.policy.ModeValues[d.mode]); changed {
			updates = append(updates, u)
		}
		if w, ok := chargeShares[inv]; ok {
			if u, changed := s.dedup(inv, s.policy.ChargeRegister, w); changed {
				updates = append(updates, u)
			}
		}
		if w, ok := dischargeShares[inv]; ok {
			if u, changed := s.dedup(inv, s.policy.DischargeRegister, w); changed {
				updates = append(updates, u)
			}
		}
		if len(updates) == 0 {
			continue
		}
		if err := s.emit(inv, updates); err != nil {
			logger.Warn().Err(err).Str("inverter_id", inv).Msg("Scheduler emit failed")
			s.forget(inv, updates)
			continue
		}
		emitted = true
		logger.Info().Str("inverter_id", inv).Str("mode", d.mode).
			Float64("charge_w", chargeShares[inv]).Msg("Scheduler applied")
	}
	if emitted {
		metrics.SchedulerDecisions.WithLabelValues(plan.ArrayID).Inc()
	}
}

// checkGrid runs the per-array grid presence state machine. The grid counts
// as lost only when grid power reads exactly zero while a member inverter
// reports it has dropped into off-grid operation; a frequency dip or a
// silent meter alone never flips the state. A fresh meter sample is the
// authoritative power source, otherwise the array aggregate is used.
func (s *Scheduler) checkGrid(plan ArrayPlan, tel telemetry.ArrayTelemetry, inverters []string, now time.Time) bool {
	gridW := tel.GridPowerW
	if plan.MeterID != "" {
		if m, ok := s.tmgr.LatestMeter(plan.MeterID); ok && now.Sub(m.Timestamp) <= gridSampleMaxAge {
			gridW = m.PowerW
		}
	}
	offGrid := false
	for _, inv := range inverters {
		if t, ok := s.tmgr.LatestInverter(inv); ok && t.InverterMode == ModeBackup {
			offGrid = true
			break
		}
	}
	up := !(gridW == 0 && offGrid)

	s.mu.Lock()
	prev, seen := s.gridUp[plan.ArrayID]
	s.gridUp[plan.ArrayID] = up
	s.mu.Unlock()

	if seen && prev != up {
		if up {
			logger.Info().Str("array_id", plan.ArrayID).Msg("Grid restored")
		} else {
			logger.Warn().Str("array_id", plan.ArrayID).Msg("Grid lost")
		}
	}
	return up
}

// decide picks the effective mode and the power envelopes that go with it.
func (s *Scheduler) decide(now time.Time, plan ArrayPlan, tel telemetry.ArrayTelemetry, gridUp bool, inverters []string) decision {
	soc := tel.BatterySOC

	if !gridUp {
		// Off grid the battery is all there is: below the startup floor the
		// inverters idle until the sun brings the pack back.
		if soc <= s.policy.OffGridStartupSOC || soc <= s.policy.EmergencySOCGridDown {
			return decision{mode: ModeStandby}
		}
		return decision{mode: ModeBackup}
	}

	if soc <= s.policy.CriticalSOCGridUp {
		// Critically low: charge now, whatever the tariff says.
		return decision{mode: ModeGridCharge, chargeW: s.sizeGridCharge(now, plan, tel, inverters, false)}
	}
	if soc <= s.policy.EmergencySOCGridUp {
		if w, ok := s.tariff.Active(now); ok && w.GridChargeAllowed && s.policy.GridChargeMode {
			return decision{mode: ModeGridCharge, chargeW: s.sizeGridCharge(now, plan, tel, inverters, true)}
		}
		return decision{mode: ModeStandby}
	}
	if soc >= s.policy.MaxSOC {
		return decision{mode: ModeSelfConsumption}
	}

	w, inWindow := s.tariff.Active(now)
	if inWindow && w.GridChargeAllowed && s.policy.GridChargeMode {
		if s.energyShortfall(now, plan, tel, inverters) > 0 {
			return decision{mode: ModeGridCharge, chargeW: s.sizeGridCharge(now, plan, tel, inverters, true)}
		}
	}

	if s.effectiveMode(now, plan, tel, inverters) == PrimaryTimeBased &&
		inWindow && w.Kind == WindowPeak && (w.AllowDischarge || w.PeakShavingEnabled) {
		floor := s.policy.EmergencySOCGridUp + dischargeFloorBufferPct
		if soc <= floor {
			return decision{mode: ModeStandby}
		}
		if !s.conserveTomorrow(now) {
			return decision{mode: ModeSelfConsumption, dischargeW: s.sizeDischarge(tel)}
		}
	}
	return decision{mode: ModeSelfConsumption}
}

// effectiveMode resolves the primary strategy for this tick. A time-based
// policy with auto switching enabled falls back to plain self-use when the
// battery is already close to target, or when tomorrow's sun looks too poor
// to be worth cycling the pack for.
func (s *Scheduler) effectiveMode(now time.Time, plan ArrayPlan, tel telemetry.ArrayTelemetry, inverters []string) string {
	mode := s.policy.PrimaryMode
	if mode != PrimaryTimeBased || !s.policy.AutoModeSwitch {
		return mode
	}
	target := s.effectiveTarget(now, plan, s.expectedLoadKW(inverters))
	if tel.BatterySOC >= target-s.policy.CloseToTargetPct {
		return PrimarySelfUse
	}
	if pv, ok := s.tomorrowPV(now); ok && pv < s.policy.PoorWeatherKWh {
		return PrimarySelfUse
	}
	return mode
}

// conserveTomorrow holds stored energy back when the next day's PV outlook
// is below the bad-sun threshold.
func (s *Scheduler) conserveTomorrow(now time.Time) bool {
	if !s.policy.ConserveOnBadTomorrow {
		return false
	}
	pv, ok := s.tomorrowPV(now)
	return ok && pv < s.policy.BadSunThresholdKWh
}

// tomorrowPV is the forecast PV yield for the next local calendar day.
func (s *Scheduler) tomorrowPV(now time.Time) (float64, bool) {
	if s.forecast == nil {
		return 0, false
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc).AddDate(0, 0, 1)
	return s.forecast(start, start.AddDate(0, 0, 1))
}

// expectedLoadKW is the mean recent house load across the array's
// inverters, or the configured fallback when no history exists yet.
func (s *Scheduler) expectedLoadKW(inverters []string) float64 {
	if kw, ok := s.tmgr.AverageLoadKW(inverters); ok && kw > 0 {
		return kw
	}
	return s.policy.LoadFallbackKW
}

// effectiveTarget is the target SOC after dynamic adjustments: full before
// sunset when asked, raised to keep the emergency reserve, and raised to
// carry the configured share of overnight load.
func (s *Scheduler) effectiveTarget(now time.Time, plan ArrayPlan, loadKW float64) float64 {
	target := s.policy.TargetSOC
	if s.policy.TargetFullBeforeSunset {
		target = s.policy.MaxSOC
	}
	if plan.CapacityKWh > 0 {
		if s.policy.EmergencyReserveHours > 0 {
			reservePct := loadKW * s.policy.EmergencyReserveHours / plan.CapacityKWh * 100
			if floor := s.policy.EmergencySOCGridUp + reservePct; target < floor {
				target = floor
			}
		}
		if pct := s.selfSufficiencyPct(now); pct > 0 {
			overnightKWh := loadKW * s.overnightHours(now)
			if floor := s.policy.MinSOC + overnightKWh*pct/plan.CapacityKWh; target < floor {
				target = floor
			}
		}
	}
	if target > s.policy.MaxSOC {
		target = s.policy.MaxSOC
	}
	return target
}

// selfSufficiencyPct picks the share of overnight load the battery should
// carry: the minimum normally, the full target when tomorrow looks bad.
func (s *Scheduler) selfSufficiencyPct(now time.Time) float64 {
	pct := s.policy.MinSelfSufficiency
	if s.policy.TargetSelfSufficiency > pct {
		if pv, ok := s.tomorrowPV(now); ok && pv < s.policy.BadSunThresholdKWh {
			pct = s.policy.TargetSelfSufficiency
		}
	}
	return pct
}

// overnightHours spans sunset to the following deadline.
func (s *Scheduler) overnightHours(now time.Time) float64 {
	sunset := s.nextLocal(now, s.policy.Sunset)
	deadline := s.nextLocal(sunset, s.policy.Deadline)
	return deadline.Sub(sunset).Hours()
}

// deadlineAt is the moment the target SOC must be met: the configured
// deadline, or sunset when target_full_before_sunset is set.
func (s *Scheduler) deadlineAt(now time.Time) time.Time {
	if s.policy.TargetFullBeforeSunset {
		return s.nextLocal(now, s.policy.Sunset)
	}
	return s.nextLocal(now, s.policy.Deadline)
}

// energyShortfall is the energy still needed to hit the effective target by
// the deadline. Forecast PV before sunset counts against it, but the house
// load eats the sun first: only the surplus reaches the battery.
func (s *Scheduler) energyShortfall(now time.Time, plan ArrayPlan, tel telemetry.ArrayTelemetry, inverters []string) float64 {
	loadKW := s.expectedLoadKW(inverters)
	needKWh := (s.effectiveTarget(now, plan, loadKW) - tel.BatterySOC) / 100 * plan.CapacityKWh
	if needKWh <= 0 {
		return 0
	}
	sunset := s.nextLocal(now, s.policy.Sunset)
	deadline := s.deadlineAt(now)
	if s.forecast != nil && sunset.Before(deadline) {
		if pvKWh, ok := s.forecast(now, sunset); ok {
			if surplus := pvKWh - loadKW*sunset.Sub(now).Hours(); surplus > 0 {
				needKWh -= surplus
			}
		}
	}
	if needKWh < 0 {
		return 0
	}
	return needKWh
}

// sizeGridCharge spreads the shortfall over the time available, clamped to
// the policy ceiling, the pack's rated charge limit and, unless the charge
// is critical, the remaining daily grid budget.
func (s *Scheduler) sizeGridCharge(now time.Time, plan ArrayPlan, tel telemetry.ArrayTelemetry, inverters []string, budgeted bool) float64 {
	need := s.energyShortfall(now, plan, tel, inverters)
	if need <= 0 {
		return 0
	}
	if budgeted {
		if budget := s.gridBudgetKWh(now, plan.ArrayID); need > budget {
			need = budget
		}
		if need <= 0 {
			return 0
		}
	}
	deadline := s.deadlineAt(now)
	hours := deadline.Sub(now).Hours()
	if wEnd := s.tariff.HoursUntilWindowEnd(now); wEnd > 0 && wEnd < hours {
		hours = wEnd
	}
	if hours <= 0 {
		return 0
	}
	w := need / hours * 1000
	if s.policy.MaxGridChargeW > 0 && w > s.policy.MaxGridChargeW {
		w = s.policy.MaxGridChargeW
	}
	if tel.MaxChargeKW > 0 && w > tel.MaxChargeKW*1000 {
		w = tel.MaxChargeKW * 1000
	}
	return w
}

// sizeDischarge is the discharge cap for a peak window: the policy limit,
// clamped to what the pack is rated to deliver.
func (s *Scheduler) sizeDischarge(tel telemetry.ArrayTelemetry) float64 {
	w := s.policy.MaxDischargeW
	if packW := tel.MaxDischargeKW * 1000; packW > 0 && (w == 0 || w > packW) {
		w = packW
	}
	return w
}

// noteGridCharge accrues commanded grid-charge energy against the daily
// budget. The tally resets at local midnight.
func (s *Scheduler) noteGridCharge(now time.Time, arrayID string, w float64) {
	if s.policy.MaxGridKWhPerDay <= 0 || w <= 0 {
		return
	}
	day := now.Format("2006-01-02")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gridDay != day {
		s.gridDay = day
		s.gridUsedKWh = make(map[string]float64)
	}
	s.gridUsedKWh[arrayID] += w / 1000 * s.interval.Hours()
}

// gridBudgetKWh is how much grid-charge energy the array may still take
// today.
func (s *Scheduler) gridBudgetKWh(now time.Time, arrayID string) float64 {
	if s.policy.MaxGridKWhPerDay <= 0 {
		return math.Inf(1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gridDay != now.Format("2006-01-02") {
		return s.policy.MaxGridKWhPerDay
	}
	rem := s.policy.MaxGridKWhPerDay - s.gridUsedKWh[arrayID]
	if rem < 0 {
		rem = 0
	}
	return rem
}

// nextLocal returns the next occurrence of an HH:MM wall-clock time.
func (s *Scheduler) nextLocal(now time.Time, hhmm string) time.Time {
	min, err := parseHHMM(hhmm)
	if err != nil {
		return now
	}
	at := time.Date(now.Year(), now.Month(), now.Day(), min/60, min%60, 0, 0, s.loc)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

// split divides total watts across inverters by the configured strategy,
// quantized to step_w with shares below min_w dropped.
func (s *Scheduler) split(totalW float64, inverters []string, plan ArrayPlan) map[string]float64 {
	raw := make(map[string]float64, len(inverters))
	switch s.policy.Split {
	case "rated":
		var ratedSum float64
		for _, inv := range inverters {
			ratedSum += plan.RatedW[inv]
		}
		if ratedSum <= 0 {
			return s.splitEqual(totalW, inverters)
		}
		for _, inv := range inverters {
			raw[inv] = totalW * plan.RatedW[inv] / ratedSum
		}
	case "headroom":
		head := make(map[string]float64, len(inverters))
		var headSum float64
		for _, inv := range inverters {
			h := plan.RatedW[inv]
			if tel, ok := s.tmgr.LatestInverter(inv); ok {
				h -= math.Max(tel.BatteryPowerW, 0)
			}
			if h < 0 {
				h = 0
			}
			head[inv] = h
			headSum += h
		}
		if headSum <= 0 {
			return s.splitEqual(totalW, inverters)
		}
		for _, inv := range inverters {
			raw[inv] = totalW * head[inv] / headSum
		}
	default:
		return s.splitEqual(totalW, inverters)
	}
	return s.quantize(raw)
}

func (s *Scheduler) splitEqual(totalW float64, inverters []string) map[string]float64 {
	raw := make(map[string]float64, len(inverters))
	for _, inv := range inverters {
		raw[inv] = totalW / float64(len(inverters))
	}
	return s.quantize(raw)
}

func (s *Scheduler) quantize(raw map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(raw))
	for inv, w := range raw {
		if s.policy.StepW > 0 {
			w = math.Floor(w/s.policy.StepW) * s.policy.StepW
		}
		if w < s.policy.MinW {
			continue
		}
		out[inv] = w
	}
	return out
}

// dedup reports whether a register value differs from the last applied one,
// consulting the persistent store on first sight of a key. Changed values
// are recorded optimistically; forget rolls that back on emit failure.
func (s *Scheduler) dedup(inverterID, registerID string, value float64) (adapter.RegisterUpdate, bool) {
	key := inverterID + "/" + registerID
	val := fmt.Sprintf("%g", value)

	s.mu.Lock()
	defer s.mu.Unlock()
	last, seen := s.lastApplied[key]
	if !seen && s.kv != nil {
		if stored, err := s.kv.GetConfig("sched/" + key); err == nil && stored != "" {
			last = stored
			s.lastApplied[key] = stored
			seen = true
		}
	}
	if seen && last == val {
		return adapter.RegisterUpdate{}, false
	}
	s.lastApplied[key] = val
	if s.kv != nil {
		if err := s.kv.SetConfig("sched/"+key, val, "scheduler"); err != nil {
			logger.Debug().Err(err).Str("key", key).Msg("Dedup persist failed")
		}
	}
	return adapter.RegisterUpdate{ID: registerID, Value: value}, true
}

// forget clears dedup state, in memory and persisted, for updates that
// failed to reach the queue so the next tick re-emits them.
func (s *Scheduler) forget(inverterID string, updates []adapter.RegisterUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		key := inverterID + "/" + u.ID
		delete(s.lastApplied, key)
		if s.kv != nil {
			if err := s.kv.SetConfig("sched/"+key, "", "scheduler"); err != nil {
				logger.Debug().Err(err).Str("key", key).Msg("Dedup rollback persist failed")
			}
		}
	}
}
