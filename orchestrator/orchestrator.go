// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soothill/solar-energy-hub/adapter"
	"github.com/soothill/solar-energy-hub/aggregate"
	"github.com/soothill/solar-energy-hub/discovery"
	"github.com/soothill/solar-energy-hub/energy"
	hub "github.com/soothill/solar-energy-hub/pkg/errors"
	"github.com/soothill/solar-energy-hub/pkg/interfaces"
	"github.com/soothill/solar-energy-hub/pkg/logger"
	"github.com/soothill/solar-energy-hub/pkg/metrics"
	"github.com/soothill/solar-energy-hub/registry"
	"github.com/soothill/solar-energy-hub/telemetry"
)

// Consecutive poll failures before a device is handed to recovery.
const failureThreshold = 3

// The rollup clock wakes this often to see whether a local hour has ended.
const rollupCheckInterval = time.Minute

// Publisher is the outbound bus surface the orchestrator needs. *bus.MQTT
// satisfies it; tests substitute a recorder.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool) error
	InverterTopic(inverterID string) string
	InverterAckTopic(inverterID string) string
	InverterAvailabilityTopic(inverterID string) string
	BankTopic(bankID string) string
	BatteryUnitTopic(bankID string, unit int) string
	CellTopic(bankID string, unit, cell int) string
	MeterTopic(meterID string) string
	PackTopic(packID string) string
	ArrayTopic(arrayID string) string
	SystemTopic(systemID string) string
}

// Marshaler renders telemetry for the bus; bus.Marshal in production.
type Marshaler func(v any) ([]byte, error)

// Hierarchy wires devices into the aggregation tree.
type Hierarchy struct {
	PackSpecs  map[string]aggregate.PackSpec
	BankToPack map[string]string // bank id -> pack id
	Arrays     []aggregate.ArraySpec
	Systems    []aggregate.SystemSpec
}

// Options tunes the poll loop.
type Options struct {
	PollInterval time.Duration
	Concurrent   int // max devices polled at once
}

type deviceState struct {
	id       string
	owner    string
	devType  adapter.DeviceType
	adapter  adapter.DeviceAdapter
	cfg      adapter.Config
	port     string
	failures int
}

// Orchestrator owns the live device set: it polls on a fixed interval with
// bounded fan-out, pushes snapshots to the store, the in-memory rings and
// the bus, rolls the hierarchy up after every tick, and serializes inbound
// commands through the queue.
type Orchestrator struct {
	opts    Options
	gate    *DeviceGate
	queue   *Queue
	store   interfaces.TelemetryStore
	tmgr    *telemetry.Manager
	pub     Publisher
	marshal Marshaler
	acc     *energy.Accumulator
	reg     *registry.Registry
	rec     *discovery.RecoveryManager
	hier    Hierarchy

	// newAdapter builds the runtime adapter for a discovered device;
	// adapter.New in production, swappable for tests.
	newAdapter func(cfg adapter.Config, owner string) (adapter.DeviceAdapter, error)

	// Reload requests, consumed at the top of the next tick.
	disconnectReq atomic.Bool
	reconnectReq  atomic.Bool

	mu        sync.Mutex
	devices   map[string]*deviceState
	suspended bool
	ticks     uint64
}

// New wires the orchestrator. The recovery manager may be nil in tests.
func New(opts Options, gate *DeviceGate, queue *Queue, store interfaces.TelemetryStore,
	tmgr *telemetry.Manager, pub Publisher, marshal Marshaler,
	acc *energy.Accumulator, reg *registry.Registry, rec *discovery.RecoveryManager,
	hier Hierarchy) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Concurrent <= 0 {
		opts.Concurrent = 4
	}
	systemOf := make(map[string]string)
	for _, s := range hier.Systems {
		for _, arrayID := range s.ArrayIDs {
			systemOf[arrayID] = s.SystemID
		}
	}
	acc.SetSystems(systemOf)
	return &Orchestrator{
		opts:       opts,
		gate:       gate,
		queue:      queue,
		store:      store,
		tmgr:       tmgr,
		pub:        pub,
		marshal:    marshal,
		acc:        acc,
		reg:        reg,
		rec:        rec,
		hier:       hier,
		newAdapter: adapter.New,
		devices:    make(map[string]*deviceState),
	}
}

// AddDevice opens a fresh runtime adapter for an identified device and
// registers it in the poll set. Discovery probes always close before
// handing over, so the open here is the only one on the port.
func (o *Orchestrator) AddDevice(d discovery.Discovered) {
	a, err := o.newAdapter(d.Config, d.Owner)
	if err != nil {
		logger.Error().Err(err).Str("device_id", d.DeviceID).Msg("Adapter create failed")
		return
	}
	connect, _ := adapter.ProbeTimeouts(d.Config)
	ctx, cancel := context.WithTimeout(context.Background(), connect)
	err = a.Connect(ctx)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Str("device_id", d.DeviceID).Str("port", d.Port).
			Msg("Runtime adapter open failed")
		if o.reg != nil {
			_ = o.reg.MarkFailed(d.DeviceID)
		}
		return
	}

	o.mu.Lock()
	if old, ok := o.devices[d.DeviceID]; ok {
		_ = old.adapter.Close()
	}
	ds := &deviceState{
		id:      d.DeviceID,
		owner:   d.Owner,
		devType: d.Config.Type,
		adapter: a,
		cfg:     d.Config,
		port:    d.Port,
	}
	o.devices[d.DeviceID] = ds
	o.mu.Unlock()

	if o.rec != nil {
		o.rec.SetPortInUse(d.Port, true)
	}
	o.publishAvailability(ds, true)
	logger.Info().Str("device_id", d.DeviceID).Str("owner", d.Owner).
		Msg("Device added to poll set")
}

// publishAvailability flips the retained per-inverter availability topic.
// Batteries and meters have no such topic.
func (o *Orchestrator) publishAvailability(d *deviceState, online bool) {
	if d.devType.IsBattery() || d.devType == adapter.TypeMeter {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	if err := o.pub.Publish(o.pub.InverterAvailabilityTopic(d.id), []byte(state), true); err != nil {
		logger.Debug().Err(err).Str("device_id", d.id).Msg("Availability publish failed")
	}
}

// DeviceCount reports the live device count.
func (o *Orchestrator) DeviceCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.devices)
}

// Run drives the poll loop until the context ends. The rollup clock wakes
// every minute and fires once each time a local hour completes.
func (o *Orchestrator) Run(ctx context.Context) {
	o.backfill(ctx)

	pollTicker := time.NewTicker(o.opts.PollInterval)
	rollupTicker := time.NewTicker(rollupCheckInterval)
	defer pollTicker.Stop()
	defer rollupTicker.Stop()

	lastHour := time.Now().In(o.acc.Location()).Truncate(time.Hour)
	o.tick(ctx) // first poll immediately
	for {
		select {
		case <-ctx.Done():
			o.closeAll()
			return
		case <-pollTicker.C:
			o.tick(ctx)
		case <-rollupTicker.C:
			now := time.Now()
			hour := now.In(o.acc.Location()).Truncate(time.Hour)
			if hour.After(lastHour) {
				lastHour = hour
				o.acc.Rollup(ctx, o.store, now)
			}
		}
	}
}

// RequestDisconnect asks the poll loop to close every device transport at
// the top of its next tick. Used by the config reload path before serial
// settings change underneath live adapters.
func (o *Orchestrator) RequestDisconnect() {
	o.disconnectReq.Store(true)
}

// RequestReconnect asks the poll loop to reopen every suspended transport
// at the top of its next tick.
func (o *Orchestrator) RequestReconnect() {
	o.reconnectReq.Store(true)
}

// Suspended reports whether polling is currently suspended.
func (o *Orchestrator) Suspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.suspended
}

// suspend closes every device transport but keeps the device set, so a
// later resume reopens the same devices.
func (o *Orchestrator) suspend() {
	o.mu.Lock()
	if o.suspended {
		o.mu.Unlock()
		return
	}
	o.suspended = true
	snapshot := make([]*deviceState, 0, len(o.devices))
	for _, d := range o.devices {
		snapshot = append(snapshot, d)
	}
	o.mu.Unlock()

	for _, d := range snapshot {
		_ = d.adapter.Close()
		o.publishAvailability(d, false)
	}
	logger.Info().Int("devices", len(snapshot)).Msg("Polling suspended, transports closed")
}

// resume reopens every transport closed by suspend. Reconnecting restarts
// whatever the adapter runs in the background, such as the passive BMS
// frame readers. Devices that fail to reopen drop to recovery.
func (o *Orchestrator) resume(ctx context.Context) {
	o.mu.Lock()
	if !o.suspended {
		o.mu.Unlock()
		return
	}
	o.suspended = false
	snapshot := make([]*deviceState, 0, len(o.devices))
	for _, d := range o.devices {
		snapshot = append(snapshot, d)
	}
	o.mu.Unlock()

	for _, d := range snapshot {
		connect, _ := adapter.ProbeTimeouts(d.cfg)
		cctx, cancel := context.WithTimeout(ctx, connect)
		err := d.adapter.Connect(cctx)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Str("device_id", d.id).Msg("Transport reopen failed")
			o.dropDevice(d)
			continue
		}
		o.publishAvailability(d, true)
	}
	logger.Info().Msg("Polling resumed")
}

func (o *Orchestrator) closeAll() {
	o.mu.Lock()
	snapshot := make([]*deviceState, 0, len(o.devices))
	for _, d := range o.devices {
		snapshot = append(snapshot, d)
	}
	o.mu.Unlock()
	for _, d := range snapshot {
		_ = d.adapter.Close()
		o.publishAvailability(d, false)
	}
}

// backfill rebuilds hourly buckets from samples persisted since local
// midnight and flushes every hour that completed before startup. Runs once.
func (o *Orchestrator) backfill(ctx context.Context) {
	now := time.Now().In(o.acc.Location())
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, o.acc.Location())
	samples, err := o.store.QueryInverterSamplesSince(ctx, midnight)
	if err != nil {
		logger.Warn().Err(err).Msg("Startup backfill query failed")
		return
	}
	for _, s := range samples {
		o.acc.Record(s)
	}
	if n := o.acc.Rollup(ctx, o.store, now); n > 0 || len(samples) > 0 {
		logger.Info().Int("samples", len(samples)).Int("rows", n).
			Msg("Startup energy backfill complete")
	}
}

// tick polls every live device with bounded fan-out, then rolls up. Reload
// requests are honored first, so a disconnect/reconnect pair and the polls
// themselves stay in one concurrency domain.
func (o *Orchestrator) tick(ctx context.Context) {
	if o.disconnectReq.CompareAndSwap(true, false) {
		o.suspend()
	}
	if o.reconnectReq.CompareAndSwap(true, false) {
		o.resume(ctx)
	}

	o.mu.Lock()
	if o.suspended {
		o.mu.Unlock()
		return
	}
	o.ticks++
	snapshot := make([]*deviceState, 0, len(o.devices))
	for _, d := range o.devices {
		snapshot = append(snapshot, d)
	}
	o.mu.Unlock()

	sem := make(chan struct{}, o.opts.Concurrent)
	var wg sync.WaitGroup
	for _, d := range snapshot {
		wg.Add(1)
		sem <- struct{}{}
		go func(d *deviceState) {
			defer wg.Done()
			defer func() { <-sem }()
			o.pollDevice(ctx, d)
		}(d)
	}
	wg.Wait()

	o.aggregateAndPublish(ctx)
}

// pollDevice runs one device poll under its gate. The gate wait is bounded
// so a wedged command cannot stall the whole tick.
func (o *Orchestrator) pollDevice(ctx context.Context, d *deviceState) {
	gateCtx, cancel := context.WithTimeout(ctx, o.opts.PollInterval)
	err := o.gate.Acquire(gateCtx, d.id)
	cancel()
	if err != nil {
		logger.Debug().Str("device_id", d.id).Msg("Device busy, skipping poll")
		return
	}
	defer o.gate.Release(d.id)
	o.gate.NotePollStart(d.id)

	start := time.Now()
	err = o.pollOnce(ctx, d)
	metrics.PollDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.PollErrors.WithLabelValues(string(d.devType)).Inc()
		d.failures++
		logger.Warn().Err(err).Str("device_id", d.id).Int("failures", d.failures).
			Msg("Poll failed")
		if d.failures >= failureThreshold {
			o.dropDevice(d)
		}
		return
	}
	d.failures = 0
	metrics.PollsTotal.WithLabelValues(string(d.devType)).Inc()
}

func (o *Orchestrator) pollOnce(ctx context.Context, d *deviceState) error {
	switch a := d.adapter.(type) {
	case adapter.InverterAdapter:
		return o.pollInverter(ctx, d, a)
	case adapter.BatteryAdapter:
		return o.pollBattery(ctx, d, a)
	case adapter.MeterAdapter:
		return o.pollMeter(ctx, d, a)
	}
	return hub.NewPollError(hub.KindUnsupportedCommand, d.id, false, hub.ErrInvalidConfig)
}

func (o *Orchestrator) pollInverter(ctx context.Context, d *deviceState, a adapter.InverterAdapter) error {
	tel, err := a.Poll(ctx)
	if err != nil {
		return err
	}
	tel.InverterID = d.id
	tel.ArrayID = d.owner

	metrics.PVPower.WithLabelValues(d.id).Set(tel.PVPowerW)
	metrics.LoadPower.WithLabelValues(d.id).Set(tel.LoadPowerW)
	metrics.GridPower.WithLabelValues(d.id).Set(tel.GridPowerW)

	o.tmgr.RecordInverter(tel)
	o.acc.Record(tel)
	if err := o.store.InsertInverterSample(ctx, tel); err != nil {
		logger.Warn().Err(err).Str("device_id", d.id).Msg("Store write failed")
	}
	o.publish(o.pub.InverterTopic(d.id), tel, false)

	day := tel.Timestamp.Format("2006-01-02")
	for id, kwh := range o.acc.DailyPV(day) {
		if id == d.id {
			if err := o.store.UpsertDailyPV(ctx, day, id, kwh); err != nil {
				logger.Debug().Err(err).Msg("Daily PV upsert failed")
			}
		}
	}
	return nil
}

func (o *Orchestrator) pollBattery(ctx context.Context, d *deviceState, a adapter.BatteryAdapter) error {
	tel, err := a.Poll(ctx)
	if err != nil {
		return err
	}
	tel.BankID = d.owner

	metrics.BatterySOC.WithLabelValues(tel.BankID).Set(tel.SOC)

	o.tmgr.RecordBank(tel)
	if err := o.store.InsertBatteryBankSample(ctx, tel); err != nil {
		logger.Warn().Err(err).Str("device_id", d.id).Msg("Store write failed")
	}
	if err := o.store.InsertBatteryUnitSamples(ctx, tel.BankID, tel.Timestamp, tel.Units); err != nil {
		logger.Warn().Err(err).Str("device_id", d.id).Msg("Unit store write failed")
	}
	o.publish(o.pub.BankTopic(tel.BankID), tel, false)
	for _, u := range tel.Units {
		o.publish(o.pub.BatteryUnitTopic(tel.BankID, u.UnitID), u, false)
		if err := o.store.InsertBatteryCellSamples(ctx, tel.BankID, u.UnitID, tel.Timestamp, u.Cells); err != nil {
			logger.Debug().Err(err).Msg("Cell store write failed")
		}
		for _, c := range u.Cells {
			o.publish(o.pub.CellTopic(tel.BankID, u.UnitID, c.Index), c, false)
		}
	}
	return nil
}

func (o *Orchestrator) pollMeter(ctx context.Context, d *deviceState, a adapter.MeterAdapter) error {
	tel, err := a.Poll(ctx)
	if err != nil {
		return err
	}
	tel.MeterID = d.owner

	o.tmgr.RecordMeter(tel)
	if err := o.store.InsertMeterSample(ctx, tel); err != nil {
		logger.Warn().Err(err).Str("device_id", d.id).Msg("Store write failed")
	}
	day := tel.Timestamp.Format("2006-01-02")
	if err := o.store.UpsertMeterDaily(ctx, tel.MeterID, day, tel.DailyImportWh, tel.DailyExportWh); err != nil {
		logger.Debug().Err(err).Msg("Meter daily upsert failed")
	}
	o.publish(o.pub.MeterTopic(tel.MeterID), tel, false)
	return nil
}

// dropDevice removes a failed device from the poll set and hands it to the
// recovery path.
func (o *Orchestrator) dropDevice(d *deviceState) {
	o.mu.Lock()
	delete(o.devices, d.id)
	o.mu.Unlock()

	_ = d.adapter.Close()
	o.publishAvailability(d, false)
	if o.rec != nil {
		o.rec.SetPortInUse(d.port, false)
	}
	if o.reg != nil {
		if err := o.reg.MarkFailed(d.id); err != nil {
			logger.Warn().Err(err).Str("device_id", d.id).Msg("Failed to mark device failed")
		}
	}
	logger.Warn().Str("device_id", d.id).Msg("Device dropped to recovery")
}

// aggregateAndPublish rolls banks into packs, packs and inverters into
// arrays, arrays and meters into systems.
func (o *Orchestrator) aggregateAndPublish(ctx context.Context) {
	// Pack layer.
	packs := make(map[string]telemetry.PackTelemetry)
	seenBank := make(map[string]bool)
	for packID, spec := range o.hier.PackSpecs {
		var banks []telemetry.BatteryBankTelemetry
		for _, bankID := range spec.BankIDs {
			if tel, ok := o.tmgr.LatestBank(bankID); ok {
				banks = append(banks, tel)
				seenBank[bankID] = true
			}
		}
		if len(banks) == 0 {
			continue
		}
		p := aggregate.Pack(spec, banks)
		packs[packID] = p
		o.tmgr.RecordPack(p)
		o.publish(o.pub.PackTopic(packID), p, false)
	}
	// Banks outside any configured pack still surface as single-bank packs.
	o.mu.Lock()
	var looseBanks []string
	for _, d := range o.devices {
		if d.devType.IsBattery() && !seenBank[d.owner] {
			looseBanks = append(looseBanks, d.owner)
		}
	}
	o.mu.Unlock()
	for _, bankID := range looseBanks {
		if tel, ok := o.tmgr.LatestBank(bankID); ok {
			p := aggregate.Bank(bankID, tel)
			packs[bankID] = p
			o.tmgr.RecordPack(p)
			o.publish(o.pub.PackTopic(bankID), p, false)
		}
	}

	// Array layer.
	arrays := make(map[string]telemetry.ArrayTelemetry)
	for _, spec := range o.hier.Arrays {
		var inverters []telemetry.InverterTelemetry
		o.mu.Lock()
		for _, d := range o.devices {
			if d.owner == spec.ArrayID {
				if tel, ok := o.tmgr.LatestInverter(d.id); ok {
					inverters = append(inverters, tel)
				}
			}
		}
		o.mu.Unlock()
		var attached []telemetry.PackTelemetry
		for _, packID := range spec.PackIDs {
			if p, ok := packs[packID]; ok {
				attached = append(attached, p)
			}
		}
		if len(inverters) == 0 && len(attached) == 0 {
			continue
		}
		a := aggregate.Array(spec, inverters, attached, o.hier.PackSpecs)
		arrays[spec.ArrayID] = a
		o.tmgr.RecordArray(a)
		o.publish(o.pub.ArrayTopic(spec.ArrayID), a, false)
	}

	// System layer.
	for _, spec := range o.hier.Systems {
		var members []telemetry.ArrayTelemetry
		for _, arrayID := range spec.ArrayIDs {
			if a, ok := arrays[arrayID]; ok {
				members = append(members, a)
			}
		}
		var meters []telemetry.MeterTelemetry
		for _, meterID := range spec.MeterIDs {
			if m, ok := o.tmgr.LatestMeter(meterID); ok {
				meters = append(meters, m)
			}
		}
		if len(members) == 0 && len(meters) == 0 {
			continue
		}
		s := aggregate.System(spec, members, meters)
		o.tmgr.RecordSystem(s)
		o.publish(o.pub.SystemTopic(spec.SystemID), s, false)
	}
	_ = ctx
}

func (o *Orchestrator) publish(topic string, v any, retain bool) {
	payload, err := o.marshal(v)
	if err != nil {
		logger.Warn().Err(err).Str("topic", topic).Msg("Telemetry marshal failed")
		return
	}
	if err := o.pub.Publish(topic, payload, retain); err != nil {
		logger.Debug().Err(err).Str("topic", topic).Msg("Publish failed")
	}
}

// InvertersForArray lists the live inverters owned by an array, sorted for
// stable scheduler splits.
func (o *Orchestrator) InvertersForArray(arrayID string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var ids []string
	for id, d := range o.devices {
		if d.owner == arrayID && !d.devType.IsBattery() && d.devType != adapter.TypeMeter {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// EnqueueWrites submits scheduler register writes for an inverter through
// the command queue.
func (o *Orchestrator) EnqueueWrites(inverterID string, updates []adapter.RegisterUpdate) error {
	o.mu.Lock()
	d, ok := o.devices[inverterID]
	o.mu.Unlock()
	if !ok {
		return hub.ErrDeviceNotFound
	}
	return o.queue.Enqueue(&QueuedCommand{
		DeviceID: inverterID,
		Adapter:  d.adapter,
		Cmd:      adapter.Command{Action: adapter.ActionWriteMany, Updates: updates},
	})
}

// HandleBusCommand parses an inbound MQTT command and enqueues it. Four
// topic shapes are accepted:
//
//	{base}/{device_id}/cmd                       action named in the payload
//	{base}/{device_id}/write                     single register write
//	{base}/{device_id}/write_many                batched register writes
//	{base}/{device_id}/config/{sensor_id}/set    adapter-routed config write
func (o *Orchestrator) HandleBusCommand(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	last := parts[len(parts)-1]

	var deviceID string
	var cmd adapter.Command
	switch {
	case last == "cmd" && len(parts) >= 3:
		deviceID = parts[len(parts)-2]
		if err := json.Unmarshal(payload, &cmd); err != nil || cmd.Action == "" {
			logger.Warn().Err(err).Str("topic", topic).Msg("Malformed command payload")
			return
		}
	case (last == adapter.ActionWrite || last == adapter.ActionWriteMany) && len(parts) >= 3:
		deviceID = parts[len(parts)-2]
		if err := json.Unmarshal(payload, &cmd); err != nil {
			logger.Warn().Err(err).Str("topic", topic).Msg("Malformed command payload")
			return
		}
		cmd.Action = last
	case last == "set" && len(parts) >= 5 && parts[len(parts)-3] == "config":
		deviceID = parts[len(parts)-4]
		cmd = adapter.Command{
			Action:   adapter.ActionInverterConfig,
			SensorID: parts[len(parts)-2],
			Payload:  payload,
		}
	default:
		logger.Warn().Str("topic", topic).Msg("Malformed command topic")
		return
	}
	action := cmd.Action

	o.mu.Lock()
	d, ok := o.devices[deviceID]
	o.mu.Unlock()
	if !ok {
		logger.Warn().Str("device_id", deviceID).Msg("Command for unknown device")
		return
	}

	ackTopic := o.pub.InverterAckTopic(deviceID)
	err := o.queue.Enqueue(&QueuedCommand{
		DeviceID: deviceID,
		Adapter:  d.adapter,
		Cmd:      cmd,
		Ack: func(result adapter.CommandResult, cmdErr error) {
			ack := map[string]any{"ok": result.OK, "detail": result.Detail, "action": action}
			if cmdErr != nil {
				ack["error"] = cmdErr.Error()
			}
			data, _ := json.Marshal(ack)
			if perr := o.pub.Publish(ackTopic, data, false); perr != nil {
				logger.Debug().Err(perr).Msg("Ack publish failed")
			}
		},
	})
	if err != nil {
		logger.Warn().Err(err).Str("device_id", deviceID).Msg("Command rejected")
	}
}

// StateDump returns a debug snapshot: live devices and queue statistics.
func (o *Orchestrator) StateDump() map[string]any {
	o.mu.Lock()
	devices := make([]map[string]any, 0, len(o.devices))
	for _, d := range o.devices {
		devices = append(devices, map[string]any{
			"device_id": d.id,
			"owner":     d.owner,
			"type":      string(d.devType),
			"port":      d.port,
			"failures":  d.failures,
		})
	}
	ticks := o.ticks
	o.mu.Unlock()
	return map[string]any{
		"ticks":   ticks,
		"devices": devices,
		"queue":   o.queue.Stats(),
	}
}
