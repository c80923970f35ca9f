// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package telemetry

import (
	"sync"
	"time"
)

// RingSize is the maximum number of snapshots kept in memory per entity.
// The authoritative record lives in the telemetry store; the ring only feeds
// the scheduler, the state dump and short-horizon averages.
const RingSize = 100

// ring is a fixed-capacity append-only buffer; oldest entries are evicted.
type ring[T any] struct {
	buf   []T
	next  int
	count int
}

func (r *ring[T]) append(v T) {
	if r.buf == nil {
		r.buf = make([]T, RingSize)
	}
	r.buf[r.next] = v
	r.next = (r.next + 1) % RingSize
	if r.count < RingSize {
		r.count++
	}
}

// latest returns the most recent entry, or the zero value when empty.
func (r *ring[T]) latest() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.buf[(r.next-1+RingSize)%RingSize], true
}

// history returns entries oldest-first.
func (r *ring[T]) history() []T {
	out := make([]T, 0, r.count)
	start := (r.next - r.count + RingSize) % RingSize
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%RingSize])
	}
	return out
}

// Manager keeps the last-seen telemetry rings for every entity. The polling
// loop is the sole writer; readers (API surface, scheduler, state dump) copy
// out under a read lock.
type Manager struct {
	mu        sync.RWMutex
	inverters map[string]*ring[InverterTelemetry]
	banks     map[string]*ring[BatteryBankTelemetry]
	meters    map[string]*ring[MeterTelemetry]
	packs     map[string]*ring[PackTelemetry]
	arrays    map[string]*ring[ArrayTelemetry]
	systems   map[string]*ring[SystemTelemetry]
}

// NewManager creates an empty telemetry manager.
func NewManager() *Manager {
	return &Manager{
		inverters: make(map[string]*ring[InverterTelemetry]),
		banks:     make(map[string]*ring[BatteryBankTelemetry]),
		meters:    make(map[string]*ring[MeterTelemetry]),
		packs:     make(map[string]*ring[PackTelemetry]),
		arrays:    make(map[string]*ring[ArrayTelemetry]),
		systems:   make(map[string]*ring[SystemTelemetry]),
	}
}

// RecordInverter appends an inverter snapshot.
func (m *Manager) RecordInverter(t InverterTelemetry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.inverters[t.InverterID]
	if !ok {
		r = &ring[InverterTelemetry]{}
		m.inverters[t.InverterID] = r
	}
	r.append(t)
}

// RecordBank appends a battery bank snapshot.
func (m *Manager) RecordBank(t BatteryBankTelemetry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.banks[t.BankID]
	if !ok {
		r = &ring[BatteryBankTelemetry]{}
		m.banks[t.BankID] = r
	}
	r.append(t)
}

// RecordMeter appends a meter snapshot.
func (m *Manager) RecordMeter(t MeterTelemetry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.meters[t.MeterID]
	if !ok {
		r = &ring[MeterTelemetry]{}
		m.meters[t.MeterID] = r
	}
	r.append(t)
}

// RecordPack appends a pack roll-up.
func (m *Manager) RecordPack(t PackTelemetry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.packs[t.PackID]
	if !ok {
		r = &ring[PackTelemetry]{}
		m.packs[t.PackID] = r
	}
	r.append(t)
}

// RecordArray appends an array roll-up.
func (m *Manager) RecordArray(t ArrayTelemetry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.arrays[t.ArrayID]
	if !ok {
		r = &ring[ArrayTelemetry]{}
		m.arrays[t.ArrayID] = r
	}
	r.append(t)
}

// RecordSystem appends a system roll-up.
func (m *Manager) RecordSystem(t SystemTelemetry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.systems[t.SystemID]
	if !ok {
		r = &ring[SystemTelemetry]{}
		m.systems[t.SystemID] = r
	}
	r.append(t)
}

// LatestInverter returns the most recent inverter snapshot.
func (m *Manager) LatestInverter(id string) (InverterTelemetry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.inverters[id]; ok {
		return r.latest()
	}
	return InverterTelemetry{}, false
}

// LatestBank returns the most recent battery bank snapshot.
func (m *Manager) LatestBank(id string) (BatteryBankTelemetry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.banks[id]; ok {
		return r.latest()
	}
	return BatteryBankTelemetry{}, false
}

// LatestMeter returns the most recent meter snapshot.
func (m *Manager) LatestMeter(id string) (MeterTelemetry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.meters[id]; ok {
		return r.latest()
	}
	return MeterTelemetry{}, false
}

// LatestPack returns the most recent pack roll-up.
func (m *Manager) LatestPack(id string) (PackTelemetry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.packs[id]; ok {
		return r.latest()
	}
	return PackTelemetry{}, false
}

// LatestArray returns the most recent array roll-up.
func (m *Manager) LatestArray(id string) (ArrayTelemetry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.arrays[id]; ok {
		return r.latest()
	}
	return ArrayTelemetry{}, false
}

// LatestSystem returns the most recent system roll-up.
func (m *Manager) LatestSystem(id string) (SystemTelemetry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.systems[id]; ok {
		return r.latest()
	}
	return SystemTelemetry{}, false
}

// InverterHistory returns up to RingSize snapshots oldest-first.
func (m *Manager) InverterHistory(id string) []InverterTelemetry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.inverters[id]; ok {
		return r.history()
	}
	return nil
}

// AverageLoadKW returns the mean load over the retained inverter history,
// used by the scheduler when no load fallback is configured.
func (m *Manager) AverageLoadKW(inverterIDs []string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum float64
	var n int
	for _, id := range inverterIDs {
		r, ok := m.inverters[id]
		if !ok {
			continue
		}
		for _, t := range r.history() {
			sum += t.LoadPowerW
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n) / 1000, true
}

// InverterIDs returns the ids of all inverters seen so far.
func (m *Manager) InverterIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.inverters))
	for id := range m.inverters {
		out = append(out, id)
	}
	return out
}

// Staleness returns how old the latest sample for an array is, or false when
// the array has never reported.
func (m *Manager) Staleness(arrayID string, now time.Time) (time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.arrays[arrayID]
	if !ok {
		return 0, false
	}
	t, ok := r.latest()
	if !ok {
		return 0, false
	}
	return now.Sub(t.Timestamp), true
}
