// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/soothill/solar-energy-hub/adapter"
	"github.com/soothill/solar-energy-hub/pkg/logger"
	"github.com/soothill/solar-energy-hub/pkg/metrics"
	"github.com/soothill/solar-energy-hub/registry"
)

// RecoveredFunc hands a re-identified device back to the orchestrator.
type RecoveredFunc func(d Discovered)

// RecoveryManager re-probes failed devices on their backoff schedule. It
// checks once a minute which devices are due, tries the last known port
// first, then the rest of the candidate ports.
type RecoveryManager struct {
	engine      *Engine
	reg         *registry.Registry
	onRecovered RecoveredFunc
	interval    time.Duration

	mu      sync.Mutex
	inUse   map[string]bool // ports held by live adapters, skipped when probing
	stopped chan struct{}
	once    sync.Once
}

// NewRecoveryManager creates a recovery manager. A zero interval means one
// minute.
func NewRecoveryManager(engine *Engine, reg *registry.Registry, onRecovered RecoveredFunc, interval time.Duration) *RecoveryManager {
	if interval <= 0 {
		interval = time.Minute
	}
	return &RecoveryManager{
		engine:      engine,
		reg:         reg,
		onRecovered: onRecovered,
		interval:    interval,
		inUse:       make(map[string]bool),
		stopped:     make(chan struct{}),
	}
}

// SetPortInUse marks or clears a port as held by a live adapter so recovery
// probing never steals an open bus.
func (m *RecoveryManager) SetPortInUse(port string, inUse bool) {
	if port == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if inUse {
		m.inUse[port] = true
	} else {
		delete(m.inUse, port)
	}
}

func (m *RecoveryManager) portHeld(port string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse[port]
}

// Run loops until the context ends.
func (m *RecoveryManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	logger.Info().Dur("interval", m.interval).Msg("Recovery manager started")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Recovery manager stopped")
			return
		case <-m.stopped:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// Stop ends the loop.
func (m *RecoveryManager) Stop() {
	m.once.Do(func() { close(m.stopped) })
}

// tick retries every device whose backoff has elapsed.
func (m *RecoveryManager) tick(ctx context.Context) {
	due := m.reg.DueForRetry(time.Now())
	for _, entry := range due {
		if ctx.Err() != nil {
			return
		}
		m.retry(ctx, entry)
	}
}

// retry runs the identification procedure for one failed device: last known
// port first, then the remaining candidates.
func (m *RecoveryManager) retry(ctx context.Context, entry registry.Entry) {
	metrics.RecoveryAttempts.Inc()

	exp := Expected{Owner: ownerOf(entry), Config: entry.AdapterConfig}

	var candidates []string
	if exp.autoPort() || entry.AdapterConfig.Port == entry.Port {
		if entry.Port != "" {
			candidates = append(candidates, entry.Port)
		}
		if entry.LastKnownPort != "" && entry.LastKnownPort != entry.Port {
			candidates = append(candidates, entry.LastKnownPort)
		}
		for _, p := range m.engine.listPorts() {
			if p != entry.Port && p != entry.LastKnownPort {
				candidates = append(candidates, p)
			}
		}
	} else {
		candidates = []string{entry.AdapterConfig.Port}
	}

	if entry.DeviceType == adapter.TypeBMSBLE && entry.FailureCount >= 3 {
		// The BLE stack wedges after repeated failures; reset before retrying.
		if err := adapter.PowerCycleHCI(ctx); err != nil {
			logger.Debug().Err(err).Msg("HCI power cycle failed")
		}
	}

	for _, port := range candidates {
		if m.portHeld(port) {
			continue
		}
		d, err := m.engine.probe(ctx, exp, port)
		if err != nil {
			continue
		}
		if entry.Serial != "" && d.Serial != entry.Serial {
			continue
		}
		if err := m.reg.MarkRecovered(entry.DeviceID, port); err != nil {
			logger.Warn().Err(err).Str("device_id", entry.DeviceID).
				Msg("Failed to record recovery")
		}
		m.SetPortInUse(port, true)
		if m.onRecovered != nil {
			m.onRecovered(d)
		}
		return
	}

	if err := m.reg.MarkFailed(entry.DeviceID); err != nil {
		logger.Warn().Err(err).Str("device_id", entry.DeviceID).
			Msg("Failed to advance backoff")
	}
}

// ownerOf returns the telemetry owner recorded at discovery time, falling
// back to the device id for entries written by older registry versions.
func ownerOf(entry registry.Entry) string {
	if entry.Owner != "" {
		return entry.Owner
	}
	return entry.DeviceID
}
