// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package adapter

import (
	"context"
	"sort"
	"sync"
	"time"

	hub "github.com/soothill/solar-energy-hub/pkg/errors"
	"github.com/soothill/solar-energy-hub/pkg/logger"
	"github.com/soothill/solar-energy-hub/pkg/metrics"
	"github.com/soothill/solar-energy-hub/telemetry"
)

// How long a cached snapshot may stand in for a live poll while every
// member of the chain is down.
const failoverCacheTTL = 90 * time.Second

// failoverMember pairs an adapter with its configured rank.
type failoverMember struct {
	adapter  BatteryAdapter
	priority int
}

// Failover wraps an ordered list of battery adapters for the same physical
// pack: an active RS-485 link first, then perhaps the TCP gateway, then BLE.
// Polling sticks to the current member until it fails, then walks down the
// chain; a recovered higher-priority member is retried on the next connect.
type Failover struct {
	packID string

	mu        sync.Mutex
	members   []failoverMember
	current   int
	connected bool
	lastGood  telemetry.BatteryBankTelemetry
	cachedAt  time.Time
	failovers int
}

// NewFailover builds the composite. Members are ranked by the priority from
// their configs, lower first; ties keep the given order.
func NewFailover(packID string, members []BatteryAdapter, priorities []int) *Failover {
	f := &Failover{packID: packID, current: -1}
	for i, m := range members {
		p := 0
		if i < len(priorities) {
			p = priorities[i]
		}
		f.members = append(f.members, failoverMember{adapter: m, priority: p})
	}
	sort.SliceStable(f.members, func(i, j int) bool {
		return f.members[i].priority < f.members[j].priority
	})
	return f
}

// Connect walks the chain from the top and keeps the first member that
// answers.
func (f *Failover) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return nil
	}

	var lastErr error
	for i, m := range f.members {
		if err := m.adapter.Connect(ctx); err != nil {
			logger.Debug().Err(err).Str("pack_id", f.packID).Int("rank", i).
				Msg("Failover member did not connect")
			lastErr = err
			continue
		}
		f.current = i
		f.connected = true
		logger.Info().Str("pack_id", f.packID).Int("rank", i).
			Str("type", string(m.adapter.Info().Type)).Msg("Failover chain connected")
		return nil
	}
	if lastErr == nil {
		lastErr = hub.ErrNoAdapterAvailable
	}
	return hub.NewTransportError(hub.KindTransportOpen, f.packID, true, lastErr)
}

// Close closes every member.
func (f *Failover) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.current = -1
	var firstErr error
	for _, m := range f.members {
		if err := m.adapter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CheckConnectivity probes the current member.
func (f *Failover) CheckConnectivity(ctx context.Context) bool {
	f.mu.Lock()
	cur := f.currentAdapterLocked()
	f.mu.Unlock()
	if cur == nil {
		return false
	}
	return cur.CheckConnectivity(ctx)
}

// ReadSerialNumber delegates to the current member.
func (f *Failover) ReadSerialNumber(ctx context.Context) (string, error) {
	f.mu.Lock()
	cur := f.currentAdapterLocked()
	f.mu.Unlock()
	if cur == nil {
		return "", hub.NewIdentityUnavailable(f.packID, hub.ErrNoAdapterAvailable)
	}
	return cur.ReadSerialNumber(ctx)
}

// Info reports the current member's identity, falling back to the
// top-ranked member when nothing is connected.
func (f *Failover) Info() Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur := f.currentAdapterLocked(); cur != nil {
		return cur.Info()
	}
	if len(f.members) > 0 {
		return f.members[0].adapter.Info()
	}
	return Info{}
}

// CurrentAdapterInfo exposes which member is serving and how many times the
// chain has failed over, for debug dumps and bus introspection.
func (f *Failover) CurrentAdapterInfo() (Info, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := Info{}
	if cur := f.currentAdapterLocked(); cur != nil {
		info = cur.Info()
	}
	return info, f.failovers
}

// HandleCommand delegates to the current member.
func (f *Failover) HandleCommand(ctx context.Context, cmd Command) (CommandResult, error) {
	f.mu.Lock()
	cur := f.currentAdapterLocked()
	f.mu.Unlock()
	if cur == nil {
		return CommandResult{OK: false, Detail: "no adapter available"},
			hub.NewCommandError(f.packID, cmd.Action, hub.ErrNoAdapterAvailable)
	}
	return cur.HandleCommand(ctx, cmd)
}

func (f *Failover) currentAdapterLocked() BatteryAdapter {
	if !f.connected || f.current < 0 || f.current >= len(f.members) {
		return nil
	}
	return f.members[f.current].adapter
}

// Poll polls the current member, walking down the chain on failure. When the
// whole chain is down a recent cached snapshot is served instead, so one bad
// link does not blank the aggregation hierarchy.
func (f *Failover) Poll(ctx context.Context) (telemetry.BatteryBankTelemetry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := f.current
	if start < 0 {
		start = 0
	}
	var lastErr error
	for n := 0; n < len(f.members); n++ {
		i := (start + n) % len(f.members)
		m := f.members[i]
		if i != f.current || !f.connected {
			if err := m.adapter.Connect(ctx); err != nil {
				lastErr = err
				continue
			}
		}
		tel, err := m.adapter.Poll(ctx)
		if err != nil {
			logger.Warn().Err(err).Str("pack_id", f.packID).Int("rank", i).
				Msg("Failover member poll failed")
			_ = m.adapter.Close()
			lastErr = err
			continue
		}
		if i != f.current && f.current >= 0 {
			f.failovers++
			metrics.AdapterFailovers.WithLabelValues(f.packID).Inc()
			logger.Info().Str("pack_id", f.packID).Int("from", f.current).Int("to", i).
				Msg("Battery adapter failover")
		}
		f.current = i
		f.connected = true
		f.lastGood = tel
		f.cachedAt = time.Now()
		return tel, nil
	}

	f.connected = false
	if !f.cachedAt.IsZero() && time.Since(f.cachedAt) < failoverCacheTTL {
		logger.Warn().Str("pack_id", f.packID).
			Time("cached_at", f.cachedAt).Msg("Serving cached battery snapshot")
		return f.lastGood, nil
	}
	if lastErr == nil {
		lastErr = hub.ErrNoAdapterAvailable
	}
	return telemetry.BatteryBankTelemetry{}, hub.NewPollError(
		hub.KindTransportIO, f.packID, true, lastErr)
}
