// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package discovery locates configured devices at startup and keeps looking
// for the ones that are missing. Serial devices roam across USB adapter
// paths, so identity comes from the device's own serial number, never from
// the port name.
package discovery

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/soothill/solar-energy-hub/adapter"
	hub "github.com/soothill/solar-energy-hub/pkg/errors"
	"github.com/soothill/solar-energy-hub/pkg/logger"
	"github.com/soothill/solar-energy-hub/pkg/metrics"
	"github.com/soothill/solar-energy-hub/registry"
)

// Serial settle time between consecutive probes of the same port. USB-RS485
// converters answer garbage if re-opened immediately.
const portSettleDelay = 500 * time.Millisecond

// Minimum serial length accepted as a device identity.
const minSerialLen = 3

// Expected is one device the configuration says should exist. Owner is the
// telemetry id the device reports under: the array id for inverters, the
// bank id for batteries, the meter id for meters.
type Expected struct {
	Owner  string
	Config adapter.Config
}

// autoPort reports whether the device must be located by port scanning
// rather than probed at a fixed endpoint.
func (e Expected) autoPort() bool {
	return e.Config.Port == "" || e.Config.Port == "auto"
}

// Discovered is one identified device. The probe adapter used to identify
// it is already closed; the orchestrator opens its own runtime adapter
// from Config.
type Discovered struct {
	DeviceID string
	Owner    string
	Serial   string
	Port     string
	Config   adapter.Config
}

// DefaultPriorityOrder fixes the probe order for port scanning: inverters
// first since they answer quickly, slow battery transports last.
var DefaultPriorityOrder = []adapter.DeviceType{
	adapter.TypeSenergy,
	adapter.TypePowdrive,
	adapter.TypeMeter,
	adapter.TypeBMSActive,
	adapter.TypeBMSPassive,
	adapter.TypeBMSTCP,
	adapter.TypeBMSBLE,
}

// Engine runs discovery scans against the registry.
type Engine struct {
	reg      *registry.Registry
	expected []Expected
	priority []adapter.DeviceType

	// listPorts and probe are swappable for tests.
	listPorts func() []string
	probe     func(ctx context.Context, exp Expected, port string) (Discovered, error)
}

// New creates a discovery engine. A nil priority order uses the default.
func New(reg *registry.Registry, expected []Expected, priority []adapter.DeviceType) *Engine {
	if len(priority) == 0 {
		priority = DefaultPriorityOrder
	}
	e := &Engine{
		reg:       reg,
		expected:  expected,
		priority:  priority,
		listPorts: listSerialPorts,
	}
	e.probe = e.identify
	return e
}

// listSerialPorts enumerates candidate USB serial ports.
func listSerialPorts() []string {
	if runtime.GOOS == "windows" {
		var ports []string
		for i := 1; i <= 16; i++ {
			ports = append(ports, fmt.Sprintf("COM%d", i))
		}
		return ports
	}
	ports, _ := filepath.Glob("/dev/ttyUSB*")
	sort.Strings(ports)
	return ports
}

// Scan runs the full four-phase scan and returns every live device found.
//
// Phase 1 verifies known-active devices at their recorded ports. Phase 2
// searches remaining ports for known devices that were not where the
// registry said. Phase 3 probes still-free ports for configured devices the
// registry has never seen, in priority order. Phase 4 pushes everything
// still missing into the registry backoff path.
func (e *Engine) Scan(ctx context.Context) ([]Discovered, error) {
	start := time.Now()
	defer func() {
		metrics.DiscoveryDuration.Observe(time.Since(start).Seconds())
	}()

	var found []Discovered
	usedPorts := make(map[string]bool)
	located := make(map[string]bool) // expected index key -> done

	// Fixed-endpoint devices (TCP, BLE, mDNS instances) are probed directly;
	// they never participate in port scanning.
	for i, exp := range e.expected {
		if exp.autoPort() || !exp.Config.IsEnabled() {
			continue
		}
		d, err := e.probe(ctx, exp, exp.Config.Port)
		if err != nil {
			logger.Warn().Err(err).Str("owner", exp.Owner).Str("port", exp.Config.Port).
				Msg("Fixed-endpoint device not reachable")
			e.noteMissing(exp)
			continue
		}
		located[expKey(i, exp)] = true
		found = append(found, d)
		_ = e.reg.Upsert(d.DeviceID, d.Config.Type, d.Serial, d.Port, d.Owner, d.Config)
	}

	ports := e.listPorts()
	logger.Info().Strs("ports", ports).Msg("Scanning serial ports")

	// Phase 1: verify known devices where the registry last saw them.
	for _, entry := range e.reg.ByStatus(registry.StatusActive) {
		i, exp, ok := e.expectedFor(entry)
		if !ok || !exp.autoPort() || located[expKey(i, exp)] {
			continue
		}
		if usedPorts[entry.Port] || !contains(ports, entry.Port) {
			continue
		}
		d, err := e.probe(ctx, exp, entry.Port)
		if err == nil && d.Serial == entry.Serial {
			located[expKey(i, exp)] = true
			usedPorts[entry.Port] = true
			found = append(found, d)
			_ = e.reg.Upsert(d.DeviceID, d.Config.Type, d.Serial, d.Port, d.Owner, d.Config)
		}
		// A different device answering here is claimed in phase 3.
	}

	// Phase 2: known devices that moved. Probe every free port with each
	// missing known device's template.
	for _, entry := range e.reg.All() {
		if entry.Status == registry.StatusDisabled {
			continue
		}
		i, exp, ok := e.expectedFor(entry)
		if !ok || !exp.autoPort() || located[expKey(i, exp)] {
			continue
		}
		for _, port := range ports {
			if usedPorts[port] {
				continue
			}
			d, err := e.probe(ctx, exp, port)
			if err != nil {
				continue
			}
			if d.Serial != entry.Serial {
				continue
			}
			located[expKey(i, exp)] = true
			usedPorts[port] = true
			found = append(found, d)
			_ = e.reg.Upsert(d.DeviceID, d.Config.Type, d.Serial, port, d.Owner, d.Config)
			break
		}
	}

	// Phase 3: configured devices the registry has never seen, probed on the
	// remaining ports in priority order.
	for _, t := range e.priority {
		for i, exp := range e.expected {
			if exp.Config.Type != t || !exp.autoPort() || !exp.Config.IsEnabled() {
				continue
			}
			if located[expKey(i, exp)] {
				continue
			}
			for _, port := range ports {
				if usedPorts[port] {
					continue
				}
				d, err := e.probe(ctx, exp, port)
				if err != nil {
					continue
				}
				located[expKey(i, exp)] = true
				usedPorts[port] = true
				found = append(found, d)
				_ = e.reg.Upsert(d.DeviceID, d.Config.Type, d.Serial, port, d.Owner, d.Config)
				break
			}
		}
	}

	// Phase 4: everything still missing enters (or advances) backoff.
	for i, exp := range e.expected {
		if !exp.autoPort() || !exp.Config.IsEnabled() || located[expKey(i, exp)] {
			continue
		}
		e.noteMissing(exp)
	}

	logger.Info().Int("found", len(found)).Dur("took", time.Since(start)).
		Msg("Discovery scan complete")
	return found, nil
}

// expectedFor matches a registry entry back to its configured template.
// Owner is the identity discovery recorded; a fixed port is the next-best
// signal. Type alone only matches entries written before owners were
// recorded, otherwise two devices of the same type would cross-attribute.
func (e *Engine) expectedFor(entry registry.Entry) (int, Expected, bool) {
	for i, exp := range e.expected {
		if exp.Config.Type != entry.DeviceType || !exp.Config.IsEnabled() {
			continue
		}
		if entry.Owner != "" && entry.Owner == exp.Owner {
			return i, exp, true
		}
	}
	for i, exp := range e.expected {
		if exp.Config.Type != entry.DeviceType || !exp.Config.IsEnabled() {
			continue
		}
		if !exp.autoPort() && exp.Config.Port == entry.Port {
			return i, exp, true
		}
	}
	if entry.Owner == "" {
		for i, exp := range e.expected {
			if exp.Config.Type == entry.DeviceType && exp.Config.IsEnabled() {
				return i, exp, true
			}
		}
	}
	return 0, Expected{}, false
}

func expKey(i int, exp Expected) string {
	return fmt.Sprintf("%s/%s/%d", exp.Config.Type, exp.Owner, i)
}

// noteMissing records a missing expected device in the registry when it is
// already known there; never-seen devices just log. Only the entry belonging
// to this expectation advances its backoff.
func (e *Engine) noteMissing(exp Expected) {
	for _, entry := range e.reg.All() {
		if entry.DeviceType != exp.Config.Type || entry.Status == registry.StatusDisabled {
			continue
		}
		if entry.Owner != "" && entry.Owner != exp.Owner {
			continue
		}
		_ = e.reg.MarkFailed(entry.DeviceID)
		return
	}
	logger.Warn().Str("owner", exp.Owner).Str("type", string(exp.Config.Type)).
		Msg("Configured device not found")
}

// identify runs the identification procedure on one port: connect under
// the probe timeout, verify connectivity, read the serial, then close. The
// probe adapter never survives identification; every path releases the
// port and lets it settle before the runtime adapter opens.
func (e *Engine) identify(ctx context.Context, exp Expected, port string) (Discovered, error) {
	cfg := exp.Config
	cfg.Port = port

	a, err := adapter.New(cfg, exp.Owner)
	if err != nil {
		return Discovered{}, hub.NewDiscoveryError("create adapter", err)
	}

	connect, op := adapter.ProbeTimeouts(cfg)
	connectCtx, cancel := context.WithTimeout(ctx, connect)
	err = a.Connect(connectCtx)
	cancel()
	if err != nil {
		settle(port)
		return Discovered{}, hub.NewDiscoveryError("probe "+port, err)
	}

	opCtx, cancel := context.WithTimeout(ctx, op)
	defer cancel()
	if !a.CheckConnectivity(opCtx) {
		_ = a.Close()
		settle(port)
		return Discovered{}, hub.NewDiscoveryError("probe "+port, hub.ErrDeviceOffline)
	}

	serial, err := a.ReadSerialNumber(opCtx)
	if err != nil {
		_ = a.Close()
		settle(port)
		return Discovered{}, hub.NewDiscoveryError("read identity on "+port, err)
	}

	var deviceID string
	switch {
	case len(serial) >= minSerialLen:
		deviceID = adapter.DeviceID(cfg.Type, serial)
	case serial == "" && cfg.Type == adapter.TypeMeter:
		// Meters expose no identity register; the id is config-chosen.
		deviceID = string(cfg.Type) + "_" + exp.Owner
	default:
		_ = a.Close()
		settle(port)
		return Discovered{}, hub.NewDiscoveryError("read identity on "+port,
			hub.NewIdentityUnavailable(port, hub.ErrDeviceNotFound))
	}

	_ = a.Close()
	settle(port)

	logger.Info().Str("device_id", deviceID).Str("port", port).
		Str("serial", serial).Msg("Device identified")
	return Discovered{
		DeviceID: deviceID,
		Owner:    exp.Owner,
		Serial:   serial,
		Port:     port,
		Config:   cfg,
	}, nil
}

// settle waits out the serial converter after a failed probe. Only serial
// paths need it.
func settle(port string) {
	if strings.Contains(port, ":") {
		return
	}
	time.Sleep(portSettleDelay)
}

func contains(ports []string, p string) bool {
	for _, x := range ports {
		if x == p {
			return true
		}
	}
	return false
}
