// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package registry persists what discovery has learned: which devices exist,
// where they were last seen, and how their recovery backoff stands. The
// registry file survives restarts so a reboot never re-probes from scratch.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/soothill/solar-energy-hub/adapter"
	hub "github.com/soothill/solar-energy-hub/pkg/errors"
	"github.com/soothill/solar-energy-hub/pkg/logger"
	"github.com/soothill/solar-energy-hub/pkg/metrics"
)

// Device lifecycle states.
type Status string

const (
	StatusActive     Status = "active"
	StatusRecovering Status = "recovering" // offline, on the retry schedule
	StatusDisabled   Status = "disabled"   // permanently disabled, manual re-enable only
)

// Entry is one known device. The adapter config snapshot taken at discovery
// time lets recovery re-create the adapter without re-reading the main
// config.
type Entry struct {
	DeviceID      string         `json:"device_id"`
	DeviceType    adapter.DeviceType `json:"device_type"`
	Serial        string         `json:"serial"`
	Owner         string         `json:"owner"` // telemetry id: array, bank or meter id
	Port          string         `json:"port"`
	LastKnownPort string         `json:"last_known_port"`
	PortHistory   []string       `json:"port_history,omitempty"`
	AdapterConfig adapter.Config `json:"adapter_config"`
	Status        Status         `json:"status"`
	FailureCount  int            `json:"failure_count"`
	NextRetryTime time.Time      `json:"next_retry_time,omitempty"`
	FirstSeen     time.Time      `json:"first_seen"`
	LastSeen      time.Time      `json:"last_seen"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Backoff governs the retry schedule for failed devices.
type Backoff struct {
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxFailures int
}

// DefaultBackoff is used when the config leaves the recovery block empty.
var DefaultBackoff = Backoff{
	Initial:     30 * time.Second,
	Multiplier:  2,
	Max:         30 * time.Minute,
	MaxFailures: 20,
}

// Delay computes the wait before the nth retry (failures counted from 1).
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := float64(b.Initial)
	for i := 1; i < failures; i++ {
		d *= b.Multiplier
		if time.Duration(d) >= b.Max {
			return b.Max
		}
	}
	if time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// Registry is the persistent device table. All mutating operations save to
// disk before returning.
type Registry struct {
	mu      sync.Mutex
	path    string
	backoff Backoff
	devices map[string]*Entry // keyed by device id
}

// registryFile is the on-disk shape.
type registryFile struct {
	Version int      `json:"version"`
	SavedAt string   `json:"saved_at"`
	Devices []*Entry `json:"devices"`
}

// Load opens or creates the registry file.
func Load(path string, backoff Backoff) (*Registry, error) {
	if backoff.Initial == 0 {
		backoff = DefaultBackoff
	}
	r := &Registry{
		path:    path,
		backoff: backoff,
		devices: make(map[string]*Entry),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Info().Str("path", path).Msg("Registry file not found, starting empty")
		return r, nil
	}
	if err != nil {
		return nil, hub.NewStorageError("registry_load", "", err)
	}

	var f registryFile
	if err := json.Unmarshal(data, &f); err != nil {
		// A corrupt registry is recoverable: discovery rebuilds it. Keep the
		// bad file aside for inspection.
		backup := path + ".corrupt"
		if werr := os.WriteFile(backup, data, 0o600); werr == nil {
			logger.Warn().Err(err).Str("backup", backup).
				Msg("Registry file corrupt, moved aside and starting empty")
		}
		return r, nil
	}
	for _, e := range f.Devices {
		if e != nil && e.DeviceID != "" {
			if e.Status == "failed" {
				// Files written before the rename used "failed".
				e.Status = StatusRecovering
			}
			r.devices[e.DeviceID] = e
		}
	}
	logger.Info().Int("devices", len(r.devices)).Str("path", path).Msg("Registry loaded")
	return r, nil
}

// saveLocked writes the registry atomically: temp file then rename.
func (r *Registry) saveLocked() error {
	f := registryFile{
		Version: 1,
		SavedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for _, e := range r.devices {
		f.Devices = append(f.Devices, e)
	}
	sort.Slice(f.Devices, func(i, j int) bool {
		return f.Devices[i].DeviceID < f.Devices[j].DeviceID
	})

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return hub.NewStorageError("registry_save", "", err)
	}
	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return hub.NewStorageError("registry_save", "", err)
		}
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return hub.NewStorageError("registry_save", "", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return hub.NewStorageError("registry_save", "", err)
	}
	return nil
}

// Lookup finds a device by serial and type.
func (r *Registry) Lookup(serial string, t adapter.DeviceType) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.devices {
		if e.Serial == serial && e.DeviceType == t {
			cp := *e
			return &cp, true
		}
	}
	return nil, false
}

// Get returns a device by id.
func (r *Registry) Get(deviceID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[deviceID]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// All returns every entry, sorted by device id.
func (r *Registry) All() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// ByStatus returns entries in the given state.
func (r *Registry) ByStatus(s Status) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.devices {
		if e.Status == s {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Upsert records a discovered device as active on the given port. Known
// devices keep their first-seen time and accumulate port history.
func (r *Registry) Upsert(deviceID string, t adapter.DeviceType, serial, port, owner string, cfg adapter.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	e, ok := r.devices[deviceID]
	if !ok {
		e = &Entry{
			DeviceID:   deviceID,
			DeviceType: t,
			Serial:     serial,
			FirstSeen:  now,
		}
		r.devices[deviceID] = e
		logger.Info().Str("device_id", deviceID).Str("port", port).Msg("New device registered")
	}
	e.Owner = owner
	r.setPortLocked(e, port)
	e.AdapterConfig = cfg
	e.Status = StatusActive
	e.FailureCount = 0
	e.NextRetryTime = time.Time{}
	e.LastSeen = now
	e.UpdatedAt = now
	r.updateStatusMetricsLocked()
	return r.saveLocked()
}

// setPortLocked moves a device to a port, maintaining deduplicated history.
func (r *Registry) setPortLocked(e *Entry, port string) {
	if e.Port != "" && e.Port != port {
		logger.Info().Str("device_id", e.DeviceID).
			Str("from", e.Port).Str("to", port).Msg("Device moved ports")
	}
	if e.Port != "" {
		e.LastKnownPort = e.Port
	}
	e.Port = port
	for _, p := range e.PortHistory {
		if p == port {
			return
		}
	}
	e.PortHistory = append(e.PortHistory, port)
}

// UpdatePort records a port move for a known device.
func (r *Registry) UpdatePort(deviceID, port string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[deviceID]
	if !ok {
		return hub.ErrDeviceNotFound
	}
	r.setPortLocked(e, port)
	e.AdapterConfig.Port = port
	e.UpdatedAt = time.Now()
	return r.saveLocked()
}

// MarkFailed advances the failure count and schedules the next retry. Once
// the count reaches the backoff limit the device is permanently disabled.
func (r *Registry) MarkFailed(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[deviceID]
	if !ok {
		return hub.ErrDeviceNotFound
	}
	e.FailureCount++
	e.UpdatedAt = time.Now()
	if r.backoff.MaxFailures > 0 && e.FailureCount >= r.backoff.MaxFailures {
		e.Status = StatusDisabled
		e.NextRetryTime = time.Time{}
		logger.Warn().Str("device_id", deviceID).Int("failures", e.FailureCount).
			Msg("Device permanently disabled after exhausting retries")
	} else {
		e.Status = StatusRecovering
		delay := r.backoff.Delay(e.FailureCount)
		e.NextRetryTime = time.Now().Add(delay)
		logger.Info().Str("device_id", deviceID).Int("failures", e.FailureCount).
			Dur("retry_in", delay).Msg("Device marked recovering")
	}
	r.updateStatusMetricsLocked()
	return r.saveLocked()
}

// MarkRecovered resets the backoff state after a successful reconnect.
func (r *Registry) MarkRecovered(deviceID, port string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[deviceID]
	if !ok {
		return hub.ErrDeviceNotFound
	}
	r.setPortLocked(e, port)
	e.AdapterConfig.Port = port
	e.Status = StatusActive
	e.FailureCount = 0
	e.NextRetryTime = time.Time{}
	e.LastSeen = time.Now()
	e.UpdatedAt = e.LastSeen
	logger.Info().Str("device_id", deviceID).Str("port", port).Msg("Device recovered")
	r.updateStatusMetricsLocked()
	return r.saveLocked()
}

// PermanentlyDisable removes a device from all retry scheduling.
func (r *Registry) PermanentlyDisable(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[deviceID]
	if !ok {
		return hub.ErrDeviceNotFound
	}
	e.Status = StatusDisabled
	e.NextRetryTime = time.Time{}
	e.UpdatedAt = time.Now()
	r.updateStatusMetricsLocked()
	return r.saveLocked()
}

// ReEnable clears a permanent disable and schedules an immediate retry.
func (r *Registry) ReEnable(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[deviceID]
	if !ok {
		return hub.ErrDeviceNotFound
	}
	if e.Status != StatusDisabled {
		return fmt.Errorf("device %s is %s, not disabled", deviceID, e.Status)
	}
	e.Status = StatusRecovering
	e.FailureCount = 0
	e.NextRetryTime = time.Now()
	e.UpdatedAt = time.Now()
	logger.Info().Str("device_id", deviceID).Msg("Device re-enabled")
	r.updateStatusMetricsLocked()
	return r.saveLocked()
}

// DueForRetry returns failed devices whose retry time has passed, sorted so
// the longest-waiting device goes first.
func (r *Registry) DueForRetry(now time.Time) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.devices {
		if e.Status == StatusRecovering && !e.NextRetryTime.After(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextRetryTime.Before(out[j].NextRetryTime)
	})
	return out
}

func (r *Registry) updateStatusMetricsLocked() {
	counts := map[Status]float64{StatusActive: 0, StatusRecovering: 0, StatusDisabled: 0}
	for _, e := range r.devices {
		counts[e.Status]++
	}
	for s, n := range counts {
		metrics.DevicesByStatus.WithLabelValues(string(s)).Set(n)
	}
}
