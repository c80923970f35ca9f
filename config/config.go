// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the solar energy hub.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/soothill/solar-energy-hub/adapter"
	"github.com/soothill/solar-energy-hub/aggregate"
	"github.com/soothill/solar-energy-hub/bus"
	"github.com/soothill/solar-energy-hub/discovery"
	"github.com/soothill/solar-energy-hub/orchestrator"
	"github.com/soothill/solar-energy-hub/registry"
	"github.com/soothill/solar-energy-hub/scheduler"
	"github.com/soothill/solar-energy-hub/storage"
)

// Config represents the application configuration
type Config struct {
	Timezone  string          `yaml:"timezone"`
	Logging   LoggingConfig   `yaml:"logging"`
	InfluxDB  storage.Config  `yaml:"influxdb"`
	MQTT      bus.Config      `yaml:"mqtt"`
	Polling   PollingConfig   `yaml:"polling"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Smart     SmartConfig     `yaml:"smart"`
	Devices   []DeviceEntry   `yaml:"devices"`
	Hierarchy HierarchyConfig `yaml:"hierarchy"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// PollingConfig tunes the orchestrator loop and the command queue.
type PollingConfig struct {
	Interval      time.Duration `yaml:"interval"`
	Concurrent    int           `yaml:"concurrent"`
	QueueCapacity int           `yaml:"queue_capacity"`
}

// DiscoveryConfig controls scanning and failed-device recovery.
type DiscoveryConfig struct {
	RegistryPath     string        `yaml:"registry_path"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	PriorityOrder    []string      `yaml:"priority_order"`
	Backoff          BackoffConfig `yaml:"backoff"`
}

// BackoffConfig is the recovery backoff curve.
type BackoffConfig struct {
	Initial     time.Duration `yaml:"initial"`
	Multiplier  float64       `yaml:"multiplier"`
	Max         time.Duration `yaml:"max"`
	MaxFailures int           `yaml:"max_failures"`
}

// SmartConfig holds the scheduler policy and tariff windows.
type SmartConfig struct {
	Enabled  bool               `yaml:"enabled"`
	Interval time.Duration      `yaml:"interval"`
	Policy   scheduler.Policy   `yaml:"policy"`
	Tariff   []scheduler.Window `yaml:"tariff"`
}

// DeviceEntry is one expected device. Owner names the array the device
// serves, or the battery bank it is, depending on the device type.
type DeviceEntry struct {
	Owner          string `yaml:"owner"`
	adapter.Config `yaml:",inline"`
}

// HierarchyConfig wires banks into packs, packs into arrays and arrays
// into systems.
type HierarchyConfig struct {
	Packs   []PackConfig   `yaml:"packs"`
	Arrays  []ArrayConfig  `yaml:"arrays"`
	Systems []SystemConfig `yaml:"systems"`
}

// PackConfig groups battery banks into one pack.
type PackConfig struct {
	ID             string             `yaml:"id"`
	Banks          []string           `yaml:"banks"`
	CapacityKWh    map[string]float64 `yaml:"capacity_kwh"` // per bank
	MaxChargeKW    float64            `yaml:"max_charge_kw"`
	MaxDischargeKW float64            `yaml:"max_discharge_kw"`
}

// ArrayConfig describes one inverter array. Inverters join by owner at
// discovery time rather than being listed here.
type ArrayConfig struct {
	ID     string             `yaml:"id"`
	Packs  []string           `yaml:"packs"`
	Meter  string             `yaml:"meter"`   // owner of the grid meter, optional
	RatedW map[string]float64 `yaml:"rated_w"` // per-inverter rated power for scheduler splits
}

// SystemConfig is the top of the hierarchy.
type SystemConfig struct {
	ID     string   `yaml:"id"`
	Arrays []string `yaml:"arrays"`
	Meters []string `yaml:"meters"`
}

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides and defaults
	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	// Validate configuration
	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	if url := os.Getenv("INFLUXDB_URL"); url != "" {
		c.InfluxDB.URL = url
	}
	if token := os.Getenv("INFLUXDB_TOKEN"); token != "" {
		c.InfluxDB.Token = token
	}
	if org := os.Getenv("INFLUXDB_ORG"); org != "" {
		c.InfluxDB.Org = org
	}
	if bucket := os.Getenv("INFLUXDB_BUCKET"); bucket != "" {
		c.InfluxDB.Bucket = bucket
	}
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}
	if user := os.Getenv("MQTT_USERNAME"); user != "" {
		c.MQTT.Username = user
	}
	if pass := os.Getenv("MQTT_PASSWORD"); pass != "" {
		c.MQTT.Password = pass
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if interval := os.Getenv("POLL_INTERVAL"); interval != "" {
		duration, parseErr := time.ParseDuration(interval)
		if parseErr == nil {
			c.Polling.Interval = duration
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse POLL_INTERVAL '%s': %v\n", interval, parseErr)
		}
	}
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Polling.Interval == 0 {
		c.Polling.Interval = 2 * time.Second
	}
	if c.Polling.Concurrent == 0 {
		c.Polling.Concurrent = 4
	}
	if c.Discovery.RegistryPath == "" {
		c.Discovery.RegistryPath = "/var/lib/solar-energy-hub/registry.json"
	}
	if c.Discovery.RecoveryInterval == 0 {
		c.Discovery.RecoveryInterval = time.Minute
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "solar-energy-hub"
	}
	if c.Smart.Interval == 0 {
		c.Smart.Interval = 5 * time.Minute
	}
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Backoff converts the recovery block, falling back to the defaults.
func (c *Config) Backoff() registry.Backoff {
	b := registry.DefaultBackoff
	if c.Discovery.Backoff.Initial > 0 {
		b.Initial = c.Discovery.Backoff.Initial
	}
	if c.Discovery.Backoff.Multiplier > 0 {
		b.Multiplier = c.Discovery.Backoff.Multiplier
	}
	if c.Discovery.Backoff.Max > 0 {
		b.Max = c.Discovery.Backoff.Max
	}
	if c.Discovery.Backoff.MaxFailures > 0 {
		b.MaxFailures = c.Discovery.Backoff.MaxFailures
	}
	return b
}

// PriorityOrder resolves the discovery probe order, empty meaning default.
func (c *Config) PriorityOrder() []adapter.DeviceType {
	out := make([]adapter.DeviceType, 0, len(c.Discovery.PriorityOrder))
	for _, t := range c.Discovery.PriorityOrder {
		out = append(out, adapter.DeviceType(t))
	}
	return out
}

// Expected converts the device list into discovery expectations.
func (c *Config) Expected(loc *time.Location) []discovery.Expected {
	out := make([]discovery.Expected, 0, len(c.Devices))
	for _, d := range c.Devices {
		cfg := d.Config
		cfg.Location = loc
		out = append(out, discovery.Expected{Owner: d.Owner, Config: cfg})
	}
	return out
}

// BuildHierarchy converts the hierarchy block into aggregation specs.
func (c *Config) BuildHierarchy() orchestrator.Hierarchy {
	h := orchestrator.Hierarchy{
		PackSpecs:  make(map[string]aggregate.PackSpec),
		BankToPack: make(map[string]string),
	}
	for _, p := range c.Hierarchy.Packs {
		h.PackSpecs[p.ID] = aggregate.PackSpec{
			PackID:         p.ID,
			BankIDs:        p.Banks,
			CapacityKWh:    p.CapacityKWh,
			MaxChargeKW:    p.MaxChargeKW,
			MaxDischargeKW: p.MaxDischargeKW,
		}
		for _, bank := range p.Banks {
			h.BankToPack[bank] = p.ID
		}
	}
	for _, a := range c.Hierarchy.Arrays {
		h.Arrays = append(h.Arrays, aggregate.ArraySpec{
			ArrayID: a.ID,
			PackIDs: a.Packs,
		})
	}
	for _, s := range c.Hierarchy.Systems {
		h.Systems = append(h.Systems, aggregate.SystemSpec{
			SystemID: s.ID,
			ArrayIDs: s.Arrays,
			MeterIDs: s.Meters,
		})
	}
	return h
}

// ArrayPlans builds the scheduler's per-array plans. Capacity is the sum of
// the attached packs' bank capacities.
func (c *Config) ArrayPlans() []scheduler.ArrayPlan {
	packCap := make(map[string]float64)
	for _, p := range c.Hierarchy.Packs {
		for _, bank := range p.Banks {
			if kwh, ok := p.CapacityKWh[bank]; ok {
				packCap[p.ID] += kwh
			}
		}
	}
	plans := make([]scheduler.ArrayPlan, 0, len(c.Hierarchy.Arrays))
	for _, a := range c.Hierarchy.Arrays {
		plan := scheduler.ArrayPlan{
			ArrayID: a.ID,
			MeterID: a.Meter,
			RatedW:  a.RatedW,
		}
		for _, packID := range a.Packs {
			plan.CapacityKWh += packCap[packID]
		}
		plans = append(plans, plan)
	}
	return plans
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if validateErr := c.validateInfluxDB(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateMQTT(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validatePolling(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateDevices(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateHierarchy(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateSmart(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateLogging(); validateErr != nil {
		return validateErr
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}

	return nil
}

// validateInfluxDB validates the InfluxDB configuration
func (c *Config) validateInfluxDB() error {
	if c.InfluxDB.URL == "" {
		return fmt.Errorf("influxdb.url is required")
	}

	parsedURL, parseErr := url.Parse(c.InfluxDB.URL)
	if parseErr != nil {
		return fmt.Errorf("influxdb.url is not a valid URL: %w", parseErr)
	}

	// Check for HTTPS in production-like URLs (not localhost/127.0.0.1)
	if securityErr := validateURLSecurity(parsedURL); securityErr != nil {
		return securityErr
	}

	if c.InfluxDB.Token == "" {
		return fmt.Errorf("influxdb.token is required")
	}

	if len(c.InfluxDB.Token) < 8 {
		return fmt.Errorf("influxdb.token must be at least 8 characters long")
	}

	if c.InfluxDB.Org == "" {
		return fmt.Errorf("influxdb.org is required")
	}
	if c.InfluxDB.Bucket == "" {
		return fmt.Errorf("influxdb.bucket is required")
	}

	return nil
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections
func validateURLSecurity(parsedURL *url.URL) error {
	if parsedURL.Scheme != "http" {
		return nil
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	isLocal := hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "192.168.") ||
		strings.HasPrefix(hostname, "10.") ||
		strings.HasPrefix(hostname, "172.")

	if !isLocal {
		return fmt.Errorf("influxdb.url must use HTTPS for non-local connections (got %s). Using HTTP transmits credentials in plaintext and is a security risk", parsedURL.Scheme)
	}

	return nil
}

// validateMQTT validates the MQTT broker settings
func (c *Config) validateMQTT() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	valid := false
	for _, prefix := range []string{"tcp://", "ssl://", "ws://", "wss://"} {
		if strings.HasPrefix(c.MQTT.Broker, prefix) {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("mqtt.broker must start with tcp://, ssl://, ws:// or wss://")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

// validatePolling validates the polling configuration
func (c *Config) validatePolling() error {
	if c.Polling.Interval < time.Second {
		return fmt.Errorf("polling.interval must be at least 1 second")
	}
	if c.Polling.Interval > 1*time.Hour {
		return fmt.Errorf("polling.interval must not exceed 1 hour")
	}
	if c.Polling.Concurrent < 1 || c.Polling.Concurrent > 32 {
		return fmt.Errorf("polling.concurrent must be between 1 and 32")
	}
	return nil
}

// validateDevices checks each device entry and its owner reference.
func (c *Config) validateDevices() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}
	known := map[adapter.DeviceType]bool{
		adapter.TypeSenergy: true, adapter.TypePowdrive: true,
		adapter.TypeMeter: true, adapter.TypeBMSActive: true,
		adapter.TypeBMSPassive: true, adapter.TypeBMSTCP: true,
		adapter.TypeBMSBLE: true,
	}
	for i, d := range c.Devices {
		if d.Owner == "" {
			return fmt.Errorf("devices[%d]: owner is required", i)
		}
		if !known[d.Type] {
			return fmt.Errorf("devices[%d]: unknown device type %q", i, d.Type)
		}
	}
	return nil
}

// validateHierarchy rejects dangling cross-links. An orphan reference is a
// config typo and must fail the whole load, not surface later as a silent
// hole in the aggregates.
func (c *Config) validateHierarchy() error {
	bankOwners := make(map[string]bool)
	meterOwners := make(map[string]bool)
	arrayOwners := make(map[string]bool)
	for _, d := range c.Devices {
		switch {
		case d.Type.IsBattery():
			bankOwners[d.Owner] = true
		case d.Type == adapter.TypeMeter:
			meterOwners[d.Owner] = true
		default:
			arrayOwners[d.Owner] = true
		}
	}

	packs := make(map[string]bool)
	for _, p := range c.Hierarchy.Packs {
		if p.ID == "" {
			return fmt.Errorf("hierarchy.packs: id is required")
		}
		if packs[p.ID] {
			return fmt.Errorf("hierarchy.packs: duplicate pack %q", p.ID)
		}
		packs[p.ID] = true
		for _, bank := range p.Banks {
			if !bankOwners[bank] {
				return fmt.Errorf("hierarchy.packs[%s]: bank %q has no battery device", p.ID, bank)
			}
		}
	}

	arrays := make(map[string]bool)
	for _, a := range c.Hierarchy.Arrays {
		if a.ID == "" {
			return fmt.Errorf("hierarchy.arrays: id is required")
		}
		if arrays[a.ID] {
			return fmt.Errorf("hierarchy.arrays: duplicate array %q", a.ID)
		}
		arrays[a.ID] = true
		for _, packID := range a.Packs {
			if !packs[packID] {
				return fmt.Errorf("hierarchy.arrays[%s]: unknown pack %q", a.ID, packID)
			}
		}
		if a.Meter != "" && !meterOwners[a.Meter] {
			return fmt.Errorf("hierarchy.arrays[%s]: unknown meter %q", a.ID, a.Meter)
		}
	}

	for _, s := range c.Hierarchy.Systems {
		if s.ID == "" {
			return fmt.Errorf("hierarchy.systems: id is required")
		}
		for _, arrayID := range s.Arrays {
			if !arrays[arrayID] {
				return fmt.Errorf("hierarchy.systems[%s]: unknown array %q", s.ID, arrayID)
			}
		}
		for _, meter := range s.Meters {
			if !meterOwners[meter] {
				return fmt.Errorf("hierarchy.systems[%s]: unknown meter %q", s.ID, meter)
			}
		}
	}
	return nil
}

// validateSmart validates the scheduler policy and tariff windows.
func (c *Config) validateSmart() error {
	if !c.Smart.Enabled {
		return nil
	}
	if c.Smart.Interval < 30*time.Second || c.Smart.Interval > time.Hour {
		return fmt.Errorf("smart.interval must be between 30s and 1h")
	}
	if err := c.Smart.Policy.Validate(); err != nil {
		return fmt.Errorf("smart.policy: %w", err)
	}
	if _, err := scheduler.NewTariff(c.Smart.Tariff); err != nil {
		return fmt.Errorf("smart.tariff: %w", err)
	}
	return nil
}

// validateLogging validates the logging configuration
func (c *Config) validateLogging() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"warning": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, fatal, panic")
	}

	return nil
}
