// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the solar energy hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DevicesByStatus tracks registry entries per lifecycle status
	DevicesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "solarhub_devices_by_status",
		Help: "Number of registry entries per status (active, recovering, permanently_disabled)",
	}, []string{"status"})

	// PollsTotal tracks the total number of successful device polls
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarhub_polls_total",
		Help: "Total number of successful device polls",
	}, []string{"device_type"})

	// PollErrors tracks failed device polls
	PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarhub_poll_errors_total",
		Help: "Total number of failed device polls",
	}, []string{"device_type"})

	// PollDuration tracks how long a single device poll takes
	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "solarhub_poll_duration_seconds",
		Help:    "Duration of a single device poll in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DiscoveryDuration tracks how long a full discovery scan takes
	DiscoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "solarhub_discovery_duration_seconds",
		Help:    "Duration of a full discovery scan in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// RecoveryAttempts tracks recovery re-probe attempts
	RecoveryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solarhub_recovery_attempts_total",
		Help: "Total number of recovery re-probe attempts",
	})

	// PVPower tracks the current PV power per inverter
	PVPower = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "solarhub_pv_power_watts",
		Help: "Current PV power in watts",
	}, []string{"inverter_id"})

	// LoadPower tracks the current load power per inverter
	LoadPower = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "solarhub_load_power_watts",
		Help: "Current load power in watts",
	}, []string{"inverter_id"})

	// GridPower tracks the current grid power per inverter (positive = import)
	GridPower = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "solarhub_grid_power_watts",
		Help: "Current grid power in watts, positive means import",
	}, []string{"inverter_id"})

	// BatterySOC tracks the battery state of charge per bank
	BatterySOC = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "solarhub_battery_soc_percent",
		Help: "Battery state of charge in percent",
	}, []string{"bank_id"})

	// BusPublishesTotal tracks messages published on the bus
	BusPublishesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solarhub_bus_publishes_total",
		Help: "Total number of messages published on the bus",
	})

	// BusPublishErrors tracks failed bus publishes
	BusPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solarhub_bus_publish_errors_total",
		Help: "Total number of failed bus publishes",
	})

	// StoreWritesTotal tracks the total number of writes to the telemetry store
	StoreWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solarhub_store_writes_total",
		Help: "Total number of writes to the telemetry store",
	})

	// StoreWriteErrors tracks the number of failed writes to the telemetry store
	StoreWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solarhub_store_write_errors_total",
		Help: "Total number of failed writes to the telemetry store",
	})

	// CommandQueueDepth tracks the current command queue depth
	CommandQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solarhub_command_queue_depth",
		Help: "Current number of commands waiting in the queue",
	})

	// CommandsProcessed tracks successfully executed commands
	CommandsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solarhub_commands_processed_total",
		Help: "Total number of successfully executed commands",
	})

	// CommandsFailed tracks commands that exhausted their retries
	CommandsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "solarhub_commands_failed_total",
		Help: "Total number of commands that exhausted their retries",
	})

	// AdapterFailovers tracks failovers inside composite battery adapters
	AdapterFailovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarhub_adapter_failovers_total",
		Help: "Total number of battery adapter failovers",
	}, []string{"pack_id"})

	// SchedulerDecisions tracks scheduler ticks that emitted commands
	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarhub_scheduler_decisions_total",
		Help: "Total number of scheduler ticks that emitted commands",
	}, []string{"array_id"})

	// SchedulerSkips tracks scheduler ticks skipped due to errors or backpressure
	SchedulerSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarhub_scheduler_skips_total",
		Help: "Total number of scheduler ticks skipped",
	}, []string{"array_id", "reason"})
)
