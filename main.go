// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/soothill/solar-energy-hub/bus"
	"github.com/soothill/solar-energy-hub/config"
	"github.com/soothill/solar-energy-hub/discovery"
	"github.com/soothill/solar-energy-hub/energy"
	"github.com/soothill/solar-energy-hub/orchestrator"
	"github.com/soothill/solar-energy-hub/pkg/interfaces"
	"github.com/soothill/solar-energy-hub/pkg/logger"
	"github.com/soothill/solar-energy-hub/registry"
	"github.com/soothill/solar-energy-hub/scheduler"
	"github.com/soothill/solar-energy-hub/storage"
	"github.com/soothill/solar-energy-hub/telemetry"
)

const (
	signalChannelSize     = 1
	scanTimeout           = 2 * time.Minute
	readinessCheckTimeout = 2 * time.Second
	shutdownTimeout       = 5 * time.Second
	flushTimeout          = 10 * time.Second
)

// App represents the main application
type App struct {
	cfg           *config.Config
	metricsPort   string
	server        *http.Server
	store         *storage.InfluxStore
	mq            *bus.MQTT
	reg           *registry.Registry
	engine        *discovery.Engine
	recovery      *discovery.RecoveryManager
	queue         *orchestrator.Queue
	orch          *orchestrator.Orchestrator
	sched         *scheduler.Scheduler
	configWatcher *config.Watcher
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	metricsPort := flag.String("metrics-port", "9090", "Port for Prometheus metrics endpoint")
	healthCheck := flag.Bool("health-check", false, "Perform health check and exit")
	validateConfig := flag.Bool("validate-config", false, "Validate configuration file and exit")
	flag.Parse()

	if *healthCheck {
		os.Exit(performHealthCheck(*configPath))
	}

	if *validateConfig {
		os.Exit(performConfigValidation(*configPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(cfg.Logging.Level)

	logger.Info().Msg("Starting Solar Energy Hub")
	logger.Info().Dur("poll_interval", cfg.Polling.Interval).
		Int("concurrent", cfg.Polling.Concurrent).
		Int("devices", len(cfg.Devices)).
		Msg("Configuration loaded")

	configChan := make(chan *config.Config)
	configWatcher := config.NewWatcher(*configPath, configChan)

	application, err := New(cfg, *metricsPort, configWatcher)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}

	setupDebugSignalHandlers(application)
	application.Run(configChan)
}

// New creates a new application instance
func New(cfg *config.Config, metricsPort string, configWatcher *config.Watcher) (*App, error) {
	app := &App{
		cfg:           cfg,
		metricsPort:   metricsPort,
		configWatcher: configWatcher,
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve timezone: %w", err)
	}

	kvPath := filepath.Join(filepath.Dir(cfg.Discovery.RegistryPath), "config-kv.json")
	app.store, err = storage.New(cfg.InfluxDB, kvPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize InfluxDB: %w", err)
	}

	app.mq, err = bus.New(cfg.MQTT)
	if err != nil {
		app.store.Close()
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	app.reg, err = registry.Load(cfg.Discovery.RegistryPath, cfg.Backoff())
	if err != nil {
		app.mq.Close()
		app.store.Close()
		return nil, fmt.Errorf("failed to load device registry: %w", err)
	}

	tmgr := telemetry.NewManager()
	app.engine = discovery.New(app.reg, cfg.Expected(loc), cfg.PriorityOrder())

	gate := orchestrator.NewDeviceGate()
	app.queue = orchestrator.NewQueue(gate, cfg.Polling.Interval, cfg.Polling.QueueCapacity)
	acc := energy.NewAccumulator(loc)

	// Recovery hands re-identified devices straight back to the poll loop.
	// The orchestrator does not exist yet at this point, hence the
	// indirection through the App field.
	app.recovery = discovery.NewRecoveryManager(app.engine, app.reg, func(d discovery.Discovered) {
		app.orch.AddDevice(d)
	}, cfg.Discovery.RecoveryInterval)

	app.orch = orchestrator.New(
		orchestrator.Options{
			PollInterval: cfg.Polling.Interval,
			Concurrent:   cfg.Polling.Concurrent,
		},
		gate, app.queue, app.store, tmgr, app.mq, bus.Marshal,
		acc, app.reg, app.recovery, cfg.BuildHierarchy(),
	)

	if cfg.Smart.Enabled {
		tariff, tariffErr := scheduler.NewTariff(cfg.Smart.Tariff)
		if tariffErr != nil {
			app.mq.Close()
			app.store.Close()
			return nil, fmt.Errorf("failed to compile tariff: %w", tariffErr)
		}
		forecast := scheduler.HistoryForecast(acc, loc)
		app.sched = scheduler.New(cfg.Smart.Policy, tariff, cfg.ArrayPlans(), tmgr,
			app.orch, app.store, forecast, app.orch.EnqueueWrites, loc, cfg.Smart.Interval)
	}

	app.server = newMetricsServer(metricsPort, app.store)

	return app, nil
}

// Run starts the application and blocks until shutdown
func (a *App) Run(configChan <-chan *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	a.ctx = ctx
	a.cancel = cancel
	defer a.cancel()

	a.configWatcher.Start(ctx)
	defer a.configWatcher.Stop()

	a.startMetricsServer()
	a.setupSignalHandler()
	a.startConfigWatcher(configChan)

	for _, pattern := range a.mq.CommandPatterns() {
		if err := a.mq.Subscribe(pattern, a.orch.HandleBusCommand); err != nil {
			logger.Error().Err(err).Str("pattern", pattern).Msg("Failed to subscribe to command topic")
		}
	}

	a.initialScan(ctx)
	a.queue.Start()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.recovery.Run(ctx)
	}()

	if a.sched != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.sched.Run(ctx.Done())
		}()
	}

	// The poll loop owns the lifetime of every adapter; it blocks until the
	// context ends and closes them on the way out.
	a.orch.Run(ctx)
	a.performCleanup()
}

// initialScan runs the first discovery pass and registers what it finds.
func (a *App) initialScan(ctx context.Context) {
	scanCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	found, err := a.engine.Scan(scanCtx)
	if err != nil {
		logger.Error().Err(err).Msg("Initial discovery scan failed")
	}
	for _, d := range found {
		a.orch.AddDevice(d)
	}
	logger.Info().Int("devices", len(found)).Msg("Initial discovery complete")
}

// newMetricsServer builds the localhost-only metrics and health server.
func newMetricsServer(port string, store interfaces.TelemetryStore) *http.Server {
	healthLimiter := rate.NewLimiter(10, 20)
	readyLimiter := rate.NewLimiter(10, 20)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", rateLimitMiddleware(healthLimiter, healthCheckHandler))
	mux.HandleFunc("/ready", rateLimitMiddleware(readyLimiter, func(w http.ResponseWriter, r *http.Request) {
		readinessCheckHandler(w, r, store)
	}))

	return &http.Server{
		Addr:    "localhost:" + port,
		Handler: mux,
	}
}

// startMetricsServer starts the HTTP server for metrics and health checks
func (a *App) startMetricsServer() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.server.Addr).Msg("Starting metrics and health check server (localhost only)")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func (a *App) setupSignalHandler() {
	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		a.performGracefulShutdown()
	}()
}

// performGracefulShutdown handles graceful shutdown of all components
func (a *App) performGracefulShutdown() {
	logger.Info().Msg("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server stopped")
	}

	a.recovery.Stop()
	a.configWatcher.Stop()
	a.cancel()
}

// performCleanup drains the command queue, flushes storage and waits for
// goroutines to finish
func (a *App) performCleanup() {
	a.queue.Stop()
	a.mq.Close()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), flushTimeout)
	defer flushCancel()

	flushDone := make(chan struct{})
	go func() {
		a.store.Flush()
		a.store.Close()
		close(flushDone)
	}()

	select {
	case <-flushDone:
		logger.Info().Msg("Storage flush completed")
	case <-flushCtx.Done():
		logger.Warn().Msg("Storage flush timeout - some data may be lost")
	}

	logger.Info().Msg("Waiting for goroutines to finish...")
	a.wg.Wait()
	logger.Info().Msg("All goroutines finished, exiting")
}

// UpdateConfig updates the application's configuration. Device and
// hierarchy changes need a restart; only the dynamic settings apply live.
// Every transport is bounced through the poll loop so adapters come back
// up with the reloaded settings.
func (a *App) UpdateConfig(newCfg *config.Config) {
	a.cfg = newCfg
	logger.Initialize(newCfg.Logging.Level)
	a.orch.RequestDisconnect()
	a.orch.RequestReconnect()
	logger.Info().Str("log_level", newCfg.Logging.Level).
		Msg("Application configuration updated (device changes require restart)")
}

// startConfigWatcher starts a goroutine to listen for config file changes and reloads
func (a *App) startConfigWatcher(configChan <-chan *config.Config) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				logger.Info().Msg("Config watcher goroutine shutting down")
				return
			case newCfg := <-configChan:
				a.UpdateConfig(newCfg)
			}
		}
	}()
}

// rateLimitMiddleware wraps an HTTP handler with rate limiting
func rateLimitMiddleware(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Rate limit exceeded for health endpoint")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// healthCheckHandler handles health check requests
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("OK")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write health check response")
	}
}

// readinessCheckHandler handles readiness check requests
func readinessCheckHandler(w http.ResponseWriter, _ *http.Request, store interfaces.TelemetryStore) {
	ctx, cancel := context.WithTimeout(context.Background(), readinessCheckTimeout)
	defer cancel()

	if err := store.Health(ctx); err != nil {
		logger.Warn().Err(err).Msg("Readiness check failed: InfluxDB unhealthy")
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, writeErr := w.Write([]byte("NOT READY: InfluxDB unhealthy")); writeErr != nil {
			logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("READY")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
	}
}

// performHealthCheck performs a health check and returns exit code
func performHealthCheck(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: could not load config: %v\n", err)
		return 1
	}

	kvPath := filepath.Join(filepath.Dir(cfg.Discovery.RegistryPath), "config-kv.json")
	store, err := storage.New(cfg.InfluxDB, kvPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: could not create InfluxDB client: %v\n", err)
		return 1
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Health(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: InfluxDB is unhealthy: %v\n", err)
		return 1
	}

	fmt.Println("Health check passed: InfluxDB is healthy")
	return 0
}

// performConfigValidation validates the configuration file and returns exit code
func performConfigValidation(configPath string) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	if err := config.ValidateWithSchema(configPath); err != nil {
		logger.Error().Err(err).Msg("Configuration schema validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		return 1
	}

	fmt.Println("\n✅ Configuration validation PASSED")
	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  InfluxDB URL: %s\n", cfg.InfluxDB.URL)
	fmt.Printf("  InfluxDB Org: %s\n", cfg.InfluxDB.Org)
	fmt.Printf("  InfluxDB Bucket: %s\n", cfg.InfluxDB.Bucket)
	fmt.Printf("  MQTT Broker: %s\n", cfg.MQTT.Broker)
	fmt.Printf("  Log Level: %s\n", cfg.Logging.Level)
	fmt.Printf("  Poll Interval: %s\n", cfg.Polling.Interval)
	fmt.Printf("  Concurrent Polls: %d\n", cfg.Polling.Concurrent)
	fmt.Printf("  Registry Path: %s\n", cfg.Discovery.RegistryPath)
	fmt.Printf("  Devices: %d\n", len(cfg.Devices))
	fmt.Printf("  Packs: %d, Arrays: %d, Systems: %d\n",
		len(cfg.Hierarchy.Packs), len(cfg.Hierarchy.Arrays), len(cfg.Hierarchy.Systems))

	if cfg.Smart.Enabled {
		fmt.Printf("  Smart Scheduler: Enabled (%d tariff windows)\n", len(cfg.Smart.Tariff))
	} else {
		fmt.Println("  Smart Scheduler: Disabled")
	}

	fmt.Println("\nAll validation checks passed. Configuration is ready for use.")
	return 0
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	for deviceID, state := range a.orch.StateDump() {
		logger.Info().Str("device_id", deviceID).Interface("state", state).
			Msg("Device state")
	}

	stats := a.queue.Stats()
	logger.Info().
		Int("queue_size", stats.QueueSize).
		Uint64("processed", stats.Processed).
		Uint64("failed", stats.Failed).
		Time("last_command", stats.LastCommandTime).
		Msg("Command queue state")

	for _, entry := range a.reg.All() {
		logger.Info().
			Str("device_id", entry.DeviceID).
			Str("status", string(entry.Status)).
			Str("port", entry.Port).
			Int("failures", entry.FailureCount).
			Msg("Registry entry")
	}

	logRuntimeStats()
	logger.Info().Msg("=== END STATE DUMP ===")
}

// logRuntimeStats logs memory and goroutine statistics
func logRuntimeStats() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024) // 1MB buffer
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}
