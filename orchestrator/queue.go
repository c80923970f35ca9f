// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package orchestrator drives the poll loop and serializes device-mutating
// commands against it. A device is a half-duplex bus endpoint: a command
// and a poll must never interleave on the same adapter.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/soothill/solar-energy-hub/adapter"
	hub "github.com/soothill/solar-energy-hub/pkg/errors"
	"github.com/soothill/solar-energy-hub/pkg/logger"
	"github.com/soothill/solar-energy-hub/pkg/metrics"
)

const (
	defaultQueueCapacity = 64
	commandTimeout       = 30 * time.Second
	maxCommandAttempts   = 3
	// Fraction of the poll interval a command may wait for the telemetry
	// slot before being requeued.
	slotWaitFraction = 0.8
)

// DeviceGate hands out per-device binary semaphores so polls and commands
// exclude each other without a global lock. It also remembers when each
// device's poll last started, which is what the command worker paces
// itself against.
type DeviceGate struct {
	mu        sync.Mutex
	gates     map[string]chan struct{}
	pollStart map[string]time.Time
}

// NewDeviceGate creates an empty gate table.
func NewDeviceGate() *DeviceGate {
	return &DeviceGate{
		gates:     make(map[string]chan struct{}),
		pollStart: make(map[string]time.Time),
	}
}

// NotePollStart records that a telemetry poll of the device just began.
func (g *DeviceGate) NotePollStart(deviceID string) {
	g.mu.Lock()
	g.pollStart[deviceID] = time.Now()
	g.mu.Unlock()
}

// LastPollStart returns when the device's poll last started; the zero time
// if it has never been polled.
func (g *DeviceGate) LastPollStart(deviceID string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pollStart[deviceID]
}

func (g *DeviceGate) gate(deviceID string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[deviceID]
	if !ok {
		ch = make(chan struct{}, 1)
		g.gates[deviceID] = ch
	}
	return ch
}

// Acquire takes the device's slot, waiting until the holder releases it or
// the context ends.
func (g *DeviceGate) Acquire(ctx context.Context, deviceID string) error {
	select {
	case g.gate(deviceID) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the device's slot.
func (g *DeviceGate) Release(deviceID string) {
	select {
	case <-g.gate(deviceID):
	default:
	}
}

// QueuedCommand is one command waiting for its device.
type QueuedCommand struct {
	DeviceID string
	Adapter  adapter.DeviceAdapter
	Cmd      adapter.Command
	Attempts int
	Enqueued time.Time
	// Ack reports the final outcome back to the submitter (the MQTT
	// command handler publishes it). May be nil.
	Ack func(result adapter.CommandResult, err error)
}

// Statistics is a point-in-time view of the queue, served on debug dumps.
type Statistics struct {
	QueueSize       int       `json:"queue_size"`
	Processed       uint64    `json:"processed"`
	Failed          uint64    `json:"failed"`
	LastCommandTime time.Time `json:"last_command_time"`
}

// Queue is a bounded FIFO with a single worker. One worker is deliberate:
// the serial buses behind the adapters cannot multiplex writes anyway.
type Queue struct {
	gate         *DeviceGate
	pollInterval time.Duration

	items   chan *QueuedCommand
	stopped chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	mu        sync.Mutex
	processed uint64
	failed    uint64
	lastCmd   time.Time
}

// NewQueue creates the queue. Capacity 0 uses the default.
func NewQueue(gate *DeviceGate, pollInterval time.Duration, capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Queue{
		gate:         gate,
		pollInterval: pollInterval,
		items:        make(chan *QueuedCommand, capacity),
		stopped:      make(chan struct{}),
	}
}

// Start launches the worker.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.worker()
}

// Stop drains nothing: pending commands are acked with ErrQueueStopped.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.stopped) })
	q.wg.Wait()
	for {
		select {
		case qc := <-q.items:
			metrics.CommandQueueDepth.Set(float64(len(q.items)))
			if qc.Ack != nil {
				qc.Ack(adapter.CommandResult{OK: false, Detail: "queue stopped"}, hub.ErrQueueStopped)
			}
		default:
			return
		}
	}
}

// Enqueue adds a command, rejecting when full or stopped.
func (q *Queue) Enqueue(qc *QueuedCommand) error {
	select {
	case <-q.stopped:
		return hub.ErrQueueStopped
	default:
	}
	qc.Enqueued = time.Now()
	select {
	case q.items <- qc:
		metrics.CommandQueueDepth.Set(float64(len(q.items)))
		return nil
	default:
		logger.Warn().Str("device_id", qc.DeviceID).Str("action", qc.Cmd.Action).
			Msg("Command queue full, rejecting")
		return hub.ErrQueueFull
	}
}

// Stats returns the current counters.
func (q *Queue) Stats() Statistics {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Statistics{
		QueueSize:       len(q.items),
		Processed:       q.processed,
		Failed:          q.failed,
		LastCommandTime: q.lastCmd,
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopped:
			return
		case qc := <-q.items:
			metrics.CommandQueueDepth.Set(float64(len(q.items)))
			q.execute(qc)
		}
	}
}

// slotWait bounds how long a command may wait for an in-flight poll.
func (q *Queue) slotWait() time.Duration {
	if q.pollInterval <= 0 {
		return commandTimeout
	}
	return time.Duration(float64(q.pollInterval) * slotWaitFraction)
}

// holdUntilSlot waits out the quiet window after the device's last poll
// started: a command may not touch the bus until 0.8 of the poll interval
// has elapsed since then, so late poll responses still drain before the
// write goes out. Returns false when the queue stops during the wait.
func (q *Queue) holdUntilSlot(deviceID string) bool {
	last := q.gate.LastPollStart(deviceID)
	if last.IsZero() {
		return true
	}
	wait := q.slotWait() - time.Since(last)
	if wait <= 0 {
		return true
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-q.stopped:
		return false
	}
}

// execute runs one command under the device gate. The worker first sits out
// the quiet window after the device's last poll, then takes the slot. A
// command that cannot get the slot in time goes back to the end of the
// queue without burning an attempt; a failed execution retries up to the
// attempt limit.
func (q *Queue) execute(qc *QueuedCommand) {
	if !q.holdUntilSlot(qc.DeviceID) {
		q.fail(qc, hub.ErrQueueStopped)
		return
	}
	gateCtx, cancel := context.WithTimeout(context.Background(), q.slotWait())
	err := q.gate.Acquire(gateCtx, qc.DeviceID)
	cancel()
	if err != nil {
		logger.Debug().Str("device_id", qc.DeviceID).
			Msg("Telemetry slot busy, requeueing command")
		if qerr := q.Enqueue(qc); qerr != nil {
			q.fail(qc, qerr)
		}
		return
	}
	defer q.gate.Release(qc.DeviceID)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	result, err := qc.Adapter.HandleCommand(ctx, qc.Cmd)
	cancel()

	if err == nil {
		q.mu.Lock()
		q.processed++
		q.lastCmd = time.Now()
		q.mu.Unlock()
		metrics.CommandsProcessed.Inc()
		logger.Info().Str("device_id", qc.DeviceID).Str("action", qc.Cmd.Action).
			Msg("Command executed")
		if qc.Ack != nil {
			qc.Ack(result, nil)
		}
		return
	}

	qc.Attempts++
	if qc.Attempts < maxCommandAttempts && hub.Retryable(err) {
		logger.Warn().Err(err).Str("device_id", qc.DeviceID).
			Int("attempt", qc.Attempts).Msg("Command failed, retrying")
		if qerr := q.Enqueue(qc); qerr != nil {
			q.fail(qc, qerr)
		}
		return
	}
	q.fail(qc, err)
}

func (q *Queue) fail(qc *QueuedCommand, err error) {
	q.mu.Lock()
	q.failed++
	q.lastCmd = time.Now()
	q.mu.Unlock()
	metrics.CommandsFailed.Inc()
	logger.Error().Err(err).Str("device_id", qc.DeviceID).Str("action", qc.Cmd.Action).
		Int("attempts", qc.Attempts).Msg("Command abandoned")
	if qc.Ack != nil {
		qc.Ack(adapter.CommandResult{OK: false, Detail: err.Error()}, err)
	}
}
