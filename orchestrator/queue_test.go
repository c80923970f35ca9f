// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/soothill/solar-energy-hub/adapter"
	hub "github.com/soothill/solar-energy-hub/pkg/errors"
)

// cmdAdapter scripts HandleCommand outcomes per call.
type cmdAdapter struct {
	mu      sync.Mutex
	calls   int
	results []error // error per call, nil = success; past the end = success
}

func (a *cmdAdapter) Connect(context.Context) error          { return nil }
func (a *cmdAdapter) Close() error                           { return nil }
func (a *cmdAdapter) CheckConnectivity(context.Context) bool { return true }
func (a *cmdAdapter) ReadSerialNumber(context.Context) (string, error) {
	return "INV567890", nil
}
func (a *cmdAdapter) HandleCommand(_ context.Context, _ adapter.Command) (adapter.CommandResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	a.calls++
	if i < len(a.results) && a.results[i] != nil {
		return adapter.CommandResult{OK: false}, a.results[i]
	}
	return adapter.CommandResult{OK: true}, nil
}
func (a *cmdAdapter) Info() adapter.Info { return adapter.Info{Serial: "INV567890"} }

func (a *cmdAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

var _ adapter.DeviceAdapter = (*cmdAdapter)(nil)

// ackWaiter collects one ack.
type ackWaiter struct {
	done   chan struct{}
	result adapter.CommandResult
	err    error
}

func newAckWaiter() *ackWaiter {
	return &ackWaiter{done: make(chan struct{})}
}

func (w *ackWaiter) ack(result adapter.CommandResult, err error) {
	w.result = result
	w.err = err
	close(w.done)
}

func (w *ackWaiter) wait(t *testing.T) {
	t.Helper()
	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		t.Fatal("ack never arrived")
	}
}

func TestQueueExecutesAndAcks(t *testing.T) {
	q := NewQueue(NewDeviceGate(), time.Second, 0)
	q.Start()
	defer q.Stop()

	w := newAckWaiter()
	err := q.Enqueue(&QueuedCommand{
		DeviceID: "senergy_567890",
		Adapter:  &cmdAdapter{},
		Cmd:      adapter.Command{Action: "write", ID: "max_charge_power", Value: 3000},
		Ack:      w.ack,
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	w.wait(t)
	if w.err != nil || !w.result.OK {
		t.Errorf("ack = %+v, %v", w.result, w.err)
	}
	stats := q.Stats()
	if stats.Processed != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestQueueRetriesRetryableErrors(t *testing.T) {
	crc := hub.NewTransportError(hub.KindFrameCRC, "/dev/ttyUSB0", true, errors.New("crc mismatch"))
	a := &cmdAdapter{results: []error{crc, crc}}
	q := NewQueue(NewDeviceGate(), time.Second, 0)
	q.Start()
	defer q.Stop()

	w := newAckWaiter()
	_ = q.Enqueue(&QueuedCommand{
		DeviceID: "senergy_567890",
		Adapter:  a,
		Cmd:      adapter.Command{Action: "write"},
		Ack:      w.ack,
	})
	w.wait(t)
	if w.err != nil {
		t.Errorf("command failed after retries: %v", w.err)
	}
	if got := a.callCount(); got != 3 {
		t.Errorf("HandleCommand called %d times, want 3", got)
	}
}

func TestQueueAbandonsAfterMaxAttempts(t *testing.T) {
	boom := hub.NewTransportError(hub.KindFrameTimeout, "/dev/ttyUSB0", true, errors.New("no response"))
	a := &cmdAdapter{results: []error{boom, boom, boom, boom}}
	q := NewQueue(NewDeviceGate(), time.Second, 0)
	q.Start()
	defer q.Stop()

	w := newAckWaiter()
	_ = q.Enqueue(&QueuedCommand{
		DeviceID: "senergy_567890",
		Adapter:  a,
		Cmd:      adapter.Command{Action: "write"},
		Ack:      w.ack,
	})
	w.wait(t)
	if w.err == nil || w.result.OK {
		t.Errorf("ack = %+v, %v, want failure", w.result, w.err)
	}
	if got := a.callCount(); got != 3 {
		t.Errorf("HandleCommand called %d times, want 3", got)
	}
	if stats := q.Stats(); stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
}

func TestQueueDoesNotRetryNonRetryable(t *testing.T) {
	readonly := hub.NewTransportError(hub.KindRegisterReadOnly, "/dev/ttyUSB0", false, errors.New("register is read-only"))
	a := &cmdAdapter{results: []error{readonly}}
	q := NewQueue(NewDeviceGate(), time.Second, 0)
	q.Start()
	defer q.Stop()

	w := newAckWaiter()
	_ = q.Enqueue(&QueuedCommand{
		DeviceID: "senergy_567890",
		Adapter:  a,
		Cmd:      adapter.Command{Action: "write"},
		Ack:      w.ack,
	})
	w.wait(t)
	if w.err == nil {
		t.Error("non-retryable error acked as success")
	}
	if got := a.callCount(); got != 1 {
		t.Errorf("HandleCommand called %d times, want 1", got)
	}
}

func TestQueueWaitsForTelemetrySlot(t *testing.T) {
	gate := NewDeviceGate()
	q := NewQueue(gate, 500*time.Millisecond, 0)
	q.Start()
	defer q.Stop()

	// A poll holds the device; the command must wait for release and then run
	// without burning an attempt.
	if err := gate.Acquire(context.Background(), "senergy_567890"); err != nil {
		t.Fatal(err)
	}
	a := &cmdAdapter{}
	w := newAckWaiter()
	_ = q.Enqueue(&QueuedCommand{
		DeviceID: "senergy_567890",
		Adapter:  a,
		Cmd:      adapter.Command{Action: "write"},
		Ack:      w.ack,
	})

	time.Sleep(100 * time.Millisecond)
	if a.callCount() != 0 {
		t.Fatal("command ran while the telemetry slot was held")
	}
	gate.Release("senergy_567890")

	w.wait(t)
	if w.err != nil {
		t.Errorf("ack error = %v", w.err)
	}
}

func TestQueueDefersCommandAfterPollStart(t *testing.T) {
	gate := NewDeviceGate()
	q := NewQueue(gate, 500*time.Millisecond, 0)
	q.Start()
	defer q.Stop()

	// A poll just started; the command may not touch the bus until 0.8 of
	// the poll interval has elapsed since then.
	gate.NotePollStart("senergy_567890")
	start := time.Now()

	w := newAckWaiter()
	_ = q.Enqueue(&QueuedCommand{
		DeviceID: "senergy_567890",
		Adapter:  &cmdAdapter{},
		Cmd:      adapter.Command{Action: "write"},
		Ack:      w.ack,
	})
	w.wait(t)
	if w.err != nil {
		t.Fatalf("ack error = %v", w.err)
	}
	if elapsed := time.Since(start); elapsed < 350*time.Millisecond {
		t.Errorf("command ran %v after poll start, want the full quiet window (400ms)", elapsed)
	}
}

func TestQueueSkipsQuietWindowWhenPollIsOld(t *testing.T) {
	gate := NewDeviceGate()
	q := NewQueue(gate, 500*time.Millisecond, 0)

	// Poll started well over 0.8 of the interval ago.
	gate.mu.Lock()
	gate.pollStart["senergy_567890"] = time.Now().Add(-time.Second)
	gate.mu.Unlock()

	q.Start()
	defer q.Stop()

	start := time.Now()
	w := newAckWaiter()
	_ = q.Enqueue(&QueuedCommand{
		DeviceID: "senergy_567890",
		Adapter:  &cmdAdapter{},
		Cmd:      adapter.Command{Action: "write"},
		Ack:      w.ack,
	})
	w.wait(t)
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("command delayed %v although the quiet window had passed", elapsed)
	}
}

func TestQueueRejectsWhenFull(t *testing.T) {
	q := NewQueue(NewDeviceGate(), time.Second, 1)
	// Worker not started: the single slot fills and stays full.
	if err := q.Enqueue(&QueuedCommand{DeviceID: "a", Adapter: &cmdAdapter{}}); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	err := q.Enqueue(&QueuedCommand{DeviceID: "b", Adapter: &cmdAdapter{}})
	if !errors.Is(err, hub.ErrQueueFull) {
		t.Errorf("Enqueue() = %v, want ErrQueueFull", err)
	}
}

func TestQueueStopAcksPending(t *testing.T) {
	q := NewQueue(NewDeviceGate(), time.Second, 4)
	w := newAckWaiter()
	_ = q.Enqueue(&QueuedCommand{
		DeviceID: "senergy_567890",
		Adapter:  &cmdAdapter{},
		Cmd:      adapter.Command{Action: "write"},
		Ack:      w.ack,
	})

	q.Start()
	// Worker may or may not pick the command up before Stop; both outcomes
	// deliver exactly one ack.
	q.Stop()
	w.wait(t)

	if err := q.Enqueue(&QueuedCommand{DeviceID: "x", Adapter: &cmdAdapter{}}); !errors.Is(err, hub.ErrQueueStopped) {
		t.Errorf("Enqueue() after Stop = %v, want ErrQueueStopped", err)
	}
}

func TestDeviceGateSerializesPerDevice(t *testing.T) {
	g := NewDeviceGate()
	if err := g.Acquire(context.Background(), "dev1"); err != nil {
		t.Fatal(err)
	}

	// Same device blocks.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := g.Acquire(ctx, "dev1"); err == nil {
		t.Error("second Acquire on the same device succeeded")
	}

	// A different device is independent.
	if err := g.Acquire(context.Background(), "dev2"); err != nil {
		t.Errorf("Acquire(dev2) error = %v", err)
	}

	g.Release("dev1")
	if err := g.Acquire(context.Background(), "dev1"); err != nil {
		t.Errorf("Acquire after Release error = %v", err)
	}
}
