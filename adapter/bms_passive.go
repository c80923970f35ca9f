// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package adapter

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	goserial "github.com/jacobsa/go-serial/serial"

	hub "github.com/soothill/solar-energy-hub/pkg/errors"
	"github.com/soothill/solar-energy-hub/pkg/logger"
	"github.com/soothill/solar-energy-hub/telemetry"
)

// How stale the unit cache may get before a poll reports the bus dead. The
// master refreshes every battery every few seconds, so a minute of silence
// means the tap or the master is gone.
const passiveStaleAfter = 60 * time.Second

// BMSPassive taps an RS-485 bus that an external master already drives. It
// never transmits: a reader goroutine feeds everything it overhears into the
// frame decoder and Poll renders whatever the cache holds.
type BMSPassive struct {
	cfg    Config
	bankID string

	mu        sync.Mutex
	port      io.ReadWriteCloser
	dec       *streamDecoder
	connected bool
	serial    string
	done      chan struct{}
}

// NewBMSPassive creates a passive sniffer adapter.
func NewBMSPassive(cfg Config, bankID string) *BMSPassive {
	return &BMSPassive{cfg: cfg, bankID: bankID}
}

// Connect opens the port, starts the reader and waits for the first decoded
// frame as proof the tap is live.
func (a *BMSPassive) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	baud := a.cfg.BaudRate
	if baud == 0 {
		baud = bmsDefaultBaudRate
	}
	port, err := goserial.Open(goserial.OpenOptions{
		PortName:              a.cfg.Port,
		BaudRate:              uint(baud),
		DataBits:              8,
		StopBits:              1,
		ParityMode:            goserial.PARITY_NONE,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	})
	if err != nil {
		return hub.NewTransportError(hub.KindTransportOpen, a.cfg.Port, true, err)
	}
	a.port = port
	a.dec = newStreamDecoder(a.cfg.WrapsUnit15())
	a.done = make(chan struct{})
	go a.readLoop(port, a.dec, a.done)

	connect, _ := ProbeTimeouts(a.cfg)
	if err := a.waitForFrame(ctx, connect); err != nil {
		close(a.done)
		_ = port.Close()
		a.port = nil
		a.dec = nil
		a.done = nil
		return err
	}
	a.connected = true
	logger.Info().Str("port", a.cfg.Port).Str("bank_id", a.bankID).
		Msg("Passive BMS tap live")
	return nil
}

// readLoop pumps the serial port into the decoder until the port closes.
func (a *BMSPassive) readLoop(port io.Reader, dec *streamDecoder, done chan struct{}) {
	buf := make([]byte, bmsReadChunk)
	for {
		select {
		case <-done:
			return
		default:
		}
		n, err := port.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				logger.Debug().Err(err).Str("port", a.cfg.Port).Msg("Sniffer read ended")
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
}

// waitForFrame blocks until the decoder accepts its first frame.
func (a *BMSPassive) waitForFrame(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return hub.NewTransportError(hub.KindTransportOpen, a.cfg.Port, true, err)
		}
		if !a.dec.LastFrameTime().IsZero() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return hub.NewTransportError(hub.KindTransportOpen, a.cfg.Port, true,
		fmt.Errorf("no traffic on bus: %w", hub.ErrTimeout))
}

// Close stops the reader and releases the port.
func (a *BMSPassive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	if a.port == nil {
		return nil
	}
	close(a.done)
	err := a.port.Close()
	a.port = nil
	a.done = nil
	return err
}

// CheckConnectivity reports whether frames arrived recently. Passive taps
// cannot probe, so recency of overheard traffic is the only signal.
func (a *BMSPassive) CheckConnectivity(_ context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return false
	}
	last := a.dec.LastFrameTime()
	return !last.IsZero() && time.Since(last) < passiveStaleAfter
}

// ReadSerialNumber waits for a configuration frame to carry the serial past.
func (a *BMSPassive) ReadSerialNumber(ctx context.Context) (string, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return "", hub.NewIdentityUnavailable(a.cfg.Port, hub.ErrDeviceOffline)
	}
	dec := a.dec
	a.mu.Unlock()

	_, op := ProbeTimeouts(a.cfg)
	deadline := time.Now().Add(op)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return "", hub.NewIdentityUnavailable(a.cfg.Port, err)
		}
		if s := dec.Serial(); s != "" {
			s = NormalizeSerial(s)
			a.mu.Lock()
			a.serial = s
			a.mu.Unlock()
			return s, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return "", hub.NewIdentityUnavailable(a.cfg.Port,
		fmt.Errorf("no configuration frame overheard: %w", hub.ErrTimeout))
}

// Info returns the adapter identity snapshot.
func (a *BMSPassive) Info() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Info{Type: TypeBMSPassive, Serial: a.serial, Port: a.cfg.Port}
}

// HandleCommand: a passive tap can never transmit.
func (a *BMSPassive) HandleCommand(_ context.Context, cmd Command) (CommandResult, error) {
	err := hub.NewCommandError(a.bankID, cmd.Action,
		fmt.Errorf("passive tap cannot transmit: %w", hub.ErrInvalidConfig))
	return CommandResult{OK: false, Detail: "unsupported action"}, err
}

// Poll renders the current unit cache, dropping units the master has not
// refreshed within the staleness window.
func (a *BMSPassive) Poll(_ context.Context) (telemetry.BatteryBankTelemetry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return telemetry.BatteryBankTelemetry{}, hub.NewPollError(
			hub.KindTransportIO, a.bankID, true, hub.ErrDeviceOffline)
	}
	return a.dec.Snapshot(a.bankID, a.cfg.TZ(), passiveStaleAfter)
}
