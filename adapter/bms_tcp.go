// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package adapter

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	hub "github.com/soothill/solar-energy-hub/pkg/errors"
	"github.com/soothill/solar-energy-hub/pkg/logger"
	"github.com/soothill/solar-energy-hub/telemetry"
)

// mDNS service the RS-485-to-Ethernet bridges advertise.
const gatewayMDNSService = "_rs485-gw._tcp"

// Gateways drop idle TCP sessions; a periodic select request keeps the
// session warm and doubles as a liveness probe.
const gatewayKeepalive = 30 * time.Second

// BMSTCP sniffs the same framed battery protocol through an
// RS-485-to-Ethernet bridge. Port is either host:port or a bare mDNS
// instance name that Connect resolves on the local network.
type BMSTCP struct {
	cfg    Config
	bankID string

	mu        sync.Mutex
	conn      net.Conn
	dec       *streamDecoder
	connected bool
	serial    string
	done      chan struct{}
}

// NewBMSTCP creates a TCP-gateway BMS adapter.
func NewBMSTCP(cfg Config, bankID string) *BMSTCP {
	return &BMSTCP{cfg: cfg, bankID: bankID}
}

// resolveGateway finds a bridge by mDNS instance name.
func resolveGateway(ctx context.Context, instance string, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	if err := resolver.Browse(browseCtx, gatewayMDNSService, "local.", entries); err != nil {
		return "", fmt.Errorf("mDNS browse failed: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", fmt.Errorf("gateway %q not found via mDNS", instance)
			}
			if entry == nil || !strings.EqualFold(entry.Instance, instance) {
				continue
			}
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			return fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port), nil
		case <-browseCtx.Done():
			return "", fmt.Errorf("gateway %q not found via mDNS", instance)
		}
	}
}

// Connect resolves the bridge address if needed, dials it, starts the reader
// and keepalive, and waits for the first frame.
func (a *BMSTCP) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	connect, _ := ProbeTimeouts(a.cfg)
	addr := a.cfg.Port
	if !strings.Contains(addr, ":") {
		resolved, err := resolveGateway(ctx, addr, connect)
		if err != nil {
			return hub.NewTransportError(hub.KindTransportOpen, addr, true, err)
		}
		logger.Debug().Str("instance", addr).Str("addr", resolved).Msg("Gateway resolved via mDNS")
		addr = resolved
	}

	dialer := net.Dialer{Timeout: connect}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return hub.NewTransportError(hub.KindTransportOpen, addr, true, err)
	}

	a.conn = conn
	a.dec = newStreamDecoder(a.cfg.WrapsUnit15())
	a.done = make(chan struct{})
	go a.readLoop(conn, a.dec, a.done)
	go a.keepaliveLoop(conn, a.done)

	if err := a.waitForFrame(ctx, connect); err != nil {
		close(a.done)
		_ = conn.Close()
		a.conn = nil
		a.dec = nil
		a.done = nil
		return err
	}
	a.connected = true
	logger.Info().Str("addr", addr).Str("bank_id", a.bankID).Msg("BMS gateway connected")
	return nil
}

func (a *BMSTCP) readLoop(conn net.Conn, dec *streamDecoder, done chan struct{}) {
	buf := make([]byte, bmsReadChunk)
	for {
		select {
		case <-done:
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			logger.Debug().Err(err).Msg("Gateway read ended")
			return
		}
	}
}

// keepaliveLoop emits a periodic select request for the first unit so the
// bridge keeps the session open.
func (a *BMSTCP) keepaliveLoop(conn net.Conn, done chan struct{}) {
	ticker := time.NewTicker(gatewayKeepalive)
	defer ticker.Stop()
	frame := EncodeSelectFrame(0, true)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, err := conn.Write(frame); err != nil {
				logger.Debug().Err(err).Msg("Gateway keepalive write failed")
				return
			}
		}
	}
}

func (a *BMSTCP) waitForFrame(ctx context.Context, timeout time.Duration) error {
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
		fmt.Errorf("no frames from gateway: %w", hub.ErrTimeout))
}

// Close stops the loops and drops the session.
func (a *BMSTCP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	if a.conn == nil {
		return nil
	}
	close(a.done)
	err := a.conn.Close()
	a.conn = nil
	a.done = nil
	return err
}

// CheckConnectivity reports whether frames arrived recently.
func (a *BMSTCP) CheckConnectivity(_ context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return false
	}
	last := a.dec.LastFrameTime()
	return !last.IsZero() && time.Since(last) < passiveStaleAfter
}

// ReadSerialNumber waits for a configuration frame to carry the serial past.
func (a *BMSTCP) ReadSerialNumber(ctx context.Context) (string, error) {
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
		fmt.Errorf("no configuration frame seen: %w", hub.ErrTimeout))
}

// Info returns the adapter identity snapshot.
func (a *BMSTCP) Info() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Info{Type: TypeBMSTCP, Serial: a.serial, Port: a.cfg.Port}
}

// HandleCommand: the battery path is read-only.
func (a *BMSTCP) HandleCommand(_ context.Context, cmd Command) (CommandResult, error) {
	err := hub.NewCommandError(a.bankID, cmd.Action,
		fmt.Errorf("battery adapters are read-only: %w", hub.ErrInvalidConfig))
	return CommandResult{OK: false, Detail: "unsupported action"}, err
}

// Poll renders the current unit cache.
func (a *BMSTCP) Poll(_ context.Context) (telemetry.BatteryBankTelemetry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return telemetry.BatteryBankTelemetry{}, hub.NewPollError(
			hub.KindTransportIO, a.bankID, true, hub.ErrDeviceOffline)
	}
	return a.dec.Snapshot(a.bankID, a.cfg.TZ(), passiveStaleAfter)
}
