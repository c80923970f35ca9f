// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package discovery

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/soothill/solar-energy-hub/adapter"
	"github.com/soothill/solar-energy-hub/registry"
)

// busDevice is what a fake probe finds on one port.
type busDevice struct {
	serial string
	t      adapter.DeviceType
}

// fakeBus wires a port map into the engine's probe hook.
func fakeBus(devices map[string]busDevice) func(ctx context.Context, exp Expected, port string) (Discovered, error) {
	return func(_ context.Context, exp Expected, port string) (Discovered, error) {
		dev, ok := devices[port]
		if !ok || dev.t != exp.Config.Type {
			return Discovered{}, errors.New("nothing answered")
		}
		cfg := exp.Config
		cfg.Port = port
		return Discovered{
			DeviceID: adapter.DeviceID(dev.t, dev.serial),
			Owner:    exp.Owner,
			Serial:   dev.serial,
			Port:     port,
			Config:   cfg,
		}, nil
	}
}

func testEngine(t *testing.T, expected []Expected, ports []string, devices map[string]busDevice) (*Engine, *registry.Registry) {
	t.Helper()
	reg, err := registry.Load(filepath.Join(t.TempDir(), "registry.json"), registry.DefaultBackoff)
	if err != nil {
		t.Fatal(err)
	}
	e := New(reg, expected, nil)
	e.listPorts = func() []string { return ports }
	e.probe = fakeBus(devices)
	return e, reg
}

func TestScanFindsConfiguredDevices(t *testing.T) {
	expected := []Expected{
		{Owner: "array1", Config: adapter.Config{Type: adapter.TypeSenergy}},
		{Owner: "bank1", Config: adapter.Config{Type: adapter.TypeBMSActive}},
	}
	devices := map[string]busDevice{
		"/dev/ttyUSB0": {serial: "INV567890", t: adapter.TypeSenergy},
		"/dev/ttyUSB1": {serial: "ABC001", t: adapter.TypeBMSActive},
	}
	e, reg := testEngine(t, expected, []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}, devices)

	found, err := e.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("found %d devices, want 2", len(found))
	}

	ids := map[string]string{}
	for _, d := range found {
		ids[d.DeviceID] = d.Port
	}
	if ids["senergy_567890"] != "/dev/ttyUSB0" {
		t.Errorf("senergy at %q", ids["senergy_567890"])
	}
	if ids["bms_active_abc001"] != "/dev/ttyUSB1" {
		t.Errorf("battery at %q", ids["bms_active_abc001"])
	}

	entry, ok := reg.Get("senergy_567890")
	if !ok || entry.Status != registry.StatusActive || entry.Owner != "array1" {
		t.Errorf("registry entry = %+v", entry)
	}
}

func TestScanRelocatesMovedDevice(t *testing.T) {
	expected := []Expected{
		{Owner: "array1", Config: adapter.Config{Type: adapter.TypeSenergy}},
	}
	// The registry remembers USB0, but the inverter now answers on USB1.
	devices := map[string]busDevice{
		"/dev/ttyUSB1": {serial: "INV567890", t: adapter.TypeSenergy},
	}
	e, reg := testEngine(t, expected, []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}, devices)
	cfg := adapter.Config{Type: adapter.TypeSenergy, Port: "/dev/ttyUSB0"}
	if err := reg.Upsert("senergy_567890", adapter.TypeSenergy, "INV567890", "/dev/ttyUSB0", "array1", cfg); err != nil {
		t.Fatal(err)
	}

	found, err := e.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(found) != 1 || found[0].Port != "/dev/ttyUSB1" {
		t.Fatalf("found = %+v", found)
	}

	entry, _ := reg.Get("senergy_567890")
	if entry.Port != "/dev/ttyUSB1" {
		t.Errorf("registry port = %q, want /dev/ttyUSB1", entry.Port)
	}
	if entry.LastKnownPort != "/dev/ttyUSB0" {
		t.Errorf("LastKnownPort = %q", entry.LastKnownPort)
	}
}

func TestScanMarksKnownMissingDeviceRecovering(t *testing.T) {
	expected := []Expected{
		{Owner: "array1", Config: adapter.Config{Type: adapter.TypeSenergy}},
	}
	e, reg := testEngine(t, expected, []string{"/dev/ttyUSB0"}, map[string]busDevice{})
	cfg := adapter.Config{Type: adapter.TypeSenergy, Port: "/dev/ttyUSB0"}
	if err := reg.Upsert("senergy_567890", adapter.TypeSenergy, "INV567890", "/dev/ttyUSB0", "array1", cfg); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	entry, _ := reg.Get("senergy_567890")
	if entry.Status != registry.StatusRecovering {
		t.Errorf("status = %s, want recovering", entry.Status)
	}
	if entry.FailureCount != 1 {
		t.Errorf("failures = %d, want 1", entry.FailureCount)
	}
}

func TestScanAttributesSameTypeDevicesByOwner(t *testing.T) {
	// Two inverters of the same type on different arrays. Only array2's is
	// missing; array1's must not take the blame for it.
	expected := []Expected{
		{Owner: "array1", Config: adapter.Config{Type: adapter.TypeSenergy}},
		{Owner: "array2", Config: adapter.Config{Type: adapter.TypeSenergy}},
	}
	devices := map[string]busDevice{
		"/dev/ttyUSB0": {serial: "INV111111", t: adapter.TypeSenergy},
	}
	e, reg := testEngine(t, expected, []string{"/dev/ttyUSB0"}, devices)
	cfg1 := adapter.Config{Type: adapter.TypeSenergy, Port: "/dev/ttyUSB0"}
	if err := reg.Upsert("senergy_111111", adapter.TypeSenergy, "INV111111", "/dev/ttyUSB0", "array1", cfg1); err != nil {
		t.Fatal(err)
	}
	cfg2 := adapter.Config{Type: adapter.TypeSenergy, Port: "/dev/ttyUSB1"}
	if err := reg.Upsert("senergy_222222", adapter.TypeSenergy, "INV222222", "/dev/ttyUSB1", "array2", cfg2); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	one, _ := reg.Get("senergy_111111")
	if one.Status != registry.StatusActive || one.FailureCount != 0 {
		t.Errorf("array1 inverter = %s/%d, want active/0", one.Status, one.FailureCount)
	}
	two, _ := reg.Get("senergy_222222")
	if two.Status != registry.StatusRecovering || two.FailureCount != 1 {
		t.Errorf("array2 inverter = %s/%d, want recovering/1", two.Status, two.FailureCount)
	}
}

func TestScanProbesFixedEndpointsDirectly(t *testing.T) {
	expected := []Expected{
		{Owner: "array1", Config: adapter.Config{Type: adapter.TypeMeter, Port: "192.168.1.50:502"}},
	}
	devices := map[string]busDevice{
		"192.168.1.50:502": {serial: "MTR123456", t: adapter.TypeMeter},
	}
	e, _ := testEngine(t, expected, nil, devices)

	found, err := e.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(found) != 1 || found[0].Port != "192.168.1.50:502" {
		t.Fatalf("found = %+v", found)
	}
}

func TestScanSkipsDisabledDevices(t *testing.T) {
	off := false
	expected := []Expected{
		{Owner: "array1", Config: adapter.Config{Type: adapter.TypeSenergy, Enabled: &off}},
	}
	devices := map[string]busDevice{
		"/dev/ttyUSB0": {serial: "INV567890", t: adapter.TypeSenergy},
	}
	e, _ := testEngine(t, expected, []string{"/dev/ttyUSB0"}, devices)

	found, err := e.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(found) != 0 {
		t.Errorf("found %d devices with the only expectation disabled", len(found))
	}
}

func TestRecoveryRetriesAndRecovers(t *testing.T) {
	expected := []Expected{
		{Owner: "array1", Config: adapter.Config{Type: adapter.TypeSenergy}},
	}
	devices := map[string]busDevice{
		"/dev/ttyUSB2": {serial: "INV567890", t: adapter.TypeSenergy},
	}
	e, reg := testEngine(t, expected, []string{"/dev/ttyUSB2"}, devices)

	cfg := adapter.Config{Type: adapter.TypeSenergy, Port: "/dev/ttyUSB0"}
	if err := reg.Upsert("senergy_567890", adapter.TypeSenergy, "INV567890", "/dev/ttyUSB0", "array1", cfg); err != nil {
		t.Fatal(err)
	}
	if err := reg.MarkFailed("senergy_567890"); err != nil {
		t.Fatal(err)
	}

	var recovered []Discovered
	rm := NewRecoveryManager(e, reg, func(d Discovered) {
		recovered = append(recovered, d)
	}, time.Minute)

	// Force the entry due and run one tick directly.
	entry, _ := reg.Get("senergy_567890")
	rm.retry(context.Background(), *entry)

	if len(recovered) != 1 {
		t.Fatalf("recovered %d devices, want 1", len(recovered))
	}
	if recovered[0].Port != "/dev/ttyUSB2" {
		t.Errorf("recovered on port %q", recovered[0].Port)
	}
	after, _ := reg.Get("senergy_567890")
	if after.Status != registry.StatusActive {
		t.Errorf("status = %s, want active", after.Status)
	}
}

func TestRecoverySkipsPortsInUse(t *testing.T) {
	expected := []Expected{
		{Owner: "array1", Config: adapter.Config{Type: adapter.TypeSenergy}},
	}
	devices := map[string]busDevice{
		"/dev/ttyUSB0": {serial: "INV567890", t: adapter.TypeSenergy},
	}
	e, reg := testEngine(t, expected, []string{"/dev/ttyUSB0"}, devices)

	cfg := adapter.Config{Type: adapter.TypeSenergy, Port: "/dev/ttyUSB0"}
	if err := reg.Upsert("senergy_567890", adapter.TypeSenergy, "INV567890", "/dev/ttyUSB0", "array1", cfg); err != nil {
		t.Fatal(err)
	}
	if err := reg.MarkFailed("senergy_567890"); err != nil {
		t.Fatal(err)
	}

	var recovered []Discovered
	rm := NewRecoveryManager(e, reg, func(d Discovered) {
		recovered = append(recovered, d)
	}, time.Minute)
	rm.SetPortInUse("/dev/ttyUSB0", true)

	entry, _ := reg.Get("senergy_567890")
	rm.retry(context.Background(), *entry)

	if len(recovered) != 0 {
		t.Errorf("recovered a device on a port held by a live adapter")
	}
}
