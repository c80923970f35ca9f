// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/soothill/solar-energy-hub/adapter"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Load(filepath.Join(t.TempDir(), "registry.json"), DefaultBackoff)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return r
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 30 * time.Second, Multiplier: 2, Max: 30 * time.Minute, MaxFailures: 20}
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{6, 16 * time.Minute},
		{7, 30 * time.Minute},  // capped
		{50, 30 * time.Minute}, // stays capped
	}
	for _, tt := range tests {
		if got := b.Delay(tt.failures); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestUpsertAndLookup(t *testing.T) {
	r := testRegistry(t)
	cfg := adapter.Config{Type: adapter.TypeSenergy, Port: "/dev/ttyUSB0"}
	if err := r.Upsert("senergy_567890", adapter.TypeSenergy, "INV567890", "/dev/ttyUSB0", "array1", cfg); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	e, ok := r.Lookup("INV567890", adapter.TypeSenergy)
	if !ok {
		t.Fatal("Lookup() did not find the device")
	}
	if e.DeviceID != "senergy_567890" || e.Owner != "array1" || e.Status != StatusActive {
		t.Errorf("entry = %+v", e)
	}

	if _, ok := r.Lookup("INV567890", adapter.TypePowdrive); ok {
		t.Error("Lookup() matched the wrong device type")
	}
}

func TestPortMoveKeepsHistory(t *testing.T) {
	r := testRegistry(t)
	cfg := adapter.Config{Type: adapter.TypeSenergy}
	if err := r.Upsert("senergy_567890", adapter.TypeSenergy, "INV567890", "/dev/ttyUSB0", "array1", cfg); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := r.UpdatePort("senergy_567890", "/dev/ttyUSB2"); err != nil {
		t.Fatalf("UpdatePort() error = %v", err)
	}

	e, _ := r.Get("senergy_567890")
	if e.Port != "/dev/ttyUSB2" {
		t.Errorf("Port = %q", e.Port)
	}
	if e.LastKnownPort != "/dev/ttyUSB0" {
		t.Errorf("LastKnownPort = %q", e.LastKnownPort)
	}
	if len(e.PortHistory) != 2 {
		t.Errorf("PortHistory = %v", e.PortHistory)
	}

	// Moving back must not duplicate history.
	if err := r.UpdatePort("senergy_567890", "/dev/ttyUSB0"); err != nil {
		t.Fatalf("UpdatePort() error = %v", err)
	}
	e, _ = r.Get("senergy_567890")
	if len(e.PortHistory) != 2 {
		t.Errorf("PortHistory after move back = %v", e.PortHistory)
	}
}

func TestMarkFailedSchedulesRetry(t *testing.T) {
	r := testRegistry(t)
	cfg := adapter.Config{Type: adapter.TypeBMSActive}
	if err := r.Upsert("bms_active_abc001", adapter.TypeBMSActive, "ABC001", "/dev/ttyUSB1", "bank1", cfg); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := r.MarkFailed("bms_active_abc001"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	e, _ := r.Get("bms_active_abc001")
	if e.Status != StatusRecovering || e.FailureCount != 1 {
		t.Errorf("entry = status %s, failures %d", e.Status, e.FailureCount)
	}
	if e.NextRetryTime.IsZero() {
		t.Error("NextRetryTime not set")
	}

	// Not due yet right after failing.
	if due := r.DueForRetry(time.Now()); len(due) != 0 {
		t.Errorf("DueForRetry() = %d entries immediately after failure", len(due))
	}
	if due := r.DueForRetry(time.Now().Add(time.Minute)); len(due) != 1 {
		t.Errorf("DueForRetry() after backoff = %d entries, want 1", len(due))
	}
}

func TestMarkRecoveredResetsBackoff(t *testing.T) {
	r := testRegistry(t)
	cfg := adapter.Config{Type: adapter.TypeBMSActive}
	if err := r.Upsert("bms_active_abc001", adapter.TypeBMSActive, "ABC001", "/dev/ttyUSB1", "bank1", cfg); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	_ = r.MarkFailed("bms_active_abc001")
	_ = r.MarkFailed("bms_active_abc001")

	if err := r.MarkRecovered("bms_active_abc001", "/dev/ttyUSB3"); err != nil {
		t.Fatalf("MarkRecovered() error = %v", err)
	}
	e, _ := r.Get("bms_active_abc001")
	if e.Status != StatusActive || e.FailureCount != 0 {
		t.Errorf("entry = status %s, failures %d", e.Status, e.FailureCount)
	}
	if e.Port != "/dev/ttyUSB3" || e.AdapterConfig.Port != "/dev/ttyUSB3" {
		t.Errorf("ports = %q / %q", e.Port, e.AdapterConfig.Port)
	}
}

func TestPermanentDisableAfterMaxFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r, err := Load(path, Backoff{Initial: time.Second, Multiplier: 2, Max: time.Minute, MaxFailures: 3})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg := adapter.Config{Type: adapter.TypeMeter}
	if err := r.Upsert("meter_array1", adapter.TypeMeter, "", "192.168.1.50:502", "array1", cfg); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		_ = r.MarkFailed("meter_array1")
	}
	e, _ := r.Get("meter_array1")
	if e.Status != StatusDisabled {
		t.Fatalf("status = %s, want disabled", e.Status)
	}
	if due := r.DueForRetry(time.Now().Add(time.Hour)); len(due) != 0 {
		t.Errorf("disabled device still due for retry")
	}

	if err := r.ReEnable("meter_array1"); err != nil {
		t.Fatalf("ReEnable() error = %v", err)
	}
	if due := r.DueForRetry(time.Now()); len(due) != 1 {
		t.Errorf("re-enabled device not due for retry")
	}
}

func TestReEnableRejectsNonDisabled(t *testing.T) {
	r := testRegistry(t)
	cfg := adapter.Config{Type: adapter.TypeSenergy}
	_ = r.Upsert("senergy_567890", adapter.TypeSenergy, "INV567890", "/dev/ttyUSB0", "array1", cfg)
	if err := r.ReEnable("senergy_567890"); err == nil {
		t.Error("ReEnable() accepted an active device")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r, err := Load(path, DefaultBackoff)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg := adapter.Config{Type: adapter.TypeSenergy, BaudRate: 9600}
	if err := r.Upsert("senergy_567890", adapter.TypeSenergy, "INV567890", "/dev/ttyUSB0", "array1", cfg); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	_ = r.MarkFailed("senergy_567890")

	r2, err := Load(path, DefaultBackoff)
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	e, ok := r2.Get("senergy_567890")
	if !ok {
		t.Fatal("device lost across reload")
	}
	if e.Status != StatusRecovering || e.FailureCount != 1 {
		t.Errorf("entry = status %s, failures %d", e.Status, e.FailureCount)
	}
	if e.AdapterConfig.BaudRate != 9600 {
		t.Errorf("AdapterConfig.BaudRate = %d", e.AdapterConfig.BaudRate)
	}
}

func TestLoadMigratesLegacyFailedStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	legacy := `{"version":1,"devices":[{"device_id":"senergy_567890","device_type":"senergy","serial":"INV567890","owner":"array1","port":"/dev/ttyUSB0","status":"failed","failure_count":2,"adapter_config":{"type":"senergy"}}]}`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := Load(path, DefaultBackoff)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	e, ok := r.Get("senergy_567890")
	if !ok {
		t.Fatal("device lost on load")
	}
	if e.Status != StatusRecovering {
		t.Errorf("status = %s, want %s", e.Status, StatusRecovering)
	}
	// Still on the retry schedule.
	if due := r.DueForRetry(time.Now()); len(due) != 1 {
		t.Errorf("DueForRetry() = %d entries, want 1", len(due))
	}
}

func TestCorruptRegistryStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := Load(path, DefaultBackoff)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(r.All()) != 0 {
		t.Errorf("All() = %d entries from corrupt file", len(r.All()))
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Errorf("corrupt backup not written: %v", err)
	}
}
