// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package adapter

import (
	"testing"
	"time"
)

func TestNormalizeSerial(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", "ABC123", "ABC123"},
		{"lowercase", "abc123", "ABC123"},
		{"punctuation stripped", "sn-12:34.56", "SN123456"},
		{"short gets padded", "7F", "00007F"},
		{"empty", "", "000000"},
		{"whitespace", " S 123 456 ", "S123456"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeSerial(tt.raw); got != tt.want {
				t.Errorf("NormalizeSerial(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestDeviceID(t *testing.T) {
	tests := []struct {
		name   string
		t      DeviceType
		serial string
		want   string
	}{
		{"long serial keeps last six", TypeSenergy, "INV2024-567890", "senergy_567890"},
		{"short serial padded", TypeBMSActive, "C1", "bms_active_0000c1"},
		{"mixed case", TypePowdrive, "abCdEf99", "powdrive_cdef99"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeviceID(tt.t, tt.serial); got != tt.want {
				t.Errorf("DeviceID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProbeTimeouts(t *testing.T) {
	connect, op := ProbeTimeouts(Config{Type: TypeSenergy})
	if connect != 3*time.Second || op != 5*time.Second {
		t.Errorf("inverter timeouts = %v/%v", connect, op)
	}

	connect, op = ProbeTimeouts(Config{Type: TypeBMSPassive})
	if connect != 5*time.Second || op != 10*time.Second {
		t.Errorf("battery timeouts = %v/%v", connect, op)
	}

	// Explicit lower values win over the floor.
	connect, op = ProbeTimeouts(Config{
		Type:           TypeBMSPassive,
		ConnectTimeout: time.Second,
		OpTimeout:      2 * time.Second,
	})
	if connect != time.Second || op != 2*time.Second {
		t.Errorf("configured timeouts = %v/%v", connect, op)
	}
}

func TestConfigWrapsUnit15(t *testing.T) {
	no := false
	yes := true
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"passive defaults on", Config{Type: TypeBMSPassive}, true},
		{"tcp defaults on", Config{Type: TypeBMSTCP}, true},
		{"active defaults off", Config{Type: TypeBMSActive}, false},
		{"ble defaults off", Config{Type: TypeBMSBLE}, false},
		{"explicit override off", Config{Type: TypeBMSPassive, WrapUnit15: &no}, false},
		{"explicit override on", Config{Type: TypeBMSActive, WrapUnit15: &yes}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.WrapsUnit15(); got != tt.want {
				t.Errorf("WrapsUnit15() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfigIsEnabled(t *testing.T) {
	off := false
	if !(Config{}).IsEnabled() {
		t.Error("IsEnabled() = false with flag unset")
	}
	if (Config{Enabled: &off}).IsEnabled() {
		t.Error("IsEnabled() = true with flag off")
	}
}

func TestIsBattery(t *testing.T) {
	for _, bt := range []DeviceType{TypeBMSActive, TypeBMSPassive, TypeBMSTCP, TypeBMSBLE} {
		if !bt.IsBattery() {
			t.Errorf("%s.IsBattery() = false", bt)
		}
	}
	for _, nt := range []DeviceType{TypeSenergy, TypePowdrive, TypeMeter} {
		if nt.IsBattery() {
			t.Errorf("%s.IsBattery() = true", nt)
		}
	}
}

func TestDecodeEncodeASCII(t *testing.T) {
	raw := EncodeASCII("SN-1234", 8)
	if len(raw) != 16 {
		t.Fatalf("EncodeASCII length = %d, want 16", len(raw))
	}
	if got := DecodeASCII(raw); got != "SN-1234" {
		t.Errorf("DecodeASCII() = %q, want SN-1234", got)
	}
	if got := DecodeASCII([]byte("  padded \x00junk")); got != "padded" {
		t.Errorf("DecodeASCII() = %q, want %q", got, "padded")
	}
}
