// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package bus

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/soothill/solar-energy-hub/telemetry"
)

func unmarshalPayload(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	return m
}

func TestMarshalFlattensScalars(t *testing.T) {
	tel := telemetry.InverterTelemetry{
		InverterID: "senergy_567890",
		ArrayID:    "array1",
		Timestamp:  time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		PVPowerW:   3500,
		LoadPowerW: 1200,
	}
	data, err := Marshal(tel)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	m := unmarshalPayload(t, data)

	if m["inverter_id"] != "senergy_567890" {
		t.Errorf("inverter_id = %v", m["inverter_id"])
	}
	if m["pv_power_w"] != float64(3500) {
		t.Errorf("pv_power_w = %v", m["pv_power_w"])
	}
	if m["ts"] != "2026-08-24T12:00:00Z" {
		t.Errorf("ts = %v", m["ts"])
	}
}

func TestMarshalCollectsNestingUnderExtra(t *testing.T) {
	tel := telemetry.BatteryUnitTelemetry{
		UnitID: 2,
		SOC:    80,
		Status: map[string]bool{"charge": true},
		Cells:  []telemetry.CellTelemetry{{Index: 0, VoltageV: 3.31}},
	}
	data, err := Marshal(tel)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	m := unmarshalPayload(t, data)

	if _, top := m["status"]; top {
		t.Error("nested map left at top level")
	}
	extra, ok := m["extra"].(map[string]any)
	if !ok {
		t.Fatalf("extra = %v", m["extra"])
	}
	status, ok := extra["status"].(map[string]any)
	if !ok || status["charge"] != true {
		t.Errorf("extra.status = %v", extra["status"])
	}
	if _, ok := extra["cells"].([]any); !ok {
		t.Errorf("extra.cells = %v", extra["cells"])
	}
}

func TestMarshalSurvivesCircularReference(t *testing.T) {
	type node struct {
		Name string `json:"name"`
		Next *node  `json:"next"`
	}
	n := &node{Name: "a"}
	n.Next = n

	data, err := Marshal(n)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), "<circular reference>") {
		t.Errorf("payload = %s", data)
	}
}

func TestMarshalReplacesNaN(t *testing.T) {
	type sample struct {
		Value float64 `json:"value"`
	}
	data, err := Marshal(sample{Value: math.NaN()})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	m := unmarshalPayload(t, data)
	if _, ok := m["value"].(string); !ok {
		t.Errorf("NaN rendered as %v (%T)", m["value"], m["value"])
	}
}

func TestMarshalHonorsOmitempty(t *testing.T) {
	tel := telemetry.InverterTelemetry{InverterID: "x"}
	data, err := Marshal(tel)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	m := unmarshalPayload(t, data)
	if _, ok := m["extra"]; ok {
		t.Errorf("empty extra emitted: %s", data)
	}
}

func TestMarshalNonStruct(t *testing.T) {
	data, err := Marshal(42)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	m := unmarshalPayload(t, data)
	if m["value"] != float64(42) {
		t.Errorf("value = %v", m["value"])
	}
}

func TestTopicHelpers(t *testing.T) {
	m := &MQTT{base: "solarhub", qos: 1}
	tests := []struct {
		got  string
		want string
	}{
		{m.InverterTopic("senergy_567890"), "solarhub/senergy_567890/regs"},
		{m.InverterAckTopic("senergy_567890"), "solarhub/senergy_567890/ack"},
		{m.InverterAvailabilityTopic("senergy_567890"), "solarhub/senergy_567890/availability"},
		{m.BankTopic("bank1"), "solarhub/battery/bank1/regs"},
		{m.BatteryUnitTopic("bank1", 2), "solarhub/battery/bank1/2/regs"},
		{m.CellTopic("bank1", 2, 7), "solarhub/battery/bank1/2/cells/7/regs"},
		{m.MeterTopic("grid"), "solarhub/meter/grid/regs"},
		{m.PackTopic("pack1"), "solarhub/packs/pack1/state"},
		{m.ArrayTopic("array1"), "solarhub/arrays/array1/state"},
		{m.SystemTopic("site"), "solarhub/systems/site/state"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestCommandPatterns(t *testing.T) {
	m := &MQTT{base: "solarhub", qos: 1}
	want := []string{
		"solarhub/+/cmd",
		"solarhub/+/write",
		"solarhub/+/write_many",
		"solarhub/+/config/+/set",
	}
	got := m.CommandPatterns()
	if len(got) != len(want) {
		t.Fatalf("CommandPatterns() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pattern[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
