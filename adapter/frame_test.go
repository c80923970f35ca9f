// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package adapter

import (
	"encoding/binary"
	"testing"
)

func TestCRC16KnownVector(t *testing.T) {
	// Classic Modbus read-holding request 01 03 00 00 00 0A carries CRC
	// C5 CD on the wire (low byte first).
	frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}
	if got := CRC16(frame); got != 0xCDC5 {
		t.Errorf("CRC16() = %#04x, want 0xCDC5", got)
	}
}

func TestCheckCRC(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0xC5, 0xCD}
	if !checkCRC(frame) {
		t.Error("checkCRC() = false for a valid frame")
	}
	frame[3] = 0x01
	if checkCRC(frame) {
		t.Error("checkCRC() = true for a corrupted frame")
	}
	if checkCRC([]byte{0x01, 0x02}) {
		t.Error("checkCRC() = true for a too-short frame")
	}
}

func TestEncodeSelectFrameRoundTrip(t *testing.T) {
	frame := EncodeSelectFrame(3, true)
	if len(frame) != modbusSelectLen {
		t.Fatalf("frame length = %d, want %d", len(frame), modbusSelectLen)
	}
	if frame[0] != 3 || frame[1] != modbusFuncWrite || frame[2] != modbusLenMarker {
		t.Errorf("frame header = % x", frame[:3])
	}
	if !selectIsRequest(frame) {
		t.Error("selectIsRequest() = false for a request frame")
	}
	if idx := findModbusSelect(frame); idx != 0 {
		t.Errorf("findModbusSelect() = %d, want 0", idx)
	}

	reply := EncodeSelectFrame(3, false)
	if selectIsRequest(reply) {
		t.Error("selectIsRequest() = true for a reply frame")
	}
}

func TestFindModbusSelectRejectsHighUnits(t *testing.T) {
	frame := make([]byte, modbusSelectLen)
	frame[0] = byte(maxSniffedUnitID) // one past the sniffer ceiling
	frame[1] = modbusFuncWrite
	frame[2] = modbusLenMarker
	crc := CRC16(frame[:modbusSelectLen-2])
	binary.LittleEndian.PutUint16(frame[modbusSelectLen-2:], crc)

	if idx := findModbusSelect(frame); idx != -1 {
		t.Errorf("findModbusSelect() = %d for unit %d, want -1", idx, maxSniffedUnitID)
	}
}

func TestDecodeStatusFrame(t *testing.T) {
	cells := make([]float64, 16)
	for i := range cells {
		cells[i] = 3.300 + float64(i)*0.001
	}
	frame := EncodeStatusFrame(cells, 52.81, -12.5, 87, 99, 142, true, true, false)

	rec := newUnitRecord(0)
	if err := decodeStatusFrame(frame, rec); err != nil {
		t.Fatalf("decodeStatusFrame() error = %v", err)
	}

	if rec.VoltageV != 52.81 {
		t.Errorf("VoltageV = %v, want 52.81", rec.VoltageV)
	}
	if rec.CurrentA != -12.5 {
		t.Errorf("CurrentA = %v, want -12.5", rec.CurrentA)
	}
	if rec.SOC != 87 {
		t.Errorf("SOC = %v, want 87", rec.SOC)
	}
	if rec.SOH != 99 {
		t.Errorf("SOH = %v, want 99", rec.SOH)
	}
	if rec.Cycles != 142 {
		t.Errorf("Cycles = %v, want 142", rec.Cycles)
	}
	if rec.CellVoltages[0] != 3.300 {
		t.Errorf("CellVoltages[0] = %v, want 3.300", rec.CellVoltages[0])
	}
	if rec.CellVoltages[15] != 3.315 {
		t.Errorf("CellVoltages[15] = %v, want 3.315", rec.CellVoltages[15])
	}
	if !rec.Switches["charge"] || !rec.Switches["discharge"] || rec.Switches["balance"] {
		t.Errorf("Switches = %v", rec.Switches)
	}
	if !rec.HasStatus {
		t.Error("HasStatus = false after decode")
	}
}

func TestDecodeStatusFrameRejectsBadSOC(t *testing.T) {
	frame := EncodeStatusFrame(nil, 52, 0, 87, 99, 0, false, false, false)
	frame[statusSOCOffset] = 101
	frame[len(frame)-1] = frameChecksum(frame)

	rec := newUnitRecord(0)
	if err := decodeStatusFrame(frame, rec); err == nil {
		t.Error("decodeStatusFrame() accepted SOC > 100")
	}
}

func TestDecodeStatusFrameShort(t *testing.T) {
	rec := newUnitRecord(0)
	if err := decodeStatusFrame(make([]byte, 50), rec); err == nil {
		t.Error("decodeStatusFrame() accepted a truncated frame")
	}
}

// buildConfigFrame assembles a minimal valid configuration broadcast.
func buildConfigFrame(serial, name string, address byte) []byte {
	frame := make([]byte, configFrameLen)
	copy(frame, frameMagic)
	frame[len(frameMagic)] = frameTypeConfig
	binary.LittleEndian.PutUint32(frame[114:], 16)    // cell_count
	binary.LittleEndian.PutUint32(frame[130:], 25000) // nominal capacity, mAh
	copy(frame[158:174], name)
	copy(frame[174:190], serial)
	frame[270] = address
	frame[282] = 0x03 // display_always_on + smart_sleep_switch
	frame[len(frame)-1] = frameChecksum(frame)
	return frame
}

func TestDecodeConfigFrame(t *testing.T) {
	frame := buildConfigFrame("BT3072204402101", "solar-shed", 2)

	rec := newUnitRecord(0)
	if err := decodeConfigFrame(frame, rec); err != nil {
		t.Fatalf("decodeConfigFrame() error = %v", err)
	}

	if got := rec.Config["serial_number"]; got != "BT3072204402101" {
		t.Errorf("serial_number = %v", got)
	}
	if got := rec.Config["device_name"]; got != "solar-shed" {
		t.Errorf("device_name = %v", got)
	}
	if got := rec.Config["cell_count"]; got != float64(16) {
		t.Errorf("cell_count = %v, want 16", got)
	}
	if got := rec.Config["nominal_battery_capacity"]; got != float64(25) {
		t.Errorf("nominal_battery_capacity = %v, want 25", got)
	}
	if got := rec.Config["device_address"]; got != float64(2) {
		t.Errorf("device_address = %v, want 2", got)
	}
	if rec.Config["display_always_on"] != true || rec.Config["smart_sleep_switch"] != true {
		t.Errorf("flag decode: %v / %v", rec.Config["display_always_on"], rec.Config["smart_sleep_switch"])
	}
	if rec.Config["disable_pcl_module"] != false || rec.Config["timed_stored_data"] != false {
		t.Errorf("flag decode: %v / %v", rec.Config["disable_pcl_module"], rec.Config["timed_stored_data"])
	}
	if !rec.HasConfig {
		t.Error("HasConfig = false after decode")
	}
}
