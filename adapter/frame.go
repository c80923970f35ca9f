// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package adapter

import (
	"bytes"
	"encoding/binary"
	"fmt"

	hub "github.com/soothill/solar-energy-hub/pkg/errors"
)

// The master BMS broadcasts two frame flavors on the shared RS-485 bus,
// both starting with the same four-byte magic. A short Modbus exchange
// precedes each broadcast and names the battery the next frames describe.
var frameMagic = []byte{0x55, 0xAA, 0xEB, 0x90}

// Frame type byte, immediately after the magic.
const (
	frameTypeConfig byte = 0x01
	frameTypeStatus byte = 0x02
)

// Total frame lengths (magic included). Both flavors end with a one-byte
// additive checksum; the status frame's last field sits at offset 234-235,
// so the frame runs to 238 bytes.
const (
	configFrameLen = 286
	statusFrameLen = 238
)

// The battery-select exchange is a fixed-length Modbus RTU write with
// function 0x10 and a 0x16-byte payload length marker. The third data byte
// carries the vendor marker 0x20 when the exchange is a telemetry request;
// this value is undocumented in the firmware reference and is honored
// exactly as observed on the wire.
const (
	modbusSelectLen  = 11
	modbusFuncWrite  = 0x10
	modbusLenMarker  = 0x16
	requestMarker    = 0x20
	maxSniffedUnitID = 16
)

// CRC16 computes the Modbus CRC (polynomial 0xA001, reflected). It is
// transmitted low byte first.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// checkCRC validates a trailing little-endian CRC over everything before it.
func checkCRC(frame []byte) bool {
	if len(frame) < 4 {
		return false
	}
	want := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	return CRC16(frame[:len(frame)-2]) == want
}

// configField is one entry of the declarative configuration-frame layout.
// Offsets are absolute from the frame start (magic included). Numeric
// fields are little-endian; scale divides the raw value.
type configField struct {
	name    string
	offset  int
	length  int
	scale   float64
	numeric bool
}

// configFields is the configuration-frame (type 0x01) layout.
var configFields = []configField{
	{"smart_sleep_voltage", 6, 4, 1000, true},
	{"cell_undervoltage_protection", 10, 4, 1000, true},
	{"cell_undervoltage_recovery", 14, 4, 1000, true},
	{"cell_overvoltage_protection", 18, 4, 1000, true},
	{"cell_overvoltage_recovery", 22, 4, 1000, true},
	{"balance_trigger_voltage", 26, 4, 1000, true},
	{"soc_100_voltage", 30, 4, 1000, true},
	{"soc_0_voltage", 34, 4, 1000, true},
	{"cell_request_charge_voltage", 38, 4, 1000, true},
	{"cell_request_float_voltage", 42, 4, 1000, true},
	{"power_off_voltage", 46, 4, 1000, true},
	{"max_charge_current", 50, 4, 1000, true},
	{"charge_ocp_delay", 54, 4, 1, true},
	{"charge_ocp_recovery_time", 58, 4, 1, true},
	{"max_discharge_current", 62, 4, 1000, true},
	{"discharge_ocp_delay", 66, 4, 1, true},
	{"discharge_ocp_recovery_time", 70, 4, 1, true},
	{"short_circuit_recovery_time", 74, 4, 1, true},
	{"max_balance_current", 78, 4, 1000, true},
	{"charge_otp", 82, 4, 10, true},
	{"charge_otp_recovery", 86, 4, 10, true},
	{"discharge_otp", 90, 4, 10, true},
	{"discharge_otp_recovery", 94, 4, 10, true},
	{"charge_utp", 98, 4, 10, true},
	{"charge_utp_recovery", 102, 4, 10, true},
	{"mos_otp", 106, 4, 10, true},
	{"mos_otp_recovery", 110, 4, 10, true},
	{"cell_count", 114, 4, 1, true},
	{"charge_switch", 118, 4, 1, true},
	{"discharge_switch", 122, 4, 1, true},
	{"balancer_switch", 126, 4, 1, true},
	{"nominal_battery_capacity", 130, 4, 1000, true},
	{"scp_delay", 134, 4, 1, true},
	{"start_balance_voltage", 138, 4, 1000, true},
	{"connection_wire_resistance_1", 142, 4, 1000, true},
	{"connection_wire_resistance_2", 146, 4, 1000, true},
	{"connection_wire_resistance_3", 150, 4, 1000, true},
	{"connection_wire_resistance_4", 154, 4, 1000, true},
	{"device_name", 158, 16, 1, false},
	{"serial_number", 174, 16, 1, false},
	{"device_address", 270, 1, 1, true},
	{"precharge_time", 274, 1, 1, true},
}

// Bit-flag fields near the end of the configuration frame.
const (
	configFlagsOffsetA = 282 // display_always_on, smart_sleep_switch, disable_pcl_module
	configFlagsOffsetB = 283 // timed_stored_data
)

// Status-frame (type 0x02) fixed offsets.
const (
	statusCellVoltOffset = 6   // 16 x LE u16, millivolts
	statusCellVoltStep   = 2
	statusCellResOffset  = 80 // 16 x LE u16, milliohms
	statusCellResStep    = 2
	statusPackCurrOffset = 158 // LE s32, milliamps
	statusSOCOffset      = 173 // single byte
	statusCycleOffset    = 182 // LE u16
	statusSOHOffset      = 190 // single byte
	statusSwitchOffset   = 198 // charge, discharge, balance bytes at 198-200
	statusPackVoltOffset = 234 // LE u16, centivolts
	cellsPerUnit         = 16
)

// UnitRecord is the merged per-battery view the sniffer maintains: the
// configuration frame contributes limits and switches, the status frame
// contributes live measurements.
type UnitRecord struct {
	UnitID          int
	VoltageV        float64
	CurrentA        float64
	SOC             float64
	SOH             float64
	TempC           float64
	Cycles          int
	CellVoltages    []float64
	CellResistances []float64
	Switches        map[string]bool
	Config          map[string]any
	HasStatus       bool
	HasConfig       bool
}

func newUnitRecord(unitID int) *UnitRecord {
	return &UnitRecord{
		UnitID:   unitID,
		Switches: make(map[string]bool),
		Config:   make(map[string]any),
	}
}

// decodeConfigFrame merges a type-0x01 frame into the record. Fields whose
// offsets fall outside the frame are dropped individually.
func decodeConfigFrame(frame []byte, rec *UnitRecord) error {
	if len(frame) < configFrameLen {
		return hub.NewFrameError(hub.KindDecodeShort, len(frame), "config",
			fmt.Errorf("frame %d bytes, want >= %d", len(frame), configFrameLen))
	}
	for _, f := range configFields {
		if f.offset+f.length > len(frame) {
			continue
		}
		raw := frame[f.offset : f.offset+f.length]
		if !f.numeric {
			rec.Config[f.name] = DecodeASCII(raw)
			continue
		}
		var v int64
		switch f.length {
		case 1:
			v = int64(raw[0])
		case 2:
			v = int64(binary.LittleEndian.Uint16(raw))
		case 4:
			v = int64(int32(binary.LittleEndian.Uint32(raw)))
		default:
			continue
		}
		rec.Config[f.name] = float64(v) / f.scale
	}

	flagsA := frame[configFlagsOffsetA]
	rec.Config["display_always_on"] = flagsA&0x01 != 0
	rec.Config["smart_sleep_switch"] = flagsA&0x02 != 0
	rec.Config["disable_pcl_module"] = flagsA&0x04 != 0
	rec.Config["timed_stored_data"] = frame[configFlagsOffsetB]&0x01 != 0

	rec.HasConfig = true
	return nil
}

// decodeStatusFrame merges a type-0x02 frame into the record.
func decodeStatusFrame(frame []byte, rec *UnitRecord) error {
	if len(frame) < statusFrameLen {
		return hub.NewFrameError(hub.KindDecodeShort, len(frame), "status",
			fmt.Errorf("frame %d bytes, want >= %d", len(frame), statusFrameLen))
	}

	rec.CellVoltages = make([]float64, cellsPerUnit)
	for i := 0; i < cellsPerUnit; i++ {
		off := statusCellVoltOffset + i*statusCellVoltStep
		rec.CellVoltages[i] = float64(binary.LittleEndian.Uint16(frame[off:])) / 1000
	}
	rec.CellResistances = make([]float64, cellsPerUnit)
	for i := 0; i < cellsPerUnit; i++ {
		off := statusCellResOffset + i*statusCellResStep
		rec.CellResistances[i] = float64(binary.LittleEndian.Uint16(frame[off:])) / 1000
	}

	rec.CurrentA = float64(int32(binary.LittleEndian.Uint32(frame[statusPackCurrOffset:]))) / 1000
	soc := float64(frame[statusSOCOffset])
	if soc > 100 {
		return hub.NewFrameError(hub.KindDecodeRange, statusSOCOffset, "soc",
			fmt.Errorf("soc %v out of range", soc))
	}
	rec.SOC = soc
	rec.Cycles = int(binary.LittleEndian.Uint16(frame[statusCycleOffset:]))
	rec.SOH = float64(frame[statusSOHOffset])
	rec.Switches["charge"] = frame[statusSwitchOffset] != 0
	rec.Switches["discharge"] = frame[statusSwitchOffset+1] != 0
	rec.Switches["balance"] = frame[statusSwitchOffset+2] != 0
	rec.VoltageV = float64(binary.LittleEndian.Uint16(frame[statusPackVoltOffset:])) / 100

	rec.HasStatus = true
	return nil
}

// findMagic returns the index of the earliest frame magic, or -1.
func findMagic(buf []byte) int {
	return bytes.Index(buf, frameMagic)
}

// findModbusSelect returns the index of the earliest valid battery-select
// exchange: [unit][0x10][0x16]... with the trailing CRC validating. Returns
// -1 when none is present.
func findModbusSelect(buf []byte) int {
	for i := 0; i+modbusSelectLen <= len(buf); i++ {
		if buf[i+1] != modbusFuncWrite || buf[i+2] != modbusLenMarker {
			continue
		}
		if int(buf[i]) >= maxSniffedUnitID {
			continue
		}
		if checkCRC(buf[i : i+modbusSelectLen]) {
			return i
		}
	}
	return -1
}

// selectIsRequest reports whether a validated select exchange carries the
// telemetry-request marker.
func selectIsRequest(frame []byte) bool {
	return len(frame) >= 4 && frame[3] == requestMarker
}

// EncodeSelectFrame builds a battery-select exchange for the given unit,
// used by tests and by the TCP gateway keepalive.
func EncodeSelectFrame(unitID int, request bool) []byte {
	frame := make([]byte, modbusSelectLen)
	frame[0] = byte(unitID)
	frame[1] = modbusFuncWrite
	frame[2] = modbusLenMarker
	if request {
		frame[3] = requestMarker
	}
	crc := CRC16(frame[:modbusSelectLen-2])
	binary.LittleEndian.PutUint16(frame[modbusSelectLen-2:], crc)
	return frame
}
