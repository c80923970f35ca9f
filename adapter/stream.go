// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package adapter

import (
	"sort"
	"sync"
	"time"

	hub "github.com/soothill/solar-energy-hub/pkg/errors"
	"github.com/soothill/solar-energy-hub/pkg/logger"
	"github.com/soothill/solar-energy-hub/telemetry"
)

// streamDecoder is the sniffer engine shared by the passive, TCP-gateway and
// BLE battery adapters. Each transport pushes raw bytes into Feed; the
// decoder reassembles frames, tracks which battery the master has selected,
// and keeps a merged per-unit cache that Snapshot renders into bank
// telemetry.
//
// Attribution rule: a telemetry-request select exchange names the unit the
// following broadcast frames belong to. Frames seen before any select are
// dropped.
type streamDecoder struct {
	mu          sync.Mutex
	buf         []byte
	currentUnit int
	wrapUnit15  bool
	units       map[int]*UnitRecord
	lastSeen    map[int]time.Time
	lastFrame   time.Time
}

// Keep enough tail to complete a config frame split across reads, plus a
// partial select exchange.
const maxStreamBuffer = 2 * (configFrameLen + modbusSelectLen)

func newStreamDecoder(wrapUnit15 bool) *streamDecoder {
	return &streamDecoder{
		currentUnit: -1,
		wrapUnit15:  wrapUnit15,
		units:       make(map[int]*UnitRecord),
		lastSeen:    make(map[int]time.Time),
	}
}

// frameChecksum is the additive checksum carried in the last byte of a
// broadcast frame: the low byte of the sum of everything before it.
func frameChecksum(frame []byte) byte {
	var sum byte
	for _, b := range frame[:len(frame)-1] {
		sum += b
	}
	return sum
}

func frameLen(frameType byte) int {
	switch frameType {
	case frameTypeConfig:
		return configFrameLen
	case frameTypeStatus:
		return statusFrameLen
	}
	return 0
}

// Feed appends raw transport bytes and extracts every complete frame.
func (d *streamDecoder) Feed(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.buf = append(d.buf, data...)
	for d.extractOne() {
	}
	if len(d.buf) > maxStreamBuffer {
		d.buf = d.buf[len(d.buf)-configFrameLen-modbusSelectLen:]
	}
}

// extractOne consumes the earliest select exchange or broadcast frame in the
// buffer. Returns false when nothing more can be extracted yet.
func (d *streamDecoder) extractOne() bool {
	mi := findMagic(d.buf)
	si := findModbusSelect(d.buf)

	switch {
	case si >= 0 && (mi < 0 || si < mi):
		frame := d.buf[si : si+modbusSelectLen]
		if selectIsRequest(frame) {
			unit := int(frame[0])
			if unit == 15 && d.wrapUnit15 {
				unit = 0
			}
			d.currentUnit = unit
		}
		d.buf = d.buf[si+modbusSelectLen:]
		return true

	case mi >= 0:
		// Need the type byte and the full frame before decoding.
		if mi+len(frameMagic) >= len(d.buf) {
			d.buf = d.buf[mi:]
			return false
		}
		ftype := d.buf[mi+len(frameMagic)]
		need := frameLen(ftype)
		if need == 0 {
			// Unknown frame type, skip this magic.
			d.buf = d.buf[mi+1:]
			return true
		}
		if mi+need > len(d.buf) {
			d.buf = d.buf[mi:]
			return false
		}
		frame := d.buf[mi : mi+need]
		d.buf = d.buf[mi+need:]
		if frameChecksum(frame) != frame[len(frame)-1] {
			logger.Debug().Int("type", int(ftype)).Msg("Dropping frame with bad checksum")
			return true
		}
		d.handleFrame(ftype, frame)
		return true
	}
	return false
}

func (d *streamDecoder) handleFrame(ftype byte, frame []byte) {
	if d.currentUnit < 0 {
		logger.Debug().Msg("Dropping frame seen before any battery select")
		return
	}
	rec, ok := d.units[d.currentUnit]
	if !ok {
		rec = newUnitRecord(d.currentUnit)
		d.units[d.currentUnit] = rec
	}

	var err error
	switch ftype {
	case frameTypeConfig:
		err = decodeConfigFrame(frame, rec)
	case frameTypeStatus:
		err = decodeStatusFrame(frame, rec)
	}
	if err != nil {
		logger.Warn().Err(err).Int("unit", d.currentUnit).Msg("Frame decode failed")
		return
	}
	now := time.Now()
	d.lastSeen[d.currentUnit] = now
	d.lastFrame = now
}

// Serial returns the serial number carried in the lowest-numbered unit's
// configuration frame, or empty when none has been decoded yet.
func (d *streamDecoder) Serial() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	best := ""
	bestID := -1
	for id, rec := range d.units {
		if !rec.HasConfig {
			continue
		}
		s, _ := rec.Config["serial_number"].(string)
		if s == "" {
			continue
		}
		if bestID < 0 || id < bestID {
			best, bestID = s, id
		}
	}
	return best
}

// UnitSeen reports the last time a frame was accepted for the unit.
func (d *streamDecoder) UnitSeen(unit int) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeen[unit]
}

// LastFrameTime reports when the decoder last accepted a frame. The zero
// time means nothing has been decoded yet.
func (d *streamDecoder) LastFrameTime() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastFrame
}

// Snapshot renders the unit cache into bank telemetry. Units with no status
// frame yet are skipped. Returns ErrDeviceOffline when the cache is empty or
// every unit is older than maxAge (maxAge <= 0 disables the check).
func (d *streamDecoder) Snapshot(bankID string, loc *time.Location, maxAge time.Duration) (telemetry.BatteryBankTelemetry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tel := telemetry.BatteryBankTelemetry{
		BankID:          bankID,
		CellsPerBattery: cellsPerUnit,
	}

	ids := make([]int, 0, len(d.units))
	for id, rec := range d.units {
		if !rec.HasStatus {
			continue
		}
		if maxAge > 0 && time.Since(d.lastSeen[id]) > maxAge {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return tel, hub.NewPollError(hub.KindFrameTimeout, bankID, true, hub.ErrDeviceOffline)
	}
	sort.Ints(ids)

	var sumVolt, sumSOC float64
	var newest time.Time
	for _, id := range ids {
		rec := d.units[id]
		unit := telemetry.BatteryUnitTelemetry{
			UnitID:   rec.UnitID,
			VoltageV: rec.VoltageV,
			CurrentA: rec.CurrentA,
			SOC:      rec.SOC,
			SOH:      rec.SOH,
			TempC:    rec.TempC,
			Cycles:   rec.Cycles,
			Status:   make(map[string]bool, len(rec.Switches)),
		}
		for k, v := range rec.Switches {
			unit.Status[k] = v
		}
		for i, cv := range rec.CellVoltages {
			cell := telemetry.CellTelemetry{Index: i, VoltageV: cv}
			if i < len(rec.CellResistances) {
				cell.ResistanceO = rec.CellResistances[i]
			}
			unit.Cells = append(unit.Cells, cell)
		}
		tel.Units = append(tel.Units, unit)

		sumVolt += rec.VoltageV
		sumSOC += rec.SOC
		tel.CurrentA += rec.CurrentA
		if rec.TempC > tel.TempC {
			tel.TempC = rec.TempC
		}
		if seen := d.lastSeen[id]; seen.After(newest) {
			newest = seen
		}
	}

	n := float64(len(ids))
	tel.BatteriesCount = len(ids)
	tel.VoltageV = sumVolt / n
	tel.SOC = sumSOC / n
	tel.Timestamp = newest.In(loc)
	return tel, nil
}

// EncodeStatusFrame builds a minimal valid status broadcast, used by the
// active adapter's response path and by tests.
func EncodeStatusFrame(cells []float64, packVoltage, currentA, soc, soh float64, cycles int, charge, discharge, balance bool) []byte {
	frame := make([]byte, statusFrameLen)
	copy(frame, frameMagic)
	frame[len(frameMagic)] = frameTypeStatus
	for i := 0; i < cellsPerUnit && i < len(cells); i++ {
		putU16LE(frame[statusCellVoltOffset+i*statusCellVoltStep:], uint16(cells[i]*1000+0.5))
	}
	putU16LE(frame[statusPackVoltOffset:], uint16(packVoltage*100+0.5))
	putS32LE(frame[statusPackCurrOffset:], int32(currentA*1000))
	frame[statusSOCOffset] = byte(soc)
	putU16LE(frame[statusCycleOffset:], uint16(cycles))
	frame[statusSOHOffset] = byte(soh)
	frame[statusSwitchOffset] = boolByte(charge)
	frame[statusSwitchOffset+1] = boolByte(discharge)
	frame[statusSwitchOffset+2] = boolByte(balance)
	frame[len(frame)-1] = frameChecksum(frame)
	return frame
}

func putU16LE(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putS32LE(b []byte, v int32) {
	u := uint32(v)
	b[0] = byte(u)
	b[1] = byte(u >> 8)
	b[2] = byte(u >> 16)
	b[3] = byte(u >> 24)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
