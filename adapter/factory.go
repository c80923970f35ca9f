// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package adapter

import (
	"fmt"
)

// New builds the adapter variant a config names. owner is the logical id
// the adapter reports telemetry under: the array id for inverters, the bank
// or meter id otherwise. Used by discovery probing and by registry-driven
// recovery, which re-creates adapters from stored config snapshots.
func New(cfg Config, owner string) (DeviceAdapter, error) {
	switch cfg.Type {
	case TypeSenergy, TypePowdrive:
		return NewModbusInverter(cfg, owner)
	case TypeMeter:
		return NewMeterModbusTCP(cfg, owner), nil
	case TypeBMSActive:
		return NewBMSActive(cfg, owner), nil
	case TypeBMSPassive:
		return NewBMSPassive(cfg, owner), nil
	case TypeBMSTCP:
		return NewBMSTCP(cfg, owner), nil
	case TypeBMSBLE:
		return NewBMSBLE(cfg, owner), nil
	}
	return nil, fmt.Errorf("unknown adapter type %q", cfg.Type)
}

// NewBattery builds a battery-family adapter.
func NewBattery(cfg Config, bankID string) (BatteryAdapter, error) {
	a, err := New(cfg, bankID)
	if err != nil {
		return nil, err
	}
	b, ok := a.(BatteryAdapter)
	if !ok {
		return nil, fmt.Errorf("adapter type %q is not a battery adapter", cfg.Type)
	}
	return b, nil
}
