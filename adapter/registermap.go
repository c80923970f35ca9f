// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package adapter

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/soothill/solar-energy-hub/pkg/util"
)

//go:embed registermap_schema.json
var registerMapSchemaJSON []byte

// RegisterKind distinguishes Modbus holding and input register spaces.
type RegisterKind string

const (
	KindHolding RegisterKind = "holding"
	KindInput   RegisterKind = "input"
)

// RegisterType is the declared wire encoding of a register.
type RegisterType string

const (
	TypeU16   RegisterType = "U16"
	TypeS16   RegisterType = "S16"
	TypeU32   RegisterType = "U32"
	TypeS32   RegisterType = "S32"
	TypeASCII RegisterType = "ASCII"
)

// Register access modes.
const (
	AccessRO = "RO"
	AccessRW = "RW"
	AccessWO = "WO"
)

// Register is one declarative register-map record. Addresses are never
// embedded in code; each inverter or meter family ships its own map file.
type Register struct {
	ID    string            `json:"id"`
	Name  string            `json:"name"`
	Addr  uint16            `json:"addr"`
	Size  uint16            `json:"size"` // register count, 1 or 2
	Kind  RegisterKind      `json:"kind"`
	Type  RegisterType      `json:"type"`
	Scale *float64          `json:"scale"`
	Unit  string            `json:"unit,omitempty"`
	RW    string            `json:"rw"`
	Enum  map[string]string `json:"enum,omitempty"` // code -> label
	Notes string            `json:"notes,omitempty"`
}

// Writable reports whether the register accepts writes.
func (r Register) Writable() bool {
	return r.RW == AccessRW || r.RW == AccessWO
}

// ScaleOr returns the declared scale or 1 when null.
func (r Register) ScaleOr() float64 {
	if r.Scale == nil || *r.Scale == 0 {
		return 1
	}
	return *r.Scale
}

// RegisterMap is an ordered register list plus an index keyed by id. Loaded
// once at startup and cached by the adapter.
type RegisterMap struct {
	Registers []Register
	byID      map[string]*Register
}

// LoadRegisterMap reads, schema-validates and indexes a register map file.
func LoadRegisterMap(path string) (*RegisterMap, error) {
	data, err := util.ReadFileSafely(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read register map %s: %w", path, err)
	}
	return ParseRegisterMap(data)
}

// ParseRegisterMap validates and indexes raw register map JSON.
func ParseRegisterMap(data []byte) (*RegisterMap, error) {
	schemaLoader := gojsonschema.NewBytesLoader(registerMapSchemaJSON)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("register map schema validation failed: %w", err)
	}
	if !result.Valid() {
		msg := "register map validation errors:\n"
		for i, verr := range result.Errors() {
			msg += fmt.Sprintf("  %d. %s: %s\n", i+1, verr.Field(), verr.Description())
		}
		return nil, fmt.Errorf("%s", msg)
	}

	var regs []Register
	if err := json.Unmarshal(data, &regs); err != nil {
		return nil, fmt.Errorf("failed to parse register map: %w", err)
	}

	m := &RegisterMap{Registers: regs, byID: make(map[string]*Register, len(regs))}
	for i := range m.Registers {
		r := &m.Registers[i]
		if err := validateRegister(r); err != nil {
			return nil, err
		}
		if _, dup := m.byID[r.ID]; dup {
			return nil, fmt.Errorf("register map: duplicate id %q", r.ID)
		}
		m.byID[r.ID] = r
	}
	return m, nil
}

// validateRegister applies the constraints the JSON schema cannot express:
// the declared size must match the declared type.
func validateRegister(r *Register) error {
	switch r.Type {
	case TypeU16, TypeS16:
		if r.Size != 1 {
			return fmt.Errorf("register %q: type %s requires size 1, got %d", r.ID, r.Type, r.Size)
		}
	case TypeU32, TypeS32:
		if r.Size != 2 {
			return fmt.Errorf("register %q: type %s requires size 2, got %d", r.ID, r.Type, r.Size)
		}
	case TypeASCII:
		if r.Size < 1 {
			return fmt.Errorf("register %q: ASCII requires size >= 1", r.ID)
		}
	default:
		return fmt.Errorf("register %q: unknown type %q", r.ID, r.Type)
	}
	switch r.RW {
	case AccessRO, AccessRW, AccessWO:
	default:
		return fmt.Errorf("register %q: rw must be RO, RW or WO, got %q", r.ID, r.RW)
	}
	switch r.Kind {
	case KindHolding, KindInput:
	default:
		return fmt.Errorf("register %q: kind must be holding or input, got %q", r.ID, r.Kind)
	}
	return nil
}

// Lookup returns the register with the given id.
func (m *RegisterMap) Lookup(id string) (*Register, bool) {
	r, ok := m.byID[id]
	return r, ok
}

// EnumLabel resolves an enum code to its label, falling back to the raw
// code string when the map has no entry.
func (r Register) EnumLabel(code int) string {
	if r.Enum == nil {
		return fmt.Sprintf("%d", code)
	}
	if label, ok := r.Enum[fmt.Sprintf("%d", code)]; ok {
		return label
	}
	return fmt.Sprintf("%d", code)
}
