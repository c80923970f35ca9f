// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the solar energy hub.
//
// Adapter-facing errors carry a Kind and a Retryable flag so the polling
// orchestrator and the recovery manager can decide between retrying on the
// next tick and escalating into the registry backoff path. All types support
// errors.As/errors.Is inspection and unwrap their cause.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an adapter-local failure.
type Kind string

const (
	// KindTransportOpen means the underlying transport could not be opened.
	KindTransportOpen Kind = "transport_open"
	// KindTransportIO means an opened transport failed mid-operation.
	KindTransportIO Kind = "transport_io"
	// KindFrameTimeout means no complete frame arrived within the deadline.
	KindFrameTimeout Kind = "frame_timeout"
	// KindFrameCRC means a frame arrived but its CRC did not validate.
	KindFrameCRC Kind = "frame_crc"
	// KindDecodeShort means a frame was shorter than its declared layout.
	KindDecodeShort Kind = "decode_short"
	// KindDecodeRange means a decoded field was outside its legal range.
	KindDecodeRange Kind = "decode_range"
	// KindRegisterReadOnly means a write targeted a read-only register.
	KindRegisterReadOnly Kind = "register_read_only"
	// KindUnsupportedCommand means the adapter does not implement the action.
	KindUnsupportedCommand Kind = "unsupported_command"
)

// TransportError represents a failure at the transport layer (serial port,
// TCP socket, GATT connection).
type TransportError struct {
	Kind      Kind
	Addr      string // port path, host:port or MAC, if applicable
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("transport %s (%s): %v", e.Kind, e.Addr, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new transport error.
func NewTransportError(kind Kind, addr string, retryable bool, err error) *TransportError {
	return &TransportError{Kind: kind, Addr: addr, Retryable: retryable, Err: err}
}

// IsTransportError checks if an error is a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// PollError represents a failed telemetry poll.
type PollError struct {
	Kind      Kind
	DeviceID  string
	Retryable bool
	Err       error
}

func (e *PollError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("poll %s (device=%s): %v", e.Kind, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("poll %s: %v", e.Kind, e.Err)
}

func (e *PollError) Unwrap() error {
	return e.Err
}

// NewPollError creates a new poll error.
func NewPollError(kind Kind, deviceID string, retryable bool, err error) *PollError {
	return &PollError{Kind: kind, DeviceID: deviceID, Retryable: retryable, Err: err}
}

// IsPollError checks if an error is a PollError.
func IsPollError(err error) bool {
	var pe *PollError
	return errors.As(err, &pe)
}

// Retryable reports whether an error chain carries a retryable transport or
// poll error. Unknown errors are treated as retryable so a transient glitch
// never permanently disables a device on its own.
func Retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	var pe *PollError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// FrameError represents a protocol-level decode failure on the BMS framed
// protocol. The affected field is dropped; the rest of the frame still
// contributes to telemetry.
type FrameError struct {
	Kind   Kind
	Offset int
	Field  string
	Err    error
}

func (e *FrameError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("frame %s at offset %d (field=%s): %v", e.Kind, e.Offset, e.Field, e.Err)
	}
	return fmt.Sprintf("frame %s at offset %d: %v", e.Kind, e.Offset, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// NewFrameError creates a new frame decode error.
func NewFrameError(kind Kind, offset int, field string, err error) *FrameError {
	return &FrameError{Kind: kind, Offset: offset, Field: field, Err: err}
}

// IsFrameError checks if an error is a FrameError.
func IsFrameError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}

// IdentityUnavailable is returned by ReadSerialNumber when the transport
// failed before an identity could be read.
type IdentityUnavailable struct {
	Port string
	Err  error
}

func (e *IdentityUnavailable) Error() string {
	return fmt.Sprintf("identity unavailable on %s: %v", e.Port, e.Err)
}

func (e *IdentityUnavailable) Unwrap() error {
	return e.Err
}

// NewIdentityUnavailable creates a new identity error.
func NewIdentityUnavailable(port string, err error) *IdentityUnavailable {
	return &IdentityUnavailable{Port: port, Err: err}
}

// DiscoveryError represents an error during device discovery operations.
type DiscoveryError struct {
	Op  string // operation being performed (e.g. "probe port", "phase 3 scan")
	Err error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("discovery %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("discovery %s failed", e.Op)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// NewDiscoveryError creates a new discovery error.
func NewDiscoveryError(op string, err error) *DiscoveryError {
	return &DiscoveryError{Op: op, Err: err}
}

// IsDiscoveryError checks if an error is a DiscoveryError.
func IsDiscoveryError(err error) bool {
	var de *DiscoveryError
	return errors.As(err, &de)
}

// StorageError represents an error during telemetry store operations.
type StorageError struct {
	Op       string // operation being performed (e.g. "insert_sample")
	DeviceID string
	Err      error
}

func (e *StorageError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("storage %s (device=%s): %v", e.Op, e.DeviceID, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s failed", e.Op)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new storage error.
func NewStorageError(op string, deviceID string, err error) *StorageError {
	return &StorageError{Op: op, DeviceID: deviceID, Err: err}
}

// IsStorageError checks if an error is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string
	Value string // may be redacted for sensitive fields
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// CommandError represents a failed device command execution.
type CommandError struct {
	InverterID string
	Action     string
	Err        error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s (inverter=%s): %v", e.Action, e.InverterID, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewCommandError creates a new command error.
func NewCommandError(inverterID, action string, err error) *CommandError {
	return &CommandError{InverterID: inverterID, Action: action, Err: err}
}

// IsCommandError checks if an error is a CommandError.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// BusError represents a message bus failure.
type BusError struct {
	Op    string // "publish" or "subscribe"
	Topic string
	Err   error
}

func (e *BusError) Error() string {
	return fmt.Sprintf("bus %s (topic=%s): %v", e.Op, e.Topic, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

// NewBusError creates a new bus error.
func NewBusError(op, topic string, err error) *BusError {
	return &BusError{Op: op, Topic: topic, Err: err}
}

// Sentinel errors for common conditions
var (
	// ErrDeviceNotFound indicates a device was not found
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceOffline indicates a device is offline or unreachable
	ErrDeviceOffline = errors.New("device offline")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("operation timeout")

	// ErrQueueFull indicates the command queue rejected an enqueue
	ErrQueueFull = errors.New("command queue full")

	// ErrQueueStopped indicates the command queue worker has exited
	ErrQueueStopped = errors.New("command queue stopped")

	// ErrCircuitBreakerOpen indicates the storage circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrPortInUse indicates a serial port is exclusively locked by the runtime
	ErrPortInUse = errors.New("port in use by runtime")

	// ErrPermanentlyDisabled indicates a device has exhausted its retries
	ErrPermanentlyDisabled = errors.New("device permanently disabled")

	// ErrNoAdapterAvailable indicates every member of a failover chain failed
	ErrNoAdapterAvailable = errors.New("no adapter available")
)

// As is a convenience re-export of errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is a convenience re-export of errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
