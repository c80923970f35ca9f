// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ConfigKV is a small persistent key-value file for runtime state that must
// survive restarts but does not belong in telemetry: scheduler dedup keys,
// last-applied register values, rollup watermarks.
type ConfigKV struct {
	mu     sync.Mutex
	path   string
	values map[string]kvEntry
}

type kvEntry struct {
	Value     string    `json:"value"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewConfigKV loads or creates the KV file.
func NewConfigKV(path string) (*ConfigKV, error) {
	kv := &ConfigKV{path: path, values: make(map[string]kvEntry)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return kv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config kv file: %w", err)
	}
	if err := json.Unmarshal(data, &kv.values); err != nil {
		// State here is advisory; a corrupt file just means re-deriving it.
		kv.values = make(map[string]kvEntry)
	}
	return kv, nil
}

// Get returns the stored value, empty when unset.
func (kv *ConfigKV) Get(key string) (string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.values[key].Value, nil
}

// Set stores a value and saves immediately.
func (kv *ConfigKV) Set(key, value, source string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.values[key] = kvEntry{Value: value, Source: source, UpdatedAt: time.Now()}
	return kv.saveLocked()
}

func (kv *ConfigKV) saveLocked() error {
	data, err := json.MarshalIndent(kv.values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config kv: %w", err)
	}
	if dir := filepath.Dir(kv.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config kv directory: %w", err)
		}
	}
	tmp := kv.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config kv: %w", err)
	}
	return os.Rename(tmp, kv.path)
}
