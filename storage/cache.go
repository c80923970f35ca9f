// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soothill/solar-energy-hub/pkg/logger"
)

const (
	defaultCacheDir = "/var/cache/solar-energy-hub"
	cacheFilePrefix = "cache_"
	cacheFileExt    = ".json"
	defaultMaxSize  = 100 * 1024 * 1024 // 100 MB
	defaultMaxAge   = 24 * time.Hour
	replayBatchSize = 100
)

// LocalCache journals line-protocol records to disk while InfluxDB is
// unreachable, then replays them once it recovers. Telemetry gathered
// during an outage is not lost.
type LocalCache struct {
	cacheDir string
	maxSize  int64
	maxAge   time.Duration

	mu          sync.Mutex
	currentSize int64
}

// cachedBatch is one cache file: a set of line-protocol records.
type cachedBatch struct {
	BatchID  string    `json:"batch_id"`
	CachedAt time.Time `json:"cached_at"`
	Records  []string  `json:"records"`
}

// NewLocalCache creates the cache directory and prunes stale files.
func NewLocalCache(cacheDir string, maxSize int64, maxAge time.Duration) (*LocalCache, error) {
	if cacheDir == "" {
		cacheDir = defaultCacheDir
	}
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &LocalCache{cacheDir: cacheDir, maxSize: maxSize, maxAge: maxAge}
	if err := c.updateCurrentSize(); err != nil {
		logger.Warn().Err(err).Msg("Failed to calculate initial cache size")
	}
	if err := c.CleanupOld(); err != nil {
		logger.Warn().Err(err).Msg("Failed to cleanup old cache files")
	}
	return c, nil
}

// Store journals records that failed to reach the database.
func (c *LocalCache) Store(records []string) error {
	if len(records) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentSize >= c.maxSize {
		logger.Warn().Int64("size", c.currentSize).Msg("Cache full, dropping oldest batch")
		if err := c.dropOldestLocked(); err != nil {
			return err
		}
	}

	batch := cachedBatch{
		BatchID:  uuid.NewString(),
		CachedAt: time.Now(),
		Records:  records,
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal cache batch: %w", err)
	}

	name := fmt.Sprintf("%s%d_%s%s", cacheFilePrefix, time.Now().UnixNano(), batch.BatchID[:8], cacheFileExt)
	path := filepath.Join(c.cacheDir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	c.currentSize += int64(len(data))
	logger.Debug().Int("records", len(records)).Str("file", name).Msg("Telemetry cached to disk")
	return nil
}

// Replay hands cached batches to the writer oldest-first, deleting each file
// once its records land. Stops at the first write failure.
func (c *LocalCache) Replay(write func(records []string) error) (int, error) {
	c.mu.Lock()
	files, err := c.listFilesLocked()
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("Unreadable cache file, removing")
			_ = os.Remove(path)
			continue
		}
		var batch cachedBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			logger.Warn().Err(err).Str("file", path).Msg("Corrupt cache file, removing")
			_ = os.Remove(path)
			continue
		}

		for start := 0; start < len(batch.Records); start += replayBatchSize {
			end := start + replayBatchSize
			if end > len(batch.Records) {
				end = len(batch.Records)
			}
			if err := write(batch.Records[start:end]); err != nil {
				return replayed, err
			}
			replayed += end - start
		}

		c.mu.Lock()
		if err := os.Remove(path); err == nil {
			c.currentSize -= int64(len(data))
		}
		c.mu.Unlock()
	}
	return replayed, nil
}

// HasPending reports whether any batches await replay.
func (c *LocalCache) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	files, err := c.listFilesLocked()
	return err == nil && len(files) > 0
}

// CleanupOld removes batches past the maximum age.
func (c *LocalCache) CleanupOld() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	files, err := c.listFilesLocked()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-c.maxAge)
	removed := 0
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				c.currentSize -= info.Size()
				removed++
			}
		}
	}
	if removed > 0 {
		logger.Info().Int("removed", removed).Msg("Expired cache files removed")
	}
	return nil
}

// listFilesLocked returns cache file paths sorted oldest-first by the
// timestamp embedded in the name.
func (c *LocalCache) listFilesLocked() ([]string, error) {
	entries, err := os.ReadDir(c.cacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || len(name) < len(cacheFilePrefix) || name[:len(cacheFilePrefix)] != cacheFilePrefix {
			continue
		}
		files = append(files, filepath.Join(c.cacheDir, name))
	}
	sort.Strings(files)
	return files, nil
}

func (c *LocalCache) dropOldestLocked() error {
	files, err := c.listFilesLocked()
	if err != nil || len(files) == 0 {
		return err
	}
	info, statErr := os.Stat(files[0])
	if err := os.Remove(files[0]); err != nil {
		return fmt.Errorf("failed to drop oldest cache file: %w", err)
	}
	if statErr == nil {
		c.currentSize -= info.Size()
	}
	return nil
}

func (c *LocalCache) updateCurrentSize() error {
	files, err := c.listFilesLocked()
	if err != nil {
		return err
	}
	var total int64
	for _, path := range files {
		if info, err := os.Stat(path); err == nil {
			total += info.Size()
		}
	}
	c.currentSize = total
	return nil
}
