// Package queue implements the in-process stage scheduler: a bounded
// worker pool per pipeline stage and the TTL cache over persisted runtime
// settings that the pools consult on every admission decision.
package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/promptmesh/api/internal/apperr"
	"github.com/promptmesh/api/internal/model"
	"github.com/promptmesh/api/internal/store"
)

const DefaultCacheTTL = 30 * time.Second

// ConfigCache serves QueueRuntimeConfig to the pools. Reads within the TTL
// window come from memory; the admin update path writes through and
// force-refreshes so operators see the change without waiting out the TTL.
type ConfigCache struct {
	store    store.ConfigStore
	defaults map[model.Stage]model.QueueRuntimeConfig
	ttl      time.Duration

	mu          sync.RWMutex
	configs     map[model.Stage]model.QueueRuntimeConfig
	lastRefresh time.Time
}

func NewConfigCache(configStore store.ConfigStore, defaults map[model.Stage]model.QueueRuntimeConfig, ttl time.Duration) *ConfigCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ConfigCache{
		store:    configStore,
		defaults: defaults,
		ttl:      ttl,
		configs:  make(map[model.Stage]model.QueueRuntimeConfig),
	}
}

// EnsureDefaults writes a default row for every stage that has none, so
// GetConfig never has to special-case "never configured".
func (c *ConfigCache) EnsureDefaults(ctx context.Context) error {
	existing, err := c.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queue configs: %w", err)
	}

	seen := make(map[model.Stage]bool, len(existing))
	for _, cfg := range existing {
		seen[cfg.Stage] = true
	}
	for _, stage := range model.ValidStages {
		if seen[stage] {
			continue
		}
		def, ok := c.defaults[stage]
		if !ok {
			continue
		}
		if _, err := c.store.Upsert(ctx, def); err != nil {
			return fmt.Errorf("failed to seed config for stage %s: %w", stage, err)
		}
		log.Printf("Seeded default queue config for stage %s", stage)
	}

	return c.ForceRefresh(ctx)
}

// GetConfig returns the current settings for a stage. It never fails: if
// the store is unreachable or the row is missing it falls back to the
// hardcoded defaults and logs a warning.
func (c *ConfigCache) GetConfig(ctx context.Context, stage model.Stage) model.QueueRuntimeConfig {
	c.refreshIfStale(ctx)

	c.mu.RLock()
	cfg, ok := c.configs[stage]
	c.mu.RUnlock()
	if ok {
		return cfg
	}

	log.Printf("Warning: no runtime config for stage %s, using defaults", stage)
	if def, ok := c.defaults[stage]; ok {
		return def
	}
	return model.QueueRuntimeConfig{
		Stage:          stage,
		MaxConcurrency: 1,
		JobTimeout:     10 * time.Minute,
		MaxRetries:     3,
		RetryBaseDelay: 5 * time.Second,
		RetryMaxDelay:  2 * time.Minute,
	}
}

// ForceRefresh synchronously reloads every stage from the store.
func (c *ConfigCache) ForceRefresh(ctx context.Context) error {
	configs, err := c.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh queue configs: %w", err)
	}

	fresh := make(map[model.Stage]model.QueueRuntimeConfig, len(configs))
	for _, cfg := range configs {
		fresh[cfg.Stage] = cfg
	}

	c.mu.Lock()
	c.configs = fresh
	c.lastRefresh = time.Now()
	c.mu.Unlock()
	return nil
}

// UpdateConfig validates and writes a patch through to the store, then
// refreshes so in-flight pools observe the change on their next admission.
func (c *ConfigCache) UpdateConfig(ctx context.Context, stage model.Stage, patch *model.QueueConfigPatch) (*model.QueueRuntimeConfig, error) {
	current := c.GetConfig(ctx, stage)
	patch.Apply(&current)

	if current.MaxConcurrency < 1 {
		return nil, apperr.Validation("maxConcurrency must be at least 1")
	}
	if current.JobTimeout <= 0 {
		return nil, apperr.Validation("jobTimeout must be positive")
	}
	if current.RetryBaseDelay > current.RetryMaxDelay {
		return nil, apperr.Validation("retryBaseDelay must not exceed retryMaxDelay")
	}

	updated, err := c.store.Upsert(ctx, current)
	if err != nil {
		return nil, fmt.Errorf("failed to persist config for stage %s: %w", stage, err)
	}
	if err := c.ForceRefresh(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func (c *ConfigCache) refreshIfStale(ctx context.Context) {
	c.mu.RLock()
	stale := time.Since(c.lastRefresh) >= c.ttl
	c.mu.RUnlock()
	if !stale {
		return
	}
	if err := c.ForceRefresh(ctx); err != nil {
		log.Printf("Warning: queue config refresh failed, serving cached values: %v", err)
		// Push the next attempt out a full TTL so a down store is not
		// hammered on every GetConfig call.
		c.mu.Lock()
		c.lastRefresh = time.Now()
		c.mu.Unlock()
	}
}

// CalculateRetryDelay returns min(base * 2^attempt, max) for attempt ≥ 0.
// Pure so retry policies can be unit-tested apart from any scheduler.
func CalculateRetryDelay(attempt int, cfg model.QueueRuntimeConfig) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := cfg.RetryBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.RetryMaxDelay {
			return cfg.RetryMaxDelay
		}
	}
	if delay > cfg.RetryMaxDelay {
		return cfg.RetryMaxDelay
	}
	return delay
}
