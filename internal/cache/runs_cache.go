package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"newsreel/internal/telemetry"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// RunsCache bounds the cost of rebuilding run listings and details. Keys are
// namespaced by tenant storage prefix; every mutation invalidates by deletion,
// never by in-place update, so a stale partial write can never be served.
type RunsCache struct {
	client    *redis.Client
	listTTL   time.Duration
	detailTTL time.Duration
}

// New builds the cache over a redis client.
func New(client *redis.Client, listTTL, detailTTL time.Duration) *RunsCache {
	if listTTL <= 0 {
		listTTL = 30 * time.Minute
	}
	if detailTTL <= 0 {
		detailTTL = 15 * time.Minute
	}
	return &RunsCache{client: client, listTTL: listTTL, detailTTL: detailTTL}
}

func listKey(tenantPrefix string) string {
	return "runs_list:" + tenantPrefix
}

func runKey(tenantPrefix, runID string) string {
	return fmt.Sprintf("run:%s:%s", tenantPrefix, runID)
}

// GetList reads the cached run listing for a tenant into v.
func (c *RunsCache) GetList(ctx context.Context, tenantPrefix string, v any) error {
	return c.get(ctx, listKey(tenantPrefix), v)
}

// SetList caches a tenant's run listing.
func (c *RunsCache) SetList(ctx context.Context, tenantPrefix string, v any) error {
	return c.set(ctx, listKey(tenantPrefix), v, c.listTTL)
}

// GetRun reads a cached run detail into v.
func (c *RunsCache) GetRun(ctx context.Context, tenantPrefix, runID string, v any) error {
	return c.get(ctx, runKey(tenantPrefix, runID), v)
}

// SetRun caches one run's detail.
func (c *RunsCache) SetRun(ctx context.Context, tenantPrefix, runID string, v any) error {
	return c.set(ctx, runKey(tenantPrefix, runID), v, c.detailTTL)
}

// InvalidateRun drops both the per-run entry and the tenant's list entry.
// Called after every mutating operation on a run.
func (c *RunsCache) InvalidateRun(ctx context.Context, tenantPrefix, runID string) error {
	pipe := c.client.Pipeline()
	pipe.Del(ctx, runKey(tenantPrefix, runID))
	pipe.Del(ctx, listKey(tenantPrefix))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("invalidate %s/%s: %w", tenantPrefix, runID, err)
	}
	return nil
}

func (c *RunsCache) get(ctx context.Context, key string, v any) error {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		telemetry.CacheMisses.Inc()
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		// A malformed entry is treated as a miss so it gets rebuilt.
		telemetry.CacheMisses.Inc()
		return ErrMiss
	}
	telemetry.CacheHits.Inc()
	return nil
}

func (c *RunsCache) set(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}
