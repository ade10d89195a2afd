package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harmonia-app/chatcore/internal/config"
	"github.com/harmonia-app/chatcore/internal/entitlement"
)

// snapshotTTL bounds how stale a cached entitlement snapshot may get before
// a fresh login must repopulate it.
const snapshotTTL = 24 * time.Hour

// SnapshotCache persists the per-session entitlement snapshot in Redis so a
// restarted client can render quota state while the authoritative fetch is
// in flight.
type SnapshotCache struct {
	Client *redis.Client
}

// NewSnapshotCache initializes the Redis client from config.
// Only Addr is mandatory, Password/DB are optional.
func NewSnapshotCache(cfg *config.Config) *SnapshotCache {
	opts := &redis.Options{
		Addr: cfg.Redis.Addr,
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	return &SnapshotCache{Client: redis.NewClient(opts)}
}

func (c *SnapshotCache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// KeyForSnapshot generates the Redis key for a user's entitlement snapshot.
func (c *SnapshotCache) KeyForSnapshot(userID string) string {
	return fmt.Sprintf("limits:snapshot:%s", userID)
}

// PutSnapshot overwrites the cached snapshot and refreshes its TTL.
func (c *SnapshotCache) PutSnapshot(ctx context.Context, userID string, rec *entitlement.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, c.KeyForSnapshot(userID), raw, snapshotTTL).Err()
}

// GetSnapshot returns the cached snapshot, or (nil, nil) on a cache miss.
func (c *SnapshotCache) GetSnapshot(ctx context.Context, userID string) (*entitlement.Record, error) {
	val, err := c.Client.Get(ctx, c.KeyForSnapshot(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil // cache miss
	} else if err != nil {
		return nil, err
	}
	// refresh TTL on access
	_ = c.Client.Expire(ctx, c.KeyForSnapshot(userID), snapshotTTL).Err()

	var rec entitlement.Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteSnapshot removes the cached snapshot, used on logout.
func (c *SnapshotCache) DeleteSnapshot(ctx context.Context, userID string) error {
	return c.Client.Del(ctx, c.KeyForSnapshot(userID)).Err()
}
