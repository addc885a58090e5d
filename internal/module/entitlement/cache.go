package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SnapshotCache stores entitlement snapshots with a freshness window. A
// snapshot past the window is still returned, flagged stale, so the caller
// can fall back to it when revalidation fails.
type SnapshotCache interface {
	// Get returns the cached snapshot and whether it is still fresh. A miss
	// returns (nil, false, nil).
	Get(ctx context.Context, userID uuid.UUID) (*Snapshot, bool, error)
	Set(ctx context.Context, snapshot *Snapshot) error
	// Invalidate drops the snapshot, forcing the next read to rebuild.
	Invalidate(ctx context.Context, userID uuid.UUID) error
}

// redisCache keeps snapshots in Redis well past their freshness window, so a
// stale copy survives long enough to serve as the last known-good value.
type redisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// staleRetention bounds how long a stale snapshot is kept around as a
// fallback before Redis drops it.
const staleRetention = 24 * time.Hour

// NewRedisCache creates a Redis-backed snapshot cache. ttl is the freshness
// window after which a snapshot must be revalidated.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration) SnapshotCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &redisCache{
		client: client,
		prefix: "entitlement:",
		ttl:    ttl,
		now:    time.Now,
	}
}

func (c *redisCache) Get(ctx context.Context, userID uuid.UUID) (*Snapshot, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+userID.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get entitlement snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, false, fmt.Errorf("unmarshal entitlement snapshot: %w", err)
	}

	fresh := c.now().Sub(snapshot.CachedAt) < c.ttl
	return &snapshot, fresh, nil
}

func (c *redisCache) Set(ctx context.Context, snapshot *Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal entitlement snapshot: %w", err)
	}
	err = c.client.Set(ctx, c.prefix+snapshot.UserID.String(), data, staleRetention).Err()
	if err != nil {
		return fmt.Errorf("set entitlement snapshot: %w", err)
	}
	return nil
}

func (c *redisCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if err := c.client.Del(ctx, c.prefix+userID.String()).Err(); err != nil {
		return fmt.Errorf("invalidate entitlement snapshot: %w", err)
	}
	return nil
}
