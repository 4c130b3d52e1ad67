package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/ward/internal/domain"
)

// DefaultSnapshotTTL bounds how stale a cached ledger object may be.
const DefaultSnapshotTTL = 30 * time.Second

// SnapshotCache implements domain.SnapshotCache with JSON values under
// "<prefix>vault:<id>" and "<prefix>broker:<id>", each with a TTL.
type SnapshotCache struct {
	c   *Client
	ttl time.Duration
}

// NewSnapshotCache creates a SnapshotCache. A non-positive ttl uses
// DefaultSnapshotTTL.
func NewSnapshotCache(c *Client, ttl time.Duration) *SnapshotCache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &SnapshotCache{c: c, ttl: ttl}
}

// SetVault caches a vault snapshot.
func (sc *SnapshotCache) SetVault(ctx context.Context, v domain.Vault) error {
	return sc.set(ctx, sc.c.key("vault", v.ID), v)
}

// GetVault returns a cached vault or domain.ErrNotFound.
func (sc *SnapshotCache) GetVault(ctx context.Context, id string) (domain.Vault, error) {
	var v domain.Vault
	if err := sc.get(ctx, sc.c.key("vault", id), &v); err != nil {
		return domain.Vault{}, fmt.Errorf("redis: get vault %s: %w", id, err)
	}
	return v, nil
}

// SetLoanBroker caches a loan broker snapshot.
func (sc *SnapshotCache) SetLoanBroker(ctx context.Context, b domain.LoanBroker) error {
	return sc.set(ctx, sc.c.key("broker", b.ID), b)
}

// GetLoanBroker returns a cached broker or domain.ErrNotFound.
func (sc *SnapshotCache) GetLoanBroker(ctx context.Context, id string) (domain.LoanBroker, error) {
	var b domain.LoanBroker
	if err := sc.get(ctx, sc.c.key("broker", id), &b); err != nil {
		return domain.LoanBroker{}, fmt.Errorf("redis: get broker %s: %w", id, err)
	}
	return b, nil
}

// Invalidate drops any cached vault or broker with this id.
func (sc *SnapshotCache) Invalidate(ctx context.Context, id string) error {
	if err := sc.c.rdb.Del(ctx, sc.c.key("vault", id), sc.c.key("broker", id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate %s: %w", id, err)
	}
	return nil
}

func (sc *SnapshotCache) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", key, err)
	}
	if err := sc.c.rdb.Set(ctx, key, data, sc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func (sc *SnapshotCache) get(ctx context.Context, key string, dst any) error {
	data, err := sc.c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

var _ domain.SnapshotCache = (*SnapshotCache)(nil)
