package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// CacheTTL is the default time-to-live for a cached resolved level.
	CacheTTL = 300 * time.Second

	// CachePrefix is the key prefix for cached permission entries in Valkey.
	CachePrefix = "perms"

	// InvalidateChannel is the pub/sub channel used to invalidate cached entries across processes.
	InvalidateChannel = "inkwell.permission.invalidate"

	scanBatchSize = 100
)

func cacheKey(account, owner, permlink string) string {
	return CachePrefix + ":" + owner + ":" + permlink + ":" + account
}

func documentCachePattern(owner, permlink string) string {
	return CachePrefix + ":" + owner + ":" + permlink + ":*"
}

// Cache provides get/set/delete operations for resolved permission levels.
type Cache interface {
	Get(ctx context.Context, account, owner, permlink string) (Level, bool, error)
	Set(ctx context.Context, account, owner, permlink string, level Level) error
	DeleteExact(ctx context.Context, account, owner, permlink string) error
	DeleteByDocument(ctx context.Context, owner, permlink string) error
}

// ValkeyCache implements Cache using Valkey/Redis.
type ValkeyCache struct {
	client *redis.Client
}

// NewValkeyCache creates a new Valkey-backed permission cache.
func NewValkeyCache(client *redis.Client) *ValkeyCache {
	return &ValkeyCache{client: client}
}

func (c *ValkeyCache) Get(ctx context.Context, account, owner, permlink string) (Level, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(account, owner, permlink)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("permission cache: get: %w", err)
	}
	return Level(val), true, nil
}

func (c *ValkeyCache) Set(ctx context.Context, account, owner, permlink string, level Level) error {
	err := c.client.Set(ctx, cacheKey(account, owner, permlink), string(level), CacheTTL).Err()
	if err != nil {
		return fmt.Errorf("permission cache: set: %w", err)
	}
	return nil
}

func (c *ValkeyCache) DeleteExact(ctx context.Context, account, owner, permlink string) error {
	return c.client.Del(ctx, cacheKey(account, owner, permlink)).Err()
}

// DeleteByDocument evicts every cached account's level for (owner, permlink), used when the
// document's public flag changes or it is deleted entirely.
func (c *ValkeyCache) DeleteByDocument(ctx context.Context, owner, permlink string) error {
	pattern := documentCachePattern(owner, permlink)
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("permission cache: scan %q: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("permission cache: delete keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}
