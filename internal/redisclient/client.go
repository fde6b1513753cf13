package redisclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bingwa-sokoni/internal/models"

	"github.com/go-redis/redis/v8"
)

const (
	packagesCacheKey = "catalog:packages"
	packagesCacheTTL = 5 * time.Minute

	callbackMarkerTTL = 24 * time.Hour
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// CachePackages stores the active catalog for read-through listing
func (c *Client) CachePackages(ctx context.Context, category string, packages []models.Package) error {
	buf, err := json.Marshal(packages)
	if err != nil {
		return fmt.Errorf("marshal packages: %w", err)
	}
	return c.rdb.Set(ctx, catalogKey(category), buf, packagesCacheTTL).Err()
}

// GetCachedPackages returns the cached catalog, or (nil, nil) on a miss
func (c *Client) GetCachedPackages(ctx context.Context, category string) ([]models.Package, error) {
	raw, err := c.rdb.Get(ctx, catalogKey(category)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var packages []models.Package
	if err := json.Unmarshal(raw, &packages); err != nil {
		return nil, fmt.Errorf("unmarshal cached packages: %w", err)
	}
	return packages, nil
}

// InvalidatePackages drops all cached catalog entries after an admin write
func (c *Client) InvalidatePackages(ctx context.Context) error {
	keys, err := c.rdb.Keys(ctx, packagesCacheKey+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// MarkCallbackSeen records that a callback for the checkout request was
// observed. Returns false when a callback with the same id already arrived,
// letting the receiver short-circuit gateway retries cheaply.
func (c *Client) MarkCallbackSeen(ctx context.Context, checkoutRequestID string) (bool, error) {
	return c.rdb.SetNX(ctx, "callback:"+checkoutRequestID, "1", callbackMarkerTTL).Result()
}

// ClearCallbackSeen removes a callback marker after a failed reconciliation
// so the gateway's retry of the same callback is processed again.
func (c *Client) ClearCallbackSeen(ctx context.Context, checkoutRequestID string) error {
	return c.rdb.Del(ctx, "callback:"+checkoutRequestID).Err()
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, "lock:"+lockKey, "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, "lock:"+lockKey).Err()
}

func catalogKey(category string) string {
	if category == "" {
		return packagesCacheKey
	}
	return packagesCacheKey + ":" + category
}
