package contentstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	contentCacheKeyPrefix = "roundledger:content:"
	defaultCacheTTL       = 24 * time.Hour
)

type CacheConfig struct {
	Addr string
	TTL  time.Duration
}

// Cached is a read-through redis cache in front of a Store. Content ids are
// derived from the bytes they name, so entries never need invalidation.
type Cached struct {
	Store
	cache  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCached wraps base. With an empty address the cache is disabled and calls go straight to base.
func NewCached(ctx context.Context, base Store, cfg CacheConfig, logger *zap.Logger) (*Cached, error) {
	if base == nil {
		return nil, errors.New("base store is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return &Cached{Store: base, logger: logger}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newCached(base, client, cfg.TTL, logger), nil
}

func newCached(base Store, client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cached {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cached{Store: base, cache: client, ttl: ttl, logger: logger}
}

func (c *Cached) Put(ctx context.Context, name string, data []byte) (string, error) {
	id, err := c.Store.Put(ctx, name, data)
	if err != nil {
		return "", err
	}
	if c.cache != nil {
		if err := c.cache.Set(ctx, contentCacheKeyPrefix+id, data, c.ttl).Err(); err != nil {
			c.logger.Debug("Failed to warm content cache", zap.String("cid", id), zap.Error(err))
		}
	}
	return id, nil
}

func (c *Cached) Get(ctx context.Context, id string) ([]byte, error) {
	if c.cache == nil {
		return c.Store.Get(ctx, id)
	}
	key := contentCacheKeyPrefix + id
	if cached, err := c.cache.Get(ctx, key).Bytes(); err == nil {
		return cached, nil
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Debug("Content cache unavailable", zap.String("cid", id), zap.Error(err))
	}

	data, err := c.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Set(ctx, key, data, c.ttl).Err()
	return data, nil
}

func (c *Cached) Close() error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Close()
}
