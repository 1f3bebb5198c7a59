package token

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/carebridge/triage/internal/config"
)

// Cache is an optional Redis lookaside mapping token hashes to case IDs with
// the token's TTL. The case store stays authoritative; a nil cache is a valid,
// inert instance and every method tolerates it.
type Cache struct {
	rdb *redis.Client
}

// NewCache connects the token cache. An empty address disables caching.
func NewCache(cfg config.RedisConfig) *Cache {
	if cfg.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Cache{rdb: rdb}
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}

func cacheKey(hash string) string { return "triage:esc:" + hash }

// Put records a freshly minted token hash until its expiry.
func (c *Cache) Put(ctx context.Context, hash, caseID string, expiresAt time.Time) {
	if c == nil {
		return
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(hash), caseID, ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("token cache put failed")
	}
}

// Lookup resolves a token hash to its case ID. A miss or error returns false;
// callers fall through to the store.
func (c *Cache) Lookup(ctx context.Context, hash string) (string, bool) {
	if c == nil {
		return "", false
	}
	caseID, err := c.rdb.Get(ctx, cacheKey(hash)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Msg("token cache lookup failed")
		}
		return "", false
	}
	return caseID, true
}

// Invalidate drops a token hash on revocation or re-mint.
func (c *Cache) Invalidate(ctx context.Context, hash string) {
	if c == nil || hash == "" {
		return
	}
	if err := c.rdb.Del(ctx, cacheKey(hash)).Err(); err != nil {
		log.Warn().Err(err).Msg("token cache invalidate failed")
	}
}
