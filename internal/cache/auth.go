package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quill/quill/internal/model"
)

const (
	// authCachePrefix is the Redis key prefix for auth context cache.
	authCachePrefix = "auth:ctx:"
	// authKeyIndexPrefix maps an API key ID to the cache keys derived from it.
	authKeyIndexPrefix = "auth:key:"
	// authCacheTTL is the time-to-live for cached auth contexts.
	authCacheTTL = 5 * time.Minute
)

// CachedAuthContext represents auth context stored in Redis.
type CachedAuthContext struct {
	KeyID     string   `json:"key_id"`
	KeyPrefix string   `json:"key_prefix"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
}

// GetAuthContext retrieves a cached auth context by cache key.
// Returns nil if not found (cache miss).
func (c *Cache) GetAuthContext(ctx context.Context, cacheKey string) (*model.AuthContext, error) {
	data, err := c.client.Get(ctx, authCachePrefix+cacheKey).Bytes()
	if err != nil {
		// Cache miss is not an error
		return nil, nil //nolint:nilerr
	}

	var cached CachedAuthContext
	if err := json.Unmarshal(data, &cached); err != nil {
		// Corrupted cache entry - treat as miss
		return nil, nil //nolint:nilerr
	}

	return &model.AuthContext{
		KeyID:     cached.KeyID,
		KeyPrefix: cached.KeyPrefix,
		UserID:    cached.UserID,
		Scopes:    cached.Scopes,
	}, nil
}

// SetAuthContext caches an auth context and records the cache key against
// the API key ID so revocation can find it.
func (c *Cache) SetAuthContext(ctx context.Context, cacheKey string, auth *model.AuthContext) error {
	cached := CachedAuthContext{
		KeyID:     auth.KeyID,
		KeyPrefix: auth.KeyPrefix,
		UserID:    auth.UserID,
		Scopes:    auth.Scopes,
	}

	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("marshal auth context: %w", err)
	}

	indexKey := authKeyIndexPrefix + auth.KeyID
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, authCachePrefix+cacheKey, data, authCacheTTL)
	pipe.SAdd(ctx, indexKey, cacheKey)
	pipe.Expire(ctx, indexKey, authCacheTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// InvalidateAPIKey drops every cached auth context derived from keyID.
// Called when a key is revoked.
func (c *Cache) InvalidateAPIKey(ctx context.Context, keyID string) error {
	indexKey := authKeyIndexPrefix + keyID

	cacheKeys, err := c.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("load auth cache index: %w", err)
	}

	keys := make([]string, 0, len(cacheKeys)+1)
	for _, k := range cacheKeys {
		keys = append(keys, authCachePrefix+k)
	}
	keys = append(keys, indexKey)

	return c.client.Del(ctx, keys...).Err()
}
