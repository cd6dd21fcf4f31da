package archive

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/arkhaul/arkhaul/internal/cache"
	"github.com/arkhaul/arkhaul/pkg/models"
)

const itemTTL = 5 * time.Minute

// CachedClient wraps a Client with a Redis-backed metadata cache. Cache
// failures are non-fatal: a miss or a broken cache falls through to the
// underlying client.
type CachedClient struct {
	inner Client
	cache cache.Cache
}

func NewCachedClient(inner Client, c cache.Cache) *CachedClient {
	return &CachedClient{inner: inner, cache: c}
}

func (c *CachedClient) GetItem(ctx context.Context, identifier string) (*models.Item, error) {
	key := cache.ItemKey(identifier)

	if data, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		var item models.Item
		if err := json.Unmarshal(data, &item); err == nil {
			return &item, nil
		}
		// Corrupt entry; drop it and refetch.
		_ = c.cache.Delete(ctx, key)
	}

	item, err := c.inner.GetItem(ctx, identifier)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(item); err == nil {
		if err := c.cache.Set(ctx, key, data, itemTTL); err != nil {
			slog.Warn("caching archive item failed", "identifier", identifier, "error", err)
		}
	}
	return item, nil
}
