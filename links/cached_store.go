package links

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vaultdrop/vaultdrop/models"
	"github.com/vaultdrop/vaultdrop/utils"
)

const cacheKeyPrefix = "cache:link:"

// CachedStore is a Redis read-through decorator over a MetadataStore. Only the
// record payload is cached: everything in it except DownloadCount is immutable
// once issued, and the engine never trusts a cached count for quota decisions
// (ConsumeSlot always passes through to the inner store). Deletes invalidate
// before touching the inner store so a reclaimed token does not resurrect.
type CachedStore struct {
	inner MetadataStore
}

// NewCachedStore wraps inner with the Redis cache.
func NewCachedStore(inner MetadataStore) *CachedStore {
	return &CachedStore{inner: inner}
}

func (s *CachedStore) Get(ctx context.Context, token string) (*models.FileRecord, error) {
	key := cacheKeyPrefix + token
	if b, ok := utils.CacheGetBytes(key); ok {
		var rec models.FileRecord
		if err := json.Unmarshal(b, &rec); err == nil {
			return &rec, nil
		}
		utils.CacheDel(key)
	}

	rec, err := s.inner.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(rec); err == nil {
		// No point caching past the record's own lifetime.
		ttl := time.Until(rec.ExpiresAt())
		if ttl > time.Hour {
			ttl = time.Hour
		}
		if ttl > 0 {
			utils.CacheSetBytes(key, b, ttl)
		}
	}
	return rec, nil
}

func (s *CachedStore) Insert(ctx context.Context, rec *models.FileRecord) error {
	return s.inner.Insert(ctx, rec)
}

func (s *CachedStore) ConsumeSlot(ctx context.Context, token string) (bool, error) {
	return s.inner.ConsumeSlot(ctx, token)
}

func (s *CachedStore) Delete(ctx context.Context, token string) error {
	utils.CacheDel(cacheKeyPrefix + token)
	return s.inner.Delete(ctx, token)
}

func (s *CachedStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]models.FileRecord, error) {
	return s.inner.ListExpired(ctx, before, limit)
}
