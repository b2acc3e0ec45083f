package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/DataBiosphere/bond/core"
)

const linkCacheKeyPrefix = "bond::link::v1"

// CachedLinkStore is a read-through decorator over a LinkStore. Writes go
// to the base store first and then invalidate, so a stale read window only
// spans the cache service's own TTL.
type CachedLinkStore struct {
	base  core.LinkStore
	cache repositorycache.CacheService
}

func NewCachedLinkStore(base core.LinkStore, cacheService repositorycache.CacheService) (*CachedLinkStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base link store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: link cache service is required")
	}
	return &CachedLinkStore{base: base, cache: cacheService}, nil
}

// LinkCacheKey returns the deterministic cache key contract for link
// reads: bond::link::v1::<provider>::<subject> with each segment
// URL-path escaped.
func LinkCacheKey(key core.LinkKey) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	segments := []string{
		url.PathEscape(strings.TrimSpace(key.Provider)),
		url.PathEscape(strings.TrimSpace(key.SubjectID)),
	}
	return strings.Join(append([]string{linkCacheKeyPrefix}, segments...), "::"), nil
}

type cachedLink struct {
	Record core.LinkRecord
	Found  bool
}

func (s *CachedLinkStore) Get(ctx context.Context, key core.LinkKey) (core.LinkRecord, bool, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.LinkRecord{}, false, fmt.Errorf("sqlstore: cached link store is not configured")
	}
	cacheKey, err := LinkCacheKey(key)
	if err != nil {
		return core.LinkRecord{}, false, err
	}

	cached, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (cachedLink, error) {
		record, found, fetchErr := s.base.Get(ctx, key)
		if fetchErr != nil {
			return cachedLink{}, fetchErr
		}
		return cachedLink{Record: record, Found: found}, nil
	})
	if err != nil {
		return core.LinkRecord{}, false, err
	}
	return cached.Record, cached.Found, nil
}

func (s *CachedLinkStore) Upsert(ctx context.Context, record core.LinkRecord) (core.LinkRecord, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.LinkRecord{}, fmt.Errorf("sqlstore: cached link store is not configured")
	}
	saved, err := s.base.Upsert(ctx, record)
	if err != nil {
		return core.LinkRecord{}, err
	}
	s.invalidate(ctx, record.Key())
	return saved, nil
}

func (s *CachedLinkStore) Delete(ctx context.Context, key core.LinkKey) error {
	if s == nil || s.base == nil || s.cache == nil {
		return fmt.Errorf("sqlstore: cached link store is not configured")
	}
	if err := s.base.Delete(ctx, key); err != nil {
		return err
	}
	s.invalidate(ctx, key)
	return nil
}

func (s *CachedLinkStore) invalidate(ctx context.Context, key core.LinkKey) {
	cacheKey, err := LinkCacheKey(key)
	if err != nil {
		return
	}
	_ = s.cache.Delete(ctx, cacheKey)
}
