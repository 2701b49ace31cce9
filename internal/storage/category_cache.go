package storage

import (
	"context"
	"time"

	"rimborsi/internal/cache"
	"rimborsi/internal/core"
)

// CategoryReader is the read side of CategoryStore.
type CategoryReader interface {
	FindCategory(ctx context.Context, id string) (*core.Category, error)
	ListCategories(ctx context.Context) ([]core.Category, error)
}

// CachedCategoryReader memoizes category lookups. Categories change rarely and
// are read once per row when building reports.
type CachedCategoryReader struct {
	next  CategoryReader
	cache *cache.LRUCache[core.Category]
}

func NewCachedCategoryReader(next CategoryReader, size int, ttl time.Duration) *CachedCategoryReader {
	return &CachedCategoryReader{next: next, cache: cache.NewLRUCache[core.Category](size, ttl)}
}

// Cache exposes the underlying cache so it can be registered with a cache.Manager.
func (c *CachedCategoryReader) Cache() *cache.LRUCache[core.Category] {
	return c.cache
}

func (c *CachedCategoryReader) FindCategory(ctx context.Context, id string) (*core.Category, error) {
	if cat, ok := c.cache.Get(id); ok {
		return &cat, nil
	}
	cat, err := c.next.FindCategory(ctx, id)
	if err != nil || cat == nil {
		return cat, err
	}
	c.cache.Set(id, *cat)
	return cat, nil
}

// ListCategories always reads through and refreshes the cache.
func (c *CachedCategoryReader) ListCategories(ctx context.Context) ([]core.Category, error) {
	cats, err := c.next.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	for _, cat := range cats {
		c.cache.Set(cat.ID, cat)
	}
	return cats, nil
}
