package normalize

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/zw834675966/ems/internal/storage"
)

// CachedProvider is a bounded read-through cache in front of a mapping
// provider. Loads for the same key are coalesced; Bump invalidates a whole
// (tenant, project) at once.
type CachedProvider struct {
	inner    MappingProvider
	capacity int

	mu          sync.Mutex
	entries     map[string]*list.Element
	order       *list.List
	generations map[string]uint64

	group singleflight.Group
}

type cacheEntry struct {
	key        string
	generation uint64
	mapping    *storage.PointMapping
}

// NewCachedProvider wraps the provider with an LRU of the given capacity.
func NewCachedProvider(inner MappingProvider, capacity int) (*CachedProvider, error) {
	if inner == nil {
		return nil, errors.New("normalize: nil inner provider")
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &CachedProvider{
		inner:       inner,
		capacity:    capacity,
		entries:     make(map[string]*list.Element),
		order:       list.New(),
		generations: make(map[string]uint64),
	}, nil
}

func cacheKey(tenantID, projectID, sourceID, address string) string {
	return fmt.Sprintf("%s/%s/%s/%s", tenantID, projectID, sourceID, address)
}

func scopeKey(tenantID, projectID string) string {
	return tenantID + "/" + projectID
}

// FindMapping serves from cache, loading through the inner provider on a
// miss. Negative results are cached too.
func (c *CachedProvider) FindMapping(ctx context.Context, tenantID, projectID, sourceID, address string) (*storage.PointMapping, error) {
	key := cacheKey(tenantID, projectID, sourceID, address)
	scope := scopeKey(tenantID, projectID)

	c.mu.Lock()
	generation := c.generations[scope]
	if element, ok := c.entries[key]; ok {
		entry := element.Value.(*cacheEntry)
		if entry.generation == generation {
			c.order.MoveToFront(element)
			mapping := entry.mapping
			c.mu.Unlock()
			return mapping, nil
		}
		// Stale generation: drop the entry and reload.
		c.order.Remove(element)
		delete(c.entries, key)
	}
	c.mu.Unlock()

	result, err, _ := c.group.Do(key, func() (any, error) {
		mapping, err := c.inner.FindMapping(ctx, tenantID, projectID, sourceID, address)
		if err != nil {
			return nil, err
		}
		c.store(key, scope, generation, mapping)
		return mapping, nil
	})
	if err != nil {
		return nil, err
	}
	mapping, _ := result.(*storage.PointMapping)
	return mapping, nil
}

func (c *CachedProvider) store(key, scope string, generation uint64, mapping *storage.PointMapping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[scope] != generation {
		return
	}
	if element, ok := c.entries[key]; ok {
		element.Value.(*cacheEntry).mapping = mapping
		c.order.MoveToFront(element)
		return
	}
	element := c.order.PushFront(&cacheEntry{key: key, generation: generation, mapping: mapping})
	c.entries[key] = element
	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Bump invalidates every cached entry of the tenant's project. Called by
// the CRUD surface after mutating mappings.
func (c *CachedProvider) Bump(tenantID, projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[scopeKey(tenantID, projectID)]++
}

// Len returns the number of cached entries. Test helper.
func (c *CachedProvider) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
