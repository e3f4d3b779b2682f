package normalize

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/zw834675966/ems/internal/storage"
)

type countingProvider struct {
	mu    sync.Mutex
	calls int
	inner MappingProvider
}

func (p *countingProvider) FindMapping(ctx context.Context, tenantID, projectID, sourceID, address string) (*storage.PointMapping, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.inner.FindMapping(ctx, tenantID, projectID, sourceID, address)
}

func (p *countingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestCachedProviderReadThrough(t *testing.T) {
	counting := &countingProvider{inner: NewStoreProvider(seedStore())}
	cached, err := NewCachedProvider(counting, 16)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mapping, err := cached.FindMapping(ctx, "tenant-1", "project-1", "", "demo/topic")
		if err != nil {
			t.Fatalf("find %d: %v", i, err)
		}
		if mapping == nil || mapping.PointID != "point-1" {
			t.Fatalf("find %d: %+v", i, mapping)
		}
	}
	if got := counting.count(); got != 1 {
		t.Fatalf("expected one store load, got %d", got)
	}
}

func TestCachedProviderCachesNegatives(t *testing.T) {
	counting := &countingProvider{inner: NewStoreProvider(seedStore())}
	cached, err := NewCachedProvider(counting, 16)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		mapping, err := cached.FindMapping(ctx, "tenant-1", "project-1", "", "missing/addr")
		if err != nil {
			t.Fatalf("find %d: %v", i, err)
		}
		if mapping != nil {
			t.Fatalf("expected miss, got %+v", mapping)
		}
	}
	if got := counting.count(); got != 1 {
		t.Fatalf("expected one store load for the miss, got %d", got)
	}
}

func TestCachedProviderBumpInvalidates(t *testing.T) {
	store := seedStore()
	counting := &countingProvider{inner: NewStoreProvider(store)}
	cached, err := NewCachedProvider(counting, 16)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	ctx := context.Background()

	if _, err := cached.FindMapping(ctx, "tenant-1", "project-1", "", "demo/topic"); err != nil {
		t.Fatalf("warm: %v", err)
	}

	store.PutMapping(storage.PointMapping{
		TenantID:  "tenant-1",
		ProjectID: "project-1",
		Address:   "demo/topic",
		PointID:   "point-replaced",
	})
	cached.Bump("tenant-1", "project-1")

	mapping, err := cached.FindMapping(ctx, "tenant-1", "project-1", "", "demo/topic")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if mapping == nil || mapping.PointID != "point-replaced" {
		t.Fatalf("stale mapping after bump: %+v", mapping)
	}
	if got := counting.count(); got != 2 {
		t.Fatalf("expected reload after bump, got %d loads", got)
	}
}

func TestCachedProviderBumpIsScoped(t *testing.T) {
	counting := &countingProvider{inner: NewStoreProvider(seedStore())}
	cached, err := NewCachedProvider(counting, 16)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	ctx := context.Background()

	if _, err := cached.FindMapping(ctx, "tenant-1", "project-1", "", "demo/topic"); err != nil {
		t.Fatalf("warm: %v", err)
	}
	cached.Bump("tenant-1", "other-project")

	if _, err := cached.FindMapping(ctx, "tenant-1", "project-1", "", "demo/topic"); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := counting.count(); got != 1 {
		t.Fatalf("bump of another project must not invalidate, got %d loads", got)
	}
}

func TestCachedProviderBounded(t *testing.T) {
	counting := &countingProvider{inner: NewStoreProvider(seedStore())}
	cached, err := NewCachedProvider(counting, 4)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := cached.FindMapping(ctx, "tenant-1", "project-1", "", "addr/"+strconv.Itoa(i)); err != nil {
			t.Fatalf("find %d: %v", i, err)
		}
	}
	if got := cached.Len(); got > 4 {
		t.Fatalf("cache exceeded capacity: %d", got)
	}
}
