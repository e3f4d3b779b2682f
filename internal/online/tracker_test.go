package online

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storage"
	"github.com/zw834675966/ems/internal/storage/memory"
)

type logWriter struct{ t *testing.T }

func (w logWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func newTracker(t *testing.T, masterdata *memory.MasterdataStore, store storage.OnlineStore) *Tracker {
	t.Helper()
	tracker, err := NewTracker(masterdata, masterdata, store, log.New(logWriter{t}, "", 0))
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	return tracker
}

func seedHierarchy(masterdata *memory.MasterdataStore) {
	masterdata.PutPoint(storage.Point{
		TenantID: "tenant-1", ProjectID: "project-1", PointID: "point-1", DeviceID: "device-1",
	})
	masterdata.PutDevice(storage.Device{
		TenantID: "tenant-1", ProjectID: "project-1", DeviceID: "device-1", GatewayID: "gw-1",
	})
}

func TestTouchForPointRefreshesDeviceAndGateway(t *testing.T) {
	masterdata := memory.NewMasterdataStore()
	seedHierarchy(masterdata)
	store := memory.NewOnlineStore(60 * time.Second)
	tracker := newTracker(t, masterdata, store)

	ctx := context.Background()
	tctx := domain.SystemContext("tenant-1", "project-1")
	tracker.TouchForPoint(ctx, tctx, "project-1", "point-1", 1_700_000_000_000)

	online, err := tracker.IsDeviceOnline(ctx, tctx, "project-1", "device-1")
	if err != nil || !online {
		t.Fatalf("device online: %t, %v", online, err)
	}
	online, err = tracker.IsGatewayOnline(ctx, tctx, "project-1", "gw-1")
	if err != nil || !online {
		t.Fatalf("gateway online: %t, %v", online, err)
	}
}

func TestTouchForPointUnknownPointIsBestEffort(t *testing.T) {
	masterdata := memory.NewMasterdataStore()
	store := memory.NewOnlineStore(60 * time.Second)
	tracker := newTracker(t, masterdata, store)

	// No panic, no error surfaced: online state is a hint.
	tracker.TouchForPoint(context.Background(), domain.SystemContext("tenant-1", "project-1"), "project-1", "ghost", 1)
}

func TestOnlineExpiresAfterTTL(t *testing.T) {
	masterdata := memory.NewMasterdataStore()
	seedHierarchy(masterdata)
	store := memory.NewOnlineStore(60 * time.Second)
	base := time.UnixMilli(1_700_000_000_000)
	now := base
	store.SetClock(func() time.Time { return now })
	tracker := newTracker(t, masterdata, store)

	ctx := context.Background()
	tctx := domain.SystemContext("tenant-1", "project-1")
	tracker.TouchForPoint(ctx, tctx, "project-1", "point-1", base.UnixMilli())

	now = base.Add(59 * time.Second)
	if online, _ := tracker.IsDeviceOnline(ctx, tctx, "project-1", "device-1"); !online {
		t.Fatal("device must be online inside the TTL window")
	}
	now = base.Add(61 * time.Second)
	if online, _ := tracker.IsDeviceOnline(ctx, tctx, "project-1", "device-1"); online {
		t.Fatal("device must be offline after the TTL window")
	}
}
