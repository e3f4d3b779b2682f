// Package online maintains best-effort liveness markers for gateways and
// devices, refreshed on every successful ingest.
package online

import (
	"context"
	"errors"
	"log"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/observability/metrics"
	"github.com/zw834675966/ems/internal/storage"
)

// Tracker resolves a point to its device and gateway and refreshes their
// markers. Failures are logged, never propagated, and not counted; only
// successful touches increment online_touches. Online state is a hint, not
// a guarantee.
type Tracker struct {
	points  storage.PointStore
	devices storage.DeviceStore
	store   storage.OnlineStore
	logger  *log.Logger
}

// NewTracker constructs a tracker.
func NewTracker(points storage.PointStore, devices storage.DeviceStore, store storage.OnlineStore, logger *log.Logger) (*Tracker, error) {
	if points == nil || devices == nil || store == nil {
		return nil, errors.New("online: nil store")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{points: points, devices: devices, store: store, logger: logger}, nil
}

// TouchForPoint refreshes the markers of the device owning the point and
// of that device's gateway.
func (t *Tracker) TouchForPoint(ctx context.Context, tctx domain.TenantContext, projectID, pointID string, tsMs int64) {
	point, err := t.points.FindPoint(ctx, tctx, projectID, pointID)
	if err != nil {
		t.logger.Printf("online: point lookup failed for %s: %v", pointID, err)
		return
	}
	if point == nil {
		return
	}
	device, err := t.devices.FindDevice(ctx, tctx, projectID, point.DeviceID)
	if err != nil {
		t.logger.Printf("online: device lookup failed for %s: %v", point.DeviceID, err)
		return
	}
	if device == nil {
		return
	}
	if err := t.store.TouchDevice(ctx, tctx, projectID, device.DeviceID, tsMs); err != nil {
		t.logger.Printf("online: device touch failed for %s: %v", device.DeviceID, err)
	} else {
		metrics.IncOnlineTouches()
	}
	if device.GatewayID == "" {
		return
	}
	if err := t.store.TouchGateway(ctx, tctx, projectID, device.GatewayID, tsMs); err != nil {
		t.logger.Printf("online: gateway touch failed for %s: %v", device.GatewayID, err)
	} else {
		metrics.IncOnlineTouches()
	}
}

// IsDeviceOnline derives liveness from marker presence.
func (t *Tracker) IsDeviceOnline(ctx context.Context, tctx domain.TenantContext, projectID, deviceID string) (bool, error) {
	_, present, err := t.store.DeviceLastSeen(ctx, tctx, projectID, deviceID)
	return present, err
}

// IsGatewayOnline derives liveness from marker presence.
func (t *Tracker) IsGatewayOnline(ctx context.Context, tctx domain.TenantContext, projectID, gatewayID string) (bool, error) {
	_, present, err := t.store.GatewayLastSeen(ctx, tctx, projectID, gatewayID)
	return present, err
}
