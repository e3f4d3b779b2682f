package memory

import (
	"context"
	"sync"
	"time"

	"github.com/zw834675966/ems/internal/auth"
	"github.com/zw834675966/ems/internal/domain"
)

// OnlineStore keeps liveness markers with an expiry derived from a TTL.
type OnlineStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	markers map[string]onlineMarker
}

type onlineMarker struct {
	lastSeenMs int64
	expiresAt  time.Time
}

// NewOnlineStore constructs a store with the given marker TTL.
func NewOnlineStore(ttl time.Duration) *OnlineStore {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &OnlineStore{ttl: ttl, now: time.Now, markers: make(map[string]onlineMarker)}
}

// SetClock overrides the time source. Test helper.
func (s *OnlineStore) SetClock(now func() time.Time) { s.now = now }

func onlineKey(kind, tenantID, projectID, id string) string {
	return tenantID + "/" + projectID + "/" + kind + "/" + id
}

func (s *OnlineStore) touch(tctx domain.TenantContext, kind, projectID, id string, tsMs int64) error {
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[onlineKey(kind, tctx.TenantID, projectID, id)] = onlineMarker{
		lastSeenMs: tsMs,
		expiresAt:  s.now().Add(s.ttl),
	}
	return nil
}

func (s *OnlineStore) lastSeen(tctx domain.TenantContext, kind, projectID, id string) (int64, bool, error) {
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	marker, ok := s.markers[onlineKey(kind, tctx.TenantID, projectID, id)]
	if !ok || s.now().After(marker.expiresAt) {
		return 0, false, nil
	}
	return marker.lastSeenMs, true, nil
}

// TouchGateway refreshes the gateway marker.
func (s *OnlineStore) TouchGateway(_ context.Context, tctx domain.TenantContext, projectID, gatewayID string, tsMs int64) error {
	return s.touch(tctx, "gateway", projectID, gatewayID, tsMs)
}

// TouchDevice refreshes the device marker.
func (s *OnlineStore) TouchDevice(_ context.Context, tctx domain.TenantContext, projectID, deviceID string, tsMs int64) error {
	return s.touch(tctx, "device", projectID, deviceID, tsMs)
}

// GatewayLastSeen returns the marker value if not expired.
func (s *OnlineStore) GatewayLastSeen(_ context.Context, tctx domain.TenantContext, projectID, gatewayID string) (int64, bool, error) {
	return s.lastSeen(tctx, "gateway", projectID, gatewayID)
}

// DeviceLastSeen returns the marker value if not expired.
func (s *OnlineStore) DeviceLastSeen(_ context.Context, tctx domain.TenantContext, projectID, deviceID string) (int64, bool, error) {
	return s.lastSeen(tctx, "device", projectID, deviceID)
}
