package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zw834675966/ems/internal/auth"
	"github.com/zw834675966/ems/internal/domain"
)

func gatewayOnlineKey(tenantID, projectID, gatewayID string) string {
	return fmt.Sprintf("tenant:%s:project:%s:gateway:%s:online", tenantID, projectID, gatewayID)
}

func deviceOnlineKey(tenantID, projectID, deviceID string) string {
	return fmt.Sprintf("tenant:%s:project:%s:device:%s:online", tenantID, projectID, deviceID)
}

// OnlineStore keeps TTL'd liveness markers. Key absence or expiry means
// offline.
type OnlineStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewOnlineStore constructs a store with the marker TTL.
func NewOnlineStore(rdb *redis.Client, ttl time.Duration) *OnlineStore {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &OnlineStore{rdb: rdb, ttl: ttl}
}

func (s *OnlineStore) touch(ctx context.Context, tctx domain.TenantContext, projectID, key string, tsMs int64) error {
	if s == nil || s.rdb == nil {
		return errors.New("online store: nil client")
	}
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, strconv.FormatInt(tsMs, 10), s.ttl).Err()
}

func (s *OnlineStore) lastSeen(ctx context.Context, tctx domain.TenantContext, projectID, key string) (int64, bool, error) {
	if s == nil || s.rdb == nil {
		return 0, false, errors.New("online store: nil client")
	}
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return 0, false, err
	}
	data, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	tsMs, err := strconv.ParseInt(data, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return tsMs, true, nil
}

// TouchGateway refreshes the gateway marker.
func (s *OnlineStore) TouchGateway(ctx context.Context, tctx domain.TenantContext, projectID, gatewayID string, tsMs int64) error {
	return s.touch(ctx, tctx, projectID, gatewayOnlineKey(tctx.TenantID, projectID, gatewayID), tsMs)
}

// TouchDevice refreshes the device marker.
func (s *OnlineStore) TouchDevice(ctx context.Context, tctx domain.TenantContext, projectID, deviceID string, tsMs int64) error {
	return s.touch(ctx, tctx, projectID, deviceOnlineKey(tctx.TenantID, projectID, deviceID), tsMs)
}

// GatewayLastSeen returns the marker if present.
func (s *OnlineStore) GatewayLastSeen(ctx context.Context, tctx domain.TenantContext, projectID, gatewayID string) (int64, bool, error) {
	return s.lastSeen(ctx, tctx, projectID, gatewayOnlineKey(tctx.TenantID, projectID, gatewayID))
}

// DeviceLastSeen returns the marker if present.
func (s *OnlineStore) DeviceLastSeen(ctx context.Context, tctx domain.TenantContext, projectID, deviceID string) (int64, bool, error) {
	return s.lastSeen(ctx, tctx, projectID, deviceOnlineKey(tctx.TenantID, projectID, deviceID))
}
