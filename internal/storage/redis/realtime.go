// Package redis implements the realtime and online stores on the fast
// key/value cache.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zw834675966/ems/internal/auth"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storage"
)

type lastValuePayload struct {
	TsMs    int64  `json:"ts_ms"`
	Value   string `json:"value"`
	Quality string `json:"quality,omitempty"`
}

func lastValueKey(tenantID, projectID, pointID string) string {
	return fmt.Sprintf("tenant:%s:project:%s:point:%s:last_value", tenantID, projectID, pointID)
}

// RealtimeStore mirrors the latest value per point.
type RealtimeStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRealtimeStore constructs a store. A zero ttl means keys never expire.
func NewRealtimeStore(rdb *redis.Client, ttl time.Duration) *RealtimeStore {
	return &RealtimeStore{rdb: rdb, ttl: ttl}
}

// UpsertLastValue overwrites the point's cached value.
func (s *RealtimeStore) UpsertLastValue(ctx context.Context, tctx domain.TenantContext, value domain.PointValue) error {
	if s == nil || s.rdb == nil {
		return errors.New("realtime store: nil client")
	}
	if value.TenantID != tctx.TenantID {
		return auth.ErrTenantMismatch
	}
	if err := auth.EnsureProjectScope(tctx, value.ProjectID); err != nil {
		return err
	}
	payload, err := json.Marshal(lastValuePayload{
		TsMs:    value.TsMs,
		Value:   value.Value.String(),
		Quality: value.Quality,
	})
	if err != nil {
		return err
	}
	key := lastValueKey(value.TenantID, value.ProjectID, value.PointID)
	return s.rdb.Set(ctx, key, payload, s.ttl).Err()
}

// GetLastValue returns the cached value or nil.
func (s *RealtimeStore) GetLastValue(ctx context.Context, tctx domain.TenantContext, projectID, pointID string) (*storage.RealtimeRecord, error) {
	if s == nil || s.rdb == nil {
		return nil, errors.New("realtime store: nil client")
	}
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	data, err := s.rdb.Get(ctx, lastValueKey(tctx.TenantID, projectID, pointID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var payload lastValuePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &storage.RealtimeRecord{
		TenantID:  tctx.TenantID,
		ProjectID: projectID,
		PointID:   pointID,
		TsMs:      payload.TsMs,
		Value:     payload.Value,
		Quality:   payload.Quality,
	}, nil
}
