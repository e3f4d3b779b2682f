package memory

import (
	"context"
	"sync"

	"github.com/zw834675966/ems/internal/auth"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storage"
)

// RealtimeStore keeps the latest value per point in a map.
type RealtimeStore struct {
	mu     sync.Mutex
	values map[string]storage.RealtimeRecord
}

// NewRealtimeStore constructs an empty store.
func NewRealtimeStore() *RealtimeStore {
	return &RealtimeStore{values: make(map[string]storage.RealtimeRecord)}
}

func realtimeKey(tenantID, projectID, pointID string) string {
	return tenantID + "/" + projectID + "/" + pointID
}

// UpsertLastValue overwrites the cached value for the point.
func (s *RealtimeStore) UpsertLastValue(_ context.Context, tctx domain.TenantContext, value domain.PointValue) error {
	if value.TenantID != tctx.TenantID {
		return auth.ErrTenantMismatch
	}
	if err := auth.EnsureProjectScope(tctx, value.ProjectID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[realtimeKey(value.TenantID, value.ProjectID, value.PointID)] = storage.RealtimeRecord{
		TenantID:  value.TenantID,
		ProjectID: value.ProjectID,
		PointID:   value.PointID,
		TsMs:      value.TsMs,
		Value:     value.Value.String(),
		Quality:   value.Quality,
	}
	return nil
}

// GetLastValue returns the cached value or nil.
func (s *RealtimeStore) GetLastValue(_ context.Context, tctx domain.TenantContext, projectID, pointID string) (*storage.RealtimeRecord, error) {
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.values[realtimeKey(tctx.TenantID, projectID, pointID)]
	if !ok {
		return nil, nil
	}
	copied := record
	return &copied, nil
}
