// Package memory provides in-memory store implementations used by unit
// tests and by wiring the service without external infrastructure.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/zw834675966/ems/internal/auth"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storage"
)

// MeasurementStore is an in-memory time-series append store.
type MeasurementStore struct {
	mu   sync.Mutex
	rows []storage.Measurement
}

// NewMeasurementStore constructs an empty store.
func NewMeasurementStore() *MeasurementStore {
	return &MeasurementStore{}
}

// AppendMeasurements appends the batch atomically.
func (s *MeasurementStore) AppendMeasurements(_ context.Context, tctx domain.TenantContext, records []storage.Measurement) error {
	for _, record := range records {
		if record.TenantID != tctx.TenantID {
			return auth.ErrTenantMismatch
		}
		if err := auth.EnsureProjectScope(tctx, record.ProjectID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, records...)
	return nil
}

// ListMeasurements returns rows for a point ordered newest first.
func (s *MeasurementStore) ListMeasurements(_ context.Context, tctx domain.TenantContext, projectID, pointID string, limit int) ([]storage.Measurement, error) {
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []storage.Measurement
	for _, row := range s.rows {
		if row.TenantID == tctx.TenantID && row.ProjectID == projectID && row.PointID == pointID {
			result = append(result, row)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].TsMs > result[j].TsMs })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// All returns every stored row in append order. Test helper.
func (s *MeasurementStore) All() []storage.Measurement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Measurement, len(s.rows))
	copy(out, s.rows)
	return out
}
