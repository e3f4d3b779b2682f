package memory

import (
	"context"
	"sync"

	"github.com/zw834675966/ems/internal/auth"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storage"
)

// AuditStore keeps audit records in append order.
type AuditStore struct {
	mu      sync.Mutex
	records []storage.AuditRecord
}

// NewAuditStore constructs an empty store.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Append adds the record.
func (s *AuditStore) Append(_ context.Context, tctx domain.TenantContext, record storage.AuditRecord) error {
	if record.TenantID != tctx.TenantID {
		return auth.ErrTenantMismatch
	}
	if record.ProjectID != "" {
		if err := auth.EnsureProjectScope(tctx, record.ProjectID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// List returns the tenant's records for the project, newest last.
func (s *AuditStore) List(_ context.Context, tctx domain.TenantContext, projectID string, limit int) ([]storage.AuditRecord, error) {
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []storage.AuditRecord
	for _, record := range s.records {
		if record.TenantID == tctx.TenantID && (projectID == "" || record.ProjectID == projectID) {
			result = append(result, record)
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}
