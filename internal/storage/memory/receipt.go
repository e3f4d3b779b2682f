package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/zw834675966/ems/internal/auth"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storage"
)

// ReceiptStore keeps command receipts keyed by receipt id.
type ReceiptStore struct {
	mu       sync.Mutex
	receipts map[string]storage.CommandReceipt
}

// NewReceiptStore constructs an empty store.
func NewReceiptStore() *ReceiptStore {
	return &ReceiptStore{receipts: make(map[string]storage.CommandReceipt)}
}

// CreateReceipt inserts the receipt unless one with the same id exists.
func (s *ReceiptStore) CreateReceipt(_ context.Context, tctx domain.TenantContext, receipt storage.CommandReceipt) (storage.ReceiptWriteResult, error) {
	if receipt.TenantID != tctx.TenantID {
		return storage.ReceiptWriteResult{}, auth.ErrTenantMismatch
	}
	if err := auth.EnsureProjectScope(tctx, receipt.ProjectID); err != nil {
		return storage.ReceiptWriteResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.receipts[receipt.ReceiptID]; ok {
		return storage.ReceiptWriteResult{Receipt: existing, Inserted: false}, nil
	}
	s.receipts[receipt.ReceiptID] = receipt
	return storage.ReceiptWriteResult{Receipt: receipt, Inserted: true}, nil
}

// ListReceipts returns the command's receipts ordered by timestamp.
func (s *ReceiptStore) ListReceipts(_ context.Context, tctx domain.TenantContext, projectID, commandID string) ([]storage.CommandReceipt, error) {
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []storage.CommandReceipt
	for _, receipt := range s.receipts {
		if receipt.TenantID == tctx.TenantID && receipt.ProjectID == projectID && receipt.CommandID == commandID {
			result = append(result, receipt)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TsMs < result[j].TsMs })
	return result, nil
}
