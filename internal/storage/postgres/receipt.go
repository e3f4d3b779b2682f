package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zw834675966/ems/internal/auth"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storage"
)

// ReceiptStore persists command receipts.
type ReceiptStore struct {
	db *sql.DB
}

// NewReceiptStore constructs a store.
func NewReceiptStore(db *sql.DB) *ReceiptStore {
	return &ReceiptStore{db: db}
}

// CreateReceipt inserts the receipt. Duplicate receipt ids (redelivered
// broker messages) insert nothing and report Inserted=false.
func (s *ReceiptStore) CreateReceipt(ctx context.Context, tctx domain.TenantContext, receipt storage.CommandReceipt) (storage.ReceiptWriteResult, error) {
	if s == nil || s.db == nil {
		return storage.ReceiptWriteResult{}, errors.New("receipt store: nil db")
	}
	if receipt.TenantID != tctx.TenantID {
		return storage.ReceiptWriteResult{}, auth.ErrTenantMismatch
	}
	if err := auth.EnsureProjectScope(tctx, receipt.ProjectID); err != nil {
		return storage.ReceiptWriteResult{}, err
	}
	message := sql.NullString{}
	if receipt.Message != "" {
		message = sql.NullString{String: receipt.Message, Valid: true}
	}
	result, err := s.db.ExecContext(ctx, `
INSERT INTO command_receipts (
	receipt_id, tenant_id, project_id, command_id, ts, status, message
) VALUES (
	$1, $2, $3, $4, to_timestamp($5::double precision / 1000), $6, $7
)
ON CONFLICT (receipt_id) DO NOTHING`,
		receipt.ReceiptID, receipt.TenantID, receipt.ProjectID, receipt.CommandID, receipt.TsMs, receipt.Status, message)
	if err != nil {
		return storage.ReceiptWriteResult{}, err
	}
	count, _ := result.RowsAffected()
	return storage.ReceiptWriteResult{Receipt: receipt, Inserted: count > 0}, nil
}

// ListReceipts returns the command's receipts ordered by timestamp.
func (s *ReceiptStore) ListReceipts(ctx context.Context, tctx domain.TenantContext, projectID, commandID string) ([]storage.CommandReceipt, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("receipt store: nil db")
	}
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT receipt_id, tenant_id, project_id, command_id,
	(extract(epoch FROM ts) * 1000)::bigint AS ts_ms, status, message
FROM command_receipts
WHERE tenant_id = $1 AND project_id = $2 AND command_id = $3
ORDER BY ts ASC`, tctx.TenantID, projectID, commandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []storage.CommandReceipt
	for rows.Next() {
		var receipt storage.CommandReceipt
		var message sql.NullString
		if err := rows.Scan(
			&receipt.ReceiptID,
			&receipt.TenantID,
			&receipt.ProjectID,
			&receipt.CommandID,
			&receipt.TsMs,
			&receipt.Status,
			&message,
		); err != nil {
			return nil, err
		}
		if message.Valid {
			receipt.Message = message.String
		}
		result = append(result, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
