package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zw834675966/ems/internal/auth"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storage"
)

// AuditStore appends audit records.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore constructs a store.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append writes the record.
func (s *AuditStore) Append(ctx context.Context, tctx domain.TenantContext, record storage.AuditRecord) error {
	if s == nil || s.db == nil {
		return errors.New("audit store: nil db")
	}
	if record.TenantID != tctx.TenantID {
		return auth.ErrTenantMismatch
	}
	if record.ProjectID != "" {
		if err := auth.EnsureProjectScope(tctx, record.ProjectID); err != nil {
			return err
		}
	}
	projectID := sql.NullString{}
	if record.ProjectID != "" {
		projectID = sql.NullString{String: record.ProjectID, Valid: true}
	}
	detail := sql.NullString{}
	if record.Detail != "" {
		detail = sql.NullString{String: record.Detail, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_logs (
	audit_id, tenant_id, project_id, actor, action, resource, result, detail, ts
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, to_timestamp($9::double precision / 1000)
)`, record.AuditID, record.TenantID, projectID, record.Actor, record.Action, record.Resource, record.Result, detail, record.TsMs)
	return err
}

// List returns the project's audit trail, newest first.
func (s *AuditStore) List(ctx context.Context, tctx domain.TenantContext, projectID string, limit int) ([]storage.AuditRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("audit store: nil db")
	}
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT audit_id, tenant_id, project_id, actor, action, resource, result, detail,
	(extract(epoch FROM ts) * 1000)::bigint AS ts_ms
FROM audit_logs
WHERE tenant_id = $1 AND ($2 = '' OR project_id = $2)
ORDER BY ts DESC
LIMIT $3`, tctx.TenantID, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []storage.AuditRecord
	for rows.Next() {
		var record storage.AuditRecord
		var project sql.NullString
		var detail sql.NullString
		if err := rows.Scan(
			&record.AuditID,
			&record.TenantID,
			&project,
			&record.Actor,
			&record.Action,
			&record.Resource,
			&record.Result,
			&detail,
			&record.TsMs,
		); err != nil {
			return nil, err
		}
		if project.Valid {
			record.ProjectID = project.String
		}
		if detail.Valid {
			record.Detail = detail.String
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
