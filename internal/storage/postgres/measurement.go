// Package postgres implements the store abstractions on database/sql with
// the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zw834675966/ems/internal/auth"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storage"
)

const defaultMeasurementsTable = "measurements"

// MeasurementStore appends time-series rows.
type MeasurementStore struct {
	db    *sql.DB
	table string
}

// MeasurementOption configures the store.
type MeasurementOption func(*MeasurementStore)

// WithMeasurementsTable overrides the default table name.
func WithMeasurementsTable(table string) MeasurementOption {
	return func(s *MeasurementStore) {
		if table != "" {
			s.table = table
		}
	}
}

// NewMeasurementStore constructs a store with the default table name.
func NewMeasurementStore(db *sql.DB, opts ...MeasurementOption) *MeasurementStore {
	store := &MeasurementStore{db: db, table: defaultMeasurementsTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// AppendMeasurements inserts the batch inside one transaction.
func (s *MeasurementStore) AppendMeasurements(ctx context.Context, tctx domain.TenantContext, records []storage.Measurement) error {
	if s == nil || s.db == nil {
		return errors.New("measurement store: nil db")
	}
	if len(records) == 0 {
		return nil
	}
	for _, record := range records {
		if record.TenantID != tctx.TenantID {
			return auth.ErrTenantMismatch
		}
		if err := auth.EnsureProjectScope(tctx, record.ProjectID); err != nil {
			return err
		}
		if record.PointID == "" || record.TsMs <= 0 {
			return errors.New("measurement store: invalid measurement")
		}
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	tenant_id, project_id, point_id, ts, value, quality
) VALUES (
	$1, $2, $3, $4, $5, $6
)`, s.table)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, record := range records {
		quality := sql.NullString{}
		if record.Quality != "" {
			quality = sql.NullString{String: record.Quality, Valid: true}
		}
		if _, err := stmt.ExecContext(
			ctx,
			record.TenantID,
			record.ProjectID,
			record.PointID,
			time.UnixMilli(record.TsMs).UTC(),
			record.Value,
			quality,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// ListMeasurements returns the point's rows, newest first.
func (s *MeasurementStore) ListMeasurements(ctx context.Context, tctx domain.TenantContext, projectID, pointID string, limit int) ([]storage.Measurement, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("measurement store: nil db")
	}
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT tenant_id, project_id, point_id,
	(extract(epoch FROM ts) * 1000)::bigint AS ts_ms, value, quality
FROM %s
WHERE tenant_id = $1 AND project_id = $2 AND point_id = $3
ORDER BY ts DESC
LIMIT $4`, s.table)

	rows, err := s.db.QueryContext(ctx, query, tctx.TenantID, projectID, pointID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []storage.Measurement
	for rows.Next() {
		var record storage.Measurement
		var quality sql.NullString
		if err := rows.Scan(&record.TenantID, &record.ProjectID, &record.PointID, &record.TsMs, &record.Value, &quality); err != nil {
			return nil, err
		}
		if quality.Valid {
			record.Quality = quality.String
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// RequireTimeseriesExt fails when the timescaledb extension is absent. Used
// at startup when the deployment mandates the extension.
func RequireTimeseriesExt(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("postgres: nil db")
	}
	var installed bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`).Scan(&installed)
	if err != nil {
		return err
	}
	if !installed {
		return errors.New("postgres: timescaledb extension not installed")
	}
	return nil
}
