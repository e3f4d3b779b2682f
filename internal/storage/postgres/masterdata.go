package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zw834675966/ems/internal/auth"
	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storage"
)

// MasterdataStore reads point mappings, points and devices. The rows are
// written by the admin CRUD surface; the core only reads them.
type MasterdataStore struct {
	db *sql.DB
}

// NewMasterdataStore constructs a store.
func NewMasterdataStore(db *sql.DB) *MasterdataStore {
	return &MasterdataStore{db: db}
}

// FindMapping resolves (tenant, project, sourceID, address). A mapping
// stored without a source id matches events from any source.
func (s *MasterdataStore) FindMapping(ctx context.Context, tctx domain.TenantContext, projectID, sourceID, address string) (*storage.PointMapping, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("masterdata store: nil db")
	}
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
SELECT tenant_id, project_id, source_id, source_type, address, point_id, data_type, scale, "offset"
FROM point_mappings
WHERE tenant_id = $1 AND project_id = $2 AND address = $3
	AND (source_id = $4 OR source_id = '')
ORDER BY source_id DESC
LIMIT 1`, tctx.TenantID, projectID, address, sourceID)
	return scanMapping(row)
}

// ListMappings returns every mapping of the project.
func (s *MasterdataStore) ListMappings(ctx context.Context, tctx domain.TenantContext, projectID string) ([]storage.PointMapping, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("masterdata store: nil db")
	}
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT tenant_id, project_id, source_id, source_type, address, point_id, data_type, scale, "offset"
FROM point_mappings
WHERE tenant_id = $1 AND project_id = $2
ORDER BY address ASC`, tctx.TenantID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []storage.PointMapping
	for rows.Next() {
		mapping, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *mapping)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// FindPoint returns the point or nil.
func (s *MasterdataStore) FindPoint(ctx context.Context, tctx domain.TenantContext, projectID, pointID string) (*storage.Point, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("masterdata store: nil db")
	}
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
SELECT tenant_id, project_id, point_id, device_id, name, data_type
FROM points
WHERE tenant_id = $1 AND project_id = $2 AND point_id = $3
LIMIT 1`, tctx.TenantID, projectID, pointID)

	var point storage.Point
	if err := row.Scan(&point.TenantID, &point.ProjectID, &point.PointID, &point.DeviceID, &point.Name, &point.DataType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &point, nil
}

// FindDevice returns the device or nil.
func (s *MasterdataStore) FindDevice(ctx context.Context, tctx domain.TenantContext, projectID, deviceID string) (*storage.Device, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("masterdata store: nil db")
	}
	if err := auth.EnsureProjectScope(tctx, projectID); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
SELECT tenant_id, project_id, device_id, gateway_id, name
FROM devices
WHERE tenant_id = $1 AND project_id = $2 AND device_id = $3
LIMIT 1`, tctx.TenantID, projectID, deviceID)

	var device storage.Device
	if err := row.Scan(&device.TenantID, &device.ProjectID, &device.DeviceID, &device.GatewayID, &device.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &device, nil
}

func scanMapping(row rowScanner) (*storage.PointMapping, error) {
	var mapping storage.PointMapping
	var scale sql.NullFloat64
	var offset sql.NullFloat64
	if err := row.Scan(
		&mapping.TenantID,
		&mapping.ProjectID,
		&mapping.SourceID,
		&mapping.SourceType,
		&mapping.Address,
		&mapping.PointID,
		&mapping.DataType,
		&scale,
		&offset,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if scale.Valid {
		mapping.Scale = &scale.Float64
	}
	if offset.Valid {
		mapping.Offset = &offset.Float64
	}
	return &mapping, nil
}
