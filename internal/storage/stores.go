package storage

import (
	"context"
	"errors"

	"github.com/zw834675966/ems/internal/domain"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// MeasurementStore appends to the durable time-series table.
type MeasurementStore interface {
	// AppendMeasurements writes a batch in one call. The batch may span
	// points but not tenants or projects.
	AppendMeasurements(ctx context.Context, tctx domain.TenantContext, records []Measurement) error
	// ListMeasurements returns rows for a point, newest first.
	ListMeasurements(ctx context.Context, tctx domain.TenantContext, projectID, pointID string, limit int) ([]Measurement, error)
}

// RealtimeStore mirrors the latest value per point in the fast cache.
type RealtimeStore interface {
	UpsertLastValue(ctx context.Context, tctx domain.TenantContext, value domain.PointValue) error
	GetLastValue(ctx context.Context, tctx domain.TenantContext, projectID, pointID string) (*RealtimeRecord, error)
}

// OnlineStore maintains TTL'd liveness markers for gateways and devices.
type OnlineStore interface {
	TouchGateway(ctx context.Context, tctx domain.TenantContext, projectID, gatewayID string, tsMs int64) error
	TouchDevice(ctx context.Context, tctx domain.TenantContext, projectID, deviceID string, tsMs int64) error
	GatewayLastSeen(ctx context.Context, tctx domain.TenantContext, projectID, gatewayID string) (int64, bool, error)
	DeviceLastSeen(ctx context.Context, tctx domain.TenantContext, projectID, deviceID string) (int64, bool, error)
}

// PointMappingStore resolves broker addresses to points.
type PointMappingStore interface {
	// FindMapping resolves (tenant, project, sourceID, address). With an
	// empty sourceID only mappings keyed without a source match.
	FindMapping(ctx context.Context, tctx domain.TenantContext, projectID, sourceID, address string) (*PointMapping, error)
	ListMappings(ctx context.Context, tctx domain.TenantContext, projectID string) ([]PointMapping, error)
}

// PointStore provides point lookups for online-state resolution.
type PointStore interface {
	FindPoint(ctx context.Context, tctx domain.TenantContext, projectID, pointID string) (*Point, error)
}

// DeviceStore provides device lookups for online-state resolution.
type DeviceStore interface {
	FindDevice(ctx context.Context, tctx domain.TenantContext, projectID, deviceID string) (*Device, error)
}

// CommandStore persists commands and their status transitions.
type CommandStore interface {
	CreateCommand(ctx context.Context, tctx domain.TenantContext, cmd Command) (Command, error)
	GetCommand(ctx context.Context, tctx domain.TenantContext, projectID, commandID string) (*Command, error)
	// TransitionStatus updates the status only when the current status is in
	// fromAny. Returns whether a row changed.
	TransitionStatus(ctx context.Context, tctx domain.TenantContext, projectID, commandID string, fromAny []string, to string) (bool, error)
	// ListAcceptedBefore returns commands still accepted whose issue time is
	// older than the cutoff, across all tenants. Reserved for the timeout
	// reaper, which runs with system authority.
	ListAcceptedBefore(ctx context.Context, cutoffMs int64, limit int) ([]Command, error)
	ListCommands(ctx context.Context, tctx domain.TenantContext, projectID string, limit int) ([]Command, error)
}

// CommandReceiptStore persists command receipts. CreateReceipt is idempotent
// by receipt id so duplicate broker deliveries insert nothing.
type CommandReceiptStore interface {
	CreateReceipt(ctx context.Context, tctx domain.TenantContext, receipt CommandReceipt) (ReceiptWriteResult, error)
	ListReceipts(ctx context.Context, tctx domain.TenantContext, projectID, commandID string) ([]CommandReceipt, error)
}

// AuditStore appends audit records.
type AuditStore interface {
	Append(ctx context.Context, tctx domain.TenantContext, record AuditRecord) error
	List(ctx context.Context, tctx domain.TenantContext, projectID string, limit int) ([]AuditRecord, error)
}
