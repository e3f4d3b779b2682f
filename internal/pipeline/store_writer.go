package pipeline

import (
	"context"
	"errors"
	"log"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/observability/metrics"
	"github.com/zw834675966/ems/internal/online"
	"github.com/zw834675966/ems/internal/storage"
)

// StoreWriter appends batches to the measurement store. The pipeline
// guarantees a batch never spans tenants or projects.
type StoreWriter struct {
	measurements storage.MeasurementStore
}

// NewStoreWriter constructs a writer.
func NewStoreWriter(measurements storage.MeasurementStore) (*StoreWriter, error) {
	if measurements == nil {
		return nil, errors.New("pipeline: nil measurement store")
	}
	return &StoreWriter{measurements: measurements}, nil
}

// AppendBatch converts the values and writes them in one store call.
func (w *StoreWriter) AppendBatch(ctx context.Context, values []domain.PointValue) error {
	if len(values) == 0 {
		return nil
	}
	records := make([]storage.Measurement, 0, len(values))
	for _, value := range values {
		records = append(records, storage.Measurement{
			TenantID:  value.TenantID,
			ProjectID: value.ProjectID,
			PointID:   value.PointID,
			TsMs:      value.TsMs,
			Value:     value.Value.String(),
			Quality:   value.Quality,
		})
	}
	tctx := domain.SystemContext(values[0].TenantID, values[0].ProjectID)
	return w.measurements.AppendMeasurements(ctx, tctx, records)
}

// NewStorePostWrite builds the per-record hook run after each durable
// append: the last-value upsert and the online refresh. Both are
// best-effort.
func NewStorePostWrite(realtime storage.RealtimeStore, tracker *online.Tracker, logger *log.Logger) PostWrite {
	if logger == nil {
		logger = log.Default()
	}
	return func(ctx context.Context, value domain.PointValue) {
		tctx := domain.SystemContext(value.TenantID, value.ProjectID)
		if realtime != nil {
			if err := realtime.UpsertLastValue(ctx, tctx, value); err != nil {
				logger.Printf("pipeline: last value upsert failed for %s: %v", value.PointID, err)
			} else {
				metrics.IncLastValueUpserts()
			}
		}
		if tracker != nil {
			tracker.TouchForPoint(ctx, tctx, value.ProjectID, value.PointID, value.TsMs)
		}
	}
}
