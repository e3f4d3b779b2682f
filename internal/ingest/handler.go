package ingest

import (
	"context"
	"errors"
	"log"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/normalize"
	"github.com/zw834675966/ems/internal/observability/metrics"
	"github.com/zw834675966/ems/internal/pipeline"
)

// Handler normalizes each raw event and hands the result to the pipeline.
// Every failure is terminal for the event and isolated: the ingest loop
// keeps running no matter what a single frame does.
type Handler struct {
	normalizer *normalize.Normalizer
	pipe       *pipeline.Pipeline
	logger     *log.Logger
}

// NewHandler constructs a handler.
func NewHandler(normalizer *normalize.Normalizer, pipe *pipeline.Pipeline, logger *log.Logger) (*Handler, error) {
	if normalizer == nil {
		return nil, errors.New("ingest: nil normalizer")
	}
	if pipe == nil {
		return nil, errors.New("ingest: nil pipeline")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{normalizer: normalizer, pipe: pipe, logger: logger}, nil
}

// HandleRawEvent processes one boundary event.
func (h *Handler) HandleRawEvent(ctx context.Context, event domain.RawEvent) {
	metrics.IncRawEvents()

	value, err := h.normalizer.Normalize(ctx, event)
	if err != nil {
		switch {
		case errors.Is(err, normalize.ErrNoMapping):
			metrics.IncNoMapping()
		case errors.Is(err, normalize.ErrInvalidTimestamp):
			metrics.IncInvalidTs()
			h.logger.Printf("ingest: invalid timestamp for %s/%s %s", event.TenantID, event.ProjectID, event.Address)
		case errors.Is(err, normalize.ErrInvalidPayload):
			metrics.IncInvalidPayload()
			h.logger.Printf("ingest: invalid payload for %s/%s %s", event.TenantID, event.ProjectID, event.Address)
		default:
			metrics.IncInvalidPayload()
			h.logger.Printf("ingest: normalize failed for %s/%s %s: %v", event.TenantID, event.ProjectID, event.Address, err)
		}
		return
	}

	outcome := h.pipe.Handle(value)
	if outcome != pipeline.Accepted && outcome != pipeline.Duplicate {
		h.logger.Printf("ingest: point %s rejected: %s", value.PointID, outcome)
	}
}
