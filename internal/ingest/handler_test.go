package ingest

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/normalize"
	"github.com/zw834675966/ems/internal/observability/metrics"
	"github.com/zw834675966/ems/internal/online"
	"github.com/zw834675966/ems/internal/pipeline"
	"github.com/zw834675966/ems/internal/storage"
	"github.com/zw834675966/ems/internal/storage/memory"
)

type logWriter struct{ t *testing.T }

func (w logWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

type harness struct {
	handler      *Handler
	pipe         *pipeline.Pipeline
	measurements *memory.MeasurementStore
	realtime     *memory.RealtimeStore
	onlineStore  *memory.OnlineStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := log.New(logWriter{t}, "", 0)

	masterdata := memory.NewMasterdataStore()
	masterdata.PutMapping(storage.PointMapping{
		TenantID: "tenant-1", ProjectID: "project-1", SourceType: "broker",
		Address: "demo/topic", PointID: "point-1",
	})
	masterdata.PutPoint(storage.Point{
		TenantID: "tenant-1", ProjectID: "project-1", PointID: "point-1", DeviceID: "device-1",
	})
	masterdata.PutDevice(storage.Device{
		TenantID: "tenant-1", ProjectID: "project-1", DeviceID: "device-1", GatewayID: "gw-1",
	})

	measurements := memory.NewMeasurementStore()
	realtime := memory.NewRealtimeStore()
	onlineStore := memory.NewOnlineStore(60 * time.Second)

	tracker, err := online.NewTracker(masterdata, masterdata, onlineStore, logger)
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	writer, err := pipeline.NewStoreWriter(measurements)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	pipe, err := pipeline.New(writer, pipeline.NewStorePostWrite(realtime, tracker, logger), pipeline.Config{
		BatchSize:      10,
		MaxBufferSize:  100,
		DedupCacheSize: 100,
		FlushInterval:  time.Hour,
	}, logger)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pipe.Shutdown(ctx)
	})

	normalizer, err := normalize.NewNormalizer(normalize.NewStoreProvider(masterdata))
	if err != nil {
		t.Fatalf("normalizer: %v", err)
	}
	handler, err := NewHandler(normalizer, pipe, logger)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return &harness{handler: handler, pipe: pipe, measurements: measurements, realtime: realtime, onlineStore: onlineStore}
}

func event(payload string) domain.RawEvent {
	return domain.RawEvent{
		TenantID:     "tenant-1",
		ProjectID:    "project-1",
		Address:      "demo/topic",
		Payload:      []byte(payload),
		ReceivedAtMs: 1_700_000_000_000,
	}
}

func TestHappyIngestEndToEnd(t *testing.T) {
	h := newHarness(t)
	before := metrics.Read()

	h.handler.HandleRawEvent(context.Background(), event("12.3"))
	if err := h.pipe.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	rows := h.measurements.All()
	if len(rows) != 1 {
		t.Fatalf("expected one measurement, got %d", len(rows))
	}
	if rows[0].PointID != "point-1" || rows[0].Value != "12.3" {
		t.Fatalf("measurement: %+v", rows[0])
	}

	tctx := domain.SystemContext("tenant-1", "project-1")
	last, err := h.realtime.GetLastValue(context.Background(), tctx, "project-1", "point-1")
	if err != nil || last == nil {
		t.Fatalf("last value: %+v, %v", last, err)
	}
	if last.TsMs != 1_700_000_000_000 || last.Value != "12.3" {
		t.Fatalf("last value: %+v", last)
	}

	if _, present, _ := h.onlineStore.DeviceLastSeen(context.Background(), tctx, "project-1", "device-1"); !present {
		t.Fatal("device online marker missing")
	}
	if _, present, _ := h.onlineStore.GatewayLastSeen(context.Background(), tctx, "project-1", "gw-1"); !present {
		t.Fatal("gateway online marker missing")
	}

	after := metrics.Read()
	if after.RawEvents-before.RawEvents != 1 {
		t.Fatalf("raw_events delta: %d", after.RawEvents-before.RawEvents)
	}
	if after.LastValueUpserts-before.LastValueUpserts != 1 {
		t.Fatalf("last_value_upserts delta: %d", after.LastValueUpserts-before.LastValueUpserts)
	}
}

func TestDuplicateSuppressedEndToEnd(t *testing.T) {
	h := newHarness(t)
	before := metrics.Read()

	h.handler.HandleRawEvent(context.Background(), event("12.3"))
	h.handler.HandleRawEvent(context.Background(), event("12.3"))
	if err := h.pipe.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if rows := h.measurements.All(); len(rows) != 1 {
		t.Fatalf("expected one measurement, got %d", len(rows))
	}
	after := metrics.Read()
	if after.Duplicates-before.Duplicates != 1 {
		t.Fatalf("duplicates delta: %d", after.Duplicates-before.Duplicates)
	}
}

func TestInvalidPayloadCountedAndDropped(t *testing.T) {
	h := newHarness(t)
	before := metrics.Read()

	h.handler.HandleRawEvent(context.Background(), event("abc"))
	if err := h.pipe.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if rows := h.measurements.All(); len(rows) != 0 {
		t.Fatalf("invalid payload must not be written, got %d rows", len(rows))
	}
	after := metrics.Read()
	if after.InvalidPayload-before.InvalidPayload != 1 {
		t.Fatalf("invalid_payload delta: %d", after.InvalidPayload-before.InvalidPayload)
	}

	// The handler keeps working afterwards.
	h.handler.HandleRawEvent(context.Background(), event("1"))
	if err := h.pipe.Flush(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if rows := h.measurements.All(); len(rows) != 1 {
		t.Fatalf("expected recovery write, got %d rows", len(rows))
	}
}

func TestInvalidTimestampCountedAndDropped(t *testing.T) {
	h := newHarness(t)
	before := metrics.Read()

	h.handler.HandleRawEvent(context.Background(), event(`{"value": 1, "tsMs": "garbage"}`))
	if err := h.pipe.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if rows := h.measurements.All(); len(rows) != 0 {
		t.Fatalf("invalid timestamp must not be written, got %d rows", len(rows))
	}
	after := metrics.Read()
	if after.InvalidTs-before.InvalidTs != 1 {
		t.Fatalf("invalid_ts delta: %d", after.InvalidTs-before.InvalidTs)
	}
	if after.InvalidPayload-before.InvalidPayload != 0 {
		t.Fatalf("invalid_payload must not be touched: %d", after.InvalidPayload-before.InvalidPayload)
	}
}

func TestMappingMissCountedAndDropped(t *testing.T) {
	h := newHarness(t)
	before := metrics.Read()

	unmapped := event("1")
	unmapped.Address = "unknown/addr"
	h.handler.HandleRawEvent(context.Background(), unmapped)

	if rows := h.measurements.All(); len(rows) != 0 {
		t.Fatalf("unmapped event must not be written, got %d rows", len(rows))
	}
	after := metrics.Read()
	if after.NoMapping-before.NoMapping != 1 {
		t.Fatalf("no_mapping delta: %d", after.NoMapping-before.NoMapping)
	}
}
