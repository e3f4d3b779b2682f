package normalize

import (
	"context"
	"errors"
	"testing"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storage"
	"github.com/zw834675966/ems/internal/storage/memory"
)

func seedStore() *memory.MasterdataStore {
	store := memory.NewMasterdataStore()
	scale := 2.0
	offset := 1.0
	store.PutMapping(storage.PointMapping{
		TenantID:   "tenant-1",
		ProjectID:  "project-1",
		SourceType: "broker",
		Address:    "demo/topic",
		PointID:    "point-1",
	})
	store.PutMapping(storage.PointMapping{
		TenantID:   "tenant-1",
		ProjectID:  "project-1",
		SourceType: "broker",
		Address:    "meter/power",
		PointID:    "point-2",
		Scale:      &scale,
		Offset:     &offset,
	})
	store.PutMapping(storage.PointMapping{
		TenantID:   "tenant-1",
		ProjectID:  "project-1",
		SourceType: "broker",
		Address:    "switch/state",
		PointID:    "point-3",
		DataType:   "bool",
	})
	return store
}

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := NewNormalizer(NewStoreProvider(seedStore()))
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	return n
}

func rawEvent(address, payload string) domain.RawEvent {
	return domain.RawEvent{
		TenantID:     "tenant-1",
		ProjectID:    "project-1",
		Address:      address,
		Payload:      []byte(payload),
		ReceivedAtMs: 1_700_000_000_000,
	}
}

func TestNormalizeScalarPayload(t *testing.T) {
	n := newTestNormalizer(t)

	value, err := n.Normalize(context.Background(), rawEvent("demo/topic", "12.3"))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if value.PointID != "point-1" {
		t.Fatalf("point id: %q", value.PointID)
	}
	if value.Value.Kind != domain.KindF64 || value.Value.F64 != 12.3 {
		t.Fatalf("value: %+v", value.Value)
	}
	if value.TsMs != 1_700_000_000_000 {
		t.Fatalf("ts: %d", value.TsMs)
	}
}

func TestNormalizeAppliesLinearTransform(t *testing.T) {
	n := newTestNormalizer(t)

	value, err := n.Normalize(context.Background(), rawEvent("meter/power", "10"))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if value.Value.F64 != 21 { // 10*2 + 1
		t.Fatalf("transformed value: %v", value.Value.F64)
	}
}

func TestNormalizeTransformRejectsNonNumeric(t *testing.T) {
	store := seedStore()
	scale := 2.0
	store.PutMapping(storage.PointMapping{
		TenantID:  "tenant-1",
		ProjectID: "project-1",
		Address:   "label/text",
		PointID:   "point-4",
		DataType:  "string",
		Scale:     &scale,
	})
	n, err := NewNormalizer(NewStoreProvider(store))
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}

	_, err = n.Normalize(context.Background(), rawEvent("label/text", `"on fire"`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
}

func TestNormalizeMappingMiss(t *testing.T) {
	n := newTestNormalizer(t)

	_, err := n.Normalize(context.Background(), rawEvent("unknown/addr", "1"))
	if !errors.Is(err, ErrNoMapping) {
		t.Fatalf("expected no mapping, got %v", err)
	}
}

func TestNormalizeInvalidPayloads(t *testing.T) {
	n := newTestNormalizer(t)

	for _, payload := range []string{"", "abc", "NaN", "{broken"} {
		_, err := n.Normalize(context.Background(), rawEvent("demo/topic", payload))
		if !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("payload %q: expected invalid payload, got %v", payload, err)
		}
	}
}

func TestNormalizeJSONLeafWithTimestamp(t *testing.T) {
	n := newTestNormalizer(t)

	value, err := n.Normalize(context.Background(), rawEvent("demo/topic", `{"value": 4.5, "tsMs": 1700000000123}`))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if value.Value.F64 != 4.5 {
		t.Fatalf("value: %v", value.Value.F64)
	}
	if value.TsMs != 1_700_000_000_123 {
		t.Fatalf("payload ts must win: %d", value.TsMs)
	}
}

func TestNormalizeInvalidEmbeddedTimestamp(t *testing.T) {
	n := newTestNormalizer(t)

	for _, payload := range []string{
		`{"value": 1, "tsMs": "garbage"}`,
		`{"value": 1, "tsMs": -5}`,
		`{"value": 1, "tsMs": 0}`,
		`{"value": 1, "tsMs": 1.5}`,
	} {
		_, err := n.Normalize(context.Background(), rawEvent("demo/topic", payload))
		if !errors.Is(err, ErrInvalidTimestamp) {
			t.Fatalf("payload %q: expected invalid timestamp, got %v", payload, err)
		}
	}

	// Null or absent tsMs falls back to the receive time.
	value, err := n.Normalize(context.Background(), rawEvent("demo/topic", `{"value": 1, "tsMs": null}`))
	if err != nil {
		t.Fatalf("null tsMs: %v", err)
	}
	if value.TsMs != 1_700_000_000_000 {
		t.Fatalf("null tsMs must use the receive time: %d", value.TsMs)
	}
}

func TestNormalizeBoolDataType(t *testing.T) {
	n := newTestNormalizer(t)

	value, err := n.Normalize(context.Background(), rawEvent("switch/state", "true"))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if value.Value.Kind != domain.KindBool || !value.Value.Bool {
		t.Fatalf("value: %+v", value.Value)
	}

	// Numeric payloads coerce to bool for bool points.
	value, err = n.Normalize(context.Background(), rawEvent("switch/state", "0"))
	if err != nil {
		t.Fatalf("normalize numeric: %v", err)
	}
	if value.Value.Kind != domain.KindBool || value.Value.Bool {
		t.Fatalf("coerced value: %+v", value.Value)
	}
}

func TestNormalizeSourceIDMatching(t *testing.T) {
	store := memory.NewMasterdataStore()
	store.PutMapping(storage.PointMapping{
		TenantID:  "tenant-1",
		ProjectID: "project-1",
		SourceID:  "gw-1",
		Address:   "meter/power",
		PointID:   "point-sourced",
	})
	n, err := NewNormalizer(NewStoreProvider(store))
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}

	event := rawEvent("meter/power", "5")
	event.SourceID = "gw-1"
	value, err := n.Normalize(context.Background(), event)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if value.PointID != "point-sourced" {
		t.Fatalf("point id: %q", value.PointID)
	}

	// An event without a source id does not match a source-keyed mapping.
	_, err = n.Normalize(context.Background(), rawEvent("meter/power", "5"))
	if !errors.Is(err, ErrNoMapping) {
		t.Fatalf("expected no mapping, got %v", err)
	}
}
