// Package normalize resolves raw broker events against per-point
// configuration and produces typed point values.
package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/zw834675966/ems/internal/domain"
	"github.com/zw834675966/ems/internal/storage"
)

// Categorical normalization errors.
var (
	ErrNoMapping        = errors.New("normalize: no mapping")
	ErrInvalidPayload   = errors.New("normalize: invalid payload")
	ErrInvalidTimestamp = errors.New("normalize: invalid timestamp")
)

// MappingProvider resolves a broker address to its point mapping.
type MappingProvider interface {
	FindMapping(ctx context.Context, tenantID, projectID, sourceID, address string) (*storage.PointMapping, error)
}

// StoreProvider adapts a PointMappingStore to the provider interface using
// a system tenant context per lookup.
type StoreProvider struct {
	store storage.PointMappingStore
}

// NewStoreProvider constructs a provider backed by the store.
func NewStoreProvider(store storage.PointMappingStore) *StoreProvider {
	return &StoreProvider{store: store}
}

// FindMapping looks the mapping up in the store.
func (p *StoreProvider) FindMapping(ctx context.Context, tenantID, projectID, sourceID, address string) (*storage.PointMapping, error) {
	tctx := domain.SystemContext(tenantID, projectID)
	return p.store.FindMapping(ctx, tctx, projectID, sourceID, address)
}

// Normalizer turns RawEvents into PointValues.
type Normalizer struct {
	provider MappingProvider
}

// NewNormalizer constructs a normalizer.
func NewNormalizer(provider MappingProvider) (*Normalizer, error) {
	if provider == nil {
		return nil, errors.New("normalize: nil provider")
	}
	return &Normalizer{provider: provider}, nil
}

// jsonPayload is the structured payload shape devices may publish instead
// of a bare scalar. TsMs stays raw so a malformed timestamp is reported as
// a timestamp error, not a generic payload error.
type jsonPayload struct {
	Value   *json.RawMessage `json:"value"`
	V       *json.RawMessage `json:"v"`
	TsMs    json.RawMessage  `json:"tsMs"`
	Quality string           `json:"quality"`
}

// parseTsMs decodes an embedded tsMs field. Absent or null means "use the
// receive time"; anything non-numeric or non-positive is invalid.
func parseTsMs(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var tsMs int64
	if err := json.Unmarshal(raw, &tsMs); err != nil {
		return 0, ErrInvalidTimestamp
	}
	if tsMs <= 0 {
		return 0, ErrInvalidTimestamp
	}
	return tsMs, nil
}

// Normalize resolves the mapping, parses the payload, applies the linear
// transform, and assembles the point value.
func (n *Normalizer) Normalize(ctx context.Context, event domain.RawEvent) (domain.PointValue, error) {
	mapping, err := n.provider.FindMapping(ctx, event.TenantID, event.ProjectID, event.SourceID, event.Address)
	if err != nil {
		return domain.PointValue{}, err
	}
	if mapping == nil {
		return domain.PointValue{}, ErrNoMapping
	}

	value, tsMs, quality, err := parsePayload(event.Payload, mapping.DataType)
	if err != nil {
		return domain.PointValue{}, err
	}
	if tsMs == 0 {
		tsMs = event.ReceivedAtMs
	}

	if mapping.Scale != nil || mapping.Offset != nil {
		if !value.IsNumeric() {
			return domain.PointValue{}, ErrInvalidPayload
		}
		transformed := value.AsF64()
		if mapping.Scale != nil {
			transformed *= *mapping.Scale
		}
		if mapping.Offset != nil {
			transformed += *mapping.Offset
		}
		value = domain.F64Value(transformed)
	}

	return domain.PointValue{
		TenantID:  event.TenantID,
		ProjectID: event.ProjectID,
		PointID:   mapping.PointID,
		TsMs:      tsMs,
		Value:     value,
		Quality:   quality,
	}, nil
}

// parsePayload applies the default scalar strategy: a trimmed f64 parse,
// falling back to JSON. The declared data type of the point selects the
// final tag where configured.
func parsePayload(payload []byte, dataType string) (domain.Value, int64, string, error) {
	if len(payload) == 0 || !utf8.Valid(payload) {
		return domain.Value{}, 0, "", ErrInvalidPayload
	}
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return domain.Value{}, 0, "", ErrInvalidPayload
	}

	if value, err := strconv.ParseFloat(text, 64); err == nil {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return domain.Value{}, 0, "", ErrInvalidPayload
		}
		return coerce(domain.F64Value(value), dataType)
	}

	if !json.Valid([]byte(text)) {
		return domain.Value{}, 0, "", ErrInvalidPayload
	}

	// Scalar JSON leaves: bool and string.
	var boolean bool
	if err := json.Unmarshal([]byte(text), &boolean); err == nil {
		return coerce(domain.BoolValue(boolean), dataType)
	}
	var str string
	if err := json.Unmarshal([]byte(text), &str); err == nil {
		return coerce(domain.StringValue(str), dataType)
	}

	// Structured payload: take the `value` leaf (or `v`) plus optional tsMs;
	// the leaf name is fixed and no other JSON path is looked up.
	var structured jsonPayload
	if err := json.Unmarshal([]byte(text), &structured); err != nil {
		return domain.Value{}, 0, "", ErrInvalidPayload
	}
	tsMs, err := parseTsMs(structured.TsMs)
	if err != nil {
		return domain.Value{}, 0, "", err
	}

	leaf := structured.Value
	if leaf == nil {
		leaf = structured.V
	}
	if leaf == nil {
		// No recognized leaf; keep the whole object as a string.
		value, _, _, err := coerce(domain.StringValue(text), dataType)
		return value, tsMs, structured.Quality, err
	}

	value, _, _, err := parsePayload(*leaf, dataType)
	if err != nil {
		return domain.Value{}, 0, "", err
	}
	return value, tsMs, structured.Quality, nil
}

// coerce retags a parsed value per the point's declared data type.
func coerce(value domain.Value, dataType string) (domain.Value, int64, string, error) {
	switch strings.ToLower(dataType) {
	case "", "f64", "float", "double":
		return value, 0, "", nil
	case "i64", "int", "integer":
		switch value.Kind {
		case domain.KindF64:
			if value.F64 != math.Trunc(value.F64) {
				return domain.Value{}, 0, "", ErrInvalidPayload
			}
			return domain.I64Value(int64(value.F64)), 0, "", nil
		case domain.KindI64:
			return value, 0, "", nil
		default:
			return domain.Value{}, 0, "", ErrInvalidPayload
		}
	case "bool", "boolean":
		switch value.Kind {
		case domain.KindBool:
			return value, 0, "", nil
		case domain.KindF64:
			return domain.BoolValue(value.F64 != 0), 0, "", nil
		default:
			return domain.Value{}, 0, "", ErrInvalidPayload
		}
	case "string", "text":
		return domain.StringValue(value.String()), 0, "", nil
	default:
		return value, 0, "", nil
	}
}
