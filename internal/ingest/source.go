// Package ingest connects the broker to the normalizer and write pipeline.
package ingest

import (
	"context"
	"errors"
	"log"

	"github.com/zw834675966/ems/internal/broker"
	"github.com/zw834675966/ems/internal/domain"
)

// RawEventHandler consumes each boundary event.
type RawEventHandler interface {
	HandleRawEvent(ctx context.Context, event domain.RawEvent)
}

// SourceConfig selects the data subscription.
type SourceConfig struct {
	DataPrefix      string
	IncludeSourceID bool
	QoS             byte
}

// MQTTSource subscribes to the data wildcard and produces RawEvents.
type MQTTSource struct {
	cfg    SourceConfig
	logger *log.Logger
}

// NewMQTTSource constructs a source.
func NewMQTTSource(cfg SourceConfig, logger *log.Logger) (*MQTTSource, error) {
	if cfg.DataPrefix == "" {
		return nil, errors.New("ingest: data prefix required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &MQTTSource{cfg: cfg, logger: logger}, nil
}

// Start subscribes and forwards every parseable message to the handler.
// Malformed topics are dropped with a warning; the subscription survives.
func (s *MQTTSource) Start(client broker.Client, handler RawEventHandler) error {
	if client == nil {
		return errors.New("ingest: nil broker client")
	}
	if handler == nil {
		return errors.New("ingest: nil handler")
	}
	filter := broker.SubscribeFilter(s.cfg.DataPrefix)
	return client.Subscribe(filter, s.cfg.QoS, func(topic string, payload []byte, receivedAtMs int64) {
		scope, err := broker.ParseData(s.cfg.DataPrefix, topic, s.cfg.IncludeSourceID)
		if err != nil {
			s.logger.Printf("ingest: topic skipped %q: %v", topic, err)
			return
		}
		handler.HandleRawEvent(context.Background(), domain.RawEvent{
			TenantID:     scope.TenantID,
			ProjectID:    scope.ProjectID,
			SourceID:     scope.SourceID,
			Address:      scope.Address,
			Payload:      payload,
			ReceivedAtMs: receivedAtMs,
		})
	})
}
