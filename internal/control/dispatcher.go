package control

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/zw834675966/ems/internal/broker"
)

// DispatcherConfig composes the command topic.
type DispatcherConfig struct {
	CommandPrefix string
	IncludeTarget bool
	QoS           byte
}

// MQTTDispatcher publishes command frames to the broker.
type MQTTDispatcher struct {
	client broker.Client
	cfg    DispatcherConfig
	logger *log.Logger
}

// NewMQTTDispatcher constructs a dispatcher.
func NewMQTTDispatcher(client broker.Client, cfg DispatcherConfig, logger *log.Logger) (*MQTTDispatcher, error) {
	if client == nil {
		return nil, errors.New("control: nil broker client")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &MQTTDispatcher{client: client, cfg: cfg, logger: logger}, nil
}

// commandEnvelope is the wire frame devices receive.
type commandEnvelope struct {
	CommandID  string          `json:"commandId"`
	Target     string          `json:"target"`
	IssuedAtMs int64           `json:"issuedAtMs"`
	Payload    json.RawMessage `json:"payload"`
}

// Dispatch publishes the command envelope to its topic.
func (d *MQTTDispatcher) Dispatch(ctx context.Context, cmd Dispatch) error {
	topic := broker.BuildCommand(d.cfg.CommandPrefix, cmd.TenantID, cmd.ProjectID, cmd.Target, cmd.CommandID, d.cfg.IncludeTarget)

	payload := json.RawMessage(cmd.Payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(cmd.Payload)
		if err != nil {
			return err
		}
		payload = quoted
	}
	frame, err := json.Marshal(commandEnvelope{
		CommandID:  cmd.CommandID,
		Target:     cmd.Target,
		IssuedAtMs: cmd.IssuedAtMs,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	d.logger.Printf("control: publishing command %s to %s (%d bytes)", cmd.CommandID, topic, len(frame))
	return d.client.Publish(ctx, topic, frame, d.cfg.QoS)
}
