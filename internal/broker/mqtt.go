package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Transport errors.
var (
	ErrUnavailable    = errors.New("broker: unavailable")
	ErrPublishTimeout = errors.New("broker: publish timeout")
)

// Config holds the broker endpoint.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
	// PublishTimeout bounds every publish wait. Zero means 10s.
	PublishTimeout time.Duration
}

// MessageHandler receives each message of a subscription in arrival order
// per topic filter.
type MessageHandler func(topic string, payload []byte, receivedAtMs int64)

// Client is the minimal MQTT surface the core needs. It enables unit
// testing the ingest and control paths without a live broker.
type Client interface {
	Subscribe(filter string, qos byte, handler MessageHandler) error
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
	Close()
}

// MQTTClient wraps a paho client.
type MQTTClient struct {
	cli            mqtt.Client
	publishTimeout time.Duration
	logger         *log.Logger
}

// Connect dials the broker with auto-reconnect enabled.
func Connect(cfg Config, logger *log.Logger) (*MQTTClient, error) {
	if logger == nil {
		logger = log.Default()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "ems-" + uuid.NewString()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(true)
	opts.OnConnect = func(_ mqtt.Client) {
		logger.Printf("broker: connected %s:%d", cfg.Host, cfg.Port)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Printf("broker: connection lost: %v", err)
	}

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if ok := token.WaitTimeout(15 * time.Second); !ok {
		return nil, ErrUnavailable
	}
	if err := token.Error(); err != nil {
		return nil, err
	}

	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = 10 * time.Second
	}
	return &MQTTClient{cli: cli, publishTimeout: publishTimeout, logger: logger}, nil
}

// Subscribe registers a handler for the filter.
func (c *MQTTClient) Subscribe(filter string, qos byte, handler MessageHandler) error {
	token := c.cli.Subscribe(filter, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload(), time.Now().UnixMilli())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return err
	}
	c.logger.Printf("broker: subscribed %s qos=%d", filter, qos)
	return nil
}

// Publish sends a frame, bounded by the publish timeout and the context.
func (c *MQTTClient) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	token := c.cli.Publish(topic, qos, false, payload)

	timeout := c.publishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if ok := token.WaitTimeout(timeout); !ok {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return err
	}
	return nil
}

// Close disconnects, allowing in-flight work a short grace period.
func (c *MQTTClient) Close() {
	if c == nil || c.cli == nil {
		return
	}
	c.cli.Disconnect(1000)
}
