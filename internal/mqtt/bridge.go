// Package mqtt bridges the runtime to an MQTT broker: vendor push messages
// come in through Subscribe, entity states and discovery configs go out
// through the StatePublisher.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	maxQoS                = 2
)

var (
	// ErrNotConnected is returned when publishing without a broker connection.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrInvalidTopic is returned for an empty topic or filter.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrTimeout is returned when the broker does not acknowledge in time.
	ErrTimeout = errors.New("mqtt: timed out")
)

// Config describes the broker connection.
type Config struct {
	Broker          string `yaml:"broker" env:"MQTT_BROKER"`
	ClientID        string `yaml:"client_id" env:"MQTT_CLIENT_ID"`
	Username        string `yaml:"username" env:"MQTT_USERNAME"`
	Password        string `yaml:"password" env:"MQTT_PASSWORD"`
	QoS             byte   `yaml:"qos" env:"MQTT_QOS"`
	DiscoveryPrefix string `yaml:"discovery_prefix" env:"MQTT_DISCOVERY_PREFIX"`
	StatePrefix     string `yaml:"state_prefix" env:"MQTT_STATE_PREFIX"`
}

// Enabled reports whether a broker is configured.
func (c Config) Enabled() bool {
	return c.Broker != ""
}

// Sink receives one MQTT message.
type Sink func(topic string, payload []byte)

// Bridge wraps a paho client. Subscriptions are restored on reconnect.
type Bridge struct {
	client pahomqtt.Client
	qos    byte
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]Sink
}

// Connect dials the broker described by cfg and waits for the first
// connection or ctx.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Bridge, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("mqtt broker not configured")
	}

	b := newBridge(cfg, logger)
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetOrderMatters(false)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { b.restoreSubscriptions() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		b.logger.Warn("MQTT connection lost", zap.Error(err))
	})

	b.client = pahomqtt.NewClient(opts)
	if err := wait(ctx, b.client.Connect(), defaultConnectTimeout); err != nil {
		b.client.Disconnect(250)
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}
	b.logger.Info("Connected to MQTT broker", zap.String("broker", cfg.Broker))
	return b, nil
}

// NewBridge wraps an existing client.
func NewBridge(client pahomqtt.Client, cfg Config, logger *zap.Logger) *Bridge {
	b := newBridge(cfg, logger)
	b.client = client
	return b
}

func newBridge(cfg Config, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	qos := cfg.QoS
	if qos > maxQoS {
		qos = maxQoS
	}
	return &Bridge{
		qos:    qos,
		logger: logger.Named("mqtt"),
		subs:   make(map[string]Sink),
	}
}

// Subscribe delivers messages matching filter to sink. The returned function
// unsubscribes.
func (b *Bridge) Subscribe(filter string, sink Sink) (unsubscribe func(), err error) {
	if filter == "" {
		return nil, ErrInvalidTopic
	}

	b.mu.Lock()
	b.subs[filter] = sink
	b.mu.Unlock()

	if err := wait(context.Background(), b.client.Subscribe(filter, b.qos, b.handler(sink)), defaultPublishTimeout); err != nil {
		b.mu.Lock()
		delete(b.subs, filter)
		b.mu.Unlock()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", filter, err)
	}
	b.logger.Debug("Subscribed", zap.String("filter", filter))

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, filter)
			b.mu.Unlock()
			if err := wait(context.Background(), b.client.Unsubscribe(filter), defaultPublishTimeout); err != nil {
				b.logger.Warn("Failed to unsubscribe", zap.String("filter", filter), zap.Error(err))
			}
		})
	}, nil
}

// Publish sends payload to topic.
func (b *Bridge) Publish(topic string, payload []byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !b.client.IsConnected() {
		return ErrNotConnected
	}
	if err := wait(context.Background(), b.client.Publish(topic, b.qos, retained, payload), defaultPublishTimeout); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (b *Bridge) Close() {
	b.client.Disconnect(250)
	b.logger.Info("Disconnected from MQTT broker")
}

func (b *Bridge) handler(sink Sink) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("MQTT sink panicked", zap.String("topic", msg.Topic()), zap.Any("panic", r))
			}
		}()
		sink(msg.Topic(), msg.Payload())
	}
}

func (b *Bridge) restoreSubscriptions() {
	b.mu.RLock()
	subs := make(map[string]Sink, len(b.subs))
	for filter, sink := range b.subs {
		subs[filter] = sink
	}
	b.mu.RUnlock()

	for filter, sink := range subs {
		token := b.client.Subscribe(filter, b.qos, b.handler(sink))
		go func(filter string) {
			if err := wait(context.Background(), token, defaultPublishTimeout); err != nil {
				b.logger.Warn("Failed to restore subscription", zap.String("filter", filter), zap.Error(err))
			}
		}(filter)
	}
}

func wait(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
