// Package bus connects the data plane to the network server's message bus.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Handler receives one inbound message. It runs on the transport's delivery
// goroutine and must not block for long.
type Handler func(topic string, payload []byte)

// Bus is a topic-addressed publish/subscribe transport.
type Bus interface {
	Subscribe(filter string, handler Handler) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// =============================================================================
// MQTT
// =============================================================================

// Config holds MQTT connection settings.
type Config struct {
	URL      string
	ClientID string
	Username string
	Password string
	QoS      byte

	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration

	// DisconnectQuiesce is how long Close waits for in-flight work.
	DisconnectQuiesce time.Duration
}

// DefaultConfig returns the default MQTT configuration.
func DefaultConfig() Config {
	return Config{
		URL:               "tcp://localhost:1883",
		ClientID:          "loradataserver",
		QoS:               0,
		ConnectTimeout:    10 * time.Second,
		DisconnectQuiesce: 250 * time.Millisecond,
	}
}

// MQTT is a Bus backed by an MQTT broker. Subscriptions are remembered and
// restored after a reconnect.
type MQTT struct {
	client mqtt.Client
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]Handler
	closed bool
}

// Dial connects to the broker.
func Dial(ctx context.Context, config Config, logger *slog.Logger) (*MQTT, error) {
	defaults := DefaultConfig()
	if config.URL == "" {
		config.URL = defaults.URL
	}
	if config.ClientID == "" {
		config.ClientID = defaults.ClientID
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.DisconnectQuiesce <= 0 {
		config.DisconnectQuiesce = defaults.DisconnectQuiesce
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &MQTT{
		config: config,
		logger: logger.With("component", "mqtt"),
		subs:   make(map[string]Handler),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(config.URL).
		SetClientID(config.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("connection lost", "error", err)
		})
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}

	b.client = mqtt.NewClient(opts)
	token := b.client.Connect()
	if err := wait(ctx, token, config.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", config.URL, err)
	}
	b.logger.Info("connected", "url", config.URL)
	return b, nil
}

// onConnect restores subscriptions; clean sessions drop them on reconnect.
func (b *MQTT) onConnect(c mqtt.Client) {
	b.mu.Lock()
	subs := make(map[string]Handler, len(b.subs))
	for f, h := range b.subs {
		subs[f] = h
	}
	b.mu.Unlock()

	for filter, handler := range subs {
		if t := c.Subscribe(filter, b.config.QoS, deliver(handler)); t.WaitTimeout(b.config.ConnectTimeout) && t.Error() != nil {
			b.logger.Error("resubscribe failed", "filter", filter, "error", t.Error())
		}
	}
}

// Subscribe registers handler for every topic matching filter.
func (b *MQTT) Subscribe(filter string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.subs[filter] = handler
	b.mu.Unlock()

	token := b.client.Subscribe(filter, b.config.QoS, deliver(handler))
	if err := wait(context.Background(), token, b.config.ConnectTimeout); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	b.logger.Info("subscribed", "filter", filter)
	return nil
}

// Publish sends payload to topic.
func (b *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	token := b.client.Publish(topic, b.config.QoS, false, payload)
	if err := wait(ctx, token, b.config.ConnectTimeout); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Ping reports whether the broker connection is up.
func (b *MQTT) Ping(ctx context.Context) error {
	if !b.client.IsConnectionOpen() {
		return errors.New("not connected")
	}
	return nil
}

// Close disconnects from the broker. It is safe to call more than once.
func (b *MQTT) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.client.Disconnect(uint(b.config.DisconnectQuiesce / time.Millisecond))
	b.logger.Info("disconnected")
	return nil
}

func deliver(h Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	}
}

// wait blocks until the token completes, the context ends or timeout passes.
func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.New("timed out")
	}
}
