package backbone

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig holds broker connection settings shared by the backbone and the detection source.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

const mqttQoS = 1

// MQTTConn is one broker connection shared by every MQTT user in the process.
// Subscriptions are remembered and restored after each reconnect.
type MQTTConn struct {
	client mqtt.Client
	logger *slog.Logger

	mu     sync.Mutex
	routes map[string]mqtt.MessageHandler
}

// NewMQTTConn wraps an already configured client.
func NewMQTTConn(client mqtt.Client, logger *slog.Logger) *MQTTConn {
	return &MQTTConn{
		client: client,
		logger: logger,
		routes: make(map[string]mqtt.MessageHandler),
	}
}

// DialMQTT connects to the broker with auto-reconnect enabled.
func DialMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTTConn, error) {
	conn := &MQTTConn{
		logger: logger,
		routes: make(map[string]mqtt.MessageHandler),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOrderMatters(true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker, "client_id", cfg.ClientID)
		go conn.restore(c)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})

	conn.client = mqtt.NewClient(opts)
	token := conn.client.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect error: %w", err)
	}

	return conn, nil
}

// Publish waits at most timeout for the broker to accept the message.
func (c *MQTTConn) Publish(topic string, payload []byte, timeout time.Duration) error {
	if !c.client.IsConnectionOpen() {
		return ErrClosed
	}

	token := c.client.Publish(topic, mqttQoS, false, payload)
	if ok := token.WaitTimeout(timeout); !ok {
		return ErrPublishTimeout
	}
	return token.Error()
}

func (c *MQTTConn) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	route := func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}

	c.mu.Lock()
	c.routes[topic] = route
	c.mu.Unlock()

	token := c.client.Subscribe(topic, mqttQoS, route)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *MQTTConn) restore(client mqtt.Client) {
	c.mu.Lock()
	routes := make(map[string]mqtt.MessageHandler, len(c.routes))
	for topic, route := range c.routes {
		routes[topic] = route
	}
	c.mu.Unlock()

	for topic, route := range routes {
		token := client.Subscribe(topic, mqttQoS, route)
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Error("mqtt resubscribe failed", "topic", topic, "error", err)
		}
	}
}

// Ping fails while the broker connection is down.
func (c *MQTTConn) Ping(context.Context) error {
	if c.client == nil || !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	return nil
}

func (c *MQTTConn) Close() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

// MQTT is the backbone over a broker; channel c maps to topic <prefix>/c.
type MQTT struct {
	conn           *MQTTConn
	prefix         string
	publishTimeout time.Duration
	logger         *slog.Logger
}

func NewMQTT(conn *MQTTConn, prefix string, publishTimeout time.Duration, logger *slog.Logger) *MQTT {
	if publishTimeout <= 0 {
		publishTimeout = 2 * time.Second
	}
	return &MQTT{
		conn:           conn,
		prefix:         strings.TrimSuffix(prefix, "/"),
		publishTimeout: publishTimeout,
		logger:         logger,
	}
}

func (m *MQTT) topic(channel string) string {
	return m.prefix + "/" + channel
}

func (m *MQTT) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.conn.Publish(m.topic(channel), payload, m.publishTimeout); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (m *MQTT) Subscribe(channel string, handler Handler) error {
	topic := m.topic(channel)
	if err := m.conn.Subscribe(topic, func(_ string, payload []byte) {
		handler(payload)
	}); err != nil {
		return err
	}

	m.logger.Info("backbone subscribed", "backbone", "mqtt", "topic", topic)
	return nil
}

// Close leaves the shared connection to its owner.
func (m *MQTT) Close() error {
	return nil
}
