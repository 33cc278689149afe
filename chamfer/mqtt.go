package chamfer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// EdgeHandler receives edge maps published for a view. err is set when the
// payload could not be decoded.
type EdgeHandler func(viewID string, edges *EdgeSet, err error)

// HypothesisHandler receives hypotheses published on the hypothesis topic
type HypothesisHandler func(h *Hypothesis, err error)

// MQTTHandlers are the callbacks InitMQTT wires to subscriptions. Either may
// be nil.
type MQTTHandlers struct {
	Edges      EdgeHandler
	Hypothesis HypothesisHandler
}

// MQTTClient manages the MQTT connection and the edge and hypothesis
// subscriptions
type MQTTClient struct {
	client      mqtt.Client
	config      *Config
	handlers    MQTTHandlers
	isConnected bool
	mu          sync.RWMutex
}

// envOr returns the environment variable when set, otherwise fallback
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// PublishPrefix returns the topic prefix for results, honouring
// MQTT_PUBLISH_PREFIX
func PublishPrefix(config *Config) string {
	prefix := ""
	if config != nil {
		prefix = config.MQTT.PublishPrefix
	}
	if prefix == "" {
		prefix = "chamferlik"
	}
	return envOr("MQTT_PUBLISH_PREFIX", prefix)
}

// InitMQTT creates the MQTT client and starts connecting in the background.
// If neither MQTT_BROKER nor mqtt.broker is set, MQTT is disabled and this
// returns nil, nil. Connection attempts stop when ctx is done.
func InitMQTT(ctx context.Context, config *Config, handlers MQTTHandlers) (*MQTTClient, error) {
	if config == nil {
		return nil, fmt.Errorf("%w: MQTT needs a configuration", ErrInvalidInput)
	}
	broker := envOr("MQTT_BROKER", config.MQTT.Broker)
	if broker == "" {
		Logger().Info("MQTT disabled: no broker configured")
		return nil, nil
	}
	if !hasSubscriptions(config) {
		return nil, fmt.Errorf("%w: MQTT enabled but no view topic or hypothesis topic configured", ErrInvalidInput)
	}

	c := &MQTTClient{config: config, handlers: handlers}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(envOr("MQTT_CLIENT_ID", config.MQTT.ClientID))
	if username := envOr("MQTT_USERNAME", config.MQTT.Username); username != "" {
		opts.SetUsername(username)
		opts.SetPassword(envOr("MQTT_PASSWORD", config.MQTT.Password))
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	// edge maps of different views may be decoded concurrently
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		Logger().Info("MQTT reconnecting")
	})

	c.client = mqtt.NewClient(opts)
	go c.connectWithRetry(ctx)
	return c, nil
}

func hasSubscriptions(config *Config) bool {
	if config.MQTT.HypothesisTopic != "" {
		return true
	}
	for _, v := range config.Views {
		if v.Topic != "" {
			return true
		}
	}
	return false
}

// connectWithRetry connects with exponential backoff until it succeeds or
// ctx is done
func (c *MQTTClient) connectWithRetry(ctx context.Context) {
	delay := time.Second
	const maxDelay = 60 * time.Second

	for {
		Logger().Info("connecting to MQTT broker")
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.setConnected(true)
				return
			}
			Logger().Warn("MQTT connection failed", "error", token.Error(), "retry", delay)
		} else {
			Logger().Warn("MQTT connection timeout", "retry", delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxDelay)
	}
}

// onConnect subscribes to every view topic and the hypothesis topic
func (c *MQTTClient) onConnect(client mqtt.Client) {
	Logger().Info("MQTT connected")
	c.setConnected(true)

	for _, view := range c.config.Views {
		if view.Topic == "" {
			continue
		}
		c.subscribe(client, view.Topic, c.edgeMessageHandler(view.ID))
	}
	if topic := c.config.MQTT.HypothesisTopic; topic != "" {
		c.subscribe(client, topic, c.hypothesisMessageHandler())
	}
}

func (c *MQTTClient) subscribe(client mqtt.Client, topic string, h mqtt.MessageHandler) {
	token := client.Subscribe(topic, 0, h)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		Logger().Warn("MQTT subscribe failed", "topic", topic, "error", token.Error())
		return
	}
	Logger().Info("MQTT subscribed", "topic", topic)
}

// onConnectionLost is transient; auto-reconnect is enabled
func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	Logger().Warn("MQTT connection interrupted", "error", err)
	c.setConnected(false)
}

// edgeMessageHandler decodes PNG or JSON edge maps for one view
func (c *MQTTClient) edgeMessageHandler(viewID string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		Logger().Debug("edge map received", "view", viewID, "topic", msg.Topic(), "bytes", len(payload))

		edges, err := ParseEdgePayload(payload)
		if err != nil {
			Logger().Warn("dropping edge map", "view", viewID, "error", err)
			edges = nil
		}
		if c.handlers.Edges != nil {
			c.handlers.Edges(viewID, edges, err)
		}
	}
}

// hypothesisMessageHandler decodes GeoJSON hypotheses
func (c *MQTTClient) hypothesisMessageHandler() mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		h, err := ParseHypothesis(msg.Payload())
		if err != nil {
			Logger().Warn("dropping hypothesis", "topic", msg.Topic(), "error", err)
			h = nil
		}
		if c.handlers.Hypothesis != nil {
			c.handlers.Hypothesis(h, err)
		}
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		Logger().Info("disconnecting from MQTT broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// ViewByTopic returns the view fed by the given topic
func (c *MQTTClient) ViewByTopic(topic string) (string, bool) {
	for _, v := range c.config.Views {
		if v.Topic == topic {
			return v.ID, true
		}
	}
	return "", false
}

// Client returns the underlying MQTT client for publishing
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}

// newMQTTClientWithClient wires an existing mqtt.Client, for tests
func newMQTTClientWithClient(client mqtt.Client, config *Config, handlers MQTTHandlers) *MQTTClient {
	return &MQTTClient{client: client, config: config, handlers: handlers}
}
