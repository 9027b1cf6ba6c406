// Package bridge subscribes directly to the broker's telemetry topics so
// the dashboard sees events between poll cycles. It is optional: without it
// the poller alone keeps the cache current at poll-interval latency.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"mqttscope/pkg/aggregate"
	"mqttscope/pkg/obs"
	"mqttscope/pkg/storage"
	"mqttscope/pkg/telemetry"
	"mqttscope/pkg/ws"
)

const (
	connectTimeout   = 10 * time.Second
	subscribeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	subscribeQoS     = 1
)

// envelope is the JSON event message brokers publish on their telemetry
// topics. Timestamp is unix milliseconds; zero means "now".
type envelope struct {
	ClientID  string            `json:"client_id"`
	Type      string            `json:"type"`
	Topic     string            `json:"topic,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Config holds broker connection settings
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Topics    []string
}

// Bridge feeds live broker events into the cache and the WebSocket hub
type Bridge struct {
	cfg     Config
	store   storage.Storage
	hub     *ws.Hub
	counter *aggregate.TopicCounter
	client  MQTT.Client
}

// New creates a bridge. Connect must be called before events flow.
func New(cfg Config, store storage.Storage, hub *ws.Hub, counter *aggregate.TopicCounter) (*Bridge, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("bridge: broker URL required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("bridge: at least one subscription topic required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "mqttscope"
	}

	b := &Bridge{cfg: cfg, store: store, hub: hub, counter: counter}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(func(c MQTT.Client) {
		// Re-subscribe on every (re)connect; clean sessions drop state
		b.subscribe(c)
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		log.Printf("⚠️  MQTT bridge connection lost: %v", err)
	})

	b.client = MQTT.NewClient(opts)
	return b, nil
}

// Connect establishes the broker connection and subscriptions
func (b *Bridge) Connect() error {
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("bridge: connect to %s timed out", b.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("bridge: connect to %s failed: %w", b.cfg.BrokerURL, err)
	}
	log.Printf("📡 MQTT bridge connected to %s (%d topics)", b.cfg.BrokerURL, len(b.cfg.Topics))
	return nil
}

// Close disconnects from the broker, allowing in-flight work to finish
func (b *Bridge) Close() {
	b.client.Disconnect(250)
}

func (b *Bridge) subscribe(c MQTT.Client) {
	for _, topic := range b.cfg.Topics {
		token := c.Subscribe(topic, subscribeQoS, b.handleMessage)
		if !token.WaitTimeout(subscribeTimeout) || token.Error() != nil {
			log.Printf("❌ MQTT bridge subscribe to %q failed: %v", topic, token.Error())
			continue
		}
		log.Printf("📡 MQTT bridge subscribed to %q", topic)
	}
}

// handleMessage decodes one event envelope and stores it
func (b *Bridge) handleMessage(_ MQTT.Client, msg MQTT.Message) {
	obs.BridgeMessages.Inc()

	var env envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		obs.BridgeErrors.Inc()
		log.Printf("❌ MQTT bridge: undecodable payload on %q: %v", msg.Topic(), err)
		return
	}

	event, err := env.toEvent()
	if err != nil {
		obs.BridgeErrors.Inc()
		log.Printf("❌ MQTT bridge: bad envelope on %q: %v", msg.Topic(), err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := b.store.Write(ctx, []telemetry.Event{event}); err != nil {
		obs.BridgeErrors.Inc()
		log.Printf("❌ MQTT bridge: cache write failed: %v", err)
		return
	}

	if b.counter != nil {
		b.counter.Record(event)
	}

	if b.hub != nil && b.hub.HasClients() {
		update := map[string]interface{}{
			"type":      "events_update",
			"timestamp": time.Now().Unix(),
			"events":    []telemetry.Event{event},
			"count":     1,
		}
		if err := b.hub.Broadcast(update); err != nil {
			log.Printf("❌ MQTT bridge: broadcast failed: %v", err)
		}
	}
}

func (env envelope) toEvent() (telemetry.Event, error) {
	t := telemetry.EventType(env.Type)
	if !telemetry.ValidEventType(t) {
		return telemetry.Event{}, fmt.Errorf("unknown event type %q", env.Type)
	}

	ts := time.Now()
	if env.Timestamp > 0 {
		ts = time.UnixMilli(env.Timestamp)
	}

	return telemetry.Event{
		ClientID:  env.ClientID,
		Type:      t,
		Topic:     env.Topic,
		Timestamp: ts,
		Details:   env.Details,
	}, nil
}
