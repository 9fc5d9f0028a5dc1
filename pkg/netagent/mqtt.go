package netagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/celldata/pkg"
	"github.com/markus-lassfolk/celldata/pkg/logx"
)

// MQTTConfig holds the MQTT publisher configuration
type MQTTConfig struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Enabled     bool   `json:"enabled"`
}

// DefaultMQTTConfig returns the default MQTT configuration
func DefaultMQTTConfig() *MQTTConfig {
	return &MQTTConfig{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "celldatad",
		TopicPrefix: "celldata",
		QoS:         1,
		Enabled:     false,
	}
}

// MQTTBroker keeps supplier state like MemoryBroker and mirrors every change
// as a retained JSON message, so other daemons on the router can follow the
// cellular suppliers without talking to this process.
type MQTTBroker struct {
	*MemoryBroker

	client MQTT.Client
	config *MQTTConfig
	logger *logx.Logger

	mu          sync.RWMutex
	connected   bool
	lastPublish time.Time
}

// NewMQTTBroker creates a broker. Call Connect before publishing.
func NewMQTTBroker(config *MQTTConfig, logger *logx.Logger) *MQTTBroker {
	if config == nil {
		config = DefaultMQTTConfig()
	}
	return &MQTTBroker{
		MemoryBroker: NewMemoryBroker(),
		config:       config,
		logger:       logger,
	}
}

// Connect establishes the connection to the MQTT broker
func (b *MQTTBroker) Connect() error {
	if !b.config.Enabled {
		b.logger.Debug("mqtt publisher disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", b.config.Broker, b.config.Port))
	opts.SetClientID(b.config.ClientID)
	if b.config.Username != "" {
		opts.SetUsername(b.config.Username)
		opts.SetPassword(b.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetWill(b.topic("status"), "offline", byte(b.config.QoS), true)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)

	b.client = MQTT.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	b.logger.Info("mqtt publisher connected", "broker", b.config.Broker, "port", b.config.Port)
	return nil
}

// Disconnect publishes the offline status and closes the connection
func (b *MQTTBroker) Disconnect() {
	if b.client == nil || !b.IsConnected() {
		return
	}
	_ = b.publishRaw(b.topic("status"), []byte("offline"))
	b.client.Disconnect(250)
	b.setConnected(false)
	b.logger.Info("mqtt publisher disconnected")
}

func (b *MQTTBroker) onConnect(client MQTT.Client) {
	b.setConnected(true)
	b.logger.Info("mqtt connection established")
	_ = b.publishRaw(b.topic("status"), []byte("online"))
}

func (b *MQTTBroker) onConnectionLost(client MQTT.Client, err error) {
	b.setConnected(false)
	b.logger.Error("mqtt connection lost", "error", err)
}

func (b *MQTTBroker) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}

// IsConnected reports whether the MQTT session is up
func (b *MQTTBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected && b.client != nil && b.client.IsConnected()
}

// LastPublish returns when the last message was published
func (b *MQTTBroker) LastPublish() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPublish
}

func (b *MQTTBroker) RegisterNetSupplier(ctx context.Context, s Supplier) error {
	if err := b.MemoryBroker.RegisterNetSupplier(ctx, s); err != nil {
		return err
	}
	return b.publishJSON(b.topic("suppliers", s.ID), s)
}

func (b *MQTTBroker) UnregisterNetSupplier(ctx context.Context, supplierID string) error {
	if err := b.MemoryBroker.UnregisterNetSupplier(ctx, supplierID); err != nil {
		return err
	}
	// an empty retained payload clears the retained message
	return b.publishRaw(b.topic("suppliers", supplierID), nil)
}

func (b *MQTTBroker) UpdateNetSupplierInfo(supplierID string, info SupplierInfo) error {
	if err := b.MemoryBroker.UpdateNetSupplierInfo(supplierID, info); err != nil {
		return err
	}
	return b.publishJSON(b.topic("suppliers", supplierID, "info"), info)
}

func (b *MQTTBroker) UpdateNetLinkInfo(supplierID string, link LinkInfo) error {
	if err := b.MemoryBroker.UpdateNetLinkInfo(supplierID, link); err != nil {
		return err
	}
	return b.publishJSON(b.topic("suppliers", supplierID, "link"), link)
}

func (b *MQTTBroker) RegisterSlotType(supplierID string, tech pkg.RadioTech) error {
	if err := b.MemoryBroker.RegisterSlotType(supplierID, tech); err != nil {
		return err
	}
	return b.publishJSON(b.topic("suppliers", supplierID, "radio_tech"), map[string]string{"radio_tech": tech.String()})
}

// PublishEvent publishes a connection lifecycle event (not retained)
func (b *MQTTBroker) PublishEvent(ev pkg.Event) error {
	if !b.config.Enabled || !b.IsConnected() {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	token := b.client.Publish(b.topic("events"), byte(b.config.QoS), false, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish event: %w", token.Error())
	}
	return nil
}

func (b *MQTTBroker) topic(parts ...string) string {
	t := b.config.TopicPrefix
	for _, p := range parts {
		t += "/" + p
	}
	return t
}

func (b *MQTTBroker) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return b.publishRaw(topic, data)
}

func (b *MQTTBroker) publishRaw(topic string, data []byte) error {
	if !b.config.Enabled || !b.IsConnected() {
		return nil
	}
	token := b.client.Publish(topic, byte(b.config.QoS), true, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	b.mu.Lock()
	b.lastPublish = time.Now()
	b.mu.Unlock()
	b.logger.Trace("mqtt message published", "topic", topic, "size", len(data))
	return nil
}
