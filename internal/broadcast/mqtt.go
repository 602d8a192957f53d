package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Domenick1991/ridedispatch/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type MQTTClient interface {
	IsConnected() bool
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTBridge mirrors every topic to an MQTT broker under a prefix, e.g. dispatch/driver/SEDAN.
type MQTTBridge struct {
	client  MQTTClient
	prefix  string
	qos     byte
	timeout time.Duration
}

func NewMQTTBridge(cfg config.MQTTConfig) (*MQTTBridge, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}
	return newMQTTBridge(client, cfg.TopicPrefix, byte(cfg.QoS)), nil
}

func newMQTTBridge(client MQTTClient, prefix string, qos byte) *MQTTBridge {
	return &MQTTBridge{client: client, prefix: prefix, qos: qos, timeout: 5 * time.Second}
}

func (b *MQTTBridge) Publish(_ context.Context, topic string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode mqtt payload: %w", err)
	}

	token := b.client.Publish(b.prefix+topic, b.qos, false, payload)
	if !token.WaitTimeout(b.timeout) {
		return fmt.Errorf("mqtt publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (b *MQTTBridge) Close() {
	if b.client.IsConnected() {
		b.client.Disconnect(250)
	}
}

var _ Publisher = (*MQTTBridge)(nil)
