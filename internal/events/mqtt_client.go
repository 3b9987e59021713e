package events

import (
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient abstracts the paho client so tests can substitute a fake.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	IsConnected() bool
}

// DefaultMQTTClient wraps the paho MQTT client.
type DefaultMQTTClient struct {
	client mqtt.Client
}

func (c *DefaultMQTTClient) Connect() mqtt.Token { return c.client.Connect() }

func (c *DefaultMQTTClient) Disconnect(quiesce uint) { c.client.Disconnect(quiesce) }

func (c *DefaultMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return c.client.Publish(topic, qos, retained, payload)
}

func (c *DefaultMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return c.client.Subscribe(topic, qos, callback)
}

func (c *DefaultMQTTClient) IsConnected() bool { return c.client.IsConnected() }
