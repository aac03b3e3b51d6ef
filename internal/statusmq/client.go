package statusmq

import (
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Client is the subset of paho mqtt.Client the publisher needs.
// Tests substitute a recording fake.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// pahoClient wraps the real paho client behind Client.
type pahoClient struct {
	client mqtt.Client
}

func (p *pahoClient) Connect() mqtt.Token {
	return p.client.Connect()
}

func (p *pahoClient) Disconnect(quiesce uint) {
	p.client.Disconnect(quiesce)
}

func (p *pahoClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return p.client.Publish(topic, qos, retained, payload)
}

func (p *pahoClient) IsConnected() bool {
	return p.client.IsConnected()
}
