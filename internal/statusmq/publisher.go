// Package statusmq publishes sync progress to an MQTT broker so dashboards
// on the factory floor can follow each terminal without polling it.
package statusmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fabworks/floorsync/internal/engine"
)

// Config holds broker connection settings.
type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// progressMessage is the JSON body published on the progress topic.
type progressMessage struct {
	Total       int    `json:"total"`
	Processed   int    `json:"processed"`
	CurrentItem string `json:"currentItem,omitempty"`
	Status      string `json:"status"`
	At          string `json:"at"`
}

// Publisher bridges engine observers onto MQTT topics:
//
//	<prefix>/progress  retained JSON snapshot of the current run
//	<prefix>/status    human-readable status lines
type Publisher struct {
	cfg    Config
	logger *slog.Logger
	client Client
	now    func() time.Time

	clientFactory func(opts *mqtt.ClientOptions) Client
	unsubscribe   []func()
}

// New creates a publisher. Connect must be called before Attach.
func New(cfg Config, logger *slog.Logger) *Publisher {
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("floorsync-%d", time.Now().Unix())
	}
	return &Publisher{
		cfg:    cfg,
		logger: logger.With("component", "statusmq"),
		now:    time.Now,
		clientFactory: func(opts *mqtt.ClientOptions) Client {
			return &pahoClient{client: mqtt.NewClient(opts)}
		},
	}
}

// NewWithClient creates a publisher with a custom client factory, for tests.
func NewWithClient(cfg Config, logger *slog.Logger, factory func(*mqtt.ClientOptions) Client) *Publisher {
	p := New(cfg, logger)
	p.clientFactory = factory
	return p
}

// Connect dials the broker. It retries automatically once connected;
// the initial connect failure is returned so the caller can decide.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", p.cfg.Host, p.cfg.Port))
	opts.SetClientID(p.cfg.ClientID)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		p.logger.Warn("mqtt connection lost", "error", err)
	})

	p.client = p.clientFactory(opts)

	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timeout to %s:%d", p.cfg.Host, p.cfg.Port)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	p.logger.Info("mqtt connected", "broker", p.cfg.Host, "prefix", p.cfg.TopicPrefix)
	return nil
}

// Attach subscribes to the engine's progress and status feeds.
func (p *Publisher) Attach(e *engine.Engine) {
	p.unsubscribe = append(p.unsubscribe,
		e.OnProgress(p.publishProgress),
		e.OnStatus(p.publishStatus),
	)
}

// Close detaches from the engine and disconnects from the broker.
func (p *Publisher) Close() {
	for _, unsub := range p.unsubscribe {
		unsub()
	}
	p.unsubscribe = nil
	if p.client != nil {
		p.client.Disconnect(250)
	}
}

func (p *Publisher) publishProgress(prog engine.Progress) {
	msg := progressMessage{
		Total:       prog.Total,
		Processed:   prog.Processed,
		CurrentItem: prog.CurrentItem,
		Status:      string(prog.Status),
		At:          p.now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("marshal progress", "error", err)
		return
	}
	p.publish(p.cfg.TopicPrefix+"/progress", true, body)
}

func (p *Publisher) publishStatus(line string) {
	p.publish(p.cfg.TopicPrefix+"/status", false, []byte(line))
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) {
	if p.client == nil || !p.client.IsConnected() {
		p.logger.Debug("mqtt not connected, dropping message", "topic", topic)
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	// Fire and forget: block briefly so slow brokers surface in logs
	// without stalling the sync loop.
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			p.logger.Warn("mqtt publish timeout", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		}
	}()
}
