// Package notify publishes campaign progress events to an MQTT broker so long
// campaigns can be followed from elsewhere.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Event kinds.
const (
	KindRun      = "run"
	KindFinished = "finished"
)

// Event describes one step of a campaign.
type Event struct {
	Kind       string    `json:"kind"`
	CampaignID string    `json:"campaign_id"`
	Experiment string    `json:"experiment"`
	Variant    string    `json:"variant,omitempty"`
	Repetition int       `json:"repetition"`
	Instance   int       `json:"instance"`
	Status     string    `json:"status,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Progress   string    `json:"progress,omitempty"`
	Time       time.Time `json:"time"`
}

// Notifier receives campaign events. Implementations must not block the
// campaign for long.
type Notifier interface {
	Publish(event Event) error
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) error { return nil }

func (Nop) Close() {}

// Config selects the broker.
type Config struct {
	// Broker is host:port or a full URL such as tcp://host:1883.
	Broker   string
	Topic    string
	ClientID string
	Timeout  time.Duration
}

const (
	defaultTopic   = "perfharness"
	defaultTimeout = 5 * time.Second
	publishQoS     = 1
)

// MQTT publishes events as JSON to <topic>/<experiment>.
type MQTT struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
}

// NewMQTT connects to the configured broker.
func NewMQTT(cfg Config) (*MQTT, error) {
	if cfg.Topic == "" {
		cfg.Topic = defaultTopic
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "perfharness-" + uuid.NewString()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetKeepAlive(30 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}
	return newWithClient(client, cfg.Topic, cfg.Timeout), nil
}

func newWithClient(client mqtt.Client, topic string, timeout time.Duration) *MQTT {
	return &MQTT{client: client, topic: strings.TrimSuffix(topic, "/"), timeout: timeout}
}

// Publish sends event and waits for the broker to acknowledge it.
func (m *MQTT) Publish(event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	token := m.client.Publish(m.Topic(event.Experiment), publishQoS, false, payload)
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("timed out publishing %s event", event.Kind)
	}
	return token.Error()
}

// Topic returns the topic events of experiment are published on.
func (m *MQTT) Topic(experiment string) string {
	if experiment == "" {
		return m.topic
	}
	return m.topic + "/" + experiment
}

// Close disconnects, giving in-flight messages a moment to drain.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}
