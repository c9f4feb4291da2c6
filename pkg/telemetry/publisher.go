package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/itohio/rcexp/pkg/config"
	"github.com/itohio/rcexp/pkg/experiment"
	"github.com/itohio/rcexp/pkg/fit"
	"github.com/itohio/rcexp/pkg/sample"
)

// DefaultBuffer is the number of events queued before Observe starts dropping.
const DefaultBuffer = 256

// Client is the part of an MQTT client the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

var _ Client = (mqtt.Client)(nil)

// Publisher forwards coordinator events to the broker from its own goroutine.
type Publisher struct {
	client  Client
	topic   string
	qos     byte
	timeout time.Duration
	events  chan experiment.Event
}

// Message is the JSON payload published for every event.
type Message struct {
	experiment.Event
	Timestamp time.Time     `json:"timestamp"`
	Samples   int           `json:"samples,omitempty"`
	Fit       *fit.Result   `json:"fit,omitempty"`
	Pulse     *sample.Stats `json:"pulse,omitempty"`
	Cancelled bool          `json:"cancelled,omitempty"`
}

// NewPublisher creates a publisher. buffer <= 0 uses DefaultBuffer.
func NewPublisher(client Client, cfg config.TelemetryConfig, buffer int) *Publisher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	topic := cfg.Topic
	if topic == "" {
		topic = config.Default().Telemetry.Topic
	}
	return &Publisher{
		client:  client,
		topic:   topic,
		qos:     cfg.QoS,
		timeout: 5 * time.Second,
		events:  make(chan experiment.Event, buffer),
	}
}

// Observe queues ev without blocking. Register it with Coordinator.OnEvent.
func (p *Publisher) Observe(ev experiment.Event) {
	select {
	case p.events <- ev:
	default:
		log.Printf("Telemetry: queue full, dropping %s event of run %s", ev.Type, ev.RunID)
	}
}

// Start publishes queued events until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	log.Println("Telemetry: publisher starting")

	for {
		select {
		case <-ctx.Done():
			log.Println("Telemetry: publisher shutting down")
			return
		case ev := <-p.events:
			if err := p.publish(ev); err != nil {
				log.Printf("Telemetry: %v", err)
			}
		}
	}
}

func (p *Publisher) publish(ev experiment.Event) error {
	msg := Message{
		Event:     ev,
		Timestamp: time.Now(),
	}
	if res := ev.Result; res != nil {
		msg.Samples = len(res.Samples)
		msg.Fit = res.Fit
		msg.Pulse = res.Pulse
		msg.Cancelled = res.Cancelled
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
	}

	topic := FormatTopic(p.topic, ev)
	token := p.client.Publish(topic, p.qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// FormatTopic replaces the {run_id} and {event} placeholders.
func FormatTopic(pattern string, ev experiment.Event) string {
	return strings.NewReplacer(
		"{run_id}", ev.RunID.String(),
		"{event}", ev.Type.String(),
	).Replace(pattern)
}
