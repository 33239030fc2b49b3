package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys for scan pipeline events.
const (
	KeyScanVerdict     = "scan.verdict"
	KeyScanSkipped     = "scan.skipped"
	KeyFileQuarantined = "file.quarantined"
	KeyFileReleased    = "file.released"
	KeyFilePurged      = "file.purged"
	KeyUserSuspended   = "user.suspended"
)

// Event is the envelope published for every pipeline notification. Consumers
// (admin dashboards, mailers) subscribe by routing key.
type Event struct {
	TenantID   string         `json:"tenantId"`
	FileID     string         `json:"fileId,omitempty"`
	UserID     string         `json:"userId,omitempty"`
	ThreatName string         `json:"threatName,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Publisher emits pipeline events. Publishing is strictly best-effort:
// implementations log failures but never surface them, so a broker outage
// cannot fail a scan or an upload.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event Event)
	Close() error
}

// AMQPPublisher publishes events to a RabbitMQ topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger
}

// NewAMQPPublisher connects to the broker and declares the topic exchange.
func NewAMQPPublisher(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// Publish sends one event. Failures are logged and dropped.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("marshal event", "routing_key", routingKey, "error", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   event.OccurredAt,
		Body:        body,
	})
	if err != nil {
		p.logger.Error("publish event", "routing_key", routingKey, "error", err)
	}
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NoopPublisher drops all events. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, Event) {}
func (NoopPublisher) Close() error                           { return nil }

// Recorder captures events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

type RecordedEvent struct {
	RoutingKey string
	Event      Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, routingKey string, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{RoutingKey: routingKey, Event: event})
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedEvent(nil), r.events...)
}

// ByKey filters captured events by routing key.
func (r *Recorder) ByKey(routingKey string) []RecordedEvent {
	var out []RecordedEvent
	for _, e := range r.Events() {
		if e.RoutingKey == routingKey {
			out = append(out, e)
		}
	}
	return out
}
