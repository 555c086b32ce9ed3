// Package events publishes committed lifecycle events to other systems.
// Publishing happens after commit and is best effort: a failure is logged by
// the caller and never undoes the state change.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mancanexus/internal/journal"
)

// DefaultQueue is the durable queue lifecycle events are routed to.
const DefaultQueue = "lifecycle.events"

// Publisher delivers committed events.
type Publisher interface {
	Publish(ctx context.Context, events ...journal.Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...journal.Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []journal.Event
}

func (r *Recorder) Publish(_ context.Context, events ...journal.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []journal.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]journal.Event(nil), r.events...)
}

// AMQPPublisher sends each event as a persistent JSON message to a durable
// RabbitMQ queue through the default exchange.
type AMQPPublisher struct {
	mu     sync.Mutex
	url    string
	queue  string
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger
}

// NewAMQPPublisher dials the broker and declares the queue.
func NewAMQPPublisher(url, queue string, logger *zap.Logger) (*AMQPPublisher, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &AMQPPublisher{url: url, queue: queue, logger: logger}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		p.queue, // name
		true,    // durable
		false,   // autoDelete
		false,   // exclusive
		false,   // noWait
		nil,     // args
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	p.conn, p.ch = conn, ch
	return nil
}

// Publish sends events in order. A closed channel is reopened once.
func (p *AMQPPublisher) Publish(ctx context.Context, events ...journal.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		p.logger.Warn("rabbitmq channel closed, reconnecting")
		p.closeLocked()
		if err := p.connect(); err != nil {
			return err
		}
	}

	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.EventType, err)
		}
		msg := amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Type:         e.EventType,
			MessageId:    fmt.Sprintf("%s/%d", e.AggregateID, e.Version),
			Body:         body,
		}
		if err := p.ch.PublishWithContext(ctx,
			"",      // default exchange
			p.queue, // routing key = queue name
			false,   // mandatory
			false,   // immediate
			msg,
		); err != nil {
			return fmt.Errorf("rabbitmq publish %s: %w", e.EventType, err)
		}
	}
	return nil
}

func (p *AMQPPublisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close releases the broker connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}
