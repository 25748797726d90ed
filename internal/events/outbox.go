// Package events publishes a terminal task's hand-off event — that its
// content is ready for the (out of scope) community/publishing layer —
// onto a message broker, decoupling the pipeline from that layer's
// availability.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// CompletedEvent is the JSON body published once save_to_database
// commits and tag generation finishes (or is downgraded).
type CompletedEvent struct {
	ContentID int64    `json:"content_id"`
	Owner     string   `json:"owner"`
	Tags      []string `json:"tags"`
}

// Publisher is the outbox contract the Smart-Note pipeline drives at
// the tail of its final stage.
type Publisher interface {
	PublishCompleted(ctx context.Context, event CompletedEvent) error
	Close() error
}

// NoopPublisher satisfies Publisher without a broker, selected when
// AMQP_URL is unset so the orchestrator never hard-depends on RabbitMQ.
type NoopPublisher struct{}

func (NoopPublisher) PublishCompleted(ctx context.Context, event CompletedEvent) error { return nil }
func (NoopPublisher) Close() error                                                     { return nil }

const (
	exchangeName       = "content.published"
	baseReconnectDelay = time.Second
	maxReconnectDelay  = 30 * time.Second
)

// AMQPPublisher declares a durable fanout exchange and publishes
// CompletedEvent bodies to it, reconnecting with exponential backoff
// and jitter on connection loss. Grounded on tts-worker/cmd/main.go's
// connectRabbitMQ/backoffDelay (unbounded retry loop, jittered
// exponential delay capped at 30s) and
// worker/internal/worker/worker.go's publishTask (mutex-guarded
// *amqp.Channel, re-set after reconnect).
type AMQPPublisher struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher dials url and declares the exchange. Connection loss
// afterward is repaired lazily on the next PublishCompleted call.
func NewAMQPPublisher(url string) (*AMQPPublisher, error) {
	p := &AMQPPublisher{url: url}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("events: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchangeName, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("events: declare exchange: %w", err)
	}

	p.mu.Lock()
	p.conn, p.ch = conn, ch
	p.mu.Unlock()
	return nil
}

// reconnectWithBackoff retries connect until it succeeds, using the
// same jittered exponential backoff as tts-worker's backoffDelay.
func (p *AMQPPublisher) reconnectWithBackoff(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		if err := p.connect(); err == nil {
			return nil
		}

		delay := backoffDelay(attempt)
		log.Printf("events: amqp reconnect attempt %d failed, retrying in %v", attempt+1, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func backoffDelay(attempt int) time.Duration {
	exp := math.Min(float64(baseReconnectDelay)*math.Pow(2, float64(attempt)), float64(maxReconnectDelay))
	jitter := rand.Float64() * exp * 0.5
	return time.Duration(exp + jitter)
}

func (p *AMQPPublisher) PublishCompleted(ctx context.Context, event CompletedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal completed event: %w", err)
	}

	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()

	err = ch.Publish(exchangeName, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
	if err == nil {
		return nil
	}

	log.Printf("events: publish failed (%v), reconnecting", err)
	if reconErr := p.reconnectWithBackoff(ctx); reconErr != nil {
		return reconErr
	}

	p.mu.Lock()
	ch = p.ch
	p.mu.Unlock()
	return ch.Publish(exchangeName, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
