// Package queue carries acquisition and merge jobs over RabbitMQ and runs
// them in the worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/OFFIS-RIT/kinfetch/internal/config"

	"github.com/rabbitmq/amqp091-go"
)

const (
	AcquireQueue = "acquire_queue"
	MergeQueue   = "merge_queue"

	eventsExchange = "kinfetch_events"
	retryTTL       = 10 * time.Second
)

// Queues lists every job queue the worker consumes.
var Queues = []string{AcquireQueue, MergeQueue}

func Init(cfg config.RabbitMQ) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// SetupQueues declares the events exchange and, for every queue, a dead
// letter queue and a retry queue that feeds back after a delay.
func SetupQueues(ch *amqp091.Channel, queueNames []string) error {
	err := ch.ExchangeDeclare(
		eventsExchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("ExchangeDeclare failed: %w", err)
	}

	for _, name := range queueNames {
		declare := []struct {
			name string
			args amqp091.Table
		}{
			{name: name},
			{name: name + "_dlq"},
			{name: name + "_retry", args: amqp091.Table{
				"x-message-ttl":             int32(retryTTL.Milliseconds()),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			}},
		}
		for _, q := range declare {
			_, err := ch.QueueDeclare(
				q.name,
				true,  // durable
				false, // autoDelete
				false, // exclusive
				false, // noWait
				q.args,
			)
			if err != nil {
				return fmt.Errorf("QueueDeclare %s failed: %w", q.name, err)
			}
		}
	}

	return nil
}

// Publisher sends job messages and run events on one channel.
type Publisher struct {
	mu sync.Mutex
	ch *amqp091.Channel
}

func NewPublisher(ch *amqp091.Channel) *Publisher {
	return &Publisher{ch: ch}
}

// Publish sends msg as JSON to the named queue.
func (p *Publisher) Publish(ctx context.Context, queueName string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return p.publish(ctx, "", queueName, body)
}

// PublishRaw sends an already encoded message to the named queue.
func (p *Publisher) PublishRaw(ctx context.Context, queueName string, body []byte) error {
	return p.publish(ctx, "", queueName, body)
}

// Event broadcasts msg on the events exchange under topic.
func (p *Publisher) Event(ctx context.Context, topic string, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return p.publish(ctx, eventsExchange, topic, body)
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.PublishWithContext(
		ctx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", key, err)
	}
	return nil
}
