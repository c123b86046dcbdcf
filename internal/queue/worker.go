package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/kinfetch/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

const maxRetries = 10

// Handler processes one message body.
type Handler func(ctx context.Context, body []byte) error

// Consume delivers the messages of every queue in handlers to its handler,
// one message at a time across all queues, until ctx ends. Failed messages
// go to the retry queue, or to the dead letter queue once they are out of
// retries or failed permanently.
func Consume(ctx context.Context, conn *amqp091.Connection, handlers map[string]Handler) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, true); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	type queuedMessage struct {
		msg       amqp091.Delivery
		queueName string
	}
	messages := make(chan queuedMessage)

	for queueName := range handlers {
		deliveries, err := ch.Consume(
			queueName,
			queueName+"_consumer",
			false, // autoAck
			false, // exclusive
			false, // noLocal
			false, // noWait
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to start consuming %s: %w", queueName, err)
		}
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-deliveries:
					if !ok {
						logger.Info("[Queue] Message channel closed", "queue", queueName)
						return
					}
					select {
					case messages <- queuedMessage{msg: msg, queueName: queueName}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	logger.Info("[Queue] Listening for messages", "queues", len(handlers))
	for {
		select {
		case <-ctx.Done():
			logger.Info("[Queue] Stopping message processor")
			return nil
		case qm := <-messages:
			start := time.Now()
			logger.Info("[Queue] Received message", "queue", qm.queueName)

			err := handlers[qm.queueName](ctx, qm.msg.Body)
			if err != nil {
				logger.Error("[Queue] Error processing message", "queue", qm.queueName, "err", err)
				handleProcessingError(ch, qm.msg, qm.queueName, err)
			} else if ackErr := qm.msg.Ack(false); ackErr != nil {
				logger.Error("[Queue] Failed to ack message", "err", ackErr)
			}
			logger.Info("[Queue] Message done", "queue", qm.queueName, "duration", time.Since(start).Round(time.Second))
		}
	}
}

// retryTarget picks where a failed message goes next and the retry count
// it carries there.
func retryTarget(queueName string, headers amqp091.Table, err error) (string, int32) {
	var retries int32
	if v, ok := headers["x-retries"].(int32); ok {
		retries = v
	}
	if IsPermanent(err) || retries >= maxRetries {
		return queueName + "_dlq", retries
	}
	return queueName + "_retry", retries + 1
}

func handleProcessingError(ch *amqp091.Channel, msg amqp091.Delivery, queueName string, err error) {
	target, retries := retryTarget(queueName, msg.Headers, err)
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-retries"] = retries
	headers["x-last-error"] = err.Error()

	logger.Info("[Queue] Requeueing failed message", "target", target, "retries", retries)
	pubErr := ch.Publish(
		"",
		target,
		false,
		false,
		amqp091.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			Headers:      headers,
			DeliveryMode: amqp091.Persistent,
		},
	)
	if pubErr != nil {
		logger.Error("[Queue] Failed to publish failed message", "target", target, "err", pubErr)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}
