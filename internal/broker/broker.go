// Package broker wraps the RabbitMQ transport used between the pipeline
// services: durable queues, persistent JSON messages, prefetch-1 consumers
// with manual acknowledgement.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"bybit-trading-pipeline/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Broker holds one AMQP connection and channel. The pipeline services are
// single-threaded consumers, so one channel per service is enough.
type Broker struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger zerolog.Logger
}

// Connect dials RabbitMQ with the configured heartbeat and opens a channel.
func Connect(cfg config.RabbitMQConfig, logger zerolog.Logger) (*Broker, error) {
	conn, err := amqp.DialConfig(cfg.URL(), amqp.Config{
		Heartbeat: cfg.Heartbeat,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	logger.Info().Str("host", cfg.Host).Int("port", cfg.Port).Msg("connected to rabbitmq")
	return &Broker{conn: conn, ch: ch, logger: logger}, nil
}

// DeclareQueue declares a durable queue.
func (b *Broker) DeclareQueue(name string) error {
	_, err := b.ch.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return nil
}

// Publish sends one persistent JSON message to a queue.
func (b *Broker) Publish(ctx context.Context, queue string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	err = b.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// Consume processes messages from a queue one at a time (prefetch 1) with
// manual acknowledgement. A handler error requeues the message; a nil return
// acknowledges it, including domain-negative outcomes. Consume returns when
// the context is cancelled or the channel closes.
func (b *Broker) Consume(ctx context.Context, queue, consumerTag string, handler func(context.Context, []byte) error) error {
	if err := b.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := b.ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consumer on %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queue)
			}
			if err := handler(ctx, delivery.Body); err != nil {
				b.logger.Error().Err(err).Str("queue", queue).Msg("message handling failed, requeueing")
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					b.logger.Error().Err(nackErr).Msg("nack failed")
				}
				continue
			}
			if ackErr := delivery.Ack(false); ackErr != nil {
				b.logger.Error().Err(ackErr).Msg("ack failed")
			}
		}
	}
}

// Close shuts the channel and connection down.
func (b *Broker) Close() {
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		b.conn.Close()
	}
}
