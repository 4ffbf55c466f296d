package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"imageflow/internal/logging"
)

// AMQPSource consumes submissions from a durable RabbitMQ queue with manual
// acknowledgements, so unacked deliveries return to the queue when a worker
// dies mid-admission.
type AMQPSource struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	queue      string
	logger     *slog.Logger
}

// DialAMQP connects to the broker, declares the durable submission queue,
// and starts a manual-ack consumer limited to prefetch in-flight messages.
func DialAMQP(url, queue string, prefetch int, logger *slog.Logger) (*AMQPSource, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %q: %w", queue, err)
	}
	if prefetch < 1 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("start consumer: %w", err)
	}
	return &AMQPSource{
		conn:       conn,
		ch:         ch,
		deliveries: deliveries,
		queue:      queue,
		logger:     logging.NewComponentLogger(logger, "intake"),
	}, nil
}

// Receive implements Source. Malformed or structurally invalid payloads are
// rejected without requeue so a poison message cannot wedge the queue.
func (s *AMQPSource) Receive(ctx context.Context) (*Delivery, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-s.deliveries:
			if !ok {
				return nil, ErrClosed
			}
			var msg Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				s.logger.Warn("dropping undecodable message", logging.Error(err))
				_ = d.Nack(false, false)
				continue
			}
			if err := msg.Validate(); err != nil {
				s.logger.Warn("dropping invalid message",
					logging.Error(err),
					logging.String("idempotency_key", msg.IdempotencyKey),
				)
				_ = d.Nack(false, false)
				continue
			}
			delivery := d
			return &Delivery{
				Message: msg,
				ack:     func() error { return delivery.Ack(false) },
				requeue: func() error { return delivery.Nack(false, true) },
			}, nil
		}
	}
}

// Close implements Source.
func (s *AMQPSource) Close() error {
	chErr := s.ch.Close()
	connErr := s.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}

// AMQPPublisher enqueues submissions onto the durable queue. Used by the CLI
// and by upstream services that accept uploads.
type AMQPPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// DialAMQPPublisher connects a publisher to the submission queue.
func DialAMQPPublisher(url, queue string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %q: %w", queue, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, queue: queue}, nil
}

// Publish sends a persistent message to the submission queue.
func (p *AMQPPublisher) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
}

// Close releases the publisher's channel and connection.
func (p *AMQPPublisher) Close() error {
	chErr := p.ch.Close()
	connErr := p.conn.Close()
	if chErr != nil {
		return chErr
	}
	return connErr
}
