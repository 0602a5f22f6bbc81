package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"
)

const Queue = "otp_notifications"

// AMQPPublisher puts messages on the notification queue for cmd/notifier.
type AMQPPublisher struct {
	conn *amqp.Connection

	mu sync.Mutex // amqp.Channel is not safe for concurrent publishes
	ch *amqp.Channel
}

func DialAMQP(uri string) (*AMQPPublisher, error) {
	conn, ch, err := openQueue(uri)
	if err != nil {
		return nil, err
	}
	return &AMQPPublisher{conn: conn, ch: ch}, nil
}

func openQueue(uri string) (*amqp.Connection, *amqp.Channel, error) {
	if uri == "" {
		return nil, nil, errors.New("missing RABBITMQ_URI")
	}
	conn, err := amqp.Dial(uri)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		Queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare %s: %w", Queue, err)
	}
	return conn, ch, nil
}

func (p *AMQPPublisher) Send(ctx context.Context, m Message) error {
	pub, err := publishing(m)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Publish(
		"",    // exchange
		Queue, // routing key
		false, // mandatory
		false, // immediate
		pub,
	)
}

func (p *AMQPPublisher) Close() {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

func publishing(m Message) (amqp.Publishing, error) {
	body, err := Canonical(m)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("canonical message: %w", err)
	}
	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    Digest(body),
		Timestamp:    m.IssuedAt,
		Type:         string(m.Kind),
		Body:         body,
	}, nil
}

// decodeDelivery parses a queued body and checks it against its MessageId.
func decodeDelivery(body []byte, messageID string) (Message, error) {
	if messageID != "" && messageID != Digest(body) {
		return Message{}, errors.New("message digest mismatch")
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.To == "" || m.Code == "" {
		return Message{}, errors.New("message missing recipient or code")
	}
	return m, nil
}

// Consumer drains the notification queue into a Sender.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

func DialConsumer(uri string, logger *slog.Logger) (*Consumer, error) {
	conn, ch, err := openQueue(uri)
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp qos: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{conn: conn, ch: ch, logger: logger}, nil
}

// Run delivers until ctx ends or the channel closes. Malformed messages are
// dropped; a failed send is requeued once.
func (c *Consumer) Run(ctx context.Context, sender Sender) error {
	deliveries, err := c.ch.Consume(
		Queue, // queue
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			c.handle(ctx, sender, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, sender Sender, d amqp.Delivery) {
	m, err := decodeDelivery(d.Body, d.MessageId)
	if err != nil {
		c.logger.Warn("dropping notification", "message_id", d.MessageId, "error", err)
		_ = d.Nack(false, false)
		return
	}
	if err := sender.Send(ctx, m); err != nil {
		c.logger.Error("notification send failed",
			"message_id", d.MessageId,
			"reference", m.Reference,
			"redelivered", d.Redelivered,
			"error", err,
		)
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	_ = d.Ack(false)
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
