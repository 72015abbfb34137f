package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	QueueBookingConfirmed = "booking.confirmed"
	QueueBookingCancelled = "booking.cancelled"

	publishTimeout = 2 * time.Second
)

// BookingEvent is the message body published for booking lifecycle changes.
type BookingEvent struct {
	BookingID     string    `json:"booking_id"`
	PerformanceID string    `json:"performance_id"`
	HolderID      string    `json:"holder_id"`
	SeatIDs       []string  `json:"seat_ids"`
	TotalAmount   string    `json:"total_amount"`
	Status        Status    `json:"status"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// AMQPNotifier publishes booking events to durable RabbitMQ queues so that
// downstream consumers (mail, analytics) can react to them.
type AMQPNotifier struct {
	conn   *amqp.Connection
	logger *slog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

func DialAMQP(url string, logger *slog.Logger) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial failed: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: channel open failed: %w", err)
	}

	for _, queue := range []string{QueueBookingConfirmed, QueueBookingCancelled} {
		if _, err := ch.QueueDeclare(
			queue,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,
		); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("rabbitmq: queue declare %s failed: %w", queue, err)
		}
	}

	return &AMQPNotifier{conn: conn, ch: ch, logger: logger}, nil
}

func (n *AMQPNotifier) BookingConfirmed(ctx context.Context, b *Booking) error {
	return n.publish(ctx, QueueBookingConfirmed, b)
}

func (n *AMQPNotifier) BookingCancelled(ctx context.Context, b *Booking) error {
	return n.publish(ctx, QueueBookingCancelled, b)
}

func (n *AMQPNotifier) publish(ctx context.Context, queue string, b *Booking) error {
	body, err := json.Marshal(newBookingEvent(b))
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal event failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.ch.PublishWithContext(ctx,
		"",    // default exchange
		queue, // routing key = queue name
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			MessageId:    b.ID,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("rabbitmq: publish to %s failed: %w", queue, err)
	}

	n.logger.Debug("published booking event", "queue", queue, "booking_id", b.ID)
	return nil
}

func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.ch.Close(); err != nil {
		n.logger.Warn("rabbitmq: channel close failed", "error", err)
	}
	return n.conn.Close()
}

func newBookingEvent(b *Booking) BookingEvent {
	return BookingEvent{
		BookingID:     b.ID,
		PerformanceID: b.PerformanceID,
		HolderID:      b.HolderID,
		SeatIDs:       b.SeatIDs(),
		TotalAmount:   b.TotalAmount.StringFixed(2),
		Status:        b.Status,
		OccurredAt:    time.Now().UTC(),
	}
}
