// Package events consumes order change events from an AMQP queue and feeds
// them to the notifier triggers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/wb-go/wbf/retry"

	"github.com/voicetel/order-notifier/internal/safety"
)

const (
	KindOrderStatus = "order_status_changed"
	KindTracking    = "tracking_number_updated"
)

var ErrMalformedEvent = errors.New("malformed order event")

// Event is the JSON body of a queued order change.
type Event struct {
	Kind      string `json:"kind"`
	OrderID   int64  `json:"order_id"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	MetaKey   string `json:"meta_key,omitempty"`
	MetaValue string `json:"meta_value,omitempty"`
}

func (e Event) validate() error {
	if e.OrderID <= 0 {
		return fmt.Errorf("%w: order_id must be positive", ErrMalformedEvent)
	}
	switch e.Kind {
	case KindOrderStatus:
		if e.NewStatus == "" {
			return fmt.Errorf("%w: new_status is required", ErrMalformedEvent)
		}
	case KindTracking:
		if e.MetaKey == "" {
			return fmt.Errorf("%w: meta_key is required", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, e.Kind)
	}
	return nil
}

type Handler interface {
	OnOrderStatusChanged(ctx context.Context, orderID int64, oldStatus, newStatus string) error
	OnTrackingNumberUpdated(ctx context.Context, orderID int64, metaKey, value string) error
}

type Consumer struct {
	url     string
	queue   string
	handler Handler
	logger  *slog.Logger

	dialStrategy   retry.Strategy
	reconnectDelay time.Duration
}

func NewConsumer(url, queue string, handler Handler, logger *slog.Logger) *Consumer {
	return &Consumer{
		url:     url,
		queue:   queue,
		handler: handler,
		logger:  logger.With("component", "events", "queue", queue),
		dialStrategy: retry.Strategy{
			Attempts: 10,
			Delay:    2 * time.Second,
			Backoff:  2,
		},
		reconnectDelay: 5 * time.Second,
	}
}

// Run consumes until ctx is cancelled, reconnecting when the broker drops
// the connection.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("Event consumer disconnected, reconnecting", "error", err, "delay", c.reconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	var conn *amqp.Connection
	err := retry.DoContext(ctx, c.dialStrategy, func() error {
		var err error
		conn, err = amqp.Dial(c.url)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, c.queue, "order-notifier", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	c.logger.Info("Event consumer started")

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery acknowledges every delivery exactly once. Malformed bodies
// are dropped; handler failures are requeued once.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var ev Event
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		c.logger.Warn("Dropping undecodable event", "error", err)
		c.nack(d, false)
		return
	}
	if err := ev.validate(); err != nil {
		c.logger.Warn("Dropping invalid event", "error", err)
		c.nack(d, false)
		return
	}

	logger := c.logger.With("kind", ev.Kind, "order_id", ev.OrderID)

	var err error
	switch ev.Kind {
	case KindOrderStatus:
		err = c.handler.OnOrderStatusChanged(ctx, ev.OrderID, ev.OldStatus, ev.NewStatus)
	case KindTracking:
		err = c.handler.OnTrackingNumberUpdated(ctx, ev.OrderID, ev.MetaKey, ev.MetaValue)
	}

	switch {
	case err == nil:
		logger.Debug("Event handled")
		c.ack(d)
	case safety.IsStop(err):
		// The scheduled cycle picks the order up once sending resumes.
		logger.Info("Event skipped, sending is halted", "reason", err)
		c.ack(d)
	default:
		logger.Error("Event handling failed", "error", err, "redelivered", d.Redelivered)
		c.nack(d, !d.Redelivered)
	}
}

func (c *Consumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.logger.Warn("Failed to ack event", "error", err)
	}
}

func (c *Consumer) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		c.logger.Warn("Failed to nack event", "error", err)
	}
}
