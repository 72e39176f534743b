package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// EventIngestor applies events with the first-save guard.
type EventIngestor interface {
	Ingest(ctx context.Context, event Event) (IngestResult, error)
}

// ConsumerConfig configures the AMQP activity consumer.
type ConsumerConfig struct {
	URL         string
	Queue       string
	ConsumerTag string
	Prefetch    int
	Ingestor    EventIngestor
	Logger      *zap.Logger
}

// Consumer reads activity events from RabbitMQ with manual acknowledgements.
type Consumer struct {
	url         string
	queue       string
	consumerTag string
	prefetch    int
	ingestor    EventIngestor
	logger      *zap.Logger
}

type deliveryAction string

const (
	deliveryAcked    deliveryAction = "ack"
	deliveryRejected deliveryAction = "reject"
	deliveryRequeued deliveryAction = "requeue"
)

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("amqp url is required")
	}
	if strings.TrimSpace(cfg.Queue) == "" {
		return nil, errors.New("amqp queue is required")
	}
	if cfg.Ingestor == nil {
		return nil, errors.New("event ingestor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		url:         cfg.URL,
		queue:       cfg.Queue,
		consumerTag: cfg.ConsumerTag,
		prefetch:    cfg.Prefetch,
		ingestor:    cfg.Ingestor,
		logger:      logger,
	}, nil
}

// Run consumes until ctx is cancelled or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
	}

	deliveries, err := ch.Consume(c.queue, c.consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	c.logger.Info("activity consumer started",
		zap.String("queue", c.queue),
		zap.String("consumer_tag", c.consumerTag),
		zap.Int("prefetch", c.prefetch))

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			c.handleDelivery(ctx, delivery)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) deliveryAction {
	event, err := DecodeEvent(delivery.Body, delivery.MessageId)
	if err != nil {
		c.logger.Warn("activity event rejected", zap.String("message_id", delivery.MessageId), zap.Error(err))
		c.settle(delivery, deliveryRejected)
		return deliveryRejected
	}

	result, err := c.ingestor.Ingest(ctx, event)
	switch {
	case err != nil && errors.Is(err, ErrMalformedEvent):
		c.logger.Warn("activity event rejected", zap.String("event_id", event.ID), zap.Error(err))
		c.settle(delivery, deliveryRejected)
		return deliveryRejected
	case err != nil:
		c.logger.Error("activity event requeued", zap.String("event_id", event.ID), zap.Error(err))
		c.settle(delivery, deliveryRequeued)
		return deliveryRequeued
	}

	if result.EngineErr != nil {
		c.logger.Warn("activity event applied with quest failures",
			zap.String("event_id", event.ID),
			zap.Int("failed_quests", len(result.Outcome.Failed())),
			zap.Error(result.EngineErr))
	}
	c.settle(delivery, deliveryAcked)
	return deliveryAcked
}

func (c *Consumer) settle(delivery amqp.Delivery, action deliveryAction) {
	var err error
	switch action {
	case deliveryAcked:
		err = delivery.Ack(false)
	case deliveryRejected:
		err = delivery.Reject(false)
	case deliveryRequeued:
		err = delivery.Nack(false, true)
	}
	if err != nil {
		c.logger.Error("amqp settle failed",
			zap.String("action", string(action)),
			zap.Uint64("delivery_tag", delivery.DeliveryTag),
			zap.Error(err))
	}
}
