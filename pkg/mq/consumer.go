package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailpilot/pkg/metrics"
	"mailpilot/pkg/otel"
	"mailpilot/pkg/trace"
)

// ErrDrop marks a delivery that must not be redelivered. The consumer rejects
// it without requeue so the broker routes it to the dead letter queue.
var ErrDrop = errors.New("mq: drop message")

// ErrDeliveriesClosed is returned by StartConsuming when the broker closes the
// delivery channel before the context is done.
var ErrDeliveriesClosed = errors.New("mq: delivery channel closed")

type MessageHandler func(ctx context.Context, data json.RawMessage) error

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConcurrency handles up to n deliveries at the same time. Prefetch is
// raised to n when it is lower.
func WithConcurrency(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithRetryDelay parks retryable failures in the retry queue for d instead of
// requeueing them at the head of the work queue.
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.topology.RetryDelay = d
		}
	}
}

type Consumer struct {
	channel     *amqp091.Channel
	queue       amqp091.Queue
	topology    Topology
	consumerTag string
	concurrency int
	handler     MessageHandler
	conn        *amqp091.Connection
	logger      *zap.Logger

	// retry 把失败的投递转入延迟重试队列；nil 时直接 requeue
	retry func(ctx context.Context, msg amqp091.Delivery) error
	// 消费与重试发布共用一个 channel
	publishMu sync.Mutex
}

// NewConsumer creates a consumer for a specific routing key. Rejected
// deliveries are dead-lettered to DLQExchangeName.
func NewConsumer(url, queueName, routingKey string, prefetch int, logger *zap.Logger, opts ...ConsumerOption) (*Consumer, error) {
	c := &Consumer{
		topology:    Topology{Queue: queueName, RoutingKey: routingKey},
		consumerTag: queueName + "-worker",
		concurrency: 1,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, err := Dial(url, c.consumerTag, logger)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	fail := func(err error) (*Consumer, error) {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if prefetch < c.concurrency {
		prefetch = c.concurrency
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fail(fmt.Errorf("failed to set qos: %w", err))
	}

	q, err := c.topology.Declare(ch)
	if err != nil {
		return fail(err)
	}

	c.conn = conn
	c.channel = ch
	c.queue = q
	if c.topology.RetryDelay > 0 {
		c.retry = c.publishRetry
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
		zap.Int("concurrency", c.concurrency),
		zap.Int("prefetch", prefetch),
		zap.Duration("retry_delay", c.topology.RetryDelay),
	)
	return c, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// Stop cancels the delivery subscription; in-flight messages finish first.
func (c *Consumer) Stop() {
	if c.channel != nil {
		if err := c.channel.Cancel(c.consumerTag, false); err != nil {
			c.logger.Warn("Failed to cancel consumer", zap.String("queue", c.queue.Name), zap.Error(err))
		}
	}
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming starts consuming messages. This method blocks until ctx is
// done or the delivery channel closes, and should be called in a goroutine.
// In-flight handlers are waited for before it returns.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		c.consumerTag,
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.topology.RoutingKey),
		zap.String("queue", c.queue.Name),
	)
	return c.dispatch(ctx, deliveries)
}

// dispatch 最多 concurrency 条投递并行处理；池满时阻塞，未确认的消息留在 broker 的 prefetch 窗口内
func (c *Consumer) dispatch(ctx context.Context, deliveries <-chan amqp091.Delivery) error {
	var g errgroup.Group
	g.SetLimit(max(c.concurrency, 1))

	for {
		select {
		case <-ctx.Done():
			c.Stop()
			_ = g.Wait()
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				_ = g.Wait()
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Warn("Delivery channel closed", zap.String("queue", c.queue.Name))
				return ErrDeliveriesClosed
			}
			g.Go(func() error {
				c.handle(ctx, msg)
				return nil
			})
		}
	}
}

// handle 保证每条消息都会被 ack 或 nack
func (c *Consumer) handle(parent context.Context, msg amqp091.Delivery) {
	start := time.Now()
	status := "ack"
	routingKey := c.topology.RoutingKey

	ctx := otel.GetTextMapPropagator().Extract(parent, otel.NewMQHeaderCarrier(msg.Headers))
	if traceID, ok := msg.Headers[TraceHeader].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}
	ctx, span := otel.MQConsumeSpan(ctx, routingKey, c.queue.Name)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered",
				zap.String("routing_key", routingKey),
				zap.String("queue", c.queue.Name),
				zap.Any("panic", r),
			)
			status = "panic"
			// panic 的消息不重新入队，进入死信队列
			if err := msg.Nack(false, false); err != nil {
				c.logger.Error("Failed to nack message after panic", zap.Error(err))
			}
		}
		metrics.RecordMQConsumeLatency(routingKey, c.queue.Name, status, time.Since(start))
	}()

	err := c.handler(ctx, msg.Body)
	if err == nil {
		if err := msg.Ack(false); err != nil {
			c.logger.Error("Failed to ack message", zap.String("routing_key", routingKey), zap.Error(err))
		}
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if errors.Is(err, ErrDrop) {
		status = "dead_letter"
		c.logger.Error("Handler error, dead-lettering",
			zap.String("routing_key", routingKey),
			zap.String("queue", c.queue.Name),
			zap.Error(err),
		)
		if err := msg.Nack(false, false); err != nil {
			c.logger.Error("Failed to nack message", zap.String("routing_key", routingKey), zap.Error(err))
		}
		return
	}

	if c.retry != nil {
		rerr := c.retry(ctx, msg)
		if rerr == nil {
			status = "delayed_retry"
			c.logger.Warn("Handler error, retrying after delay",
				zap.String("routing_key", routingKey),
				zap.String("queue", c.queue.Name),
				zap.Duration("delay", c.topology.RetryDelay),
				zap.Error(err),
			)
			if err := msg.Ack(false); err != nil {
				c.logger.Error("Failed to ack message moved to retry queue", zap.String("routing_key", routingKey), zap.Error(err))
			}
			return
		}
		c.logger.Warn("Failed to publish delayed retry, requeueing", zap.String("queue", c.queue.Name), zap.Error(rerr))
	}

	status = "requeue"
	c.logger.Error("Handler error, requeueing",
		zap.String("routing_key", routingKey),
		zap.String("queue", c.queue.Name),
		zap.Error(err),
	)
	if err := msg.Nack(false, true); err != nil {
		c.logger.Error("Failed to nack message", zap.String("routing_key", routingKey), zap.Error(err))
	}
}

// publishRetry 原样转发到重试交换机，保留 trace 头
func (c *Consumer) publishRetry(ctx context.Context, msg amqp091.Delivery) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	return c.channel.PublishWithContext(ctx,
		RetryExchangeName,
		c.topology.Queue,
		false,
		false,
		amqp091.Publishing{
			ContentType:  msg.ContentType,
			Body:         msg.Body,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Headers:      msg.Headers,
		},
	)
}
