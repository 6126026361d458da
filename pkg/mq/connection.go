package mq

import (
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"mailpilot/pkg/metrics"
)

const (
	ExchangeName = "events"
	// RetryExchangeName routes delayed retries to <queue>.retry by queue name.
	RetryExchangeName = "events.retry"

	heartbeat = 10 * time.Second
)

// Dial opens a named connection. A watcher records lifecycle metrics and logs
// when the broker drops the connection; callers detect the loss through their
// closed delivery or publish channels.
func Dial(url, name string, logger *zap.Logger) (*amqp091.Connection, error) {
	conn, err := amqp091.DialConfig(url, amqp091.Config{
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Properties: amqp091.Table{"connection_name": name},
	})
	if err != nil {
		metrics.IncrementMQConnection(name, "dial_failed")
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	metrics.IncrementMQConnection(name, "opened")

	closed := conn.NotifyClose(make(chan *amqp091.Error, 1))
	go func() {
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			metrics.IncrementMQConnection(name, "lost")
			logger.Error("RabbitMQ connection lost",
				zap.String("connection", name),
				zap.Int("code", amqpErr.Code),
				zap.String("reason", amqpErr.Reason),
			)
			return
		}
		metrics.IncrementMQConnection(name, "closed")
	}()
	return conn, nil
}

// DeclareExchange declares the events exchange.
func DeclareExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
}

// Topology describes one consumer queue: the work queue bound to RoutingKey,
// its dead letter queue and, when RetryDelay is set, a retry queue that holds
// failed deliveries for RetryDelay before handing them back to Queue.
type Topology struct {
	Queue      string
	RoutingKey string
	RetryDelay time.Duration
}

// RetryQueue is the name of the delayed retry queue.
func (t Topology) RetryQueue() string {
	return t.Queue + ".retry"
}

// Declare declares every exchange and queue of the topology on ch.
func (t Topology) Declare(ch *amqp091.Channel) (amqp091.Queue, error) {
	if err := DeclareExchange(ch); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := DeclareDLQExchange(ch); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare dlq exchange: %w", err)
	}
	if _, err := DeclareDLQQueue(ch, t.RoutingKey); err != nil {
		return amqp091.Queue{}, err
	}

	// 重试队列会改写路由键，死信时显式带回原路由键
	q, err := ch.QueueDeclare(t.Queue, true, false, false, false, amqp091.Table{
		"x-dead-letter-exchange":    DLQExchangeName,
		"x-dead-letter-routing-key": t.RoutingKey,
	})
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare queue %s: %w", t.Queue, err)
	}
	if err := ch.QueueBind(q.Name, t.RoutingKey, ExchangeName, false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to bind queue %s: %w", t.Queue, err)
	}

	if t.RetryDelay <= 0 {
		return q, nil
	}
	if err := ch.ExchangeDeclare(RetryExchangeName, "direct", true, false, false, false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare retry exchange: %w", err)
	}
	// 过期后经默认交换机按队列名回到工作队列
	retry, err := ch.QueueDeclare(t.RetryQueue(), true, false, false, false, amqp091.Table{
		"x-message-ttl":             t.RetryDelay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.Queue,
	})
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare retry queue: %w", err)
	}
	if err := ch.QueueBind(retry.Name, t.Queue, RetryExchangeName, false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to bind retry queue: %w", err)
	}
	return q, nil
}
