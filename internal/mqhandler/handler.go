// Package mqhandler 消费 sync.requested / style.learn.requested / notification.created 事件。
//
// 返回 nil 表示 ack；返回错误进入延迟重试队列（未配置延迟时立即重新入队），包装 mq.ErrDrop 的错误进入死信队列。
package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"mailpilot/pkg/mq"
	"mailpilot/pkg/util"
)

const maxRetries = 5

// Deduper 至多一次处理标记
type Deduper interface {
	AcquireOnce(ctx context.Context, handler string, id string) bool
	Release(ctx context.Context, handler string, id string)
}

// RetryCounter 跨投递的失败计数
type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type settler struct {
	handler string
	deduper Deduper
	retries RetryCounter
}

func retryKey(handler, id string) string {
	return fmt.Sprintf("retry:%s:%s", handler, id)
}

// decode 解析失败的消息直接进入死信队列
func decode(raw json.RawMessage, v any, log *zap.Logger) error {
	if err := json.Unmarshal(raw, v); err != nil {
		log.Error("Failed to unmarshal payload (non-retryable, sending to DLQ)",
			zap.String("raw_payload", string(raw)),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", mq.ErrDrop, err)
	}
	return nil
}

// settle 决定失败消息的去向：可重试且未超过上限时重新入队，否则 ack
func (s settler) settle(ctx context.Context, log *zap.Logger, id string, err error) error {
	key := retryKey(s.handler, id)
	retryable, errType := util.IsRetryableError(err)
	if !retryable {
		log.Warn("Non-retryable error, acking",
			zap.String("error_type", errType),
			zap.Error(err),
		)
		_ = s.retries.Reset(ctx, key)
		return nil
	}

	count, cerr := s.retries.IncrementAndGet(ctx, key)
	if cerr != nil {
		log.Warn("Failed to increment retry counter", zap.Error(cerr))
	}
	if !util.ShouldRetry(count, maxRetries, true) {
		log.Error("Max retries exceeded, acking",
			zap.Int64("retry_count", count),
			zap.Error(err),
		)
		_ = s.retries.Reset(ctx, key)
		return nil
	}

	log.Warn("Retryable error, scheduling redelivery",
		zap.Int64("retry_count", count),
		zap.String("error_type", errType),
		zap.Error(err),
	)
	s.deduper.Release(ctx, s.handler, id)
	return err
}

func (s settler) done(ctx context.Context, id string) {
	_ = s.retries.Reset(ctx, retryKey(s.handler, id))
}
