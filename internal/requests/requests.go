// Package requests 发布同步与风格学习请求
package requests

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/pkg/trace"
)

// Publisher 由 mq.Publisher 实现
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

type Requester struct {
	publisher Publisher
	now       func() time.Time
}

func New(publisher Publisher) *Requester {
	return &Requester{publisher: publisher, now: time.Now}
}

// RequestSync 返回请求 ID，同一 ID 只会被处理一次
func (r *Requester) RequestSync(ctx context.Context, userID int64, source string) (string, error) {
	p := mqcontracts.SyncRequestedPayload{
		RequestID:   uuid.NewString(),
		UserID:      userID,
		Source:      source,
		TraceID:     trace.FromContext(ctx),
		RequestedAt: r.now().UTC(),
	}
	if err := r.publisher.PublishWithContext(ctx, mqcontracts.RoutingSyncRequested, p); err != nil {
		return "", fmt.Errorf("failed to publish sync request for user %d: %w", userID, err)
	}
	return p.RequestID, nil
}

func (r *Requester) RequestStyleLearning(ctx context.Context, userID int64, reason string) error {
	p := mqcontracts.StyleLearnRequestedPayload{
		RequestID:   uuid.NewString(),
		UserID:      userID,
		Reason:      reason,
		TraceID:     trace.FromContext(ctx),
		RequestedAt: r.now().UTC(),
	}
	if err := r.publisher.PublishWithContext(ctx, mqcontracts.RoutingStyleLearnRequested, p); err != nil {
		return fmt.Errorf("failed to publish style learning request for user %d: %w", userID, err)
	}
	return nil
}
