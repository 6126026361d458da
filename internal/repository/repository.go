// Package repository 基于 pgx 的持久化实现，供分拣、审核、风格学习和通知共用。
package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"mailpilot/contracts/mq"
	"mailpilot/internal/notification"
	"mailpilot/pkg/outbox"
	"mailpilot/pkg/trace"
	"mailpilot/pkg/vault"
)

// Repository 所有表的访问入口
type Repository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
	vault  *vault.Vault
	logger *zap.Logger
}

func NewRepository(db *pgxpool.Pool, ob *outbox.Repository, v *vault.Vault, logger *zap.Logger) *Repository {
	return &Repository{db: db, outbox: ob, vault: v, logger: logger}
}

// Ping 用于就绪检查
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *Repository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// enqueueNotification 在保存点内写入 outbox，失败只回滚保存点，不影响外层事务
func (r *Repository) enqueueNotification(ctx context.Context, tx pgx.Tx, ev *notification.Event) {
	if ev == nil {
		return
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		r.logger.Warn("Failed to open savepoint for notification", zap.Error(err))
		return
	}
	var aggregateID *int64
	if ev.ActionID > 0 {
		aggregateID = &ev.ActionID
	}
	err = outbox.InsertEventInTx(ctx, sp, r.outbox, "agent_action", aggregateID,
		mq.RoutingNotificationCreated, ev.Payload(trace.FromContext(ctx)))
	if err != nil {
		_ = sp.Rollback(ctx)
		r.logger.Warn("Failed to enqueue notification",
			zap.Int64("user_id", ev.UserID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
		return
	}
	if err := sp.Commit(ctx); err != nil {
		r.logger.Warn("Failed to release notification savepoint", zap.Error(err))
	}
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json: %w", err)
	}
	return b, nil
}

// unmarshalNullable 空列保持零值
func unmarshalNullable(b []byte, v any) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return json.Unmarshal(b, v)
}
