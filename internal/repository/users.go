package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"mailpilot/internal/confidence"
	"mailpilot/internal/model"
	"mailpilot/internal/notification"
	"mailpilot/pkg/plan"
)

// 采纳率统计窗口
const acceptanceWindow = 100

func credentialsAD(userID int64) []byte {
	return []byte("user:" + strconv.FormatInt(userID, 10))
}

// LoadUser 读取用户上下文并解密凭证
func (r *Repository) LoadUser(ctx context.Context, userID int64) (*model.UserContext, error) {
	var (
		u           model.UserContext
		prefs       []byte
		style       []byte
		creds       []byte
		telegramID  *int64
		channel     string
		planTier    string
		autonomyLvl string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, org_id, email, display_name, plan_tier, autonomy_level, preferences,
		       writing_style_profile, provider, provider_credentials, sync_cursor,
		       reconnect_required, notification_channel, telegram_chat_id, webhook_url
		FROM users
		WHERE id = $1
	`, userID).Scan(
		&u.ID, &u.OrgID, &u.Email, &u.DisplayName, &planTier, &autonomyLvl, &prefs,
		&style, &u.Provider, &creds, &u.SyncCursor,
		&u.ReconnectRequired, &channel, &telegramID, &u.Notification.WebhookURL,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", userID, err)
	}

	if u.Plan, err = plan.ParseTier(planTier); err != nil {
		return nil, err
	}
	if u.Autonomy, err = model.ParseAutonomyLevel(autonomyLvl); err != nil {
		return nil, err
	}
	if u.Notification.Channel, err = model.ParseNotificationChannel(channel); err != nil {
		return nil, err
	}
	if telegramID != nil {
		u.Notification.TelegramChatID = *telegramID
	}
	if err := unmarshalNullable(prefs, &u.Preferences); err != nil {
		return nil, fmt.Errorf("invalid preferences for user %d: %w", userID, err)
	}
	if len(style) > 0 && string(style) != "null" {
		var profile model.WritingStyleProfile
		if err := unmarshalNullable(style, &profile); err != nil {
			return nil, fmt.Errorf("invalid style profile for user %d: %w", userID, err)
		}
		u.Style = &profile
	}
	if len(creds) > 0 {
		if u.Credentials, err = r.vault.Open(creds, credentialsAD(userID)); err != nil {
			return nil, fmt.Errorf("failed to decrypt credentials for user %d: %w", userID, err)
		}
	}

	if u.AcceptanceRate, err = r.acceptanceRate(ctx, userID); err != nil {
		return nil, err
	}
	return &u, nil
}

// acceptanceRate 最近人工解决的动作中未经修改直接批准的比例
func (r *Repository) acceptanceRate(ctx context.Context, userID int64) (float64, error) {
	var approved, resolved int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'approved' AND user_edit IS NULL), COUNT(*)
		FROM (
			SELECT status, user_edit
			FROM agent_actions
			WHERE user_id = $1 AND resolved_at IS NOT NULL AND decision <> 'auto_execute'
			ORDER BY resolved_at DESC
			LIMIT $2
		) recent
	`, userID, acceptanceWindow).Scan(&approved, &resolved)
	if err != nil {
		return 0, fmt.Errorf("failed to compute acceptance rate for user %d: %w", userID, err)
	}
	return confidence.AcceptanceRate(approved, resolved), nil
}

// SaveCredentials 加密保存凭证并清除重连标记
func (r *Repository) SaveCredentials(ctx context.Context, userID int64, credentials []byte) error {
	sealed, err := r.vault.Seal(credentials, credentialsAD(userID))
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE users
		SET provider_credentials = $2, reconnect_required = FALSE, updated_at = NOW()
		WHERE id = $1
	`, userID, sealed)
	if err != nil {
		return fmt.Errorf("failed to save credentials for user %d: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %d: %w", userID, pgx.ErrNoRows)
	}
	return nil
}

func (r *Repository) AdvanceCursor(ctx context.Context, userID int64, cursor string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE users SET sync_cursor = $2, updated_at = NOW() WHERE id = $1
	`, userID, cursor)
	if err != nil {
		return fmt.Errorf("failed to advance cursor for user %d: %w", userID, err)
	}
	return nil
}

// MarkReconnectRequired 只在状态首次变化时通知
func (r *Repository) MarkReconnectRequired(ctx context.Context, userID int64, notify *notification.Event) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE users
			SET reconnect_required = TRUE, updated_at = NOW()
			WHERE id = $1 AND reconnect_required = FALSE
		`, userID)
		if err != nil {
			return fmt.Errorf("failed to mark reconnect required for user %d: %w", userID, err)
		}
		if tag.RowsAffected() > 0 {
			r.enqueueNotification(ctx, tx, notify)
		}
		return nil
	})
}

// SaveStyleProfile 整体覆盖写入，后写者胜出
func (r *Repository) SaveStyleProfile(ctx context.Context, userID int64, profile model.WritingStyleProfile) error {
	b, err := marshalJSON(profile)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		UPDATE users
		SET writing_style_profile = $2, style_profile_updated_at = $3, updated_at = NOW()
		WHERE id = $1
	`, userID, b, profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save style profile for user %d: %w", userID, err)
	}
	return nil
}

// NotificationTarget 通知投递目标
func (r *Repository) NotificationTarget(ctx context.Context, userID int64) (model.NotificationTarget, error) {
	var (
		t          model.NotificationTarget
		channel    string
		telegramID *int64
	)
	err := r.db.QueryRow(ctx, `
		SELECT notification_channel, telegram_chat_id, webhook_url FROM users WHERE id = $1
	`, userID).Scan(&channel, &telegramID, &t.WebhookURL)
	if err != nil {
		return t, fmt.Errorf("failed to load notification target for user %d: %w", userID, err)
	}
	if t.Channel, err = model.ParseNotificationChannel(channel); err != nil {
		return t, err
	}
	if telegramID != nil {
		t.TelegramChatID = *telegramID
	}
	return t, nil
}

// UserByTelegramChat 由 chat id 反查用户
func (r *Repository) UserByTelegramChat(ctx context.Context, chatID int64) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `SELECT id FROM users WHERE telegram_chat_id = $1`, chatID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("no user for telegram chat %d: %w", chatID, err)
	}
	return id, nil
}

// SyncableUsers 已连接邮箱且无需重新授权的用户
func (r *Repository) SyncableUsers(ctx context.Context) ([]int64, error) {
	return r.userIDs(ctx, `
		SELECT id FROM users
		WHERE provider_credentials IS NOT NULL AND reconnect_required = FALSE
		ORDER BY id
	`)
}

// StyleLearningUsers 风格画像早于 staleBefore 且档位支持学习的用户
func (r *Repository) StyleLearningUsers(ctx context.Context, staleBefore time.Time) ([]int64, error) {
	return r.userIDs(ctx, `
		SELECT id FROM users
		WHERE plan_tier IN ('pro', 'business')
		AND (style_profile_updated_at IS NULL OR style_profile_updated_at < $1)
		ORDER BY id
	`, staleBefore)
}

func (r *Repository) userIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan users: %w", err)
	}
	return ids, nil
}
