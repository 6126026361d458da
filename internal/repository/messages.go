package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"mailpilot/internal/model"
)

const messageColumns = `
	m.id, m.conversation_id, m.user_id, m.provider_message_id, c.provider_thread_id,
	m.header_message_id, m.sender, m.recipients, m.subject, m.body_text, m.body_html,
	m.direction, m.sent_at`

func scanMessage(row pgx.Row) (model.Message, error) {
	var (
		m         model.Message
		direction string
	)
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.UserID, &m.ProviderMessageID, &m.ProviderThreadID,
		&m.HeaderMessageID, &m.Sender, &m.Recipients, &m.Subject, &m.BodyText, &m.BodyHTML,
		&direction, &m.SentAt,
	)
	if err != nil {
		return m, err
	}
	m.Direction, err = model.ParseDirection(direction)
	return m, err
}

func (r *Repository) queryMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// IngestMessage 幂等写入。新线程时先创建目标再创建会话。
func (r *Repository) IngestMessage(ctx context.Context, msg *model.Message) (bool, error) {
	threadID := msg.ProviderThreadID
	if threadID == "" {
		threadID = msg.ProviderMessageID
	}

	created := false
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT id, conversation_id FROM messages WHERE user_id = $1 AND provider_message_id = $2
		`, msg.UserID, msg.ProviderMessageID).Scan(&msg.ID, &msg.ConversationID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to check message: %w", err)
		}

		convID, err := r.ensureConversation(ctx, tx, msg, threadID)
		if err != nil {
			return err
		}
		msg.ConversationID = convID

		err = tx.QueryRow(ctx, `
			INSERT INTO messages (conversation_id, user_id, provider_message_id, header_message_id,
			                      sender, recipients, subject, body_text, body_html, direction, sent_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (user_id, provider_message_id) DO NOTHING
			RETURNING id
		`, convID, msg.UserID, msg.ProviderMessageID, msg.HeaderMessageID,
			msg.Sender, nonNil(msg.Recipients), msg.Subject, msg.BodyText, msg.BodyHTML,
			string(msg.Direction), msg.SentAt,
		).Scan(&msg.ID)
		if errors.Is(err, pgx.ErrNoRows) {
			// 并发写入，已由另一事务完成
			return tx.QueryRow(ctx, `
				SELECT id FROM messages WHERE user_id = $1 AND provider_message_id = $2
			`, msg.UserID, msg.ProviderMessageID).Scan(&msg.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		created = true

		// 用户自己回复后轮到对方；静音的目标保持静音
		if msg.Direction == model.DirectionOutgoing {
			if _, err := tx.Exec(ctx, `
				UPDATE objectives o
				SET status = $2, updated_at = NOW()
				FROM conversations c
				WHERE c.id = $1 AND o.id = c.objective_id AND o.status <> $3
			`, convID, string(model.ObjectiveWaitingOnOthers), string(model.ObjectiveMuted)); err != nil {
				return fmt.Errorf("failed to update objective after outgoing message: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to ingest message %s: %w", msg.ProviderMessageID, err)
	}
	if msg.ProviderThreadID == "" {
		msg.ProviderThreadID = threadID
	}
	return created, nil
}

func (r *Repository) ensureConversation(ctx context.Context, tx pgx.Tx, msg *model.Message, threadID string) (int64, error) {
	participants := participantsOf(msg)

	var convID int64
	err := tx.QueryRow(ctx, `
		UPDATE conversations
		SET participants = ARRAY(SELECT DISTINCT unnest(participants || $3::text[]))
		WHERE user_id = $1 AND provider_thread_id = $2
		RETURNING id
	`, msg.UserID, threadID, participants).Scan(&convID)
	if err == nil {
		return convID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to update conversation: %w", err)
	}

	title := strings.TrimSpace(msg.Subject)
	if title == "" {
		title = "(no subject)"
	}
	var objectiveID int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO objectives (user_id, title) VALUES ($1, $2) RETURNING id
	`, msg.UserID, title).Scan(&objectiveID); err != nil {
		return 0, fmt.Errorf("failed to create objective: %w", err)
	}

	if err := tx.QueryRow(ctx, `
		INSERT INTO conversations (objective_id, user_id, provider_thread_id, participants)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, objectiveID, msg.UserID, threadID, participants).Scan(&convID); err != nil {
		return 0, fmt.Errorf("failed to create conversation: %w", err)
	}
	return convID, nil
}

func participantsOf(msg *model.Message) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range append([]string{msg.Sender}, msg.Recipients...) {
		addr := model.NormalizeAddress(a)
		if addr != "" && !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return nonNil(out)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// MessagesAwaitingTriage 来信、尚无动作、目标未静音，按发送时间升序
func (r *Repository) MessagesAwaitingTriage(ctx context.Context, userID int64, limit int) ([]model.Message, error) {
	return r.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		JOIN objectives o ON o.id = c.objective_id
		WHERE m.user_id = $1
		AND m.direction = 'incoming'
		AND o.status <> 'muted'
		AND NOT EXISTS (SELECT 1 FROM agent_actions a WHERE a.message_id = m.id)
		ORDER BY m.sent_at ASC, m.id ASC
		LIMIT $2
	`, userID, limit)
}

// ConversationHistory 最新的在前
func (r *Repository) ConversationHistory(ctx context.Context, conversationID int64, before time.Time, limit int) ([]model.Message, error) {
	return r.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.conversation_id = $1 AND m.sent_at < $2
		ORDER BY m.sent_at DESC
		LIMIT $3
	`, conversationID, before, limit)
}

func (r *Repository) GetMessage(ctx context.Context, messageID int64) (model.Message, error) {
	m, err := scanMessage(r.db.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.id = $1
	`, messageID))
	if err != nil {
		return m, fmt.Errorf("failed to get message %d: %w", messageID, err)
	}
	return m, nil
}

// SentSample 最近发送的邮件，用于风格学习
func (r *Repository) SentSample(ctx context.Context, userID int64, limit int) ([]model.Message, error) {
	return r.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.user_id = $1 AND m.direction = 'outgoing'
		ORDER BY m.sent_at DESC
		LIMIT $2
	`, userID, limit)
}
