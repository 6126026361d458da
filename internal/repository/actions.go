package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mailpilot/internal/feedback"
	"mailpilot/internal/model"
	"mailpilot/internal/notification"
	"mailpilot/internal/review"
)

const actionColumns = `
	a.id, a.conversation_id, a.message_id, a.user_id, c.objective_id, a.action_type,
	a.proposed_content, a.confidence_score, a.risk_level, a.risk_factors, a.priority_score,
	a.decision, a.status, a.reasoning, a.policy_matches, a.user_edit, a.override_reason,
	a.escalation_note, a.created_at, a.resolved_at, a.approved_at`

func scanAction(row pgx.Row) (*model.AgentAction, error) {
	var (
		a                                   model.AgentAction
		actionType, riskLevel, decision, st string
		content, matches, userEdit          []byte
	)
	err := row.Scan(
		&a.ID, &a.ConversationID, &a.MessageID, &a.UserID, &a.ObjectiveID, &actionType,
		&content, &a.ConfidenceScore, &riskLevel, &a.RiskFactors, &a.PriorityScore,
		&decision, &st, &a.Reasoning, &matches, &userEdit, &a.OverrideReason,
		&a.EscalationNote, &a.CreatedAt, &a.ResolvedAt, &a.ApprovedAt,
	)
	if err != nil {
		return nil, err
	}

	if a.Type, err = model.ParseActionType(actionType); err != nil {
		return nil, err
	}
	if a.RiskLevel, err = model.ParseRiskLevel(riskLevel); err != nil {
		return nil, err
	}
	if a.Decision, err = model.ParseDecision(decision); err != nil {
		return nil, err
	}
	if a.Status, err = model.ParseActionStatus(st); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(content, &a.Content); err != nil {
		return nil, fmt.Errorf("invalid proposed content: %w", err)
	}
	if err := unmarshalNullable(matches, &a.PolicyMatches); err != nil {
		return nil, fmt.Errorf("invalid policy matches: %w", err)
	}
	if len(userEdit) > 0 && string(userEdit) != "null" {
		var edit model.ProposedContent
		if err := unmarshalNullable(userEdit, &edit); err != nil {
			return nil, fmt.Errorf("invalid user edit: %w", err)
		}
		a.UserEdit = &edit
	}
	return &a, nil
}

// SaveDecision 写入动作、更新目标状态、写入通知 outbox，同一事务
func (r *Repository) SaveDecision(ctx context.Context, action *model.AgentAction, status model.ObjectiveStatus, notify *notification.Event) error {
	content, err := marshalJSON(action.Content)
	if err != nil {
		return err
	}
	matches, err := action.MarshalPolicyMatches()
	if err != nil {
		return err
	}
	st := action.Status
	if st == "" {
		st = model.ActionPending
	}

	return r.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO agent_actions (conversation_id, message_id, user_id, action_type, proposed_content,
			                           confidence_score, risk_level, risk_factors, priority_score, decision,
			                           status, reasoning, policy_matches, escalation_note, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			RETURNING id
		`, action.ConversationID, action.MessageID, action.UserID, string(action.Type), content,
			action.ConfidenceScore, string(action.RiskLevel), nonNil(action.RiskFactors), action.PriorityScore,
			string(action.Decision), string(st), action.Reasoning, matches, action.EscalationNote, action.CreatedAt,
		).Scan(&action.ID)
		if err != nil {
			return fmt.Errorf("failed to insert action: %w", err)
		}
		action.Status = st

		if err := tx.QueryRow(ctx, `
			UPDATE objectives o
			SET status = $2, updated_at = NOW()
			FROM conversations c
			WHERE c.id = $1 AND o.id = c.objective_id
			RETURNING o.id
		`, action.ConversationID, string(status)).Scan(&action.ObjectiveID); err != nil {
			return fmt.Errorf("failed to update objective status: %w", err)
		}

		if notify != nil {
			notify.ActionID = action.ID
			notify.ObjectiveID = action.ObjectiveID
			r.enqueueNotification(ctx, tx, notify)
		}
		return nil
	})
}

// MarkExecuted 自动执行成功后以 approved 解决
func (r *Repository) MarkExecuted(ctx context.Context, actionID int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE agent_actions
		SET status = 'approved', resolved_at = $2, approved_at = $2
		WHERE id = $1 AND resolved_at IS NULL
	`, actionID, at)
	if err != nil {
		return fmt.Errorf("failed to mark action %d executed: %w", actionID, err)
	}
	return nil
}

// MarkEscalated 自动执行失败后转为升级，目标回到等待用户
func (r *Repository) MarkEscalated(ctx context.Context, action *model.AgentAction, note string, notify *notification.Event) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE agent_actions
			SET decision = 'escalate', escalation_note = $2
			WHERE id = $1 AND resolved_at IS NULL
		`, action.ID, note)
		if err != nil {
			return fmt.Errorf("failed to escalate action %d: %w", action.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("action %d: %w", action.ID, review.ErrAlreadyResolved)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE objectives o
			SET status = 'waiting_on_you', updated_at = NOW()
			FROM conversations c
			WHERE c.id = $1 AND o.id = c.objective_id
		`, action.ConversationID); err != nil {
			return fmt.Errorf("failed to update objective status: %w", err)
		}

		r.enqueueNotification(ctx, tx, notify)
		return nil
	})
}

// GetAction 只返回属于该用户的动作
func (r *Repository) GetAction(ctx context.Context, userID, actionID int64) (*model.AgentAction, error) {
	a, err := scanAction(r.db.QueryRow(ctx, `
		SELECT `+actionColumns+`
		FROM agent_actions a
		JOIN conversations c ON c.id = a.conversation_id
		WHERE a.id = $1 AND a.user_id = $2
	`, actionID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, review.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action %d: %w", actionID, err)
	}
	return a, nil
}

// ListPending 未解决的动作，按优先级降序、创建时间升序
func (r *Repository) ListPending(ctx context.Context, userID int64, limit, offset int) ([]model.AgentAction, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+actionColumns+`
		FROM agent_actions a
		JOIN conversations c ON c.id = a.conversation_id
		WHERE a.user_id = $1 AND a.resolved_at IS NULL
		ORDER BY a.priority_score DESC, a.created_at ASC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending actions: %w", err)
	}
	defer rows.Close()

	actions := []model.AgentAction{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, *a)
	}
	return actions, rows.Err()
}

// Resolve 条件更新，resolved_at 已有值时返回 ErrAlreadyResolved
func (r *Repository) Resolve(ctx context.Context, res review.Resolution) error {
	var userEdit []byte
	if res.UserEdit != nil {
		b, err := marshalJSON(res.UserEdit)
		if err != nil {
			return err
		}
		userEdit = b
	}

	return r.withTx(ctx, func(tx pgx.Tx) error {
		var convID int64
		err := tx.QueryRow(ctx, `
			UPDATE agent_actions
			SET status = $3, user_edit = $4, override_reason = $5, resolved_at = $6, approved_at = $7
			WHERE id = $1 AND user_id = $2 AND resolved_at IS NULL
			RETURNING conversation_id
		`, res.ActionID, res.UserID, string(res.Status), userEdit, res.OverrideReason,
			res.ResolvedAt, res.ApprovedAt).Scan(&convID)
		if errors.Is(err, pgx.ErrNoRows) {
			return r.missingOrResolved(ctx, tx, res.UserID, res.ActionID)
		}
		if err != nil {
			return fmt.Errorf("failed to resolve action %d: %w", res.ActionID, err)
		}

		if res.ObjectiveStatus == "" {
			return nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE objectives o
			SET status = $2, updated_at = NOW()
			FROM conversations c
			WHERE c.id = $1 AND o.id = c.objective_id
		`, convID, string(res.ObjectiveStatus)); err != nil {
			return fmt.Errorf("failed to update objective status: %w", err)
		}
		return nil
	})
}

func (r *Repository) missingOrResolved(ctx context.Context, tx pgx.Tx, userID, actionID int64) error {
	var exists bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM agent_actions WHERE id = $1 AND user_id = $2)
	`, actionID, userID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check action %d: %w", actionID, err)
	}
	if exists {
		return review.ErrAlreadyResolved
	}
	return review.ErrNotFound
}

// Annotate 写入 override_reason，解决后仍可修改
func (r *Repository) Annotate(ctx context.Context, userID, actionID int64, note string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE agent_actions SET override_reason = $3 WHERE id = $1 AND user_id = $2
	`, actionID, userID, note)
	if err != nil {
		return fmt.Errorf("failed to annotate action %d: %w", actionID, err)
	}
	if tag.RowsAffected() == 0 {
		return review.ErrNotFound
	}
	return nil
}

// EditPairs 最近被修改后解决的草稿
func (r *Repository) EditPairs(ctx context.Context, userID int64, limit int) ([]feedback.EditPair, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, proposed_content, user_edit
		FROM agent_actions
		WHERE user_id = $1 AND status = 'edited' AND user_edit IS NOT NULL
		ORDER BY resolved_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query edit pairs: %w", err)
	}
	defer rows.Close()

	var pairs []feedback.EditPair
	for rows.Next() {
		var (
			p              feedback.EditPair
			proposed, edit []byte
		)
		if err := rows.Scan(&p.ActionID, &proposed, &edit); err != nil {
			return nil, fmt.Errorf("failed to scan edit pair: %w", err)
		}
		if err := unmarshalNullable(proposed, &p.Proposed); err != nil {
			return nil, fmt.Errorf("invalid proposed content for action %d: %w", p.ActionID, err)
		}
		if err := unmarshalNullable(edit, &p.Edited); err != nil {
			return nil, fmt.Errorf("invalid user edit for action %d: %w", p.ActionID, err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func (r *Repository) ActivePolicies(ctx context.Context, userID int64) ([]model.Policy, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, name, rules, is_active
		FROM policies
		WHERE user_id = $1 AND is_active
		ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	defer rows.Close()

	var policies []model.Policy
	for rows.Next() {
		var p model.Policy
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.Rules, &p.Active); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// ListObjectives status 为空时返回全部
func (r *Repository) ListObjectives(ctx context.Context, userID int64, status model.ObjectiveStatus, limit, offset int) ([]model.Objective, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, title, status, created_at, updated_at
		FROM objectives
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY updated_at DESC
		LIMIT $3 OFFSET $4
	`, userID, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list objectives: %w", err)
	}
	defer rows.Close()

	objectives := []model.Objective{}
	for rows.Next() {
		var (
			o  model.Objective
			st string
		)
		if err := rows.Scan(&o.ID, &o.UserID, &o.Title, &st, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan objective: %w", err)
		}
		if o.Status, err = model.ParseObjectiveStatus(st); err != nil {
			return nil, err
		}
		objectives = append(objectives, o)
	}
	return objectives, rows.Err()
}
