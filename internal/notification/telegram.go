package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"mailpilot/internal/model"
	"mailpilot/internal/review"
	"mailpilot/pkg/trace"
)

// BotAPI *tgbotapi.BotAPI 中用到的方法
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Reviewer 处理按钮回调
type Reviewer interface {
	Approve(ctx context.Context, userID, actionID int64) (*model.AgentAction, error)
	Reject(ctx context.Context, userID, actionID int64, reason string) (*model.AgentAction, error)
}

// ChatStore 由 Telegram chat id 反查用户
type ChatStore interface {
	UserByTelegramChat(ctx context.Context, chatID int64) (int64, error)
}

// Telegram 既是投递渠道，也负责轮询 approve / reject 回调
type Telegram struct {
	api      BotAPI
	reviewer Reviewer
	chats    ChatStore
	logger   *zap.Logger
}

func NewTelegram(token string, reviewer Reviewer, chats ChatStore, logger *zap.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	logger.Info("Authorized on telegram account", zap.String("username", api.Self.UserName))
	return NewTelegramWithAPI(api, reviewer, chats, logger), nil
}

func NewTelegramWithAPI(api BotAPI, reviewer Reviewer, chats ChatStore, logger *zap.Logger) *Telegram {
	return &Telegram{api: api, reviewer: reviewer, chats: chats, logger: logger}
}

func (t *Telegram) Name() model.NotificationChannel { return model.ChannelTelegram }

func (t *Telegram) Deliver(_ context.Context, target model.NotificationTarget, ev Event) error {
	if target.TelegramChatID == 0 {
		return &DeliveryError{Channel: model.ChannelTelegram, Err: errors.New("telegram chat id is not set")}
	}

	msg := tgbotapi.NewMessage(target.TelegramChatID, ev.Title+"\n\n"+ev.Body)
	if ev.ActionID > 0 && ev.Kind != KindReconnectRequired {
		msg.ReplyMarkup = reviewKeyboard(ev.ActionID)
	}

	if _, err := t.api.Send(msg); err != nil {
		return &DeliveryError{Channel: model.ChannelTelegram, Transient: transientTelegram(err), Err: err}
	}
	return nil
}

func reviewKeyboard(actionID int64) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve", fmt.Sprintf("approve:%d", actionID)),
			tgbotapi.NewInlineKeyboardButtonData("❌ Reject", fmt.Sprintf("reject:%d", actionID)),
		),
	)
}

// API 错误里只有限流和服务端错误值得重试；无 API 错误码的视为网络问题
func transientTelegram(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	return true
}

// Run 轮询回调直到 ctx 结束
func (t *Telegram) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.CallbackQuery != nil {
				t.HandleCallback(ctx, update.CallbackQuery)
			}
		}
	}
}

// HandleCallback 处理 approve:<id> / reject:<id>
func (t *Telegram) HandleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	ctx, _ = trace.Ensure(ctx)
	reply := t.resolve(ctx, query)

	if _, err := t.api.Request(tgbotapi.NewCallback(query.ID, reply)); err != nil {
		t.logger.Warn("Failed to answer callback", zap.Error(err))
	}

	if query.Message == nil {
		return
	}
	edit := tgbotapi.NewEditMessageText(query.Message.Chat.ID, query.Message.MessageID, query.Message.Text+"\n\n"+reply)
	if _, err := t.api.Send(edit); err != nil {
		t.logger.Warn("Failed to edit message", zap.Error(err))
	}
}

func (t *Telegram) resolve(ctx context.Context, query *tgbotapi.CallbackQuery) string {
	verb, rawID, ok := strings.Cut(query.Data, ":")
	actionID, err := strconv.ParseInt(rawID, 10, 64)
	if !ok || err != nil || actionID <= 0 {
		return "Unknown command"
	}

	chatID := int64(0)
	if query.Message != nil {
		chatID = query.Message.Chat.ID
	} else if query.From != nil {
		chatID = query.From.ID
	}
	userID, err := t.chats.UserByTelegramChat(ctx, chatID)
	if err != nil {
		t.logger.Warn("Callback from unknown chat", zap.Int64("chat_id", chatID), zap.Error(err))
		return "This chat is not linked to an account"
	}

	log := t.logger.With(zap.Int64("user_id", userID), zap.Int64("action_id", actionID), zap.String("verb", verb))
	switch verb {
	case "approve":
		_, err = t.reviewer.Approve(ctx, userID, actionID)
	case "reject":
		_, err = t.reviewer.Reject(ctx, userID, actionID, "rejected from telegram")
	default:
		return "Unknown command"
	}

	switch {
	case err == nil:
		log.Info("Action resolved from telegram")
		if verb == "approve" {
			return "Approved ✅"
		}
		return "Rejected ❌"
	case errors.Is(err, review.ErrAlreadyResolved):
		return "Already handled"
	case errors.Is(err, review.ErrNotFound):
		return "Action not found"
	case errors.Is(err, review.ErrBusy):
		return "Action is being processed, try again shortly"
	default:
		log.Error("Failed to resolve action from telegram", zap.Error(err))
		return "Failed: " + err.Error()
	}
}
