// Package feedback 从已发送邮件和用户对草稿的修改中学习写作风格。
// 在分拣关键路径之外异步运行，每次运行以单条 UPDATE 整体替换风格画像。
package feedback

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailpilot/internal/llm"
	"mailpilot/internal/model"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/otel"
	"mailpilot/pkg/plan"
)

// Store 学习所需的读写
type Store interface {
	LoadUser(ctx context.Context, userID int64) (*model.UserContext, error)
	// SentSample 最近发送的邮件
	SentSample(ctx context.Context, userID int64, limit int) ([]model.Message, error)
	// EditPairs 最近以 edited 解决的动作
	EditPairs(ctx context.Context, userID int64, limit int) ([]EditPair, error)
	SaveStyleProfile(ctx context.Context, userID int64, profile model.WritingStyleProfile) error
}

// Config 学习配置
type Config struct {
	SentSample int `yaml:"sent_sample"`
	EditSample int `yaml:"edit_sample"`
	// 样本少于该值时不更新对应部分
	MinSamples int           `yaml:"min_samples"`
	UseLLM     bool          `yaml:"use_llm"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Learner 风格学习器
type Learner struct {
	store  Store
	llm    llm.Client
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewLearner(store Store, client llm.Client, cfg Config, logger *zap.Logger) *Learner {
	if cfg.SentSample <= 0 {
		cfg.SentSample = 30
	}
	if cfg.EditSample <= 0 {
		cfg.EditSample = 50
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Learner{store: store, llm: client, cfg: cfg, logger: logger, now: time.Now}
}

// Run 重新计算并保存用户的风格画像。
// 套餐不含任何学习功能时返回 *plan.FeatureUnavailableError。
func (l *Learner) Run(ctx context.Context, userID int64) (profile model.WritingStyleProfile, err error) {
	ctx, span := otel.StartSpan(ctx, "feedback.learn")
	defer func() { otel.EndSpan(span, err) }()

	log := logger.WithTrace(ctx, l.logger).With(zap.Int64("user_id", userID))

	user, err := l.store.LoadUser(ctx, userID)
	if err != nil {
		return profile, fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	styleOK := user.Plan.Has(plan.FeatureStyleLearning)
	editOK := user.Plan.Has(plan.FeatureEditLearning)
	if !styleOK && !editOK {
		return profile, user.Plan.Check(plan.FeatureStyleLearning)
	}

	if user.Style != nil {
		profile = *user.Style
	}
	changed := false

	if styleOK {
		sent, err := l.store.SentSample(ctx, userID, l.cfg.SentSample)
		if err != nil {
			return profile, fmt.Errorf("failed to load sent messages: %w", err)
		}
		stats := AnalyzeSent(sent)
		if stats.SampleSize >= l.cfg.MinSamples {
			profile.AvgWords = stats.AvgWords
			profile.Greeting = stats.Greeting
			profile.SignOff = stats.SignOff
			profile.UsesBullets = stats.UsesBullets
			profile.Formality = stats.Formality
			profile.Tone = string(stats.Tone)
			profile.CommonPhrases = stats.CommonPhrases
			profile.SampleSize = stats.SampleSize
			if l.cfg.UseLLM && l.llm != nil {
				l.refineTone(ctx, sent, &profile)
			}
			changed = true
		} else {
			log.Info("Not enough sent messages to learn style", zap.Int("samples", stats.SampleSize))
		}
	}

	if editOK {
		pairs, err := l.store.EditPairs(ctx, userID, l.cfg.EditSample)
		if err != nil {
			return profile, fmt.Errorf("failed to load edited actions: %w", err)
		}
		stats := AnalyzeEdits(pairs)
		if stats.SampleSize > 0 {
			profile.EditLengthRatio = stats.LengthRatio
			profile.EditInsights = stats.Insights
			profile.EditSampleSize = stats.SampleSize
			changed = true
		}
	}

	if !changed {
		return profile, nil
	}

	profile.UpdatedAt = l.now()
	if err = l.store.SaveStyleProfile(ctx, userID, profile); err != nil {
		return profile, fmt.Errorf("failed to save style profile: %w", err)
	}

	log.Info("Style profile updated",
		zap.String("tone", profile.Tone),
		zap.Int("avg_words", profile.AvgWords),
		zap.Int("samples", profile.SampleSize),
		zap.Int("edit_samples", profile.EditSampleSize),
		zap.Strings("edit_insights", profile.EditInsights),
	)
	return profile, nil
}

type toneSummary struct {
	Tone    model.Tone `json:"tone"`
	Phrases []string   `json:"phrases"`
}

func (t toneSummary) Validate() error {
	switch t.Tone {
	case model.ToneFormal, model.ToneFriendly, model.ToneProfessional, model.ToneCasual:
		return nil
	}
	return fmt.Errorf("unknown tone %q", t.Tone)
}

const toneSystemPrompt = `You describe how a person writes email.
Read the sample emails they sent and answer with JSON only:
{"tone": "formal" | "friendly" | "professional" | "casual", "phrases": [up to 5 short phrases they habitually use]}`

// refineTone 用模型的判断覆盖启发式语气；失败时保留启发式结果
func (l *Learner) refineTone(ctx context.Context, sent []model.Message, profile *model.WritingStyleProfile) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	var prompt []byte
	for i, m := range sent {
		if i == 10 {
			break
		}
		prompt = fmt.Appendf(prompt, "--- email %d ---\n%s\n\n", i+1, truncateRunes(ownText(m.Body()), 800))
	}

	out, err := llm.CompleteJSON[toneSummary](ctx, l.llm, llm.Request{
		Component:   "feedback",
		System:      toneSystemPrompt,
		Prompt:      string(prompt),
		Temperature: 0.2,
		MaxTokens:   300,
	})
	if err != nil {
		logger.WithTrace(ctx, l.logger).Warn("Tone summary failed, keeping heuristic tone", zap.Error(err))
		return
	}
	profile.Tone = string(out.Tone)
	if len(out.Phrases) > 0 {
		profile.CommonPhrases = out.Phrases[:min(len(out.Phrases), 5)]
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
