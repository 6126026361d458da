// Package confidence 估计草稿“是否正确、是否合适”，输出 0–100 的分数。
// 风险不在这里考虑，由自治门控负责。
package confidence

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailpilot/internal/analyzer"
	"mailpilot/internal/llm"
	"mailpilot/internal/model"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/otel"
)

// 模型自评失败时的折扣
const reviewFailurePenalty = 0.85

// Config 打分配置
type Config struct {
	// 开启后用模型自评与启发式分数各占一半
	SelfReview bool          `yaml:"self_review"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Input 打分输入；Draft 为 nil 表示非回复类动作（归档、分拣）
type Input struct {
	Message        model.Message
	Analysis       model.Analysis
	Draft          *model.Draft
	Context        []model.Message
	AcceptanceRate float64
}

// Scorer 置信度打分器
type Scorer struct {
	llm    llm.Client
	cfg    Config
	logger *zap.Logger
}

func New(client llm.Client, cfg Config, logger *zap.Logger) *Scorer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Scorer{llm: client, cfg: cfg, logger: logger}
}

// AcceptanceRate 历史采纳率，拉普拉斯平滑：(未修改通过 + 1) / (已处理 + 2)
func AcceptanceRate(approvedUnmodified, resolved int) float64 {
	if resolved < 0 {
		resolved = 0
	}
	approvedUnmodified = min(max(approvedUnmodified, 0), resolved)
	return float64(approvedUnmodified+1) / float64(resolved+2)
}

// Score 返回 [0,100] 的分数，关于采纳率单调不减
func (s *Scorer) Score(ctx context.Context, in Input) int {
	ctx, span := otel.StartSpan(ctx, "triage.confidence")
	defer otel.EndSpan(span, nil)

	quality := heuristicQuality(in)

	if s.cfg.SelfReview && s.llm != nil && in.Draft != nil {
		review, err := s.selfReview(ctx, in)
		if err != nil {
			logger.WithTrace(ctx, s.logger).Warn("Draft self-review failed, degrading confidence",
				zap.Int64("message_id", in.Message.ID),
				zap.Error(err),
			)
			quality *= reviewFailurePenalty
		} else {
			quality = 0.5*quality + 0.5*float64(review.Score)/100
		}
	}

	return Combine(quality, in.AcceptanceRate)
}

// Combine 质量分乘以采纳系数 0.5 + 0.5*rate
func Combine(quality, acceptanceRate float64) int {
	quality = clamp(quality, 0, 1)
	rate := clamp(acceptanceRate, 0, 1)
	if math.IsNaN(quality) {
		quality = 0
	}
	if math.IsNaN(rate) {
		rate = 0
	}
	score := quality * (0.5 + 0.5*rate) * 100
	return int(math.Round(clamp(score, 0, 100)))
}

var placeholderPattern = regexp.MustCompile(`(?i)\[[^\]]{1,40}\]|\{\{[^}]*\}\}|<insert[^>]*>|\bTODO\b|\bXXX\b|\bTBD\b`)

// heuristicQuality 返回 [0,1]
func heuristicQuality(in Input) float64 {
	certainty := clamp(in.Analysis.Certainty, 0, 1)
	if in.Draft == nil {
		return certainty
	}

	body := in.Draft.Body
	words := len(strings.Fields(body))
	draft := 1.0

	switch {
	case words < 5:
		draft -= 0.35
	case words > 600:
		draft -= 0.2
	}
	if placeholderPattern.MatchString(body) {
		draft -= 0.4
	}
	if !hasGreeting(body) {
		draft -= 0.05
	}
	if !hasSignOff(body) {
		draft -= 0.05
	}
	draft -= 0.3 * (1 - keyPointCoverage(in.Analysis.KeyPoints, body))
	if priorOutgoing(in.Context) {
		draft += 0.05
	}

	return clamp(0.4*certainty+0.6*clamp(draft, 0, 1), 0, 1)
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true, "from": true,
	"your": true, "you": true, "are": true, "will": true, "about": true, "have": true, "asks": true,
}

// keyPointCoverage 草稿覆盖的要点比例；每个要点至少一个有效词出现在草稿中即视为覆盖
func keyPointCoverage(points []string, body string) float64 {
	if len(points) == 0 {
		return 1
	}
	lower := strings.ToLower(body)
	covered := 0
	for _, p := range points {
		for _, w := range strings.FieldsFunc(strings.ToLower(p), func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
		}) {
			if len(w) >= 3 && !stopWords[w] && strings.Contains(lower, w) {
				covered++
				break
			}
		}
	}
	return float64(covered) / float64(len(points))
}

var greetings = []string{"hi", "hello", "hey", "dear", "good morning", "good afternoon", "thanks", "thank you"}
var signOffs = []string{"regards", "best", "thanks", "thank you", "cheers", "sincerely", "talk soon", "all the best"}

func hasGreeting(body string) bool {
	first := strings.ToLower(firstLine(body))
	for _, g := range greetings {
		if strings.HasPrefix(first, g) {
			return true
		}
	}
	return false
}

func hasSignOff(body string) bool {
	lines := strings.Split(strings.TrimSpace(strings.ToLower(body)), "\n")
	start := max(len(lines)-3, 0)
	for _, l := range lines[start:] {
		for _, s := range signOffs {
			if strings.Contains(l, s) {
				return true
			}
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func priorOutgoing(history []model.Message) bool {
	for _, m := range history {
		if m.Direction == model.DirectionOutgoing {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

type selfReviewResult struct {
	Score  int      `json:"score"`
	Issues []string `json:"issues"`
}

func (r selfReviewResult) Validate() error {
	if r.Score < 0 || r.Score > 100 {
		return fmt.Errorf("score %d out of [0,100]", r.Score)
	}
	return nil
}

func (s *Scorer) selfReview(ctx context.Context, in Input) (selfReviewResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	prompt := fmt.Sprintf("ORIGINAL EMAIL\nFrom: %s\nSubject: %s\n\n%s\n\nDRAFT REPLY\nSubject: %s\n\n%s\n",
		in.Message.Sender, in.Message.Subject, analyzer.TruncateBody(in.Message.Body(), 1500),
		in.Draft.Subject, in.Draft.Body)

	return llm.CompleteJSON[selfReviewResult](ctx, s.llm, llm.Request{
		Component: "confidence",
		System: `You review an AI-drafted email reply. Judge only whether it correctly and appropriately
answers the email. Return ONLY {"score": <0-100>, "issues": ["<issue>", ...]}.`,
		Prompt:      prompt,
		Temperature: 0,
		MaxTokens:   300,
	})
}
