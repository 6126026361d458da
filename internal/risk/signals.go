package risk

import (
	"fmt"
	"regexp"
	"strings"

	"mailpilot/internal/model"
)

type signal struct {
	level     model.RiskLevel
	factor    string
	financial bool
	legal     bool
}

type termGroup struct {
	level     model.RiskLevel
	label     string
	financial bool
	legal     bool
	terms     []string
}

var termGroups = []termGroup{
	{
		level: model.RiskHigh, label: "payment redirection or banking details", financial: true,
		terms: []string{"wire transfer", "bank details", "account number", "routing number", "iban", "swift", "change of bank", "new bank account"},
	},
	{
		level: model.RiskMedium, label: "financial terms", financial: true,
		terms: []string{"invoice", "payment", "refund", "purchase order", "quote", "pricing", "discount", "overdue", "budget"},
	},
	{
		level: model.RiskHigh, label: "legal terms", legal: true,
		terms: []string{"lawsuit", "attorney", "subpoena", "litigation", "cease and desist", "breach of contract", "liability", "settlement"},
	},
	{
		level: model.RiskMedium, label: "contractual terms", legal: true,
		terms: []string{"contract", "nda", "terms and conditions", "agreement", "gdpr", "compliance"},
	},
	{
		level: model.RiskHigh, label: "credentials or security request",
		terms: []string{"password", "verification code", "one-time code", "2fa", "social security", "ssn", "login credentials", "gift card"},
	},
}

var amountPattern = regexp.MustCompile(`(?i)(?:[$€£¥]\s?\d[\d,]*(?:\.\d+)?|\d[\d,]*(?:\.\d+)?\s?(?:usd|eur|gbp|dollars|euros))`)

// contentSignals 从邮件内容和分析结果中提取确定性风险信号
func contentSignals(in Input) []signal {
	text := strings.ToLower(in.Message.Subject + "\n" + in.Message.Body())
	var out []signal

	for _, g := range termGroups {
		for _, term := range g.terms {
			if containsWord(text, term) {
				out = append(out, signal{
					level:     g.level,
					factor:    fmt.Sprintf("%s (%q)", g.label, term),
					financial: g.financial,
					legal:     g.legal,
				})
				break
			}
		}
	}

	if m := amountPattern.FindString(text); m != "" {
		out = append(out, signal{level: model.RiskMedium, factor: fmt.Sprintf("monetary amount mentioned (%s)", strings.TrimSpace(m)), financial: true})
	}

	a := in.Analysis
	switch a.Category {
	case model.CategoryLegal:
		out = append(out, signal{level: model.RiskHigh, factor: "categorized as legal", legal: true})
	case model.CategoryBilling:
		out = append(out, signal{level: model.RiskMedium, factor: "categorized as billing", financial: true})
	}
	if a.LikelySpam {
		out = append(out, signal{level: model.RiskMedium, factor: "likely spam or phishing"})
	}
	if a.Urgency == model.UrgencyUrgent && a.Sentiment == model.SentimentNegative {
		out = append(out, signal{level: model.RiskMedium, factor: "urgent pressure with negative sentiment"})
	}
	if a.SenderRelationship == model.RelationshipUnknown && isExternal(in.Message, in.UserEmail) {
		out = append(out, signal{level: model.RiskMedium, factor: "unknown external sender"})
	}
	return out
}

func isExternal(msg model.Message, userEmail string) bool {
	userDomain := ""
	if i := strings.LastIndexByte(userEmail, '@'); i >= 0 {
		userDomain = strings.ToLower(userEmail[i+1:])
	}
	sender := msg.SenderDomain()
	return sender != "" && sender != userDomain
}

// containsWord 按词边界匹配，避免 "nda" 命中 "monday"
func containsWord(text, term string) bool {
	for start := 0; ; {
		i := strings.Index(text[start:], term)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(term)
		if (i == 0 || !isWordByte(text[i-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		start = i + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
