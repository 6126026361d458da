package analyzer

import (
	"fmt"
	"strings"

	"mailpilot/internal/model"
)

const systemPrompt = `You are an email triage assistant. Read the email and its thread context and
return ONLY a JSON object with exactly these fields:
{
  "intent": {"label": "<short snake_case label>", "description": "<one sentence>"},
  "sentiment": "positive" | "neutral" | "negative",
  "urgency": "low" | "medium" | "high" | "urgent",
  "category": "general" | "request" | "question" | "meeting" | "billing" | "legal" | "support" | "sales" | "personal" | "newsletter" | "notification",
  "actionable": true | false,
  "likely_spam": true | false,
  "requires_immediate_response": true | false,
  "sender_relationship": "unknown" | "colleague" | "client" | "vendor" | "personal" | "automated",
  "key_points": ["<point>", ...],
  "summary": "<one or two sentences>",
  "certainty": <number between 0 and 1>
}
Use only the listed values. Do not add commentary.`

func (a *Analyzer) buildPrompt(in Input) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Mailbox owner: %s <%s>\n\n", in.UserName, in.UserEmail)
	sb.WriteString("EMAIL TO ANALYZE\n")
	writeMessage(&sb, in.Message, a.cfg.MaxBodyChars)

	window := a.Window(in.Context)
	if len(window) > 0 {
		sb.WriteString("\nTHREAD CONTEXT (most recent first)\n")
		for i, m := range window {
			fmt.Fprintf(&sb, "--- #%d (%s) ---\n", i+1, m.Direction)
			writeMessage(&sb, m, a.cfg.MaxBodyChars)
		}
	}
	return sb.String()
}

func writeMessage(sb *strings.Builder, m model.Message, maxChars int) {
	fmt.Fprintf(sb, "From: %s\n", m.Sender)
	if len(m.Recipients) > 0 {
		fmt.Fprintf(sb, "To: %s\n", strings.Join(m.Recipients, ", "))
	}
	fmt.Fprintf(sb, "Subject: %s\n", m.Subject)
	if !m.SentAt.IsZero() {
		fmt.Fprintf(sb, "Date: %s\n", m.SentAt.Format("2006-01-02 15:04 MST"))
	}
	fmt.Fprintf(sb, "\n%s\n", TruncateBody(m.Body(), maxChars))
}

// TruncateBody 按 rune 截断正文
func TruncateBody(body string, maxChars int) string {
	r := []rune(body)
	if len(r) <= maxChars {
		return body
	}
	return string(r[:maxChars]) + "\n[truncated]"
}
