package drafter

import (
	"fmt"
	"strings"

	"mailpilot/internal/analyzer"
)

const systemPrompt = `You draft email replies on behalf of the mailbox owner. Follow the writing guidance
exactly. Return ONLY a JSON object:
{
  "subject": "<reply subject>",
  "body": "<full reply body>",
  "suggested_action": "draft" | "send" | "schedule",
  "reasoning": "<why this reply and action, for the human reviewer>"
}
Use "schedule" only when the email asks to arrange a meeting or call. Never invent facts,
prices, dates or commitments that are not in the thread; leave a clear placeholder instead.`

func (d *Drafter) buildPrompt(in Input, g Guidance) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Mailbox owner: %s <%s>\n\n", in.UserName, in.UserEmail)

	sb.WriteString("WRITING GUIDANCE\n")
	fmt.Fprintf(&sb, "- Tone: %s\n", g.Tone)
	fmt.Fprintf(&sb, "- Length: %s (about %d words)\n", g.Length, g.TargetWords)
	if g.Greeting != "" {
		fmt.Fprintf(&sb, "- Usual greeting: %q\n", g.Greeting)
	}
	if g.SignOff != "" {
		fmt.Fprintf(&sb, "- Sign off with: %q\n", g.SignOff)
	}
	if g.Language != "" {
		fmt.Fprintf(&sb, "- Language: %s\n", g.Language)
	}
	if g.UsesBullets {
		sb.WriteString("- Uses bullet points for lists\n")
	}
	if len(g.Phrases) > 0 {
		fmt.Fprintf(&sb, "- Favourite phrases: %s\n", strings.Join(g.Phrases, "; "))
	}
	for _, insight := range g.EditInsights {
		fmt.Fprintf(&sb, "- Past edits: %s\n", insight)
	}

	a := in.Analysis
	sb.WriteString("\nANALYSIS\n")
	fmt.Fprintf(&sb, "Intent: %s (%s)\nUrgency: %s\nCategory: %s\nSender: %s\n",
		a.Intent.Label, a.Intent.Description, a.Urgency, a.Category, a.SenderRelationship)
	if len(a.KeyPoints) > 0 {
		sb.WriteString("Key points to address:\n")
		for _, p := range a.KeyPoints {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
	}

	sb.WriteString("\nEMAIL TO ANSWER\n")
	fmt.Fprintf(&sb, "From: %s\nSubject: %s\n\n%s\n", in.Message.Sender, in.Message.Subject,
		analyzer.TruncateBody(in.Message.Body(), d.cfg.MaxBodyChars))

	history := in.Context
	if len(history) > d.cfg.ContextWindow {
		history = history[:d.cfg.ContextWindow]
	}
	if len(history) > 0 {
		sb.WriteString("\nTHREAD CONTEXT (most recent first)\n")
		for _, m := range history {
			fmt.Fprintf(&sb, "--- %s from %s ---\n%s\n", m.Direction, m.Sender,
				analyzer.TruncateBody(m.Body(), d.cfg.MaxBodyChars))
		}
	}
	return sb.String()
}
