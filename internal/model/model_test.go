package model

import (
	"encoding/json"
	"testing"
)

func TestRiskRankTreatsUnknownAsHigh(t *testing.T) {
	if RiskLevel("").Rank() != RiskHigh.Rank() {
		t.Fatal("empty risk must rank as high")
	}
	if RiskLevel("critical").Rank() != RiskHigh.Rank() {
		t.Fatal("unknown risk must rank as high")
	}
	if got := MaxRisk(RiskLow, RiskMedium); got != RiskMedium {
		t.Fatalf("MaxRisk = %s, want medium", got)
	}
	if got := MaxRisk(RiskLow, RiskLevel("bogus")); got != RiskHigh {
		t.Fatalf("MaxRisk with unknown = %s, want high", got)
	}
}

func TestAnalysisRejectsUnknownEnum(t *testing.T) {
	raw := `{"intent":{"label":"ask"},"sentiment":"ecstatic","urgency":"low","category":"general","sender_relationship":"unknown"}`
	var a Analysis
	if err := json.Unmarshal([]byte(raw), &a); err == nil {
		t.Fatal("expected error for unknown sentiment")
	}
}

func TestAnalysisValidate(t *testing.T) {
	a := DefaultAnalysis()
	if err := a.Validate(); err != nil {
		t.Fatalf("default analysis must validate: %v", err)
	}
	a.Certainty = 1.5
	if err := a.Validate(); err == nil {
		t.Fatal("certainty above 1 must fail")
	}
}

func TestDraftValidate(t *testing.T) {
	d := Draft{Body: "Thanks", Reasoning: "ack", SuggestedAction: ActionFile}
	if err := d.Validate(); err == nil {
		t.Fatal("file is not a draft action")
	}
	d.SuggestedAction = ActionSend
	if err := d.Validate(); err != nil {
		t.Fatalf("valid draft rejected: %v", err)
	}
}

func TestDecisionTerminal(t *testing.T) {
	if DecisionPending.Terminal() {
		t.Fatal("pending_decision is not terminal")
	}
	for _, d := range []Decision{DecisionAutoExecute, DecisionQueueForReview, DecisionEscalate} {
		if !d.Terminal() {
			t.Fatalf("%s must be terminal", d)
		}
	}
	if _, err := ParseDecision("pending_decision"); err == nil {
		t.Fatal("pending_decision is never persisted")
	}
}

func TestMessageHelpers(t *testing.T) {
	m := Message{Sender: "Alice <Alice@Example.COM>", BodyHTML: "<p>Hi <b>there</b></p>"}
	if got := m.SenderAddress(); got != "alice@example.com" {
		t.Fatalf("SenderAddress = %q", got)
	}
	if got := m.SenderDomain(); got != "example.com" {
		t.Fatalf("SenderDomain = %q", got)
	}
	if got := m.Body(); got != "Hi there" {
		t.Fatalf("Body = %q", got)
	}
	if got := ReplySubject("Re: Budget"); got != "Re: Budget" {
		t.Fatalf("ReplySubject = %q", got)
	}
}
