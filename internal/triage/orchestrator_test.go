package triage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"mailpilot/internal/analyzer"
	"mailpilot/internal/autonomy"
	"mailpilot/internal/confidence"
	"mailpilot/internal/drafter"
	"mailpilot/internal/executor"
	"mailpilot/internal/llm"
	"mailpilot/internal/mailprovider"
	"mailpilot/internal/model"
	"mailpilot/internal/notification"
	"mailpilot/internal/policy"
	"mailpilot/internal/risk"
	"mailpilot/pkg/plan"
	"mailpilot/pkg/retry"
	"mailpilot/pkg/util"
)

// ---- in-memory store ----

type memStore struct {
	mu sync.Mutex

	users    map[int64]*model.UserContext
	policies map[int64][]model.Policy

	nextID        int64
	messages      []model.Message
	threads       map[string]int64 // user/thread -> conversation id
	objectives    map[int64]model.ObjectiveStatus
	actions       map[int64]*model.AgentAction // by message id
	notifications []notification.Event
	cursors       map[int64]string
	executed      map[int64]time.Time
	reconnect     map[int64]bool

	saveErr error
}

func newMemStore() *memStore {
	return &memStore{
		users:      map[int64]*model.UserContext{},
		policies:   map[int64][]model.Policy{},
		threads:    map[string]int64{},
		objectives: map[int64]model.ObjectiveStatus{},
		actions:    map[int64]*model.AgentAction{},
		cursors:    map[int64]string{},
		executed:   map[int64]time.Time{},
		reconnect:  map[int64]bool{},
	}
}

func (s *memStore) LoadUser(ctx context.Context, userID int64) (*model.UserContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %d not found", userID)
	}
	cp := *u
	cp.SyncCursor = s.cursors[userID]
	cp.ReconnectRequired = s.reconnect[userID]
	return &cp, nil
}

func (s *memStore) ActivePolicies(ctx context.Context, userID int64) ([]model.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policies[userID], nil
}

func (s *memStore) IngestMessage(ctx context.Context, msg *model.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.UserID == msg.UserID && m.ProviderMessageID == msg.ProviderMessageID {
			*msg = m
			return false, nil
		}
	}
	key := fmt.Sprintf("%d/%s", msg.UserID, msg.ProviderThreadID)
	conv, ok := s.threads[key]
	if !ok {
		s.nextID++
		conv = s.nextID
		s.threads[key] = conv
		s.objectives[conv] = model.ObjectiveWaitingOnYou
	}
	if msg.Direction == model.DirectionOutgoing && s.objectives[conv] != model.ObjectiveMuted {
		s.objectives[conv] = model.ObjectiveWaitingOnOthers
	}
	s.nextID++
	msg.ID = s.nextID
	msg.ConversationID = conv
	s.messages = append(s.messages, *msg)
	return true, nil
}

func (s *memStore) AdvanceCursor(ctx context.Context, userID int64, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[userID] = cursor
	return nil
}

func (s *memStore) MessagesAwaitingTriage(ctx context.Context, userID int64, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.UserID != userID || m.Direction != model.DirectionIncoming {
			continue
		}
		if _, done := s.actions[m.ID]; done {
			continue
		}
		if s.objectives[m.ConversationID] == model.ObjectiveMuted {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ConversationHistory(ctx context.Context, conversationID int64, before time.Time, limit int) ([]model.Message, error) {
	return nil, nil
}

func (s *memStore) SaveDecision(ctx context.Context, action *model.AgentAction, status model.ObjectiveStatus, notify *notification.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if _, dup := s.actions[action.MessageID]; dup {
		return fmt.Errorf("duplicate action for message %d", action.MessageID)
	}
	s.nextID++
	action.ID = s.nextID
	cp := *action
	s.actions[action.MessageID] = &cp
	s.objectives[action.ConversationID] = status
	if notify != nil {
		ev := *notify
		ev.ActionID = action.ID
		s.notifications = append(s.notifications, ev)
	}
	return nil
}

func (s *memStore) GetAction(ctx context.Context, userID, actionID int64) (*model.AgentAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actions {
		if a.ID == actionID && a.UserID == userID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("action %d not found", actionID)
}

func (s *memStore) MarkExecuted(ctx context.Context, actionID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actions {
		if a.ID == actionID {
			a.Status = model.ActionApproved
			a.ResolvedAt = &at
			s.executed[actionID] = at
			return nil
		}
	}
	return fmt.Errorf("action %d not found", actionID)
}

func (s *memStore) MarkEscalated(ctx context.Context, action *model.AgentAction, note string, notify *notification.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.actions[action.MessageID]
	a.Decision = model.DecisionEscalate
	a.EscalationNote = &note
	s.objectives[action.ConversationID] = model.ObjectiveWaitingOnYou
	if notify != nil {
		s.notifications = append(s.notifications, *notify)
	}
	return nil
}

func (s *memStore) MarkReconnectRequired(ctx context.Context, userID int64, notify *notification.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnect[userID] = true
	if notify != nil {
		s.notifications = append(s.notifications, *notify)
	}
	return nil
}

func (s *memStore) actionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actions)
}

func (s *memStore) notificationsOf(kind notification.Kind) []notification.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notification.Event
	for _, n := range s.notifications {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type memAttempts struct {
	mu     sync.Mutex
	counts map[int64]int64
}

func newMemAttempts() *memAttempts { return &memAttempts{counts: map[int64]int64{}} }

func (m *memAttempts) Increment(ctx context.Context, id int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[id]++
	return m.counts[id], nil
}

func (m *memAttempts) Reset(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, id)
	return nil
}

// ---- mail provider ----

type fakeMailbox struct {
	mu       sync.Mutex
	messages map[string]mailprovider.RawMessage
	order    []string
	cursor   string
	authFail map[string]bool // by credentials
	getErr   map[string]error
	sendErr  error
	sends    int
	drafts   int
	onSend   func()
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		messages: map[string]mailprovider.RawMessage{},
		authFail: map[string]bool{},
		getErr:   map[string]error{},
		cursor:   "1700000000",
	}
}

func (f *fakeMailbox) add(raw mailprovider.RawMessage) {
	f.messages[raw.ID] = raw
	f.order = append(f.order, raw.ID)
}

func (f *fakeMailbox) ListMessages(ctx context.Context, creds []byte, _, _ string) (mailprovider.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authFail[string(creds)] {
		return mailprovider.ListResult{}, &mailprovider.AuthError{Op: "list", Err: errors.New("invalid_grant")}
	}
	var refs []mailprovider.MessageRef
	for _, id := range f.order {
		refs = append(refs, mailprovider.MessageRef{ID: id, ThreadID: f.messages[id].ThreadID})
	}
	return mailprovider.ListResult{Refs: refs, NextCursor: f.cursor}, nil
}

func (f *fakeMailbox) GetMessage(ctx context.Context, _ []byte, id string) (mailprovider.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.getErr[id]; err != nil {
		return mailprovider.RawMessage{}, err
	}
	return f.messages[id], nil
}

func (f *fakeMailbox) Send(ctx context.Context, _ []byte, _ mailprovider.OutgoingMessage) (mailprovider.SentRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.onSend != nil {
		f.onSend()
	}
	if f.sendErr != nil {
		return mailprovider.SentRef{}, f.sendErr
	}
	return mailprovider.SentRef{ID: fmt.Sprintf("sent-%d", f.sends)}, nil
}

func (f *fakeMailbox) CreateDraft(ctx context.Context, _ []byte, _ mailprovider.OutgoingMessage) (mailprovider.SentRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts++
	return mailprovider.SentRef{ID: fmt.Sprintf("draft-%d", f.drafts)}, nil
}

// ---- pipeline stages ----

const requestAnalysis = `{
  "intent": {"label": "question", "description": "Asks about the project timeline"},
  "sentiment": "neutral",
  "urgency": "medium",
  "category": "question",
  "actionable": true,
  "likely_spam": false,
  "requires_immediate_response": false,
  "sender_relationship": "colleague",
  "key_points": ["timeline"],
  "summary": "Colleague asks about the project timeline.",
  "certainty": 0.9
}`

// routingLLM 对主题包含 poison 的邮件返回无法解析的输出
type routingLLM struct {
	poison string
	out    string
	calls  int
}

func (r *routingLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	r.calls++
	if r.poison != "" && strings.Contains(req.Prompt, "Subject: "+r.poison+"\n") {
		return `{"intent": {"label": "x"`, nil
	}
	return r.out, nil
}

type fakeDrafter struct {
	action model.ActionType
	calls  int
	err    error
}

func (f *fakeDrafter) Draft(ctx context.Context, in drafter.Input) (model.Draft, error) {
	f.calls++
	if f.err != nil {
		return model.Draft{}, f.err
	}
	return model.Draft{
		Subject:         model.ReplySubject(in.Message.Subject),
		Body:            "Hi,\n\nThe timeline is on track for Friday.\n\nBest,\nMe",
		SuggestedAction: f.action,
		Reasoning:       "Direct question with a known answer",
	}, nil
}

type fakeRisk struct {
	level model.RiskLevel
	err   error
}

func (f *fakeRisk) Assess(ctx context.Context, in risk.Input) (model.RiskAssessment, error) {
	r := model.RiskAssessment{Level: f.level}
	if f.level != model.RiskLow {
		r.Factors = []string{"test factor"}
	}
	return r, f.err
}

type fixedScore int

func (s fixedScore) Score(ctx context.Context, in confidence.Input) int { return int(s) }

// triageBatch 跳过拉取，直接分拣已入库的邮件
func (o *Orchestrator) triageBatch(ctx context.Context, user *model.UserContext, policies []model.Policy, msgs []model.Message) (Report, error) {
	report := Report{UserID: user.ID}
	err := o.triage(ctx, user, policies, msgs, &report)
	return report, err
}

type harness struct {
	store    *memStore
	mailbox  *fakeMailbox
	llm      *routingLLM
	drafter  *fakeDrafter
	risk     *fakeRisk
	attempts *memAttempts
	orch     *Orchestrator
}

func newHarness(t *testing.T, score int) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		mailbox:  newFakeMailbox(),
		llm:      &routingLLM{out: requestAnalysis},
		drafter:  &fakeDrafter{action: model.ActionDraft},
		risk:     &fakeRisk{level: model.RiskLow},
		attempts: newMemAttempts(),
	}
	execPolicy := retry.DefaultPolicy()
	execPolicy.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	h.orch = NewOrchestrator(h.store, h.mailbox, Components{
		Analyzer: analyzer.New(h.llm, analyzer.Config{}, zap.NewNop()),
		Drafter:  h.drafter,
		Risk:     h.risk,
		Matcher:  policy.NewMatcher(zap.NewNop()),
		Scorer:   fixedScore(score),
		Gate:     autonomy.NewGate(autonomy.DefaultConfig(), zap.NewNop()),
		Executor: executor.New(h.mailbox, execPolicy, zap.NewNop()),
	}, h.attempts, Config{Retry: execPolicy}, zap.NewNop())
	h.orch.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	return h
}

func (h *harness) addUser(id int64, tier plan.Tier, level model.AutonomyLevel) *model.UserContext {
	u := &model.UserContext{
		ID:          id,
		Email:       fmt.Sprintf("user%d@corp.com", id),
		DisplayName: fmt.Sprintf("User %d", id),
		Plan:        tier,
		Autonomy:    level,
		Provider:    "gmail",
		Credentials: []byte(fmt.Sprintf("creds-%d", id)),
	}
	h.store.users[id] = u
	return u
}

func rawMessage(i int) mailprovider.RawMessage {
	return mailprovider.RawMessage{
		ID:              fmt.Sprintf("m%d", i),
		ThreadID:        fmt.Sprintf("t%d", i),
		MessageIDHeader: fmt.Sprintf("<m%d@corp.com>", i),
		From:            "Alice <alice@corp.com>",
		To:              []string{"user1@corp.com"},
		Subject:         fmt.Sprintf("msg-%d", i),
		BodyText:        "When will the project be done?",
		SentAt:          time.Date(2026, 3, 1, 8, i, 0, 0, time.UTC),
	}
}

func ingestBatch(t *testing.T, h *harness, userID int64, n int) []model.Message {
	t.Helper()
	u, _ := h.store.LoadUser(context.Background(), userID)
	var out []model.Message
	for i := 1; i <= n; i++ {
		msg := toMessage(u, rawMessage(i))
		if _, err := h.store.IngestMessage(context.Background(), &msg); err != nil {
			t.Fatalf("ingest: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

// ---- tests ----

func TestMalformedMessageDoesNotAbortBatch(t *testing.T) {
	h := newHarness(t, 70)
	h.llm.poison = "msg-5"
	user := h.addUser(1, plan.TierFree, model.AutonomyLow)
	msgs := ingestBatch(t, h, 1, 10)

	report, err := h.orch.triageBatch(context.Background(), user, nil, msgs)
	if err != nil {
		t.Fatalf("triageBatch returned error: %v", err)
	}
	if report.Processed != 9 || report.Failed != 1 {
		t.Fatalf("processed=%d failed=%d, want 9/1", report.Processed, report.Failed)
	}
	if got := h.store.actionCount(); got != 9 {
		t.Fatalf("actions = %d, want 9", got)
	}
	poisoned := msgs[4]
	if _, ok := h.store.actions[poisoned.ID]; ok {
		t.Fatal("malformed message must not get an action")
	}
	if h.attempts.counts[poisoned.ID] != 1 {
		t.Fatalf("attempts = %d, want 1", h.attempts.counts[poisoned.ID])
	}
	for _, a := range h.store.actions {
		if a.Decision != model.DecisionQueueForReview {
			t.Fatalf("low autonomy produced %s", a.Decision)
		}
	}
}

func TestManualTriageAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, 70)
	h.llm.poison = "msg-1"
	user := h.addUser(1, plan.TierFree, model.AutonomyLow)
	msgs := ingestBatch(t, h, 1, 1)
	h.attempts.counts[msgs[0].ID] = 4

	report, err := h.orch.triageBatch(context.Background(), user, nil, msgs)
	if err != nil {
		t.Fatalf("triageBatch: %v", err)
	}
	if report.ManualQueued != 1 {
		t.Fatalf("manual queued = %d", report.ManualQueued)
	}
	a := h.store.actions[msgs[0].ID]
	if a == nil || a.Type != model.ActionTriage || a.Decision != model.DecisionQueueForReview {
		t.Fatalf("manual action = %+v", a)
	}
	if a.EscalationNote == nil || !strings.Contains(*a.EscalationNote, "5 times") {
		t.Fatalf("escalation note = %v", a.EscalationNote)
	}
	if _, ok := h.attempts.counts[msgs[0].ID]; ok {
		t.Fatal("attempt counter should be reset")
	}
}

func TestSyncUserIsIdempotent(t *testing.T) {
	h := newHarness(t, 70)
	h.addUser(1, plan.TierFree, model.AutonomyLow)
	for i := 1; i <= 3; i++ {
		h.mailbox.add(rawMessage(i))
	}

	first, err := h.orch.SyncUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if first.Ingested != 3 || first.Processed != 3 || !first.CursorAdvanced {
		t.Fatalf("first report = %+v", first)
	}
	if h.store.cursors[1] != h.mailbox.cursor {
		t.Fatalf("cursor = %q", h.store.cursors[1])
	}

	second, err := h.orch.SyncUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second.Ingested != 0 || second.Duplicates != 3 || second.Processed != 0 {
		t.Fatalf("second report = %+v", second)
	}
	if got := h.store.actionCount(); got != 3 {
		t.Fatalf("actions = %d, want 3", got)
	}
	if len(h.store.messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(h.store.messages))
	}
}

func TestCursorKeptWhenFetchFails(t *testing.T) {
	h := newHarness(t, 70)
	h.addUser(1, plan.TierFree, model.AutonomyLow)
	h.mailbox.add(rawMessage(1))
	h.mailbox.add(rawMessage(2))
	h.mailbox.getErr["m2"] = &mailprovider.APIError{Op: "get", StatusCode: 503, Err: errors.New("backend error")}

	report, err := h.orch.SyncUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncUser: %v", err)
	}
	if report.Ingested != 1 || report.CursorAdvanced {
		t.Fatalf("report = %+v", report)
	}
	if h.store.cursors[1] != "" {
		t.Fatalf("cursor advanced to %q despite missing message", h.store.cursors[1])
	}
}

func TestOutgoingMessagesAreNotTriaged(t *testing.T) {
	h := newHarness(t, 70)
	h.addUser(1, plan.TierFree, model.AutonomyLow)
	out := rawMessage(1)
	out.From = "user1@corp.com"
	h.mailbox.add(out)

	report, err := h.orch.SyncUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("SyncUser: %v", err)
	}
	if report.Ingested != 1 || report.Processed != 0 {
		t.Fatalf("report = %+v", report)
	}
	conv := h.store.messages[0].ConversationID
	if h.store.objectives[conv] != model.ObjectiveWaitingOnOthers {
		t.Fatalf("objective = %s", h.store.objectives[conv])
	}
}

func TestAuthFailureHaltsOnlyThatUser(t *testing.T) {
	h := newHarness(t, 70)
	h.addUser(1, plan.TierFree, model.AutonomyLow)
	h.addUser(2, plan.TierFree, model.AutonomyLow)
	h.mailbox.add(rawMessage(1))
	h.mailbox.authFail["creds-1"] = true

	runner := NewRunner(h.orch, nil, RunnerConfig{Concurrency: 2}, zap.NewNop())
	results := runner.RunUsers(context.Background(), []int64{1, 2})

	if !errors.Is(results[0].Err, ErrReconnectRequired) {
		t.Fatalf("user 1 err = %v, want ErrReconnectRequired", results[0].Err)
	}
	if results[1].Err != nil || results[1].Report.Processed != 1 {
		t.Fatalf("user 2 result = %+v", results[1])
	}
	if !h.store.reconnect[1] || h.store.reconnect[2] {
		t.Fatalf("reconnect flags = %v", h.store.reconnect)
	}
	if n := len(h.store.notificationsOf(notification.KindReconnectRequired)); n != 1 {
		t.Fatalf("reconnect notifications = %d", n)
	}

	// 标记之后不再访问服务商
	if _, err := h.orch.SyncUser(context.Background(), 1); !errors.Is(err, ErrReconnectRequired) {
		t.Fatalf("second sync err = %v", err)
	}
}

func TestAutoSendRetriesThenEscalates(t *testing.T) {
	h := newHarness(t, 95)
	h.drafter.action = model.ActionSend
	h.mailbox.sendErr = &mailprovider.APIError{Op: "send", StatusCode: 503, Err: errors.New("unavailable")}
	user := h.addUser(1, plan.TierBusiness, model.AutonomyHigh)
	msgs := ingestBatch(t, h, 1, 1)

	report, err := h.orch.triageBatch(context.Background(), user, nil, msgs)
	if err != nil {
		t.Fatalf("triageBatch: %v", err)
	}
	if h.mailbox.sends != 3 {
		t.Fatalf("send attempts = %d, want 3", h.mailbox.sends)
	}
	a := h.store.actions[msgs[0].ID]
	if a.Decision != model.DecisionEscalate || a.EscalationNote == nil || a.ResolvedAt != nil {
		t.Fatalf("action after exhaustion = %+v", a)
	}
	if report.ExecutionFailures != 1 || report.Escalated != 1 || report.AutoExecuted != 0 {
		t.Fatalf("report = %+v", report)
	}
	if n := len(h.store.notificationsOf(notification.KindExecutionFailed)); n != 1 {
		t.Fatalf("execution failed notifications = %d", n)
	}
	if h.store.objectives[a.ConversationID] != model.ObjectiveWaitingOnYou {
		t.Fatalf("objective = %s", h.store.objectives[a.ConversationID])
	}
}

func TestAutoSendResolvesAction(t *testing.T) {
	h := newHarness(t, 95)
	h.drafter.action = model.ActionSend
	user := h.addUser(1, plan.TierBusiness, model.AutonomyHigh)
	msgs := ingestBatch(t, h, 1, 1)

	report, err := h.orch.triageBatch(context.Background(), user, nil, msgs)
	if err != nil {
		t.Fatalf("triageBatch: %v", err)
	}
	a := h.store.actions[msgs[0].ID]
	if report.AutoExecuted != 1 || a.Status != model.ActionApproved || a.ResolvedAt == nil {
		t.Fatalf("report=%+v action=%+v", report, a)
	}
	if h.store.objectives[a.ConversationID] != model.ObjectiveWaitingOnOthers {
		t.Fatalf("objective = %s", h.store.objectives[a.ConversationID])
	}
	if len(h.store.notifications) != 0 {
		t.Fatalf("auto-executed action must not notify, got %v", h.store.notifications)
	}
}

// actionLocker 记录动作锁的获取；onAcquire 模拟审核方在此刻的操作
type actionLocker struct {
	memLocker
	acquired  []int64
	err       error
	onAcquire func(id int64)
}

func (l *actionLocker) Acquire(ctx context.Context, id int64) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	if l.onAcquire != nil {
		l.onAcquire(id)
	}
	l.acquired = append(l.acquired, id)
	return l.memLocker.Acquire(ctx, id)
}

func (l *actionLocker) isHeld(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[id]
}

func TestAutoExecuteHoldsActionLock(t *testing.T) {
	h := newHarness(t, 95)
	h.drafter.action = model.ActionSend
	locker := &actionLocker{memLocker: memLocker{held: map[int64]bool{}}}
	h.orch.WithActionLock(locker)
	user := h.addUser(1, plan.TierBusiness, model.AutonomyHigh)
	msgs := ingestBatch(t, h, 1, 1)

	heldDuringSend := false
	h.mailbox.onSend = func() {
		heldDuringSend = len(locker.acquired) == 1 && locker.isHeld(locker.acquired[0])
	}

	report, err := h.orch.triageBatch(context.Background(), user, nil, msgs)
	if err != nil {
		t.Fatalf("triageBatch: %v", err)
	}
	a := h.store.actions[msgs[0].ID]
	if report.AutoExecuted != 1 || a.Status != model.ActionApproved {
		t.Fatalf("report=%+v action=%+v", report, a)
	}
	if len(locker.acquired) != 1 || locker.acquired[0] != a.ID {
		t.Fatalf("acquired = %v, want [%d]", locker.acquired, a.ID)
	}
	if !heldDuringSend {
		t.Fatal("action lock not held while sending")
	}
	if locker.isHeld(a.ID) {
		t.Fatal("action lock not released after execution")
	}
}

func TestAutoExecuteSkipsActionUnderReview(t *testing.T) {
	h := newHarness(t, 95)
	h.drafter.action = model.ActionSend
	h.orch.WithActionLock(&actionLocker{err: util.ErrLockHeld})
	user := h.addUser(1, plan.TierBusiness, model.AutonomyHigh)
	msgs := ingestBatch(t, h, 1, 1)

	report, err := h.orch.triageBatch(context.Background(), user, nil, msgs)
	if err != nil {
		t.Fatalf("triageBatch: %v", err)
	}
	a := h.store.actions[msgs[0].ID]
	if h.mailbox.sends != 0 || report.AutoExecuted != 0 || report.ExecutionFailures != 0 {
		t.Fatalf("sends=%d report=%+v", h.mailbox.sends, report)
	}
	if a.Status != model.ActionPending || a.ResolvedAt != nil || a.Decision != model.DecisionAutoExecute {
		t.Fatalf("action must stay with the reviewer, got %+v", a)
	}
}

func TestAutoExecuteSkipsActionResolvedByReview(t *testing.T) {
	h := newHarness(t, 95)
	h.drafter.action = model.ActionSend
	locker := &actionLocker{memLocker: memLocker{held: map[int64]bool{}}}
	locker.onAcquire = func(id int64) {
		// 审核方先一步拒绝了该动作
		for _, a := range h.store.actions {
			if a.ID == id {
				now := time.Now()
				a.Status = model.ActionRejected
				a.ResolvedAt = &now
			}
		}
	}
	h.orch.WithActionLock(locker)
	user := h.addUser(1, plan.TierBusiness, model.AutonomyHigh)
	msgs := ingestBatch(t, h, 1, 1)

	if _, err := h.orch.triageBatch(context.Background(), user, nil, msgs); err != nil {
		t.Fatalf("triageBatch: %v", err)
	}
	if h.mailbox.sends != 0 {
		t.Fatalf("resolved action was sent %d times", h.mailbox.sends)
	}
	if a := h.store.actions[msgs[0].ID]; a.Status != model.ActionRejected {
		t.Fatalf("status = %s, want rejected", a.Status)
	}
	if len(h.store.executed) != 0 {
		t.Fatalf("executed = %v", h.store.executed)
	}
}

func TestAutoExecuteEscalatesWhenLockUnavailable(t *testing.T) {
	h := newHarness(t, 95)
	h.drafter.action = model.ActionSend
	h.orch.WithActionLock(&actionLocker{err: errors.New("redis: connection refused")})
	user := h.addUser(1, plan.TierBusiness, model.AutonomyHigh)
	msgs := ingestBatch(t, h, 1, 1)

	report, err := h.orch.triageBatch(context.Background(), user, nil, msgs)
	if err != nil {
		t.Fatalf("triageBatch: %v", err)
	}
	a := h.store.actions[msgs[0].ID]
	if h.mailbox.sends != 0 || a.Decision != model.DecisionEscalate || report.Escalated != 1 {
		t.Fatalf("sends=%d action=%+v report=%+v", h.mailbox.sends, a, report)
	}
}

func TestSendWithoutAutoSendPlanIsQueued(t *testing.T) {
	h := newHarness(t, 99)
	h.drafter.action = model.ActionSend
	user := h.addUser(1, plan.TierPro, model.AutonomyHigh)
	msgs := ingestBatch(t, h, 1, 1)

	if _, err := h.orch.triageBatch(context.Background(), user, nil, msgs); err != nil {
		t.Fatalf("triageBatch: %v", err)
	}
	a := h.store.actions[msgs[0].ID]
	if a.Decision != model.DecisionQueueForReview || h.mailbox.sends != 0 {
		t.Fatalf("decision=%s sends=%d", a.Decision, h.mailbox.sends)
	}
	if !strings.Contains(a.Reasoning, "auto-send") {
		t.Fatalf("reasoning = %q", a.Reasoning)
	}
	if n := len(h.store.notificationsOf(notification.KindActionRequired)); n != 1 {
		t.Fatalf("action required notifications = %d", n)
	}
}

func TestRiskFailureFailsClosed(t *testing.T) {
	h := newHarness(t, 99)
	h.risk.err = errors.New("llm down")
	user := h.addUser(1, plan.TierBusiness, model.AutonomyHigh)
	msgs := ingestBatch(t, h, 1, 1)

	if _, err := h.orch.triageBatch(context.Background(), user, nil, msgs); err != nil {
		t.Fatalf("triageBatch: %v", err)
	}
	a := h.store.actions[msgs[0].ID]
	if a.RiskLevel != model.RiskHigh || a.Decision == model.DecisionAutoExecute {
		t.Fatalf("risk=%s decision=%s", a.RiskLevel, a.Decision)
	}
	if h.mailbox.drafts != 0 {
		t.Fatal("nothing may be executed after a risk failure")
	}
}

func TestSpamIsFiledWithoutDrafting(t *testing.T) {
	h := newHarness(t, 90)
	h.llm.out = strings.Replace(requestAnalysis, `"likely_spam": false`, `"likely_spam": true`, 1)
	user := h.addUser(1, plan.TierBusiness, model.AutonomyHigh)
	msgs := ingestBatch(t, h, 1, 1)

	if _, err := h.orch.triageBatch(context.Background(), user, nil, msgs); err != nil {
		t.Fatalf("triageBatch: %v", err)
	}
	a := h.store.actions[msgs[0].ID]
	if a.Type != model.ActionFile || h.drafter.calls != 0 {
		t.Fatalf("type=%s drafter calls=%d", a.Type, h.drafter.calls)
	}
	if a.Decision == model.DecisionAutoExecute && h.store.objectives[a.ConversationID] != model.ObjectiveHandled {
		t.Fatalf("filed objective = %s", h.store.objectives[a.ConversationID])
	}
}

func TestEscalatePolicyWins(t *testing.T) {
	h := newHarness(t, 99)
	user := h.addUser(1, plan.TierBusiness, model.AutonomyHigh)
	msgs := ingestBatch(t, h, 1, 1)
	policies := []model.Policy{{
		ID:     7,
		UserID: 1,
		Name:   "Alice",
		Active: true,
		Rules:  []byte(`{"conditions":[{"field":"from","operator":"contains","value":"alice@"}],"actions":[{"type":"escalate"}]}`),
	}}

	if _, err := h.orch.triageBatch(context.Background(), user, policies, msgs); err != nil {
		t.Fatalf("triageBatch: %v", err)
	}
	a := h.store.actions[msgs[0].ID]
	if a.Decision != model.DecisionEscalate || len(a.PolicyMatches) != 1 {
		t.Fatalf("decision=%s matches=%v", a.Decision, a.PolicyMatches)
	}
	if n := len(h.store.notificationsOf(notification.KindEscalation)); n != 1 {
		t.Fatalf("escalation notifications = %d", n)
	}
}

func TestPersistFailureLeavesMessageForRetry(t *testing.T) {
	h := newHarness(t, 70)
	h.store.saveErr = errors.New("connection reset")
	user := h.addUser(1, plan.TierFree, model.AutonomyLow)
	msgs := ingestBatch(t, h, 1, 2)

	report, err := h.orch.triageBatch(context.Background(), user, nil, msgs)
	if err != nil {
		t.Fatalf("triageBatch: %v", err)
	}
	if report.Failed != 2 || h.store.actionCount() != 0 {
		t.Fatalf("failed=%d actions=%d", report.Failed, h.store.actionCount())
	}
}

func TestCanceledContextStopsBatch(t *testing.T) {
	h := newHarness(t, 70)
	user := h.addUser(1, plan.TierFree, model.AutonomyLow)
	msgs := ingestBatch(t, h, 1, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.orch.triageBatch(ctx, user, nil, msgs); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if h.store.actionCount() != 0 {
		t.Fatal("no decisions may be persisted after cancellation")
	}
}

func TestPriority(t *testing.T) {
	tests := []struct {
		name     string
		analysis model.Analysis
		effects  policy.Effects
		want     int
	}{
		{"baseline", model.Analysis{Urgency: model.UrgencyLow}, policy.Effects{}, 45},
		{"urgent client", model.Analysis{Urgency: model.UrgencyUrgent, RequiresImmediateResponse: true, SenderRelationship: model.RelationshipClient}, policy.Effects{}, 100},
		{"spam newsletter", model.Analysis{Urgency: model.UrgencyLow, LikelySpam: true, Category: model.CategoryNewsletter, SenderRelationship: model.RelationshipAutomated}, policy.Effects{}, 0},
		{"policy boost", model.Analysis{Urgency: model.UrgencyMedium}, policy.Effects{PriorityDelta: 25}, 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Priority(tt.analysis, tt.effects); got != tt.want {
				t.Fatalf("Priority = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestObjectiveStatus(t *testing.T) {
	tests := []struct {
		t     model.ActionType
		d     model.Decision
		muted bool
		want  model.ObjectiveStatus
	}{
		{model.ActionSend, model.DecisionAutoExecute, false, model.ObjectiveWaitingOnOthers},
		{model.ActionSend, model.DecisionQueueForReview, false, model.ObjectiveWaitingOnYou},
		{model.ActionFile, model.DecisionAutoExecute, false, model.ObjectiveHandled},
		{model.ActionSchedule, model.DecisionAutoExecute, false, model.ObjectiveScheduled},
		{model.ActionDraft, model.DecisionAutoExecute, false, model.ObjectiveWaitingOnYou},
		{model.ActionTriage, model.DecisionEscalate, false, model.ObjectiveWaitingOnYou},
		{model.ActionFile, model.DecisionAutoExecute, true, model.ObjectiveMuted},
	}
	for _, tt := range tests {
		if got := ObjectiveStatus(tt.t, tt.d, tt.muted); got != tt.want {
			t.Errorf("ObjectiveStatus(%s, %s, %v) = %s, want %s", tt.t, tt.d, tt.muted, got, tt.want)
		}
	}
}
