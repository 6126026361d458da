package review

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"mailpilot/internal/executor"
	"mailpilot/internal/model"
	"mailpilot/pkg/plan"
	"mailpilot/pkg/util"
)

type memStore struct {
	mu         sync.Mutex
	actions    map[int64]*model.AgentAction
	objectives map[int64]model.ObjectiveStatus
	notes      map[int64]string
	user       *model.UserContext
}

func newMemStore() *memStore {
	return &memStore{
		actions:    map[int64]*model.AgentAction{},
		objectives: map[int64]model.ObjectiveStatus{},
		notes:      map[int64]string{},
		user:       &model.UserContext{ID: 1, Email: "me@corp.com", Plan: plan.TierBusiness, Credentials: []byte("creds")},
	}
}

func (m *memStore) GetAction(ctx context.Context, userID, actionID int64) (*model.AgentAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[actionID]
	if !ok || a.UserID != userID {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) ListPending(ctx context.Context, userID int64, limit, offset int) ([]model.AgentAction, error) {
	return nil, nil
}

func (m *memStore) LoadUser(ctx context.Context, userID int64) (*model.UserContext, error) {
	cp := *m.user
	return &cp, nil
}

func (m *memStore) GetMessage(ctx context.Context, messageID int64) (model.Message, error) {
	return model.Message{ID: messageID, Sender: "bob@corp.com", Subject: "Budget", HeaderMessageID: "<b@corp.com>"}, nil
}

func (m *memStore) Resolve(ctx context.Context, r Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.actions[r.ActionID]
	if a.ResolvedAt != nil {
		return ErrAlreadyResolved
	}
	a.Status = r.Status
	a.ResolvedAt = &r.ResolvedAt
	a.ApprovedAt = r.ApprovedAt
	a.UserEdit = r.UserEdit
	a.OverrideReason = r.OverrideReason
	if r.ObjectiveStatus != "" {
		m.objectives[a.ConversationID] = r.ObjectiveStatus
	}
	return nil
}

func (m *memStore) Annotate(ctx context.Context, userID, actionID int64, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[actionID] = note
	return nil
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []model.ProposedContent
	err   error
	delay time.Duration
}

func (f *fakeExecutor) Execute(ctx context.Context, a *model.AgentAction, target executor.Target) (executor.Result, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, a.EffectiveContent())
	return executor.Result{Attempts: 1}, f.err
}

type memLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

func (l *memLocker) Acquire(ctx context.Context, id int64) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[id] {
		return nil, util.ErrLockHeld
	}
	l.held[id] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, id)
	}, nil
}

type styleRecorder struct{ users []int64 }

func (s *styleRecorder) RequestStyleLearning(ctx context.Context, userID int64, reason string) error {
	s.users = append(s.users, userID)
	return nil
}

func pendingSend(id int64) *model.AgentAction {
	return &model.AgentAction{
		ID:             id,
		ConversationID: 10,
		MessageID:      100,
		UserID:         1,
		Type:           model.ActionSend,
		Content:        model.ProposedContent{To: []string{"bob@corp.com"}, Subject: "Re: Budget", Body: "Approved."},
		Decision:       model.DecisionQueueForReview,
		Status:         model.ActionPending,
	}
}

func newService(store *memStore, exec *fakeExecutor, style StyleRequester) *Service {
	return NewService(store, exec, &memLocker{held: map[int64]bool{}}, style, zap.NewNop())
}

func TestApproveExecutesAndResolves(t *testing.T) {
	store := newMemStore()
	store.actions[1] = pendingSend(1)
	exec := &fakeExecutor{}
	svc := newService(store, exec, nil)

	a, err := svc.Approve(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if a.Status != model.ActionApproved || a.ResolvedAt == nil || a.ApprovedAt == nil {
		t.Fatalf("action = %+v", a)
	}
	if len(exec.calls) != 1 || exec.calls[0].Body != "Approved." {
		t.Fatalf("executed = %+v", exec.calls)
	}
	if store.objectives[10] != model.ObjectiveWaitingOnOthers {
		t.Fatalf("objective = %s", store.objectives[10])
	}

	if _, err := svc.Approve(context.Background(), 1, 1); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second approve err = %v", err)
	}
	if len(exec.calls) != 1 {
		t.Fatal("resolved action executed twice")
	}
}

func TestApproveFailureKeepsActionPending(t *testing.T) {
	store := newMemStore()
	store.actions[1] = pendingSend(1)
	svc := newService(store, &fakeExecutor{err: errors.New("provider down")}, nil)

	if _, err := svc.Approve(context.Background(), 1, 1); err == nil {
		t.Fatal("expected execution error")
	}
	if store.actions[1].Resolved() {
		t.Fatal("failed execution must not resolve the action")
	}
}

func TestEditExecutesEditedContent(t *testing.T) {
	store := newMemStore()
	store.actions[1] = pendingSend(1)
	exec := &fakeExecutor{}
	style := &styleRecorder{}
	svc := newService(store, exec, style)

	a, err := svc.Edit(context.Background(), 1, 1, model.ProposedContent{Body: "Approved, thanks."}, "softer wording")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if a.Status != model.ActionEdited || a.UserEdit == nil || *a.OverrideReason != "softer wording" {
		t.Fatalf("action = %+v", a)
	}
	got := exec.calls[0]
	if got.Body != "Approved, thanks." || got.Subject != "Re: Budget" || len(got.To) != 1 {
		t.Fatalf("executed content = %+v", got)
	}
	if a.Content.Body != "Approved." {
		t.Fatal("original proposal must be preserved")
	}
	if len(style.users) != 1 {
		t.Fatal("edit should request style learning")
	}
}

func TestEditRejectsEmptyBody(t *testing.T) {
	store := newMemStore()
	store.actions[1] = pendingSend(1)
	exec := &fakeExecutor{}
	svc := newService(store, exec, nil)

	_, err := svc.Edit(context.Background(), 1, 1, model.ProposedContent{Body: "  "}, "")
	var verr *ValidationError
	if !errors.As(err, &verr) || util.Classify(err) != util.KindMalformed {
		t.Fatalf("err = %v", err)
	}
	if len(exec.calls) != 0 {
		t.Fatal("invalid edit must not execute")
	}
}

func TestRejectDoesNotExecute(t *testing.T) {
	store := newMemStore()
	store.actions[1] = pendingSend(1)
	exec := &fakeExecutor{}
	svc := newService(store, exec, nil)

	a, err := svc.Reject(context.Background(), 1, 1, "wrong recipient")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if a.Status != model.ActionRejected || a.ApprovedAt != nil || len(exec.calls) != 0 {
		t.Fatalf("action = %+v calls = %d", a, len(exec.calls))
	}
	if _, err := svc.Edit(context.Background(), 1, 1, model.ProposedContent{Body: "x"}, ""); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("edit after reject err = %v", err)
	}
}

func TestAnnotateAllowedAfterResolution(t *testing.T) {
	store := newMemStore()
	store.actions[1] = pendingSend(1)
	svc := newService(store, &fakeExecutor{}, nil)

	if _, err := svc.Reject(context.Background(), 1, 1, ""); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if err := svc.Annotate(context.Background(), 1, 1, "handled by phone"); err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if store.notes[1] != "handled by phone" {
		t.Fatalf("note = %q", store.notes[1])
	}
}

func TestOtherUsersActionIsNotFound(t *testing.T) {
	store := newMemStore()
	store.actions[1] = pendingSend(1)
	svc := newService(store, &fakeExecutor{}, nil)

	if _, err := svc.Approve(context.Background(), 2, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentApprovalsExecuteOnce(t *testing.T) {
	store := newMemStore()
	store.actions[1] = pendingSend(1)
	exec := &fakeExecutor{delay: 10 * time.Millisecond}
	svc := newService(store, exec, nil)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Approve(context.Background(), 1, 1)
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrBusy), errors.Is(err, ErrAlreadyResolved):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || len(exec.calls) != 1 {
		t.Fatalf("successes = %d, executions = %d", ok, len(exec.calls))
	}
}
