package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpilot/internal/handler"
	"mailpilot/internal/model"
	"mailpilot/internal/review"
	"mailpilot/pkg/auth"
	"mailpilot/pkg/outbox"
	"mailpilot/pkg/util"
)

const secret = "test-secret"

type fakeReview struct {
	actions map[int64]*model.AgentAction
	execErr error
	edits   []model.ProposedContent
}

func newFakeReview() *fakeReview {
	return &fakeReview{actions: map[int64]*model.AgentAction{
		1: {ID: 1, UserID: 7, Type: model.ActionDraft, Decision: model.DecisionQueueForReview, Status: model.ActionPending, PriorityScore: 80},
		2: {ID: 2, UserID: 7, Type: model.ActionSend, Decision: model.DecisionEscalate, Status: model.ActionPending, PriorityScore: 40},
	}}
}

func (f *fakeReview) find(userID, id int64) (*model.AgentAction, error) {
	a, ok := f.actions[id]
	if !ok || a.UserID != userID {
		return nil, review.ErrNotFound
	}
	return a, nil
}

func (f *fakeReview) Pending(_ context.Context, userID int64, _, _ int) ([]model.AgentAction, error) {
	var out []model.AgentAction
	for _, id := range []int64{1, 2} {
		if a := f.actions[id]; a.UserID == userID && !a.Resolved() {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeReview) Get(_ context.Context, userID, id int64) (*model.AgentAction, error) {
	return f.find(userID, id)
}

func (f *fakeReview) resolve(userID, id int64, st model.ActionStatus) (*model.AgentAction, error) {
	a, err := f.find(userID, id)
	if err != nil {
		return nil, err
	}
	if a.Resolved() {
		return nil, review.ErrAlreadyResolved
	}
	if f.execErr != nil {
		return nil, f.execErr
	}
	now := time.Now()
	a.Status, a.ResolvedAt = st, &now
	return a, nil
}

func (f *fakeReview) Approve(_ context.Context, userID, id int64) (*model.AgentAction, error) {
	return f.resolve(userID, id, model.ActionApproved)
}

func (f *fakeReview) Edit(_ context.Context, userID, id int64, edit model.ProposedContent, _ string) (*model.AgentAction, error) {
	f.edits = append(f.edits, edit)
	return f.resolve(userID, id, model.ActionEdited)
}

func (f *fakeReview) Reject(_ context.Context, userID, id int64, _ string) (*model.AgentAction, error) {
	return f.resolve(userID, id, model.ActionRejected)
}

func (f *fakeReview) Annotate(_ context.Context, userID, id int64, note string) error {
	if strings.TrimSpace(note) == "" {
		return &review.ValidationError{Msg: "note must not be empty"}
	}
	_, err := f.find(userID, id)
	return err
}

type fakeObjectives struct{ gotStatus model.ObjectiveStatus }

func (f *fakeObjectives) ListObjectives(_ context.Context, _ int64, status model.ObjectiveStatus, _, _ int) ([]model.Objective, error) {
	f.gotStatus = status
	return []model.Objective{{ID: 3, Title: "Contract", Status: model.ObjectiveWaitingOnYou}}, nil
}

type fakeRequester struct{ users []int64 }

func (f *fakeRequester) RequestSync(_ context.Context, userID int64, _ string) (string, error) {
	f.users = append(f.users, userID)
	return "req-1", nil
}

type fakeReplayer struct{}

func (fakeReplayer) ReplayEvent(_ context.Context, id int64) error {
	if id == 404 {
		return outbox.ErrEventNotFound
	}
	return nil
}

func (fakeReplayer) ReplayFailedEvents(context.Context, int) (int, error) { return 2, nil }

type okPinger struct{ err error }

func (p okPinger) Ping(context.Context) error { return p.err }

type harness struct {
	router *Router
	review *fakeReview
	objs   *fakeObjectives
	req    *fakeRequester
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()
	h := &harness{review: newFakeReview(), objs: &fakeObjectives{}, req: &fakeRequester{}}
	h.router = NewRouter(Handlers{
		Actions:    handler.NewActionHandler(h.review, log),
		Objectives: handler.NewObjectiveHandler(h.objs, log),
		Sync:       handler.NewSyncHandler(h.req, log),
		Admin:      handler.NewAdminHandler(fakeReplayer{}, log),
	}, secret, okPinger{}, log)
	return h
}

func token(t *testing.T, userID int64, admin bool) string {
	t.Helper()
	tok, err := auth.GenerateToken(userID, 1, admin, secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (h *harness) do(t *testing.T, method, path, tok, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	h.router.Engine.ServeHTTP(w, req)
	return w
}

func TestHealthAndAuth(t *testing.T) {
	h := newHarness(t)
	if w := h.do(t, http.MethodGet, "/healthz", "", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz = %d", w.Code)
	}
	if w := h.do(t, http.MethodGet, "/readyz", "", ""); w.Code != http.StatusOK {
		t.Fatalf("readyz = %d", w.Code)
	}
	if w := h.do(t, http.MethodGet, "/actions", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token = %d", w.Code)
	}
	if w := h.do(t, http.MethodGet, "/actions", "garbage", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", w.Code)
	}
	if w := h.do(t, http.MethodGet, "/healthz", "", ""); w.Header().Get("X-Trace-ID") == "" {
		t.Fatal("responses must carry a trace id")
	}
}

func TestListActions(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/actions", token(t, 7, false), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body)
	}
	var resp struct {
		Actions []handler.ActionResponse `json:"actions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Actions) != 2 || resp.Actions[0].ID != 1 {
		t.Fatalf("unexpected actions %+v", resp.Actions)
	}

	w = h.do(t, http.MethodGet, "/actions", token(t, 8, false), "")
	if !strings.Contains(w.Body.String(), `"actions":[]`) {
		t.Fatalf("other users must see an empty queue, got %s", w.Body)
	}
}

func TestApproveFlow(t *testing.T) {
	h := newHarness(t)
	tok := token(t, 7, false)

	if w := h.do(t, http.MethodPost, "/actions/1/approve", tok, ""); w.Code != http.StatusOK {
		t.Fatalf("approve = %d %s", w.Code, w.Body)
	}
	if w := h.do(t, http.MethodPost, "/actions/1/approve", tok, ""); w.Code != http.StatusConflict {
		t.Fatalf("second approve = %d, want 409", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/actions/1/approve", token(t, 8, false), ""); w.Code != http.StatusNotFound {
		t.Fatalf("foreign approve = %d, want 404", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/actions/abc/approve", tok, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id = %d, want 400", w.Code)
	}
}

type authErr struct{}

func (authErr) Error() string        { return "token revoked" }
func (authErr) Kind() util.ErrorKind { return util.KindAuth }

func TestExecutionErrorsMapToStatus(t *testing.T) {
	h := newHarness(t)
	tok := token(t, 7, false)

	h.review.execErr = authErr{}
	if w := h.do(t, http.MethodPost, "/actions/2/approve", tok, ""); w.Code != http.StatusConflict {
		t.Fatalf("auth failure = %d, want 409", w.Code)
	}
	h.review.execErr = errors.New("boom")
	if w := h.do(t, http.MethodPost, "/actions/2/approve", tok, ""); w.Code != http.StatusInternalServerError {
		t.Fatalf("unknown failure = %d, want 500", w.Code)
	}
}

func TestEditRejectAnnotate(t *testing.T) {
	h := newHarness(t)
	tok := token(t, 7, false)

	if w := h.do(t, http.MethodPost, "/actions/1/edit", tok, `{"subject":"x"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("edit without body = %d, want 400", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/actions/1/edit", tok, `{"body":"Sounds good."}`); w.Code != http.StatusOK {
		t.Fatalf("edit = %d %s", w.Code, w.Body)
	}
	if len(h.review.edits) != 1 || h.review.edits[0].Body != "Sounds good." {
		t.Fatalf("edits = %+v", h.review.edits)
	}
	if w := h.do(t, http.MethodPost, "/actions/2/reject", tok, ""); w.Code != http.StatusOK {
		t.Fatalf("reject without body = %d %s", w.Code, w.Body)
	}
	if w := h.do(t, http.MethodPost, "/actions/2/annotate", tok, `{"note":"   "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("blank note = %d, want 400", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/actions/2/annotate", tok, `{"note":"spam sender"}`); w.Code != http.StatusOK {
		t.Fatalf("annotate = %d %s", w.Code, w.Body)
	}
}

func TestObjectivesAndSync(t *testing.T) {
	h := newHarness(t)
	tok := token(t, 7, false)

	if w := h.do(t, http.MethodGet, "/objectives?status=bogus", tok, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad status = %d", w.Code)
	}
	if w := h.do(t, http.MethodGet, "/objectives?status=waiting_on_you", tok, ""); w.Code != http.StatusOK {
		t.Fatalf("objectives = %d", w.Code)
	}
	if h.objs.gotStatus != model.ObjectiveWaitingOnYou {
		t.Fatalf("status filter = %q", h.objs.gotStatus)
	}

	w := h.do(t, http.MethodPost, "/sync", tok, "")
	if w.Code != http.StatusAccepted || !strings.Contains(w.Body.String(), "req-1") {
		t.Fatalf("sync = %d %s", w.Code, w.Body)
	}
	if len(h.req.users) != 1 || h.req.users[0] != 7 {
		t.Fatalf("sync requested for %v", h.req.users)
	}
}

func TestAdminReplayRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	if w := h.do(t, http.MethodPost, "/admin/outbox/replay?id=5", token(t, 7, false), ""); w.Code != http.StatusForbidden {
		t.Fatalf("non-admin = %d, want 403", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/admin/outbox/replay?id=5", token(t, 7, true), ""); w.Code != http.StatusOK {
		t.Fatalf("admin replay = %d", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/admin/outbox/replay?id=404", token(t, 7, true), ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing event = %d, want 404", w.Code)
	}
	w := h.do(t, http.MethodPost, "/admin/outbox/replay", token(t, 7, true), "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"success_count":2`) {
		t.Fatalf("replay failed = %d %s", w.Code, w.Body)
	}
}
