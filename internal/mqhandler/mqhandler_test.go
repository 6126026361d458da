package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/model"
	"mailpilot/internal/notification"
	"mailpilot/internal/triage"
	"mailpilot/pkg/mq"
	"mailpilot/pkg/plan"
	"mailpilot/pkg/util"
)

type memDeduper struct{ seen map[string]bool }

func newMemDeduper() *memDeduper { return &memDeduper{seen: map[string]bool{}} }

func (d *memDeduper) AcquireOnce(_ context.Context, handler, id string) bool {
	k := handler + ":" + id
	if d.seen[k] {
		return false
	}
	d.seen[k] = true
	return true
}

func (d *memDeduper) Release(_ context.Context, handler, id string) {
	delete(d.seen, handler+":"+id)
}

type memCounter struct{ counts map[string]int64 }

func newMemCounter() *memCounter { return &memCounter{counts: map[string]int64{}} }

func (c *memCounter) IncrementAndGet(_ context.Context, key string) (int64, error) {
	c.counts[key]++
	return c.counts[key], nil
}

func (c *memCounter) Reset(_ context.Context, key string) error {
	delete(c.counts, key)
	return nil
}

type kindErr util.ErrorKind

func (e kindErr) Error() string        { return string(e) }
func (e kindErr) Kind() util.ErrorKind { return util.ErrorKind(e) }

type stubSyncer struct {
	calls int
	err   error
}

func (s *stubSyncer) RunUser(context.Context, int64) (triage.Report, error) {
	s.calls++
	return triage.Report{Processed: 1}, s.err
}

func syncPayload(t *testing.T, requestID string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(mqcontracts.SyncRequestedPayload{
		RequestID: requestID, UserID: 7, Source: mqcontracts.SyncSourceAPI, RequestedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestSyncHandlerDropsMalformedPayload(t *testing.T) {
	h := NewSyncRequestedHandler(&stubSyncer{}, newMemDeduper(), newMemCounter(), zap.NewNop())
	if err := h.Handle(context.Background(), json.RawMessage(`{"user_id":`)); !errors.Is(err, mq.ErrDrop) {
		t.Fatalf("err = %v, want mq.ErrDrop", err)
	}
}

func TestSyncHandlerDeduplicates(t *testing.T) {
	s := &stubSyncer{}
	h := NewSyncRequestedHandler(s, newMemDeduper(), newMemCounter(), zap.NewNop())
	for i := 0; i < 3; i++ {
		if err := h.Handle(context.Background(), syncPayload(t, "req-1")); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if s.calls != 1 {
		t.Fatalf("sync ran %d times, want 1", s.calls)
	}
}

func TestSyncHandlerAcksExpectedOutcomes(t *testing.T) {
	for _, err := range []error{
		triage.ErrSyncInProgress,
		fmt.Errorf("%w: token revoked", triage.ErrReconnectRequired),
		kindErr(util.KindPermanent),
	} {
		h := NewSyncRequestedHandler(&stubSyncer{err: err}, newMemDeduper(), newMemCounter(), zap.NewNop())
		if got := h.Handle(context.Background(), syncPayload(t, "req")); got != nil {
			t.Fatalf("%v: Handle = %v, want ack", err, got)
		}
	}
}

func TestSyncHandlerRequeuesTransientUntilLimit(t *testing.T) {
	s := &stubSyncer{err: kindErr(util.KindTransient)}
	h := NewSyncRequestedHandler(s, newMemDeduper(), newMemCounter(), zap.NewNop())

	for i := 1; i <= maxRetries; i++ {
		if err := h.Handle(context.Background(), syncPayload(t, "req")); err == nil {
			t.Fatalf("attempt %d: expected requeue", i)
		}
	}
	if err := h.Handle(context.Background(), syncPayload(t, "req")); err != nil {
		t.Fatalf("after %d retries the message must be acked, got %v", maxRetries, err)
	}
	if s.calls != maxRetries+1 {
		t.Fatalf("calls = %d, want %d", s.calls, maxRetries+1)
	}
}

type stubLearner struct{ err error }

func (l stubLearner) Run(context.Context, int64) (model.WritingStyleProfile, error) {
	return model.WritingStyleProfile{SampleSize: 5}, l.err
}

func TestStyleHandlerAcksUnavailablePlan(t *testing.T) {
	raw, _ := json.Marshal(mqcontracts.StyleLearnRequestedPayload{RequestID: "r1", UserID: 7, Reason: "edit"})
	err := plan.TierFree.Check(plan.FeatureStyleLearning)
	h := NewStyleLearnHandler(stubLearner{err: err}, newMemDeduper(), newMemCounter(), zap.NewNop())
	if got := h.Handle(context.Background(), raw); got != nil {
		t.Fatalf("Handle = %v, want ack", got)
	}
}

type stubSender struct {
	errs []error
	got  []notification.Event
}

func (s *stubSender) Send(_ context.Context, ev notification.Event) error {
	s.got = append(s.got, ev)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func TestNotificationHandlerRetriesTransientDelivery(t *testing.T) {
	payload := notification.Event{
		UserID: 7, Kind: notification.KindActionRequired, ActionID: 42,
		Title: "Review needed: hi", CreatedAt: time.Now(),
	}.Payload("t1")
	raw, _ := json.Marshal(payload)

	sender := &stubSender{errs: []error{kindErr(util.KindTransient)}}
	h := NewNotificationCreatedHandler(sender, newMemDeduper(), newMemCounter(), zap.NewNop())

	if err := h.Handle(context.Background(), raw); err == nil {
		t.Fatal("transient failure should requeue")
	}
	if err := h.Handle(context.Background(), raw); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if err := h.Handle(context.Background(), raw); err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if len(sender.got) != 2 || sender.got[1].ActionID != 42 {
		t.Fatalf("sender calls = %+v", sender.got)
	}
}

func TestNotificationHandlerAcksPermanentFailure(t *testing.T) {
	raw, _ := json.Marshal(notification.Event{UserID: 7, Kind: notification.KindEscalation}.Payload(""))
	sender := &stubSender{errs: []error{kindErr(util.KindPermanent)}}
	h := NewNotificationCreatedHandler(sender, newMemDeduper(), newMemCounter(), zap.NewNop())
	if err := h.Handle(context.Background(), raw); err != nil {
		t.Fatalf("permanent failure should ack, got %v", err)
	}
}
