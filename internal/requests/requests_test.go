package requests

import (
	"context"
	"errors"
	"testing"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/pkg/trace"
)

type published struct {
	key     string
	payload any
}

type recordingPublisher struct {
	msgs []published
	err  error
}

func (p *recordingPublisher) PublishWithContext(_ context.Context, key string, payload any) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{key, payload})
	return nil
}

func TestRequestSync(t *testing.T) {
	pub := &recordingPublisher{}
	r := New(pub)
	ctx := trace.WithContext(context.Background(), "trace-1")

	id1, err := r.RequestSync(ctx, 7, mqcontracts.SyncSourceAPI)
	if err != nil {
		t.Fatalf("RequestSync: %v", err)
	}
	id2, _ := r.RequestSync(ctx, 7, mqcontracts.SyncSourceAPI)
	if id1 == "" || id1 == id2 {
		t.Fatalf("request ids must be unique, got %q and %q", id1, id2)
	}

	p, ok := pub.msgs[0].payload.(mqcontracts.SyncRequestedPayload)
	if !ok || pub.msgs[0].key != mqcontracts.RoutingSyncRequested {
		t.Fatalf("unexpected message %+v", pub.msgs[0])
	}
	if p.UserID != 7 || p.TraceID != "trace-1" || p.RequestID != id1 {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestRequestStyleLearningPropagatesErrors(t *testing.T) {
	r := New(&recordingPublisher{err: errors.New("broker down")})
	if err := r.RequestStyleLearning(context.Background(), 7, "edit"); err == nil {
		t.Fatal("expected publish error")
	}
}
