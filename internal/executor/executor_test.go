package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"mailpilot/internal/mailprovider"
	"mailpilot/internal/model"
	"mailpilot/pkg/retry"
)

type fakeProvider struct {
	sendErrs []error
	sends    int
	drafts   int
	archived []string
	last     mailprovider.OutgoingMessage
}

func (f *fakeProvider) ListMessages(ctx context.Context, _ []byte, _, _ string) (mailprovider.ListResult, error) {
	return mailprovider.ListResult{}, nil
}

func (f *fakeProvider) GetMessage(ctx context.Context, _ []byte, _ string) (mailprovider.RawMessage, error) {
	return mailprovider.RawMessage{}, nil
}

func (f *fakeProvider) Send(ctx context.Context, _ []byte, msg mailprovider.OutgoingMessage) (mailprovider.SentRef, error) {
	f.sends++
	f.last = msg
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return mailprovider.SentRef{}, err
		}
	}
	return mailprovider.SentRef{ID: "sent-1"}, nil
}

func (f *fakeProvider) CreateDraft(ctx context.Context, _ []byte, msg mailprovider.OutgoingMessage) (mailprovider.SentRef, error) {
	f.drafts++
	f.last = msg
	return mailprovider.SentRef{ID: "draft-1"}, nil
}

func (f *fakeProvider) Archive(ctx context.Context, _ []byte, id string) error {
	f.archived = append(f.archived, id)
	return nil
}

func testPolicy(delays *[]time.Duration) retry.Policy {
	p := retry.DefaultPolicy()
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return p
}

var incoming = model.Message{
	ProviderMessageID: "pm-1",
	ProviderThreadID:  "th-1",
	Sender:            "Bob <bob@corp.com>",
	Subject:           "Budget",
}

func TestSendRetriesTransientThenSucceeds(t *testing.T) {
	var delays []time.Duration
	p := &fakeProvider{sendErrs: []error{
		&mailprovider.RateLimitError{Op: "send"},
		&mailprovider.APIError{Op: "send", StatusCode: 503},
		nil,
	}}
	e := New(p, testPolicy(&delays), zap.NewNop())

	res, err := e.Execute(context.Background(), &model.AgentAction{Type: model.ActionSend, Content: model.ProposedContent{Body: "ok"}}, Target{Message: incoming})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Attempts != 3 || res.ProviderRef != "sent-1" {
		t.Fatalf("result = %+v", res)
	}
	if len(delays) != 2 || delays[1] != 2*delays[0] {
		t.Fatalf("backoff = %v, want exponential", delays)
	}
	if p.last.ThreadID != "th-1" || p.last.To[0] != "bob@corp.com" || p.last.Subject != "Re: Budget" {
		t.Fatalf("outgoing = %+v", p.last)
	}
}

func TestSendExhaustsAfterThreeAttempts(t *testing.T) {
	var delays []time.Duration
	transient := &mailprovider.APIError{Op: "send"}
	p := &fakeProvider{sendErrs: []error{transient, transient, transient, transient}}
	e := New(p, testPolicy(&delays), zap.NewNop())

	_, err := e.Execute(context.Background(), &model.AgentAction{Type: model.ActionSend}, Target{Message: incoming})
	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 3 {
		t.Fatalf("err = %v, want exhausted after 3", err)
	}
	if p.sends != 3 {
		t.Fatalf("sends = %d", p.sends)
	}
}

func TestSendAuthErrorNotRetried(t *testing.T) {
	var delays []time.Duration
	p := &fakeProvider{sendErrs: []error{&mailprovider.AuthError{Op: "send", Err: errors.New("revoked")}}}
	e := New(p, testPolicy(&delays), zap.NewNop())

	_, err := e.Execute(context.Background(), &model.AgentAction{Type: model.ActionSend}, Target{Message: incoming})
	if !errors.Is(err, mailprovider.ErrAuth) || p.sends != 1 {
		t.Fatalf("err = %v sends = %d", err, p.sends)
	}
}

func TestUserEditIsExecuted(t *testing.T) {
	var delays []time.Duration
	p := &fakeProvider{}
	e := New(p, testPolicy(&delays), zap.NewNop())

	action := &model.AgentAction{
		Type:     model.ActionDraft,
		Content:  model.ProposedContent{Body: "ai"},
		UserEdit: &model.ProposedContent{Body: "human"},
	}
	if _, err := e.Execute(context.Background(), action, Target{Message: incoming}); err != nil {
		t.Fatal(err)
	}
	if p.drafts != 1 || p.last.Body != "human" {
		t.Fatalf("drafts = %d body = %q", p.drafts, p.last.Body)
	}
}

func TestFileArchives(t *testing.T) {
	var delays []time.Duration
	p := &fakeProvider{}
	e := New(p, testPolicy(&delays), zap.NewNop())

	if _, err := e.Execute(context.Background(), &model.AgentAction{Type: model.ActionFile}, Target{Message: incoming}); err != nil {
		t.Fatal(err)
	}
	if len(p.archived) != 1 || p.archived[0] != "pm-1" {
		t.Fatalf("archived = %v", p.archived)
	}
}
