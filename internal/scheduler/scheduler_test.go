package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	mqcontracts "mailpilot/contracts/mq"
)

type fakeUsers struct {
	syncable    []int64
	style       []int64
	staleBefore time.Time
}

func (f *fakeUsers) SyncableUsers(context.Context) ([]int64, error) { return f.syncable, nil }

func (f *fakeUsers) StyleLearningUsers(_ context.Context, staleBefore time.Time) ([]int64, error) {
	f.staleBefore = staleBefore
	return f.style, nil
}

type fakeRequester struct {
	failFor map[int64]bool
	syncs   []int64
	sources []string
	styles  []int64
}

func (f *fakeRequester) RequestSync(_ context.Context, userID int64, source string) (string, error) {
	if f.failFor[userID] {
		return "", errors.New("broker unavailable")
	}
	f.syncs = append(f.syncs, userID)
	f.sources = append(f.sources, source)
	return "id", nil
}

func (f *fakeRequester) RequestStyleLearning(_ context.Context, userID int64, _ string) error {
	if f.failFor[userID] {
		return errors.New("broker unavailable")
	}
	f.styles = append(f.styles, userID)
	return nil
}

func TestEnqueueSyncsContinuesPastFailures(t *testing.T) {
	req := &fakeRequester{failFor: map[int64]bool{2: true}}
	s := New(&fakeUsers{syncable: []int64{1, 2, 3}}, req, Config{}, zap.NewNop())

	n, err := s.EnqueueSyncs(context.Background())
	if err != nil {
		t.Fatalf("EnqueueSyncs: %v", err)
	}
	if n != 2 || len(req.syncs) != 2 || req.syncs[1] != 3 {
		t.Fatalf("published %d, syncs = %v", n, req.syncs)
	}
	if req.sources[0] != mqcontracts.SyncSourceScheduler {
		t.Fatalf("source = %q", req.sources[0])
	}
}

func TestEnqueueStyleLearningUsesStaleWindow(t *testing.T) {
	users := &fakeUsers{style: []int64{4, 5}}
	req := &fakeRequester{}
	s := New(users, req, Config{StyleStaleAfter: 48 * time.Hour}, zap.NewNop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	n, err := s.EnqueueStyleLearning(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("EnqueueStyleLearning = %d, %v", n, err)
	}
	if !users.staleBefore.Equal(now.Add(-48 * time.Hour)) {
		t.Fatalf("staleBefore = %v", users.staleBefore)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	req := &fakeRequester{}
	s := New(&fakeUsers{syncable: []int64{1}}, req, Config{SyncInterval: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
