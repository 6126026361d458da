package mailprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const backlogBase = int64(1700000000)

// fakeMailbox 模拟 Gmail 的 messages.list / messages.get：从新到旧分页，支持 after:<秒>
type fakeMailbox struct {
	// dates[i] 是 m<i> 的 internalDate（秒），i 越小越新
	dates []int64
}

var afterPattern = regexp.MustCompile(`after:(\d+)`)

func (f *fakeMailbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const prefix = "/gmail/v1/users/me/messages"
	w.Header().Set("Content-Type", "application/json")

	if id, ok := strings.CutPrefix(r.URL.Path, prefix+"/"); ok {
		i, _ := strconv.Atoi(strings.TrimPrefix(id, "m"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":           id,
			"threadId":     "t-" + id,
			"internalDate": strconv.FormatInt(f.dates[i]*1000, 10),
		})
		return
	}
	if r.URL.Path != prefix {
		http.NotFound(w, r)
		return
	}

	after := int64(0)
	if m := afterPattern.FindStringSubmatch(r.URL.Query().Get("q")); m != nil {
		after, _ = strconv.ParseInt(m[1], 10, 64)
	}
	var matching []string
	for i, d := range f.dates {
		if d > after {
			matching = append(matching, fmt.Sprintf("m%03d", i))
		}
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("pageToken"))
	size, _ := strconv.Atoi(r.URL.Query().Get("maxResults"))
	if size <= 0 {
		size = 100
	}
	end := min(offset+size, len(matching))

	var page []map[string]string
	for _, id := range matching[offset:end] {
		page = append(page, map[string]string{"id": id, "threadId": "t-" + id})
	}
	body := map[string]any{"messages": page}
	if end < len(matching) {
		body["nextPageToken"] = strconv.Itoa(end)
	}
	_ = json.NewEncoder(w).Encode(body)
}

func newBacklogGmail(t *testing.T, count int) *Gmail {
	t.Helper()
	box := &fakeMailbox{}
	for i := 0; i < count; i++ {
		box.dates = append(box.dates, backlogBase+int64(count-1-i)*60)
	}
	srv := httptest.NewServer(box)
	t.Cleanup(srv.Close)

	g := NewGmail(GmailConfig{MaxMessages: 100}, zap.NewNop())
	g.clientOpts = []option.ClientOption{
		option.WithEndpoint(srv.URL + "/"),
		option.WithHTTPClient(srv.Client()),
	}
	g.now = func() time.Time { return time.Unix(backlogBase+100000, 0) }
	return g
}

func TestListMessagesDrainsBacklogOldestFirst(t *testing.T) {
	g := newBacklogGmail(t, 250)
	creds := []byte(`{"access_token":"token"}`)

	seen := map[string]bool{}
	cursor := strconv.FormatInt(backlogBase-1000, 10)
	for cycle := 0; cycle < 3; cycle++ {
		res, err := g.ListMessages(context.Background(), creds, "", cursor)
		if err != nil {
			t.Fatalf("cycle %d: %v", cycle, err)
		}
		if len(res.Refs) == 0 || len(res.Refs) > 100 {
			t.Fatalf("cycle %d: got %d refs", cycle, len(res.Refs))
		}
		// 批内从旧到新：编号递减
		for i := 1; i < len(res.Refs); i++ {
			if res.Refs[i-1].ID <= res.Refs[i].ID {
				t.Fatalf("cycle %d: refs not oldest first: %s before %s", cycle, res.Refs[i-1].ID, res.Refs[i].ID)
			}
		}
		if res.NextCursor == cursor {
			t.Fatalf("cycle %d: cursor did not advance from %s", cycle, cursor)
		}
		for _, r := range res.Refs {
			seen[r.ID] = true
		}
		cursor = res.NextCursor
	}

	if len(seen) != 250 {
		t.Fatalf("listed %d distinct messages after 3 cycles, want 250", len(seen))
	}
	want := strconv.FormatInt(backlogBase+100000-int64((5*time.Minute).Seconds()), 10)
	if cursor != want {
		t.Fatalf("final cursor = %s, want now minus overlap %s", cursor, want)
	}
}

func TestListMessagesWithinBatchUsesStartTime(t *testing.T) {
	g := newBacklogGmail(t, 40)
	res, err := g.ListMessages(context.Background(), []byte(`{"access_token":"token"}`), "", "")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(res.Refs) != 40 || res.Refs[0].ID != "m039" || res.Refs[39].ID != "m000" {
		t.Fatalf("unexpected refs: %d first=%v", len(res.Refs), res.Refs[0])
	}
}

func TestBatchCursorAlwaysAdvances(t *testing.T) {
	if got := batchCursor("100", 500_000); got != 499 {
		t.Fatalf("batchCursor = %d, want 499", got)
	}
	// 整批都在同一秒内
	if got := batchCursor("499", 500_000); got != 500 {
		t.Fatalf("batchCursor = %d, want 500", got)
	}
	if got := batchCursor("", 500_000); got != 499 {
		t.Fatalf("batchCursor without previous = %d, want 499", got)
	}
}
