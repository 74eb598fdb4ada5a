package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/crewlink/internal/bus"
	"github.com/KafClaw/crewlink/internal/chat"
	"github.com/KafClaw/crewlink/internal/config"
	"github.com/KafClaw/crewlink/internal/errs"
	"github.com/KafClaw/crewlink/internal/health"
	"github.com/KafClaw/crewlink/internal/router"
	"github.com/KafClaw/crewlink/internal/scheduler"
	"github.com/KafClaw/crewlink/internal/tasks"
)

type fixture struct {
	srv   *Server
	tasks *tasks.Store
	chat  *chat.Store
	bus   *bus.MessageBus
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	b := bus.NewMessageBus(64)
	ts := tasks.NewStore()
	cs := chat.NewStore(chat.WithPublisher(b))
	sup := scheduler.New(scheduler.Config{})
	srv := New(config.GatewayConfig{Host: "127.0.0.1", Port: 0, AuthToken: token}, config.RouterConfig{}, Deps{
		Router: router.New(ts, cs, router.Config{}),
		Chat:   cs,
		Tasks:  ts,
		Bus:    b,
		Health: health.NewReporter(nil, nil, sup),
		Timers: sup,
	})
	return &fixture{srv: srv, tasks: ts, chat: cs, bus: b}
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthListsFiveTimers(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	snap := decode[map[string]any](t, rec)
	timers, ok := snap["timers"].(map[string]any)
	if !ok || len(timers) != 5 {
		t.Fatalf("unexpected timers %v", snap["timers"])
	}
	if _, ok := snap["sweeper"]; !ok {
		t.Fatal("missing sweeper key")
	}
}

func TestStatusPayload(t *testing.T) {
	f := newFixture(t, "secret")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.bus.DispatchOutbound(ctx)
	for deadline := time.Now().Add(2 * time.Second); !f.bus.Running(); {
		if time.Now().After(deadline) {
			t.Fatal("dispatcher did not start")
		}
		time.Sleep(time.Millisecond)
	}
	_, _ = f.tasks.CreateTask(ctx, tasks.NewTask{Title: "a", CreatedBy: "alice"})
	_, _ = f.tasks.CreateTask(ctx, tasks.NewTask{Title: "b", CreatedBy: "alice"})
	_, _ = f.chat.SendMessage(ctx, chat.Outgoing{From: "alice", Channel: "general", Content: "hi @bob"})

	// Status stays reachable without the token.
	rec := f.do(t, http.MethodGet, "/api/v1/status", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var p struct {
		Status string `json:"status"`
		Chat   struct {
			TotalMessages int `json:"totalMessages"`
			Rooms         int `json:"rooms"`
		} `json:"chat"`
		Tasks struct {
			Total    int            `json:"total"`
			ByStatus map[string]int `json:"byStatus"`
		} `json:"tasks"`
		Inbox struct {
			Agents int `json:"agents"`
		} `json:"inbox"`
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != "ok" || p.Chat.TotalMessages != 1 || p.Chat.Rooms != 1 || p.Tasks.Total != 2 || p.Inbox.Agents != 1 {
		t.Fatalf("unexpected payload %+v", p)
	}
	if p.Tasks.ByStatus["todo"] != 2 || len(p.Tasks.ByStatus) != 5 {
		t.Fatalf("unexpected byStatus %v", p.Tasks.ByStatus)
	}
	if p.Timestamp == 0 {
		t.Fatal("missing timestamp")
	}
}

func TestStatusDegradedWithoutDispatcher(t *testing.T) {
	f := newFixture(t, "")
	unsub := f.bus.Subscribe(bus.AllChannels, func(*bus.Delivery) {})
	defer unsub()
	if got := f.srv.Status().Status; got != "degraded" {
		t.Fatalf("expected degraded, got %q", got)
	}
}

func TestStatusDegradedWithQueuedBacklog(t *testing.T) {
	f := newFixture(t, "")
	if got := f.srv.Status().Status; got != "ok" {
		t.Fatalf("expected ok with an idle bus, got %q", got)
	}
	if err := f.bus.Publish(context.Background(), &bus.Delivery{Channel: "general", Content: "queued"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := f.srv.Status().Status; got != "degraded" {
		t.Fatalf("expected degraded with an undelivered backlog, got %q", got)
	}
}

func TestAuthTokenRequired(t *testing.T) {
	f := newFixture(t, "secret")
	if rec := f.do(t, http.MethodGet, "/api/v1/tasks", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/tasks", nil, "secret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	for _, bad := range []string{"secreT", "secret2", "secre", "Bearer secret"} {
		if rec := f.do(t, http.MethodGet, "/api/v1/tasks", nil, bad); rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", bad, rec.Code)
		}
	}
	if rec := f.do(t, http.MethodGet, "/health", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", rec.Code)
	}
}

func TestSendMessageLinksTaskComment(t *testing.T) {
	f := newFixture(t, "")
	task, _ := f.tasks.CreateTask(context.Background(), tasks.NewTask{Title: "a", CreatedBy: "alice"})

	rec := f.do(t, http.MethodPost, "/api/v1/messages", map[string]any{
		"from":     "bob",
		"content":  "picked it up",
		"channel":  "task-comments",
		"taskId":   task.ID,
		"category": "update",
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[sendResponse](t, rec)
	if resp.CommentID == "" || !strings.Contains(resp.Message.Content, "[tcomment:"+resp.CommentID+"]") {
		t.Fatalf("unexpected response %+v", resp)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/comments", nil, "")
	comments := decode[map[string][]tasks.Comment](t, rec)["comments"]
	if len(comments) != 1 || comments[0].ID != resp.CommentID {
		t.Fatalf("unexpected comments %+v", comments)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/messages?channel=task-comments&limit=10", nil, "")
	msgs := decode[map[string]json.RawMessage](t, rec)
	if !strings.Contains(string(msgs["messages"]), resp.Message.ID) {
		t.Fatalf("message not listed: %s", msgs["messages"])
	}
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, "")
	task, _ := f.tasks.CreateTask(context.Background(), tasks.NewTask{Title: "a", CreatedBy: "alice"})

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown channel", http.MethodPost, "/api/v1/messages", map[string]any{"from": "bob", "content": "x", "channel": "nowhere"}, http.StatusBadRequest},
		{"empty content", http.MethodPost, "/api/v1/messages", map[string]any{"from": "bob", "content": " "}, http.StatusBadRequest},
		{"missing channel query", http.MethodGet, "/api/v1/messages", nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/v1/messages?channel=general&limit=-1", nil, http.StatusBadRequest},
		{"unknown task", http.MethodGet, "/api/v1/tasks/task-missing", nil, http.StatusNotFound},
		{"comment unknown task", http.MethodPost, "/api/v1/tasks/task-missing/comments", map[string]any{"body": "x", "author": "bob"}, http.StatusNotFound},
		{"illegal transition", http.MethodPost, "/api/v1/tasks/" + task.ID + "/status", map[string]any{"status": "done", "actor": "bob"}, http.StatusConflict},
		{"unknown status", http.MethodPost, "/api/v1/tasks/" + task.ID + "/status", map[string]any{"status": "archived"}, http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/api/v1/tasks?status=archived", nil, http.StatusBadRequest},
		{"missing title", http.MethodPost, "/api/v1/tasks", map[string]any{"createdBy": "bob"}, http.StatusBadRequest},
		{"react unknown message", http.MethodPost, "/api/v1/messages/msg-missing/reactions", map[string]any{"emoji": "+1", "agent": "bob"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, tc.method, tc.path, tc.body, "")
			if rec.Code != tc.want {
				t.Fatalf("status %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
			if _, ok := decode[map[string]any](t, rec)["error"]; !ok {
				t.Fatalf("missing error body: %s", rec.Body.String())
			}
		})
	}
}

func TestInvalidJSONBody(t *testing.T) {
	f := newFixture(t, "")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

type failingRouter struct{}

func (failingRouter) Route(context.Context, router.Input) (router.Outcome, error) {
	return nil, errs.Transient("broadcast message", errors.New("bus closed"))
}

func TestTransientFailureIs503(t *testing.T) {
	srv := New(config.GatewayConfig{}, config.RouterConfig{}, Deps{Router: failingRouter{}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(`{"from":"a","content":"b"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"title": "ship", "createdBy": "alice", "priority": "P1"}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	task := decode[tasks.Task](t, rec)

	for _, st := range []string{"doing", "validating", "done"} {
		rec = f.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/status", map[string]any{"status": st, "actor": "alice"}, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("to %s: %d %s", st, rec.Code, rec.Body.String())
		}
	}

	rec = f.do(t, http.MethodPatch, "/api/v1/tasks/"+task.ID, map[string]any{"assignee": "bob"}, "")
	if got := decode[tasks.Task](t, rec); got.Assignee != "bob" || got.Status != tasks.StatusDone {
		t.Fatalf("unexpected task after patch %+v", got)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/tasks?status=done&assignee=bob", nil, "")
	list := decode[map[string][]tasks.Task](t, rec)["tasks"]
	if len(list) != 1 || list[0].ID != task.ID {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestReactionsAndInbox(t *testing.T) {
	f := newFixture(t, "")
	msg, err := f.chat.SendMessage(context.Background(), chat.Outgoing{From: "alice", Channel: "general", Content: "@bob ready?"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/api/v1/messages/"+msg.ID+"/reactions", map[string]any{"emoji": "+1", "agent": "bob"}, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("react: %d %s", rec.Code, rec.Body.String())
		}
	}
	got, _ := f.chat.Get(msg.ID)
	if len(got.Reactions["+1"]) != 1 {
		t.Fatalf("duplicate reaction recorded: %v", got.Reactions)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/inbox/bob", nil, "")
	inbox := decode[map[string]json.RawMessage](t, rec)
	if !strings.Contains(string(inbox["messages"]), msg.ID) {
		t.Fatalf("inbox missing message: %s", inbox["messages"])
	}
}

func TestChannelsCatalog(t *testing.T) {
	f := newFixture(t, "")
	current := decode[map[string][]map[string]any](t, f.do(t, http.MethodGet, "/api/v1/channels", nil, ""))["channels"]
	all := decode[map[string][]map[string]any](t, f.do(t, http.MethodGet, "/api/v1/channels?legacy=true", nil, ""))["channels"]
	if len(current) != 8 || len(all) != 12 {
		t.Fatalf("catalog sizes = %d/%d, want 8/12", len(current), len(all))
	}
}

func TestChatStreamRelaysDeliveries(t *testing.T) {
	f := newFixture(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.bus.DispatchOutbound(ctx)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/chat/stream?channel=ops", nil)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	waitLine := func(substr string) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %q", substr)
				}
				if strings.Contains(line, substr) {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q", substr)
			}
		}
	}
	waitLine("event: connected")

	if _, err := f.chat.SendMessage(ctx, chat.Outgoing{From: "alice", Channel: "general", Content: "not for ops"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, err := f.chat.SendMessage(ctx, chat.Outgoing{From: "alice", Channel: "ops", Content: "deploy done"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	waitLine(msg.ID)
	cancel()
}
