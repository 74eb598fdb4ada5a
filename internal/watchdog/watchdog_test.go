package watchdog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/crewlink/internal/bus"
	"github.com/KafClaw/crewlink/internal/chat"
	"github.com/KafClaw/crewlink/internal/config"
	"github.com/KafClaw/crewlink/internal/quiethours"
	"github.com/KafClaw/crewlink/internal/router"
	"github.com/KafClaw/crewlink/internal/scheduler"
	"github.com/KafClaw/crewlink/internal/tasks"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memSettings struct {
	mu   sync.Mutex
	vals map[string]string
}

func (m *memSettings) GetSetting(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	if !ok {
		return "", errors.New("no rows")
	}
	return v, nil
}

func (m *memSettings) SetSetting(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vals == nil {
		m.vals = map[string]string{}
	}
	m.vals[key] = value
	return nil
}

type harness struct {
	clock  *fakeClock
	tasks  *tasks.Store
	chat   *chat.Store
	router *router.Router
	dogs   *Watchdogs
}

func newHarness(t *testing.T, window quiethours.Window, opts ...Option) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	ts := tasks.NewStore(tasks.WithClock(clock.Now))
	cs := chat.NewStore(chat.WithClock(clock.Now))
	r := router.New(ts, cs, router.Config{})
	gate := quiethours.NewGate(window, clock.Now)
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	dogs := New(config.DefaultConfig().Watchdog, r, cs, ts, gate, opts...)
	return &harness{clock: clock, tasks: ts, chat: cs, router: r, dogs: dogs}
}

func (h *harness) say(t *testing.T, from, channel, content string) {
	t.Helper()
	if _, err := h.router.Route(context.Background(), router.Input{From: from, Channel: channel, Content: content}); err != nil {
		t.Fatalf("route: %v", err)
	}
}

func (h *harness) startTask(t *testing.T, title, assignee string) *tasks.Task {
	t.Helper()
	ctx := context.Background()
	task, err := h.tasks.CreateTask(ctx, tasks.NewTask{Title: title, CreatedBy: "lead", Assignee: assignee})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	task, err = h.tasks.Transition(ctx, task.ID, tasks.StatusDoing, "lead")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	return task
}

func (h *harness) finishTask(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.tasks.Transition(ctx, id, tasks.StatusValidating, "lead"); err != nil {
		t.Fatalf("to validating: %v", err)
	}
	if _, err := h.tasks.Transition(ctx, id, tasks.StatusDone, "lead"); err != nil {
		t.Fatalf("to done: %v", err)
	}
}

func TestIdleNudgeRespectsThresholdAndCooldown(t *testing.T) {
	h := newHarness(t, quiethours.Window{})
	ctx := context.Background()
	h.startTask(t, "write parser", "alice")

	h.clock.Advance(10 * time.Minute)
	if err := h.dogs.IdleNudge(ctx); err != nil {
		t.Fatalf("idle nudge: %v", err)
	}
	if n := len(h.chat.Messages("general", 0)); n != 0 {
		t.Fatalf("nudged too early: %d messages", n)
	}

	h.clock.Advance(40 * time.Minute)
	_ = h.dogs.IdleNudge(ctx)
	msgs := h.chat.Messages("general", 0)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 nudge, got %d", len(msgs))
	}
	if !strings.Contains(msgs[0].Content, "@alice") || !strings.Contains(msgs[0].Content, "write parser") {
		t.Fatalf("unexpected nudge %q", msgs[0].Content)
	}
	if msgs[0].From != "crewlink" {
		t.Fatalf("nudge from %q", msgs[0].From)
	}

	h.clock.Advance(5 * time.Minute)
	_ = h.dogs.IdleNudge(ctx)
	if n := len(h.chat.Messages("general", 0)); n != 1 {
		t.Fatalf("cooldown ignored: %d messages", n)
	}

	h.clock.Advance(45 * time.Minute)
	_ = h.dogs.IdleNudge(ctx)
	if n := len(h.chat.Messages("general", 0)); n != 2 {
		t.Fatalf("expected a second nudge after cooldown, got %d", n)
	}
}

func TestIdleNudgeSkipsAgentsWhoSpoke(t *testing.T) {
	h := newHarness(t, quiethours.Window{})
	h.startTask(t, "write parser", "alice")

	h.clock.Advance(40 * time.Minute)
	h.say(t, "alice", "general", "still on the parser")
	h.clock.Advance(20 * time.Minute)
	_ = h.dogs.IdleNudge(context.Background())

	if n := len(h.chat.Messages("general", 0)); n != 1 {
		t.Fatalf("alice spoke 20m ago and must not be nudged, got %d messages", n)
	}
}

func TestCadenceWatchdogPostsOncePerSilence(t *testing.T) {
	h := newHarness(t, quiethours.Window{})
	ctx := context.Background()

	h.clock.Advance(time.Hour)
	_ = h.dogs.CadenceWatchdog(ctx)
	if n := len(h.chat.Messages("ops", 0)); n != 0 {
		t.Fatalf("posted before the window elapsed: %d", n)
	}

	h.clock.Advance(time.Hour)
	_ = h.dogs.CadenceWatchdog(ctx)
	ops := h.chat.Messages("ops", 0)
	if len(ops) != 1 {
		t.Fatalf("expected 1 cadence notice, got %d", len(ops))
	}
	if ops[0].Metadata["severity"] != "warning" {
		t.Fatalf("unexpected metadata %+v", ops[0].Metadata)
	}

	h.clock.Advance(3 * time.Hour)
	_ = h.dogs.CadenceWatchdog(ctx)
	if n := len(h.chat.Messages("ops", 0)); n != 1 {
		t.Fatalf("repeated notice without new activity: %d", n)
	}

	h.say(t, "bob", "general", "back online")
	h.clock.Advance(2 * time.Hour)
	_ = h.dogs.CadenceWatchdog(ctx)
	if n := len(h.chat.Messages("ops", 0)); n != 2 {
		t.Fatalf("expected a second notice after new silence, got %d", n)
	}
}

func TestMentionRescueForwardsUnansweredMentionsOnce(t *testing.T) {
	h := newHarness(t, quiethours.Window{})
	ctx := context.Background()

	h.say(t, "bob", "reviews", "@alice can you review the parser?")
	h.clock.Advance(5 * time.Minute)
	_ = h.dogs.MentionRescue(ctx)
	if n := len(h.chat.Messages("dm:alice", 0)); n != 0 {
		t.Fatalf("rescued too early: %d", n)
	}

	h.clock.Advance(6 * time.Minute)
	_ = h.dogs.MentionRescue(ctx)
	dm := h.chat.Messages("dm:alice", 0)
	if len(dm) != 1 {
		t.Fatalf("expected 1 rescue, got %d", len(dm))
	}
	if !strings.Contains(dm[0].Content, "@bob") || !strings.Contains(dm[0].Content, "#reviews") {
		t.Fatalf("unexpected rescue content %q", dm[0].Content)
	}

	h.clock.Advance(20 * time.Minute)
	_ = h.dogs.MentionRescue(ctx)
	if n := len(h.chat.Messages("dm:alice", 0)); n != 1 {
		t.Fatalf("mention rescued twice: %d", n)
	}
	if n := len(h.chat.Messages("dm:bob", 0)); n != 0 {
		t.Fatalf("rescue message itself was rescued: %d", n)
	}
}

func TestMentionRescueSkipsAnsweredMentions(t *testing.T) {
	h := newHarness(t, quiethours.Window{})
	h.say(t, "carol", "general", "ping @alice")
	h.clock.Advance(time.Minute)
	h.say(t, "alice", "general", "on it")
	h.clock.Advance(15 * time.Minute)
	_ = h.dogs.MentionRescue(context.Background())
	if n := len(h.chat.Messages("dm:alice", 0)); n != 0 {
		t.Fatalf("answered mention was rescued: %d", n)
	}
}

func TestReflectionPipelineCommentsOnDoneTasksOnce(t *testing.T) {
	settings := &memSettings{}
	h := newHarness(t, quiethours.Window{}, WithSettings(settings))
	ctx := context.Background()

	first := h.startTask(t, "ship v1", "alice")
	h.clock.Advance(time.Minute)
	h.finishTask(t, first.ID)
	h.clock.Advance(time.Minute)

	if err := h.dogs.ReflectionPipeline(ctx); err != nil {
		t.Fatalf("reflection: %v", err)
	}
	msgs := h.chat.Messages("task-comments", 0)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 reflection prompt, got %d", len(msgs))
	}
	if !strings.Contains(msgs[0].Content, "[tcomment:") {
		t.Fatalf("reflection prompt not linked to a comment: %q", msgs[0].Content)
	}
	comments, _ := h.tasks.ListComments(ctx, first.ID)
	if len(comments) != 1 || comments[0].Metadata["category"] != "reflection" {
		t.Fatalf("unexpected comments %+v", comments)
	}
	if _, err := settings.GetSetting(reflectionCursorKey); err != nil {
		t.Fatalf("cursor not persisted: %v", err)
	}

	h.clock.Advance(time.Minute)
	_ = h.dogs.ReflectionPipeline(ctx)
	if n := len(h.chat.Messages("task-comments", 0)); n != 1 {
		t.Fatalf("task reflected twice: %d", n)
	}

	second := h.startTask(t, "ship v2", "bob")
	h.clock.Advance(time.Minute)
	h.finishTask(t, second.ID)
	h.clock.Advance(time.Minute)
	_ = h.dogs.ReflectionPipeline(ctx)
	if n := len(h.chat.Messages("task-comments", 0)); n != 2 {
		t.Fatalf("expected a prompt for the second task, got %d", n)
	}

	// A restarted pipeline resumes from the persisted cursor.
	restarted := New(config.DefaultConfig().Watchdog, h.router, h.chat, h.tasks, nil, WithClock(h.clock.Now), WithSettings(settings))
	h.clock.Advance(time.Minute)
	_ = restarted.ReflectionPipeline(ctx)
	if n := len(h.chat.Messages("task-comments", 0)); n != 2 {
		t.Fatalf("restart re-reflected finished tasks: %d", n)
	}
}

func TestQuietHoursSuppressAndDeferReflection(t *testing.T) {
	// 12:00 UTC at offset +11 is 23:00 local, inside 22-7.
	h := newHarness(t, quiethours.Window{Enabled: true, StartHour: 22, EndHour: 7, TimezoneOffset: 11})
	ctx := context.Background()

	task := h.startTask(t, "night shift", "")
	h.clock.Advance(time.Minute)
	h.finishTask(t, task.ID)
	h.clock.Advance(3 * time.Hour)

	for name, job := range map[string]scheduler.Job{
		IdleNudge:          h.dogs.IdleNudge,
		CadenceWatchdog:    h.dogs.CadenceWatchdog,
		MentionRescue:      h.dogs.MentionRescue,
		ReflectionPipeline: h.dogs.ReflectionPipeline,
		BoardHealthWorker:  h.dogs.BoardHealthWorker,
	} {
		if err := job(ctx); !errors.Is(err, scheduler.ErrSkipped) {
			t.Fatalf("%s: expected ErrSkipped during quiet hours, got %v", name, err)
		}
	}
	if n := h.chat.Stats().TotalMessages; n != 0 {
		t.Fatalf("posted %d messages during quiet hours", n)
	}

	// 20:00 UTC is 07:00 local, outside the window.
	h.clock.Advance(5 * time.Hour)
	if err := h.dogs.ReflectionPipeline(ctx); err != nil {
		t.Fatalf("reflection after quiet hours: %v", err)
	}
	if n := len(h.chat.Messages("task-comments", 0)); n != 1 {
		t.Fatalf("deferred reflection not delivered: %d", n)
	}
}

func TestBoardHealthReportsOnlyOnChange(t *testing.T) {
	h := newHarness(t, quiethours.Window{})
	ctx := context.Background()

	orphan := h.startTask(t, "orphan", "")
	blocker, _ := h.tasks.CreateTask(ctx, tasks.NewTask{ID: "task-blocker", Title: "blocker", CreatedBy: "lead"})
	waiting, _ := h.tasks.CreateTask(ctx, tasks.NewTask{Title: "waiting", CreatedBy: "lead", Assignee: "bob", BlockedBy: []string{blocker.ID}})
	if _, err := h.tasks.Transition(ctx, waiting.ID, tasks.StatusDoing, "bob"); err != nil {
		t.Fatalf("transition: %v", err)
	}

	if err := h.dogs.BoardHealthWorker(ctx); err != nil {
		t.Fatalf("board health: %v", err)
	}
	ops := h.chat.Messages("ops", 0)
	if len(ops) != 1 {
		t.Fatalf("expected 1 report, got %d", len(ops))
	}
	if !strings.Contains(ops[0].Content, "2 issue(s)") || !strings.Contains(ops[0].Content, orphan.ID) {
		t.Fatalf("unexpected report %q", ops[0].Content)
	}

	_ = h.dogs.BoardHealthWorker(ctx)
	if n := len(h.chat.Messages("ops", 0)); n != 1 {
		t.Fatalf("unchanged report reposted: %d", n)
	}

	alice := "alice"
	if _, err := h.tasks.UpdateTask(ctx, orphan.ID, tasks.Patch{Assignee: &alice}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	_ = h.dogs.BoardHealthWorker(ctx)
	ops = h.chat.Messages("ops", 0)
	if len(ops) != 2 || !strings.Contains(ops[1].Content, "1 issue(s)") {
		t.Fatalf("expected an updated report, got %+v", ops)
	}
}

func TestBoardFindings(t *testing.T) {
	all := []tasks.Task{
		{ID: "t1", Title: "a", Status: tasks.StatusDoing},
		{ID: "t2", Title: "b", Status: tasks.StatusBlocked, BlockedBy: []string{"t3"}},
		{ID: "t3", Title: "c", Status: tasks.StatusDone},
		{ID: "t4", Title: "d", Status: tasks.StatusDoing, Assignee: "x", BlockedBy: []string{"t3"}},
		{ID: "t5", Title: "e", Status: tasks.StatusBlocked, BlockedBy: []string{"t1"}},
		{ID: "t6", Title: "f", Status: tasks.StatusBlocked},
	}
	got := boardFindings(all)
	want := []string{
		`- t1 "a" is in doing with no assignee`,
		`- t2 "b" is blocked but all blockers are done`,
	}
	if len(got) != len(want) {
		t.Fatalf("findings = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("finding %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRegisterHonoursDisabledTimers(t *testing.T) {
	h := newHarness(t, quiethours.Window{})
	sup := scheduler.New(scheduler.Config{})
	timers := config.DefaultConfig().Timers
	timers.MentionRescue = -1
	timers.IdleNudge = 0

	sw := NewSweepJob(h.chat, h.dogs, 100)
	if err := h.dogs.Register(sup, timers, sw); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := sup.Timer(MentionRescue); ok {
		t.Fatal("disabled timer was registered")
	}
	st, ok := sup.Timer(IdleNudge)
	if !ok || st.IntervalMs != config.DefaultConfig().Timers.IdleNudge.Milliseconds() {
		t.Fatalf("zero interval should fall back to the default, got %+v", st)
	}
	if _, ok := sup.Timer(Sweeper); !ok {
		t.Fatal("sweeper not registered")
	}
	if n := len(sup.Snapshot()); n != 5 {
		t.Fatalf("expected 5 timers, got %d", n)
	}
}

func TestPostOnStalledBusIsBounded(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	b := bus.NewMessageBus(1)
	// Fill the buffer; no dispatcher drains it.
	if err := b.Publish(context.Background(), &bus.Delivery{Channel: "ops"}); err != nil {
		t.Fatalf("prefill: %v", err)
	}
	ts := tasks.NewStore(tasks.WithClock(clock.Now))
	cs := chat.NewStore(chat.WithClock(clock.Now), chat.WithPublisher(b))
	r := router.New(ts, cs, router.Config{})
	dogs := New(config.DefaultConfig().Watchdog, r, cs, ts, nil,
		WithClock(clock.Now), WithSendTimeout(30*time.Millisecond))
	clock.Advance(3 * time.Hour)

	sup := scheduler.New(scheduler.Config{})
	if err := sup.Register(CadenceWatchdog, time.Hour, dogs.CadenceWatchdog); err != nil {
		t.Fatalf("register: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = sup.RunNow(context.Background(), CadenceWatchdog)
		sup.StopAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cadence tick did not finish while the bus was stalled")
	}
	if n := len(cs.Messages("ops", 0)); n != 0 {
		t.Fatalf("unsent notice must not be stored, got %d", n)
	}

	// The channel lock was released, so a later send can proceed once the bus drains.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.DispatchOutbound(ctx)
	if _, err := r.Route(context.Background(), router.Input{From: "bob", Channel: "ops", Content: "still here"}); err != nil {
		t.Fatalf("route after stall: %v", err)
	}
}
