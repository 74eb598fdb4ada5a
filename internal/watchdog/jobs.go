package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/KafClaw/crewlink/internal/channels"
	"github.com/KafClaw/crewlink/internal/chat"
	"github.com/KafClaw/crewlink/internal/router"
	"github.com/KafClaw/crewlink/internal/scheduler"
	"github.com/KafClaw/crewlink/internal/scope"
	"github.com/KafClaw/crewlink/internal/tasks"
)

// IdleNudge pings assignees whose doing tasks and chat presence have both been
// silent for IdleAfter. Each agent is nudged at most once per IdleAfter.
func (w *Watchdogs) IdleNudge(ctx context.Context) error {
	if w.suppressed(IdleNudge) {
		return scheduler.ErrSkipped
	}
	doing, err := w.board.ListTasks(ctx, tasks.Filter{Status: tasks.StatusDoing})
	if err != nil {
		return err
	}

	byAgent := make(map[string][]tasks.Task)
	for _, t := range doing {
		if t.Assignee != "" {
			byAgent[t.Assignee] = append(byAgent[t.Assignee], t)
		}
	}
	agents := make([]string, 0, len(byAgent))
	for a := range byAgent {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	now := w.now()
	for _, agent := range agents {
		owned := byAgent[agent]
		active, _ := w.chat.LastSeen(agent)
		for _, t := range owned {
			if t.UpdatedAt.After(active) {
				active = t.UpdatedAt
			}
		}
		if now.Sub(active) < w.cfg.IdleAfter {
			continue
		}
		w.mu.Lock()
		last, seen := w.nudged[agent]
		w.mu.Unlock()
		if seen && now.Sub(last) < w.cfg.IdleAfter {
			continue
		}

		titles := make([]string, 0, len(owned))
		for _, t := range owned {
			titles = append(titles, fmt.Sprintf("%q (%s)", t.Title, t.ID))
		}
		content := fmt.Sprintf("@%s no update for %s on %d task(s) in doing: %s",
			agent, roundDuration(now.Sub(active)), len(owned), strings.Join(titles, ", "))
		if err := w.post(ctx, router.Input{Channel: channels.General, Content: content, Category: "idle-nudge"}); err != nil {
			return fmt.Errorf("nudge %s: %w", agent, err)
		}
		w.mu.Lock()
		w.nudged[agent] = now
		w.mu.Unlock()
		slog.Info("Idle nudge sent", "agent", agent, "tasks", len(owned))
	}
	return nil
}

// CadenceWatchdog posts a notice in ops when no channel has seen a message for
// CadenceWindow. It stays silent until someone else speaks again.
func (w *Watchdogs) CadenceWatchdog(ctx context.Context) error {
	if w.suppressed(CadenceWatchdog) {
		return scheduler.ErrSkipped
	}
	last := w.chat.LastActivity()
	if last.IsZero() {
		last = w.started
	}
	now := w.now()
	silent := now.Sub(last)
	if silent < w.cfg.CadenceWindow {
		return nil
	}
	w.mu.Lock()
	already := !w.cadenceNoticeAt.IsZero() && !last.After(w.cadenceNoticeAt)
	w.mu.Unlock()
	if already {
		return nil
	}

	content := fmt.Sprintf("No messages on any channel for %s. Check in with a status update.", roundDuration(silent))
	outcome, err := w.route(ctx, router.Input{
		From:     w.cfg.Agent,
		Channel:  channels.Ops,
		Content:  content,
		Category: "cadence",
		Severity: string(router.SeverityWarning),
	})
	if err != nil {
		return fmt.Errorf("cadence notice: %w", err)
	}
	at := now
	if msg := outcome.Message(); msg != nil {
		at = msg.Timestamp
	}
	w.mu.Lock()
	w.cadenceNoticeAt = at
	w.mu.Unlock()
	slog.Info("Cadence notice sent", "silent_for", silent)
	return nil
}

// MentionRescue forwards @mentions that the mentioned agent has not answered
// within RescueAfter to the agent's direct channel, once per message.
func (w *Watchdogs) MentionRescue(ctx context.Context) error {
	if w.suppressed(MentionRescue) {
		return scheduler.ErrSkipped
	}
	now := w.now()
	for _, agent := range w.chat.InboxAgents() {
		if strings.EqualFold(agent, w.cfg.Agent) {
			continue
		}
		lastSpoke, _ := w.chat.LastSeen(agent)
		for _, msg := range w.chat.Inbox(agent) {
			if !w.needsRescue(agent, msg, lastSpoke, now) {
				continue
			}
			content := fmt.Sprintf("Unanswered mention from @%s in #%s: %s", msg.From, msg.Channel, msg.Content)
			if err := w.post(ctx, router.Input{
				Channel:  scope.DirectChannel(agent),
				To:       agent,
				Content:  content,
				Category: "mention-rescue",
				Metadata: map[string]any{"rescuedMessageId": msg.ID},
			}); err != nil {
				return fmt.Errorf("rescue %s for %s: %w", msg.ID, agent, err)
			}
			w.mu.Lock()
			w.rescued[rescueKey(msg.ID, agent)] = now
			w.mu.Unlock()
			slog.Info("Mention rescued", "agent", agent, "message_id", msg.ID)
		}
	}
	return nil
}

func (w *Watchdogs) needsRescue(agent string, msg chat.Message, lastSpoke, now time.Time) bool {
	if strings.EqualFold(msg.From, w.cfg.Agent) || strings.EqualFold(msg.From, agent) {
		return false
	}
	if strings.EqualFold(msg.To, agent) || msg.Channel == scope.DirectChannel(agent) {
		return false
	}
	if !slices.Contains(chat.Mentions(msg.Content), agent) {
		return false
	}
	if now.Sub(msg.Timestamp) < w.cfg.RescueAfter || lastSpoke.After(msg.Timestamp) {
		return false
	}
	w.mu.Lock()
	_, done := w.rescued[rescueKey(msg.ID, agent)]
	w.mu.Unlock()
	return !done
}

func rescueKey(messageID, agent string) string { return messageID + "|" + agent }

func messageIDOf(key string) string {
	id, _, _ := strings.Cut(key, "|")
	return id
}

// ReflectionPipeline asks for a retrospective on every task that reached done
// since the previous pass. Each prompt is routed with the task id so it lands
// as a task comment. While quiet hours suppress, the pass is deferred and the
// cursor does not move.
func (w *Watchdogs) ReflectionPipeline(ctx context.Context) error {
	if w.suppressed(ReflectionPipeline) {
		return scheduler.ErrSkipped
	}
	cursor := w.reflectionCursor()
	next := w.now()

	done, err := w.board.ListTasks(ctx, tasks.Filter{Status: tasks.StatusDone})
	if err != nil {
		return err
	}
	sort.Slice(done, func(i, j int) bool { return done[i].UpdatedAt.Before(done[j].UpdatedAt) })

	var firstErr error
	prompted := 0
	for _, t := range done {
		if !t.UpdatedAt.After(cursor) {
			continue
		}
		w.mu.Lock()
		seen := w.reflected[t.ID]
		w.mu.Unlock()
		if seen {
			continue
		}
		content := fmt.Sprintf("Reflection: %q is done. What went well, what slowed it down, and what should change next time?", t.Title)
		outcome, err := w.route(ctx, router.Input{
			From:     w.cfg.Agent,
			Channel:  channels.TaskComments,
			TaskID:   t.ID,
			To:       t.Assignee,
			Content:  content,
			Category: "reflection",
		})
		if err != nil {
			firstErr = fmt.Errorf("reflection for %s: %w", t.ID, err)
			break
		}
		if _, tagged := outcome.CommentID(); !tagged {
			slog.Warn("Reflection prompt sent without task comment", "task_id", t.ID)
		}
		// The prompt's own comment touches the task; keep it behind the cursor.
		if msg := outcome.Message(); msg != nil && msg.Timestamp.After(next) {
			next = msg.Timestamp
		}
		w.mu.Lock()
		w.reflected[t.ID] = true
		w.mu.Unlock()
		prompted++
	}
	if firstErr != nil {
		return firstErr
	}
	w.setReflectionCursor(next)
	if prompted > 0 {
		slog.Info("Reflection prompts sent", "count", prompted)
	}
	return nil
}

func (w *Watchdogs) reflectionCursor() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cursorLoaded {
		return w.cursor
	}
	w.cursorLoaded = true
	w.cursor = w.started
	if w.settings == nil {
		return w.cursor
	}
	raw, err := w.settings.GetSetting(reflectionCursorKey)
	if err != nil || raw == "" {
		return w.cursor
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		w.cursor = t
	} else {
		slog.Warn("Ignoring malformed reflection cursor", "value", raw, "error", err)
	}
	return w.cursor
}

func (w *Watchdogs) setReflectionCursor(t time.Time) {
	w.mu.Lock()
	w.cursor = t
	w.mu.Unlock()
	if w.settings == nil {
		return
	}
	if err := w.settings.SetSetting(reflectionCursorKey, t.UTC().Format(time.RFC3339Nano)); err != nil {
		slog.Warn("Failed to persist reflection cursor", "error", err)
	}
}

// BoardHealthWorker reports board inconsistencies in ops: doing tasks nobody
// owns, doing tasks still waiting on open blockers, and blocked tasks whose
// blockers are all done. A report is posted only when it changes.
func (w *Watchdogs) BoardHealthWorker(ctx context.Context) error {
	if w.suppressed(BoardHealthWorker) {
		return scheduler.ErrSkipped
	}
	all, err := w.board.ListTasks(ctx, tasks.Filter{})
	if err != nil {
		return err
	}
	findings := boardFindings(all)
	report := strings.Join(findings, "\n")

	w.mu.Lock()
	unchanged := report == w.boardReport
	w.mu.Unlock()
	if unchanged {
		return nil
	}
	if report != "" {
		content := fmt.Sprintf("Board health: %d issue(s)\n%s", len(findings), report)
		if err := w.post(ctx, router.Input{
			Channel:  channels.Ops,
			Content:  content,
			Category: "board-health",
			Severity: string(router.SeverityWarning),
		}); err != nil {
			return fmt.Errorf("board health report: %w", err)
		}
		slog.Info("Board health report sent", "issues", len(findings))
	}
	w.mu.Lock()
	w.boardReport = report
	w.mu.Unlock()
	return nil
}

// boardFindings returns one sorted line per inconsistent task.
func boardFindings(all []tasks.Task) []string {
	status := make(map[string]tasks.Status, len(all))
	for _, t := range all {
		status[t.ID] = t.Status
	}
	openBlockers := func(t tasks.Task) []string {
		var open []string
		for _, id := range t.BlockedBy {
			if status[id] != tasks.StatusDone {
				open = append(open, id)
			}
		}
		return open
	}

	var out []string
	for _, t := range all {
		switch t.Status {
		case tasks.StatusDoing:
			if t.Assignee == "" {
				out = append(out, fmt.Sprintf("- %s %q is in doing with no assignee", t.ID, t.Title))
			}
			if open := openBlockers(t); len(open) > 0 {
				out = append(out, fmt.Sprintf("- %s %q is in doing but blocked by %s", t.ID, t.Title, strings.Join(open, ", ")))
			}
		case tasks.StatusBlocked:
			if len(t.BlockedBy) > 0 && len(openBlockers(t)) == 0 {
				out = append(out, fmt.Sprintf("- %s %q is blocked but all blockers are done", t.ID, t.Title))
			}
		}
	}
	sort.Strings(out)
	return out
}

func roundDuration(d time.Duration) time.Duration {
	if d >= time.Minute {
		return d.Round(time.Minute)
	}
	return d.Round(time.Second)
}
