package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/KafClaw/crewlink/internal/channels"
	"github.com/KafClaw/crewlink/internal/chat"
	"github.com/KafClaw/crewlink/internal/errs"
	"github.com/KafClaw/crewlink/internal/healthcheck"
	"github.com/KafClaw/crewlink/internal/router"
	"github.com/KafClaw/crewlink/internal/tasks"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"error": message})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrInvalidTransition):
		return http.StatusConflict
	case errs.IsRetryable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		slog.Warn("Gateway request failed", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	}
	writeJSONError(w, code, err.Error())
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return errs.Validation("invalid JSON body: %v", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Health.Snapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, s.Status())
}

// Status builds the healthcheck payload from the stores. The status is
// "degraded" when deliveries are waiting (subscribers or a queued backlog)
// but no bus dispatcher is delivering.
func (s *Server) Status() healthcheck.StatusPayload {
	p := healthcheck.StatusPayload{
		Status:    "ok",
		Timestamp: time.Now().UnixMilli(),
		Tasks:     healthcheck.TaskStatus{ByStatus: map[string]int{}},
	}
	if s.deps.Chat != nil {
		st := s.deps.Chat.Stats()
		p.Chat = healthcheck.ChatStatus{TotalMessages: st.TotalMessages, Rooms: st.Rooms, Subscribers: st.Subscribers}
		p.Inbox.Agents = len(s.deps.Chat.InboxAgents())
	}
	if s.deps.Tasks != nil {
		st := s.deps.Tasks.Stats()
		p.Tasks = healthcheck.TaskStatus{Total: st.Total, ByStatus: st.ByStatus}
	}
	if b := s.deps.Bus; b != nil && !b.Running() && (b.SubscriberCount() > 0 || b.OutboundSize() > 0) {
		p.Status = "degraded"
	}
	return p
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	legacy, _ := strconv.ParseBool(r.URL.Query().Get("legacy"))
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels.Catalog(legacy)})
}

func (s *Server) handleTimers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Timers == nil {
		writeJSON(w, http.StatusOK, map[string]any{"timers": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timers": s.deps.Timers.Snapshot()})
}

// --- Messages ---

type sendResponse struct {
	Message   *chat.Message `json:"message"`
	CommentID string        `json:"commentId,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var in router.Input
	if err := decodeBody(r, &in); err != nil {
		writeErr(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.sendTimeout)
	defer cancel()
	out, err := s.deps.Router.Route(ctx, in)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	resp := sendResponse{Message: out.Message()}
	if id, ok := out.CommentID(); ok {
		resp.CommentID = id
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channel := strings.TrimSpace(q.Get("channel"))
	if channel == "" {
		writeErr(w, r, errs.Validation("channel query parameter is required"))
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeErr(w, r, errs.Validation("invalid limit %q", raw))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": channel, "messages": s.deps.Chat.Messages(channel, limit)})
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
	Agent string `json:"agent"`
}

func (s *Server) handleReact(w http.ResponseWriter, r *http.Request) {
	var req reactionRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	msg, err := s.deps.Chat.React(r.Context(), r.PathValue("id"), req.Emoji, req.Agent)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("agent")
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent, "messages": s.deps.Chat.Inbox(agent)})
}

// --- Tasks ---

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in tasks.NewTask
	if err := decodeBody(r, &in); err != nil {
		writeErr(w, r, err)
		return
	}
	t, err := s.deps.Tasks.CreateTask(r.Context(), in)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := tasks.Filter{
		Assignee: q.Get("assignee"),
		EpicID:   q.Get("epic_id"),
		Tag:      q.Get("tag"),
	}
	if raw := q.Get("status"); raw != "" {
		st, err := tasks.ParseStatus(raw)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		f.Status = st
	}
	list, err := s.deps.Tasks.ListTasks(r.Context(), f)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Tasks.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var p tasks.Patch
	if err := decodeBody(r, &p); err != nil {
		writeErr(w, r, err)
		return
	}
	t, err := s.deps.Tasks.UpdateTask(r.Context(), r.PathValue("id"), p)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type transitionRequest struct {
	Status string `json:"status"`
	Actor  string `json:"actor"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	t, err := s.deps.Tasks.Transition(r.Context(), r.PathValue("id"), tasks.Status(strings.TrimSpace(req.Status)), req.Actor)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type commentRequest struct {
	Body     string         `json:"body"`
	Author   string         `json:"author"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	c, err := s.deps.Tasks.AddTaskComment(r.Context(), r.PathValue("id"), req.Body, req.Author, req.Metadata)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Tasks.ListComments(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": list})
}
