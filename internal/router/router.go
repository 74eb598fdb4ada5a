// Package router resolves the channel and scope of an agent message, links
// it to a task comment when a task id is given, and hands it to the chat
// store.
package router

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/KafClaw/crewlink/internal/channels"
	"github.com/KafClaw/crewlink/internal/chat"
	"github.com/KafClaw/crewlink/internal/errs"
	"github.com/KafClaw/crewlink/internal/scope"
	"github.com/KafClaw/crewlink/internal/tasks"
)

// Severity is the closed set of message severities.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates s. The empty string means info.
func ParseSeverity(s string) (Severity, error) {
	switch sv := Severity(strings.ToLower(strings.TrimSpace(s))); sv {
	case "":
		return SeverityInfo, nil
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return sv, nil
	}
	return "", errs.Validation("unknown severity %q", s)
}

// Input is one message to route.
type Input struct {
	From     string         `json:"from"`
	Content  string         `json:"content"`
	Category string         `json:"category,omitempty"`
	Severity string         `json:"severity,omitempty"`
	TaskID   string         `json:"taskId,omitempty"`
	Channel  string         `json:"channel,omitempty"`
	To       string         `json:"to,omitempty"`
	ScopeID  string         `json:"scopeId,omitempty"`
	Peer     string         `json:"peer,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Outcome is the result of Route: either Tagged or Untagged.
type Outcome interface {
	Message() *chat.Message
	// CommentID returns the linked task comment, if any.
	CommentID() (string, bool)
}

// Tagged is a message linked to a task comment.
type Tagged struct {
	Msg     *chat.Message
	Comment string
}

func (t Tagged) Message() *chat.Message    { return t.Msg }
func (t Tagged) CommentID() (string, bool) { return t.Comment, true }

// Untagged is a message sent without a comment link.
type Untagged struct {
	Msg *chat.Message
}

func (u Untagged) Message() *chat.Message    { return u.Msg }
func (u Untagged) CommentID() (string, bool) { return "", false }

// link is the comment linkage decided before the send.
type link struct {
	commentID string
}

// assembleContent renders the outgoing body for a link. It is the only place
// the traceability tag is written.
func assembleContent(content string, l *link) string {
	if l == nil {
		return content
	}
	return content + " " + Tag(l.commentID)
}

// Tag returns the traceability tag for commentID.
func Tag(commentID string) string {
	return tagOpen + commentID + "]"
}

var forgedTag = regexp.MustCompile(`\s?\[tcomment:[^\]]*\]`)

const tagOpen = "[tcomment:"

// StripTags removes every traceability tag from content, including tags
// rebuilt by a previous removal and unterminated openers. The result never
// contains "[tcomment:".
func StripTags(content string) string {
	for {
		next := forgedTag.ReplaceAllString(content, "")
		next = strings.ReplaceAll(next, tagOpen, "")
		if next == content {
			return next
		}
		content = next
	}
}

// Commenter creates task comments. *tasks.Store satisfies it.
type Commenter interface {
	AddTaskComment(ctx context.Context, taskID, body, author string, metadata map[string]any) (*tasks.Comment, error)
}

// Sender persists and broadcasts messages. *chat.Store satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, out chat.Outgoing) (*chat.Message, error)
}

// Config tunes the router.
type Config struct {
	// CommentTimeout bounds the comment step. Zero means 2s.
	CommentTimeout time.Duration
	// DefaultChannel is used when neither a channel nor a recipient is given.
	DefaultChannel string
}

type Router struct {
	comments Commenter
	sender   Sender
	cfg      Config
}

// New builds a router. comments may be nil, in which case every message is
// sent untagged.
func New(comments Commenter, sender Sender, cfg Config) *Router {
	if cfg.CommentTimeout <= 0 {
		cfg.CommentTimeout = 2 * time.Second
	}
	if strings.TrimSpace(cfg.DefaultChannel) == "" {
		cfg.DefaultChannel = channels.General
	}
	return &Router{comments: comments, sender: sender, cfg: cfg}
}

// Route validates in, resolves its channel and scope, links it to a task
// comment when in.TaskID is set, and sends it. Comment failures degrade to an
// untagged send; send failures fail the call.
func (r *Router) Route(ctx context.Context, in Input) (Outcome, error) {
	from := strings.TrimSpace(in.From)
	if from == "" {
		return nil, errs.Validation("from is required")
	}
	content := StripTags(in.Content)
	if strings.TrimSpace(content) == "" {
		return nil, errs.Validation("content is required")
	}
	severity, err := ParseSeverity(in.Severity)
	if err != nil {
		return nil, err
	}
	channel := r.resolveChannel(in)
	if !channels.IsKnown(channel) {
		return nil, errs.Validation("unknown channel %q", channel)
	}
	taskID := strings.TrimSpace(in.TaskID)
	sc := scope.DeriveScopeID(scope.Context{
		ScopeID: strings.TrimSpace(in.ScopeID),
		Channel: channel,
		TaskID:  taskID,
		Peer:    strings.TrimSpace(in.Peer),
	})

	var l *link
	if taskID != "" {
		l = r.linkComment(ctx, taskID, content, from, in.Category, severity)
	}

	meta := make(map[string]any, len(in.Metadata)+3)
	for k, v := range in.Metadata {
		meta[k] = v
	}
	if in.Category != "" {
		meta["category"] = in.Category
	}
	meta["severity"] = string(severity)
	if taskID != "" {
		meta["taskId"] = taskID
	}
	if l != nil {
		meta["commentId"] = l.commentID
	}

	msg, err := r.sender.SendMessage(ctx, chat.Outgoing{
		From:     from,
		To:       strings.TrimSpace(in.To),
		Content:  assembleContent(content, l),
		Channel:  channel,
		Scope:    sc,
		Metadata: meta,
	})
	if err != nil {
		return nil, err
	}
	if l != nil {
		return Tagged{Msg: msg, Comment: l.commentID}, nil
	}
	return Untagged{Msg: msg}, nil
}

func (r *Router) resolveChannel(in Input) string {
	if ch := strings.TrimSpace(in.Channel); ch != "" {
		return ch
	}
	if to := strings.TrimSpace(in.To); to != "" {
		return scope.DirectChannel(to)
	}
	return r.cfg.DefaultChannel
}

// linkComment creates the task comment under CommentTimeout. Any failure is
// logged and yields no link.
func (r *Router) linkComment(ctx context.Context, taskID, body, author, category string, severity Severity) *link {
	if r.comments == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CommentTimeout)
	defer cancel()
	meta := map[string]any{"severity": string(severity)}
	if category != "" {
		meta["category"] = category
	}
	c, err := r.comments.AddTaskComment(cctx, taskID, body, author, meta)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, errs.ErrNotFound) {
			level = slog.LevelInfo
		}
		slog.Log(ctx, level, "Task comment not linked, sending untagged", "task_id", taskID, "from", author, "error", err)
		return nil
	}
	return &link{commentID: c.ID}
}
