package timeline

import (
	"time"
)

// TaskRecord is the persisted form of a board task. Timestamps are stored as
// unix nanoseconds so ordering survives both drivers unchanged.
type TaskRecord struct {
	TaskID      string         `json:"task_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Assignee    string         `json:"assignee,omitempty"`
	CreatedBy   string         `json:"created_by"`
	Priority    string         `json:"priority,omitempty"`
	BlockedBy   []string       `json:"blocked_by,omitempty"`
	EpicID      string         `json:"epic_id,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CommentRecord is an immutable task comment.
type CommentRecord struct {
	CommentID string         `json:"comment_id"`
	TaskID    string         `json:"task_id"`
	Author    string         `json:"author"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// MessageRecord is a persisted chat message. Only Reactions changes after
// insert.
type MessageRecord struct {
	MessageID string              `json:"message_id"`
	Channel   string              `json:"channel"`
	Scope     string              `json:"scope"`
	From      string              `json:"from"`
	To        string              `json:"to,omitempty"`
	Content   string              `json:"content"`
	Reactions map[string][]string `json:"reactions,omitempty"`
	Metadata  map[string]any      `json:"metadata,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// ScheduledJobRecord tracks the last run of a supervised job.
type ScheduledJobRecord struct {
	ID         int64     `json:"id"`
	JobName    string    `json:"job_name"`
	LastStatus string    `json:"last_status"`
	LastRunAt  time.Time `json:"last_run_at"`
	RunCount   int       `json:"run_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const (
	JobStatusOK      = "ok"
	JobStatusFailed  = "failed"
	JobStatusSkipped = "skipped"
)

// Schema is applied on open. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT UNIQUE NOT NULL,
	title TEXT NOT NULL,
	description TEXT DEFAULT '',
	status TEXT NOT NULL DEFAULT 'todo',
	assignee TEXT DEFAULT '',
	created_by TEXT NOT NULL,
	priority TEXT DEFAULT '',
	blocked_by TEXT DEFAULT '[]',
	epic_id TEXT DEFAULT '',
	tags TEXT DEFAULT '[]',
	metadata TEXT DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS task_comments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	comment_id TEXT UNIQUE NOT NULL,
	task_id TEXT NOT NULL,
	author TEXT NOT NULL,
	body TEXT NOT NULL,
	metadata TEXT DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_comments_task ON task_comments(task_id, id);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT UNIQUE NOT NULL,
	channel TEXT NOT NULL,
	scope TEXT NOT NULL,
	sender TEXT NOT NULL,
	recipient TEXT DEFAULT '',
	content TEXT NOT NULL,
	reactions TEXT DEFAULT '',
	metadata TEXT DEFAULT '',
	timestamp INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel, id);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_name TEXT UNIQUE NOT NULL,
	last_status TEXT DEFAULT '',
	last_run_at DATETIME,
	run_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT,
	updated_at DATETIME
);
`
