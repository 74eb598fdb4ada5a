package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by NewTimelineServiceWithDriver.
const (
	DriverModernc = "sqlite"
	DriverCgo     = "sqlite3"
)

type TimelineService struct {
	db     *sql.DB
	driver string
}

// NewTimelineService opens dbPath with the pure-Go driver.
func NewTimelineService(dbPath string) (*TimelineService, error) {
	return NewTimelineServiceWithDriver(DriverModernc, dbPath)
}

// NewTimelineServiceWithDriver opens dbPath with driver ("sqlite" or "sqlite3")
// and applies the schema.
func NewTimelineServiceWithDriver(driver, dbPath string) (*TimelineService, error) {
	var dsn string
	switch driver {
	case DriverModernc:
		dsn = "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	case DriverCgo:
		dsn = "file:" + dbPath + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000"
	default:
		return nil, fmt.Errorf("unsupported timeline driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &TimelineService{db: db, driver: driver}, nil
}

// DB returns the underlying *sql.DB for shared access.
func (s *TimelineService) DB() *sql.DB { return s.db }

// Driver returns the database/sql driver name in use.
func (s *TimelineService) Driver() string { return s.driver }

func (s *TimelineService) Close() error {
	return s.db.Close()
}

// --- Settings ---

// GetSetting returns a setting value by key.
func (s *TimelineService) GetSetting(key string) (string, error) {
	var val string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	if err != nil {
		return "", err
	}
	return val, nil
}

// SetSetting persists a setting value.
func (s *TimelineService) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	return err
}

// --- Tasks ---

// UpsertTask inserts the task or replaces every mutable column of an
// existing row with the same task_id.
func (s *TimelineService) UpsertTask(ctx context.Context, t *TaskRecord) error {
	blockedBy, tags, meta, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO tasks (task_id, title, description, status, assignee, created_by, priority, blocked_by, epic_id, tags, metadata, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(task_id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,
		status = excluded.status,
		assignee = excluded.assignee,
		priority = excluded.priority,
		blocked_by = excluded.blocked_by,
		epic_id = excluded.epic_id,
		tags = excluded.tags,
		metadata = excluded.metadata,
		updated_at = excluded.updated_at`,
		t.TaskID, t.Title, t.Description, t.Status, t.Assignee, t.CreatedBy, t.Priority,
		blockedBy, t.EpicID, tags, meta, t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// GetTask returns a task by task_id, or (nil, nil) when absent.
func (s *TimelineService) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+` WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	out, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// ListTasks returns all tasks in creation order.
func (s *TimelineService) ListTasks(ctx context.Context) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+` ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return scanTasks(rows)
}

const taskSelect = `SELECT task_id, title, COALESCE(description,''), status, COALESCE(assignee,''),
	created_by, COALESCE(priority,''), COALESCE(blocked_by,''), COALESCE(epic_id,''),
	COALESCE(tags,''), COALESCE(metadata,''), created_at, updated_at
	FROM tasks`

func scanTasks(rows *sql.Rows) ([]TaskRecord, error) {
	defer rows.Close()
	var out []TaskRecord
	for rows.Next() {
		var t TaskRecord
		var blockedBy, tags, meta string
		var createdAt, updatedAt int64
		if err := rows.Scan(&t.TaskID, &t.Title, &t.Description, &t.Status, &t.Assignee,
			&t.CreatedBy, &t.Priority, &blockedBy, &t.EpicID,
			&tags, &meta, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		decodeJSON(blockedBy, &t.BlockedBy)
		decodeJSON(tags, &t.Tags)
		decodeJSON(meta, &t.Metadata)
		t.CreatedAt = time.Unix(0, createdAt)
		t.UpdatedAt = time.Unix(0, updatedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

func encodeTaskJSON(t *TaskRecord) (blockedBy, tags, meta string, err error) {
	if blockedBy, err = encodeJSON(t.BlockedBy); err != nil {
		return
	}
	if tags, err = encodeJSON(t.Tags); err != nil {
		return
	}
	meta, err = encodeJSON(t.Metadata)
	return
}

// --- Task comments ---

// InsertComment persists an immutable task comment.
func (s *TimelineService) InsertComment(ctx context.Context, c *CommentRecord) error {
	meta, err := encodeJSON(c.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO task_comments (comment_id, task_id, author, body, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.CommentID, c.TaskID, c.Author, c.Body, meta, c.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

// ListComments returns the comments of taskID in insertion order. An empty
// taskID lists every comment.
func (s *TimelineService) ListComments(ctx context.Context, taskID string) ([]CommentRecord, error) {
	query := `SELECT comment_id, task_id, author, body, COALESCE(metadata,''), created_at FROM task_comments`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var out []CommentRecord
	for rows.Next() {
		var c CommentRecord
		var meta string
		var createdAt int64
		if err := rows.Scan(&c.CommentID, &c.TaskID, &c.Author, &c.Body, &meta, &createdAt); err != nil {
			return nil, err
		}
		decodeJSON(meta, &c.Metadata)
		c.CreatedAt = time.Unix(0, createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Messages ---

// InsertMessage persists a chat message.
func (s *TimelineService) InsertMessage(ctx context.Context, m *MessageRecord) error {
	reactions, err := encodeJSON(m.Reactions)
	if err != nil {
		return err
	}
	meta, err := encodeJSON(m.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO messages (message_id, channel, scope, sender, recipient, content, reactions, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.Channel, m.Scope, m.From, m.To, m.Content, reactions, meta, m.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// DeleteMessage removes one message. Deleting an unknown id is not an error.
func (s *TimelineService) DeleteMessage(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// UpdateReactions replaces the reaction set of a message.
func (s *TimelineService) UpdateReactions(ctx context.Context, messageID string, reactions map[string][]string) error {
	enc, err := encodeJSON(reactions)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET reactions = ? WHERE message_id = ?`, enc, messageID)
	if err != nil {
		return fmt.Errorf("update reactions: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message not found: %s", messageID)
	}
	return nil
}

// ListMessages returns the newest limit messages of channel in insertion
// order. An empty channel lists all channels; limit <= 0 means no limit.
func (s *TimelineService) ListMessages(ctx context.Context, channel string, limit int) ([]MessageRecord, error) {
	query := `SELECT message_id, channel, scope, sender, COALESCE(recipient,''), content,
		COALESCE(reactions,''), COALESCE(metadata,''), timestamp FROM messages`
	var args []any
	if channel != "" {
		query += ` WHERE channel = ?`
		args = append(args, channel)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var m MessageRecord
		var reactions, meta string
		var ts int64
		if err := rows.Scan(&m.MessageID, &m.Channel, &m.Scope, &m.From, &m.To, &m.Content,
			&reactions, &meta, &ts); err != nil {
			return nil, err
		}
		decodeJSON(reactions, &m.Reactions)
		decodeJSON(meta, &m.Metadata)
		m.Timestamp = time.Unix(0, ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// TrimChannel deletes all but the newest keep messages of channel and
// returns the number of rows removed.
func (s *TimelineService) TrimChannel(ctx context.Context, channel string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE channel = ? AND id NOT IN (
		SELECT id FROM messages WHERE channel = ? ORDER BY id DESC LIMIT ?)`, channel, channel, keep)
	if err != nil {
		return 0, fmt.Errorf("trim channel: %w", err)
	}
	return res.RowsAffected()
}

// --- Scheduled Jobs ---

// UpsertScheduledJob inserts or updates a scheduled job run record.
func (s *TimelineService) UpsertScheduledJob(jobName, status string, runAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO scheduled_jobs (job_name, last_status, last_run_at, run_count, updated_at)
		VALUES (?, ?, ?, 1, datetime('now'))
		ON CONFLICT(job_name) DO UPDATE SET
			last_status = excluded.last_status,
			last_run_at = excluded.last_run_at,
			run_count = scheduled_jobs.run_count + 1,
			updated_at = datetime('now')`,
		jobName, status, runAt.UTC())
	return err
}

// GetScheduledJob returns a scheduled job record by name.
func (s *TimelineService) GetScheduledJob(jobName string) (*ScheduledJobRecord, error) {
	var r ScheduledJobRecord
	var lastRunAt sql.NullTime
	err := s.db.QueryRow(`SELECT id, job_name, COALESCE(last_status,''), last_run_at,
		run_count, created_at, updated_at
		FROM scheduled_jobs WHERE job_name = ?`, jobName).
		Scan(&r.ID, &r.JobName, &r.LastStatus, &lastRunAt,
			&r.RunCount, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastRunAt.Valid {
		r.LastRunAt = lastRunAt.Time
	}
	return &r, nil
}

// ListScheduledJobs returns all scheduled job records.
func (s *TimelineService) ListScheduledJobs() ([]ScheduledJobRecord, error) {
	rows, err := s.db.Query(`SELECT id, job_name, COALESCE(last_status,''), last_run_at,
		run_count, created_at, updated_at
		FROM scheduled_jobs ORDER BY job_name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledJobRecord
	for rows.Next() {
		var r ScheduledJobRecord
		var lastRunAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.JobName, &r.LastStatus, &lastRunAt,
			&r.RunCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if lastRunAt.Valid {
			r.LastRunAt = lastRunAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func encodeJSON(v any) (string, error) {
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return "", nil
		}
	case map[string]any:
		if len(t) == 0 {
			return "", nil
		}
	case map[string][]string:
		if len(t) == 0 {
			return "", nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

// decodeJSON leaves dst untouched for empty or malformed input.
func decodeJSON(s string, dst any) {
	if s == "" || s == "[]" {
		return
	}
	_ = json.Unmarshal([]byte(s), dst)
}
