// Package tasks owns the task board: task records, their lifecycle and the
// comments attached to them.
package tasks

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/crewlink/internal/errs"
	"github.com/KafClaw/crewlink/internal/lock"
	"github.com/KafClaw/crewlink/internal/timeline"
)

// Task is a unit of work on the board.
type Task struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      Status         `json:"status"`
	Assignee    string         `json:"assignee,omitempty"`
	CreatedBy   string         `json:"createdBy"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Priority    Priority       `json:"priority,omitempty"`
	BlockedBy   []string       `json:"blocked_by,omitempty"`
	EpicID      string         `json:"epic_id,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	c.BlockedBy = slices.Clone(t.BlockedBy)
	c.Tags = slices.Clone(t.Tags)
	c.Metadata = maps.Clone(t.Metadata)
	return &c
}

// Comment is an immutable note attached to a task.
type Comment struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"taskId"`
	Author    string         `json:"author"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// NewTask is the input of CreateTask. ID is generated when empty.
type NewTask struct {
	ID          string         `json:"id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Assignee    string         `json:"assignee,omitempty"`
	CreatedBy   string         `json:"createdBy"`
	Priority    string         `json:"priority,omitempty"`
	BlockedBy   []string       `json:"blocked_by,omitempty"`
	EpicID      string         `json:"epic_id,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Patch updates the mutable non-status fields of a task. Nil fields are left
// unchanged.
type Patch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Assignee    *string   `json:"assignee,omitempty"`
	Priority    *string   `json:"priority,omitempty"`
	BlockedBy   *[]string `json:"blocked_by,omitempty"`
	EpicID      *string   `json:"epic_id,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

// Filter narrows ListTasks. Zero fields match everything.
type Filter struct {
	Status   Status
	Assignee string
	EpicID   string
	Tag      string
}

func (f Filter) match(t *Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Assignee != "" && t.Assignee != f.Assignee {
		return false
	}
	if f.EpicID != "" && t.EpicID != f.EpicID {
		return false
	}
	if f.Tag != "" && !slices.Contains(t.Tags, f.Tag) {
		return false
	}
	return true
}

// Stats summarises the board.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"byStatus"`
}

// Persister is the durable backend of the store. *timeline.TimelineService
// satisfies it.
type Persister interface {
	UpsertTask(ctx context.Context, t *timeline.TaskRecord) error
	ListTasks(ctx context.Context) ([]timeline.TaskRecord, error)
	InsertComment(ctx context.Context, c *timeline.CommentRecord) error
	ListComments(ctx context.Context, taskID string) ([]timeline.CommentRecord, error)
}

// Store holds tasks in memory with optional write-through persistence.
// Mutations of one task are serialized by a per-task lock; the maps
// themselves are guarded by a short RWMutex section.
type Store struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	order    []string
	comments map[string][]Comment

	locks   *lock.MutexMap
	persist Persister
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPersister enables write-through persistence.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persist = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		tasks:    make(map[string]*Task),
		comments: make(map[string][]Comment),
		locks:    lock.NewMutexMap(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load replaces the in-memory board with the persisted one.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	records, err := s.persist.ListTasks(ctx)
	if err != nil {
		return errs.Transient("load tasks", err)
	}
	comments, err := s.persist.ListComments(ctx, "")
	if err != nil {
		return errs.Transient("load comments", err)
	}

	tasks := make(map[string]*Task, len(records))
	order := make([]string, 0, len(records))
	for i := range records {
		t, err := fromRecord(&records[i])
		if err != nil {
			slog.Warn("Skipping persisted task", "task_id", records[i].TaskID, "error", err)
			continue
		}
		tasks[t.ID] = t
		order = append(order, t.ID)
	}
	byTask := make(map[string][]Comment)
	for _, c := range comments {
		byTask[c.TaskID] = append(byTask[c.TaskID], Comment{
			ID:        c.CommentID,
			TaskID:    c.TaskID,
			Author:    c.Author,
			Body:      c.Body,
			Metadata:  c.Metadata,
			CreatedAt: c.CreatedAt,
		})
	}

	s.mu.Lock()
	s.tasks = tasks
	s.order = order
	s.comments = byTask
	s.mu.Unlock()
	slog.Info("Task store loaded", "tasks", len(tasks), "comments", len(comments))
	return nil
}

// CreateTask adds a task in status todo.
func (s *Store) CreateTask(ctx context.Context, in NewTask) (*Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, errs.Validation("task title is required")
	}
	createdBy := strings.TrimSpace(in.CreatedBy)
	if createdBy == "" {
		return nil, errs.Validation("task createdBy is required")
	}
	prio, err := ParsePriority(in.Priority)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = "task-" + uuid.NewString()
	}

	if err := s.locks.LockContext(ctx, id); err != nil {
		return nil, err
	}
	defer s.locks.Unlock(id)

	s.mu.RLock()
	_, exists := s.tasks[id]
	s.mu.RUnlock()
	if exists {
		return nil, errs.Validation("task %q already exists", id)
	}

	now := s.now()
	t := &Task{
		ID:          id,
		Title:       title,
		Description: in.Description,
		Status:      StatusTodo,
		Assignee:    strings.TrimSpace(in.Assignee),
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		Priority:    prio,
		BlockedBy:   cleanIDs(in.BlockedBy),
		EpicID:      strings.TrimSpace(in.EpicID),
		Tags:        cleanIDs(in.Tags),
		Metadata:    maps.Clone(in.Metadata),
	}
	if err := s.save(ctx, t); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.tasks[id] = t
	s.order = append(s.order, id)
	s.mu.Unlock()
	slog.Info("Task created", "task_id", id, "created_by", createdBy)
	return t.clone(), nil
}

// GetTask returns a copy of the task.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, errs.NotFound("task", id)
	}
	return t.clone(), nil
}

// ListTasks returns copies of matching tasks in creation order.
func (s *Store) ListTasks(ctx context.Context, f Filter) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.order))
	for _, id := range s.order {
		t := s.tasks[id]
		if f.match(t) {
			out = append(out, *t.clone())
		}
	}
	return out, nil
}

// UpdateTask applies p to the task.
func (s *Store) UpdateTask(ctx context.Context, id string, p Patch) (*Task, error) {
	var prio Priority
	if p.Priority != nil {
		var err error
		if prio, err = ParsePriority(*p.Priority); err != nil {
			return nil, err
		}
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return nil, errs.Validation("task title cannot be empty")
	}
	return s.mutate(ctx, id, func(t *Task) error {
		if p.Title != nil {
			t.Title = strings.TrimSpace(*p.Title)
		}
		if p.Description != nil {
			t.Description = *p.Description
		}
		if p.Assignee != nil {
			t.Assignee = strings.TrimSpace(*p.Assignee)
		}
		if p.Priority != nil {
			t.Priority = prio
		}
		if p.BlockedBy != nil {
			t.BlockedBy = cleanIDs(*p.BlockedBy)
		}
		if p.EpicID != nil {
			t.EpicID = strings.TrimSpace(*p.EpicID)
		}
		if p.Tags != nil {
			t.Tags = cleanIDs(*p.Tags)
		}
		return nil
	})
}

// Transition moves the task to status to. Illegal moves fail with
// ErrInvalidTransition and leave the task unchanged.
func (s *Store) Transition(ctx context.Context, id string, to Status, actor string) (*Task, error) {
	to, err := ParseStatus(string(to))
	if err != nil {
		return nil, err
	}
	var from Status
	t, err := s.mutate(ctx, id, func(t *Task) error {
		if err := ValidateTransition(t.Status, to); err != nil {
			return err
		}
		from = t.Status
		t.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Task transitioned", "task_id", id, "from", from, "to", to, "actor", actor)
	if to == StatusDoing && len(t.BlockedBy) > 0 {
		slog.Warn("Task entered doing with blockers", "task_id", id, "blocked_by", t.BlockedBy)
	}
	return t, nil
}

// AddTaskComment attaches a comment to taskID. It fails with ErrNotFound when
// the task does not exist.
func (s *Store) AddTaskComment(ctx context.Context, taskID, body, author string, metadata map[string]any) (*Comment, error) {
	if strings.TrimSpace(body) == "" {
		return nil, errs.Validation("comment body is required")
	}
	if strings.TrimSpace(author) == "" {
		return nil, errs.Validation("comment author is required")
	}
	if err := s.locks.LockContext(ctx, taskID); err != nil {
		return nil, err
	}
	defer s.locks.Unlock(taskID)

	s.mu.RLock()
	cur, ok := s.tasks[taskID]
	var next *Task
	if ok {
		next = cur.clone()
	}
	s.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("task", taskID)
	}

	now := s.now()
	c := Comment{
		ID:        "tcomment-" + uuid.NewString(),
		TaskID:    taskID,
		Author:    strings.TrimSpace(author),
		Body:      body,
		Metadata:  maps.Clone(metadata),
		CreatedAt: now,
	}
	next.UpdatedAt = s.advance(cur.UpdatedAt, now)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.persist != nil {
		if err := s.persist.InsertComment(ctx, &timeline.CommentRecord{
			CommentID: c.ID,
			TaskID:    c.TaskID,
			Author:    c.Author,
			Body:      c.Body,
			Metadata:  c.Metadata,
			CreatedAt: c.CreatedAt,
		}); err != nil {
			return nil, errs.Transient("insert comment", err)
		}
		if err := s.save(ctx, next); err != nil {
			slog.Warn("Task touch after comment not persisted", "task_id", taskID, "error", err)
		}
	}

	s.mu.Lock()
	s.comments[taskID] = append(s.comments[taskID], c)
	s.tasks[taskID] = next
	s.mu.Unlock()
	return &c, nil
}

// ListComments returns the comments of taskID in creation order.
func (s *Store) ListComments(ctx context.Context, taskID string) ([]Comment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tasks[taskID]; !ok {
		return nil, errs.NotFound("task", taskID)
	}
	return slices.Clone(s.comments[taskID]), nil
}

// Stats counts tasks per status. Every status is present in ByStatus.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Total: len(s.tasks), ByStatus: make(map[string]int, len(Statuses))}
	for _, status := range Statuses {
		st.ByStatus[string(status)] = 0
	}
	for _, t := range s.tasks {
		st.ByStatus[string(t.Status)]++
	}
	return st
}

// mutate runs fn on a copy of the task under its lock, stamps updatedAt,
// persists, and only then publishes the copy.
func (s *Store) mutate(ctx context.Context, id string, fn func(*Task) error) (*Task, error) {
	if err := s.locks.LockContext(ctx, id); err != nil {
		return nil, err
	}
	defer s.locks.Unlock(id)

	s.mu.RLock()
	cur, ok := s.tasks[id]
	var next *Task
	if ok {
		next = cur.clone()
	}
	s.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("task", id)
	}

	if err := fn(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.advance(cur.UpdatedAt, s.now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.save(ctx, next); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.tasks[id] = next
	s.mu.Unlock()
	return next.clone(), nil
}

// advance returns now, or prev+1ns when the clock has not moved past prev.
func (s *Store) advance(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Nanosecond)
}

func (s *Store) save(ctx context.Context, t *Task) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.UpsertTask(ctx, toRecord(t)); err != nil {
		return errs.Transient("persist task", err)
	}
	return nil
}

func toRecord(t *Task) *timeline.TaskRecord {
	return &timeline.TaskRecord{
		TaskID:      t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Assignee:    t.Assignee,
		CreatedBy:   t.CreatedBy,
		Priority:    string(t.Priority),
		BlockedBy:   t.BlockedBy,
		EpicID:      t.EpicID,
		Tags:        t.Tags,
		Metadata:    t.Metadata,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func fromRecord(r *timeline.TaskRecord) (*Task, error) {
	status, err := ParseStatus(r.Status)
	if err != nil {
		return nil, err
	}
	prio, err := ParsePriority(r.Priority)
	if err != nil {
		return nil, err
	}
	return &Task{
		ID:          r.TaskID,
		Title:       r.Title,
		Description: r.Description,
		Status:      status,
		Assignee:    r.Assignee,
		CreatedBy:   r.CreatedBy,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		Priority:    prio,
		BlockedBy:   r.BlockedBy,
		EpicID:      r.EpicID,
		Tags:        r.Tags,
		Metadata:    r.Metadata,
	}, nil
}

func cleanIDs(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
