// Package scheduler supervises the named interval jobs (watchdogs and the
// sweeper) and keeps a liveness registry that the health snapshot reads.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/KafClaw/crewlink/internal/errs"
	"github.com/KafClaw/crewlink/internal/lock"
	"github.com/KafClaw/crewlink/internal/timeline"
)

// Job is one tick of a supervised timer. The context is not cancelled by
// StopAll, so an in-flight tick runs to completion, but it carries the
// TickTimeout deadline.
type Job func(ctx context.Context) error

// ErrSkipped may be returned by a job that decided not to act on this tick
// (for example during quiet hours). The tick is recorded as skipped.
var ErrSkipped = errors.New("tick skipped")

// Config holds supervisor settings.
type Config struct {
	// MaxConcurrent bounds how many ticks may execute at once across all timers.
	MaxConcurrent int
	// LockPath, when set, is flocked on Start so only one supervisor runs per
	// state dir.
	LockPath string
	// TickTimeout is the deadline of one tick. Zero means DefaultTickTimeout.
	TickTimeout time.Duration
}

// DefaultTickTimeout bounds a tick when Config.TickTimeout is unset.
const DefaultTickTimeout = time.Minute

// RunLogger persists the outcome of every tick. TimelineService satisfies it.
type RunLogger interface {
	UpsertScheduledJob(jobName, status string, runAt time.Time) error
}

// TimerState is the liveness view of one registered timer.
type TimerState struct {
	Name       string     `json:"name"`
	Registered bool       `json:"registered"`
	IntervalMs int64      `json:"intervalMs"`
	Running    bool       `json:"running"`
	LastTickAt *time.Time `json:"lastTickAt"`
}

type timer struct {
	name     string
	interval time.Duration
	job      Job
	running  bool
	lastTick time.Time
	seq      int
	stop     chan struct{}
}

// Supervisor owns one goroutine and ticker per registered timer.
type Supervisor struct {
	cfg    Config
	runLog RunLogger
	now    func() time.Time
	slots  chan struct{}
	flock  *lock.FileLock

	mu      sync.RWMutex
	timers  map[string]*timer
	nextSeq int
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRunLog records each tick in the scheduled_jobs table.
func WithRunLog(l RunLogger) Option {
	return func(s *Supervisor) { s.runLog = l }
}

// WithClock replaces time.Now for liveness timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// New creates a Supervisor. Nothing runs until Start.
func New(cfg Config, opts ...Option) *Supervisor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = DefaultTickTimeout
	}
	s := &Supervisor{
		cfg:    cfg,
		now:    time.Now,
		slots:  make(chan struct{}, cfg.MaxConcurrent),
		timers: make(map[string]*timer),
	}
	if cfg.LockPath != "" {
		s.flock = lock.NewFileLock(cfg.LockPath)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds or replaces the job for name. Re-registering resets its
// liveness; if the supervisor is running the new job gets a fresh ticker and
// the previous one stops after any in-flight tick.
func (s *Supervisor) Register(name string, interval time.Duration, job Job) error {
	if name == "" {
		return errs.Validation("timer name is required")
	}
	if interval <= 0 {
		return errs.Validation("timer %s: interval must be positive", name)
	}
	if job == nil {
		return errs.Validation("timer %s: job is required", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[name]; ok {
		close(old.stop)
	}
	s.nextSeq++
	t := &timer{
		name:     name,
		interval: interval,
		job:      job,
		seq:      s.nextSeq,
		stop:     make(chan struct{}),
	}
	s.timers[name] = t
	if s.started && !s.stopped {
		s.launch(t)
	}
	slog.Info("Timer registered", "name", name, "interval", interval)
	return nil
}

// Start launches every registered timer. Calling it again is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.stopped {
		return fmt.Errorf("supervisor already stopped")
	}
	if s.flock != nil {
		acquired, err := s.flock.TryLock()
		if err != nil {
			return fmt.Errorf("supervisor lock %s: %w", s.cfg.LockPath, err)
		}
		if !acquired {
			if pid, err := lock.Holder(s.flock.Path()); err == nil {
				return fmt.Errorf("supervisor lock %s is held by pid %d", s.cfg.LockPath, pid)
			}
			return fmt.Errorf("supervisor lock %s is held by another process", s.cfg.LockPath)
		}
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	for _, t := range s.timers {
		s.launch(t)
	}
	slog.Info("Timer supervisor started", "timers", len(s.timers), "max_concurrent", s.cfg.MaxConcurrent)
	return nil
}

// launch must be called with s.mu held.
func (s *Supervisor) launch(t *timer) {
	s.wg.Add(1)
	go s.loop(s.ctx, t)
}

func (s *Supervisor) loop(ctx context.Context, t *timer) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			s.tick(context.WithoutCancel(ctx), t)
		}
	}
}

// tick runs one invocation of t, bounded by the shared slot pool.
func (s *Supervisor) tick(ctx context.Context, t *timer) {
	now := s.now()
	select {
	case s.slots <- struct{}{}:
	default:
		s.mu.Lock()
		t.lastTick = now
		s.mu.Unlock()
		slog.Warn("Timer tick skipped: concurrency limit", "timer", t.name, "max_concurrent", s.cfg.MaxConcurrent)
		s.logRun(t.name, timeline.JobStatusSkipped, now)
		return
	}
	defer func() { <-s.slots }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()

	s.mu.Lock()
	t.running = true
	t.lastTick = now
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		t.running = false
		s.mu.Unlock()
	}()

	err := runContained(ctx, t.name, t.job)
	switch {
	case err == nil:
		s.logRun(t.name, timeline.JobStatusOK, now)
	case errors.Is(err, ErrSkipped):
		slog.Debug("Timer tick skipped by job", "timer", t.name)
		s.logRun(t.name, timeline.JobStatusSkipped, now)
	default:
		slog.Warn("Timer job failed", "timer", t.name, "error", err)
		s.logRun(t.name, timeline.JobStatusFailed, now)
	}
}

func runContained(ctx context.Context, name string, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Timer job panicked", "timer", name, "panic", r)
			err = fmt.Errorf("timer %s panicked: %v", name, r)
		}
	}()
	return job(ctx)
}

// RunNow executes one tick of name synchronously, outside its ticker.
func (s *Supervisor) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	t, ok := s.timers[name]
	s.mu.RUnlock()
	if !ok {
		return errs.NotFound("timer", name)
	}
	s.tick(ctx, t)
	return nil
}

// StopAll stops future ticks and waits for in-flight ticks to finish.
// It is safe to call more than once.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	if s.flock != nil {
		if err := s.flock.Unlock(); err != nil {
			slog.Warn("Supervisor lock release failed", "path", s.cfg.LockPath, "error", err)
		}
	}
	slog.Info("Timer supervisor stopped")
}

// Timer returns the liveness of name. ok is false when it was never registered.
func (s *Supervisor) Timer(name string) (TimerState, bool) {
	if s == nil {
		return TimerState{Name: name}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.timers[name]
	if !ok {
		return TimerState{Name: name}, false
	}
	return t.state(), true
}

// Snapshot returns the liveness of every registered timer in registration order.
func (s *Supervisor) Snapshot() []TimerState {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	ts := make([]*timer, 0, len(s.timers))
	for _, t := range s.timers {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].seq < ts[j].seq })
	out := make([]TimerState, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.state())
	}
	s.mu.RUnlock()
	return out
}

func (t *timer) state() TimerState {
	st := TimerState{
		Name:       t.name,
		Registered: true,
		IntervalMs: t.interval.Milliseconds(),
		Running:    t.running,
	}
	if !t.lastTick.IsZero() {
		ts := t.lastTick
		st.LastTickAt = &ts
	}
	return st
}

// logRun persists the run status to the scheduled_jobs table (best-effort).
func (s *Supervisor) logRun(name, status string, tick time.Time) {
	if s.runLog == nil {
		return
	}
	_ = s.runLog.UpsertScheduledJob(name, status, tick)
}
