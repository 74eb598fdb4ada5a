// Package watchdog holds the supervised background jobs that keep the agent
// loop moving: idle nudges, cadence checks, mention rescue, reflection
// prompts, board health reports and the sweeper.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/KafClaw/crewlink/internal/chat"
	"github.com/KafClaw/crewlink/internal/config"
	"github.com/KafClaw/crewlink/internal/quiethours"
	"github.com/KafClaw/crewlink/internal/router"
	"github.com/KafClaw/crewlink/internal/scheduler"
	"github.com/KafClaw/crewlink/internal/tasks"
)

// Timer names. The health snapshot reports exactly these five plus the sweeper.
const (
	IdleNudge          = "idleNudge"
	CadenceWatchdog    = "cadenceWatchdog"
	MentionRescue      = "mentionRescue"
	ReflectionPipeline = "reflectionPipeline"
	BoardHealthWorker  = "boardHealthWorker"
	Sweeper            = "sweeper"
)

// Names lists the five watchdog timers in registration order.
var Names = []string{IdleNudge, CadenceWatchdog, MentionRescue, ReflectionPipeline, BoardHealthWorker}

// Poster routes a proactive message. *router.Router satisfies it.
type Poster interface {
	Route(ctx context.Context, in router.Input) (router.Outcome, error)
}

// ChatView is the part of the chat store the jobs read.
type ChatView interface {
	Get(messageID string) (*chat.Message, bool)
	Inbox(agent string) []chat.Message
	InboxAgents() []string
	LastActivity() time.Time
	LastSeen(agent string) (time.Time, bool)
}

// Board is the part of the task store the jobs read.
type Board interface {
	ListTasks(ctx context.Context, f tasks.Filter) ([]tasks.Task, error)
}

// Settings persists the reflection cursor across restarts.
// *timeline.TimelineService satisfies it.
type Settings interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

const reflectionCursorKey = "watchdog.reflection.cursor"

// Watchdogs carries the bookkeeping shared by the jobs.
type Watchdogs struct {
	cfg      config.WatchdogConfig
	poster   Poster
	chat     ChatView
	board    Board
	gate     *quiethours.Gate
	settings Settings
	now      func() time.Time
	started  time.Time
	sendWait time.Duration

	mu              sync.Mutex
	nudged          map[string]time.Time
	cadenceNoticeAt time.Time
	rescued         map[string]time.Time
	reflected       map[string]bool
	cursor          time.Time
	cursorLoaded    bool
	boardReport     string
}

// Option configures Watchdogs.
type Option func(*Watchdogs)

// WithSettings persists the reflection cursor.
func WithSettings(s Settings) Option { return func(w *Watchdogs) { w.settings = s } }

// WithSendTimeout bounds every proactive post. The default is the router's
// default send timeout.
func WithSendTimeout(d time.Duration) Option {
	return func(w *Watchdogs) {
		if d > 0 {
			w.sendWait = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(w *Watchdogs) { w.now = now } }

// New wires the jobs to their collaborators. gate may be nil (never quiet).
func New(cfg config.WatchdogConfig, poster Poster, cv ChatView, board Board, gate *quiethours.Gate, opts ...Option) *Watchdogs {
	def := config.DefaultConfig().Watchdog
	if cfg.Agent == "" {
		cfg.Agent = def.Agent
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}
	if cfg.CadenceWindow <= 0 {
		cfg.CadenceWindow = def.CadenceWindow
	}
	if cfg.RescueAfter <= 0 {
		cfg.RescueAfter = def.RescueAfter
	}
	w := &Watchdogs{
		cfg:       cfg,
		poster:    poster,
		chat:      cv,
		board:     board,
		gate:      gate,
		now:       time.Now,
		sendWait:  config.DefaultConfig().Router.SendTimeout,
		nudged:    make(map[string]time.Time),
		rescued:   make(map[string]time.Time),
		reflected: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.started = w.now()
	return w
}

type registration struct {
	name     string
	interval time.Duration
	fallback time.Duration
	job      scheduler.Job
}

// Register adds the five watchdogs and sw to sup. A zero interval uses the
// default and a negative one leaves the timer unregistered.
func (w *Watchdogs) Register(sup *scheduler.Supervisor, timers config.TimersConfig, sw *SweepJob) error {
	def := config.DefaultConfig().Timers
	regs := []registration{
		{IdleNudge, timers.IdleNudge, def.IdleNudge, w.IdleNudge},
		{CadenceWatchdog, timers.CadenceWatchdog, def.CadenceWatchdog, w.CadenceWatchdog},
		{MentionRescue, timers.MentionRescue, def.MentionRescue, w.MentionRescue},
		{ReflectionPipeline, timers.ReflectionPipeline, def.ReflectionPipeline, w.ReflectionPipeline},
		{BoardHealthWorker, timers.BoardHealthWorker, def.BoardHealthWorker, w.BoardHealthWorker},
	}
	if sw != nil {
		regs = append(regs, registration{Sweeper, timers.Sweeper, def.Sweeper, sw.Run})
	}
	for _, r := range regs {
		interval := r.interval
		if interval == 0 {
			interval = r.fallback
		}
		if interval < 0 {
			slog.Info("Timer disabled", "name", r.name)
			continue
		}
		if err := sup.Register(r.name, interval, r.job); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watchdogs) suppressed(job string) bool {
	if w.gate.SuppressedNow() {
		slog.Debug("Watchdog quiet", "timer", job)
		return true
	}
	return false
}

func (w *Watchdogs) post(ctx context.Context, in router.Input) error {
	_, err := w.route(ctx, in)
	return err
}

// route sends as the watchdog agent within sendWait, so a stalled bus or
// store fails the tick instead of holding it open.
func (w *Watchdogs) route(ctx context.Context, in router.Input) (router.Outcome, error) {
	in.From = w.cfg.Agent
	ctx, cancel := context.WithTimeout(ctx, w.sendWait)
	defer cancel()
	return w.poster.Route(ctx, in)
}

// Prune drops bookkeeping that can no longer matter: rescue markers for
// messages that were trimmed away and nudge cooldowns that have expired.
// It returns the number of entries removed.
func (w *Watchdogs) Prune() int {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	removed := 0
	for key := range w.rescued {
		if _, ok := w.chat.Get(messageIDOf(key)); !ok {
			delete(w.rescued, key)
			removed++
		}
	}
	for agent, at := range w.nudged {
		if now.Sub(at) >= w.cfg.IdleAfter {
			delete(w.nudged, agent)
			removed++
		}
	}
	return removed
}
