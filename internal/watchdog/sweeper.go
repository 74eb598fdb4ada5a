package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Trimmer caps chat history. *chat.Store satisfies it.
type Trimmer interface {
	Trim(ctx context.Context, keep int) (int, error)
}

// Pruner drops stale bookkeeping. *Watchdogs satisfies it.
type Pruner interface {
	Prune() int
}

// SweepResult summarises the last completed sweep.
type SweepResult struct {
	At              time.Time `json:"at"`
	MessagesTrimmed int       `json:"messagesTrimmed"`
	EntriesPruned   int       `json:"entriesPruned"`
	Error           string    `json:"error,omitempty"`
}

// SweepJob trims each chat room to the retention limit and prunes watchdog
// bookkeeping. It runs under the supervisor as "sweeper".
type SweepJob struct {
	chat    Trimmer
	pruner  Pruner
	retain  int
	now     func() time.Time
	running atomic.Bool

	mu   sync.RWMutex
	last *SweepResult
}

// NewSweepJob creates the sweeper. retain <= 0 disables trimming; pruner may
// be nil.
func NewSweepJob(chat Trimmer, pruner Pruner, retain int) *SweepJob {
	return &SweepJob{chat: chat, pruner: pruner, retain: retain, now: time.Now}
}

// Running reports whether a sweep is executing right now. A nil sweeper is
// never running.
func (s *SweepJob) Running() bool {
	return s != nil && s.running.Load()
}

// LastResult returns the outcome of the most recent sweep, if any.
func (s *SweepJob) LastResult() (SweepResult, bool) {
	if s == nil {
		return SweepResult{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return SweepResult{}, false
	}
	return *s.last, true
}

// Run performs one sweep.
func (s *SweepJob) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)

	res := SweepResult{At: s.now()}
	var err error
	if s.chat != nil {
		res.MessagesTrimmed, err = s.chat.Trim(ctx, s.retain)
		if err != nil {
			res.Error = err.Error()
		}
	}
	if s.pruner != nil {
		res.EntriesPruned = s.pruner.Prune()
	}

	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()

	if res.MessagesTrimmed > 0 || res.EntriesPruned > 0 {
		slog.Info("Sweep completed", "messages_trimmed", res.MessagesTrimmed, "entries_pruned", res.EntriesPruned)
	}
	return err
}
