// Package health assembles the system-health snapshot served on /health.
package health

import (
	"runtime"
	"time"

	"github.com/KafClaw/crewlink/internal/quiethours"
	"github.com/KafClaw/crewlink/internal/scheduler"
	"github.com/KafClaw/crewlink/internal/watchdog"
)

// TimerSource exposes timer liveness. *scheduler.Supervisor satisfies it.
type TimerSource interface {
	Timer(name string) (scheduler.TimerState, bool)
}

// SweeperSource exposes sweeper progress. *watchdog.SweepJob satisfies it.
type SweeperSource interface {
	Running() bool
	LastResult() (watchdog.SweepResult, bool)
}

// Snapshot is the health payload.
type Snapshot struct {
	Uptime     float64               `json:"uptime"`
	Memory     Memory                `json:"memory"`
	QuietHours QuietHours            `json:"quietHours"`
	Sweeper    SweeperState          `json:"sweeper"`
	Timers     map[string]TimerEntry `json:"timers"`
	Timestamp  time.Time             `json:"timestamp"`
}

// Memory is a subset of runtime.MemStats, in bytes.
type Memory struct {
	Alloc      uint64 `json:"alloc"`
	HeapInuse  uint64 `json:"heapInuse"`
	Sys        uint64 `json:"sys"`
	Goroutines int    `json:"goroutines"`
}

type QuietHours struct {
	Enabled       bool               `json:"enabled"`
	SuppressedNow bool               `json:"suppressedNow"`
	Window        *quiethours.Window `json:"window,omitempty"`
}

type SweeperState struct {
	Running    bool                  `json:"running"`
	LastResult *watchdog.SweepResult `json:"lastResult,omitempty"`
}

// TimerEntry always carries lastTickAt, null when the timer never ticked.
type TimerEntry struct {
	Registered bool       `json:"registered"`
	IntervalMs int64      `json:"intervalMs"`
	Running    bool       `json:"running"`
	LastTickAt *time.Time `json:"lastTickAt"`
}

// Reporter reads in-memory state only. Any source may be nil.
type Reporter struct {
	gate    *quiethours.Gate
	sweeper SweeperSource
	timers  TimerSource
	started time.Time
	now     func() time.Time
}

// NewReporter creates a Reporter whose uptime counts from now.
func NewReporter(gate *quiethours.Gate, sweeper SweeperSource, timers TimerSource) *Reporter {
	return &Reporter{
		gate:    gate,
		sweeper: sweeper,
		timers:  timers,
		started: time.Now(),
		now:     time.Now,
	}
}

// Snapshot never fails; absent subsystems report disabled, idle or
// unregistered.
func (r *Reporter) Snapshot() Snapshot {
	now := r.now()
	snap := Snapshot{
		Uptime:    now.Sub(r.started).Seconds(),
		Memory:    readMemory(),
		Timers:    make(map[string]TimerEntry, len(watchdog.Names)),
		Timestamp: now,
	}
	snap.QuietHours = QuietHours{
		Enabled:       r.gate.Enabled(),
		SuppressedNow: r.gate.SuppressedNow(),
	}
	if snap.QuietHours.Enabled {
		w := r.gate.Window()
		snap.QuietHours.Window = &w
	}
	if r.sweeper != nil {
		snap.Sweeper.Running = r.sweeper.Running()
		if last, ok := r.sweeper.LastResult(); ok {
			snap.Sweeper.LastResult = &last
		}
	}
	for _, name := range watchdog.Names {
		var entry TimerEntry
		if r.timers != nil {
			if st, ok := r.timers.Timer(name); ok {
				entry = TimerEntry{
					Registered: st.Registered,
					IntervalMs: st.IntervalMs,
					Running:    st.Running,
					LastTickAt: st.LastTickAt,
				}
			}
		}
		snap.Timers[name] = entry
	}
	return snap
}

func readMemory() Memory {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Memory{
		Alloc:      ms.Alloc,
		HeapInuse:  ms.HeapInuse,
		Sys:        ms.Sys,
		Goroutines: runtime.NumGoroutine(),
	}
}
