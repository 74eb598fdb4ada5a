// Package quiethours decides whether proactive notifications are suppressed
// at the current time.
package quiethours

import (
	"time"

	"github.com/KafClaw/crewlink/internal/config"
)

// Window is the configured quiet period. StartHour and EndHour are local
// hours in [0, 23] at TimezoneOffset hours from UTC. The window covers
// [StartHour, EndHour) and wraps midnight when StartHour > EndHour.
type Window struct {
	Enabled        bool    `json:"enabled"`
	StartHour      int     `json:"startHour"`
	EndHour        int     `json:"endHour"`
	TimezoneOffset float64 `json:"timezoneOffset"`
}

// FromConfig converts the config group into a Window.
func FromConfig(c config.QuietHoursConfig) Window {
	return Window{
		Enabled:        c.Enabled,
		StartHour:      c.StartHour,
		EndHour:        c.EndHour,
		TimezoneOffset: c.TimezoneOffset,
	}
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Enabled || w.StartHour == w.EndHour {
		return false
	}
	offset := time.Duration(w.TimezoneOffset * float64(time.Hour))
	local := t.UTC().Add(offset)
	// Minutes since local midnight, so fractional offsets land correctly.
	minute := local.Hour()*60 + local.Minute()
	start, end := w.StartHour*60, w.EndHour*60
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// Gate is the read-only predicate consulted by watchdogs.
type Gate struct {
	window Window
	now    func() time.Time
}

// NewGate returns a gate over w. now defaults to time.Now.
func NewGate(w Window, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{window: w, now: now}
}

// Enabled reports whether quiet hours are configured at all. A nil gate is
// disabled.
func (g *Gate) Enabled() bool {
	return g != nil && g.window.Enabled
}

// SuppressedNow reports whether the current time is inside the window.
func (g *Gate) SuppressedNow() bool {
	if g == nil {
		return false
	}
	return g.window.Contains(g.now())
}

// Window returns the configured window.
func (g *Gate) Window() Window {
	if g == nil {
		return Window{}
	}
	return g.window
}
