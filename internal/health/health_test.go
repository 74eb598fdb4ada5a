package health

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/KafClaw/crewlink/internal/quiethours"
	"github.com/KafClaw/crewlink/internal/scheduler"
	"github.com/KafClaw/crewlink/internal/watchdog"
)

func TestSnapshotWithNoSubsystems(t *testing.T) {
	var r Reporter
	r.now = time.Now
	snap := r.Snapshot()
	if snap.QuietHours.Enabled || snap.QuietHours.SuppressedNow || snap.Sweeper.Running {
		t.Fatalf("expected safe defaults, got %+v", snap)
	}
	if len(snap.Timers) != 5 {
		t.Fatalf("expected 5 timers, got %d", len(snap.Timers))
	}
	for name, entry := range snap.Timers {
		if entry.Registered || entry.LastTickAt != nil {
			t.Fatalf("%s: expected unregistered default, got %+v", name, entry)
		}
	}
}

func TestSnapshotJSONAlwaysCarriesLastTickAt(t *testing.T) {
	sup := scheduler.New(scheduler.Config{})
	_ = sup.Register(watchdog.IdleNudge, time.Hour, func(context.Context) error { return nil })
	_ = sup.Register(watchdog.Sweeper, time.Hour, func(context.Context) error { return nil })
	_ = sup.RunNow(context.Background(), watchdog.IdleNudge)

	r := NewReporter(nil, watchdog.NewSweepJob(nil, nil, 0), sup)
	data, err := json.Marshal(r.Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw struct {
		Timers map[string]map[string]any `json:"timers"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(raw.Timers) != 5 {
		t.Fatalf("expected exactly the five watchdog timers, got %v", raw.Timers)
	}
	if _, ok := raw.Timers[watchdog.Sweeper]; ok {
		t.Fatal("sweeper belongs under its own key, not in timers")
	}
	for _, name := range watchdog.Names {
		entry, ok := raw.Timers[name]
		if !ok {
			t.Fatalf("missing timer %s", name)
		}
		if _, ok := entry["registered"].(bool); !ok {
			t.Fatalf("%s: registered is not a bool: %v", name, entry)
		}
		v, present := entry["lastTickAt"]
		if !present {
			t.Fatalf("%s: lastTickAt key missing", name)
		}
		if name == watchdog.IdleNudge && v == nil {
			t.Fatal("idleNudge ticked but lastTickAt is null")
		}
		if name != watchdog.IdleNudge && v != nil {
			t.Fatalf("%s never ticked but lastTickAt = %v", name, v)
		}
	}
	if raw.Timers[watchdog.IdleNudge]["registered"] != true {
		t.Fatal("idleNudge should be registered")
	}
}

func TestSnapshotReportsQuietHours(t *testing.T) {
	at := time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)
	gate := quiethours.NewGate(quiethours.Window{Enabled: true, StartHour: 22, EndHour: 7}, func() time.Time { return at })
	snap := NewReporter(gate, nil, nil).Snapshot()
	if !snap.QuietHours.Enabled || !snap.QuietHours.SuppressedNow {
		t.Fatalf("unexpected quiet hours %+v", snap.QuietHours)
	}
	if w := snap.QuietHours.Window; w == nil || w.StartHour != 22 || w.EndHour != 7 {
		t.Fatalf("expected configured window, got %+v", w)
	}
	if snap.Memory.Goroutines <= 0 {
		t.Fatal("expected goroutine count")
	}
}

type trimmerFunc func(ctx context.Context, keep int) (int, error)

func (f trimmerFunc) Trim(ctx context.Context, keep int) (int, error) { return f(ctx, keep) }

func TestSnapshotReportsLastSweep(t *testing.T) {
	sweeper := watchdog.NewSweepJob(trimmerFunc(func(context.Context, int) (int, error) { return 4, nil }), nil, 10)
	r := NewReporter(nil, sweeper, nil)
	if r.Snapshot().Sweeper.LastResult != nil {
		t.Fatal("expected no sweep result before the first run")
	}
	if err := sweeper.Run(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	last := r.Snapshot().Sweeper.LastResult
	if last == nil || last.MessagesTrimmed != 4 {
		t.Fatalf("expected last sweep to report 4 trimmed, got %+v", last)
	}
	if r.Snapshot().QuietHours.Window != nil {
		t.Fatal("disabled quiet hours should omit the window")
	}
}
