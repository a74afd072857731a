package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	data := `
protocol_version: "1.0"
tick_cadence_ms: 100
frame_budget_ms: 80
tick_history_depth: 8
heartbeat:
  interval_ms: 1000
  consecutive_warnings: 2
sessions:
  ttl_minutes: 15
  max_per_agent_default: 2
  max_per_agent:
    interactive: 1
    system: 8
`
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	tune, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tune.TickCadence() != 100*time.Millisecond {
		t.Fatalf("TickCadence = %v", tune.TickCadence())
	}
	if tune.FrameBudget() != 80*time.Millisecond {
		t.Fatalf("FrameBudget = %v", tune.FrameBudget())
	}
	if tune.Heartbeat.ConsecutiveWarnings != 2 {
		t.Fatalf("ConsecutiveWarnings = %d", tune.Heartbeat.ConsecutiveWarnings)
	}
	if got := tune.MaxSessions("interactive"); got != 1 {
		t.Fatalf("MaxSessions(interactive) = %d, want 1", got)
	}
	if got := tune.MaxSessions("anonymous"); got != 2 {
		t.Fatalf("MaxSessions(anonymous) = %d, want default 2", got)
	}
	if tune.SessionTTL() != 15*time.Minute {
		t.Fatalf("SessionTTL = %v", tune.SessionTTL())
	}
}

func TestLoadBudgetExceedsCadence(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	data := "tick_cadence_ms: 100\nframe_budget_ms: 200\n"
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(p); err == nil {
		t.Fatalf("expected budget > cadence to be rejected")
	}
}

func TestLoadClampsHistoryDepth(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	data := "tick_history_depth: 1\n"
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	tune, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// The previous tick's rows must survive pruning for the next diff.
	if tune.TickHistoryDepth < 2 {
		t.Fatalf("TickHistoryDepth = %d, want at least 2", tune.TickHistoryDepth)
	}
}

func TestDefaults(t *testing.T) {
	d := Defaults()
	if d.TickCadenceMs <= 0 || d.Heartbeat.IntervalMs <= 0 || d.Sessions.MaxPerAgentDefault <= 0 {
		t.Fatalf("Defaults incomplete: %+v", d)
	}
	if d.FrameBudgetMs > d.TickCadenceMs {
		t.Fatalf("default frame budget exceeds cadence")
	}
}
