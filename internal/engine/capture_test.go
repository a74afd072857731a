package engine

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"syncmesh.ai/internal/fanout"
	"syncmesh.ai/internal/store"
	"syncmesh.ai/internal/tuning"
)

func testEngine(t *testing.T) (*Engine, *store.Store, *fanout.MemoryBus) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "engine.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	bus := fanout.NewMemoryBus()
	tune := tuning.Defaults()
	e := New(s, bus, tune, log.New(io.Discard, "", 0))
	return e, s, bus
}

func TestCaptureTickNumbering(t *testing.T) {
	e, s, _ := testEngine(t)
	ctx := context.Background()

	if err := s.CreateGroup(ctx, store.SyncGroup{Name: "g1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertEntity(ctx, store.Entity{ID: "e1", Name: "a", Group: "g1"}); err != nil {
		t.Fatal(err)
	}

	t1, err := e.CaptureTick(ctx, "g1")
	if err != nil {
		t.Fatalf("capture 1: %v", err)
	}
	if t1.Number != 1 {
		t.Fatalf("first tick number = %d, want 1", t1.Number)
	}
	if t1.RowsProcessed != 1 {
		t.Fatalf("RowsProcessed = %d", t1.RowsProcessed)
	}

	t2, err := e.CaptureTick(ctx, "g1")
	if err != nil {
		t.Fatalf("capture 2: %v", err)
	}
	if t2.Number != 2 {
		t.Fatalf("second tick number = %d, want 2", t2.Number)
	}
	if t2.EndTime.Before(t2.StartTime) {
		t.Fatalf("end before start")
	}
}

func TestCaptureMissingGroupIsFatal(t *testing.T) {
	e, _, _ := testEngine(t)
	_, err := e.CaptureTick(context.Background(), "ghost")
	if err == nil || !IsFatal(err) {
		t.Fatalf("missing group err = %v, want fatal", err)
	}
	if IsTransient(err) {
		t.Fatalf("fatal error classified transient too")
	}
}

func TestCapturePublishesAfterCommit(t *testing.T) {
	e, s, bus := testEngine(t)
	ctx := context.Background()

	if err := s.CreateGroup(ctx, store.SyncGroup{Name: "g1"}); err != nil {
		t.Fatal(err)
	}
	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	tick, err := e.CaptureTick(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-sub.C:
		if ev.Group != "g1" || ev.TickID != tick.ID || ev.TickNumber != tick.Number {
			t.Fatalf("published event %+v does not match tick %+v", ev, tick)
		}
		// The tick the event names must already be committed and readable.
		if _, err := s.TickByNumber(ctx, "g1", ev.TickNumber); err != nil {
			t.Fatalf("event published for unreadable tick: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event published")
	}

	// A failed capture publishes nothing.
	if _, err := e.CaptureTick(ctx, "ghost"); err == nil {
		t.Fatal("expected error")
	}
	select {
	case ev := <-sub.C:
		t.Fatalf("failed capture published %+v", ev)
	default:
	}
}

func TestCaptureDelayedFlag(t *testing.T) {
	e, s, _ := testEngine(t)
	ctx := context.Background()

	// A generous per-group budget yields headroom and no delay.
	if err := s.CreateGroup(ctx, store.SyncGroup{Name: "fast", FrameBudgetMs: 10_000}); err != nil {
		t.Fatal(err)
	}
	tick, err := e.CaptureTick(ctx, "fast")
	if err != nil {
		t.Fatal(err)
	}
	if tick.Delayed {
		t.Fatalf("tick flagged delayed under a 10s budget")
	}
	if tick.HeadroomMs <= 0 {
		t.Fatalf("HeadroomMs = %d, want positive", tick.HeadroomMs)
	}

	// Freeze the clock so the copy appears to take 50ms against a 1ms budget.
	if err := s.CreateGroup(ctx, store.SyncGroup{Name: "slow", FrameBudgetMs: 1}); err != nil {
		t.Fatal(err)
	}
	base := time.Now()
	calls := 0
	e.now = func() time.Time {
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(50 * time.Millisecond)
	}
	tick, err = e.CaptureTick(ctx, "slow")
	if err != nil {
		t.Fatal(err)
	}
	if !tick.Delayed {
		t.Fatalf("tick not flagged delayed")
	}
	if tick.HeadroomMs != 0 {
		t.Fatalf("delayed tick headroom = %d, want floored at 0", tick.HeadroomMs)
	}
	if tick.DurationMs != 50 {
		t.Fatalf("DurationMs = %d", tick.DurationMs)
	}
	// Delayed is advisory: the tick is stored and numbered normally.
	if _, err := s.TickByNumber(ctx, "slow", tick.Number); err != nil {
		t.Fatalf("delayed tick not stored: %v", err)
	}
}
