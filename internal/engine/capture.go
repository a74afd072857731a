// Package engine produces world ticks and computes change-sets between them.
// Capture runs inside one store transaction so a tick is a single atomic
// view of its group; the captured-event publish happens only after commit.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"syncmesh.ai/internal/fanout"
	"syncmesh.ai/internal/store"
	"syncmesh.ai/internal/tuning"
)

type Engine struct {
	store *store.Store
	bus   fanout.Bus
	tune  tuning.Tuning
	log   *log.Logger

	now func() time.Time
}

func New(s *store.Store, bus fanout.Bus, tune tuning.Tuning, logger *log.Logger) *Engine {
	return &Engine{store: s, bus: bus, tune: tune, log: logger, now: time.Now}
}

// CaptureTick records one tick for the group: number previous+1 (starting
// at 1), a full row copy, and timing telemetry. On transient store errors
// it retries with bounded backoff; if all attempts fail nothing was
// recorded and the next cadence tick reuses the same number.
func (e *Engine) CaptureTick(ctx context.Context, group string) (store.Tick, error) {
	g, err := e.store.GetGroup(ctx, group)
	if errors.Is(err, store.ErrNotFound) {
		return store.Tick{}, &FatalError{Err: fmt.Errorf("group %q does not exist", group)}
	}
	if err != nil {
		return store.Tick{}, &TransientError{Err: err}
	}

	budget := e.tune.FrameBudget()
	if g.FrameBudgetMs > 0 {
		budget = time.Duration(g.FrameBudgetMs) * time.Millisecond
	}

	var tick store.Tick
	attempts := e.tune.Capture.MaxRetries
	backoff := time.Duration(e.tune.Capture.RetryBackoff) * time.Millisecond
	for attempt := 0; ; attempt++ {
		tick, err = e.captureOnce(ctx, group, budget)
		if err == nil {
			break
		}
		if IsFatal(err) || attempt+1 >= attempts {
			return store.Tick{}, err
		}
		e.log.Printf("capture %s attempt %d: %v", group, attempt+1, err)
		select {
		case <-ctx.Done():
			return store.Tick{}, &TransientError{Err: ctx.Err()}
		case <-time.After(backoff):
		}
	}

	// Publish strictly after commit so subscribers never hear about a tick
	// a concurrent failure rolled back.
	e.bus.Publish(fanout.TickCaptured{Group: tick.Group, TickID: tick.ID, TickNumber: tick.Number})

	if err := e.store.PruneTickHistory(ctx, group, e.tune.TickHistoryDepth); err != nil {
		e.log.Printf("prune %s: %v", group, err)
	}
	return tick, nil
}

func (e *Engine) captureOnce(ctx context.Context, group string, budget time.Duration) (store.Tick, error) {
	txCtx, cancel := context.WithTimeout(ctx, time.Duration(e.tune.Capture.TxTimeoutMs)*time.Millisecond)
	defer cancel()

	var tick store.Tick
	err := e.store.WithTx(txCtx, func(tx *sql.Tx) error {
		prev, err := store.LatestTickNumberTx(txCtx, tx, group)
		if err != nil {
			return err
		}
		tick = store.Tick{
			ID:        uuid.NewString(),
			Group:     group,
			Number:    prev + 1,
			StartTime: e.now(),
		}
		rows, err := store.CopyGroupRowsTx(txCtx, tx, tick.ID, group)
		if err != nil {
			return err
		}
		tick.EndTime = e.now()
		tick.RowsProcessed = rows
		dur := tick.EndTime.Sub(tick.StartTime)
		tick.DurationMs = dur.Milliseconds()
		// Advisory telemetry only: a delayed tick is still valid and stored.
		tick.Delayed = dur > budget
		if headroom := budget - dur; headroom > 0 {
			tick.HeadroomMs = headroom.Milliseconds()
		}
		return store.InsertTickTx(txCtx, tx, tick)
	})
	if err != nil {
		return store.Tick{}, &TransientError{Err: err}
	}
	return tick, nil
}
