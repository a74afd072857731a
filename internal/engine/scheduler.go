package engine

import (
	"context"
	"log"
	"sync"
	"time"
)

// Scheduler drives one capture loop per sync group. Groups are fully
// independent: a halted or slow group never blocks another's cadence.
type Scheduler struct {
	engine *Engine
	log    *log.Logger

	wg sync.WaitGroup
}

func NewScheduler(e *Engine, logger *log.Logger) *Scheduler {
	return &Scheduler{engine: e, log: logger}
}

// Start launches capture loops for the given groups and returns
// immediately. Wait blocks until ctx cancellation has wound them all down.
func (s *Scheduler) Start(ctx context.Context, groups []string) {
	for _, g := range groups {
		s.wg.Add(1)
		go func(group string) {
			defer s.wg.Done()
			s.runGroup(ctx, group)
		}(g)
	}
}

func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) runGroup(ctx context.Context, group string) {
	cadence := s.engine.tune.TickCadence()
	if g, err := s.engine.store.GetGroup(ctx, group); err == nil && g.CadenceMs > 0 {
		cadence = time.Duration(g.CadenceMs) * time.Millisecond
	}

	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick, err := s.engine.CaptureTick(ctx, group)
			if err != nil {
				if IsFatal(err) {
					// Operators get the report; the group's schedule halts,
					// everything else keeps ticking.
					s.log.Printf("capture halted for group %s: %v", group, err)
					return
				}
				s.log.Printf("capture %s skipped: %v", group, err)
				continue
			}
			if tick.Delayed {
				s.log.Printf("tick %d for %s delayed: took %dms", tick.Number, group, tick.DurationMs)
			}
		}
	}
}
