// Package fanout decouples tick capture from delivery: capture publishes
// TickCaptured events onto a Bus, subscribers (gateway connections) consume
// them. The bus must never block capture; slow subscribers lose the oldest
// queued event, and re-synchronize by diffing against the latest tick.
package fanout

import (
	"context"
	"sync"

	"syncmesh.ai/internal/store"
)

// TickCaptured is published after a capture transaction commits, never
// before.
type TickCaptured struct {
	Group      string
	TickID     string
	TickNumber uint64
}

// Bus is the publish/subscribe primitive between capture and delivery.
// Implementations must make Publish non-blocking.
type Bus interface {
	Publish(ev TickCaptured)
	Subscribe(buffer int) *Subscription
	Unsubscribe(sub *Subscription)
}

// Subscription receives every published event; consumers filter by group
// and re-check read permission per event.
type Subscription struct {
	C  chan TickCaptured
	id uint64
}

type MemoryBus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uint64]*Subscription)}
}

func (b *MemoryBus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{C: make(chan TickCaptured, buffer), id: b.nextID}
	b.subs[sub.id] = sub
	return sub
}

func (b *MemoryBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub.id)
}

func (b *MemoryBus) Publish(ev TickCaptured) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sendLatest(sub.C, ev)
	}
}

// sendLatest drops the oldest queued event when the subscriber is full, so
// a stalled connection never stalls capture.
func sendLatest(ch chan TickCaptured, ev TickCaptured) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// Tracker records, per session and group, the last tick number handed to the
// wire. Continuously-connected sessions observe a gapless sequence; the
// tracker is how the gateway notices (and refuses to deliver) regressions.
type Tracker struct {
	store *store.Store
}

func NewTracker(s *store.Store) *Tracker {
	return &Tracker{store: s}
}

func (t *Tracker) Record(ctx context.Context, sessionID, group string, tickNumber uint64) error {
	return t.store.RecordDelivery(ctx, sessionID, group, tickNumber)
}

func (t *Tracker) Last(ctx context.Context, sessionID, group string) (uint64, error) {
	return t.store.LastDelivered(ctx, sessionID, group)
}
