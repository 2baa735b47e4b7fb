package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claudebench/claudebench/store"
)

// EventBus pairs the durable per-type streams with pub/sub fan-out. Every
// publish lands in both places; subscribers get real-time delivery and can
// replay from the stream when they need order or history.
type EventBus struct {
	store store.EventStore
	pool  *Pool

	mu     sync.Mutex
	unsubs []func()
	closed bool
}

func New(st store.EventStore, pool *Pool) *EventBus {
	return &EventBus{store: st, pool: pool}
}

// NewEventID returns an id unique enough for the 24h dedup window.
func NewEventID() string {
	return fmt.Sprintf("evt-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Publish assigns id and timestamp if absent, then appends and fans out.
func (b *EventBus) Publish(ctx context.Context, evt *store.Event) error {
	if evt.Type == "" {
		return fmt.Errorf("publish: event type required")
	}
	if evt.ID == "" {
		evt.ID = NewEventID()
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}
	return b.store.AppendEvent(ctx, evt)
}

// PublishJSON is a convenience for handlers that build payloads as values.
func (b *EventBus) PublishJSON(ctx context.Context, eventType string, payload interface{}) error {
	doc, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return b.Publish(ctx, &store.Event{Type: eventType, Payload: doc})
}

// Subscribe binds fn to an exact type or "prefix.*" pattern and returns the
// teardown function. The dispatch goroutine hands each event to the worker
// pool; a saturated pool drops the event (the stream still holds it for
// replay).
func (b *EventBus) Subscribe(ctx context.Context, pattern string, fn func(context.Context, store.Event)) (func(), error) {
	unsub, err := b.store.SubscribeEvents(ctx, pattern, func(evt store.Event) {
		if !b.pool.Submit(func() { fn(ctx, evt) }) {
			log.Printf("bus: pool saturated, dropping %s (%s)", evt.Type, evt.ID)
		}
	})
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		unsub()
		return nil, fmt.Errorf("subscribe %s: bus closed", pattern)
	}
	b.unsubs = append(b.unsubs, unsub)
	b.mu.Unlock()
	return unsub, nil
}

// SubscribeOnce wraps fn with the exactly-once gate: duplicate ids within the
// dedup window are counted and skipped before fn runs.
func (b *EventBus) SubscribeOnce(ctx context.Context, pattern string, fn func(context.Context, store.Event)) (func(), error) {
	return b.Subscribe(ctx, pattern, func(ctx context.Context, evt store.Event) {
		dup, err := b.store.IsDuplicateEvent(ctx, evt.ID)
		if err != nil {
			log.Printf("bus: dedup check for %s failed: %v", evt.ID, err)
			return
		}
		if dup {
			return
		}
		fn(ctx, evt)
	})
}

// SubscribeEach is Subscribe for callers that do not need teardown before
// bus close.
func (b *EventBus) SubscribeEach(ctx context.Context, pattern string, fn func(context.Context, store.Event)) error {
	_, err := b.Subscribe(ctx, pattern, fn)
	return err
}

// AddToPartition appends to the ordered per-partition list.
func (b *EventBus) AddToPartition(ctx context.Context, partitionID string, evt store.Event) error {
	if strings.TrimSpace(partitionID) == "" {
		return fmt.Errorf("partition id required")
	}
	return b.store.AddToPartition(ctx, partitionID, evt)
}

// Close tears down every subscription. The pool is owned by the caller.
func (b *EventBus) Close() {
	b.mu.Lock()
	unsubs := b.unsubs
	b.unsubs = nil
	b.closed = true
	b.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}
