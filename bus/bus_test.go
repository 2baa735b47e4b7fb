package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/claudebench/claudebench/store"
)

func testBus(t *testing.T) (*EventBus, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(store.Config{})
	pool := NewPool(1, 64)
	b := New(st, pool)
	t.Cleanup(func() {
		b.Close()
		pool.Close(context.Background())
		st.Close()
	})
	return b, st
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublishAssignsIDAndTimestamp(t *testing.T) {
	b, st := testBus(t)

	evt := &store.Event{Type: "task.created", Payload: []byte(`{"id":"t-1"}`)}
	if err := b.Publish(context.Background(), evt); err != nil {
		t.Fatal(err)
	}
	if evt.ID == "" || evt.Timestamp == 0 {
		t.Fatalf("event not stamped: %+v", evt)
	}

	// The durable stream holds it for replay.
	events, err := st.ReadStream(context.Background(), "task.created", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != evt.ID {
		t.Fatalf("stream = %+v", events)
	}
}

func TestPublishRequiresType(t *testing.T) {
	b, _ := testBus(t)
	if err := b.Publish(context.Background(), &store.Event{}); err == nil {
		t.Fatal("typeless event accepted")
	}
}

func TestSubscribePatternDelivery(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	var taskEvents, allEvents atomic.Int64
	if _, err := b.Subscribe(ctx, "task.*", func(ctx context.Context, evt store.Event) {
		taskEvents.Add(1)
	}); err != nil {
		t.Fatal(err)
	}
	if err := b.SubscribeEach(ctx, "system.registered", func(ctx context.Context, evt store.Event) {
		allEvents.Add(1)
	}); err != nil {
		t.Fatal(err)
	}

	b.PublishJSON(ctx, "task.created", map[string]string{"id": "t-1"})
	b.PublishJSON(ctx, "task.completed", map[string]string{"id": "t-1"})
	b.PublishJSON(ctx, "system.registered", map[string]string{"id": "i-1"})

	waitFor(t, func() bool { return taskEvents.Load() == 2 && allEvents.Load() == 1 })
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	var seen atomic.Int64
	unsub, err := b.Subscribe(ctx, "task.*", func(ctx context.Context, evt store.Event) {
		seen.Add(1)
	})
	if err != nil {
		t.Fatal(err)
	}

	b.PublishJSON(ctx, "task.created", nil)
	waitFor(t, func() bool { return seen.Load() == 1 })

	unsub()
	b.PublishJSON(ctx, "task.created", nil)
	time.Sleep(50 * time.Millisecond)
	if seen.Load() != 1 {
		t.Fatalf("delivery after unsubscribe: seen = %d", seen.Load())
	}
}

func TestSubscribeOnceDropsDuplicates(t *testing.T) {
	b, _ := testBus(t)
	ctx := context.Background()

	var sideEffects atomic.Int64
	if _, err := b.SubscribeOnce(ctx, "hook.*", func(ctx context.Context, evt store.Event) {
		sideEffects.Add(1)
	}); err != nil {
		t.Fatal(err)
	}

	// Same id published twice, as a retrying producer would.
	evt := store.Event{ID: "evt-dup-1", Type: "hook.post_tool.executed", Payload: []byte(`{}`)}
	first, second := evt, evt
	if err := b.Publish(ctx, &first); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, &second); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return sideEffects.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if sideEffects.Load() != 1 {
		t.Fatalf("side effects = %d, want 1", sideEffects.Load())
	}
}

func TestPoolSubmitRejectsWhenSaturated(t *testing.T) {
	p := NewPool(1, 1)
	defer p.Close(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	if !p.Submit(func() { close(started); <-release }) {
		t.Fatal("first submit rejected")
	}
	<-started

	if !p.Submit(func() {}) {
		t.Fatal("queue slot rejected")
	}
	if p.Submit(func() {}) {
		t.Fatal("saturated pool accepted a job")
	}
	close(release)
}

func TestPoolCloseDrains(t *testing.T) {
	p := NewPool(2, 16)

	var done atomic.Int64
	for i := 0; i < 8; i++ {
		if !p.Submit(func() {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
		}) {
			t.Fatalf("submit %d rejected", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if done.Load() != 8 {
		t.Fatalf("drained %d jobs, want 8", done.Load())
	}
	if p.Submit(func() {}) {
		t.Fatal("closed pool accepted a job")
	}
}
