package session

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/claudebench/claudebench/bus"
	"github.com/claudebench/claudebench/runtime"
	"github.com/claudebench/claudebench/store"
)

func testProcessor(t *testing.T, snapshotEveryN int) (*Processor, *bus.EventBus, *store.MemoryStore) {
	t.Helper()
	cfg := store.Config{SnapshotEveryN: snapshotEveryN}.Normalize()
	st := store.NewMemoryStore(cfg)
	// One worker keeps delivery order deterministic.
	pool := bus.NewPool(1, 64)
	b := bus.New(st, pool)
	t.Cleanup(func() {
		b.Close()
		pool.Close(context.Background())
		st.Close()
	})
	p := &Processor{Store: st, Bus: b, Cfg: cfg}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return p, b, st
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

func publishHook(t *testing.T, b *bus.EventBus, eventType string, payload map[string]interface{}) {
	t.Helper()
	if err := b.PublishJSON(context.Background(), eventType, payload); err != nil {
		t.Fatal(err)
	}
}

func TestFoldCountersAndContext(t *testing.T) {
	_, b, st := testProcessor(t, 100)
	ctx := context.Background()

	publishHook(t, b, "hook.user_prompt.executed", map[string]interface{}{
		"sessionId": "s1", "prompt": "ship it",
	})
	publishHook(t, b, "hook.post_tool.executed", map[string]interface{}{
		"sessionId": "s1", "tool": "bash",
	})
	publishHook(t, b, "hook.post_tool.executed", map[string]interface{}{
		"sessionId": "s1", "tool": "edit",
	})
	// Not a .executed event; the processor ignores it.
	publishHook(t, b, "hook.todo.updated", map[string]interface{}{"sessionId": "s1"})

	waitFor(t, func() bool {
		counters, _ := st.SessionCounters(ctx, "s1")
		return counters["hook.post_tool.executed"] == 2
	})

	counters, _ := st.SessionCounters(ctx, "s1")
	if counters["hook.user_prompt.executed"] != 1 || counters["hook.todo.updated"] != 0 {
		t.Fatalf("counters = %v", counters)
	}

	fields, _ := st.SessionContext(ctx, "s1")
	if fields["lastPrompt"] != "ship it" {
		t.Fatalf("lastPrompt = %q", fields["lastPrompt"])
	}
	var tools []string
	json.Unmarshal([]byte(fields["recentTools"]), &tools)
	if len(tools) != 2 || tools[0] != "bash" || tools[1] != "edit" {
		t.Fatalf("recentTools = %v", tools)
	}
}

func TestEventsWithoutSessionFoldIntoDefault(t *testing.T) {
	_, b, st := testProcessor(t, 100)

	publishHook(t, b, "hook.post_tool.executed", map[string]interface{}{"tool": "bash"})
	waitFor(t, func() bool {
		counters, _ := st.SessionCounters(context.Background(), "default")
		return counters["hook.post_tool.executed"] == 1
	})
}

func TestRecentToolsRollingWindow(t *testing.T) {
	_, b, st := testProcessor(t, 100)

	tools := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"}
	for _, tool := range tools {
		publishHook(t, b, "hook.post_tool.executed", map[string]interface{}{
			"sessionId": "s1", "tool": tool,
		})
	}

	waitFor(t, func() bool {
		counters, _ := st.SessionCounters(context.Background(), "s1")
		return counters["hook.post_tool.executed"] == int64(len(tools))
	})

	fields, _ := st.SessionContext(context.Background(), "s1")
	var recent []string
	json.Unmarshal([]byte(fields["recentTools"]), &recent)
	if len(recent) != recentToolsKeep || recent[0] != "c" || recent[9] != "l" {
		t.Fatalf("recentTools = %v", recent)
	}
}

func TestSnapshotEveryN(t *testing.T) {
	_, b, st := testProcessor(t, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		publishHook(t, b, "hook.post_tool.executed", map[string]interface{}{
			"sessionId": "s1", "tool": "bash", "todos": []string{"finish tests"},
		})
	}

	waitFor(t, func() bool {
		snap, _ := st.LatestSnapshot(ctx, "s1")
		return snap != nil
	})

	snap, _ := st.LatestSnapshot(ctx, "s1")
	if snap.EventCount != 5 || snap.SessionID != "s1" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Counters["hook.post_tool.executed"] != 5 {
		t.Fatalf("snapshot counters = %v", snap.Counters)
	}
	if len(snap.Todos) != 1 || snap.Todos[0] != "finish tests" {
		t.Fatalf("snapshot todos = %v", snap.Todos)
	}
	if snap.FirstEventMs == 0 || snap.LastEventMs < snap.FirstEventMs {
		t.Fatalf("snapshot window = [%d, %d]", snap.FirstEventMs, snap.LastEventMs)
	}
}

func TestGetContextRebuildsWithoutSnapshot(t *testing.T) {
	p, b, st := testProcessor(t, 100)
	ctx := context.Background()

	r := runtime.NewRegistry(st, b, runtime.RegistryOptions{InstanceID: "i-test"})
	if err := p.RegisterHandlers(r); err != nil {
		t.Fatal(err)
	}

	publishHook(t, b, "hook.user_prompt.executed", map[string]interface{}{
		"sessionId": "s1", "prompt": "hello",
	})
	publishHook(t, b, "hook.post_tool.executed", map[string]interface{}{
		"sessionId": "s1", "tool": "bash",
	})
	waitFor(t, func() bool {
		counters, _ := st.SessionCounters(ctx, "s1")
		return counters["hook.post_tool.executed"] == 1
	})

	result, execErr := r.Execute(ctx, "session.get_context", json.RawMessage(`{"sessionId":"s1"}`), nil)
	if execErr != nil {
		t.Fatal(execErr)
	}
	var snap store.SessionSnapshot
	if err := json.Unmarshal(result, &snap); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(snap.ID, "rebuild-") {
		t.Fatalf("expected on-demand rebuild, got %q", snap.ID)
	}
	if snap.EventCount != 2 || snap.LastPrompt != "hello" {
		t.Fatalf("rebuilt snapshot = %+v", snap)
	}
	if len(snap.RecentTools) != 1 || snap.RecentTools[0] != "bash" {
		t.Fatalf("rebuilt tools = %v", snap.RecentTools)
	}

	_, execErr = r.Execute(ctx, "session.get_context", json.RawMessage(`{}`), nil)
	if execErr == nil || execErr.Kind != runtime.KindInvalidParams {
		t.Fatalf("missing sessionId: got %v", execErr)
	}
}
