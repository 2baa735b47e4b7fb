package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/claudebench/claudebench/runtime"
	"github.com/claudebench/claudebench/store"
)

func testSetup(t *testing.T, timeout time.Duration) (*runtime.Registry, *store.MemoryStore, store.Config) {
	t.Helper()
	cfg := store.Config{
		HeartbeatTimeout: timeout,
		LeaderLease:      timeout,
	}.Normalize()
	st := store.NewMemoryStore(cfg)
	t.Cleanup(func() { st.Close() })
	r := runtime.NewRegistry(st, nil, runtime.RegistryOptions{InstanceID: "i-test"})
	h := &Handlers{Cfg: cfg}
	if err := h.Register(r); err != nil {
		t.Fatal(err)
	}
	return r, st, cfg
}

func execute(t *testing.T, r *runtime.Registry, event string, params interface{}) map[string]interface{} {
	t.Helper()
	doc, _ := json.Marshal(params)
	result, execErr := r.Execute(context.Background(), event, doc, nil)
	if execErr != nil {
		t.Fatalf("%s: %v", event, execErr)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestRegisterAndHeartbeat(t *testing.T) {
	r, st, _ := testSetup(t, 60*time.Millisecond)

	out := execute(t, r, "system.register", map[string]interface{}{
		"id": "i1", "roles": []string{"worker"},
	})
	if out["ok"] != true || out["becameLeader"] != true {
		t.Fatalf("register = %v", out)
	}

	// Registration is idempotent: same id converges to one record.
	execute(t, r, "system.register", map[string]interface{}{
		"id": "i1", "roles": []string{"worker"},
	})
	instances, _ := st.ListInstances(context.Background())
	if len(instances) != 1 {
		t.Fatalf("instances = %d, want 1", len(instances))
	}

	hb := execute(t, r, "system.heartbeat", map[string]string{"instanceId": "i1"})
	if hb["ok"] != true || hb["isLeader"] != true {
		t.Fatalf("heartbeat = %v", hb)
	}

	err := executeErr(t, r, "system.heartbeat", map[string]string{"instanceId": "ghost"})
	if err.Kind != runtime.KindNotFound {
		t.Fatalf("ghost heartbeat: got %v, want NotFound", err)
	}
}

func executeErr(t *testing.T, r *runtime.Registry, event string, params interface{}) *runtime.Error {
	t.Helper()
	doc, _ := json.Marshal(params)
	_, execErr := r.Execute(context.Background(), event, doc, nil)
	if execErr == nil {
		t.Fatalf("%s: expected error", event)
	}
	return execErr
}

func TestLeaderUniqueness(t *testing.T) {
	r, st, cfg := testSetup(t, 60*time.Millisecond)

	leaders := 0
	for i := 1; i <= 5; i++ {
		out := execute(t, r, "system.register", map[string]interface{}{
			"id": fmt.Sprintf("i%d", i), "roles": []string{"worker"},
		})
		if out["becameLeader"] == true {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("leaders = %d, want 1", leaders)
	}

	leader, _ := st.CurrentLeader(context.Background())
	if leader != "i1" {
		t.Fatalf("leader = %q", leader)
	}

	// Let the lease lapse without renewal; a new registrant takes over.
	time.Sleep(cfg.LeaderLease + 20*time.Millisecond)
	out := execute(t, r, "system.register", map[string]interface{}{
		"id": "i6", "roles": []string{"worker"},
	})
	if out["becameLeader"] != true {
		t.Fatal("no new leader after lease lapse")
	}
}

func TestCheckHealthClassification(t *testing.T) {
	r, st, _ := testSetup(t, 40*time.Millisecond)

	execute(t, r, "system.register", map[string]interface{}{"id": "w1", "roles": []string{"worker"}})
	execute(t, r, "system.register", map[string]interface{}{"id": "w2", "roles": []string{"worker"}})

	// w1 holds a task, then goes silent past 2T.
	st.CreateTask(context.Background(), &store.Task{
		ID: "t-1", Text: "x", Priority: 50, Status: store.TaskPending,
		CreatedAtMs: time.Now().UnixMilli(),
	})
	if claimed, _ := st.ClaimTask(context.Background(), "w1"); claimed == nil {
		t.Fatal("w1 claim failed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		execute(t, r, "system.heartbeat", map[string]string{"instanceId": "w2"})
		inst, _ := st.GetInstance(context.Background(), "w1")
		if inst == nil {
			break // w1's record expired, sweep will classify via the set
		}
		if time.Now().UnixMilli()-inst.LastSeenMs >= 80 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("w1 never went stale")
		}
		time.Sleep(10 * time.Millisecond)
	}

	out := execute(t, r, "system.check_health", map[string]interface{}{"timeout": 40})
	failed := out["failed"].([]interface{})
	if len(failed) != 1 || failed[0] != "w1" {
		t.Fatalf("failed = %v", failed)
	}

	// w1's orphan moved to w2.
	queue, _ := st.WorkerQueue(context.Background(), "w2")
	if len(queue) != 1 || queue[0] != "t-1" {
		t.Fatalf("w2 queue = %v", queue)
	}
	task, _ := st.GetTask(context.Background(), "t-1")
	if !task.Denied("w1") {
		t.Fatal("failed worker not denied")
	}
}

func TestPartitionDetection(t *testing.T) {
	ctx := context.Background()
	cfg := store.Config{HeartbeatTimeout: time.Minute}.Normalize()
	st := store.NewMemoryStore(cfg)
	defer st.Close()
	d := &Detector{Store: st, Cfg: cfg}

	// 5 instances, 2 healthy: minority view, partition detected.
	for i := 1; i <= 5; i++ {
		st.RegisterInstance(ctx, fmt.Sprintf("i%d", i), []string{"worker"})
	}
	for i := 3; i <= 5; i++ {
		st.SetInstanceHealth(ctx, fmt.Sprintf("i%d", i), store.HealthUnhealthy, store.StatusOffline)
	}
	view, err := d.Detect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !view.Detected || view.Recovery {
		t.Fatalf("view = %+v, want detected without recovery", view)
	}
	detected, _, _ := st.PartitionFlags(ctx)
	if !detected {
		t.Fatal("partition flag not set")
	}

	// 4 of 5 healthy: supermajority, recovery flagged.
	for i := 3; i <= 4; i++ {
		st.SetInstanceHealth(ctx, fmt.Sprintf("i%d", i), store.HealthHealthy, store.StatusActive)
	}
	view, _ = d.Detect(ctx)
	if view.Detected || !view.Recovery {
		t.Fatalf("view = %+v, want recovery without detection", view)
	}
	_, recovery, _ := st.PartitionFlags(ctx)
	if !recovery {
		t.Fatal("recovery flag not set")
	}
}

func TestHealthSnapshot(t *testing.T) {
	r, _, _ := testSetup(t, time.Minute)
	execute(t, r, "system.register", map[string]interface{}{"id": "i1", "roles": []string{"worker"}})

	out := execute(t, r, "system.health", nil)
	if out["leader"] != "i1" {
		t.Fatalf("health = %v", out)
	}
	instances := out["instances"].([]interface{})
	if len(instances) != 1 {
		t.Fatalf("instances = %v", instances)
	}
}

func TestGetStateAfterSync(t *testing.T) {
	r, st, _ := testSetup(t, time.Minute)

	st.SyncGlobalState(context.Background(), json.RawMessage(`{"fleet":"ok"}`))
	out := execute(t, r, "system.get_state", nil)
	if out["version"] != float64(1) {
		t.Fatalf("state = %v", out)
	}
}
