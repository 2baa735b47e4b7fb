package task

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/claudebench/claudebench/runtime"
	"github.com/claudebench/claudebench/store"
)

func testRegistry(t *testing.T) (*runtime.Registry, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(store.Config{})
	t.Cleanup(func() { st.Close() })
	r := runtime.NewRegistry(st, nil, runtime.RegistryOptions{InstanceID: "test-1"})
	h := &Handlers{}
	if err := h.Register(r); err != nil {
		t.Fatalf("register handlers: %v", err)
	}
	return r, st
}

func execute(t *testing.T, r *runtime.Registry, event string, params interface{}) map[string]interface{} {
	t.Helper()
	doc, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	result, execErr := r.Execute(context.Background(), event, doc, nil)
	if execErr != nil {
		t.Fatalf("%s: %v", event, execErr)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("%s: decode result: %v", event, err)
	}
	return out
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

func registerWorker(t *testing.T, st *store.MemoryStore, id string) {
	t.Helper()
	if _, err := st.RegisterInstance(context.Background(), id, []string{"worker"}); err != nil {
		t.Fatal(err)
	}
}

func TestCreateClaimCompleteFlow(t *testing.T) {
	r, st := testRegistry(t)
	registerWorker(t, st, "w1")

	created := execute(t, r, "task.create", map[string]interface{}{
		"text": "t1", "priority": 75,
	})
	id, _ := created["id"].(string)
	if id == "" || created["status"] != "pending" {
		t.Fatalf("create = %v", created)
	}

	claim := execute(t, r, "task.claim", map[string]string{"workerId": "w1"})
	if claim["claimed"] != true {
		t.Fatalf("claim = %v", claim)
	}
	taskDoc, _ := json.Marshal(claim["task"])
	var claimed store.Task
	json.Unmarshal(taskDoc, &claimed)
	if claimed.Status != store.TaskInProgress || claimed.AssignedTo != "w1" {
		t.Fatalf("claimed task = %+v", claimed)
	}

	done := execute(t, r, "task.complete", map[string]interface{}{
		"id": id, "result": map[string]bool{"ok": true},
	})
	if done["status"] != "completed" {
		t.Fatalf("complete = %v", done)
	}

	pending, _ := st.PendingTasks(context.Background())
	queue, _ := st.WorkerQueue(context.Background(), "w1")
	if len(pending) != 0 || len(queue) != 0 {
		t.Fatalf("leftover memberships: pending=%v queue=%v", pending, queue)
	}
}

func TestClaimRequiresRegisteredWorker(t *testing.T) {
	r, _ := testRegistry(t)
	execute(t, r, "task.create", map[string]string{"text": "t1"})

	err := executeErr(t, r, "task.claim", map[string]string{"workerId": "ghost"})
	if err.Kind != runtime.KindNotFound {
		t.Fatalf("got %v, want NotFound", err)
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	r, st := testRegistry(t)
	registerWorker(t, st, "w1")

	claim := execute(t, r, "task.claim", map[string]string{"workerId": "w1"})
	if claim["claimed"] != false {
		t.Fatalf("claim on empty queue = %v", claim)
	}
}

func TestPriorityDispatch(t *testing.T) {
	r, st := testRegistry(t)
	registerWorker(t, st, "w1")

	ids := make(map[int]string)
	for _, p := range []int{10, 90, 50} {
		// Creation ids derive from the clock; space them out.
		out := execute(t, r, "task.create", map[string]interface{}{
			"text": fmt.Sprintf("p%d", p), "priority": p,
		})
		ids[p] = out["id"].(string)
		time.Sleep(2 * time.Millisecond)
	}

	first := execute(t, r, "task.claim", map[string]string{"workerId": "w1"})
	second := execute(t, r, "task.claim", map[string]string{"workerId": "w1"})
	if first["taskId"] != ids[90] || second["taskId"] != ids[50] {
		t.Fatalf("claim order = [%v, %v], want [%v, %v]",
			first["taskId"], second["taskId"], ids[90], ids[50])
	}
}

func TestUpdateTransitionGuard(t *testing.T) {
	r, st := testRegistry(t)
	registerWorker(t, st, "w1")

	created := execute(t, r, "task.create", map[string]string{"text": "t1"})
	id := created["id"].(string)

	// pending -> completed skips in_progress and is rejected.
	err := executeErr(t, r, "task.update", map[string]interface{}{
		"id": id, "updates": map[string]string{"status": "completed"},
	})
	if err.Kind != runtime.KindConflict {
		t.Fatalf("got %v, want Conflict", err)
	}

	err = executeErr(t, r, "task.update", map[string]interface{}{
		"id": id, "updates": map[string]string{"status": "nonsense"},
	})
	if err.Kind != runtime.KindInvalidParams {
		t.Fatalf("got %v, want InvalidParams", err)
	}

	out := execute(t, r, "task.update", map[string]interface{}{
		"id": id, "updates": map[string]interface{}{"priority": 90, "text": "urgent"},
	})
	if out["priority"] != float64(90) || out["text"] != "urgent" {
		t.Fatalf("update = %v", out)
	}
}

func TestUpdateCannotReturnTaskToPending(t *testing.T) {
	r, st := testRegistry(t)
	registerWorker(t, st, "w1")

	created := execute(t, r, "task.create", map[string]string{"text": "t1"})
	id := created["id"].(string)
	execute(t, r, "task.claim", map[string]string{"workerId": "w1"})

	err := executeErr(t, r, "task.update", map[string]interface{}{
		"id": id, "updates": map[string]string{"status": "pending"},
	})
	if err.Kind != runtime.KindConflict {
		t.Fatalf("got %v, want Conflict", err)
	}

	// The rejected update leaves the record and both queues untouched.
	task, _ := st.GetTask(context.Background(), id)
	if task.Status != store.TaskInProgress || task.AssignedTo != "w1" {
		t.Fatalf("task = %+v", task)
	}
	queue, _ := st.WorkerQueue(context.Background(), "w1")
	if len(queue) != 1 || queue[0] != id {
		t.Fatalf("w1 queue = %v", queue)
	}
	pending, _ := st.PendingTasks(context.Background())
	if len(pending) != 0 {
		t.Fatalf("pending = %v", pending)
	}

	// Returning to pending routes through unassign, which re-queues.
	execute(t, r, "task.unassign", map[string]string{"taskId": id})
	task, _ = st.GetTask(context.Background(), id)
	queue, _ = st.WorkerQueue(context.Background(), "w1")
	pending, _ = st.PendingTasks(context.Background())
	if task.Status != store.TaskPending || task.AssignedTo != "" {
		t.Fatalf("after unassign: task = %+v", task)
	}
	if len(queue) != 0 || len(pending) != 1 || pending[0] != id {
		t.Fatalf("after unassign: w1 queue=%v pending=%v", queue, pending)
	}
}

func TestUpdateCannotRetryFailedDirectly(t *testing.T) {
	r, st := testRegistry(t)
	registerWorker(t, st, "w1")

	created := execute(t, r, "task.create", map[string]string{"text": "t1"})
	id := created["id"].(string)
	execute(t, r, "task.claim", map[string]string{"workerId": "w1"})
	execute(t, r, "task.complete", map[string]interface{}{"id": id, "error": "boom"})

	err := executeErr(t, r, "task.update", map[string]interface{}{
		"id": id, "updates": map[string]string{"status": "pending"},
	})
	if err.Kind != runtime.KindConflict {
		t.Fatalf("got %v, want Conflict", err)
	}
	// A failed task must not be re-queued by a bare status write; retry goes
	// through reassign, which pushes it back to the pending set.
	pending, _ := st.PendingTasks(context.Background())
	if len(pending) != 0 {
		t.Fatalf("pending = %v", pending)
	}

	out := execute(t, r, "task.reassign", map[string]string{"taskId": id, "reason": "retry"})
	if out["to"] != "global" {
		t.Fatalf("reassign = %v", out)
	}
	pending, _ = st.PendingTasks(context.Background())
	if len(pending) != 1 || pending[0] != id {
		t.Fatalf("after reassign: pending = %v", pending)
	}
}

func TestCompleteWithErrorMarksFailed(t *testing.T) {
	r, st := testRegistry(t)
	registerWorker(t, st, "w1")

	created := execute(t, r, "task.create", map[string]string{"text": "t1"})
	id := created["id"].(string)
	execute(t, r, "task.claim", map[string]string{"workerId": "w1"})

	done := execute(t, r, "task.complete", map[string]interface{}{
		"taskId": id, "error": "worker exploded",
	})
	if done["status"] != "failed" {
		t.Fatalf("complete = %v", done)
	}

	// Terminal states never regress.
	err := executeErr(t, r, "task.complete", map[string]interface{}{"id": id})
	if err.Kind != runtime.KindConflict {
		t.Fatalf("got %v, want Conflict", err)
	}
}

func TestDenyListAntiPingPong(t *testing.T) {
	r, st := testRegistry(t)
	registerWorker(t, st, "w1")
	registerWorker(t, st, "w2")

	created := execute(t, r, "task.create", map[string]string{"text": "t1"})
	id := created["id"].(string)

	execute(t, r, "task.claim", map[string]string{"workerId": "w1"})
	execute(t, r, "task.complete", map[string]interface{}{"id": id, "error": "boom"})
	out := execute(t, r, "task.reassign", map[string]string{"taskId": id, "reason": "retry"})
	if out["to"] != "global" {
		t.Fatalf("reassign = %v", out)
	}

	// w1 is denied now; its claim comes back empty.
	claim := execute(t, r, "task.claim", map[string]string{"workerId": "w1"})
	if claim["claimed"] != false {
		t.Fatalf("denied worker claimed: %v", claim)
	}
	claim = execute(t, r, "task.claim", map[string]string{"workerId": "w2"})
	if claim["claimed"] != true || claim["taskId"] != id {
		t.Fatalf("w2 claim = %v", claim)
	}
}

func TestAssignUnassign(t *testing.T) {
	r, st := testRegistry(t)
	registerWorker(t, st, "w1")

	created := execute(t, r, "task.create", map[string]string{"text": "t1"})
	id := created["id"].(string)

	out := execute(t, r, "task.assign", map[string]string{"taskId": id, "instanceId": "w1"})
	if out["instanceId"] != "w1" || out["assignedAt"] == "" {
		t.Fatalf("assign = %v", out)
	}

	out = execute(t, r, "task.unassign", map[string]string{"taskId": id})
	if out["previousAssignment"] != "w1" {
		t.Fatalf("unassign = %v", out)
	}
	// Administrative unassignment must not poison the deny list.
	task, _ := st.GetTask(context.Background(), id)
	if task.Denied("w1") {
		t.Fatal("unassign added w1 to deny list")
	}
}

func TestDeleteIdempotent(t *testing.T) {
	r, _ := testRegistry(t)

	created := execute(t, r, "task.create", map[string]string{"text": "t1"})
	id := created["id"].(string)

	out := execute(t, r, "task.delete", map[string]string{"id": id})
	if out["deleted"] != true {
		t.Fatalf("delete = %v", out)
	}
	err := executeErr(t, r, "task.delete", map[string]string{"id": id})
	if err.Kind != runtime.KindNotFound {
		t.Fatalf("second delete: got %v, want NotFound", err)
	}
}

func TestListPagination(t *testing.T) {
	r, _ := testRegistry(t)
	for i := 0; i < 5; i++ {
		execute(t, r, "task.create", map[string]interface{}{
			"text": fmt.Sprintf("job %d", i), "priority": 10 * (i + 1),
		})
		time.Sleep(2 * time.Millisecond)
	}

	out := execute(t, r, "task.list", map[string]interface{}{
		"status": "pending", "orderBy": "priority", "order": "desc", "limit": 2,
	})
	if out["totalCount"] != float64(5) || out["hasMore"] != true {
		t.Fatalf("list = %v", out)
	}
	tasks := out["tasks"].([]interface{})
	if len(tasks) != 2 {
		t.Fatalf("page size = %d", len(tasks))
	}
	first := tasks[0].(map[string]interface{})
	if first["priority"] != float64(50) {
		t.Fatalf("first = %v", first)
	}
}

func TestFailoverRedistribution(t *testing.T) {
	r, st := testRegistry(t)
	registerWorker(t, st, "w1")
	registerWorker(t, st, "w2")

	var ids []string
	for i := 0; i < 3; i++ {
		created := execute(t, r, "task.create", map[string]string{"text": fmt.Sprintf("t%d", i)})
		ids = append(ids, created["id"].(string))
		execute(t, r, "task.claim", map[string]string{"workerId": "w1"})
		time.Sleep(2 * time.Millisecond)
	}

	out := execute(t, r, "task.reassign_failed", map[string]string{"workerId": "w1"})
	moved := out["moved"].([]interface{})
	if len(moved) != 3 {
		t.Fatalf("moved = %v", moved)
	}

	queue, _ := st.WorkerQueue(context.Background(), "w2")
	if len(queue) != 3 {
		t.Fatalf("w2 queue = %v", queue)
	}
	for _, id := range ids {
		task, _ := st.GetTask(context.Background(), id)
		if !task.Denied("w1") {
			t.Fatalf("%s missing deny entry for w1", id)
		}
	}
}
