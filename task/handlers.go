// Package task declares the task lifecycle handlers: create, claim, update,
// complete, assign, unassign, reassign, delete and list, plus the internal
// operations the scheduler drives (auto-assign, reassign-failed).
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/claudebench/claudebench/runtime"
	"github.com/claudebench/claudebench/store"
)

// Handlers owns the optional relational mirror used for delete
// reconciliation. A nil mirror disables that path.
type Handlers struct {
	Mirror *store.TaskMirror
}

// Register installs every task.* handler on the registry.
func (h *Handlers) Register(r *runtime.Registry) error {
	for _, handler := range []*runtime.Handler{
		h.create(), h.claim(), h.update(), h.complete(),
		h.assign(), h.unassign(), h.reassign(), h.delete(),
		h.list(), h.autoAssign(), h.reassignFailed(),
	} {
		if err := r.Register(handler); err != nil {
			return err
		}
	}
	return nil
}

func nowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func publish(ctx context.Context, ec *runtime.EventContext, eventType string, payload interface{}) {
	if err := ec.Publish(ctx, eventType, payload); err != nil {
		log.Printf("task: publish %s: %v", eventType, err)
	}
}

// --- task.create ---

type createParams struct {
	Text     string          `json:"text"`
	Priority *int            `json:"priority"`
	Metadata json.RawMessage `json:"metadata"`
}

func (h *Handlers) create() *runtime.Handler {
	return &runtime.Handler{
		Event:       "task.create",
		Description: "Create a task in the pending queue",
		RateLimit:   600,
		Timeout:     5 * time.Second,
		Validate: func(params json.RawMessage) *runtime.Error {
			var p createParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return err
			}
			if p.Text == "" {
				return runtime.InvalidParams("text", "text is required")
			}
			if p.Priority != nil && (*p.Priority < 0 || *p.Priority > 100) {
				return runtime.InvalidParams("priority", "priority must be in [0,100]")
			}
			return nil
		},
		Body: func(ctx context.Context, ec *runtime.EventContext, params json.RawMessage) (json.RawMessage, error) {
			var p createParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return nil, err
			}
			priority := 50
			if p.Priority != nil {
				priority = *p.Priority
			}
			now := time.Now()
			t := &store.Task{
				ID:          fmt.Sprintf("t-%d", now.UnixMilli()),
				Text:        p.Text,
				Priority:    priority,
				Status:      store.TaskPending,
				Metadata:    p.Metadata,
				CreatedAt:   now.UTC().Format(time.RFC3339Nano),
				CreatedAtMs: now.UnixMilli(),
				UpdatedAt:   now.UTC().Format(time.RFC3339Nano),
			}
			if err := ec.Store.CreateTask(ctx, t); err != nil {
				return nil, err
			}
			publish(ctx, ec, "task.created", map[string]interface{}{
				"id": t.ID, "priority": t.Priority, "createdAt": t.CreatedAt,
			})
			return json.Marshal(map[string]interface{}{
				"id": t.ID, "text": t.Text, "status": t.Status,
				"priority": t.Priority, "createdAt": t.CreatedAt,
			})
		},
	}
}

// --- task.claim ---

type claimParams struct {
	WorkerID string `json:"workerId"`
}

func (h *Handlers) claim() *runtime.Handler {
	return &runtime.Handler{
		Event:       "task.claim",
		Description: "Claim the highest-priority claimable pending task",
		RateLimit:   1200,
		Timeout:     5 * time.Second,
		Fallback:    json.RawMessage(`{"claimed":false}`),
		Validate: func(params json.RawMessage) *runtime.Error {
			var p claimParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return err
			}
			if p.WorkerID == "" {
				return runtime.InvalidParams("workerId", "workerId is required")
			}
			return nil
		},
		Body: func(ctx context.Context, ec *runtime.EventContext, params json.RawMessage) (json.RawMessage, error) {
			var p claimParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return nil, err
			}
			inst, err := ec.Store.GetInstance(ctx, p.WorkerID)
			if err != nil {
				return nil, err
			}
			if inst == nil {
				return nil, store.ErrNotRegistered
			}
			if inst.Status == store.StatusOffline || inst.Health == store.HealthUnhealthy {
				return nil, runtime.Errorf(runtime.KindConflict, "worker %s is not eligible to claim", p.WorkerID)
			}

			t, err := ec.Store.ClaimTask(ctx, p.WorkerID)
			if err != nil {
				return nil, err
			}
			if t == nil {
				return json.Marshal(map[string]interface{}{"claimed": false})
			}
			// The claim script assigns without changing status; the
			// follow-up update keeps the transition monotone.
			status := store.TaskInProgress
			t, err = ec.Store.UpdateTask(ctx, t.ID, store.TaskUpdates{Status: &status})
			if err != nil {
				return nil, err
			}
			publish(ctx, ec, "task.claimed", map[string]interface{}{
				"taskId": t.ID, "workerId": p.WorkerID,
			})
			return json.Marshal(map[string]interface{}{
				"claimed": true, "taskId": t.ID, "task": t,
			})
		},
	}
}

// --- task.update ---

type updateParams struct {
	ID      string            `json:"id"`
	Updates store.TaskUpdates `json:"updates"`
}

// allowedTransitions covers what a plain field update may do. Returning a
// task to pending requires queue and assignment bookkeeping, so those
// transitions are owned by task.unassign and task.reassign.
var allowedTransitions = map[string]map[string]bool{
	store.TaskPending:    {store.TaskInProgress: true},
	store.TaskInProgress: {store.TaskCompleted: true, store.TaskFailed: true},
	store.TaskFailed:     {},
	store.TaskCompleted:  {},
}

func validStatus(s string) bool {
	switch s {
	case store.TaskPending, store.TaskInProgress, store.TaskCompleted, store.TaskFailed:
		return true
	}
	return false
}

func (h *Handlers) update() *runtime.Handler {
	return &runtime.Handler{
		Event:       "task.update",
		Description: "Apply field updates to a task",
		RateLimit:   1200,
		Timeout:     5 * time.Second,
		Validate: func(params json.RawMessage) *runtime.Error {
			var p updateParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return err
			}
			if p.ID == "" {
				return runtime.InvalidParams("id", "id is required")
			}
			if p.Updates.Status != nil && !validStatus(*p.Updates.Status) {
				return runtime.InvalidParams("updates.status", "unknown status "+*p.Updates.Status)
			}
			if p.Updates.Priority != nil && (*p.Updates.Priority < 0 || *p.Updates.Priority > 100) {
				return runtime.InvalidParams("updates.priority", "priority must be in [0,100]")
			}
			return nil
		},
		Body: func(ctx context.Context, ec *runtime.EventContext, params json.RawMessage) (json.RawMessage, error) {
			var p updateParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return nil, err
			}
			if p.Updates.Status != nil {
				current, err := ec.Store.GetTask(ctx, p.ID)
				if err != nil {
					return nil, err
				}
				if current.Status != *p.Updates.Status && !allowedTransitions[current.Status][*p.Updates.Status] {
					return nil, runtime.Errorf(runtime.KindConflict,
						"illegal transition %s -> %s", current.Status, *p.Updates.Status)
				}
			}
			t, err := ec.Store.UpdateTask(ctx, p.ID, p.Updates)
			if err != nil {
				return nil, err
			}
			publish(ctx, ec, "task.updated", map[string]interface{}{"id": t.ID, "status": t.Status})
			return json.Marshal(map[string]interface{}{
				"id": t.ID, "text": t.Text, "status": t.Status,
				"priority": t.Priority, "updatedAt": t.UpdatedAt, "createdAt": t.CreatedAt,
			})
		},
	}
}

// --- task.complete ---

type completeParams struct {
	ID       string          `json:"id"`
	TaskID   string          `json:"taskId"`
	Result   json.RawMessage `json:"result"`
	Error    string          `json:"error"`
	WorkerID string          `json:"workerId"`
}

func (p *completeParams) taskID() string {
	if p.ID != "" {
		return p.ID
	}
	return p.TaskID
}

func (h *Handlers) complete() *runtime.Handler {
	return &runtime.Handler{
		Event:       "task.complete",
		Description: "Terminate a task as completed or failed",
		RateLimit:   1200,
		Timeout:     5 * time.Second,
		Persist:     true,
		Validate: func(params json.RawMessage) *runtime.Error {
			var p completeParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return err
			}
			if p.taskID() == "" {
				return runtime.InvalidParams("id", "id or taskId is required")
			}
			return nil
		},
		Body: func(ctx context.Context, ec *runtime.EventContext, params json.RawMessage) (json.RawMessage, error) {
			var p completeParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return nil, err
			}
			// Presence of error is the sole failure discriminator; an
			// empty result with no error still completes.
			t, err := ec.Store.CompleteTask(ctx, p.taskID(), p.Result, p.Error)
			if err != nil {
				return nil, err
			}
			publish(ctx, ec, "task.completed", map[string]interface{}{
				"id": t.ID, "status": t.Status, "workerId": t.AssignedTo,
			})
			return json.Marshal(map[string]interface{}{
				"id": t.ID, "status": t.Status, "completedAt": t.CompletedAt,
			})
		},
	}
}

// --- task.assign / task.unassign / task.reassign ---

type assignParams struct {
	TaskID     string `json:"taskId"`
	InstanceID string `json:"instanceId"`
}

func (h *Handlers) assign() *runtime.Handler {
	return &runtime.Handler{
		Event:       "task.assign",
		Description: "Assign a task directly to an instance",
		RateLimit:   600,
		Timeout:     5 * time.Second,
		Validate: func(params json.RawMessage) *runtime.Error {
			var p assignParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return err
			}
			if p.TaskID == "" || p.InstanceID == "" {
				return runtime.InvalidParams("taskId", "taskId and instanceId are required")
			}
			return nil
		},
		Body: func(ctx context.Context, ec *runtime.EventContext, params json.RawMessage) (json.RawMessage, error) {
			var p assignParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return nil, err
			}
			t, err := ec.Store.AssignTask(ctx, p.TaskID, p.InstanceID)
			if err != nil {
				return nil, err
			}
			publish(ctx, ec, "task.assigned", map[string]interface{}{
				"taskId": t.ID, "instanceId": p.InstanceID,
			})
			return json.Marshal(map[string]interface{}{
				"taskId": t.ID, "instanceId": p.InstanceID, "assignedAt": t.AssignedAt,
			})
		},
	}
}

type unassignParams struct {
	TaskID string `json:"taskId"`
}

func (h *Handlers) unassign() *runtime.Handler {
	return &runtime.Handler{
		Event:       "task.unassign",
		Description: "Return a task to the pending queue",
		RateLimit:   600,
		Timeout:     5 * time.Second,
		Validate: func(params json.RawMessage) *runtime.Error {
			var p unassignParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return err
			}
			if p.TaskID == "" {
				return runtime.InvalidParams("taskId", "taskId is required")
			}
			return nil
		},
		Body: func(ctx context.Context, ec *runtime.EventContext, params json.RawMessage) (json.RawMessage, error) {
			var p unassignParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return nil, err
			}
			prev, err := ec.Store.UnassignTask(ctx, p.TaskID)
			if err != nil {
				return nil, err
			}
			publish(ctx, ec, "task.unassigned", map[string]interface{}{
				"taskId": p.TaskID, "previousAssignment": prev,
			})
			return json.Marshal(map[string]interface{}{
				"taskId": p.TaskID, "previousAssignment": prev, "unassignedAt": nowISO(),
			})
		},
	}
}

type reassignParams struct {
	TaskID string `json:"taskId"`
	Target string `json:"target"`
	Reason string `json:"reason"`
}

func (h *Handlers) reassign() *runtime.Handler {
	return &runtime.Handler{
		Event:       "task.reassign",
		Description: "Move a task off its current assignee, deny-listing it",
		RateLimit:   600,
		Timeout:     5 * time.Second,
		Validate: func(params json.RawMessage) *runtime.Error {
			var p reassignParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return err
			}
			if p.TaskID == "" {
				return runtime.InvalidParams("taskId", "taskId is required")
			}
			return nil
		},
		Body: func(ctx context.Context, ec *runtime.EventContext, params json.RawMessage) (json.RawMessage, error) {
			var p reassignParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return nil, err
			}
			reason := p.Reason
			if reason == "" {
				reason = "manual reassignment"
			}
			to, err := ec.Store.ReassignTask(ctx, p.TaskID, p.Target, reason)
			if err != nil {
				return nil, err
			}
			publish(ctx, ec, "task.reassigned", map[string]interface{}{
				"taskId": p.TaskID, "to": to, "reason": reason,
			})
			return json.Marshal(map[string]interface{}{"taskId": p.TaskID, "to": to})
		},
	}
}

// --- task.delete ---

type deleteParams struct {
	ID string `json:"id"`
}

func (h *Handlers) delete() *runtime.Handler {
	return &runtime.Handler{
		Event:       "task.delete",
		Description: "Delete a task and every queue membership",
		RateLimit:   600,
		Timeout:     5 * time.Second,
		Validate: func(params json.RawMessage) *runtime.Error {
			var p deleteParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return err
			}
			if p.ID == "" {
				return runtime.InvalidParams("id", "id is required")
			}
			return nil
		},
		Body: func(ctx context.Context, ec *runtime.EventContext, params json.RawMessage) (json.RawMessage, error) {
			var p deleteParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return nil, err
			}
			err := ec.Store.DeleteTask(ctx, p.ID)
			if h.Mirror != nil {
				// Reconcile the mirror even when the live record is
				// already gone, so retried deletes converge.
				if mErr := h.Mirror.DeleteMirrored(ctx, p.ID); mErr != nil {
					log.Printf("task: mirror delete %s: %v", p.ID, mErr)
				}
			}
			if err != nil {
				return nil, err
			}
			publish(ctx, ec, "task.deleted", map[string]interface{}{"id": p.ID})
			return json.Marshal(map[string]interface{}{
				"id": p.ID, "deleted": true, "deletedAt": nowISO(),
			})
		},
	}
}

// --- task.list ---

type listParams struct {
	Status     string `json:"status"`
	AssignedTo string `json:"assignedTo"`
	Priority   *int   `json:"priority"`
	OrderBy    string `json:"orderBy"`
	Order      string `json:"order"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}

func (h *Handlers) list() *runtime.Handler {
	return &runtime.Handler{
		Event:       "task.list",
		Description: "List tasks with filtering and pagination",
		RateLimit:   600,
		Timeout:     10 * time.Second,
		CacheTTL:    2 * time.Second,
		Validate: func(params json.RawMessage) *runtime.Error {
			var p listParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return err
			}
			if p.Status != "" && !validStatus(p.Status) {
				return runtime.InvalidParams("status", "unknown status "+p.Status)
			}
			if p.Limit < 0 || p.Offset < 0 {
				return runtime.InvalidParams("limit", "limit and offset must be non-negative")
			}
			return nil
		},
		Body: func(ctx context.Context, ec *runtime.EventContext, params json.RawMessage) (json.RawMessage, error) {
			var p listParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return nil, err
			}
			if p.Limit == 0 {
				p.Limit = 50
			}
			tasks, total, err := ec.Store.ListTasks(ctx, store.TaskFilter{
				Status:     p.Status,
				AssignedTo: p.AssignedTo,
				Priority:   p.Priority,
				OrderBy:    p.OrderBy,
				Order:      p.Order,
				Limit:      p.Limit,
				Offset:     p.Offset,
			})
			if err != nil {
				return nil, err
			}
			if tasks == nil {
				tasks = []*store.Task{}
			}
			return json.Marshal(map[string]interface{}{
				"tasks":      tasks,
				"totalCount": total,
				"hasMore":    p.Offset+len(tasks) < total,
			})
		},
	}
}

// --- internal operations driven by the scheduler ---

type autoAssignParams struct {
	WorkerID string `json:"workerId"`
	MinAgeMs int64  `json:"minAgeMs"`
}

func (h *Handlers) autoAssign() *runtime.Handler {
	return &runtime.Handler{
		Event:       "task.auto_assign",
		Description: "Assign one aged pending task to an idle worker",
		Timeout:     5 * time.Second,
		Validate: func(params json.RawMessage) *runtime.Error {
			var p autoAssignParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return err
			}
			if p.WorkerID == "" {
				return runtime.InvalidParams("workerId", "workerId is required")
			}
			return nil
		},
		Body: func(ctx context.Context, ec *runtime.EventContext, params json.RawMessage) (json.RawMessage, error) {
			var p autoAssignParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return nil, err
			}
			t, err := ec.Store.AutoAssignTask(ctx, p.WorkerID, time.Duration(p.MinAgeMs)*time.Millisecond)
			if err != nil {
				return nil, err
			}
			if t == nil {
				return json.Marshal(map[string]interface{}{"assigned": false})
			}
			publish(ctx, ec, "task.assigned", map[string]interface{}{
				"taskId": t.ID, "instanceId": p.WorkerID, "auto": true,
			})
			return json.Marshal(map[string]interface{}{"assigned": true, "taskId": t.ID})
		},
	}
}

type reassignFailedParams struct {
	WorkerID string `json:"workerId"`
}

func (h *Handlers) reassignFailed() *runtime.Handler {
	return &runtime.Handler{
		Event:       "task.reassign_failed",
		Description: "Redistribute a failed worker's queue",
		Timeout:     10 * time.Second,
		Validate: func(params json.RawMessage) *runtime.Error {
			var p reassignFailedParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return err
			}
			if p.WorkerID == "" {
				return runtime.InvalidParams("workerId", "workerId is required")
			}
			return nil
		},
		Body: func(ctx context.Context, ec *runtime.EventContext, params json.RawMessage) (json.RawMessage, error) {
			var p reassignFailedParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return nil, err
			}
			moved, err := ec.Store.ReassignFailed(ctx, p.WorkerID)
			if err != nil {
				return nil, err
			}
			if len(moved) > 0 {
				publish(ctx, ec, "task.redistributed", map[string]interface{}{
					"from": p.WorkerID, "count": len(moved),
				})
			}
			if moved == nil {
				moved = []store.Redistribution{}
			}
			return json.Marshal(map[string]interface{}{
				"from": p.WorkerID, "moved": moved,
			})
		},
	}
}
