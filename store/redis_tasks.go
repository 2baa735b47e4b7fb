package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const claimCandidates = 10

func taskFromFields(fields map[string]string) *Task {
	if len(fields) == 0 {
		return nil
	}
	t := &Task{
		ID:             fields["id"],
		Text:           fields["text"],
		Status:         fields["status"],
		AssignedTo:     fields["assignedTo"],
		Error:          fields["error"],
		CreatedAt:      fields["createdAt"],
		UpdatedAt:      fields["updatedAt"],
		AssignedAt:     fields["assignedAt"],
		CompletedAt:    fields["completedAt"],
		ReassignedAt:   fields["reassignedAt"],
		ReassignReason: fields["reassignReason"],
	}
	t.Priority, _ = strconv.Atoi(fields["priority"])
	t.CreatedAtMs, _ = strconv.ParseInt(fields["createdAtMs"], 10, 64)
	t.DurationMs, _ = strconv.ParseInt(fields["duration"], 10, 64)
	if raw := fields["metadata"]; raw != "" && raw != "null" {
		t.Metadata = json.RawMessage(raw)
	}
	if raw := fields["result"]; raw != "" {
		t.Result = json.RawMessage(raw)
	}
	if raw := fields["deny"]; raw != "" && raw != "[]" {
		_ = json.Unmarshal([]byte(raw), &t.Deny)
	}
	return t
}

func taskFromJSON(doc string) (*Task, error) {
	var fields map[string]string
	if err := json.Unmarshal([]byte(doc), &fields); err != nil {
		return nil, fmt.Errorf("decode task document: %w", err)
	}
	return taskFromFields(fields), nil
}

func (s *RedisStore) CreateTask(ctx context.Context, t *Task) error {
	meta := "null"
	if len(t.Metadata) > 0 {
		meta = string(t.Metadata)
	}
	ok, detail, err := s.eval(ctx, scriptTaskCreate,
		[]string{TaskKey(t.ID), PendingQueueKey(), pendingSeqKey(), QueueMetricsKey()},
		t.ID, t.Text, t.Priority, meta, t.CreatedAt, t.CreatedAtMs)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTaskExists
	}
	_ = detail
	return nil
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (*Task, error) {
	fields, err := s.cmd.HGetAll(ctx, TaskKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrTaskNotFound
	}
	return taskFromFields(fields), nil
}

func (s *RedisStore) ClaimTask(ctx context.Context, workerID string) (*Task, error) {
	ok, detail, err := s.eval(ctx, scriptTaskClaim,
		[]string{PendingQueueKey(), WorkerQueueKey(workerID), AssignmentHistoryKey(),
			InstanceMetricsKey(workerID), QueueMetricsKey()},
		workerID, nowISO(), nowMs(), claimCandidates, TaskKey(""))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil // nothing claimable
	}
	return taskFromJSON(detailString(detail))
}

func (s *RedisStore) UpdateTask(ctx context.Context, id string, u TaskUpdates) (*Task, error) {
	updates, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	ok, detail, err := s.eval(ctx, scriptTaskUpdate,
		[]string{TaskKey(id), PendingQueueKey(), pendingSeqKey()},
		id, string(updates), nowISO())
	if err != nil {
		return nil, err
	}
	if !ok {
		switch detailString(detail) {
		case "not_found":
			return nil, ErrTaskNotFound
		default:
			return nil, ErrTaskCompleted
		}
	}
	return taskFromJSON(detailString(detail))
}

func (s *RedisStore) CompleteTask(ctx context.Context, id string, result json.RawMessage, errMsg string) (*Task, error) {
	res := ""
	if len(result) > 0 {
		res = string(result)
	}
	ok, detail, err := s.eval(ctx, scriptTaskComplete,
		[]string{TaskKey(id), QueueMetricsKey(), TaskCompletionsKey(id), GlobalMetricsKey()},
		id, res, errMsg, nowISO(), nowMs(), WorkerQueueKey(""), InstanceMetricsKey(""))
	if err != nil {
		return nil, err
	}
	if !ok {
		switch detailString(detail) {
		case "not_found":
			return nil, ErrTaskNotFound
		case "not_assigned":
			return nil, ErrTaskNotAssigned
		default:
			return nil, ErrTaskCompleted
		}
	}
	return s.GetTask(ctx, id)
}

func (s *RedisStore) reassign(ctx context.Context, id, target, reason, denyMode string) (string, error) {
	ok, detail, err := s.eval(ctx, scriptTaskReassign,
		[]string{TaskKey(id), PendingQueueKey(), pendingSeqKey(), QueueMetricsKey()},
		id, target, reason, nowISO(), WorkerQueueKey(""), denyMode)
	if err != nil {
		return "", err
	}
	if !ok {
		switch detailString(detail) {
		case "not_found":
			return "", ErrTaskNotFound
		case "denied":
			return "", ErrTargetDenied
		default:
			return "", ErrTaskCompleted
		}
	}
	return detailString(detail), nil
}

func (s *RedisStore) ReassignTask(ctx context.Context, id, target, reason string) (string, error) {
	return s.reassign(ctx, id, target, reason, "deny")
}

func (s *RedisStore) AssignTask(ctx context.Context, taskID, instanceID string) (*Task, error) {
	if _, err := s.reassign(ctx, taskID, instanceID, "manual assignment", "nodeny"); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, taskID)
}

func (s *RedisStore) UnassignTask(ctx context.Context, taskID string) (string, error) {
	// The previous assignee is read first for reporting only; the state
	// transition itself is a single script.
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if _, err := s.reassign(ctx, taskID, "", "unassigned", "nodeny"); err != nil {
		return "", err
	}
	return t.AssignedTo, nil
}

func (s *RedisStore) DeleteTask(ctx context.Context, id string) error {
	ok, _, err := s.eval(ctx, scriptTaskDelete,
		[]string{TaskKey(id), PendingQueueKey(), TaskAttachmentsKey(id), QueueMetricsKey()},
		id, WorkerQueueKey(""), nowMs())
	if err != nil {
		return err
	}
	if !ok {
		return ErrTaskNotFound
	}
	return nil
}

func (s *RedisStore) AutoAssignTask(ctx context.Context, workerID string, minAge time.Duration) (*Task, error) {
	ok, detail, err := s.eval(ctx, scriptTaskAutoAssign,
		[]string{PendingQueueKey(), WorkerQueueKey(workerID), AssignmentHistoryKey(),
			InstanceMetricsKey(workerID), QueueMetricsKey()},
		workerID, nowISO(), nowMs(), minAge.Milliseconds(), s.cfg.DefaultCapacity,
		claimCandidates, TaskKey(""))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return taskFromJSON(detailString(detail))
}

func (s *RedisStore) ReassignFailed(ctx context.Context, workerID string) ([]Redistribution, error) {
	// Orphans land on workers that are alive right now; the failed worker
	// is excluded by the active-set removal inside the script.
	targets, err := s.activeWorkersExcept(ctx, workerID)
	if err != nil {
		return nil, err
	}
	args := []interface{}{workerID, nowISO(), nowMs(), TaskKey(""), WorkerQueueKey("")}
	for _, t := range targets {
		args = append(args, t)
	}
	ok, detail, err := s.eval(ctx, scriptReassignFailed,
		[]string{InstanceKey(workerID), WorkerQueueKey(workerID), RedistributedKey(workerID),
			ActiveSetKey(), PendingQueueKey(), pendingSeqKey(), QueueMetricsKey()},
		args...)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var moved []Redistribution
	if doc := detailString(detail); doc != "" && doc != "[]" && doc != "{}" {
		if err := json.Unmarshal([]byte(doc), &moved); err != nil {
			return nil, fmt.Errorf("decode redistribution report: %w", err)
		}
	}
	return moved, nil
}

// activeWorkersExcept resolves the round-robin targets for orphan
// redistribution: live members of the worker role index, minus the failed
// worker, in stable order.
func (s *RedisStore) activeWorkersExcept(ctx context.Context, failed string) ([]string, error) {
	members, err := s.cmd.SInter(ctx, ActiveSetKey(), RoleKey("worker")).Result()
	if err != nil {
		return nil, err
	}
	targets := members[:0]
	for _, m := range members {
		if m == failed {
			continue
		}
		// The active set can lag real liveness; only instances whose
		// record still exists receive orphans.
		if n, err := s.cmd.Exists(ctx, InstanceKey(m)).Result(); err != nil || n == 0 {
			continue
		}
		targets = append(targets, m)
	}
	sort.Strings(targets)
	return targets, nil
}

func (s *RedisStore) WorkerQueue(ctx context.Context, workerID string) ([]string, error) {
	return s.cmd.LRange(ctx, WorkerQueueKey(workerID), 0, -1).Result()
}

func (s *RedisStore) PendingTasks(ctx context.Context) ([]string, error) {
	return s.cmd.ZRange(ctx, PendingQueueKey(), 0, -1).Result()
}

func (s *RedisStore) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, int, error) {
	var tasks []*Task
	iter := s.cmd.Scan(ctx, 0, TaskKey("*"), 0).Iterator()
	bare := TaskKey("")
	for iter.Next(ctx) {
		key := iter.Val()
		// Skip sub-keys like cb:task:{id}:attachments.
		if strings.Contains(strings.TrimPrefix(key, bare), ":") {
			continue
		}
		fields, err := s.cmd.HGetAll(ctx, key).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		t := taskFromFields(fields)
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
			continue
		}
		if f.Priority != nil && t.Priority != *f.Priority {
			continue
		}
		tasks = append(tasks, t)
	}
	if err := iter.Err(); err != nil {
		return nil, 0, err
	}
	sortTasks(tasks, f.OrderBy, f.Order)
	total := len(tasks)
	tasks = pageTasks(tasks, f.Offset, f.Limit)
	return tasks, total, nil
}

func sortTasks(tasks []*Task, orderBy, order string) {
	cmp := func(a, b *Task) int {
		switch orderBy {
		case "priority":
			return a.Priority - b.Priority
		case "updatedAt":
			return strings.Compare(a.UpdatedAt, b.UpdatedAt)
		default: // createdAt
			switch {
			case a.CreatedAtMs < b.CreatedAtMs:
				return -1
			case a.CreatedAtMs > b.CreatedAtMs:
				return 1
			}
			return 0
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if order == "desc" {
			return cmp(tasks[i], tasks[j]) > 0
		}
		return cmp(tasks[i], tasks[j]) < 0
	})
}

func pageTasks(tasks []*Task, offset, limit int) []*Task {
	if offset >= len(tasks) {
		return nil
	}
	tasks = tasks[offset:]
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	return tasks
}

func pendingSeqKey() string { return PendingQueueKey() + ":seq" }
