package store

import (
	"encoding/json"
	"time"
)

// Task status lifecycle: pending -> in_progress -> {completed, failed}.
// failed -> pending and in_progress -> pending happen only via reassignment.
// completed is terminal and never regresses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Instance health classification relative to the heartbeat timeout T:
// lastSeen within T is healthy, within [T, 2T) degraded, beyond 2T the
// instance is marked OFFLINE and its queue is redistributed.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"

	StatusActive  = "ACTIVE"
	StatusOffline = "OFFLINE"
)

// Task is the record stored under cb:task:{id}.
type Task struct {
	ID             string          `json:"id"`
	Text           string          `json:"text"`
	Priority       int             `json:"priority"` // 0..100, higher runs first
	Status         string          `json:"status"`
	AssignedTo     string          `json:"assignedTo,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	Deny           []string        `json:"deny,omitempty"`
	CreatedAt      string          `json:"createdAt"`
	CreatedAtMs    int64           `json:"createdAtMs"`
	UpdatedAt      string          `json:"updatedAt"`
	AssignedAt     string          `json:"assignedAt,omitempty"`
	CompletedAt    string          `json:"completedAt,omitempty"`
	DurationMs     int64           `json:"duration,omitempty"`
	ReassignedAt   string          `json:"reassignedAt,omitempty"`
	ReassignReason string          `json:"reassignReason,omitempty"`
}

// Denied reports whether workerID is on the task's deny list. Membership is
// monotone: once added, a worker stays denied until the task terminates.
func (t *Task) Denied(workerID string) bool {
	for _, d := range t.Deny {
		if d == workerID {
			return true
		}
	}
	return false
}

// TaskUpdates carries the mutable fields for task.update. Nil pointers mean
// "leave unchanged".
type TaskUpdates struct {
	Text     *string         `json:"text,omitempty"`
	Status   *string         `json:"status,omitempty"`
	Priority *int            `json:"priority,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// TaskFilter selects tasks for task.list.
type TaskFilter struct {
	Status     string
	AssignedTo string
	Priority   *int
	OrderBy    string // createdAt | priority | updatedAt
	Order      string // asc | desc
	Limit      int
	Offset     int
}

// Instance is the record stored under cb:instance:{id}. Its TTL equals the
// heartbeat timeout; absence of the key means the instance is offline.
type Instance struct {
	ID            string          `json:"id"`
	Roles         []string        `json:"roles"`
	Health        string          `json:"health"`
	Status        string          `json:"status"`
	LastSeenMs    int64           `json:"lastSeen"`
	LastHeartbeat string          `json:"lastHeartbeat"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// GossipEntry is one instance's health record inside cb:gossip:health.
type GossipEntry struct {
	Status   string `json:"status"`
	LastSeen int64  `json:"lastSeen"`
}

// Event is the unit published on the bus. It is appended to the durable
// per-type stream and fanned out on the matching pub/sub channel.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Redistribution is one orphaned-task move recorded by reassign-failed.
type Redistribution struct {
	TaskID string `json:"taskId"`
	From   string `json:"from"`
	To     string `json:"to"`
	At     int64  `json:"at"`
}

// Assignment is an entry of the cb:history:assignments audit list.
type Assignment struct {
	TaskID   string `json:"taskId"`
	WorkerID string `json:"workerId"`
	At       int64  `json:"at"`
}

// QueueCounts mirrors the cb:metrics:queues hash.
type QueueCounts struct {
	TotalTasks     int64 `json:"totalTasks"`
	PendingTasks   int64 `json:"pendingTasks"`
	CompletedTasks int64 `json:"completedTasks"`
	FailedTasks    int64 `json:"failedTasks"`
}

// GlobalState mirrors the cb:state:global hash. Version is monotonic.
type GlobalState struct {
	Data      json.RawMessage `json:"data"`
	Version   int64           `json:"version"`
	Timestamp int64           `json:"timestamp"`
}

// GlobalMetrics is the aggregation written by the aggregate-metrics job.
type GlobalMetrics struct {
	Instances        int64            `json:"instances"`
	TasksClaimed     int64            `json:"tasksClaimed"`
	TasksCompleted   int64            `json:"tasksCompleted"`
	TasksFailed      int64            `json:"tasksFailed"`
	Queues           QueueCounts      `json:"queues"`
	PerInstance      map[string]int64 `json:"perInstance,omitempty"`
	ThroughputPerMin float64          `json:"throughputPerMin"`
}

// SessionEvent is one folded entry of a session stream.
type SessionEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// SessionSnapshot is the condensed context written every N session events.
type SessionSnapshot struct {
	ID           string           `json:"id"`
	SessionID    string           `json:"sessionId"`
	EventCount   int64            `json:"eventCount"`
	Counters     map[string]int64 `json:"counters"`
	LastPrompt   string           `json:"lastPrompt,omitempty"`
	RecentTools  []string         `json:"recentTools,omitempty"`
	Todos        []string         `json:"todos,omitempty"`
	FirstEventMs int64            `json:"firstEventMs"`
	LastEventMs  int64            `json:"lastEventMs"`
	CreatedAt    int64            `json:"createdAt"`
}

func nowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }
func nowMs() int64   { return time.Now().UnixMilli() }
