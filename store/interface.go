package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. The handler runtime maps
// them to typed, transport-stable error records.
var (
	ErrTaskExists       = errors.New("task already exists")
	ErrTaskNotFound     = errors.New("task not found")
	ErrTaskCompleted    = errors.New("task already completed")
	ErrTaskNotAssigned  = errors.New("task not assigned")
	ErrTargetDenied     = errors.New("target worker is denied for this task")
	ErrNotRegistered    = errors.New("instance not registered")
	ErrWorkerAtCapacity = errors.New("worker queue at capacity")
)

// Config carries the recognized coordination options. Zero values are
// replaced by the documented defaults in Normalize.
type Config struct {
	HeartbeatTimeout  time.Duration // instance staleness threshold (default 30s)
	LeaderLease       time.Duration // TTL of cb:leader:current (default 30s)
	RateLimitWindow   time.Duration // fixed window for per-event counters (default 60s)
	DefaultCapacity   int           // per-worker queue max (default 10)
	ProcessedEventTTL time.Duration // exactly-once membership TTL (default 24h)
	StreamTrimMaxLen  int64         // bounded stream retention (default 10000)
	GossipTTL         time.Duration // cb:gossip:health TTL (default 300s)
	PartitionFlagTTL  time.Duration // advisory partition flags TTL (default 300s)
	AutoAssignDelay   time.Duration // pending age before auto-assignment (default 30s)
	SnapshotEveryN    int           // session snapshot cadence (default 100)
}

func (c Config) Normalize() Config {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.LeaderLease <= 0 {
		c.LeaderLease = 30 * time.Second
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.DefaultCapacity <= 0 {
		c.DefaultCapacity = 10
	}
	if c.ProcessedEventTTL <= 0 {
		c.ProcessedEventTTL = 24 * time.Hour
	}
	if c.StreamTrimMaxLen <= 0 {
		c.StreamTrimMaxLen = 10000
	}
	if c.GossipTTL <= 0 {
		c.GossipTTL = 300 * time.Second
	}
	if c.PartitionFlagTTL <= 0 {
		c.PartitionFlagTTL = 300 * time.Second
	}
	if c.AutoAssignDelay <= 0 {
		c.AutoAssignDelay = 30 * time.Second
	}
	if c.SnapshotEveryN <= 0 {
		c.SnapshotEveryN = 100
	}
	return c
}

// TaskStore owns the task lifecycle. Every cross-key mutation is a single
// atomic operation in the backend (a Lua script on Redis, one mutex hold in
// memory), so concurrent workers never observe partial transitions.
type TaskStore interface {
	// CreateTask writes the task hash and enqueues it on the pending set.
	// Returns ErrTaskExists if the id is taken.
	CreateTask(ctx context.Context, t *Task) error

	// GetTask returns nil, ErrTaskNotFound when the id is unknown.
	GetTask(ctx context.Context, id string) (*Task, error)

	// ListTasks filters and pages over all task records.
	ListTasks(ctx context.Context, f TaskFilter) ([]*Task, int, error)

	// ClaimTask pops the highest-priority claimable task for workerID,
	// skipping denied tasks and discarding stale pending entries. Returns
	// nil, nil when nothing is claimable.
	ClaimTask(ctx context.Context, workerID string) (*Task, error)

	// UpdateTask applies field changes, repositioning the pending-queue
	// entry on priority change. Status regression from completed is
	// rejected with ErrTaskCompleted.
	UpdateTask(ctx context.Context, id string, u TaskUpdates) (*Task, error)

	// CompleteTask terminates the task: errMsg != "" means failed,
	// otherwise completed with the given result.
	CompleteTask(ctx context.Context, id string, result json.RawMessage, errMsg string) (*Task, error)

	// AssignTask force-pushes a pending task into a worker queue.
	AssignTask(ctx context.Context, taskID, instanceID string) (*Task, error)

	// UnassignTask returns an in-progress task to the pending queue and
	// reports the previous assignee.
	UnassignTask(ctx context.Context, taskID string) (string, error)

	// ReassignTask moves a failed (or force-reassigned) task, adding the
	// current assignee to the deny list. Returns "global" when the task
	// went back to the pending queue, else the target worker id.
	ReassignTask(ctx context.Context, id, target, reason string) (string, error)

	// DeleteTask removes the record and every queue membership.
	DeleteTask(ctx context.Context, id string) error

	// AutoAssignTask claims one pending task older than minAge on behalf
	// of workerID, respecting the deny list and queue capacity. Returns
	// nil, nil when nothing qualifies.
	AutoAssignTask(ctx context.Context, workerID string, minAge time.Duration) (*Task, error)

	// ReassignFailed drains an offline worker's queue, round-robining the
	// orphans across the remaining active workers.
	ReassignFailed(ctx context.Context, workerID string) ([]Redistribution, error)

	// WorkerQueue returns the FIFO of task ids held by workerID.
	WorkerQueue(ctx context.Context, workerID string) ([]string, error)

	// PendingTasks returns the pending queue in claim order.
	PendingTasks(ctx context.Context) ([]string, error)
}

// InstanceStore owns registration, heartbeats, the leader lease and gossip.
type InstanceStore interface {
	// RegisterInstance writes the instance record with the heartbeat TTL,
	// indexes its roles, and attempts leader acquisition in the same
	// atomic step. Idempotent: re-registration converges to one record.
	RegisterInstance(ctx context.Context, id string, roles []string) (becameLeader bool, err error)

	// Heartbeat refreshes the record TTL and gossip entry, renewing the
	// leader lease when id is the current leader. ErrNotRegistered when
	// the record expired; the caller must re-register.
	Heartbeat(ctx context.Context, id string) (isLeader bool, err error)

	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListInstances(ctx context.Context) ([]*Instance, error)
	ActiveInstances(ctx context.Context) ([]string, error)
	InstancesByRole(ctx context.Context, role string) ([]string, error)

	// SetInstanceHealth records a health-sweep classification.
	SetInstanceHealth(ctx context.Context, id, health, status string) error

	CurrentLeader(ctx context.Context) (string, error)

	GossipSnapshot(ctx context.Context) (map[string]GossipEntry, error)
	SetPartitionFlags(ctx context.Context, detected, recovery bool) error
	PartitionFlags(ctx context.Context) (detected, recovery bool, err error)
}

// EventStore owns the durable streams, pub/sub fan-out, exactly-once
// membership and ordered partitions.
type EventStore interface {
	// AppendEvent appends to the per-type stream and publishes the same
	// JSON on the type's channel.
	AppendEvent(ctx context.Context, evt *Event) error

	// SubscribeEvents binds fn to an exact type or a "prefix.*" pattern.
	// Delivery is at-least-once; fn runs on the subscriber's dispatch
	// goroutine and must not block.
	SubscribeEvents(ctx context.Context, pattern string, fn func(Event)) (func(), error)

	// IsDuplicateEvent atomically tests-and-adds the event id in the
	// processed set. The first caller gets false; all later callers true.
	IsDuplicateEvent(ctx context.Context, id string) (bool, error)

	// AddToPartition appends to the ordered per-partition list, trimmed
	// to the most recent 1000 entries.
	AddToPartition(ctx context.Context, partitionID string, evt Event) error

	PartitionEvents(ctx context.Context, partitionID string) ([]Event, error)
	ReadStream(ctx context.Context, eventType string, limit int64) ([]Event, error)
}

// MetricsStore owns shared counters, rate-limit windows, the response cache,
// and the versioned global state.
type MetricsStore interface {
	IncrCounter(ctx context.Context, name string, delta int64) error
	GetCounter(ctx context.Context, name string) (int64, error)
	QueueCounts(ctx context.Context) (QueueCounts, error)
	InstanceCounters(ctx context.Context, id string) (map[string]int64, error)

	// AggregateMetrics folds per-instance counters into cb:metrics:global.
	AggregateMetrics(ctx context.Context) (*GlobalMetrics, error)

	// SyncGlobalState bumps the monotonic version and stores the snapshot.
	SyncGlobalState(ctx context.Context, data json.RawMessage) (int64, error)
	GetGlobalState(ctx context.Context) (*GlobalState, error)

	WriteQuorum(ctx context.Context, fields map[string]string) error
	QuorumSnapshot(ctx context.Context) (map[string]string, error)

	// AllowRate increments the event's fixed-window counter and reports
	// whether the call is admitted; remainingMs is the window remainder
	// on rejection. The counter is the sole cross-process source of truth.
	AllowRate(ctx context.Context, event string, limit int) (allowed bool, remainingMs int64, err error)

	CacheGet(ctx context.Context, key string) (string, bool, error)
	CacheSet(ctx context.Context, key, value string, ttl time.Duration) error
}

// SessionStore backs the hook-event state processor.
type SessionStore interface {
	// AppendSessionEvent appends to the session stream and returns the
	// new stream length, which drives the snapshot cadence.
	AppendSessionEvent(ctx context.Context, sid string, evt SessionEvent) (int64, error)
	SessionEvents(ctx context.Context, sid string, limit int64) ([]SessionEvent, error)
	IncrSessionCounter(ctx context.Context, sid, name string, delta int64) error
	SessionCounters(ctx context.Context, sid string) (map[string]int64, error)
	SetSessionContext(ctx context.Context, sid string, fields map[string]string) error
	SessionContext(ctx context.Context, sid string) (map[string]string, error)
	SaveSnapshot(ctx context.Context, snap *SessionSnapshot) error
	LatestSnapshot(ctx context.Context, sid string) (*SessionSnapshot, error)
}

// Store is the full backend contract. RedisStore is the production
// implementation; MemoryStore serves tests and standalone dev mode.
type Store interface {
	TaskStore
	InstanceStore
	EventStore
	MetricsStore
	SessionStore
	Close() error
}
