package store

import "fmt"

// All Redis keys are built here so the "cb:" namespace is enforced in one
// place. Scripts receive fully-built key names so a clustered deployment can
// route on them.
const prefix = "cb:"

func TaskKey(id string) string            { return prefix + "task:" + id }
func TaskCompletionsKey(id string) string { return prefix + "history:task:" + id + ":completions" }
func TaskAttachmentsKey(id string) string { return prefix + "task:" + id + ":attachments" }

func PendingQueueKey() string               { return prefix + "queue:tasks:pending" }
func WorkerQueueKey(workerID string) string { return prefix + "queue:instance:" + workerID }

func InstanceKey(id string) string     { return prefix + "instance:" + id }
func ActiveSetKey() string             { return prefix + "instances:active" }
func RoleKey(role string) string       { return prefix + "role:" + role }
func CapabilitiesKey(id string) string { return prefix + "capabilities:" + id }

func LeaderKey() string     { return prefix + "leader:current" }
func LeaderLockKey() string { return prefix + "leader:lock" }

func GossipKey() string            { return prefix + "gossip:health" }
func PartitionDetectedKey() string { return prefix + "partition:detected" }
func PartitionRecoveryKey() string { return prefix + "partition:recovery" }

func StreamKey(eventType string) string      { return prefix + "stream:" + eventType }
func ProcessedEventsKey() string             { return prefix + "processed:events" }
func PartitionKey(partitionID string) string { return prefix + "partition:" + partitionID }

func AssignmentHistoryKey() string            { return prefix + "history:assignments" }
func RedistributedKey(workerID string) string { return prefix + "redistributed:from:" + workerID }

func InstanceMetricsKey(id string) string { return prefix + "metrics:instance:" + id }
func QueueMetricsKey() string             { return prefix + "metrics:queues" }
func GlobalMetricsKey() string            { return prefix + "metrics:global" }
func ScalingMetricsKey() string           { return prefix + "metrics:scaling" }
func CounterKey(name string) string       { return prefix + "counters:" + name }

func GlobalStateKey() string { return prefix + "state:global" }
func QuorumKey() string      { return prefix + "quorum:latest" }

func RateLimitKey(event string) string { return prefix + "ratelimit:" + event }
func CacheKey(event, params string) string {
	return fmt.Sprintf("%scache:%s:%s", prefix, event, params)
}

func SessionStateKey(sid string) string   { return prefix + "session:state:" + sid }
func SessionContextKey(sid string) string { return prefix + "session:context:" + sid }
func SessionStreamKey(sid string) string  { return prefix + "stream:session:" + sid }
func SessionMetricsKey(sid string) string { return prefix + "metrics:session:" + sid }
func SnapshotKey(sid, snapID string) string {
	return fmt.Sprintf("%ssnapshot:%s:%s", prefix, sid, snapID)
}
func SnapshotIndexKey(sid string) string { return prefix + "snapshots:" + sid }

// Channel returns the pub/sub channel for an event type. Channels share the
// key namespace so patterns like "cb:task.*" work with PSUBSCRIBE.
func Channel(eventType string) string { return prefix + eventType }
