package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

func (s *RedisStore) IncrCounter(ctx context.Context, name string, delta int64) error {
	return s.cmd.IncrBy(ctx, CounterKey(name), delta).Err()
}

func (s *RedisStore) GetCounter(ctx context.Context, name string) (int64, error) {
	val, err := s.cmd.Get(ctx, CounterKey(name)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

func countersFromHash(fields map[string]string) map[string]int64 {
	counters := make(map[string]int64, len(fields))
	for name, raw := range fields {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			counters[name] = v
		}
	}
	return counters
}

func (s *RedisStore) QueueCounts(ctx context.Context) (QueueCounts, error) {
	fields, err := s.cmd.HGetAll(ctx, QueueMetricsKey()).Result()
	if err != nil {
		return QueueCounts{}, err
	}
	c := countersFromHash(fields)
	return QueueCounts{
		TotalTasks:     c["totalTasks"],
		PendingTasks:   c["pendingTasks"],
		CompletedTasks: c["completedTasks"],
		FailedTasks:    c["failedTasks"],
	}, nil
}

func (s *RedisStore) InstanceCounters(ctx context.Context, id string) (map[string]int64, error) {
	fields, err := s.cmd.HGetAll(ctx, InstanceMetricsKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return countersFromHash(fields), nil
}

// AggregateMetrics folds per-instance counters into cb:metrics:global and a
// scaling view. Runs on the aggregate-metrics cadence; idempotent, safe to
// overlap across instances.
func (s *RedisStore) AggregateMetrics(ctx context.Context) (*GlobalMetrics, error) {
	ids, err := s.ActiveInstances(ctx)
	if err != nil {
		return nil, err
	}
	queues, err := s.QueueCounts(ctx)
	if err != nil {
		return nil, err
	}

	agg := &GlobalMetrics{
		Instances:   int64(len(ids)),
		Queues:      queues,
		PerInstance: make(map[string]int64, len(ids)),
	}
	for _, id := range ids {
		counters, err := s.InstanceCounters(ctx, id)
		if err != nil {
			return nil, err
		}
		agg.TasksClaimed += counters["tasksClaimed"]
		agg.TasksCompleted += counters["tasksCompleted"]
		agg.TasksFailed += counters["tasksFailed"]
		agg.PerInstance[id] = counters["tasksCompleted"]
	}

	// Throughput from the first/last completion stamps maintained by the
	// completion script.
	global, err := s.cmd.HGetAll(ctx, GlobalMetricsKey()).Result()
	if err != nil {
		return nil, err
	}
	c := countersFromHash(global)
	if span := c["lastCompletedAtMs"] - c["firstCompletedAtMs"]; span > 0 && c["tasksCompleted"] > 1 {
		agg.ThroughputPerMin = float64(c["tasksCompleted"]-1) / (float64(span) / 60000.0)
	}

	pipe := s.cmd.Pipeline()
	pipe.HSet(ctx, GlobalMetricsKey(),
		"instances", agg.Instances,
		"totalClaimed", agg.TasksClaimed,
		"pendingTasks", queues.PendingTasks,
		"totalTasks", queues.TotalTasks,
		"aggregatedAt", nowMs())
	pipe.HSet(ctx, ScalingMetricsKey(),
		"instances", agg.Instances,
		"pendingTasks", queues.PendingTasks,
		"throughputPerMin", agg.ThroughputPerMin,
		"updatedAt", nowMs())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return agg, nil
}

func (s *RedisStore) SyncGlobalState(ctx context.Context, data json.RawMessage) (int64, error) {
	_, detail, err := s.eval(ctx, scriptSyncState,
		[]string{GlobalStateKey()},
		string(data), nowMs())
	if err != nil {
		return 0, err
	}
	return detailInt(detail), nil
}

func (s *RedisStore) GetGlobalState(ctx context.Context) (*GlobalState, error) {
	fields, err := s.cmd.HGetAll(ctx, GlobalStateKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return &GlobalState{}, nil
	}
	state := &GlobalState{Data: json.RawMessage(fields["data"])}
	state.Version, _ = strconv.ParseInt(fields["version"], 10, 64)
	state.Timestamp, _ = strconv.ParseInt(fields["timestamp"], 10, 64)
	return state, nil
}

func (s *RedisStore) WriteQuorum(ctx context.Context, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.cmd.HSet(ctx, QuorumKey(), args...).Err()
}

func (s *RedisStore) QuorumSnapshot(ctx context.Context) (map[string]string, error) {
	return s.cmd.HGetAll(ctx, QuorumKey()).Result()
}

func (s *RedisStore) AllowRate(ctx context.Context, event string, limit int) (bool, int64, error) {
	ok, detail, err := s.eval(ctx, scriptRateLimit,
		[]string{RateLimitKey(event)},
		limit, s.cfg.RateLimitWindow.Milliseconds())
	if err != nil {
		return false, 0, err
	}
	if !ok {
		return false, detailInt(detail), nil
	}
	return true, 0, nil
}

func (s *RedisStore) CacheGet(ctx context.Context, key string) (string, bool, error) {
	val, err := s.cmd.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) CacheSet(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.cmd.Set(ctx, key, value, ttl).Err()
}
