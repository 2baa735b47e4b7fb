package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
)

func instanceFromFields(fields map[string]string) *Instance {
	if len(fields) == 0 {
		return nil
	}
	inst := &Instance{
		ID:            fields["id"],
		Health:        fields["health"],
		Status:        fields["status"],
		LastHeartbeat: fields["lastHeartbeat"],
	}
	inst.LastSeenMs, _ = strconv.ParseInt(fields["lastSeen"], 10, 64)
	if raw := fields["roles"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &inst.Roles)
	}
	if raw := fields["metadata"]; raw != "" && raw != "null" {
		inst.Metadata = json.RawMessage(raw)
	}
	return inst
}

func (s *RedisStore) RegisterInstance(ctx context.Context, id string, roles []string) (bool, error) {
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return false, err
	}
	ok, detail, err := s.eval(ctx, scriptRegister,
		[]string{InstanceKey(id), ActiveSetKey(), GossipKey(), LeaderKey(), LeaderLockKey(),
			CapabilitiesKey(id)},
		id, string(rolesJSON), "null", nowISO(), nowMs(),
		s.cfg.HeartbeatTimeout.Milliseconds(), s.cfg.LeaderLease.Milliseconds(),
		int64(s.cfg.GossipTTL.Seconds()), RoleKey(""))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, errors.New("register script rejected: " + detailString(detail))
	}
	return detailInt(detail) == 1, nil
}

func (s *RedisStore) Heartbeat(ctx context.Context, id string) (bool, error) {
	ok, detail, err := s.eval(ctx, scriptHeartbeat,
		[]string{InstanceKey(id), ActiveSetKey(), GossipKey(), LeaderKey(), LeaderLockKey()},
		id, nowISO(), nowMs(),
		s.cfg.HeartbeatTimeout.Milliseconds(), s.cfg.LeaderLease.Milliseconds(),
		int64(s.cfg.GossipTTL.Seconds()))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNotRegistered
	}
	return detailInt(detail) == 1, nil
}

func (s *RedisStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	fields, err := s.cmd.HGetAll(ctx, InstanceKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return instanceFromFields(fields), nil
}

func (s *RedisStore) ListInstances(ctx context.Context) ([]*Instance, error) {
	ids, err := s.ActiveInstances(ctx)
	if err != nil {
		return nil, err
	}
	instances := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst == nil {
			// Record expired after the set read; the health sweep
			// will prune the membership.
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (s *RedisStore) ActiveInstances(ctx context.Context) ([]string, error) {
	return s.cmd.SMembers(ctx, ActiveSetKey()).Result()
}

func (s *RedisStore) InstancesByRole(ctx context.Context, role string) ([]string, error) {
	return s.cmd.SInter(ctx, ActiveSetKey(), RoleKey(role)).Result()
}

func (s *RedisStore) SetInstanceHealth(ctx context.Context, id, health, status string) error {
	if err := s.cmd.HSet(ctx, InstanceKey(id), "health", health, "status", status).Err(); err != nil {
		return err
	}
	entry, _ := json.Marshal(GossipEntry{Status: health, LastSeen: nowMs()})
	pipe := s.cmd.Pipeline()
	pipe.HSet(ctx, GossipKey(), id, string(entry))
	pipe.Expire(ctx, GossipKey(), s.cfg.GossipTTL)
	if status == StatusOffline {
		pipe.SRem(ctx, ActiveSetKey(), id)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) CurrentLeader(ctx context.Context) (string, error) {
	val, err := s.cmd.Get(ctx, LeaderKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *RedisStore) GossipSnapshot(ctx context.Context) (map[string]GossipEntry, error) {
	raw, err := s.cmd.HGetAll(ctx, GossipKey()).Result()
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]GossipEntry, len(raw))
	for id, doc := range raw {
		var entry GossipEntry
		if err := json.Unmarshal([]byte(doc), &entry); err != nil {
			continue
		}
		snapshot[id] = entry
	}
	return snapshot, nil
}

func (s *RedisStore) SetPartitionFlags(ctx context.Context, detected, recovery bool) error {
	pipe := s.cmd.Pipeline()
	if detected {
		pipe.Set(ctx, PartitionDetectedKey(), "true", s.cfg.PartitionFlagTTL)
	} else {
		pipe.Del(ctx, PartitionDetectedKey())
	}
	if recovery {
		pipe.Set(ctx, PartitionRecoveryKey(), "true", s.cfg.PartitionFlagTTL)
	} else {
		pipe.Del(ctx, PartitionRecoveryKey())
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) PartitionFlags(ctx context.Context) (bool, bool, error) {
	vals, err := s.cmd.MGet(ctx, PartitionDetectedKey(), PartitionRecoveryKey()).Result()
	if err != nil {
		return false, false, err
	}
	return vals[0] != nil, vals[1] != nil, nil
}
