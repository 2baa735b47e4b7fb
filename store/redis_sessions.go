package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

func (s *RedisStore) AppendSessionEvent(ctx context.Context, sid string, evt SessionEvent) (int64, error) {
	doc, err := json.Marshal(evt)
	if err != nil {
		return 0, err
	}
	_, detail, err := s.eval(ctx, scriptSessionAppend,
		[]string{SessionStreamKey(sid)},
		string(doc), s.cfg.StreamTrimMaxLen)
	if err != nil {
		return 0, err
	}
	return detailInt(detail), nil
}

func (s *RedisStore) SessionEvents(ctx context.Context, sid string, limit int64) ([]SessionEvent, error) {
	if limit <= 0 {
		limit = s.cfg.StreamTrimMaxLen
	}
	msgs, err := s.cmd.XRevRangeN(ctx, SessionStreamKey(sid), "+", "-", limit).Result()
	if err != nil {
		return nil, err
	}
	events := make([]SessionEvent, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		doc, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var evt SessionEvent
		if err := json.Unmarshal([]byte(doc), &evt); err != nil {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

func (s *RedisStore) IncrSessionCounter(ctx context.Context, sid, name string, delta int64) error {
	return s.cmd.HIncrBy(ctx, SessionMetricsKey(sid), name, delta).Err()
}

func (s *RedisStore) SessionCounters(ctx context.Context, sid string) (map[string]int64, error) {
	fields, err := s.cmd.HGetAll(ctx, SessionMetricsKey(sid)).Result()
	if err != nil {
		return nil, err
	}
	return countersFromHash(fields), nil
}

func (s *RedisStore) SetSessionContext(ctx context.Context, sid string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.cmd.HSet(ctx, SessionContextKey(sid), args...).Err()
}

func (s *RedisStore) SessionContext(ctx context.Context, sid string) (map[string]string, error) {
	return s.cmd.HGetAll(ctx, SessionContextKey(sid)).Result()
}

func (s *RedisStore) SaveSnapshot(ctx context.Context, snap *SessionSnapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	pipe := s.cmd.Pipeline()
	pipe.Set(ctx, SnapshotKey(snap.SessionID, snap.ID), string(doc), 0)
	// Newest-first index so the latest snapshot is one LINDEX away.
	pipe.LPush(ctx, SnapshotIndexKey(snap.SessionID), snap.ID)
	pipe.LTrim(ctx, SnapshotIndexKey(snap.SessionID), 0, 99)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) LatestSnapshot(ctx context.Context, sid string) (*SessionSnapshot, error) {
	id, err := s.cmd.LIndex(ctx, SnapshotIndexKey(sid), 0).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc, err := s.cmd.Get(ctx, SnapshotKey(sid, id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap SessionSnapshot
	if err := json.Unmarshal([]byte(doc), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return &snap, nil
}
