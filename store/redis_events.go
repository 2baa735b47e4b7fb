package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/claudebench/claudebench/observability"
)

const partitionMaxLen = 1000
const partitionTTLSeconds = 3600

// AppendEvent appends to the per-type durable stream and fans the same JSON
// out on the type's channel. Stream append order equals submission order for
// publishers that observed the XADD return; pub/sub delivery stays
// best-effort.
func (s *RedisStore) AppendEvent(ctx context.Context, evt *Event) error {
	doc, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.cmd.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(evt.Type),
		MaxLen: s.cfg.StreamTrimMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(doc)},
	}).Err(); err != nil {
		return fmt.Errorf("append event stream: %w", err)
	}
	if err := s.pub.Publish(ctx, Channel(evt.Type), string(doc)).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	observability.EventsPublished.WithLabelValues(evt.Type).Inc()
	return nil
}

// SubscribeEvents binds fn to an exact event type or a "prefix.*" pattern on
// the dedicated subscriber connection. The returned function tears the
// subscription down.
func (s *RedisStore) SubscribeEvents(ctx context.Context, pattern string, fn func(Event)) (func(), error) {
	var pubsub *redis.PubSub
	if strings.ContainsAny(pattern, "*?[") {
		pubsub = s.sub.PSubscribe(ctx, Channel(pattern))
	} else {
		pubsub = s.sub.Subscribe(ctx, Channel(pattern))
	}
	// Force the subscription onto the wire before returning so callers
	// can publish immediately after.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				log.Printf("store: dropping malformed event on %s: %v", msg.Channel, err)
				continue
			}
			fn(evt)
		}
	}()

	return func() {
		if err := pubsub.Close(); err != nil {
			log.Printf("store: closing subscription %s: %v", pattern, err)
		}
	}, nil
}

func (s *RedisStore) IsDuplicateEvent(ctx context.Context, id string) (bool, error) {
	dup, _, err := s.eval(ctx, scriptEventDedup,
		[]string{ProcessedEventsKey(), CounterKey("duplicates")},
		id, int64(s.cfg.ProcessedEventTTL.Seconds()))
	if err != nil {
		return false, err
	}
	if dup {
		observability.DuplicateEvents.Inc()
	}
	return dup, nil
}

func (s *RedisStore) AddToPartition(ctx context.Context, partitionID string, evt Event) error {
	doc, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, _, err = s.eval(ctx, scriptPartitionPush,
		[]string{PartitionKey(partitionID)},
		string(doc), partitionMaxLen, partitionTTLSeconds)
	return err
}

func (s *RedisStore) PartitionEvents(ctx context.Context, partitionID string) ([]Event, error) {
	docs, err := s.cmd.LRange(ctx, PartitionKey(partitionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(docs))
	for _, doc := range docs {
		var evt Event
		if err := json.Unmarshal([]byte(doc), &evt); err != nil {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

func (s *RedisStore) ReadStream(ctx context.Context, eventType string, limit int64) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	msgs, err := s.cmd.XRevRangeN(ctx, StreamKey(eventType), "+", "-", limit).Result()
	if err != nil {
		return nil, err
	}
	// XREVRANGE yields newest first; callers expect append order.
	events := make([]Event, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		doc, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(doc), &evt); err != nil {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}
