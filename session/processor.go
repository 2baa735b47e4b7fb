// Package session folds hook execution events into per-session condensed
// context with periodic snapshots.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/claudebench/claudebench/bus"
	"github.com/claudebench/claudebench/runtime"
	"github.com/claudebench/claudebench/store"
)

const recentToolsKeep = 10

// Processor consumes hook.*.executed events exactly once across the fleet
// and maintains the session stream, counters and condensed context. Every
// cfg.SnapshotEveryN events it writes a snapshot so get_context stays cheap.
type Processor struct {
	Store store.Store
	Bus   *bus.EventBus
	Cfg   store.Config
}

// hookPayload is the subset of hook event fields the processor folds.
type hookPayload struct {
	SessionID string   `json:"sessionId"`
	Prompt    string   `json:"prompt"`
	Tool      string   `json:"tool"`
	Todos     []string `json:"todos"`
}

// Start subscribes the processor. Exactly-once gating happens before fold so
// duplicate deliveries across instances produce one side effect.
func (p *Processor) Start(ctx context.Context) error {
	_, err := p.Bus.SubscribeOnce(ctx, "hook.*", func(ctx context.Context, evt store.Event) {
		if !strings.HasSuffix(evt.Type, ".executed") {
			return
		}
		if err := p.fold(ctx, evt); err != nil {
			log.Printf("session: folding %s (%s): %v", evt.Type, evt.ID, err)
		}
	})
	return err
}

func (p *Processor) fold(ctx context.Context, evt store.Event) error {
	var payload hookPayload
	if len(evt.Payload) > 0 {
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}
	sid := payload.SessionID
	if sid == "" {
		sid = "default"
	}

	length, err := p.Store.AppendSessionEvent(ctx, sid, store.SessionEvent{
		ID:        evt.ID,
		Type:      evt.Type,
		Payload:   evt.Payload,
		Timestamp: evt.Timestamp,
	})
	if err != nil {
		return err
	}
	if err := p.Store.IncrSessionCounter(ctx, sid, evt.Type, 1); err != nil {
		return err
	}
	if err := p.updateContext(ctx, sid, payload); err != nil {
		return err
	}

	if p.Cfg.SnapshotEveryN > 0 && length%int64(p.Cfg.SnapshotEveryN) == 0 {
		if err := p.snapshot(ctx, sid, length); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) updateContext(ctx context.Context, sid string, payload hookPayload) error {
	fields := map[string]string{"updatedAt": fmt.Sprint(time.Now().UnixMilli())}
	if payload.Prompt != "" {
		fields["lastPrompt"] = payload.Prompt
	}
	if payload.Tool != "" {
		current, err := p.Store.SessionContext(ctx, sid)
		if err != nil {
			return err
		}
		var tools []string
		if raw := current["recentTools"]; raw != "" {
			_ = json.Unmarshal([]byte(raw), &tools)
		}
		tools = append(tools, payload.Tool)
		if len(tools) > recentToolsKeep {
			tools = tools[len(tools)-recentToolsKeep:]
		}
		doc, _ := json.Marshal(tools)
		fields["recentTools"] = string(doc)
	}
	if payload.Todos != nil {
		doc, _ := json.Marshal(payload.Todos)
		fields["todos"] = string(doc)
	}
	return p.Store.SetSessionContext(ctx, sid, fields)
}

func (p *Processor) snapshot(ctx context.Context, sid string, eventCount int64) error {
	counters, err := p.Store.SessionCounters(ctx, sid)
	if err != nil {
		return err
	}
	contextFields, err := p.Store.SessionContext(ctx, sid)
	if err != nil {
		return err
	}
	events, err := p.Store.SessionEvents(ctx, sid, int64(p.Cfg.SnapshotEveryN))
	if err != nil {
		return err
	}

	snap := &store.SessionSnapshot{
		ID:         fmt.Sprintf("snap-%d", time.Now().UnixMilli()),
		SessionID:  sid,
		EventCount: eventCount,
		Counters:   counters,
		LastPrompt: contextFields["lastPrompt"],
		CreatedAt:  time.Now().UnixMilli(),
	}
	if raw := contextFields["recentTools"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &snap.RecentTools)
	}
	if raw := contextFields["todos"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &snap.Todos)
	}
	if len(events) > 0 {
		snap.FirstEventMs = events[0].Timestamp
		snap.LastEventMs = events[len(events)-1].Timestamp
	}
	return p.Store.SaveSnapshot(ctx, snap)
}

// --- session.get_context ---

type getContextParams struct {
	SessionID string `json:"sessionId"`
}

// RegisterHandlers installs the session query surface.
func (p *Processor) RegisterHandlers(r *runtime.Registry) error {
	return r.Register(&runtime.Handler{
		Event:       "session.get_context",
		Description: "Latest session snapshot, rebuilt from the stream when absent",
		RateLimit:   600,
		Timeout:     10 * time.Second,
		Validate: func(params json.RawMessage) *runtime.Error {
			var q getContextParams
			if err := runtime.DecodeParams(params, &q); err != nil {
				return err
			}
			if q.SessionID == "" {
				return runtime.InvalidParams("sessionId", "sessionId is required")
			}
			return nil
		},
		Body: func(ctx context.Context, ec *runtime.EventContext, params json.RawMessage) (json.RawMessage, error) {
			var q getContextParams
			if err := runtime.DecodeParams(params, &q); err != nil {
				return nil, err
			}
			snap, err := ec.Store.LatestSnapshot(ctx, q.SessionID)
			if err != nil {
				return nil, err
			}
			if snap == nil {
				snap, err = p.rebuild(ctx, q.SessionID)
				if err != nil {
					return nil, err
				}
			}
			return json.Marshal(snap)
		},
	})
}

// rebuild folds the session stream on demand when no snapshot exists yet.
func (p *Processor) rebuild(ctx context.Context, sid string) (*store.SessionSnapshot, error) {
	events, err := p.Store.SessionEvents(ctx, sid, 0)
	if err != nil {
		return nil, err
	}
	snap := &store.SessionSnapshot{
		ID:         fmt.Sprintf("rebuild-%d", time.Now().UnixMilli()),
		SessionID:  sid,
		EventCount: int64(len(events)),
		Counters:   make(map[string]int64),
		CreatedAt:  time.Now().UnixMilli(),
	}
	for _, evt := range events {
		snap.Counters[evt.Type]++
		var payload hookPayload
		if len(evt.Payload) > 0 {
			if err := json.Unmarshal(evt.Payload, &payload); err != nil {
				continue
			}
		}
		if payload.Prompt != "" {
			snap.LastPrompt = payload.Prompt
		}
		if payload.Tool != "" {
			snap.RecentTools = append(snap.RecentTools, payload.Tool)
			if len(snap.RecentTools) > recentToolsKeep {
				snap.RecentTools = snap.RecentTools[len(snap.RecentTools)-recentToolsKeep:]
			}
		}
		if payload.Todos != nil {
			snap.Todos = payload.Todos
		}
	}
	if len(events) > 0 {
		snap.FirstEventMs = events[0].Timestamp
		snap.LastEventMs = events[len(events)-1].Timestamp
	}
	return snap, nil
}
