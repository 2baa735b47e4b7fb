// Package instance covers registration, heartbeat, health classification and
// the system.* introspection surface.
package instance

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/claudebench/claudebench/observability"
	"github.com/claudebench/claudebench/runtime"
	"github.com/claudebench/claudebench/store"
)

type Handlers struct {
	Cfg store.Config
}

func (h *Handlers) Register(r *runtime.Registry) error {
	for _, handler := range []*runtime.Handler{
		h.register(), h.heartbeat(), h.health(), h.getState(),
		h.metrics(), h.checkHealth(),
	} {
		if err := r.Register(handler); err != nil {
			return err
		}
	}
	return nil
}

func publish(ctx context.Context, ec *runtime.EventContext, eventType string, payload interface{}) {
	if err := ec.Publish(ctx, eventType, payload); err != nil {
		log.Printf("instance: publish %s: %v", eventType, err)
	}
}

// --- system.register ---

type registerParams struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

func (h *Handlers) register() *runtime.Handler {
	return &runtime.Handler{
		Event:       "system.register",
		Description: "Register an instance with its roles, contending for the lease",
		RateLimit:   300,
		Timeout:     5 * time.Second,
		Validate: func(params json.RawMessage) *runtime.Error {
			var p registerParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return err
			}
			if p.ID == "" {
				return runtime.InvalidParams("id", "id is required")
			}
			if len(p.Roles) == 0 {
				return runtime.InvalidParams("roles", "at least one role is required")
			}
			return nil
		},
		Body: func(ctx context.Context, ec *runtime.EventContext, params json.RawMessage) (json.RawMessage, error) {
			var p registerParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return nil, err
			}
			becameLeader, err := ec.Store.RegisterInstance(ctx, p.ID, p.Roles)
			if err != nil {
				return nil, err
			}
			if becameLeader && p.ID == ec.InstanceID {
				observability.LeaderStatus.Set(1)
			}
			publish(ctx, ec, "system.registered", map[string]interface{}{
				"id": p.ID, "roles": p.Roles, "becameLeader": becameLeader,
			})
			return json.Marshal(map[string]interface{}{"ok": true, "becameLeader": becameLeader})
		},
	}
}

// --- system.heartbeat ---

type heartbeatParams struct {
	InstanceID string `json:"instanceId"`
}

func (h *Handlers) heartbeat() *runtime.Handler {
	return &runtime.Handler{
		Event:       "system.heartbeat",
		Description: "Refresh instance TTL, gossip entry and leader lease",
		RateLimit:   6000,
		Timeout:     3 * time.Second,
		Validate: func(params json.RawMessage) *runtime.Error {
			var p heartbeatParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return err
			}
			if p.InstanceID == "" {
				return runtime.InvalidParams("instanceId", "instanceId is required")
			}
			return nil
		},
		Body: func(ctx context.Context, ec *runtime.EventContext, params json.RawMessage) (json.RawMessage, error) {
			var p heartbeatParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return nil, err
			}
			isLeader, err := ec.Store.Heartbeat(ctx, p.InstanceID)
			if err != nil {
				return nil, err
			}
			if p.InstanceID == ec.InstanceID {
				if isLeader {
					observability.LeaderStatus.Set(1)
				} else {
					observability.LeaderStatus.Set(0)
				}
			}
			return json.Marshal(map[string]interface{}{"ok": true, "isLeader": isLeader})
		},
	}
}

// --- system.health ---

func (h *Handlers) health() *runtime.Handler {
	return &runtime.Handler{
		Event:       "system.health",
		Description: "Snapshot of instances, leader and partition flags",
		RateLimit:   600,
		Timeout:     5 * time.Second,
		CacheTTL:    time.Second,
		Body: func(ctx context.Context, ec *runtime.EventContext, params json.RawMessage) (json.RawMessage, error) {
			instances, err := ec.Store.ListInstances(ctx)
			if err != nil {
				return nil, err
			}
			leader, err := ec.Store.CurrentLeader(ctx)
			if err != nil {
				return nil, err
			}
			detected, recovery, err := ec.Store.PartitionFlags(ctx)
			if err != nil {
				return nil, err
			}
			if instances == nil {
				instances = []*store.Instance{}
			}
			observability.ActiveInstancesGauge.Set(float64(len(instances)))
			return json.Marshal(map[string]interface{}{
				"instances":         instances,
				"leader":            leader,
				"partitionDetected": detected,
				"partitionRecovery": recovery,
			})
		},
	}
}

// --- system.get_state ---

func (h *Handlers) getState() *runtime.Handler {
	return &runtime.Handler{
		Event:       "system.get_state",
		Description: "Read the versioned global state snapshot",
		RateLimit:   600,
		Timeout:     5 * time.Second,
		Body: func(ctx context.Context, ec *runtime.EventContext, params json.RawMessage) (json.RawMessage, error) {
			state, err := ec.Store.GetGlobalState(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(state)
		},
	}
}

// --- system.metrics ---

func (h *Handlers) metrics() *runtime.Handler {
	return &runtime.Handler{
		Event:       "system.metrics",
		Description: "Aggregated queue and per-instance counters",
		RateLimit:   600,
		Timeout:     10 * time.Second,
		CacheTTL:    2 * time.Second,
		Body: func(ctx context.Context, ec *runtime.EventContext, params json.RawMessage) (json.RawMessage, error) {
			agg, err := ec.Store.AggregateMetrics(ctx)
			if err != nil {
				return nil, err
			}
			observability.PendingTasks.Set(float64(agg.Queues.PendingTasks))
			return json.Marshal(agg)
		},
	}
}

// --- system.check_health ---

type checkHealthParams struct {
	TimeoutMs int64 `json:"timeout"`
}

// checkHealth classifies every active instance by heartbeat staleness and
// marks unhealthy ones OFFLINE. Redistribution of their queues is delegated
// to task.reassign_failed via the published event, keeping this handler
// idempotent under overlapping sweeps.
func (h *Handlers) checkHealth() *runtime.Handler {
	return &runtime.Handler{
		Event:       "system.check_health",
		Description: "Classify instance health and mark stale instances offline",
		Timeout:     10 * time.Second,
		Body: func(ctx context.Context, ec *runtime.EventContext, params json.RawMessage) (json.RawMessage, error) {
			var p checkHealthParams
			if err := runtime.DecodeParams(params, &p); err != nil {
				return nil, err
			}
			timeout := h.Cfg.HeartbeatTimeout
			if p.TimeoutMs > 0 {
				timeout = time.Duration(p.TimeoutMs) * time.Millisecond
			}

			ids, err := ec.Store.ActiveInstances(ctx)
			if err != nil {
				return nil, err
			}
			var healthy, failed []string
			reassigned := make(map[string]int)
			now := time.Now().UnixMilli()
			for _, id := range ids {
				inst, err := ec.Store.GetInstance(ctx, id)
				if err != nil {
					return nil, err
				}
				if inst == nil {
					// Hash expired but the id lingered in the active
					// set; treat it like an unhealthy instance.
					failed = append(failed, id)
					reassigned[id] = h.markFailed(ctx, ec, id)
					continue
				}
				age := time.Duration(now-inst.LastSeenMs) * time.Millisecond
				switch {
				case age < timeout:
					healthy = append(healthy, id)
				case age < 2*timeout:
					if err := ec.Store.SetInstanceHealth(ctx, id, store.HealthDegraded, store.StatusActive); err != nil {
						return nil, err
					}
					healthy = append(healthy, id)
				default:
					failed = append(failed, id)
					reassigned[id] = h.markFailed(ctx, ec, id)
				}
			}
			if healthy == nil {
				healthy = []string{}
			}
			if failed == nil {
				failed = []string{}
			}
			return json.Marshal(map[string]interface{}{
				"healthy": healthy, "failed": failed, "reassigned": reassigned,
			})
		},
	}
}

// markFailed flips the instance OFFLINE and drains its queue, returning how
// many tasks moved.
func (h *Handlers) markFailed(ctx context.Context, ec *runtime.EventContext, id string) int {
	if err := ec.Store.SetInstanceHealth(ctx, id, store.HealthUnhealthy, store.StatusOffline); err != nil {
		log.Printf("instance: mark %s offline: %v", id, err)
		return 0
	}
	moved, err := ec.Store.ReassignFailed(ctx, id)
	if err != nil {
		log.Printf("instance: reassign queue of %s: %v", id, err)
		return 0
	}
	publish(ctx, ec, "system.instance_failed", map[string]interface{}{
		"id": id, "reassigned": len(moved),
	})
	return len(moved)
}
