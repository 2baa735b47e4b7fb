// Package scheduler runs the repeating coordination jobs: metric
// aggregation, state sync, partition detection, quorum refresh, health
// sweeps, delayed auto-assignment and the instance's own heartbeat. Every
// job is idempotent and safe to overlap across instances; leadership is
// preferred for the sweeps but not required.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/claudebench/claudebench/instance"
	"github.com/claudebench/claudebench/observability"
	"github.com/claudebench/claudebench/runtime"
	"github.com/claudebench/claudebench/store"
)

type Options struct {
	InstanceID string

	HeartbeatEvery        time.Duration // default cfg.HeartbeatTimeout / 3
	AggregateMetricsEvery time.Duration // default 5s
	SyncStateEvery        time.Duration // default 10s
	DetectPartitionsEvery time.Duration // default 5s
	CheckQuorumEvery      time.Duration // default 15s
	HealthCheckEvery      time.Duration // default 3s
	AutoAssignEvery       time.Duration // default 2s
}

type Scheduler struct {
	registry *runtime.Registry
	store    store.Store
	detector *instance.Detector
	cfg      store.Config
	opts     Options

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(r *runtime.Registry, st store.Store, cfg store.Config, opts Options) *Scheduler {
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = cfg.HeartbeatTimeout / 3
	}
	if opts.AggregateMetricsEvery <= 0 {
		opts.AggregateMetricsEvery = 5 * time.Second
	}
	if opts.SyncStateEvery <= 0 {
		opts.SyncStateEvery = 10 * time.Second
	}
	if opts.DetectPartitionsEvery <= 0 {
		opts.DetectPartitionsEvery = 5 * time.Second
	}
	if opts.CheckQuorumEvery <= 0 {
		opts.CheckQuorumEvery = 15 * time.Second
	}
	if opts.HealthCheckEvery <= 0 {
		opts.HealthCheckEvery = 3 * time.Second
	}
	if opts.AutoAssignEvery <= 0 {
		opts.AutoAssignEvery = 2 * time.Second
	}
	return &Scheduler{
		registry: r,
		store:    st,
		detector: &instance.Detector{Store: st, Cfg: cfg},
		cfg:      cfg,
		opts:     opts,
	}
}

// Start launches one goroutine per job class.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.spawn(ctx, "heartbeat", s.opts.HeartbeatEvery, s.heartbeat)
	s.spawn(ctx, "aggregate-metrics", s.opts.AggregateMetricsEvery, s.aggregateMetrics)
	s.spawn(ctx, "sync-state", s.opts.SyncStateEvery, s.syncState)
	s.spawn(ctx, "detect-partitions", s.opts.DetectPartitionsEvery, s.detectPartitions)
	s.spawn(ctx, "check-quorum", s.opts.CheckQuorumEvery, s.checkQuorum)
	s.spawn(ctx, "health-check", s.opts.HealthCheckEvery, s.healthCheck)
	s.spawn(ctx, "auto-assign-delayed", s.opts.AutoAssignEvery, s.autoAssign)
}

// Stop cancels the loops and waits for in-flight runs.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) spawn(ctx context.Context, name string, every time.Duration, job func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				outcome := "ok"
				if err := job(ctx); err != nil {
					outcome = "error"
					log.Printf("scheduler: %s: %v", name, err)
				}
				observability.SchedulerJobRuns.WithLabelValues(name, outcome).Inc()
			}
		}
	}()
}

func (s *Scheduler) execute(ctx context.Context, event string, params interface{}) (json.RawMessage, error) {
	doc, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	result, execErr := s.registry.Execute(ctx, event, doc,
		map[string]string{"source": "scheduler", "instanceId": s.opts.InstanceID})
	if execErr != nil {
		return nil, execErr
	}
	return result, nil
}

func (s *Scheduler) heartbeat(ctx context.Context) error {
	_, err := s.execute(ctx, "system.heartbeat", map[string]string{"instanceId": s.opts.InstanceID})
	return err
}

func (s *Scheduler) aggregateMetrics(ctx context.Context) error {
	_, err := s.store.AggregateMetrics(ctx)
	return err
}

// syncState snapshots instance and task counts into state:global, bumping
// the monotonic version.
func (s *Scheduler) syncState(ctx context.Context) error {
	ids, err := s.store.ActiveInstances(ctx)
	if err != nil {
		return err
	}
	queues, err := s.store.QueueCounts(ctx)
	if err != nil {
		return err
	}
	leader, err := s.store.CurrentLeader(ctx)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(map[string]interface{}{
		"instances": ids,
		"leader":    leader,
		"queues":    queues,
		"syncedBy":  s.opts.InstanceID,
	})
	if err != nil {
		return err
	}
	_, err = s.store.SyncGlobalState(ctx, doc)
	return err
}

func (s *Scheduler) detectPartitions(ctx context.Context) error {
	_, err := s.detector.Detect(ctx)
	return err
}

func (s *Scheduler) checkQuorum(ctx context.Context) error {
	leader, err := s.store.CurrentLeader(ctx)
	if err != nil {
		return err
	}
	if err := s.store.WriteQuorum(ctx, map[string]string{
		s.opts.InstanceID: fmt.Sprintf(`{"leader":%q,"at":%d}`, leader, time.Now().UnixMilli()),
	}); err != nil {
		return err
	}
	_, err = s.store.QuorumSnapshot(ctx)
	return err
}

func (s *Scheduler) healthCheck(ctx context.Context) error {
	_, err := s.execute(ctx, "system.check_health", map[string]interface{}{})
	return err
}

// Redistribute drains a failed worker's queue on demand.
func (s *Scheduler) Redistribute(ctx context.Context, workerID string) error {
	_, err := s.execute(ctx, "task.reassign_failed", map[string]string{"workerId": workerID})
	return err
}

// autoAssign pushes aged pending tasks to active workers, round-robin via
// the per-call claim loop.
func (s *Scheduler) autoAssign(ctx context.Context) error {
	workers, err := s.store.InstancesByRole(ctx, "worker")
	if err != nil {
		return err
	}
	for _, id := range workers {
		// One task per worker per tick keeps the distribution round-robin.
		if _, err := s.execute(ctx, "task.auto_assign", map[string]interface{}{
			"workerId": id,
			"minAgeMs": s.cfg.AutoAssignDelay.Milliseconds(),
		}); err != nil {
			log.Printf("scheduler: auto-assign %s: %v", id, err)
		}
	}
	return nil
}
