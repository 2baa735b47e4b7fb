package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements the full Store contract behind a single mutex. It
// backs the test suite and standalone dev mode; every operation that is a
// Lua script on Redis is one critical section here, so the atomicity
// contract is identical.
type MemoryStore struct {
	mu  sync.Mutex
	cfg Config

	tasks   map[string]*Task
	pending []pendingEntry
	seq     int64
	queues  map[string][]string // workerID -> FIFO of task ids

	instances map[string]*memInstance
	active    map[string]bool
	roles     map[string]map[string]bool
	caps      map[string]map[string]bool
	leader    string
	leaderExp time.Time
	gossip    map[string]GossipEntry
	partDet   bool
	partRec   bool

	streams       map[string][]Event
	processed     map[string]bool
	partitions    map[string][]Event
	history       []Assignment
	redistributed map[string][]Redistribution

	counters    map[string]int64
	queueCounts QueueCounts
	instMetrics map[string]map[string]int64
	globalMeta  map[string]int64
	stateData   json.RawMessage
	stateVer    int64
	stateTs     int64
	quorum      map[string]string
	rateWindows map[string]*rateWindow
	cache       map[string]cacheEntry

	sessions map[string]*memSession
	subs     []*memSub
	closed   bool
}

type pendingEntry struct {
	id    string
	score float64
}

type memInstance struct {
	inst      Instance
	expiresAt time.Time
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

type memSession struct {
	events   []SessionEvent
	counters map[string]int64
	context  map[string]string
	snaps    []*SessionSnapshot
}

type memSub struct {
	pattern string
	ch      chan Event
	done    chan struct{}
}

func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		cfg:           cfg.Normalize(),
		tasks:         make(map[string]*Task),
		queues:        make(map[string][]string),
		instances:     make(map[string]*memInstance),
		active:        make(map[string]bool),
		roles:         make(map[string]map[string]bool),
		caps:          make(map[string]map[string]bool),
		gossip:        make(map[string]GossipEntry),
		streams:       make(map[string][]Event),
		processed:     make(map[string]bool),
		partitions:    make(map[string][]Event),
		redistributed: make(map[string][]Redistribution),
		counters:      make(map[string]int64),
		instMetrics:   make(map[string]map[string]int64),
		globalMeta:    make(map[string]int64),
		quorum:        make(map[string]string),
		rateWindows:   make(map[string]*rateWindow),
		cache:         make(map[string]cacheEntry),
		sessions:      make(map[string]*memSession),
	}
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, sub := range s.subs {
		close(sub.done)
	}
	s.subs = nil
	return nil
}

func cloneTask(t *Task) *Task {
	cp := *t
	cp.Deny = append([]string(nil), t.Deny...)
	return &cp
}

// --- pending queue ---

func (s *MemoryStore) enqueuePending(id string, priority int) {
	s.seq++
	score := -float64(priority) + float64(s.seq%1000000)/1e9
	s.pending = append(s.pending, pendingEntry{id: id, score: score})
	sort.SliceStable(s.pending, func(i, j int) bool {
		return s.pending[i].score < s.pending[j].score
	})
}

func (s *MemoryStore) removePending(id string) bool {
	for i, e := range s.pending {
		if e.id == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (s *MemoryStore) removeFromQueue(workerID, taskID string) {
	q := s.queues[workerID]
	for i, id := range q {
		if id == taskID {
			s.queues[workerID] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// --- TaskStore ---

func (s *MemoryStore) CreateTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return ErrTaskExists
	}
	cp := cloneTask(t)
	cp.Status = TaskPending
	s.tasks[t.ID] = cp
	s.enqueuePending(t.ID, t.Priority)
	s.queueCounts.TotalTasks++
	s.queueCounts.PendingTasks++
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) ClaimTask(ctx context.Context, workerID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimLocked(workerID, 0, 0), nil
}

// claimLocked walks the head of the pending queue, pruning stale entries and
// skipping tasks that deny the worker. minAge/capacity of zero disable the
// auto-assign constraints.
func (s *MemoryStore) claimLocked(workerID string, minAge time.Duration, capacity int) *Task {
	if capacity > 0 && len(s.queues[workerID]) >= capacity {
		return nil
	}
	checked := 0
	for i := 0; i < len(s.pending) && checked < claimCandidates; {
		id := s.pending[i].id
		t, ok := s.tasks[id]
		if !ok || t.Status != TaskPending {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			continue
		}
		checked++
		if t.Denied(workerID) || (minAge > 0 && time.Since(time.UnixMilli(t.CreatedAtMs)) < minAge) {
			i++
			continue
		}
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		now := nowISO()
		t.AssignedTo = workerID
		t.AssignedAt = now
		t.UpdatedAt = now
		s.queues[workerID] = append(s.queues[workerID], id)
		s.history = append([]Assignment{{TaskID: id, WorkerID: workerID, At: nowMs()}}, s.history...)
		if len(s.history) > 1000 {
			s.history = s.history[:1000]
		}
		s.instCounter(workerID, "tasksClaimed", 1)
		s.queueCounts.PendingTasks--
		return cloneTask(t)
	}
	return nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, id string, u TaskUpdates) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status == TaskCompleted && u.Status != nil && *u.Status != TaskCompleted {
		return nil, ErrTaskCompleted
	}
	if u.Text != nil {
		t.Text = *u.Text
	}
	if len(u.Metadata) > 0 {
		t.Metadata = append(json.RawMessage(nil), u.Metadata...)
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Priority != nil {
		t.Priority = *u.Priority
		if t.Status == TaskPending && s.removePending(id) {
			s.enqueuePending(id, t.Priority)
		}
	}
	t.UpdatedAt = nowISO()
	return cloneTask(t), nil
}

func (s *MemoryStore) CompleteTask(ctx context.Context, id string, result json.RawMessage, errMsg string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status == TaskCompleted || t.Status == TaskFailed {
		return nil, ErrTaskCompleted
	}
	if t.AssignedTo == "" {
		return nil, ErrTaskNotAssigned
	}
	now := nowISO()
	ms := nowMs()
	t.CompletedAt = now
	t.UpdatedAt = now
	t.DurationMs = ms - t.CreatedAtMs
	if errMsg != "" {
		t.Status = TaskFailed
		t.Error = errMsg
		s.queueCounts.FailedTasks++
		s.globalMeta["tasksFailed"]++
		s.instCounter(t.AssignedTo, "tasksFailed", 1)
	} else {
		t.Status = TaskCompleted
		t.Result = append(json.RawMessage(nil), result...)
		s.queueCounts.CompletedTasks++
		s.globalMeta["tasksCompleted"]++
		if s.globalMeta["firstCompletedAtMs"] == 0 {
			s.globalMeta["firstCompletedAtMs"] = ms
		}
		s.globalMeta["lastCompletedAtMs"] = ms
		s.instCounter(t.AssignedTo, "tasksCompleted", 1)
	}
	s.removeFromQueue(t.AssignedTo, id)
	return cloneTask(t), nil
}

func (s *MemoryStore) reassignLocked(id, target, reason string, addDeny bool) (string, error) {
	t, ok := s.tasks[id]
	if !ok {
		return "", ErrTaskNotFound
	}
	if t.Status == TaskCompleted {
		return "", ErrTaskCompleted
	}
	if s.removePending(id) {
		s.queueCounts.PendingTasks--
	}
	if t.AssignedTo != "" {
		if addDeny && !t.Denied(t.AssignedTo) {
			t.Deny = append(t.Deny, t.AssignedTo)
		}
		s.removeFromQueue(t.AssignedTo, id)
	}
	now := nowISO()
	t.ReassignedAt = now
	t.ReassignReason = reason
	t.UpdatedAt = now
	if target != "" {
		if t.Denied(target) {
			return "", ErrTargetDenied
		}
		t.Status = TaskInProgress
		t.AssignedTo = target
		t.AssignedAt = now
		s.queues[target] = append(s.queues[target], id)
		return target, nil
	}
	t.Status = TaskPending
	t.AssignedTo = ""
	t.AssignedAt = ""
	s.enqueuePending(id, t.Priority)
	s.queueCounts.PendingTasks++
	return "global", nil
}

func (s *MemoryStore) ReassignTask(ctx context.Context, id, target, reason string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reassignLocked(id, target, reason, true)
}

func (s *MemoryStore) AssignTask(ctx context.Context, taskID, instanceID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.reassignLocked(taskID, instanceID, "manual assignment", false); err != nil {
		return nil, err
	}
	return cloneTask(s.tasks[taskID]), nil
}

func (s *MemoryStore) UnassignTask(ctx context.Context, taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return "", ErrTaskNotFound
	}
	prev := t.AssignedTo
	if _, err := s.reassignLocked(taskID, "", "unassigned", false); err != nil {
		return "", err
	}
	return prev, nil
}

func (s *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if s.removePending(id) {
		s.queueCounts.PendingTasks--
	}
	if t.AssignedTo != "" {
		s.removeFromQueue(t.AssignedTo, id)
	}
	delete(s.tasks, id)
	s.queueCounts.TotalTasks--
	return nil
}

func (s *MemoryStore) AutoAssignTask(ctx context.Context, workerID string, minAge time.Duration) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.claimLocked(workerID, minAge, s.cfg.DefaultCapacity)
	if t == nil {
		return nil, nil
	}
	// The scheduler path assigns on behalf of the worker, so the status
	// transition happens here rather than via a follow-up update.
	s.tasks[t.ID].Status = TaskInProgress
	t.Status = TaskInProgress
	s.instCounter(workerID, "autoAssigned", 1)
	s.instCounter(workerID, "queueWaitMs", nowMs()-t.CreatedAtMs)
	return t, nil
}

func (s *MemoryStore) ReassignFailed(ctx context.Context, workerID string) ([]Redistribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mi, ok := s.instances[workerID]; ok {
		mi.inst.Status = StatusOffline
		mi.inst.Health = HealthUnhealthy
	}
	delete(s.active, workerID)

	var targets []string
	for id := range s.active {
		if id != workerID && s.roles["worker"][id] && s.instanceAlive(id) {
			targets = append(targets, id)
		}
	}
	sort.Strings(targets)

	orphans := append([]string(nil), s.queues[workerID]...)
	delete(s.queues, workerID)

	now := nowISO()
	ms := nowMs()
	var moved []Redistribution
	for i, id := range orphans {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		if !t.Denied(workerID) {
			t.Deny = append(t.Deny, workerID)
		}
		t.ReassignedAt = now
		t.ReassignReason = "worker offline"
		t.UpdatedAt = now
		if len(targets) > 0 {
			tgt := targets[i%len(targets)]
			t.Status = TaskInProgress
			t.AssignedTo = tgt
			t.AssignedAt = now
			s.queues[tgt] = append(s.queues[tgt], id)
			moved = append(moved, Redistribution{TaskID: id, From: workerID, To: tgt, At: ms})
		} else {
			t.Status = TaskPending
			t.AssignedTo = ""
			t.AssignedAt = ""
			s.enqueuePending(id, t.Priority)
			s.queueCounts.PendingTasks++
			moved = append(moved, Redistribution{TaskID: id, From: workerID, To: "global", At: ms})
		}
	}
	s.redistributed[workerID] = append(moved, s.redistributed[workerID]...)
	return moved, nil
}

func (s *MemoryStore) WorkerQueue(ctx context.Context, workerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queues[workerID]...), nil
}

func (s *MemoryStore) PendingTasks(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.pending))
	for i, e := range s.pending {
		ids[i] = e.id
	}
	return ids, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, int, error) {
	s.mu.Lock()
	var tasks []*Task
	for _, t := range s.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
			continue
		}
		if f.Priority != nil && t.Priority != *f.Priority {
			continue
		}
		tasks = append(tasks, cloneTask(t))
	}
	s.mu.Unlock()
	sortTasks(tasks, f.OrderBy, f.Order)
	total := len(tasks)
	return pageTasks(tasks, f.Offset, f.Limit), total, nil
}

// --- InstanceStore ---

func (s *MemoryStore) instanceAlive(id string) bool {
	mi, ok := s.instances[id]
	return ok && mi.inst.Status != StatusOffline && time.Now().Before(mi.expiresAt)
}

func (s *MemoryStore) RegisterInstance(ctx context.Context, id string, roles []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.instances[id] = &memInstance{
		inst: Instance{
			ID:            id,
			Roles:         append([]string(nil), roles...),
			Health:        HealthHealthy,
			Status:        StatusActive,
			LastSeenMs:    now.UnixMilli(),
			LastHeartbeat: now.UTC().Format(time.RFC3339Nano),
		},
		expiresAt: now.Add(s.cfg.HeartbeatTimeout),
	}
	s.active[id] = true
	caps := s.caps[id]
	if caps == nil {
		caps = make(map[string]bool)
		s.caps[id] = caps
	}
	for _, role := range roles {
		if s.roles[role] == nil {
			s.roles[role] = make(map[string]bool)
		}
		s.roles[role][id] = true
		caps[role] = true
	}
	caps["instance-"+id] = true
	s.gossip[id] = GossipEntry{Status: HealthHealthy, LastSeen: now.UnixMilli()}

	became := false
	if s.leader == "" || now.After(s.leaderExp) {
		s.leader = id
		s.leaderExp = now.Add(s.cfg.LeaderLease)
		became = true
	}
	return became, nil
}

func (s *MemoryStore) Heartbeat(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	mi, ok := s.instances[id]
	if !ok || now.After(mi.expiresAt) {
		delete(s.instances, id)
		delete(s.active, id)
		return false, ErrNotRegistered
	}
	mi.inst.LastSeenMs = now.UnixMilli()
	mi.inst.LastHeartbeat = now.UTC().Format(time.RFC3339Nano)
	mi.inst.Health = HealthHealthy
	mi.inst.Status = StatusActive
	mi.expiresAt = now.Add(s.cfg.HeartbeatTimeout)
	s.active[id] = true
	s.gossip[id] = GossipEntry{Status: HealthHealthy, LastSeen: now.UnixMilli()}

	if s.leader == id && now.Before(s.leaderExp) {
		s.leaderExp = now.Add(s.cfg.LeaderLease)
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mi, ok := s.instances[id]
	if !ok || time.Now().After(mi.expiresAt) {
		return nil, nil
	}
	cp := mi.inst
	return &cp, nil
}

func (s *MemoryStore) ListInstances(ctx context.Context) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Instance
	for id := range s.active {
		if mi, ok := s.instances[id]; ok && time.Now().Before(mi.expiresAt) {
			cp := mi.inst
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ActiveInstances(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) InstancesByRole(ctx context.Context, role string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.roles[role] {
		if s.active[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) SetInstanceHealth(ctx context.Context, id, health, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mi, ok := s.instances[id]; ok {
		mi.inst.Health = health
		mi.inst.Status = status
	}
	s.gossip[id] = GossipEntry{Status: health, LastSeen: nowMs()}
	if status == StatusOffline {
		delete(s.active, id)
	}
	return nil
}

func (s *MemoryStore) CurrentLeader(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Now().After(s.leaderExp) {
		return "", nil
	}
	return s.leader, nil
}

func (s *MemoryStore) GossipSnapshot(ctx context.Context) (map[string]GossipEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]GossipEntry, len(s.gossip))
	for id, e := range s.gossip {
		out[id] = e
	}
	return out, nil
}

func (s *MemoryStore) SetPartitionFlags(ctx context.Context, detected, recovery bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partDet = detected
	s.partRec = recovery
	return nil
}

func (s *MemoryStore) PartitionFlags(ctx context.Context) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partDet, s.partRec, nil
}

// --- EventStore ---

func matchPattern(pattern, eventType string) bool {
	if pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func (s *MemoryStore) AppendEvent(ctx context.Context, evt *Event) error {
	s.mu.Lock()
	cp := *evt
	stream := append(s.streams[evt.Type], cp)
	if int64(len(stream)) > s.cfg.StreamTrimMaxLen {
		stream = stream[len(stream)-int(s.cfg.StreamTrimMaxLen):]
	}
	s.streams[evt.Type] = stream
	var targets []*memSub
	for _, sub := range s.subs {
		if matchPattern(sub.pattern, evt.Type) {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- cp:
		case <-sub.done:
		default: // slow subscriber drops, like pub/sub
		}
	}
	return nil
}

func (s *MemoryStore) SubscribeEvents(ctx context.Context, pattern string, fn func(Event)) (func(), error) {
	sub := &memSub{pattern: pattern, ch: make(chan Event, 256), done: make(chan struct{})}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	go func() {
		for {
			select {
			case evt := <-sub.ch:
				fn(evt)
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			for i, cur := range s.subs {
				if cur == sub {
					s.subs = append(s.subs[:i], s.subs[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
			close(sub.done)
		})
	}, nil
}

func (s *MemoryStore) IsDuplicateEvent(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processed[id] {
		s.counters["duplicates"]++
		return true, nil
	}
	s.processed[id] = true
	return false, nil
}

func (s *MemoryStore) AddToPartition(ctx context.Context, partitionID string, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.partitions[partitionID], evt)
	if len(list) > partitionMaxLen {
		list = list[len(list)-partitionMaxLen:]
	}
	s.partitions[partitionID] = list
	return nil
}

func (s *MemoryStore) PartitionEvents(ctx context.Context, partitionID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.partitions[partitionID]...), nil
}

func (s *MemoryStore) ReadStream(ctx context.Context, eventType string, limit int64) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream := s.streams[eventType]
	if limit > 0 && int64(len(stream)) > limit {
		stream = stream[int64(len(stream))-limit:]
	}
	return append([]Event(nil), stream...), nil
}

// --- MetricsStore ---

func (s *MemoryStore) instCounter(id, name string, delta int64) {
	m := s.instMetrics[id]
	if m == nil {
		m = make(map[string]int64)
		s.instMetrics[id] = m
	}
	m[name] += delta
}

func (s *MemoryStore) IncrCounter(ctx context.Context, name string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name] += delta
	return nil
}

func (s *MemoryStore) GetCounter(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name], nil
}

func (s *MemoryStore) QueueCounts(ctx context.Context) (QueueCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueCounts, nil
}

func (s *MemoryStore) InstanceCounters(ctx context.Context, id string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.instMetrics[id]))
	for k, v := range s.instMetrics[id] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) AggregateMetrics(ctx context.Context) (*GlobalMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg := &GlobalMetrics{
		Instances:   int64(len(s.active)),
		Queues:      s.queueCounts,
		PerInstance: make(map[string]int64),
	}
	for id, m := range s.instMetrics {
		agg.TasksClaimed += m["tasksClaimed"]
		agg.TasksCompleted += m["tasksCompleted"]
		agg.TasksFailed += m["tasksFailed"]
		agg.PerInstance[id] = m["tasksCompleted"]
	}
	if span := s.globalMeta["lastCompletedAtMs"] - s.globalMeta["firstCompletedAtMs"]; span > 0 && s.globalMeta["tasksCompleted"] > 1 {
		agg.ThroughputPerMin = float64(s.globalMeta["tasksCompleted"]-1) / (float64(span) / 60000.0)
	}
	return agg, nil
}

func (s *MemoryStore) SyncGlobalState(ctx context.Context, data json.RawMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateVer++
	s.stateData = append(json.RawMessage(nil), data...)
	s.stateTs = nowMs()
	return s.stateVer, nil
}

func (s *MemoryStore) GetGlobalState(ctx context.Context) (*GlobalState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &GlobalState{Data: append(json.RawMessage(nil), s.stateData...), Version: s.stateVer, Timestamp: s.stateTs}, nil
}

func (s *MemoryStore) WriteQuorum(ctx context.Context, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range fields {
		s.quorum[k] = v
	}
	return nil
}

func (s *MemoryStore) QuorumSnapshot(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.quorum))
	for k, v := range s.quorum {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) AllowRate(ctx context.Context, event string, limit int) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	w := s.rateWindows[event]
	if w == nil || now.After(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(s.cfg.RateLimitWindow)}
		s.rateWindows[event] = w
	}
	w.count++
	if w.count > limit {
		return false, time.Until(w.resetAt).Milliseconds(), nil
	}
	return true, 0, nil
}

func (s *MemoryStore) CacheGet(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[key]
	if !ok || time.Now().After(e.expiresAt) {
		delete(s.cache, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) CacheSet(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// --- SessionStore ---

func (s *MemoryStore) session(sid string) *memSession {
	sess := s.sessions[sid]
	if sess == nil {
		sess = &memSession{counters: make(map[string]int64), context: make(map[string]string)}
		s.sessions[sid] = sess
	}
	return sess
}

func (s *MemoryStore) AppendSessionEvent(ctx context.Context, sid string, evt SessionEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(sid)
	sess.events = append(sess.events, evt)
	return int64(len(sess.events)), nil
}

func (s *MemoryStore) SessionEvents(ctx context.Context, sid string, limit int64) ([]SessionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.session(sid).events
	if limit > 0 && int64(len(events)) > limit {
		events = events[int64(len(events))-limit:]
	}
	return append([]SessionEvent(nil), events...), nil
}

func (s *MemoryStore) IncrSessionCounter(ctx context.Context, sid, name string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session(sid).counters[name] += delta
	return nil
}

func (s *MemoryStore) SessionCounters(ctx context.Context, sid string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for k, v := range s.session(sid).counters {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) SetSessionContext(ctx context.Context, sid string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(sid)
	for k, v := range fields {
		sess.context[k] = v
	}
	return nil
}

func (s *MemoryStore) SessionContext(ctx context.Context, sid string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.session(sid).context {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap *SessionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	sess := s.session(snap.SessionID)
	sess.snaps = append([]*SessionSnapshot{&cp}, sess.snaps...)
	if len(sess.snaps) > 100 {
		sess.snaps = sess.snaps[:100]
	}
	return nil
}

func (s *MemoryStore) LatestSnapshot(ctx context.Context, sid string) (*SessionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(sid)
	if len(sess.snaps) == 0 {
		return nil, nil
	}
	cp := *sess.snaps[0]
	return &cp, nil
}
