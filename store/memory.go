package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hetuflow/hetuflow/domain"
)

// MemoryStore is an in-memory Store used by package tests in schedule/,
// dispatch/ and coordination/. It emulates SKIP LOCKED by holding a single
// mutex for the whole claim operation, which is sufficient to exercise the
// contract's semantics without a real database.
type MemoryStore struct {
	mu sync.Mutex

	namespaces    map[domain.ID]*domain.Namespace
	servers       map[domain.ID]*domain.Server
	agents        map[domain.ID]*domain.Agent
	jobs          map[domain.ID]*domain.Job
	schedules     map[domain.ID]*domain.Schedule
	tasks         map[domain.ID]*domain.Task
	tasksByKey    map[string]domain.ID
	instances     map[domain.ID]*domain.TaskInstance
	instByKey     map[string]domain.ID
	globalPaths   map[string]*domain.GlobalPath
	epochs        map[string]int64
	advisoryLocks map[int64]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		namespaces:    make(map[domain.ID]*domain.Namespace),
		servers:       make(map[domain.ID]*domain.Server),
		agents:        make(map[domain.ID]*domain.Agent),
		jobs:          make(map[domain.ID]*domain.Job),
		schedules:     make(map[domain.ID]*domain.Schedule),
		tasks:         make(map[domain.ID]*domain.Task),
		tasksByKey:    make(map[string]domain.ID),
		instances:     make(map[domain.ID]*domain.TaskInstance),
		instByKey:     make(map[string]domain.ID),
		globalPaths:   make(map[string]*domain.GlobalPath),
		epochs:        make(map[string]int64),
		advisoryLocks: make(map[int64]bool),
	}
}

func (m *MemoryStore) UpsertNamespace(_ context.Context, ns *domain.Namespace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ns
	m.namespaces[ns.ID] = &cp
	return nil
}

func (m *MemoryStore) GetNamespace(_ context.Context, id domain.ID) (*domain.Namespace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[id]
	if !ok {
		return nil, &domain.NotFoundError{Op: "GetNamespace", Kind: "Namespace", ID: id.String()}
	}
	cp := *ns
	return &cp, nil
}

func (m *MemoryStore) ListActiveNamespaces(_ context.Context) ([]*domain.Namespace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Namespace
	for _, ns := range m.namespaces {
		if ns.Status == domain.NamespaceActive {
			cp := *ns
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *MemoryStore) BindNamespace(_ context.Context, namespaceID, serverID domain.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[namespaceID]
	if !ok {
		return &domain.NotFoundError{Op: "BindNamespace", Kind: "Namespace", ID: namespaceID.String()}
	}
	if !ns.BoundServerID.IsZero() && ns.BoundServerID != serverID {
		return &domain.ConflictError{Op: "BindNamespace", Key: namespaceID.String()}
	}
	ns.BoundServerID = serverID
	return nil
}

func (m *MemoryStore) UnbindNamespace(_ context.Context, namespaceID domain.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns, ok := m.namespaces[namespaceID]; ok {
		ns.BoundServerID = domain.ZeroID
	}
	return nil
}

func (m *MemoryStore) UpsertServer(_ context.Context, s *domain.Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.servers[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetServer(_ context.Context, id domain.ID) (*domain.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, &domain.NotFoundError{Op: "GetServer", Kind: "Server", ID: id.String()}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListServers(_ context.Context) ([]*domain.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Server
	for _, s := range m.servers {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *MemoryStore) UpdateServerHeartbeat(_ context.Context, id domain.ID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.servers[id]; ok {
		s.LastHeartbeatAt = at
		s.Status = domain.ServerActive
	}
	return nil
}

func (m *MemoryStore) MarkServersInactive(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.servers {
		if s.Status == domain.ServerActive && s.LastHeartbeatAt.Before(olderThan) {
			s.Status = domain.ServerInactive
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpsertAgent(_ context.Context, a *domain.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id domain.ID) (*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, &domain.NotFoundError{Op: "GetAgent", Kind: "Agent", ID: id.String()}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAgents(_ context.Context) ([]*domain.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Agent
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *MemoryStore) UpdateAgentHeartbeat(_ context.Context, id domain.ID, at time.Time, stats domain.Statistics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok {
		a.LastHeartbeatAt = at
		a.Status = domain.AgentOnline
		a.Statistics = stats
	}
	return nil
}

func (m *MemoryStore) MarkAgentsOffline(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.agents {
		if a.Status != domain.AgentOffline && a.LastHeartbeatAt.Before(olderThan) {
			a.Status = domain.AgentOffline
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateJob(_ context.Context, j *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id domain.ID) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, &domain.NotFoundError{Op: "GetJob", Kind: "Job", ID: id.String()}
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ListJobsByNamespace(_ context.Context, namespaceID domain.ID) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Job
	for _, j := range m.jobs {
		if j.NamespaceID == namespaceID && j.Status == domain.JobEnabled {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *MemoryStore) CreateSchedule(_ context.Context, s *domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id domain.ID) (*domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, &domain.NotFoundError{Op: "GetSchedule", Kind: "Schedule", ID: id.String()}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListDueSchedules(_ context.Context, namespaceID domain.ID, now time.Time, lookahead time.Duration, limit int) ([]*domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Schedule
	deadline := now.Add(lookahead)
	for _, s := range m.schedules {
		job, ok := m.jobs[s.JobID]
		if !ok || job.NamespaceID != namespaceID {
			continue
		}
		if s.Enabled && !s.NextFireAt.After(deadline) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextFireAt.Before(out[j].NextFireAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AdvanceSchedule(_ context.Context, id domain.ID, nextFireAt time.Time, firedDelta int, disable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return &domain.NotFoundError{Op: "AdvanceSchedule", Kind: "Schedule", ID: id.String()}
	}
	s.NextFireAt = nextFireAt
	s.FiredCount += firedDelta
	if disable {
		s.Enabled = false
	}
	return nil
}

func (m *MemoryStore) InsertPendingTask(_ context.Context, t *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasksByKey[t.IdempotencyKey]; exists {
		return ErrDuplicateTask
	}
	cp := *t
	cp.Status = domain.TaskPending
	m.tasks[t.ID] = &cp
	m.tasksByKey[t.IdempotencyKey] = t.ID
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id domain.ID) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, &domain.NotFoundError{Op: "GetTask", Kind: "Task", ID: id.String()}
	}
	cp := *t
	return &cp, nil
}

func inSet(id domain.ID, ids []domain.ID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ClaimPendingTasks(_ context.Context, filter ClaimFilter) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*domain.Task
	deadline := filter.Now.Add(filter.LeadTime)
	for _, t := range m.tasks {
		if t.Status != domain.TaskPending {
			continue
		}
		if !inSet(t.NamespaceID, filter.NamespaceIDs) {
			continue
		}
		if t.ScheduledAt.After(deadline) {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ScheduledAt.Before(candidates[j].ScheduledAt)
	})
	if filter.Limit > 0 && len(candidates) > filter.Limit {
		candidates = candidates[:filter.Limit]
	}

	out := make([]*domain.Task, 0, len(candidates))
	for _, t := range candidates {
		t.Status = domain.TaskLocked
		t.LockedAt = filter.Now
		t.LockVersion++
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) MarkDispatched(_ context.Context, taskID, serverID, agentID domain.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return &domain.NotFoundError{Op: "MarkDispatched", Kind: "Task", ID: taskID.String()}
	}
	if t.Status != domain.TaskLocked {
		return &domain.ConflictError{Op: "MarkDispatched", Key: taskID.String()}
	}
	t.Status = domain.TaskDispatched
	t.ServerID = serverID
	t.AgentID = agentID
	return nil
}

func (m *MemoryStore) MarkDoing(_ context.Context, taskID domain.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok && t.Status == domain.TaskDispatched {
		t.Status = domain.TaskDoing
	}
	return nil
}

func (m *MemoryStore) MarkTaskTerminal(_ context.Context, taskID domain.ID, status domain.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok {
		t.Status = status
	}
	return nil
}

func (m *MemoryStore) RequeueTask(_ context.Context, taskID domain.ID, bumpRetry bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return &domain.NotFoundError{Op: "RequeueTask", Kind: "Task", ID: taskID.String()}
	}
	t.Status = domain.TaskPending
	t.ServerID = domain.ZeroID
	t.AgentID = domain.ZeroID
	t.LockedAt = time.Time{}
	if bumpRetry {
		t.RetryCount++
	}
	return nil
}

func (m *MemoryStore) ReclaimExpiredLocks(_ context.Context, lockTimeout time.Duration, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if (t.Status == domain.TaskLocked || t.Status == domain.TaskDispatched) && now.Sub(t.LockedAt) > lockTimeout {
			t.Status = domain.TaskPending
			t.ServerID = domain.ZeroID
			t.AgentID = domain.ZeroID
			t.LockedAt = time.Time{}
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListDispatchedToAgent(_ context.Context, agentID domain.ID) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Task
	for _, t := range m.tasks {
		if t.AgentID == agentID && (t.Status == domain.TaskDispatched || t.Status == domain.TaskDoing) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateTaskInstanceIfAbsent(_ context.Context, ti *domain.TaskInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instByKey[ti.IdempotencyKey]; exists {
		return ErrDuplicateTaskInstance
	}
	cp := *ti
	cp.Status = domain.InstancePending
	m.instances[ti.ID] = &cp
	m.instByKey[ti.IdempotencyKey] = ti.ID
	return nil
}

func (m *MemoryStore) GetTaskInstance(_ context.Context, id domain.ID) (*domain.TaskInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ti, ok := m.instances[id]
	if !ok {
		return nil, &domain.NotFoundError{Op: "GetTaskInstance", Kind: "TaskInstance", ID: id.String()}
	}
	cp := *ti
	return &cp, nil
}

func (m *MemoryStore) UpdateTaskInstanceStatus(_ context.Context, id domain.ID, to domain.TaskInstanceStatus, fields TaskInstanceUpdateFields) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ti, ok := m.instances[id]
	if !ok {
		return false, &domain.NotFoundError{Op: "UpdateTaskInstanceStatus", Kind: "TaskInstance", ID: id.String()}
	}
	if !domain.IsMonotoneTransition(ti.Status, to) {
		return false, nil
	}
	ti.Status = to
	if fields.StartedAt != nil {
		ti.StartedAt = fields.StartedAt
	}
	if fields.CompletedAt != nil {
		ti.CompletedAt = fields.CompletedAt
	}
	if fields.ExitCode != nil {
		ti.ExitCode = fields.ExitCode
	}
	if fields.ErrorMessage != "" {
		ti.ErrorMessage = fields.ErrorMessage
	}
	if fields.StdoutRef != "" {
		ti.StdoutRef = fields.StdoutRef
	}
	if fields.StderrRef != "" {
		ti.StderrRef = fields.StderrRef
	}
	return true, nil
}

func (m *MemoryStore) GetGlobalPath(_ context.Context, path string) (*domain.GlobalPath, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gp, ok := m.globalPaths[path]
	if !ok {
		return nil, &domain.NotFoundError{Op: "GetGlobalPath", Kind: "GlobalPath", ID: path}
	}
	cp := *gp
	return &cp, nil
}

func (m *MemoryStore) CASGlobalPath(_ context.Context, path, value string, expectedRevision int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gp, exists := m.globalPaths[path]
	if expectedRevision == 0 {
		if exists {
			return 0, &domain.ConflictError{Op: "CASGlobalPath", Key: path}
		}
		m.globalPaths[path] = &domain.GlobalPath{Path: path, Value: value, Revision: 1}
		return 1, nil
	}
	if !exists || gp.Revision != expectedRevision {
		return 0, &domain.ConflictError{Op: "CASGlobalPath", Key: path}
	}
	gp.Value = value
	gp.Revision++
	return gp.Revision, nil
}

func (m *MemoryStore) IncrementDurableEpoch(_ context.Context, resourceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochs[resourceID]++
	return m.epochs[resourceID], nil
}

func (m *MemoryStore) GetDurableEpoch(_ context.Context, resourceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epochs[resourceID], nil
}

func (m *MemoryStore) TryAdvisoryLock(_ context.Context, key int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.advisoryLocks[key] {
		return false, nil
	}
	m.advisoryLocks[key] = true
	return true, nil
}

func (m *MemoryStore) AdvisoryUnlock(_ context.Context, key int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.advisoryLocks, key)
	return nil
}

// MemoryCoordinator is an in-memory Coordinator for tests, emulating Redis
// lease semantics (value-checked release/renew) without a server.
type MemoryCoordinator struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value   string
	expires time.Time
}

func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{entries: make(map[string]memEntry)}
}

func (c *MemoryCoordinator) expire(now time.Time) {
	for k, e := range c.entries {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}

func (c *MemoryCoordinator) AcquireLease(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.expire(now)
	if _, exists := c.entries[key]; exists {
		return false, nil
	}
	c.entries[key] = memEntry{value: value, expires: now.Add(ttl)}
	return true, nil
}

func (c *MemoryCoordinator) RenewLease(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.expire(now)
	e, ok := c.entries[key]
	if !ok || e.value != value {
		return false, nil
	}
	e.expires = now.Add(ttl)
	c.entries[key] = e
	return true, nil
}

func (c *MemoryCoordinator) ReleaseLease(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && e.value == value {
		delete(c.entries, key)
	}
	return nil
}

func (c *MemoryCoordinator) GetLockOwner(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(time.Now())
	return c.entries[key].value, nil
}

func (c *MemoryCoordinator) ScanLocks(_ context.Context, pattern string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(time.Now())
	var out []string
	for k := range c.entries {
		if matchGlob(pattern, k) {
			out = append(out, k)
		}
	}
	return out, nil
}

// matchGlob supports the single trailing "*" form used by our own key
// helpers; it is not a general glob matcher.
func matchGlob(pattern, s string) bool {
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(s) >= len(prefix) && s[:len(prefix)] == prefix
	}
	return pattern == s
}

func (c *MemoryCoordinator) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	expires := time.Time{}
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	c.entries[key] = memEntry{value: value, expires: expires}
	return nil
}

func (c *MemoryCoordinator) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(time.Now())
	return c.entries[key].value, nil
}
