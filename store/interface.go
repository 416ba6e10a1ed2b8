// Package store defines the persistence contract used by the scheduling
// core (spec §4.1) and two implementations: a Postgres-backed durable Store
// and an in-memory Store for tests. A thin Redis-backed Coordinator
// supplies the fast lease primitives LockService needs for leader
// election; namespace binding goes through Store.BindNamespace.
package store

import (
	"context"
	"time"

	"github.com/hetuflow/hetuflow/domain"
)

// ClaimFilter narrows a pending-task claim to the namespaces a server owns
// and the capabilities an agent advertises.
type ClaimFilter struct {
	NamespaceIDs []domain.ID
	Now          time.Time
	LeadTime     time.Duration // claim tasks with ScheduledAt <= Now + LeadTime
	Labels       map[string]string
	Limit        int
}

// Store is the persistence contract required by the scheduling core. All
// mutating operations are transactional; see each method's doc for its
// atomicity requirement.
type Store interface {
	// Namespace operations.
	UpsertNamespace(ctx context.Context, ns *domain.Namespace) error
	GetNamespace(ctx context.Context, id domain.ID) (*domain.Namespace, error)
	ListActiveNamespaces(ctx context.Context) ([]*domain.Namespace, error)
	// BindNamespace atomically (re)binds a namespace to a server. It is the
	// sole mutator of Namespace.BoundServerID; at most one server is ever
	// bound at a time (spec §3 invariant).
	BindNamespace(ctx context.Context, namespaceID, serverID domain.ID) error
	UnbindNamespace(ctx context.Context, namespaceID domain.ID) error

	// Server operations.
	UpsertServer(ctx context.Context, s *domain.Server) error
	GetServer(ctx context.Context, id domain.ID) (*domain.Server, error)
	ListServers(ctx context.Context) ([]*domain.Server, error)
	UpdateServerHeartbeat(ctx context.Context, id domain.ID, at time.Time) error
	MarkServersInactive(ctx context.Context, olderThan time.Time) (int, error)

	// Agent operations.
	UpsertAgent(ctx context.Context, a *domain.Agent) error
	GetAgent(ctx context.Context, id domain.ID) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]*domain.Agent, error)
	UpdateAgentHeartbeat(ctx context.Context, id domain.ID, at time.Time, stats domain.Statistics) error
	MarkAgentsOffline(ctx context.Context, olderThan time.Time) (int, error)

	// Job operations.
	CreateJob(ctx context.Context, j *domain.Job) error
	GetJob(ctx context.Context, id domain.ID) (*domain.Job, error)
	ListJobsByNamespace(ctx context.Context, namespaceID domain.ID) ([]*domain.Job, error)

	// Schedule operations.
	CreateSchedule(ctx context.Context, s *domain.Schedule) error
	GetSchedule(ctx context.Context, id domain.ID) (*domain.Schedule, error)
	// ListDueSchedules returns active schedules for namespaceID whose
	// NextFireAt is <= now+lookahead, ordered for deterministic processing.
	ListDueSchedules(ctx context.Context, namespaceID domain.ID, now time.Time, lookahead time.Duration, limit int) ([]*domain.Schedule, error)
	// AdvanceSchedule advances a schedule's NextFireAt, adds firedDelta (the
	// number of instants actually generated this pass) to FiredCount, and
	// (if exhausted or past ValidUntil) disables it, in one call.
	AdvanceSchedule(ctx context.Context, id domain.ID, nextFireAt time.Time, firedDelta int, disable bool) error

	// Task operations.
	// InsertPendingTask inserts a new Pending task keyed by IdempotencyKey.
	// Returns ErrDuplicateTask (not a domain.ConflictError -- this is
	// expected, harmless double-generation, not a race) if the key already
	// exists.
	InsertPendingTask(ctx context.Context, t *domain.Task) error
	GetTask(ctx context.Context, id domain.ID) (*domain.Task, error)
	// ClaimPendingTasks atomically selects up to filter.Limit Pending tasks
	// matching filter (skip-locked), flips them to Locked, and returns them.
	// This is the sole mechanism used by DispatchCore and TaskGenerator's
	// sibling claim to obtain tasks (spec §4.1).
	ClaimPendingTasks(ctx context.Context, filter ClaimFilter) ([]*domain.Task, error)
	// MarkDispatched transitions a Locked task to Dispatched and records the
	// owning agent. Fails with ConflictError if the task is not Locked by
	// serverID.
	MarkDispatched(ctx context.Context, taskID, serverID, agentID domain.ID) error
	// MarkDoing transitions a Dispatched task to Doing (first Running
	// update from the agent).
	MarkDoing(ctx context.Context, taskID domain.ID) error
	// MarkTaskTerminal transitions a Doing task to a terminal status.
	MarkTaskTerminal(ctx context.Context, taskID domain.ID, status domain.TaskStatus) error
	// RequeueTask resets a task to Pending, clears server/agent ownership,
	// and optionally bumps retry_count. Used by the AckTracker (ack
	// exhaustion), the orphaned-dispatch sweep, and DispatchCore to release
	// a claim it does not dispatch. The janitor uses ReclaimExpiredLocks.
	RequeueTask(ctx context.Context, taskID domain.ID, bumpRetry bool) error
	// ReclaimExpiredLocks resets Locked/Dispatched tasks whose lock has
	// expired back to Pending, clearing server_id/locked_at. Returns the
	// number reclaimed.
	ReclaimExpiredLocks(ctx context.Context, lockTimeout time.Duration, now time.Time) (int, error)
	// ListDispatchedToAgent returns Tasks currently Dispatched or Doing to
	// agentID, for resync (spec §4.7 step 3) and the orphaned-dispatch sweep.
	ListDispatchedToAgent(ctx context.Context, agentID domain.ID) ([]*domain.Task, error)

	// TaskInstance operations.
	// CreateTaskInstanceIfAbsent inserts a new TaskInstance keyed by
	// IdempotencyKey. Returns ErrDuplicateTaskInstance if one already
	// exists for that key -- the caller releases the task's lock and skips
	// (spec §4.5 step 3).
	CreateTaskInstanceIfAbsent(ctx context.Context, ti *domain.TaskInstance) error
	GetTaskInstance(ctx context.Context, id domain.ID) (*domain.TaskInstance, error)
	// UpdateTaskInstanceStatus applies a status transition only if it is
	// monotone relative to the instance's current status (spec §4.8); a
	// stale update is silently dropped (ok=false, err=nil).
	UpdateTaskInstanceStatus(ctx context.Context, id domain.ID, to domain.TaskInstanceStatus, fields TaskInstanceUpdateFields) (ok bool, err error)

	// GlobalPath operations (leader election / named-resource CAS).
	GetGlobalPath(ctx context.Context, path string) (*domain.GlobalPath, error)
	// CASGlobalPath creates or updates path, succeeding only if the current
	// revision equals expectedRevision (0 means "must not exist").
	CASGlobalPath(ctx context.Context, path, value string, expectedRevision int64) (newRevision int64, err error)

	// Durable epoch (fencing token), backed by the same durable store as
	// Tasks so it survives a coordination-backend flush.
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)

	// Advisory locks keyed by a fixed integer (see the AdvisoryKey*
	// constants in keys.go). No component in this repository takes one;
	// leader-only work is gated by LockService alone.
	TryAdvisoryLock(ctx context.Context, key int64) (bool, error)
	AdvisoryUnlock(ctx context.Context, key int64) error
}

// TaskInstanceUpdateFields carries the optional fields a
// TaskInstanceUpdate message may set, per spec §6.
type TaskInstanceUpdateFields struct {
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ExitCode     *int
	ErrorMessage string
	StdoutRef    string
	StderrRef    string
}

// ErrDuplicateTask is returned by InsertPendingTask when the idempotency key
// already exists -- harmless double-generation, not a conflict to surface.
var ErrDuplicateTask = &dupError{"task"}

// ErrDuplicateTaskInstance is returned by CreateTaskInstanceIfAbsent when the
// idempotency key already exists -- the attempt is already being executed.
var ErrDuplicateTaskInstance = &dupError{"task instance"}

type dupError struct{ kind string }

func (e *dupError) Error() string { return "duplicate " + e.kind }

// Coordinator is the fast, approximate lease/CAS backend (Redis in
// production) used by LockService for leader election. It trades
// durability for low latency; the durable fencing epoch
// lives in Store instead.
type Coordinator interface {
	AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, value string) error
	GetLockOwner(ctx context.Context, key string) (string, error)
	ScanLocks(ctx context.Context, pattern string) ([]string, error)

	// Generic key-value helpers reused by the Gateway's replay guard.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}
