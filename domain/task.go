package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// TaskStatus is the authoritative, server-side state machine of a Task (spec
// §4.10).
type TaskStatus string

const (
	TaskPending    TaskStatus = "Pending"
	TaskLocked     TaskStatus = "Locked"
	TaskDispatched TaskStatus = "Dispatched"
	TaskDoing      TaskStatus = "Doing"
	TaskSucceeded  TaskStatus = "Succeeded"
	TaskFailed     TaskStatus = "Failed"
	TaskCancelled  TaskStatus = "Cancelled"
)

// Task is a concrete, time-bound unit of work derived from a (Job, Schedule)
// pair or from an external Event.
type Task struct {
	ID             ID
	JobID          ID
	ScheduleID     ID // ZeroID for Event-sourced tasks
	NamespaceID    ID
	Priority       int // higher wins
	ScheduledAt    time.Time
	Status         TaskStatus
	ServerID       ID // set while Locked/Dispatched
	AgentID        ID // set while Dispatched/Doing
	LockedAt       time.Time
	LockVersion    int64
	RetryCount     int
	MaxRetries     int
	Dependencies   []ID
	Payload        map[string]string
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IdempotencyKey computes the dispatch idempotency key for a (job, instant,
// attempt) triple, per spec §4.3 step 3 and §4.11.
func IdempotencyKey(jobID ID, scheduledAt time.Time, attempt int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d", jobID.String(), scheduledAt.UnixNano(), attempt)
	return hex.EncodeToString(h.Sum(nil))
}

// LockExpired reports whether a Locked/Dispatched task's lock has expired and
// should be reclaimed by the janitor.
func (t *Task) LockExpired(now time.Time, lockTimeout time.Duration) bool {
	if t.Status != TaskLocked && t.Status != TaskDispatched {
		return false
	}
	return now.Sub(t.LockedAt) > lockTimeout
}

// CanRetry reports whether a Failed task is eligible to be re-queued.
func (t *Task) CanRetry() bool {
	return t.Status == TaskFailed && t.RetryCount < t.MaxRetries
}

// TaskInstanceStatus is the per-attempt execution state machine (spec §4.10).
type TaskInstanceStatus string

const (
	InstancePending   TaskInstanceStatus = "Pending"
	InstanceRunning   TaskInstanceStatus = "Running"
	InstanceSucceeded TaskInstanceStatus = "Succeeded"
	InstanceFailed    TaskInstanceStatus = "Failed"
	InstanceCancelled TaskInstanceStatus = "Cancelled"
	InstanceTimeout   TaskInstanceStatus = "Timeout"
)

// IsTerminal reports whether s is an absorbing state.
func (s TaskInstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceSucceeded, InstanceFailed, InstanceCancelled, InstanceTimeout:
		return true
	default:
		return false
	}
}

// instanceRank orders statuses along their one legal path so a monotone
// predicate can be implemented as "new rank > old rank, or new is a sibling
// terminal of a non-terminal old rank".
var instanceRank = map[TaskInstanceStatus]int{
	InstancePending:   0,
	InstanceRunning:   1,
	InstanceSucceeded: 2,
	InstanceFailed:    2,
	InstanceCancelled: 2,
	InstanceTimeout:   2,
}

// IsMonotoneTransition reports whether moving from 'from' to 'to' is a legal,
// forward-only transition per the TaskInstance state machine. A terminal
// 'from' never permits any further transition.
func IsMonotoneTransition(from, to TaskInstanceStatus) bool {
	if from.IsTerminal() {
		return false
	}
	return instanceRank[to] > instanceRank[from]
}

// TaskInstance is one execution attempt of a Task on an Agent.
type TaskInstance struct {
	ID             ID
	TaskID         ID
	AgentID        ID
	Attempt        int
	Status         TaskInstanceStatus
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ExitCode       *int
	StdoutRef      string
	StderrRef      string
	ErrorMessage   string
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
