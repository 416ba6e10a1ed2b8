package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/hetuflow/hetuflow/domain"
	"github.com/hetuflow/hetuflow/observability"
	"github.com/hetuflow/hetuflow/store"
)

// outstanding is one in-flight, un-acknowledged DispatchTask.
type outstanding struct {
	agentID    domain.ID
	taskID     domain.ID
	sentAt     time.Time
	retryCount int
}

// AckTrackerConfig carries the tunables of spec §4.6.
type AckTrackerConfig struct {
	TickInterval time.Duration // default 1s
	AckTimeout   time.Duration // default 10s
	MaxRetries   int           // default 3
	BackoffBase  time.Duration // default 500ms
	BackoffMax   time.Duration // default 30s
}

func defaultedAckConfig(c AckTrackerConfig) AckTrackerConfig {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// Resender re-delivers a DispatchTask message for taskID to agentID,
// reusing the same messageID so an Ack of either delivery clears the same
// outstanding entry; the Agent itself does not deduplicate by message id.
// Core implements this.
type Resender interface {
	Resend(ctx context.Context, agentID, taskID domain.ID, messageID string) error
}

// AckTracker maintains per-message outstanding-dispatch state and drives
// the resend-with-backoff / reassign-on-exhaustion policy of spec §4.6.
// Grounded on control_plane/scheduler/queue.go's mutex-guarded-map idiom
// for the outstanding set, and control_plane/scheduler/circuit_breaker.go's
// time-based state transition shape for the backoff calculation.
type AckTracker struct {
	mu      sync.Mutex
	entries map[string]*outstanding

	db       store.Store
	resender Resender
	cfg      AckTrackerConfig
}

func NewAckTracker(db store.Store, cfg AckTrackerConfig) *AckTracker {
	return &AckTracker{
		entries: make(map[string]*outstanding),
		db:      db,
		cfg:     defaultedAckConfig(cfg),
	}
}

// SetResender wires the Core back in; split from the constructor because
// Core depends on AckTracker being constructed first.
func (t *AckTracker) SetResender(r Resender) { t.resender = r }

// Register records a freshly dispatched message as outstanding.
func (t *AckTracker) Register(messageID string, agentID, taskID domain.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[messageID] = &outstanding{agentID: agentID, taskID: taskID, sentAt: time.Now()}
}

// Ack removes messageID from the outstanding set and reports the latency
// sample for the Agent's reliability statistics, per spec §4.6's "Receipt
// of any ACK removes the entry and records a latency sample."
func (t *AckTracker) Ack(messageID string) (latency time.Duration, agentID domain.ID, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, found := t.entries[messageID]
	if !found {
		return 0, domain.ZeroID, false
	}
	delete(t.entries, messageID)
	observability.TasksOutstanding.WithLabelValues(e.agentID.String()).Dec()
	return time.Since(e.sentAt), e.agentID, true
}

// Run ticks every TickInterval, resending or reassigning stale dispatches.
func (t *AckTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

func (t *AckTracker) sweep(ctx context.Context) {
	now := time.Now()

	var toResend []string
	var toReassign []string

	t.mu.Lock()
	for id, e := range t.entries {
		due := e.sentAt.Add(t.dueDelay(e.retryCount))
		if now.Before(due) {
			continue
		}
		if e.retryCount < t.cfg.MaxRetries {
			toResend = append(toResend, id)
		} else {
			toReassign = append(toReassign, id)
		}
	}
	t.mu.Unlock()

	for _, id := range toResend {
		t.resend(ctx, id)
	}
	for _, id := range toReassign {
		t.reassign(ctx, id)
	}
}

// dueDelay is how long an entry must sit un-acked since its last send
// before it is eligible for another resend: ack_timeout for the initial
// send, then exponential backoff (capped at BackoffMax) for each retry
// after that. Checked as a per-entry deadline against e.sentAt rather than
// enforced with a blocking sleep, so one sweep tick never stalls behind
// another entry's backoff.
func (t *AckTracker) dueDelay(retryCount int) time.Duration {
	if retryCount == 0 {
		return t.cfg.AckTimeout
	}
	backoff := t.cfg.BackoffBase << retryCount
	if backoff <= 0 || backoff > t.cfg.BackoffMax {
		backoff = t.cfg.BackoffMax
	}
	return backoff
}

func (t *AckTracker) resend(ctx context.Context, messageID string) {
	t.mu.Lock()
	e, ok := t.entries[messageID]
	if !ok {
		t.mu.Unlock()
		return
	}
	e.retryCount++
	agentID, taskID := e.agentID, e.taskID
	e.sentAt = time.Now()
	t.mu.Unlock()

	if t.resender == nil {
		return
	}
	if err := t.resender.Resend(ctx, agentID, taskID, messageID); err != nil {
		log.Printf("dispatch: resend %s to agent %s failed: %v", messageID, agentID, err)
	}
}

// reassign requeues the task (spec §4.6: "requeue the task by setting it
// back to Pending, clearing agent_id/server_id, incrementing
// Task.retry_count, and logging a reassignment event").
func (t *AckTracker) reassign(ctx context.Context, messageID string) {
	t.mu.Lock()
	e, ok := t.entries[messageID]
	if ok {
		delete(t.entries, messageID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	observability.TasksOutstanding.WithLabelValues(e.agentID.String()).Dec()
	observability.AckTimeouts.WithLabelValues(e.agentID.String()).Inc()

	if err := t.db.RequeueTask(ctx, e.taskID, true); err != nil {
		log.Printf("dispatch: reassign task %s: %v", e.taskID, err)
		return
	}
	observability.TaskReassignments.WithLabelValues("ack_exhausted").Inc()
	log.Printf("dispatch: reassigned task %s after ack retries exhausted on agent %s", e.taskID, e.agentID)
}
