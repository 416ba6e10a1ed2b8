package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hetuflow/hetuflow/domain"
	"github.com/hetuflow/hetuflow/store"
)

type recordingResender struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingResender) Resend(context.Context, domain.ID, domain.ID, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func (r *recordingResender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestAckTrackerAckRemovesOutstandingEntry(t *testing.T) {
	db := store.NewMemoryStore()
	tracker := NewAckTracker(db, AckTrackerConfig{})
	tracker.Register("msg-1", domain.NewID(), domain.NewID())

	latency, _, ok := tracker.Ack("msg-1")
	if !ok {
		t.Fatalf("expected Ack to find the registered entry")
	}
	if latency < 0 {
		t.Fatalf("expected a non-negative latency sample, got %v", latency)
	}
	if _, _, ok := tracker.Ack("msg-1"); ok {
		t.Fatalf("expected a second Ack of the same message to find nothing")
	}
}

func TestAckTrackerResendsBeforeExhaustingRetries(t *testing.T) {
	db := store.NewMemoryStore()
	ns := domain.NewID()
	job := &domain.Job{ID: domain.NewID(), NamespaceID: ns, Name: "job", Kind: domain.JobScheduled,
		Command: domain.CommandSpec{Executable: "/bin/true"}, Status: domain.JobEnabled}
	if err := db.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	task := &domain.Task{ID: domain.NewID(), JobID: job.ID, NamespaceID: ns, ScheduledAt: time.Now(),
		MaxRetries: 3, IdempotencyKey: domain.IdempotencyKey(job.ID, time.Now(), 0)}
	if err := db.InsertPendingTask(context.Background(), task); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	tracker := NewAckTracker(db, AckTrackerConfig{
		TickInterval: time.Millisecond,
		AckTimeout:   time.Millisecond,
		MaxRetries:   1,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
	})
	resender := &recordingResender{}
	tracker.SetResender(resender)

	agentID := domain.NewID()
	tracker.Register("msg-1", agentID, task.ID)

	time.Sleep(10 * time.Millisecond)
	tracker.sweep(context.Background())

	if resender.count() == 0 {
		t.Fatalf("expected at least one resend before MaxRetries is exhausted")
	}
}

func TestAckTrackerReassignsAfterRetriesExhausted(t *testing.T) {
	db := store.NewMemoryStore()
	ns := domain.NewID()
	job := &domain.Job{ID: domain.NewID(), NamespaceID: ns, Name: "job", Kind: domain.JobScheduled,
		Command: domain.CommandSpec{Executable: "/bin/true"}, Status: domain.JobEnabled}
	if err := db.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	task := &domain.Task{ID: domain.NewID(), JobID: job.ID, NamespaceID: ns, ScheduledAt: time.Now(),
		MaxRetries: 3, IdempotencyKey: domain.IdempotencyKey(job.ID, time.Now(), 0)}
	if err := db.InsertPendingTask(context.Background(), task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	// Move it to Locked/Dispatched the way dispatchOne would, so
	// RequeueTask has a realistic row to reset.
	if _, err := db.ClaimPendingTasks(context.Background(), store.ClaimFilter{NamespaceIDs: []domain.ID{ns}, Now: time.Now(), Limit: 1}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	tracker := NewAckTracker(db, AckTrackerConfig{
		TickInterval: time.Millisecond,
		AckTimeout:   time.Millisecond,
		MaxRetries:   1,
		BackoffBase:  time.Millisecond,
		BackoffMax:   time.Millisecond,
	})
	resender := &recordingResender{}
	tracker.SetResender(resender)

	agentID := domain.NewID()
	tracker.entries["msg-1"] = &outstanding{agentID: agentID, taskID: task.ID, sentAt: time.Now().Add(-time.Second), retryCount: 1}

	tracker.sweep(context.Background())

	got, err := db.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.TaskPending {
		t.Fatalf("expected task reassigned to Pending after retries exhausted, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retry_count bumped to 1, got %d", got.RetryCount)
	}
	if _, _, ok := tracker.Ack("msg-1"); ok {
		t.Fatalf("expected the reassigned entry to have been removed from the outstanding set")
	}
}
