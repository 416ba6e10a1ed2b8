package store

import (
	"context"
	"testing"
	"time"

	"github.com/hetuflow/hetuflow/domain"
)

func TestClaimPendingTasksIsExclusiveAndOrdered(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	ns := domain.NewID()

	low := &domain.Task{ID: domain.NewID(), NamespaceID: ns, Priority: 1, ScheduledAt: time.Now(), IdempotencyKey: "a"}
	high := &domain.Task{ID: domain.NewID(), NamespaceID: ns, Priority: 5, ScheduledAt: time.Now(), IdempotencyKey: "b"}
	if err := m.InsertPendingTask(ctx, low); err != nil {
		t.Fatalf("insert low: %v", err)
	}
	if err := m.InsertPendingTask(ctx, high); err != nil {
		t.Fatalf("insert high: %v", err)
	}

	claimed, err := m.ClaimPendingTasks(ctx, ClaimFilter{NamespaceIDs: []domain.ID{ns}, Now: time.Now(), Limit: 10})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("want 2 claimed, got %d", len(claimed))
	}
	if claimed[0].ID != high.ID {
		t.Fatalf("want higher priority task first, got %s", claimed[0].ID)
	}

	again, err := m.ClaimPendingTasks(ctx, ClaimFilter{NamespaceIDs: []domain.ID{ns}, Now: time.Now(), Limit: 10})
	if err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("want 0 on second claim, got %d", len(again))
	}
}

func TestInsertPendingTaskDuplicateIdempotencyKey(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	key := "dup-key"
	t1 := &domain.Task{ID: domain.NewID(), NamespaceID: domain.NewID(), IdempotencyKey: key}
	t2 := &domain.Task{ID: domain.NewID(), NamespaceID: domain.NewID(), IdempotencyKey: key}

	if err := m.InsertPendingTask(ctx, t1); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := m.InsertPendingTask(ctx, t2); err != ErrDuplicateTask {
		t.Fatalf("want ErrDuplicateTask, got %v", err)
	}
}

func TestUpdateTaskInstanceStatusRejectsStaleTransition(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	ti := &domain.TaskInstance{ID: domain.NewID(), IdempotencyKey: "k1"}
	if err := m.CreateTaskInstanceIfAbsent(ctx, ti); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := m.UpdateTaskInstanceStatus(ctx, ti.ID, domain.InstanceSucceeded, TaskInstanceUpdateFields{})
	if err != nil || !ok {
		t.Fatalf("forward transition should succeed: ok=%v err=%v", ok, err)
	}

	ok, err = m.UpdateTaskInstanceStatus(ctx, ti.ID, domain.InstanceRunning, TaskInstanceUpdateFields{})
	if err != nil {
		t.Fatalf("stale transition errored: %v", err)
	}
	if ok {
		t.Fatalf("stale transition from terminal status must be rejected")
	}

	got, err := m.GetTaskInstance(ctx, ti.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.InstanceSucceeded {
		t.Fatalf("status regressed to %s", got.Status)
	}
}

func TestCASGlobalPathRequiresMatchingRevision(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	path := "hetuflow:leader:ns-1"

	rev, err := m.CASGlobalPath(ctx, path, "server-a", 0)
	if err != nil || rev != 1 {
		t.Fatalf("initial create: rev=%d err=%v", rev, err)
	}

	if _, err := m.CASGlobalPath(ctx, path, "server-b", 0); err == nil {
		t.Fatalf("expected conflict creating over existing path")
	}

	rev, err = m.CASGlobalPath(ctx, path, "server-a", 1)
	if err != nil || rev != 2 {
		t.Fatalf("expected revision 2, got rev=%d err=%v", rev, err)
	}

	if _, err := m.CASGlobalPath(ctx, path, "server-c", 1); err == nil {
		t.Fatalf("expected conflict on stale expected revision")
	}
}

func TestBindNamespaceIsExclusive(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	ns := &domain.Namespace{ID: domain.NewID(), Status: domain.NamespaceActive}
	if err := m.UpsertNamespace(ctx, ns); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	serverA, serverB := domain.NewID(), domain.NewID()
	if err := m.BindNamespace(ctx, ns.ID, serverA); err != nil {
		t.Fatalf("bind a: %v", err)
	}
	if err := m.BindNamespace(ctx, ns.ID, serverB); err == nil {
		t.Fatalf("expected conflict binding to a second server")
	}
	if err := m.BindNamespace(ctx, ns.ID, serverA); err != nil {
		t.Fatalf("rebind to same owner should be idempotent: %v", err)
	}
}

func TestMemoryCoordinatorLeaseRenewAndRelease(t *testing.T) {
	c := NewMemoryCoordinator()
	ctx := context.Background()

	ok, err := c.AcquireLease(ctx, "lock:x", "holder-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := c.AcquireLease(ctx, "lock:x", "holder-2", time.Minute); ok {
		t.Fatalf("second acquire should fail while held")
	}

	if ok, err := c.RenewLease(ctx, "lock:x", "holder-2", time.Minute); err != nil || ok {
		t.Fatalf("non-owner renew should fail: ok=%v err=%v", ok, err)
	}
	if ok, err := c.RenewLease(ctx, "lock:x", "holder-1", time.Minute); err != nil || !ok {
		t.Fatalf("owner renew should succeed: ok=%v err=%v", ok, err)
	}

	if err := c.ReleaseLease(ctx, "lock:x", "holder-2"); err != nil {
		t.Fatalf("release by non-owner errored: %v", err)
	}
	owner, _ := c.GetLockOwner(ctx, "lock:x")
	if owner != "holder-1" {
		t.Fatalf("non-owner release must not clear lock, owner=%q", owner)
	}

	if err := c.ReleaseLease(ctx, "lock:x", "holder-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	owner, _ = c.GetLockOwner(ctx, "lock:x")
	if owner != "" {
		t.Fatalf("lock should be free, owner=%q", owner)
	}
}
