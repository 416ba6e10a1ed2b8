package main

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hetuflow/hetuflow/domain"
	"github.com/hetuflow/hetuflow/wire"
)

func shTask(taskID domain.ID, script string, timeoutMs int64) wire.DispatchTaskPayload {
	return wire.DispatchTaskPayload{
		TaskID: taskID.String(),
		Command: wire.CommandSpecWire{
			Executable:    "sh",
			Args:          []string{"-c", script},
			TimeoutMs:     timeoutMs,
			MaxOutputSize: 1 << 16,
		},
	}
}

func TestProcessManagerRunsCommandAndReportsSuccess(t *testing.T) {
	outcomes := make(chan Outcome, 1)
	pm := NewProcessManager(2, 4, 1<<16, func(o Outcome) { outcomes <- o })

	taskID := domain.NewID()
	if !pm.TrySubmit(shTask(taskID, "echo hello", 5000), domain.NewID()) {
		t.Fatalf("expected TrySubmit to succeed")
	}

	select {
	case o := <-outcomes:
		if o.Status != domain.InstanceSucceeded {
			t.Fatalf("expected Succeeded, got %s (err=%v stderr=%q)", o.Status, o.Err, o.Stderr)
		}
		if !strings.Contains(o.Stdout, "hello") {
			t.Fatalf("expected stdout to contain %q, got %q", "hello", o.Stdout)
		}
		if o.ExitCode == nil || *o.ExitCode != 0 {
			t.Fatalf("expected exit code 0, got %v", o.ExitCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestProcessManagerReportsNonZeroExit(t *testing.T) {
	outcomes := make(chan Outcome, 1)
	pm := NewProcessManager(2, 4, 1<<16, func(o Outcome) { outcomes <- o })

	taskID := domain.NewID()
	pm.TrySubmit(shTask(taskID, "exit 7", 5000), domain.NewID())

	select {
	case o := <-outcomes:
		if o.Status != domain.InstanceFailed {
			t.Fatalf("expected Failed, got %s", o.Status)
		}
		if o.ExitCode == nil || *o.ExitCode != 7 {
			t.Fatalf("expected exit code 7, got %v", o.ExitCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

func TestProcessManagerEnforcesTimeout(t *testing.T) {
	outcomes := make(chan Outcome, 1)
	pm := NewProcessManager(2, 4, 1<<16, func(o Outcome) { outcomes <- o })

	taskID := domain.NewID()
	pm.TrySubmit(shTask(taskID, "sleep 5", 50), domain.NewID())

	select {
	case o := <-outcomes:
		if o.Status != domain.InstanceTimeout {
			t.Fatalf("expected Timeout, got %s", o.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
}

// waitForCapacity polls AvailableCapacity until it reaches want.
func waitForCapacity(t *testing.T, pm *ProcessManager, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if pm.AvailableCapacity() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for available capacity to reach %d, got %d", want, pm.AvailableCapacity())
}

func TestProcessManagerQueuesWhilePoolIsFullAndDrainsOnceFreed(t *testing.T) {
	var completed sync.WaitGroup
	completed.Add(2)
	pm := NewProcessManager(1, 4, 1<<16, func(Outcome) { completed.Done() })

	pm.TrySubmit(shTask(domain.NewID(), "sleep 0.2", 5000), domain.NewID())
	waitForCapacity(t, pm, 0)

	// The pool is full but the queue has room: this must be accepted and
	// run once the first task frees its slot, not refused outright.
	if !pm.TrySubmit(shTask(domain.NewID(), "echo queued", 5000), domain.NewID()) {
		t.Fatalf("expected the second submit to be queued while the pool is full")
	}

	completed.Wait()
}

func TestProcessManagerRefusesOnceQueueIsFull(t *testing.T) {
	var completed sync.WaitGroup
	completed.Add(2) // the running task plus the one queued behind it
	pm := NewProcessManager(1, 1, 1<<16, func(Outcome) { completed.Done() })

	pm.TrySubmit(shTask(domain.NewID(), "sleep 0.2", 5000), domain.NewID())
	waitForCapacity(t, pm, 0)

	if !pm.TrySubmit(shTask(domain.NewID(), "echo fills-queue", 5000), domain.NewID()) {
		t.Fatalf("expected the second submit to fill the one-deep queue")
	}
	if pm.TrySubmit(shTask(domain.NewID(), "echo refused", 5000), domain.NewID()) {
		t.Fatalf("expected a third submit to be refused once both the pool and the queue are full")
	}

	completed.Wait()
}
