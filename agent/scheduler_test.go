package main

import (
	"sync"
	"testing"
	"time"

	"github.com/hetuflow/hetuflow/domain"
	"github.com/hetuflow/hetuflow/wire"
)

func taskPayload(taskID domain.ID, fireAt time.Time, priority int) wire.DispatchTaskPayload {
	return wire.DispatchTaskPayload{
		TaskID:      taskID.String(),
		ScheduledAt: fireAt.UnixMilli(),
		Priority:    priority,
	}
}

func TestAgentSchedulerFiresInOrderOfFireTime(t *testing.T) {
	var mu sync.Mutex
	var fired []string

	s := NewAgentScheduler(time.Second, func(task wire.DispatchTaskPayload, _ domain.ID) {
		mu.Lock()
		fired = append(fired, task.TaskID)
		mu.Unlock()
	})
	go s.Run()
	defer s.Stop()

	now := time.Now()
	first, second := domain.NewID(), domain.NewID()
	if _, err := s.Schedule(taskPayload(first, now.Add(20*time.Millisecond), 0)); err != nil {
		t.Fatalf("schedule first: %v", err)
	}
	if _, err := s.Schedule(taskPayload(second, now.Add(60*time.Millisecond), 0)); err != nil {
		t.Fatalf("schedule second: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(fired) == 2
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 2 {
		t.Fatalf("expected 2 fires, got %d: %v", len(fired), fired)
	}
	if fired[0] != first.String() || fired[1] != second.String() {
		t.Fatalf("expected fire order [%s %s], got %v", first, second, fired)
	}
}

func TestAgentSchedulerBreaksTiesByPriorityThenArrival(t *testing.T) {
	var mu sync.Mutex
	var fired []string

	s := NewAgentScheduler(time.Second, func(task wire.DispatchTaskPayload, _ domain.ID) {
		mu.Lock()
		fired = append(fired, task.TaskID)
		mu.Unlock()
	})
	go s.Run()
	defer s.Stop()

	fireAt := time.Now().Add(30 * time.Millisecond)
	low, high, lowSecondArrival := domain.NewID(), domain.NewID(), domain.NewID()

	if _, err := s.Schedule(taskPayload(low, fireAt, 1)); err != nil {
		t.Fatalf("schedule low: %v", err)
	}
	if _, err := s.Schedule(taskPayload(lowSecondArrival, fireAt, 1)); err != nil {
		t.Fatalf("schedule lowSecondArrival: %v", err)
	}
	if _, err := s.Schedule(taskPayload(high, fireAt, 5)); err != nil {
		t.Fatalf("schedule high: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(fired) == 3
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 3 {
		t.Fatalf("expected 3 fires, got %d: %v", len(fired), fired)
	}
	if fired[0] != high.String() {
		t.Fatalf("expected highest priority to fire first, got %v", fired)
	}
	if fired[1] != low.String() || fired[2] != lowSecondArrival.String() {
		t.Fatalf("expected arrival order among equal priority, got %v", fired)
	}
}

func TestAgentSchedulerCascadesFromOverflowWheel(t *testing.T) {
	var mu sync.Mutex
	var fired []string

	// A tiny lead window (160ms => 16 near slots at the 10ms tick floor)
	// forces this entry into the overflow wheel, exercising the
	// rollover-cascade path rather than a direct near-wheel placement.
	s := NewAgentScheduler(160*time.Millisecond, func(task wire.DispatchTaskPayload, _ domain.ID) {
		mu.Lock()
		fired = append(fired, task.TaskID)
		mu.Unlock()
	})
	go s.Run()
	defer s.Stop()

	taskID := domain.NewID()
	fireAt := time.Now().Add(500 * time.Millisecond)
	if _, err := s.Schedule(taskPayload(taskID, fireAt, 0)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(fired) == 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != taskID.String() {
		t.Fatalf("expected cascaded task to fire exactly once, got %v", fired)
	}
}

func TestAgentSchedulerCancelPreventsFiring(t *testing.T) {
	var mu sync.Mutex
	var fired []string

	s := NewAgentScheduler(time.Second, func(task wire.DispatchTaskPayload, _ domain.ID) {
		mu.Lock()
		fired = append(fired, task.TaskID)
		mu.Unlock()
	})
	go s.Run()
	defer s.Stop()

	taskID := domain.NewID()
	if _, err := s.Schedule(taskPayload(taskID, time.Now().Add(100*time.Millisecond), 0)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !s.Cancel(taskID) {
		t.Fatalf("expected Cancel to find the pending entry")
	}

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 0 {
		t.Fatalf("expected cancelled task not to fire, got %v", fired)
	}
}
