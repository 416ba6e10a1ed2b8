package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/hetuflow/hetuflow/domain"
	"github.com/hetuflow/hetuflow/store"
)

type staticBinder struct{ namespaces []domain.ID }

func (b staticBinder) BoundNamespaces(context.Context) ([]domain.ID, error) { return b.namespaces, nil }

func setupJobAndSchedule(t *testing.T, db *store.MemoryStore, sch *domain.Schedule) *domain.Job {
	t.Helper()
	ns := domain.NewID()
	job := &domain.Job{ID: domain.NewID(), NamespaceID: ns, Name: "job", Kind: domain.JobScheduled,
		Command: domain.CommandSpec{Executable: "/bin/true"}, Status: domain.JobEnabled}
	if err := db.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	sch.JobID = job.ID
	sch.Enabled = true
	if err := db.CreateSchedule(context.Background(), sch); err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return job
}

func TestGeneratorExpandsIntervalScheduleWithinLookahead(t *testing.T) {
	db := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	sch := &domain.Schedule{
		ID:   domain.NewID(),
		Kind: domain.ScheduleInterval,
		Payload: domain.SchedulePayload{
			Interval: time.Minute,
		},
		NextFireAt: now,
	}
	job := setupJobAndSchedule(t, db, sch)

	gen := NewTaskGenerator(db, staticBinder{namespaces: []domain.ID{job.NamespaceID}}, GeneratorConfig{Lookahead: 5 * time.Minute})
	gen.generateForNamespace(ctx, job.NamespaceID)

	claimed, err := db.ClaimPendingTasks(ctx, store.ClaimFilter{NamespaceIDs: []domain.ID{job.NamespaceID}, Now: now.Add(10 * time.Minute), Limit: 100})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) == 0 {
		t.Fatalf("expected at least one task generated within the lookahead window")
	}

	got, err := db.GetSchedule(ctx, sch.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if !got.NextFireAt.After(now) {
		t.Fatalf("expected next_fire_at to advance past now, got %v", got.NextFireAt)
	}
}

func TestGeneratorOneShotFiresExactlyOnce(t *testing.T) {
	db := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	sch := &domain.Schedule{
		ID:         domain.NewID(),
		Kind:       domain.ScheduleOneShot,
		Payload:    domain.SchedulePayload{FireAt: now.Add(time.Minute)},
		NextFireAt: now.Add(time.Minute),
	}
	job := setupJobAndSchedule(t, db, sch)

	gen := NewTaskGenerator(db, staticBinder{namespaces: []domain.ID{job.NamespaceID}}, GeneratorConfig{Lookahead: 5 * time.Minute})
	gen.generateForNamespace(ctx, job.NamespaceID)
	gen.generateForNamespace(ctx, job.NamespaceID)

	claimed, err := db.ClaimPendingTasks(ctx, store.ClaimFilter{NamespaceIDs: []domain.ID{job.NamespaceID}, Now: now.Add(10 * time.Minute), Limit: 100})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected exactly one generated task for a OneShot schedule, got %d", len(claimed))
	}
}

func TestGeneratorDisablesIntervalScheduleOnceExecutionCountExhausted(t *testing.T) {
	db := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	// A single lookahead window wide enough to fit all 3 instants up front
	// (interval 10s, execution_count 3): everything fires in one pass, so
	// the schedule must come out disabled rather than waiting 3 separate
	// generation cycles to notice it's exhausted.
	sch := &domain.Schedule{
		ID:   domain.NewID(),
		Kind: domain.ScheduleInterval,
		Payload: domain.SchedulePayload{
			Interval:       10 * time.Second,
			ExecutionCount: 3,
		},
		NextFireAt: now,
	}
	job := setupJobAndSchedule(t, db, sch)

	gen := NewTaskGenerator(db, staticBinder{namespaces: []domain.ID{job.NamespaceID}}, GeneratorConfig{Lookahead: time.Minute})
	gen.generateForNamespace(ctx, job.NamespaceID)

	claimed, err := db.ClaimPendingTasks(ctx, store.ClaimFilter{NamespaceIDs: []domain.ID{job.NamespaceID}, Now: now.Add(time.Minute), Limit: 100})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("expected all 3 instants to fire in one pass, got %d", len(claimed))
	}

	got, err := db.GetSchedule(ctx, sch.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.FiredCount != 3 {
		t.Fatalf("expected fired_count to reflect the batch just generated, got %d", got.FiredCount)
	}
	if got.Enabled {
		t.Fatalf("expected schedule to be disabled once execution_count is exhausted")
	}
}

func TestGeneratorDeactivatesExpiredSchedule(t *testing.T) {
	db := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Hour)

	sch := &domain.Schedule{
		ID:         domain.NewID(),
		Kind:       domain.ScheduleInterval,
		Payload:    domain.SchedulePayload{Interval: time.Minute},
		NextFireAt: now,
		ValidUntil: &past,
	}
	job := setupJobAndSchedule(t, db, sch)

	gen := NewTaskGenerator(db, staticBinder{namespaces: []domain.ID{job.NamespaceID}}, GeneratorConfig{})
	gen.generateForNamespace(ctx, job.NamespaceID)

	got, err := db.GetSchedule(ctx, sch.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.Enabled {
		t.Fatalf("expected schedule past valid_until to be disabled")
	}
}
