package schedule

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/hetuflow/hetuflow/domain"
	"github.com/hetuflow/hetuflow/observability"
	"github.com/hetuflow/hetuflow/store"
)

// GeneratorConfig carries the tunables of spec §4.3.
type GeneratorConfig struct {
	Lookahead        time.Duration // default 5m
	GenerationPeriod time.Duration // default 60s
	BatchSize        int           // default 100
}

func defaultedGeneratorConfig(c GeneratorConfig) GeneratorConfig {
	if c.Lookahead <= 0 {
		c.Lookahead = 5 * time.Minute
	}
	if c.GenerationPeriod <= 0 {
		c.GenerationPeriod = 60 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// NamespaceBinder reports the namespaces currently bound to a server, so
// TaskGenerator only ever expands schedules it owns.
type NamespaceBinder interface {
	BoundNamespaces(ctx context.Context) ([]domain.ID, error)
}

// TaskGenerator runs on every server (not only the leader) over whatever
// namespaces are currently bound to it, expanding due Schedules into
// Pending Tasks. Grounded on the dist-job-scheduler reference's
// ClaimAndFire transaction shape (claim, insert with idempotency key,
// advance, all in one short transaction), adapted here from "fire one job"
// to "expand every due instant of every due schedule in a lookahead
// window." Per-namespace generation is throttled with a token bucket,
// reusing the teacher's TokenBucketLimiter idiom
// (control_plane/scheduler/limiter.go) via golang.org/x/time/rate directly.
type TaskGenerator struct {
	db      store.Store
	binder  NamespaceBinder
	cfg     GeneratorConfig
	limiter *rate.Limiter
}

func NewTaskGenerator(db store.Store, binder NamespaceBinder, cfg GeneratorConfig) *TaskGenerator {
	cfg = defaultedGeneratorConfig(cfg)
	return &TaskGenerator{
		db:      db,
		binder:  binder,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.GenerationPeriod/4), 4),
	}
}

// Run ticks every GenerationPeriod until ctx is cancelled, generating tasks
// for every namespace currently bound to this server.
func (g *TaskGenerator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.GenerationPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.tick(ctx)
		}
	}
}

func (g *TaskGenerator) tick(ctx context.Context) {
	namespaces, err := g.binder.BoundNamespaces(ctx)
	if err != nil {
		log.Printf("schedule: list bound namespaces: %v", err)
		return
	}
	for _, ns := range namespaces {
		if err := g.limiter.Wait(ctx); err != nil {
			return
		}
		g.generateForNamespace(ctx, ns)
	}
}

// generateForNamespace implements the four-step algorithm of spec §4.3 for
// a single namespace.
func (g *TaskGenerator) generateForNamespace(ctx context.Context, namespaceID domain.ID) {
	start := time.Now()
	defer func() { observability.GenerationLoopDuration.Observe(time.Since(start).Seconds()) }()

	now := time.Now()
	due, err := g.db.ListDueSchedules(ctx, namespaceID, now, g.cfg.Lookahead, g.cfg.BatchSize)
	if err != nil {
		log.Printf("schedule: namespace %s: list due schedules: %v", namespaceID, err)
		return
	}

	deadline := now.Add(g.cfg.Lookahead)
	for _, sch := range due {
		if !sch.IsActive(now) {
			// valid_until has passed or the schedule was disabled out from
			// under us since ListDueSchedules ran; deactivate explicitly.
			if sch.ValidUntil != nil && now.After(*sch.ValidUntil) {
				if err := g.db.AdvanceSchedule(ctx, sch.ID, sch.NextFireAt, 0, true); err != nil {
					log.Printf("schedule: deactivate expired schedule %s: %v", sch.ID, err)
				}
			}
			continue
		}
		g.expandSchedule(ctx, sch, deadline)
	}
}

func (g *TaskGenerator) expandSchedule(ctx context.Context, sch *domain.Schedule, deadline time.Time) {
	job, err := g.db.GetJob(ctx, sch.JobID)
	if err != nil {
		log.Printf("schedule: schedule %s: load job: %v", sch.ID, err)
		return
	}

	instants, err := g.fireInstants(sch, deadline)
	if err != nil {
		log.Printf("schedule: schedule %s: %v", sch.ID, err)
		return
	}
	if len(instants) == 0 {
		return
	}

	var lastInstant time.Time
	for _, instant := range instants {
		key := domain.IdempotencyKey(sch.JobID, instant, 0)
		task := &domain.Task{
			ID:             domain.NewID(),
			JobID:          sch.JobID,
			ScheduleID:     sch.ID,
			NamespaceID:    job.NamespaceID,
			Priority:       0,
			ScheduledAt:    instant,
			MaxRetries:     job.Command.MaxRetries,
			IdempotencyKey: key,
		}
		err := g.db.InsertPendingTask(ctx, task)
		switch {
		case err == nil:
			observability.SchedulesGenerated.WithLabelValues(job.NamespaceID.String(), string(sch.Kind)).Inc()
		case err == store.ErrDuplicateTask:
			// Harmless double generation (spec §4.3 step 3); another server
			// or an earlier, unobserved cycle already inserted this instant.
		default:
			log.Printf("schedule: insert task for schedule %s instant %s: %v", sch.ID, instant, err)
			return
		}
		lastInstant = instant
	}

	firedDelta := len(instants)
	next, disable := nextFireAfter(sch, lastInstant, firedDelta)
	if err := g.db.AdvanceSchedule(ctx, sch.ID, next, firedDelta, disable); err != nil {
		log.Printf("schedule: advance schedule %s: %v", sch.ID, err)
	}
}

// fireInstants computes every fire instant in [schedule.NextFireAt, deadline]
// per spec §4.3 step 2, one branch per ScheduleKind. Event schedules never
// produce instants here; they are created out-of-band by an external API
// call directly inserting a Task.
func (g *TaskGenerator) fireInstants(sch *domain.Schedule, deadline time.Time) ([]time.Time, error) {
	switch sch.Kind {
	case domain.ScheduleCron:
		expr, err := parseCron(sch.Payload.CronExpression)
		if err != nil {
			return nil, err
		}
		// NextN walks strictly after its argument; step back 1ns so a
		// next_fire_at that is itself a valid instant is not skipped.
		return cronInstantsInWindow(expr, sch.NextFireAt.Add(-time.Nanosecond), deadline, g.cfg.BatchSize), nil

	case domain.ScheduleInterval:
		var out []time.Time
		next := sch.NextFireAt
		if next.IsZero() {
			next = time.Now().Add(sch.Payload.FirstDelay)
		}
		count := sch.FiredCount
		for !next.After(deadline) {
			if sch.Payload.ExecutionCount > 0 && count >= sch.Payload.ExecutionCount {
				break
			}
			out = append(out, next)
			count++
			next = next.Add(sch.Payload.Interval)
		}
		return out, nil

	case domain.ScheduleOneShot:
		if sch.Payload.FireAt.After(deadline) || sch.FiredCount > 0 {
			return nil, nil
		}
		return []time.Time{sch.Payload.FireAt}, nil

	case domain.ScheduleEvent:
		return nil, nil

	default:
		return nil, &domain.PermanentError{Op: "fireInstants", Err: unknownKindError(sch.Kind)}
	}
}

// nextFireAfter advances NextFireAt to the first instant strictly after
// lastInstant (spec §4.3 step 4), and reports whether the schedule has now
// exhausted its run (OneShot fired, or Interval's execution_count reached).
// firedDelta is the number of instants this pass actually generated (the
// fired_count update isn't applied until after this call returns, so the
// check here has to add firedDelta to the schedule's stored FiredCount
// itself rather than assume a flat +1 per pass).
func nextFireAfter(sch *domain.Schedule, lastInstant time.Time, firedDelta int) (time.Time, bool) {
	switch sch.Kind {
	case domain.ScheduleOneShot:
		return lastInstant, true
	case domain.ScheduleInterval:
		next := lastInstant.Add(sch.Payload.Interval)
		exhausted := sch.Payload.ExecutionCount > 0 && sch.FiredCount+firedDelta >= sch.Payload.ExecutionCount
		return next, exhausted
	case domain.ScheduleCron:
		return lastInstant.Add(time.Nanosecond), false
	default:
		return lastInstant, false
	}
}

type unknownKindError domain.ScheduleKind

func (e unknownKindError) Error() string { return "unknown schedule kind: " + string(e) }
