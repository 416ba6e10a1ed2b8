// Package dispatch implements the pull-based dispatch transaction
// (DispatchCore, spec §4.5) and the outstanding-dispatch retry/reassignment
// loop (AckTracker, spec §4.6).
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/hetuflow/hetuflow/domain"
	"github.com/hetuflow/hetuflow/observability"
	"github.com/hetuflow/hetuflow/store"
	"github.com/hetuflow/hetuflow/wire"
)

// Mode mirrors the teacher's SchedulerMode admission-control gate
// (control_plane/scheduler/types.go), repurposed here to gate dispatch
// rather than reconciliation. Normal admits freely; Degraded admits at
// reduced batch size; ReadOnly and Draining admit nothing.
type Mode int

const (
	ModeNormal Mode = iota
	ModeDegraded
	ModeReadOnly
	ModeDraining
)

// Sender delivers a message to a connected Agent's session mailbox. The
// Gateway implements this; DispatchCore depends only on the interface so
// the two packages don't import each other.
type Sender interface {
	Send(ctx context.Context, agentID domain.ID, env wire.Envelope) error
}

// NamespaceOwner resolves which Namespaces are currently bound to this
// server, same contract as schedule.NamespaceBinder.
type NamespaceOwner interface {
	BoundNamespaces(ctx context.Context) ([]domain.ID, error)
}

// CoreConfig carries the tunables of spec §4.5 and §6.
type CoreConfig struct {
	BatchSize        int           // default 100, per spec §4.3's batch_size reused for dispatch
	DispatchLeadTime time.Duration // default: claim tasks due within this window
}

func defaultedCoreConfig(c CoreConfig) CoreConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.DispatchLeadTime <= 0 {
		c.DispatchLeadTime = 10 * time.Second
	}
	return c
}

// Core handles one server's AcquireTaskRequest traffic. Grounded on the
// dist-job-scheduler reference's ClaimAndFire transaction (claim with
// SKIP LOCKED, insert keyed by idempotency, advance state, all in one
// short transaction) plus control_plane/scheduler/scheduler.go's
// admission-control checks, reused here as a Mode gate instead of a
// circuit-breaker/rate-limiter pair.
type Core struct {
	db       store.Store
	owner    NamespaceOwner
	sender   Sender
	serverID domain.ID
	cfg      CoreConfig
	tracker  *AckTracker

	mode Mode
}

func NewCore(db store.Store, owner NamespaceOwner, sender Sender, tracker *AckTracker, serverID domain.ID, cfg CoreConfig) *Core {
	return &Core{db: db, owner: owner, sender: sender, tracker: tracker, serverID: serverID, cfg: defaultedCoreConfig(cfg)}
}

// SetMode changes the admission mode; called by the shutdown sequence to
// move to Draining, or by an operator signal to move to ReadOnly.
func (c *Core) SetMode(m Mode) { c.mode = m }

// SetSender wires the Gateway's Hub back in after both have been
// constructed, breaking the Core<->Hub construction cycle (Hub needs a
// *Core, Core needs something implementing Sender -- the Hub itself).
func (c *Core) SetSender(s Sender) { c.sender = s }

// HandleAcquireTaskRequest implements the full five-step algorithm of spec
// §4.5 for one Agent pull.
func (c *Core) HandleAcquireTaskRequest(ctx context.Context, agentID domain.ID, req wire.AcquireTaskRequestPayload) error {
	if c.mode == ModeReadOnly || c.mode == ModeDraining {
		observability.DispatchDecisions.WithLabelValues("rejected", modeReason(c.mode)).Inc()
		return nil
	}

	namespaces, err := c.owner.BoundNamespaces(ctx)
	if err != nil {
		return &domain.TransientError{Op: "HandleAcquireTaskRequest", Err: err}
	}
	if len(namespaces) == 0 {
		return nil
	}

	limit := req.AvailableCapacity
	if limit > c.cfg.BatchSize {
		limit = c.cfg.BatchSize
	}
	if c.mode == ModeDegraded {
		limit /= 2
	}
	if limit <= 0 {
		return nil
	}

	now := time.Now()
	claimed, err := c.db.ClaimPendingTasks(ctx, store.ClaimFilter{
		NamespaceIDs: namespaces,
		Now:          now,
		LeadTime:     c.cfg.DispatchLeadTime,
		Labels:       req.Labels,
		Limit:        limit,
	})
	if err != nil {
		return &domain.TransientError{Op: "HandleAcquireTaskRequest", Err: err}
	}

	for _, task := range claimed {
		job, err := c.db.GetJob(ctx, task.JobID)
		if err != nil {
			log.Printf("dispatch: task %s: load job: %v", task.ID, err)
			_ = c.db.RequeueTask(ctx, task.ID, false)
			continue
		}
		// labels_compatible is evaluated here rather than in the SQL claim
		// predicate: it depends on the owning Job's labels, which the claim
		// query does not join against (spec §4.5 calls the filter out
		// separately from the ordering/claim clause).
		if !domain.LabelsCompatible(job.Labels, req.Labels) {
			if err := c.db.RequeueTask(ctx, task.ID, false); err != nil {
				log.Printf("dispatch: release incompatible claim %s: %v", task.ID, err)
			}
			continue
		}
		if err := c.dispatchOne(ctx, task, job, agentID); err != nil {
			log.Printf("dispatch: task %s: %v", task.ID, err)
			// Release back to Pending rather than leaving it Locked with no
			// outstanding dispatch registered.
			if err := c.db.RequeueTask(ctx, task.ID, false); err != nil {
				log.Printf("dispatch: release failed claim %s: %v", task.ID, err)
			}
		}
	}
	observability.DispatchDecisions.WithLabelValues("accepted", "").Add(float64(len(claimed)))
	return nil
}

// dispatchOne implements steps 3-5 of spec §4.5 for a single claimed task.
func (c *Core) dispatchOne(ctx context.Context, task *domain.Task, job *domain.Job, agentID domain.ID) error {
	instanceKey := fmt.Sprintf("%s:%d", task.IdempotencyKey, task.RetryCount)
	instance := &domain.TaskInstance{
		ID:             domain.NewID(),
		TaskID:         task.ID,
		AgentID:        agentID,
		Attempt:        task.RetryCount,
		IdempotencyKey: instanceKey,
	}
	if err := c.db.CreateTaskInstanceIfAbsent(ctx, instance); err != nil {
		if err == store.ErrDuplicateTaskInstance {
			// Already being executed by a prior dispatch of this attempt;
			// release our lock on it and move on (spec §4.5 step 3).
			return c.db.RequeueTask(ctx, task.ID, false)
		}
		return err
	}

	if err := c.db.MarkDispatched(ctx, task.ID, c.serverID, agentID); err != nil {
		return err
	}

	env, err := buildDispatchEnvelope(task, job, agentID)
	if err != nil {
		return err
	}
	if err := c.sender.Send(ctx, agentID, env); err != nil {
		return err
	}

	c.tracker.Register(env.MessageID, agentID, task.ID)
	observability.TasksOutstanding.WithLabelValues(agentID.String()).Inc()
	return nil
}

func buildDispatchEnvelope(task *domain.Task, job *domain.Job, agentID domain.ID) (wire.Envelope, error) {
	payload := wire.DispatchTaskPayload{
		TaskID:      task.ID.String(),
		JobID:       task.JobID.String(),
		Attempt:     task.RetryCount,
		ScheduledAt: task.ScheduledAt.UnixMilli(),
		Priority:    task.Priority,
		DeadlineMs:  task.ScheduledAt.Add(job.Command.Timeout).UnixMilli(),
		Payload:     task.Payload,
		Env:         job.Command.Env,
		Command: wire.CommandSpecWire{
			Executable:    job.Command.Executable,
			Args:          job.Command.Args,
			TimeoutMs:     job.Command.Timeout.Milliseconds(),
			MaxOutputSize: job.Command.MaxOutputSize,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return wire.Envelope{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.Envelope{
		MessageID:   id.String(),
		Kind:        wire.KindDispatchTask,
		TimestampMs: time.Now().UnixMilli(),
		Payload:     body,
	}, nil
}

// Resend re-delivers a DispatchTask for an already-registered outstanding
// entry, reusing messageID so an Ack of either delivery clears the same
// AckTracker entry. The Agent does not deduplicate by message id: each
// delivery carries a fresh session Seq and is handled as it arrives.
// Implements the AckTracker's Resender interface.
func (c *Core) Resend(ctx context.Context, agentID, taskID domain.ID, messageID string) error {
	task, err := c.db.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	job, err := c.db.GetJob(ctx, task.JobID)
	if err != nil {
		return err
	}
	env, err := buildDispatchEnvelope(task, job, agentID)
	if err != nil {
		return err
	}
	env.MessageID = messageID
	return c.sender.Send(ctx, agentID, env)
}

func modeReason(m Mode) string {
	switch m {
	case ModeReadOnly:
		return "read_only"
	case ModeDraining:
		return "draining"
	default:
		return "unknown"
	}
}
