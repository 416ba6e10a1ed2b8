package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hetuflow/hetuflow/domain"
	"github.com/hetuflow/hetuflow/wire"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("agent: %v", err)
	}
	log.Printf("agent: starting, id=%s name=%s server=%s", cfg.AgentID, cfg.Name, cfg.ServerURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outputStore := NewOutputStore(os.Getenv("HETUFLOW_OUTPUT_DIR"))

	// statusReporter's conn is nil until the Connection is constructed below
	// (Connection's handlers need the scheduler and ProcessManager, which in
	// turn report through statusReporter -- the same construct-then-wire
	// pattern used server-side for Core/Hub).
	statusReporter := NewStatusReporter(nil, outputStore)

	procMgr := NewProcessManager(cfg.MaxConcurrency, cfg.QueueDepth, cfg.MaxOutputSize, func(outcome Outcome) {
		statusReporter.Report(outcome)
	})

	scheduler := NewAgentScheduler(30*time.Second, func(task wire.DispatchTaskPayload, instanceID domain.ID) {
		taskID, err := domain.ParseID(task.TaskID)
		if err != nil {
			log.Printf("agent: fired task has invalid id %q: %v", task.TaskID, err)
			return
		}
		statusReporter.ReportRunning(taskID, instanceID)
		if !procMgr.TrySubmit(task, instanceID) {
			statusReporter.Report(Outcome{
				TaskID:      taskID,
				InstanceID:  instanceID,
				Status:      domain.InstanceFailed,
				Err:         errNoCapacity,
				StartedAt:   time.Now(),
				CompletedAt: time.Now(),
			})
		}
	})
	go scheduler.Run()
	defer scheduler.Stop()

	conn := NewConnection(cfg, Handlers{
		OnDispatchTask: func(task wire.DispatchTaskPayload) {
			if _, err := scheduler.Schedule(task); err != nil {
				log.Printf("agent: schedule task %s: %v", task.TaskID, err)
			}
		},
		OnKillTask: func(kill wire.KillTaskPayload) {
			taskID, err := domain.ParseID(kill.TaskID)
			if err != nil {
				return
			}
			if scheduler.Cancel(taskID) {
				return
			}
			procMgr.Kill(taskID)
		},
		OnSyncTasks: func(resp wire.SyncTasksResponsePayload) {
			for _, task := range resp.Tasks {
				if _, err := scheduler.Schedule(task); err != nil {
					log.Printf("agent: resync schedule %s: %v", task.TaskID, err)
				}
			}
		},
	})
	statusReporter.conn = conn

	go conn.Run(ctx)
	go pollCapacity(ctx, conn, procMgr)

	<-ctx.Done()
	log.Printf("agent: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	procMgr.Shutdown(shutdownCtx)
}

var errNoCapacity = noCapacityError{}

type noCapacityError struct{}

func (noCapacityError) Error() string { return "no_capacity" }

// pollCapacity periodically pulls more work, reporting however many
// ProcessManager slots are currently free (spec §4.5's available_capacity).
func pollCapacity(ctx context.Context, conn *Connection, procMgr *ProcessManager) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if capacity := procMgr.AvailableCapacity(); capacity > 0 {
				if err := conn.AcquireTask(capacity); err != nil {
					log.Printf("agent: acquire task: %v", err)
				}
			}
		}
	}
}
