package main

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/hetuflow/hetuflow/domain"
	"github.com/hetuflow/hetuflow/wire"
)

// OutputStore persists captured stdout/stderr to local disk, returning a
// ref string the Server stores alongside the TaskInstance. No
// object-storage SDK appears anywhere in the retrieved pack to ground a
// richer choice (see DESIGN.md), so stdout_ref/stderr_ref here are just
// paths under a configurable base directory.
type OutputStore struct {
	baseDir string
}

func NewOutputStore(baseDir string) *OutputStore {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "hetuflow-agent-output")
	}
	return &OutputStore{baseDir: baseDir}
}

func (s *OutputStore) write(instanceID, stream, data string) string {
	if data == "" {
		return ""
	}
	dir := filepath.Join(s.baseDir, instanceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("agent: output store: mkdir %s: %v", dir, err)
		return ""
	}
	path := filepath.Join(dir, stream+".log")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		log.Printf("agent: output store: write %s: %v", path, err)
		return ""
	}
	return path
}

// StatusReporter turns a ProcessManager Outcome into a TaskInstanceUpdate
// and hands it to the Connection's outbound mailbox. Grounded on
// fluxforge/agent/executor.go's sendResult, generalized from one HTTP POST
// per job to a wire message over the persistent session, with output
// persisted via OutputStore instead of inlined in the payload.
type StatusReporter struct {
	conn  *Connection
	store *OutputStore
}

func NewStatusReporter(conn *Connection, store *OutputStore) *StatusReporter {
	return &StatusReporter{conn: conn, store: store}
}

func (r *StatusReporter) Report(outcome Outcome) {
	started := outcome.StartedAt.UnixMilli()
	completed := outcome.CompletedAt.UnixMilli()

	payload := wire.TaskInstanceUpdatePayload{
		TaskID:      outcome.TaskID.String(),
		InstanceID:  outcome.InstanceID.String(),
		Status:      string(outcome.Status),
		StartedAt:   &started,
		CompletedAt: &completed,
		ExitCode:    outcome.ExitCode,
		StdoutRef:   r.store.write(outcome.InstanceID.String(), "stdout", outcome.Stdout),
		StderrRef:   r.store.write(outcome.InstanceID.String(), "stderr", outcome.Stderr),
	}
	if outcome.Err != nil {
		payload.Error = outcome.Err.Error()
	}

	if err := r.conn.ReportTaskInstance(payload); err != nil {
		log.Printf("agent: report task instance %s: %v", outcome.TaskID, err)
	}
}

// ReportRunning announces that a claimed TaskInstance has actually started
// executing, ahead of its terminal outcome (spec §4.8's Doing transition).
func (r *StatusReporter) ReportRunning(taskID, instanceID domain.ID) {
	now := time.Now().UnixMilli()
	payload := wire.TaskInstanceUpdatePayload{
		TaskID:     taskID.String(),
		InstanceID: instanceID.String(),
		Status:     string(domain.InstanceRunning),
		StartedAt:  &now,
	}
	if err := r.conn.ReportTaskInstance(payload); err != nil {
		log.Printf("agent: report running %s: %v", taskID, err)
	}
}
