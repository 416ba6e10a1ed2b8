package domain

import "time"

// JobKind classifies how a Job's schedules drive execution.
type JobKind string

const (
	JobScheduled JobKind = "Scheduled"
	JobEvent     JobKind = "Event"
	JobDaemon    JobKind = "Daemon"
	JobFlow      JobKind = "Flow"
)

// JobStatus is the enable/disable state of a Job definition.
type JobStatus string

const (
	JobEnabled  JobStatus = "enabled"
	JobDisabled JobStatus = "disabled"
)

// CommandSpec is the process-execution contract carried by a Job and echoed
// into every DispatchTask message.
type CommandSpec struct {
	Executable      string
	Args            []string
	Env             map[string]string
	Timeout         time.Duration
	MaxRetries      int
	RetryInterval   time.Duration
	MaxOutputSize   int64
	CaptureOutput   bool
}

// Job is the static definition of work. Jobs are owned by the tenant/user;
// the scheduling core only ever reads them.
type Job struct {
	ID          ID
	NamespaceID ID
	Name        string
	Kind        JobKind
	Command     CommandSpec
	Status      JobStatus
	Labels      map[string]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RequiresCommand reports whether this Job kind must carry a CommandSpec.
func (j *Job) RequiresCommand() bool {
	switch j.Kind {
	case JobScheduled, JobEvent, JobDaemon:
		return true
	default:
		return false
	}
}

// Validate enforces the Job invariants of spec §3: a command spec is
// required for kinds that execute processes, and MaxRetries is never
// negative.
func (j *Job) Validate() error {
	if j.RequiresCommand() && j.Command.Executable == "" {
		return &PermanentError{Op: "Job.Validate", Err: errString("command spec required for job kind " + string(j.Kind))}
	}
	if j.Command.MaxRetries < 0 {
		return &PermanentError{Op: "Job.Validate", Err: errString("max_retries must be >= 0")}
	}
	return nil
}

type errString string

func (e errString) Error() string { return string(e) }
