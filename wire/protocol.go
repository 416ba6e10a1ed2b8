// Package wire defines the Agent<->Server message envelope and payload
// kinds of the persistent WebSocket protocol (spec §6). Every payload is a
// plain JSON-tagged struct; the envelope carries a message id for Ack
// correlation and a per-session sequence number for replay rejection.
package wire

import "encoding/json"

// Kind enumerates the closed set of message payload shapes.
type Kind string

const (
	KindAgentRegister      Kind = "AgentRegister"
	KindHeartbeat          Kind = "Heartbeat"
	KindRequestStateSync   Kind = "RequestStateSync"
	KindSyncTasksResponse  Kind = "SyncTasksResponse"
	KindAcquireTaskRequest Kind = "AcquireTaskRequest"
	KindDispatchTask       Kind = "DispatchTask"
	KindKillTask           Kind = "KillTask"
	KindTaskInstanceUpdate Kind = "TaskInstanceUpdate"
	KindAck                Kind = "Ack"
)

// Envelope is the common wrapper around every protocol message.
type Envelope struct {
	MessageID   string          `json:"message_id"`
	SessionID   string          `json:"session_id"`
	Seq         uint64          `json:"seq"`
	Kind        Kind            `json:"kind"`
	TimestampMs int64           `json:"timestamp_ms"`
	Payload     json.RawMessage `json:"payload"`
}

// RequiresAck reports whether kind mutates state and therefore needs an
// explicit Ack from the receiver (spec §6: "Heartbeat and Ack do not require
// Ack themselves").
func (k Kind) RequiresAck() bool {
	switch k {
	case KindHeartbeat, KindAck:
		return false
	default:
		return true
	}
}

// AgentRegisterPayload announces an Agent's identity and capabilities.
type AgentRegisterPayload struct {
	AgentID      string            `json:"agent_id"`
	Name         string            `json:"name"`
	Labels       map[string]string `json:"labels"`
	Capabilities CapabilitiesWire  `json:"capabilities"`
}

// CapabilitiesWire mirrors domain.Capabilities on the wire.
type CapabilitiesWire struct {
	MaxConcurrency int               `json:"max_concurrency"`
	Tags           map[string]string `json:"tags"`
}

// HeartbeatPayload carries periodic liveness and load metrics.
type HeartbeatPayload struct {
	AgentID string        `json:"agent_id"`
	Metrics AgentMetrics  `json:"metrics"`
}

// AgentMetrics is the load snapshot an Agent reports on every heartbeat.
type AgentMetrics struct {
	CPU         float64 `json:"cpu"`
	Mem         float64 `json:"mem"`
	ActiveTasks int     `json:"active_tasks"`
}

// RequestStateSyncPayload asks the server for the Agent's authoritative
// task set, sent on connect and on reconnect.
type RequestStateSyncPayload struct {
	SessionIDPrev string `json:"session_id_prev,omitempty"`
}

// SyncTasksResponsePayload answers RequestStateSync with every task the
// server believes is Dispatched or Doing on this Agent.
type SyncTasksResponsePayload struct {
	Tasks []DispatchTaskPayload `json:"tasks"`
}

// AcquireTaskRequestPayload is the Agent's pull for more work.
type AcquireTaskRequestPayload struct {
	AgentID            string            `json:"agent_id"`
	AvailableCapacity  int               `json:"available_capacity"`
	Labels             map[string]string `json:"labels"`
}

// DispatchTaskPayload is the full, self-contained unit of work handed to
// an Agent: everything the AgentScheduler and ProcessManager need, with no
// further round-trip to the server required to execute it.
type DispatchTaskPayload struct {
	TaskID      string            `json:"task_id"`
	JobID       string            `json:"job_id"`
	Attempt     int               `json:"attempt"`
	Command     CommandSpecWire   `json:"command"`
	Env         map[string]string `json:"env"`
	ScheduledAt int64             `json:"scheduled_at"`
	Priority    int               `json:"priority"`
	DeadlineMs  int64             `json:"deadline"`
	Payload     map[string]string `json:"payload"`
}

// CommandSpecWire mirrors domain.CommandSpec on the wire.
type CommandSpecWire struct {
	Executable    string   `json:"executable"`
	Args          []string `json:"args"`
	TimeoutMs     int64    `json:"timeout_ms"`
	MaxOutputSize int64    `json:"max_output_size"`
}

// KillTaskPayload asks the Agent to terminate a running task.
type KillTaskPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// TaskInstanceUpdatePayload reports an execution state change.
type TaskInstanceUpdatePayload struct {
	TaskID      string  `json:"task_id"`
	InstanceID  string  `json:"instance_id"`
	Status      string  `json:"status"`
	StartedAt   *int64  `json:"started_at,omitempty"`
	CompletedAt *int64  `json:"completed_at,omitempty"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	Error       string  `json:"error,omitempty"`
	StdoutRef   string  `json:"stdout_ref,omitempty"`
	StderrRef   string  `json:"stderr_ref,omitempty"`
}

// AckPayload correlates to the message_id being acknowledged.
type AckPayload struct {
	MessageID string `json:"message_id"`
}
