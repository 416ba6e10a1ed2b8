// Package observability holds the process-wide Prometheus metric vars
// shared across the scheduling core, mirroring the one-package-one-var-block
// convention used throughout this codebase.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LeaderStatus is 1 on the current leader, 0 everywhere else.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hetuflow_leader_status",
		Help: "1 if this server instance currently holds leadership",
	})

	// LeadershipEpoch tracks the durable fencing epoch held by the leader.
	LeadershipEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hetuflow_leader_epoch",
		Help: "Current fencing epoch of the leader",
	}, []string{"server_id"})

	// LeadershipTransitions counts leadership acquire/lose/step-down events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetuflow_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"server_id", "event"})

	// NamespacesBound tracks how many namespaces a server currently owns.
	NamespacesBound = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hetuflow_namespaces_bound",
		Help: "Number of namespaces bound to this server",
	}, []string{"server_id"})

	// SchedulesGenerated counts Task rows produced by the generator.
	SchedulesGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetuflow_schedule_tasks_generated_total",
		Help: "Total number of tasks generated from schedules",
	}, []string{"namespace_id", "kind"})

	// GenerationLoopDuration tracks one namespace's generation pass.
	GenerationLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hetuflow_generation_loop_duration_seconds",
		Help:    "Duration of one TaskGenerator namespace pass",
		Buckets: prometheus.DefBuckets,
	})

	// DispatchDecisions counts dispatch admission outcomes.
	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetuflow_dispatch_decisions_total",
		Help: "Total number of dispatch admission decisions",
	}, []string{"decision", "reason"})

	// TasksOutstanding tracks tasks awaiting an Ack per agent.
	TasksOutstanding = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hetuflow_tasks_outstanding",
		Help: "Tasks dispatched to an agent awaiting acknowledgement",
	}, []string{"agent_id"})

	// AckTimeouts counts dispatches that timed out waiting for an Ack.
	AckTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetuflow_ack_timeouts_total",
		Help: "Total dispatches that timed out waiting for an acknowledgement",
	}, []string{"agent_id"})

	// TaskReassignments counts tasks reassigned after ack exhaustion.
	TaskReassignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetuflow_task_reassignments_total",
		Help: "Total tasks requeued after ack retries were exhausted",
	}, []string{"reason"})

	// AgentSessions tracks live Gateway sessions.
	AgentSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hetuflow_agent_sessions",
		Help: "Current number of connected agent sessions",
	})

	// GatewayMessages counts inbound/outbound protocol messages by kind.
	GatewayMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetuflow_gateway_messages_total",
		Help: "Total protocol messages processed by the gateway",
	}, []string{"direction", "kind"})

	// ReplayRejections counts messages dropped by the replay guard.
	ReplayRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetuflow_replay_rejections_total",
		Help: "Messages rejected as duplicates by the replay guard",
	}, []string{"kind"})

	// AgentScheduledTasks tracks tasks currently sitting in the Agent's
	// timing wheel awaiting their fire instant.
	AgentScheduledTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hetuflow_agent_wheel_depth",
		Help: "Number of tasks currently scheduled in the agent's timing wheel",
	})

	// ProcessesRunning tracks the agent's worker pool occupancy.
	ProcessesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hetuflow_agent_processes_running",
		Help: "Number of processes currently executing on this agent",
	})

	// ProcessesRejected counts executions refused because the worker pool
	// was saturated.
	ProcessesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hetuflow_agent_processes_rejected_total",
		Help: "Total task executions refused due to worker pool saturation",
	})

	// ProcessDuration tracks wall-clock execution time of agent processes.
	ProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hetuflow_agent_process_duration_seconds",
		Help:    "Execution time of agent-run processes",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	})

	// ProcessOutcomes counts terminal process results by exit class.
	ProcessOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hetuflow_agent_process_outcomes_total",
		Help: "Total process completions by outcome",
	}, []string{"outcome"}) // succeeded, failed, timeout, killed
)
