package domain

import "time"

// AgentStatus is the connection/workload state of an execution node.
type AgentStatus string

const (
	AgentOnline   AgentStatus = "Online"
	AgentOffline  AgentStatus = "Offline"
	AgentBusy     AgentStatus = "Busy"
	AgentDraining AgentStatus = "Draining"
)

// Capabilities advertises what an Agent can run and how much of it at once.
type Capabilities struct {
	MaxConcurrency int
	Tags           map[string]string
}

// Statistics accumulates reliability signals used for dashboards and for the
// AckTracker's latency sampling.
type Statistics struct {
	TasksDispatched int64
	TasksSucceeded  int64
	TasksFailed     int64
	AckLatencyEWMA  time.Duration
}

// Agent is an execution node registered with the Server cluster.
type Agent struct {
	ID              ID
	Name            string
	Labels          map[string]string
	Capabilities    Capabilities
	Status          AgentStatus
	LastHeartbeatAt time.Time
	Statistics      Statistics
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsLive reports whether the agent's heartbeat is within window of now.
func (a *Agent) IsLive(now time.Time, window time.Duration) bool {
	return now.Sub(a.LastHeartbeatAt) <= window
}

// LabelsCompatible implements the capability filter of spec §4.5: for every
// label the job requires, the agent must advertise the same key with an
// equal-or-superset value. A comma-separated value is treated as a set.
func LabelsCompatible(required map[string]string, advertised map[string]string) bool {
	for k, want := range required {
		got, ok := advertised[k]
		if !ok {
			return false
		}
		if got == want {
			continue
		}
		if !hasAll(got, want) {
			return false
		}
	}
	return true
}

func hasAll(supersetCSV, subsetCSV string) bool {
	superset := splitSet(supersetCSV)
	for _, want := range splitSet(subsetCSV) {
		if !superset[want] {
			return false
		}
	}
	return true
}

func splitSet(csv string) map[string]bool {
	out := make(map[string]bool)
	start := 0
	for i := 0; i <= len(csv); i++ {
		if i == len(csv) || csv[i] == ',' {
			if i > start {
				out[csv[start:i]] = true
			}
			start = i + 1
		}
	}
	return out
}

// GlobalPath is a revisioned key-value row used for leader election and
// named-resource CAS (spec §3).
type GlobalPath struct {
	Path     string
	Value    string
	Revision int64
}
