package domain

import "time"

// NamespaceStatus is the lifecycle state of a Namespace.
type NamespaceStatus string

const (
	NamespaceActive   NamespaceStatus = "active"
	NamespaceDisabled NamespaceStatus = "disabled"
)

// Namespace is a tenant-scoped logical shard. At most one Server is ever
// bound to a Namespace at a time; rebinding is atomic (see
// coordination.LockService.BindNamespace).
type Namespace struct {
	ID             ID
	TenantID       string
	Name           string
	BoundServerID  ID // ZeroID when unbound
	Status         NamespaceStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ServerStatus is the liveness state of a registered Server instance.
type ServerStatus string

const (
	ServerActive   ServerStatus = "active"
	ServerInactive ServerStatus = "inactive"
)

// Server is a registered scheduler instance. A Server is Active only while
// its heartbeat is within ServerLivenessWindow of now; see
// coordination.LeaderLoop's liveness sweep.
type Server struct {
	ID              ID
	Address         string
	LastHeartbeatAt time.Time
	BoundNamespaces []ID
	Status          ServerStatus
	Description     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsLive reports whether the server's heartbeat is within window of now.
func (s *Server) IsLive(now time.Time, window time.Duration) bool {
	return now.Sub(s.LastHeartbeatAt) <= window
}
